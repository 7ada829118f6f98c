package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/api/response"
	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
	"github.com/psiphi75/SwirlVPN/internal/service"
)

type PurchaseHandler struct {
	purchases service.PurchaseService
	ledger    service.LedgerService
	logger    *zap.Logger
}

func NewPurchaseHandler(purchases service.PurchaseService, ledger service.LedgerService, logger *zap.Logger) *PurchaseHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PurchaseHandler{purchases: purchases, ledger: ledger, logger: logger}
}

func (h *PurchaseHandler) Register(router gin.IRoutes) {
	router.POST("/v1/users/:id/purchases", h.Start)
	router.GET("/v1/users/:id/purchases", h.List)
	router.DELETE("/v1/purchases/:purchaseId", h.Cancel)
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

type startPurchaseRequest struct {
	PlanName string  `json:"planName" binding:"required"`
	Bytes    int64   `json:"bytes"`
	PriceUSD float64 `json:"priceUSD" binding:"required"`
	Currency string  `json:"currency" binding:"required"`
}

func (h *PurchaseHandler) Start(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req startPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid request")
		return
	}

	ent, err := h.purchases.StartPurchase(c.Request.Context(), userID, req.PlanName, req.Bytes, req.PriceUSD, req.Currency)
	if err != nil {
		h.logger.Error("start purchase", zap.String("user_id", userID.String()), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "purchase failed")
		return
	}
	response.Success(c, ent)
}

func (h *PurchaseHandler) List(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var status *model.EntitlementStatus
	if raw := c.Query("status"); raw != "" {
		s := model.EntitlementStatus(raw)
		status = &s
	}

	page := repository.Pagination{
		Limit:  int32(atoiDefault(c.Query("limit"), 0)),
		Offset: int32(atoiDefault(c.Query("offset"), 0)),
	}

	ents, err := h.ledger.ListPurchases(c.Request.Context(), userID, status, page)
	if err != nil {
		h.logger.Error("list purchases", zap.String("user_id", userID.String()), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "list failed")
		return
	}
	response.Success(c, ents)
}

// Cancel closes the purchase. `?purge=true` marks it deleted instead
// of cancelled; both void the unconsumed remainder.
func (h *PurchaseHandler) Cancel(c *gin.Context) {
	purchaseID, err := uuid.Parse(c.Param("purchaseId"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid purchase id")
		return
	}

	void := h.ledger.CancelPurchase
	if c.Query("purge") == "true" {
		void = h.ledger.DeletePurchase
	}

	if err := void(c.Request.Context(), purchaseID); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrPurchaseNotFound, "purchase not found")
		case errors.Is(err, service.ErrAlreadyClosed):
			response.Fail(c, http.StatusConflict, response.ErrPurchaseClosed, "purchase already closed")
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "cancel failed")
		}
		return
	}
	response.Success(c, nil)
}
