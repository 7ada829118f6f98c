// Package webhook receives payment processor callbacks.
package webhook

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/service"
)

type paymentCallback struct {
	VendorPaymentID string `json:"vendorPaymentId" binding:"required"`
	Status          string `json:"status" binding:"required"`
}

type PaymentHandler struct {
	purchases service.PurchaseService
	token     string
	logger    *zap.Logger
}

func NewPaymentHandler(purchases service.PurchaseService, token string, logger *zap.Logger) *PaymentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentHandler{
		purchases: purchases,
		token:     strings.TrimSpace(token),
		logger:    logger,
	}
}

func (h *PaymentHandler) Register(router gin.IRoutes) {
	router.POST("/webhook/payment", h.Callback)
}

// Callback applies a vendor status notification. The processor cannot
// send headers, so the shared token rides a query parameter. Replays
// are expected and harmless; confirmation is idempotent downstream.
func (h *PaymentHandler) Callback(c *gin.Context) {
	provided := strings.TrimSpace(c.Query("token"))
	if h.token == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(h.token)) != 1 {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var req paymentCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if err := h.purchases.HandleVendorCallback(c.Request.Context(), req.VendorPaymentID, req.Status); err != nil {
		h.logger.Error("payment callback",
			zap.String("vendor_payment_id", req.VendorPaymentID),
			zap.String("status", req.Status),
			zap.Error(err))
		// 500 tells the vendor to retry later.
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusOK)
}
