package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/api/response"
	"github.com/psiphi75/SwirlVPN/internal/repository"
	"github.com/psiphi75/SwirlVPN/internal/service"
)

type AccountHandler struct {
	accounts service.AccountService
	logger   *zap.Logger
}

func NewAccountHandler(accounts service.AccountService, logger *zap.Logger) *AccountHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountHandler{accounts: accounts, logger: logger}
}

func (h *AccountHandler) Register(router gin.IRoutes) {
	router.POST("/v1/users", h.Signup)
	router.GET("/v1/users/:id/balance", h.Balance)
	router.PUT("/v1/users/:id/reminder", h.UpdateReminder)
	router.POST("/v1/users/:id/deactivate", h.Deactivate)
}

type signupRequest struct {
	Email string `json:"email" binding:"required,email"`
}

type reminderRequest struct {
	RemindMe bool  `json:"remindMe"`
	RemindAt int64 `json:"remindAt"`
}

func (h *AccountHandler) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid request")
		return
	}

	user, err := h.accounts.Signup(c.Request.Context(), req.Email)
	if err != nil {
		h.logger.Error("signup", zap.String("email", req.Email), zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "signup failed")
		return
	}
	response.Success(c, user)
}

func (h *AccountHandler) Balance(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	remaining, err := h.accounts.GetBalance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrUserNotFound, "user not found")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "balance lookup failed")
		return
	}
	response.Success(c, gin.H{"remainingBytes": remaining})
}

func (h *AccountHandler) UpdateReminder(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req reminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid request")
		return
	}

	if err := h.accounts.UpdateReminder(c.Request.Context(), userID, req.RemindMe, req.RemindAt); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrUserNotFound, "user not found")
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, err.Error())
		return
	}
	response.Success(c, nil)
}

func (h *AccountHandler) Deactivate(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	if err := h.accounts.Deactivate(c.Request.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrUserNotFound, "user not found")
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal, "deactivation failed")
		return
	}
	response.Success(c, nil)
}

func parseUserID(c *gin.Context) (uuid.UUID, bool) {
	userID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrBadRequest, "invalid user id")
		return uuid.Nil, false
	}
	return userID, true
}
