// Package gateway holds the handlers serving the VPN gateways.
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
	"github.com/psiphi75/SwirlVPN/internal/service"
)

type connectRequest struct {
	UserID            string `json:"userId" binding:"required"`
	ConnectionKey     string `json:"connectionKey" binding:"required"`
	DateConnectedUnix int64  `json:"dateConnectedUnix" binding:"required"`
	AssignedIP        string `json:"assignedIP"`
	ClientIP          string `json:"clientIP"`
	ClientIPv6        string `json:"clientIPv6"`
	ServerHostname    string `json:"serverHostname"`
	ServerNetDev      string `json:"serverNetDev"`
}

type disconnectRequest struct {
	UserID            string `json:"userId" binding:"required"`
	DateConnectedUnix int64  `json:"dateConnectedUnix" binding:"required"`
	Reason            string `json:"reason"`

	// Final counters read from the daemon at teardown. They cover the
	// tail of traffic after the last stats poll.
	BytesToClient      int64 `json:"bytesToClient"`
	BytesFromClient    int64 `json:"bytesFromClient"`
	BytesToClientSaved int64 `json:"bytesToClientSaved"`
}

type Handler struct {
	admission service.AdmissionService
	sessions  service.SessionService
	reconcile service.ReconcileService
	logger    *zap.Logger
}

func NewHandler(
	admission service.AdmissionService,
	sessions service.SessionService,
	reconcile service.ReconcileService,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		admission: admission,
		sessions:  sessions,
		reconcile: reconcile,
		logger:    logger,
	}
}

func (h *Handler) Register(router gin.IRoutes) {
	router.POST("/gateway/connect", h.Connect)
	router.POST("/gateway/disconnect", h.Disconnect)
	router.POST("/gateway/stats", h.Stats)
}

// Connect answers the OpenVPN client-connect hook. The contract with
// the gateway is the status code alone: 200 admits, anything else
// denies. Bodies stay empty.
func (h *Handler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	session := model.ActiveSession{
		UserID:            userID,
		DateConnectedUnix: req.DateConnectedUnix,
		AssignedIP:        req.AssignedIP,
		ClientIP:          req.ClientIP,
		ClientIPv6:        req.ClientIPv6,
		ServerHostname:    req.ServerHostname,
		ServerNetDev:      req.ServerNetDev,
		DateConnected:     time.Unix(req.DateConnectedUnix, 0).UTC(),
	}

	if err := h.admission.CheckConnect(c.Request.Context(), userID, req.ConnectionKey, session); err != nil {
		h.logger.Info("connect denied",
			zap.String("user_id", req.UserID),
			zap.String("gateway", req.ServerHostname),
			zap.Error(err))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	c.Status(http.StatusOK)
}

func (h *Handler) Disconnect(c *gin.Context) {
	var req disconnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Status(http.StatusOK)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.Status(http.StatusOK)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "client-disconnect"
	}
	final := &repository.ByteCounters{
		BytesToClient:      req.BytesToClient,
		BytesFromClient:    req.BytesFromClient,
		BytesToClientSaved: req.BytesToClientSaved,
	}
	if err := h.sessions.CloseSession(c.Request.Context(), userID, req.DateConnectedUnix, reason, final); err != nil {
		// The close is replayable; the reaper catches what slips. The
		// gateway gets its 200 either way so the hook never blocks.
		h.logger.Error("close session from disconnect hook",
			zap.String("user_id", req.UserID),
			zap.Int64("connected_unix", req.DateConnectedUnix),
			zap.Error(err))
	}
	c.Status(http.StatusOK)
}

// Stats takes the periodic usage batch and returns the eviction list.
func (h *Handler) Stats(c *gin.Context) {
	var report model.UsageReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}

	evictions, err := h.reconcile.ProcessReport(c.Request.Context(), report)
	if err != nil {
		h.logger.Error("process stats batch",
			zap.String("gateway", report.ServerHostname),
			zap.Error(err))
		c.Status(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, evictions)
}
