package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	gatewayapi "github.com/psiphi75/SwirlVPN/internal/api/gateway"
	"github.com/psiphi75/SwirlVPN/internal/api/middleware"
	v1 "github.com/psiphi75/SwirlVPN/internal/api/v1"
	"github.com/psiphi75/SwirlVPN/internal/api/webhook"
	"github.com/psiphi75/SwirlVPN/internal/service"
)

type Deps struct {
	Admission service.AdmissionService
	Sessions  service.SessionService
	Reconcile service.ReconcileService
	Accounts  service.AccountService
	Purchases service.PurchaseService
	Ledger    service.LedgerService
	Logger    *zap.Logger

	GatewaySharedKey    string
	GatewayAllowedCIDRs []string
	PaymentWebhookToken string
	InternalToken       string
}

// RegisterRoutes wires the three boundary surfaces: the gateway
// endpoints behind the shared key and allowlist, the payment webhook
// behind its query token, and the account API behind the operator
// token.
func RegisterRoutes(router *gin.Engine, deps Deps) {
	gatewayGroup := router.Group("/", middleware.GatewayAuth(deps.GatewaySharedKey, deps.GatewayAllowedCIDRs))
	gatewayapi.NewHandler(deps.Admission, deps.Sessions, deps.Reconcile, deps.Logger).Register(gatewayGroup)

	webhook.NewPaymentHandler(deps.Purchases, deps.PaymentWebhookToken, deps.Logger).Register(router)

	accountGroup := router.Group("/", middleware.InternalTokenAuth(deps.InternalToken))
	v1.NewAccountHandler(deps.Accounts, deps.Logger).Register(accountGroup)
	v1.NewPurchaseHandler(deps.Purchases, deps.Ledger, deps.Logger).Register(accountGroup)
}
