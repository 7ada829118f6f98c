package service

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/event"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

type NotificationTemplate string

const (
	NotificationBalanceLow         NotificationTemplate = "balance_low"
	NotificationBalanceExhausted   NotificationTemplate = "balance_exhausted"
	NotificationPurchaseConfirmed  NotificationTemplate = "purchase_confirmed"
	NotificationEntitlementExpired NotificationTemplate = "entitlement_expired"
)

var notificationTemplates = map[NotificationTemplate]string{
	NotificationBalanceLow: "Your VPN data balance is down to {{.RemainingMB}} MB. " +
		"Top up at {{.AccountURL}} to stay connected.",
	NotificationBalanceExhausted: "Your VPN data balance has run out and your connection " +
		"has been stopped. Top up at {{.AccountURL}} to reconnect.",
	NotificationPurchaseConfirmed: "Payment received. {{.PurchasedMB}} MB have been added " +
		"to your account.",
	NotificationEntitlementExpired: "A data block on your account expired" +
		"{{if .ForfeitedMB}} with {{.ForfeitedMB}} MB unused{{end}}.",
}

// MessageSender delivers one rendered notification. The production
// binary plugs the mail relay in; everything else (tests, dev) gets
// the logging sender.
type MessageSender interface {
	Send(ctx context.Context, email, body string) error
}

type logSender struct {
	logger *zap.Logger
}

func (s *logSender) Send(_ context.Context, email, body string) error {
	s.logger.Info("notification (log sender)", zap.String("email", email), zap.String("body", body))
	return nil
}

// Notifier renders and delivers account notifications. It subscribes
// to the event bus; services never call it directly.
type Notifier struct {
	userRepo repository.UserRepository
	sender   MessageSender
	logger   *zap.Logger

	accountURL string

	templateMu sync.RWMutex
	templates  map[NotificationTemplate]*template.Template
}

func NewNotifier(userRepo repository.UserRepository, sender MessageSender, accountURL string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = &logSender{logger: logger}
	}
	return &Notifier{
		userRepo:   userRepo,
		sender:     sender,
		logger:     logger,
		accountURL: accountURL,
		templates:  make(map[NotificationTemplate]*template.Template),
	}
}

// SubscribeAll registers the notifier's handlers on the bus.
func (n *Notifier) SubscribeAll(bus *event.Bus) {
	bus.Subscribe(event.EventBalanceLow, func(payload any) {
		p, ok := payload.(event.BalanceLowPayload)
		if !ok {
			return
		}
		n.notify(p.UserID, NotificationBalanceLow, map[string]any{
			"RemainingMB": p.RemainingBytes / (1 << 20),
			"AccountURL":  n.accountURL,
		})
	})
	bus.Subscribe(event.EventBalanceExhausted, func(payload any) {
		p, ok := payload.(event.BalanceExhaustedPayload)
		if !ok {
			return
		}
		n.notify(p.UserID, NotificationBalanceExhausted, map[string]any{
			"AccountURL": n.accountURL,
		})
	})
	bus.Subscribe(event.EventPurchaseConfirmed, func(payload any) {
		p, ok := payload.(event.PurchaseConfirmedPayload)
		if !ok {
			return
		}
		n.notify(p.UserID, NotificationPurchaseConfirmed, map[string]any{
			"PurchasedMB": p.BytesPurchased / (1 << 20),
		})
	})
	bus.Subscribe(event.EventEntitlementExpired, func(payload any) {
		p, ok := payload.(event.EntitlementExpiredPayload)
		if !ok {
			return
		}
		n.notify(p.UserID, NotificationEntitlementExpired, map[string]any{
			"ForfeitedMB": p.BytesForfeited / (1 << 20),
		})
	})
}

func (n *Notifier) notify(userID string, name NotificationTemplate, vars map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := uuid.Parse(userID)
	if err != nil {
		n.logger.Warn("notification for unparsable user id", zap.String("user_id", userID))
		return
	}
	user, err := n.userRepo.FindByID(ctx, id)
	if err != nil {
		n.logger.Warn("notification user lookup", zap.String("user_id", userID), zap.Error(err))
		return
	}

	body, err := n.render(name, vars)
	if err != nil {
		n.logger.Error("render notification", zap.String("template", string(name)), zap.Error(err))
		return
	}
	if err := n.sender.Send(ctx, user.Email, body); err != nil {
		n.logger.Error("send notification",
			zap.String("user_id", userID),
			zap.String("template", string(name)),
			zap.Error(err))
	}
}

func (n *Notifier) render(name NotificationTemplate, vars map[string]any) (string, error) {
	n.templateMu.RLock()
	tpl := n.templates[name]
	n.templateMu.RUnlock()

	if tpl == nil {
		raw, ok := notificationTemplates[name]
		if !ok {
			return "", errors.New("unknown notification template")
		}
		parsed, err := template.New(string(name)).Parse(raw)
		if err != nil {
			return "", err
		}
		n.templateMu.Lock()
		n.templates[name] = parsed
		n.templateMu.Unlock()
		tpl = parsed
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, vars); err != nil {
		return "", err
	}
	return buf.String(), nil
}
