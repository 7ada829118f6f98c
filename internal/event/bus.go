package event

import (
	"strings"
	"sync"
	"time"
)

const (
	EventBalanceLow         = "balance.low"
	EventBalanceExhausted   = "balance.exhausted"
	EventPurchaseConfirmed  = "purchase.confirmed"
	EventEntitlementExpired = "entitlement.expired"
)

type BalanceLowPayload struct {
	UserID         string `json:"user_id"`
	RemainingBytes int64  `json:"remaining_bytes"`
	RemindAt       int64  `json:"remind_at"`
}

type BalanceExhaustedPayload struct {
	UserID         string `json:"user_id"`
	RemainingBytes int64  `json:"remaining_bytes"`
}

type PurchaseConfirmedPayload struct {
	UserID         string `json:"user_id"`
	PurchaseID     string `json:"purchase_id"`
	BytesPurchased int64  `json:"bytes_purchased"`
}

type EntitlementExpiredPayload struct {
	UserID         string    `json:"user_id"`
	PurchaseID     string    `json:"purchase_id"`
	BytesForfeited int64     `json:"bytes_forfeited"`
	ExpiredAt      time.Time `json:"expired_at"`
}

type Handler func(payload any)

// Bus is an in-process publish/subscribe fanout. Handlers run on their
// own goroutines so a slow notifier cannot stall the ledger path.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

func (b *Bus) Subscribe(event string, handler Handler) {
	if b == nil || handler == nil {
		return
	}
	name := strings.TrimSpace(event)
	if name == "" {
		return
	}

	b.mu.Lock()
	b.handlers[name] = append(b.handlers[name], handler)
	b.mu.Unlock()
}

func (b *Bus) Publish(event string, payload any) {
	if b == nil {
		return
	}
	name := strings.TrimSpace(event)
	if name == "" {
		return
	}

	b.mu.RLock()
	handlers := b.handlers[name]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(payload)
	}
}
