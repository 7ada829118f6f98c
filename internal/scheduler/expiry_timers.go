package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/metrics"
	"github.com/psiphi75/SwirlVPN/internal/model"
)

// ExpiryTimers keeps one in-process timer per entitlement expiring
// within the arming horizon. Timers do not survive a restart; the
// daily sweep (and the startup rescan) re-arm whatever is due. Far
// expiries are not armed at all, the sweep will pick them up when
// their day comes.
type ExpiryTimers struct {
	expire func(purchaseID uuid.UUID)
	logger *zap.Logger

	horizon time.Duration

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

func NewExpiryTimers(expire func(purchaseID uuid.UUID), logger *zap.Logger) *ExpiryTimers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryTimers{
		expire:  expire,
		logger:  logger,
		horizon: 24 * time.Hour,
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// Arm schedules the entitlement's expiry if it falls inside the
// horizon. An already-due entitlement fires immediately, an
// already-armed one is re-armed with the fresh deadline.
func (t *ExpiryTimers) Arm(ent *model.Entitlement) {
	if ent == nil || ent.DateExpires == nil {
		return
	}
	delay := time.Until(*ent.DateExpires)
	if delay > t.horizon {
		return
	}
	if delay < 0 {
		delay = 0
	}

	id := ent.ID
	t.mu.Lock()
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		metrics.SetExpiryTimers(len(t.timers))
		t.mu.Unlock()
		t.expire(id)
	})
	metrics.SetExpiryTimers(len(t.timers))
	t.mu.Unlock()

	t.logger.Debug("expiry timer armed",
		zap.String("purchase_id", id.String()),
		zap.Duration("fires_in", delay))
}

// Cancel drops an armed timer, e.g. when the entitlement closed early.
func (t *ExpiryTimers) Cancel(purchaseID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[purchaseID]; ok {
		timer.Stop()
		delete(t.timers, purchaseID)
		metrics.SetExpiryTimers(len(t.timers))
	}
}

// Stop cancels everything. Used on shutdown.
func (t *ExpiryTimers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	metrics.SetExpiryTimers(0)
}

// Armed reports how many timers are pending. Test hook.
func (t *ExpiryTimers) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
