package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

// ExpiryJob is the daily sweep that arms in-process timers for
// entitlements expiring within the next day. Rows already past their
// expiry (missed while the process was down) get a zero-delay timer
// and fire immediately.
type ExpiryJob struct {
	entRepo repository.EntitlementRepository
	arm     func(ent *model.Entitlement)
	logger  *zap.Logger
}

func NewExpiryJob(entRepo repository.EntitlementRepository, arm func(ent *model.Entitlement), logger *zap.Logger) *ExpiryJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpiryJob{
		entRepo: entRepo,
		arm:     arm,
		logger:  logger,
	}
}

func (j *ExpiryJob) SweepExpiring() {
	if j == nil || j.entRepo == nil || j.arm == nil {
		return
	}

	var ents []*model.Entitlement
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		ents, err = j.entRepo.FindExpiringBefore(ctx, time.Now().UTC().Add(24*time.Hour))
		cancel()
		if err == nil {
			break
		}
		j.logger.Warn("expiry sweep attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * 5 * time.Second)
	}
	if err != nil {
		j.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}

	for _, ent := range ents {
		j.arm(ent)
	}
	if len(ents) > 0 {
		j.logger.Info("expiry timers armed", zap.Int("count", len(ents)))
	}
}
