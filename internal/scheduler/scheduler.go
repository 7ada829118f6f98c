package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	specExpirySweep = "0 0 0 * * *"
	specPaymentPoll = "0 */10 * * * *"
	specSessionReap = "0 */30 * * * *"
)

type ExpiryTask interface {
	SweepExpiring()
}

type PaymentTask interface {
	PollOutstanding()
}

type ReaperTask interface {
	ReapStale()
}

type Deps struct {
	ExpiryJob  ExpiryTask
	PaymentJob PaymentTask
	ReaperJob  ReaperTask
}

func NewScheduler(deps Deps, logger *zap.Logger) *cron.Cron {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC))

	if deps.ExpiryJob != nil {
		addFunc(c, specExpirySweep, "entitlement.sweep_expiring", logger, deps.ExpiryJob.SweepExpiring)
	}
	if deps.PaymentJob != nil {
		addFunc(c, specPaymentPoll, "payment.poll_outstanding", logger, deps.PaymentJob.PollOutstanding)
	}
	if deps.ReaperJob != nil {
		addFunc(c, specSessionReap, "session.reap_stale", logger, deps.ReaperJob.ReapStale)
	}

	return c
}

func addFunc(c *cron.Cron, spec string, name string, logger *zap.Logger, fn func()) {
	if c == nil || fn == nil {
		return
	}

	if _, err := c.AddFunc(spec, func() {
		defer recoverJobPanic(name, logger)
		start := time.Now()
		fn()
		logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	}); err != nil {
		logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("spec", spec),
			zap.Error(err),
		)
	}
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if logger == nil {
		return
	}

	if recovered := recover(); recovered != nil {
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}
