package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/service"
)

// PaymentJob reconciles purchases whose webhook never arrived.
type PaymentJob struct {
	purchases service.PurchaseService
	logger    *zap.Logger
}

func NewPaymentJob(purchases service.PurchaseService, logger *zap.Logger) *PaymentJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentJob{
		purchases: purchases,
		logger:    logger,
	}
}

func (j *PaymentJob) PollOutstanding() {
	if j == nil || j.purchases == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	decided, err := j.purchases.PollOutstanding(ctx)
	if err != nil {
		j.logger.Warn("payment poll failed", zap.Error(err))
		return
	}
	if decided > 0 {
		j.logger.Info("outstanding payments decided", zap.Int("count", decided))
	}
}
