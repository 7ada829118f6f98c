package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/service"
)

// ReaperJob closes sessions a dead gateway left behind.
type ReaperJob struct {
	sessions service.SessionService
	logger   *zap.Logger
}

func NewReaperJob(sessions service.SessionService, logger *zap.Logger) *ReaperJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReaperJob{
		sessions: sessions,
		logger:   logger,
	}
}

func (j *ReaperJob) ReapStale() {
	if j == nil || j.sessions == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	reaped, err := j.sessions.ReapStaleSessions(ctx)
	if err != nil {
		j.logger.Warn("stale session reap failed", zap.Error(err))
		return
	}
	if reaped > 0 {
		j.logger.Info("stale sessions reaped", zap.Int("count", reaped))
	}
}
