package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/event"
	"github.com/psiphi75/SwirlVPN/internal/meter"
	"github.com/psiphi75/SwirlVPN/internal/metrics"
	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

// ReconcileService folds a gateway's periodic stats batch into the
// ledger and answers with the users whose tunnels must be killed. The
// eviction list rides the same response so a broke user is cut off one
// reporting interval after the money runs out, without a second round
// trip.
type ReconcileService interface {
	ProcessReport(ctx context.Context, report model.UsageReport) (*model.EvictionList, error)
}

type reconcileService struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	ledger      LedgerService
	eventBus    *event.Bus
	logger      *zap.Logger
}

func NewReconcileService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	ledger LedgerService,
	eventBus *event.Bus,
	logger *zap.Logger,
) ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &reconcileService{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		ledger:      ledger,
		eventBus:    eventBus,
		logger:      logger,
	}
}

func (s *reconcileService) ProcessReport(ctx context.Context, report model.UsageReport) (*model.EvictionList, error) {
	startedAt := time.Now()
	defer func() {
		metrics.ObserveStatsBatch(len(report.Sessions), time.Since(startedAt))
	}()

	evictions := &model.EvictionList{Evict: []uuid.UUID{}}
	if len(report.Sessions) == 0 {
		return evictions, nil
	}

	byUser := make(map[uuid.UUID][]model.SessionStat)
	for _, stat := range report.Sessions {
		if stat.UserID == uuid.Nil || stat.DateConnectedUnix <= 0 {
			metrics.StatsBatchItemErrors.Inc()
			continue
		}
		byUser[stat.UserID] = append(byUser[stat.UserID], stat)
	}

	for userID, stats := range byUser {
		evict, err := s.reconcileUser(ctx, report.ServerHostname, userID, stats)
		if err != nil {
			// One hosed account must not sink the whole batch.
			metrics.StatsBatchItemErrors.Inc()
			s.logger.Error("reconcile user",
				zap.String("user_id", userID.String()),
				zap.String("gateway", report.ServerHostname),
				zap.Error(err))
			continue
		}
		if evict {
			evictions.Evict = append(evictions.Evict, userID)
		}
	}

	metrics.AddEvictedUsers(len(evictions.Evict))
	return evictions, nil
}

func (s *reconcileService) reconcileUser(ctx context.Context, hostname string, userID uuid.UUID, stats []model.SessionStat) (evict bool, err error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return false, err
	}

	before, err := s.sessionRepo.FindActiveByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	oldBalance := meter.RemainingBytes(user, before)

	for _, stat := range stats {
		session := &model.ActiveSession{
			UserID:             stat.UserID,
			DateConnectedUnix:  stat.DateConnectedUnix,
			AssignedIP:         stat.AssignedIP,
			ClientIP:           stat.ClientIP,
			ServerHostname:     hostname,
			BytesToClient:      stat.BytesToClient,
			BytesFromClient:    stat.BytesFromClient,
			BytesToClientSaved: stat.BytesToClientSaved,
		}
		// Update only: a stat for a session that is already archived
		// (a replayed buffered batch) or never admitted must not create
		// an active row, or its bytes would be counted twice against
		// the balance.
		if err := s.sessionRepo.UpdateCounters(ctx, session); err != nil {
			metrics.StatsBatchItemErrors.Inc()
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("stat for unknown session skipped",
					zap.String("user_id", userID.String()),
					zap.Int64("connected_unix", stat.DateConnectedUnix))
				continue
			}
			s.logger.Error("apply session stat",
				zap.String("user_id", userID.String()),
				zap.Int64("connected_unix", stat.DateConnectedUnix),
				zap.Error(err))
		}
	}

	after, err := s.sessionRepo.FindActiveByUser(ctx, userID)
	if err != nil {
		return false, err
	}
	newBalance := meter.RemainingBytes(user, after)

	if newBalance <= 0 {
		evict = true
		s.eventBus.Publish(event.EventBalanceExhausted, event.BalanceExhaustedPayload{
			UserID:         userID.String(),
			RemainingBytes: newBalance,
		})
	}

	if !user.Reminder.Reminded &&
		meter.ReminderTriggered(user.Reminder.RemindMe, user.Reminder.RemindAt, oldBalance, newBalance) {
		if err := s.userRepo.SetReminded(ctx, userID, true); err != nil {
			s.logger.Warn("set reminder latch", zap.String("user_id", userID.String()), zap.Error(err))
		} else {
			metrics.RemindersSent.Inc()
			s.eventBus.Publish(event.EventBalanceLow, event.BalanceLowPayload{
				UserID:         userID.String(),
				RemainingBytes: newBalance,
				RemindAt:       user.Reminder.RemindAt,
			})
		}
	}

	if s.ledger != nil {
		if err := s.ledger.SettleUsage(ctx, userID); err != nil {
			s.logger.Warn("settle after batch", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	return evict, nil
}
