package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/metrics"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

const stalenessCutoff = 2 * time.Hour

// SessionService moves tunnels from the active table to the archive.
// The two phases are deliberately not a transaction: the archive
// insert's conflict key makes a replay after a crash harmless, and the
// leftover active row is swept up on the retry.
type SessionService interface {
	// CloseSession archives the tunnel. The disconnect hook carries the
	// daemon's final byte counters, read at teardown; they supersede
	// whatever the last stats poll recorded, so traffic between the
	// final poll and the disconnect still gets billed. A nil final
	// keeps the stored counters (the stale reaper has nothing better).
	CloseSession(ctx context.Context, userID uuid.UUID, connectedUnix int64, reason string, final *repository.ByteCounters) error
	// ReapStaleSessions closes sessions whose last activity predates
	// the cutoff, covering gateways that died without disconnecting
	// their clients.
	ReapStaleSessions(ctx context.Context) (int, error)
}

type sessionService struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	ledger      LedgerService
	logger      *zap.Logger

	staleAfter time.Duration
	nowFn      func() time.Time
}

func NewSessionService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	ledger LedgerService,
	logger *zap.Logger,
) SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &sessionService{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		ledger:      ledger,
		logger:      logger,
		staleAfter:  stalenessCutoff,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *sessionService) CloseSession(ctx context.Context, userID uuid.UUID, connectedUnix int64, reason string, final *repository.ByteCounters) error {
	session, err := s.sessionRepo.FindActive(ctx, userID, connectedUnix)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Already closed, or the async admission write never
			// landed. Either way there is nothing to move.
			return nil
		}
		return fmt.Errorf("find session: %w", err)
	}

	if final != nil {
		// Counters are monotone absolute readings, so the larger of the
		// stored and final value is the true total. The hook cannot see
		// the proxy's savings counter; max keeps the last reported one
		// instead of zeroing it.
		session.BytesToClient = max(session.BytesToClient, final.BytesToClient)
		session.BytesFromClient = max(session.BytesFromClient, final.BytesFromClient)
		session.BytesToClientSaved = max(session.BytesToClientSaved, final.BytesToClientSaved)

		// Persist before archiving so a crash between the phases leaves
		// the finals for the replay to pick up.
		if err := s.sessionRepo.UpdateCounters(ctx, session); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("write final counters: %w", err)
		}
	}

	inserted, err := s.sessionRepo.Archive(ctx, session, reason, s.nowFn())
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if inserted {
		err = s.userRepo.AddArchivedCounters(ctx, userID, repository.ByteCounters{
			BytesToClient:      session.BytesToClient,
			BytesFromClient:    session.BytesFromClient,
			BytesToClientSaved: session.BytesToClientSaved,
		})
		if err != nil {
			// The archive row exists but the aggregate didn't move.
			// Do not delete the active row; the retry path hits the
			// conflict and skips the double-count, but we want the
			// operator to see this.
			return fmt.Errorf("fold session into aggregates: %w", err)
		}
		metrics.SessionsArchived.Inc()
	}

	if err := s.sessionRepo.DeleteActive(ctx, userID, connectedUnix); err != nil {
		return fmt.Errorf("delete active session: %w", err)
	}

	s.logger.Info("session closed",
		zap.String("user_id", userID.String()),
		zap.Int64("connected_unix", connectedUnix),
		zap.String("reason", reason),
		zap.Int64("bytes_to_client", session.BytesToClient),
		zap.Int64("bytes_from_client", session.BytesFromClient))

	if s.ledger != nil {
		if err := s.ledger.SettleUsage(ctx, userID); err != nil {
			s.logger.Warn("settle after close", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *sessionService) ReapStaleSessions(ctx context.Context) (int, error) {
	cutoff := s.nowFn().Add(-s.staleAfter)
	stale, err := s.sessionRepo.FindStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	reaped := 0
	for i := range stale {
		sess := stale[i]
		if err := s.CloseSession(ctx, sess.UserID, sess.DateConnectedUnix, "stale-reaped", nil); err != nil {
			s.logger.Error("reap stale session",
				zap.String("user_id", sess.UserID.String()),
				zap.Int64("connected_unix", sess.DateConnectedUnix),
				zap.Error(err))
			continue
		}
		reaped++
	}
	return reaped, nil
}
