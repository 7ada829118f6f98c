package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/meter"
	"github.com/psiphi75/SwirlVPN/internal/metrics"
	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

var (
	ErrUnknownUser        = errors.New("unknown user")
	ErrAccountDeactivated = errors.New("account deactivated")
	ErrBadConnectionKey   = errors.New("connection key mismatch")
	ErrBalanceExhausted   = errors.New("balance exhausted")
)

// AdmissionService answers the gateway's connect check. A store
// failure denies: the key was never verified, so approving would wave
// through anyone who knocks during an outage. The gateway side has its
// own fail-open for an unreachable authority; that is the only place
// admission errs toward letting traffic flow.
type AdmissionService interface {
	CheckConnect(ctx context.Context, userID uuid.UUID, connectionKey string, session model.ActiveSession) error
}

type admissionService struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	logger      *zap.Logger

	persistTimeout time.Duration

	remainingBytesFn func(ctx context.Context, user *model.User) (int64, error)
}

func NewAdmissionService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	logger *zap.Logger,
) AdmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &admissionService{
		userRepo:       userRepo,
		sessionRepo:    sessionRepo,
		logger:         logger,
		persistTimeout: 10 * time.Second,
	}
}

func (s *admissionService) CheckConnect(ctx context.Context, userID uuid.UUID, connectionKey string, session model.ActiveSession) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			metrics.IncAdmission("denied_unknown_user")
			return ErrUnknownUser
		}
		// The key was never checked; admitting here would admit anyone.
		s.logger.Error("admission lookup failed, denying",
			zap.String("user_id", userID.String()), zap.Error(err))
		metrics.IncAdmission("denied_store_error")
		return fmt.Errorf("admission lookup: %w", err)
	}

	if user.AccountState != model.AccountStateActive {
		metrics.IncAdmission("denied_deactivated")
		return ErrAccountDeactivated
	}
	if subtle.ConstantTimeCompare([]byte(user.ConnectionKey), []byte(connectionKey)) != 1 {
		metrics.IncAdmission("denied_bad_key")
		return ErrBadConnectionKey
	}

	remaining, err := s.remainingBytes(ctx, user)
	if err != nil {
		s.logger.Error("admission balance read failed, denying",
			zap.String("user_id", userID.String()), zap.Error(err))
		metrics.IncAdmission("denied_store_error")
		return fmt.Errorf("admission balance read: %w", err)
	}
	if remaining <= 0 {
		metrics.IncAdmission("denied_no_balance")
		return ErrBalanceExhausted
	}

	metrics.IncAdmission("approved")

	// The approval does not wait for the session row. A connect racing
	// the write can briefly exceed balance; the next stats batch evicts.
	s.persistAsync(userID, session)
	return nil
}

func (s *admissionService) remainingBytes(ctx context.Context, user *model.User) (int64, error) {
	if s.remainingBytesFn != nil {
		return s.remainingBytesFn(ctx, user)
	}
	active, err := s.sessionRepo.FindActiveByUser(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	return meter.RemainingBytes(user, active), nil
}

func (s *admissionService) persistAsync(userID uuid.UUID, session model.ActiveSession) {
	session.UserID = userID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		defer cancel()
		if err := s.sessionRepo.Upsert(ctx, &session); err != nil {
			s.logger.Error("persist admitted session",
				zap.String("user_id", userID.String()),
				zap.Int64("connected_unix", session.DateConnectedUnix),
				zap.Error(err))
		}
	}()
}
