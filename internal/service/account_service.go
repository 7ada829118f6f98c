package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/meter"
	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

// AccountService covers account-level operations: signup with the free
// starter grant, reminder preferences, balance display and
// deactivation.
type AccountService interface {
	Signup(ctx context.Context, email string) (*model.User, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	UpdateReminder(ctx context.Context, userID uuid.UUID, remindMe bool, remindAt int64) error
	// Deactivate closes all open entitlements as cancelled and marks
	// the account. Live tunnels are evicted by the next stats batch.
	Deactivate(ctx context.Context, userID uuid.UUID) error
}

type accountService struct {
	userRepo    repository.UserRepository
	entRepo     repository.EntitlementRepository
	sessionRepo repository.SessionRepository
	ledger      LedgerService
	logger      *zap.Logger
}

func NewAccountService(
	userRepo repository.UserRepository,
	entRepo repository.EntitlementRepository,
	sessionRepo repository.SessionRepository,
	ledger LedgerService,
	logger *zap.Logger,
) AccountService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &accountService{
		userRepo:    userRepo,
		entRepo:     entRepo,
		sessionRepo: sessionRepo,
		ledger:      ledger,
		logger:      logger,
	}
}

func (s *accountService) Signup(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	key, err := newConnectionKey()
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:            uuid.New(),
		Email:         email,
		AccountState:  model.AccountStateActive,
		ConnectionKey: key,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	if _, err := s.ledger.GrantSignupEntitlement(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("signup grant: %w", err)
	}

	s.logger.Info("user signed up", zap.String("user_id", user.ID.String()))
	return s.userRepo.FindByID(ctx, user.ID)
}

func (s *accountService) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	active, err := s.sessionRepo.FindActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	remaining := meter.RemainingBytes(user, active)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *accountService) UpdateReminder(ctx context.Context, userID uuid.UUID, remindMe bool, remindAt int64) error {
	if remindAt < 0 {
		return fmt.Errorf("remindAt must not be negative")
	}
	// Changing the threshold starts a fresh cycle.
	return s.userRepo.UpdateReminder(ctx, userID, model.Reminder{
		RemindMe: remindMe,
		RemindAt: remindAt,
		Reminded: false,
	})
}

func (s *accountService) Deactivate(ctx context.Context, userID uuid.UUID) error {
	ents, err := s.entRepo.FindByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list entitlements: %w", err)
	}
	for _, ent := range ents {
		if !ent.Status.IsClosed() {
			if err := s.ledger.CancelPurchase(ctx, ent.ID); err != nil {
				s.logger.Error("cancel entitlement on deactivate",
					zap.String("user_id", userID.String()),
					zap.String("purchase_id", ent.ID.String()),
					zap.Error(err))
			}
		}
	}

	if err := s.userRepo.UpdateAccountState(ctx, userID, model.AccountStateDeactivated); err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	s.logger.Info("account deactivated", zap.String("user_id", userID.String()))
	return nil
}

func newConnectionKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate connection key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
