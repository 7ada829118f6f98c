package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psiphi75/SwirlVPN/internal/event"
	"github.com/psiphi75/SwirlVPN/internal/meter"
	"github.com/psiphi75/SwirlVPN/internal/metrics"
	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

const defaultValidityPeriod = 30 * 24 * time.Hour

var (
	ErrAlreadyClosed       = errors.New("entitlement already closed")
	ErrNotConfirmable      = errors.New("entitlement is not awaiting confirmation")
	ErrNoQueuedEntitlement = errors.New("no queued entitlement")
)

// LedgerService owns the entitlement lifecycle: granting, confirming,
// FIFO activation, consumption settlement and terminal closes.
type LedgerService interface {
	GrantSignupEntitlement(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error)
	CreatePendingPurchase(ctx context.Context, userID uuid.UUID, name string, bytes int64, pay model.PaymentDetails) (*model.Entitlement, error)
	ConfirmPurchase(ctx context.Context, purchaseID uuid.UUID, vendorStatus, vendorPaymentID string) (*model.Entitlement, error)
	// ActivateNext promotes the oldest queued entitlement. When an
	// active one already exists it is returned untouched; with an
	// empty queue it returns ErrNoQueuedEntitlement.
	ActivateNext(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error)
	// SettleUsage walks fully consumed entitlements to their used
	// status and activates successors.
	SettleUsage(ctx context.Context, userID uuid.UUID) error
	ExpireEntitlement(ctx context.Context, purchaseID uuid.UUID) error
	CancelPurchase(ctx context.Context, purchaseID uuid.UUID) error
	DeletePurchase(ctx context.Context, purchaseID uuid.UUID) error
	// ListPurchases pages through a user's purchase history, newest
	// first, optionally filtered by status.
	ListPurchases(ctx context.Context, userID uuid.UUID, status *model.EntitlementStatus, page repository.Pagination) ([]*model.Entitlement, error)
	// RecomputeBytesPurchased audits the user aggregate against the
	// entitlement rows and repairs drift. Returns the repaired total.
	RecomputeBytesPurchased(ctx context.Context, userID uuid.UUID) (int64, error)
	// SetExpiryArmer wires in the in-process expiry timer registry.
	// Called once during startup, before any requests flow.
	SetExpiryArmer(arm func(ent *model.Entitlement))
}

type ledgerService struct {
	userRepo    repository.UserRepository
	entRepo     repository.EntitlementRepository
	sessionRepo repository.SessionRepository
	eventBus    *event.Bus
	logger      *zap.Logger

	validity time.Duration
	nowFn    func() time.Time

	// armExpiryFn is set by the scheduler so a freshly activated
	// entitlement gets its in-process expiry timer.
	armExpiryFn func(ent *model.Entitlement)
}

func NewLedgerService(
	userRepo repository.UserRepository,
	entRepo repository.EntitlementRepository,
	sessionRepo repository.SessionRepository,
	eventBus *event.Bus,
	logger *zap.Logger,
	validity time.Duration,
) LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validity <= 0 {
		validity = defaultValidityPeriod
	}
	return &ledgerService{
		userRepo:    userRepo,
		entRepo:     entRepo,
		sessionRepo: sessionRepo,
		eventBus:    eventBus,
		logger:      logger,
		validity:    validity,
		nowFn:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *ledgerService) SetExpiryArmer(arm func(ent *model.Entitlement)) {
	s.armExpiryFn = arm
}

func (s *ledgerService) GrantSignupEntitlement(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error) {
	ent := &model.Entitlement{
		UserID:         userID,
		Status:         model.EntitlementStatusNew,
		Name:           "signup-grant",
		BytesPurchased: model.DefaultEntitlementBytes,
		DatePurchased:  s.nowFn(),
	}
	if err := s.entRepo.Create(ctx, ent); err != nil {
		return nil, fmt.Errorf("create signup grant: %w", err)
	}
	if err := s.userRepo.AddBytesPurchased(ctx, userID, ent.BytesPurchased); err != nil {
		return nil, fmt.Errorf("count signup grant: %w", err)
	}

	if _, err := s.ActivateNext(ctx, userID); err != nil && !errors.Is(err, ErrNoQueuedEntitlement) {
		s.logger.Warn("activate signup grant", zap.String("user_id", userID.String()), zap.Error(err))
	}
	return ent, nil
}

func (s *ledgerService) CreatePendingPurchase(ctx context.Context, userID uuid.UUID, name string, bytes int64, pay model.PaymentDetails) (*model.Entitlement, error) {
	if bytes <= 0 {
		bytes = model.DefaultEntitlementBytes
	}
	ent := &model.Entitlement{
		UserID:         userID,
		Status:         model.EntitlementStatusPending,
		Name:           name,
		BytesPurchased: bytes,
		DatePurchased:  s.nowFn(),
		Payment:        pay,
	}
	if err := s.entRepo.Create(ctx, ent); err != nil {
		return nil, fmt.Errorf("create pending purchase: %w", err)
	}
	return ent, nil
}

// ConfirmPurchase flips a pending purchase to new and counts it. A
// purchase that is no longer pending has already been handled; the
// row is returned as-is so webhook retries stay idempotent.
func (s *ledgerService) ConfirmPurchase(ctx context.Context, purchaseID uuid.UUID, vendorStatus, vendorPaymentID string) (*model.Entitlement, error) {
	ent, err := s.entRepo.FindByID(ctx, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("find purchase: %w", err)
	}
	if ent.Status != model.EntitlementStatusPending {
		return ent, nil
	}

	if err := s.entRepo.Confirm(ctx, purchaseID, vendorStatus, vendorPaymentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost the race to another confirmation.
			return s.entRepo.FindByID(ctx, purchaseID)
		}
		return nil, fmt.Errorf("confirm purchase: %w", err)
	}
	if err := s.userRepo.AddBytesPurchased(ctx, ent.UserID, ent.BytesPurchased); err != nil {
		return nil, fmt.Errorf("count purchase: %w", err)
	}

	s.eventBus.Publish(event.EventPurchaseConfirmed, event.PurchaseConfirmedPayload{
		UserID:         ent.UserID.String(),
		PurchaseID:     ent.ID.String(),
		BytesPurchased: ent.BytesPurchased,
	})

	if _, err := s.ActivateNext(ctx, ent.UserID); err != nil && !errors.Is(err, ErrNoQueuedEntitlement) {
		s.logger.Warn("activate after confirm", zap.String("user_id", ent.UserID.String()), zap.Error(err))
	}
	return s.entRepo.FindByID(ctx, purchaseID)
}

func (s *ledgerService) ActivateNext(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error) {
	if active, err := s.currentActive(ctx, userID); err == nil {
		return active, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	next, err := s.entRepo.FindOldestNew(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoQueuedEntitlement
		}
		return nil, fmt.Errorf("find queued entitlement: %w", err)
	}

	expires := s.nowFn().Add(s.validity)
	if err := s.entRepo.Activate(ctx, next.ID, expires); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Another writer got here first; the single-active
			// invariant holds either way.
			return s.currentActive(ctx, userID)
		}
		return nil, fmt.Errorf("activate entitlement: %w", err)
	}
	next.Status = model.EntitlementStatusActive
	next.DateExpires = &expires

	// Fresh cycle, fresh reminder.
	if err := s.userRepo.SetReminded(ctx, userID, false); err != nil {
		s.logger.Warn("reset reminder latch", zap.String("user_id", userID.String()), zap.Error(err))
	}

	if s.armExpiryFn != nil {
		s.armExpiryFn(next)
	}

	s.logger.Info("entitlement activated",
		zap.String("user_id", userID.String()),
		zap.String("purchase_id", next.ID.String()),
		zap.Time("expires", expires))
	return next, nil
}

func (s *ledgerService) SettleUsage(ctx context.Context, userID uuid.UUID) error {
	for {
		active, err := s.currentActive(ctx, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				_, err = s.ActivateNext(ctx, userID)
				if err != nil && !errors.Is(err, ErrNoQueuedEntitlement) {
					return err
				}
				return nil
			}
			return err
		}

		totalUsed, priorClosed, err := s.usageTotals(ctx, userID)
		if err != nil {
			return err
		}

		attributable := meter.AttributableUsage(active, totalUsed, priorClosed)
		if attributable < active.BytesPurchased {
			return nil
		}

		if err := s.closeEntitlement(ctx, active, model.EntitlementStatusUsed, attributable); err != nil {
			return err
		}

		if _, err := s.ActivateNext(ctx, userID); err != nil {
			if errors.Is(err, ErrNoQueuedEntitlement) {
				return nil
			}
			return err
		}
	}
}

func (s *ledgerService) ExpireEntitlement(ctx context.Context, purchaseID uuid.UUID) error {
	ent, err := s.entRepo.FindByID(ctx, purchaseID)
	if err != nil {
		return fmt.Errorf("find entitlement: %w", err)
	}
	if ent.Status.IsClosed() {
		return ErrAlreadyClosed
	}

	totalUsed, priorClosed, err := s.usageTotals(ctx, ent.UserID)
	if err != nil {
		return err
	}
	attributable := meter.AttributableUsage(ent, totalUsed, priorClosed)

	if err := s.closeEntitlement(ctx, ent, model.EntitlementStatusExpired, attributable); err != nil {
		return err
	}

	// Forfeiture: what the user never consumed disappears from the
	// purchased total, otherwise the balance would carry phantom bytes
	// no open entitlement backs.
	forfeited := ent.BytesPurchased - attributable
	if forfeited > 0 {
		if err := s.userRepo.AddBytesPurchased(ctx, ent.UserID, -forfeited); err != nil {
			return fmt.Errorf("forfeit remainder: %w", err)
		}
		metrics.AddBytesForfeited(forfeited)
	}

	s.eventBus.Publish(event.EventEntitlementExpired, event.EntitlementExpiredPayload{
		UserID:         ent.UserID.String(),
		PurchaseID:     ent.ID.String(),
		BytesForfeited: forfeited,
		ExpiredAt:      s.nowFn(),
	})

	s.logger.Info("entitlement expired",
		zap.String("user_id", ent.UserID.String()),
		zap.String("purchase_id", ent.ID.String()),
		zap.Int64("bytes_used", attributable),
		zap.Int64("bytes_forfeited", forfeited))

	if _, err := s.ActivateNext(ctx, ent.UserID); err != nil && !errors.Is(err, ErrNoQueuedEntitlement) {
		return err
	}
	return nil
}

func (s *ledgerService) CancelPurchase(ctx context.Context, purchaseID uuid.UUID) error {
	return s.voidPurchase(ctx, purchaseID, model.EntitlementStatusCancelled)
}

func (s *ledgerService) DeletePurchase(ctx context.Context, purchaseID uuid.UUID) error {
	return s.voidPurchase(ctx, purchaseID, model.EntitlementStatusDeleted)
}

// voidPurchase closes a purchase that should never deliver its bytes.
// Confirmed purchases were counted, so their unconsumed remainder is
// removed from the user total; a still-pending one was never counted.
func (s *ledgerService) voidPurchase(ctx context.Context, purchaseID uuid.UUID, status model.EntitlementStatus) error {
	ent, err := s.entRepo.FindByID(ctx, purchaseID)
	if err != nil {
		return fmt.Errorf("find purchase: %w", err)
	}
	if ent.Status.IsClosed() {
		return ErrAlreadyClosed
	}

	counted := ent.Status.IsOpen()

	var attributable int64
	if counted {
		totalUsed, priorClosed, err := s.usageTotals(ctx, ent.UserID)
		if err != nil {
			return err
		}
		attributable = meter.AttributableUsage(ent, totalUsed, priorClosed)
	}

	if err := s.closeEntitlement(ctx, ent, status, attributable); err != nil {
		return err
	}

	if counted {
		remainder := ent.BytesPurchased - attributable
		if remainder > 0 {
			if err := s.userRepo.AddBytesPurchased(ctx, ent.UserID, -remainder); err != nil {
				return fmt.Errorf("uncount voided purchase: %w", err)
			}
		}
		if _, err := s.ActivateNext(ctx, ent.UserID); err != nil && !errors.Is(err, ErrNoQueuedEntitlement) {
			return err
		}
	}
	return nil
}

func (s *ledgerService) ListPurchases(ctx context.Context, userID uuid.UUID, status *model.EntitlementStatus, page repository.Pagination) ([]*model.Entitlement, error) {
	return s.entRepo.List(ctx, repository.EntitlementListFilter{
		UserID:     &userID,
		Status:     status,
		Pagination: page,
	})
}

func (s *ledgerService) RecomputeBytesPurchased(ctx context.Context, userID uuid.UUID) (int64, error) {
	ents, err := s.entRepo.FindByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list entitlements: %w", err)
	}

	// Open entitlements count in full; closed ones only for what was
	// actually consumed (the remainder was forfeited or voided).
	var total int64
	for _, ent := range ents {
		switch {
		case ent.Status.IsOpen():
			total += ent.BytesPurchased
		case ent.Status.IsClosed():
			total += ent.BytesUsed
		}
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("find user: %w", err)
	}
	if user.BytesPurchased != total {
		s.logger.Warn("bytes_purchased drift repaired",
			zap.String("user_id", userID.String()),
			zap.Int64("stored", user.BytesPurchased),
			zap.Int64("computed", total))
		if err := s.userRepo.SetBytesPurchased(ctx, userID, total); err != nil {
			return 0, fmt.Errorf("repair bytes_purchased: %w", err)
		}
	}
	return total, nil
}

// currentActive returns the user's active entitlement. More than one
// active row breaks the single-active invariant; the oldest wins and
// the violation is logged as a data-integrity warning, never an error.
func (s *ledgerService) currentActive(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error) {
	active, err := s.entRepo.FindActive(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active entitlement: %w", err)
	}
	if len(active) == 0 {
		return nil, repository.ErrNotFound
	}
	if len(active) > 1 {
		s.logger.Warn("data integrity: multiple active entitlements",
			zap.String("user_id", userID.String()),
			zap.Int("active_count", len(active)))
	}
	return active[0], nil
}

func (s *ledgerService) closeEntitlement(ctx context.Context, ent *model.Entitlement, status model.EntitlementStatus, bytesUsed int64) error {
	if err := s.entRepo.Close(ctx, ent.ID, status, bytesUsed, s.nowFn()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrAlreadyClosed
		}
		return fmt.Errorf("close entitlement: %w", err)
	}
	ent.Status = status
	ent.BytesUsed = bytesUsed
	metrics.IncEntitlementClosure(string(status))
	return nil
}

// usageTotals returns the user's lifetime usage and the part already
// charged to closed entitlements.
func (s *ledgerService) usageTotals(ctx context.Context, userID uuid.UUID) (totalUsed, priorClosedUsed int64, err error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("find user: %w", err)
	}
	active, err := s.sessionRepo.FindActiveByUser(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("find active sessions: %w", err)
	}
	totalUsed = user.ArchivedUsage()
	for i := range active {
		totalUsed += active[i].Usage()
	}

	ents, err := s.entRepo.FindByUser(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("list entitlements: %w", err)
	}
	for _, ent := range ents {
		if ent.Status.IsClosed() {
			priorClosedUsed += ent.BytesUsed
		}
	}

	// Drift signal: bytes were charged to closed entitlements that the
	// observed totals cannot account for. The walk continues; the
	// attribution clamp absorbs the discrepancy.
	if priorClosedUsed > totalUsed {
		s.logger.Warn("data integrity: closed entitlement usage exceeds observed total",
			zap.String("user_id", userID.String()),
			zap.Int64("closed_bytes_used", priorClosedUsed),
			zap.Int64("total_used", totalUsed))
	}
	return totalUsed, priorClosedUsed, nil
}
