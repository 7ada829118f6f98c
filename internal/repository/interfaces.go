package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/psiphi75/SwirlVPN/internal/model"
)

type Pagination struct {
	Limit  int32 `json:"limit"`
	Offset int32 `json:"offset"`
}

type EntitlementListFilter struct {
	UserID     *uuid.UUID               `json:"user_id,omitempty"`
	Status     *model.EntitlementStatus `json:"status,omitempty"`
	Pagination Pagination               `json:"pagination"`
}

// ByteCounters is the additive part of a user's archived aggregates.
// Updates apply arithmetic in SQL so concurrent increments never lose
// writes.
type ByteCounters struct {
	BytesToClient      int64
	BytesFromClient    int64
	BytesToClientSaved int64
}

type UserRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	UpdateAccountState(ctx context.Context, id uuid.UUID, state model.AccountState) error
	UpdateReminder(ctx context.Context, id uuid.UUID, r model.Reminder) error
	SetReminded(ctx context.Context, id uuid.UUID, reminded bool) error
	// AddBytesPurchased applies a signed delta; forfeiture passes a
	// negative value.
	AddBytesPurchased(ctx context.Context, id uuid.UUID, delta int64) error
	SetBytesPurchased(ctx context.Context, id uuid.UUID, total int64) error
	AddArchivedCounters(ctx context.Context, id uuid.UUID, c ByteCounters) error
}

type EntitlementRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*model.Entitlement, error)
	FindByVendorPaymentID(ctx context.Context, vendorPaymentID string) (*model.Entitlement, error)
	Create(ctx context.Context, ent *model.Entitlement) error
	// FindActive returns the user's active entitlements oldest first.
	// The single-active invariant makes more than one row a
	// data-integrity fault; callers warn on it, never fail.
	FindActive(ctx context.Context, userID uuid.UUID) ([]*model.Entitlement, error)
	// FindOldestNew is the FIFO pick for activation.
	FindOldestNew(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error)
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*model.Entitlement, error)
	// Activate flips a new row to active and stamps the expiry. It
	// fails with ErrNotFound when the row is no longer in new status.
	Activate(ctx context.Context, id uuid.UUID, expires time.Time) error
	// Close writes a terminal status, bytesUsed and dateClosed. It
	// only matches rows still open, so a second close reports
	// ErrNotFound instead of rewriting history.
	Close(ctx context.Context, id uuid.UUID, status model.EntitlementStatus, bytesUsed int64, closedAt time.Time) error
	Confirm(ctx context.Context, id uuid.UUID, vendorStatus, vendorPaymentID string) error
	UpdatePaymentDetails(ctx context.Context, id uuid.UUID, pay model.PaymentDetails) error
	FindExpiringBefore(ctx context.Context, cutoff time.Time) ([]*model.Entitlement, error)
	FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Entitlement, error)
	List(ctx context.Context, filter EntitlementListFilter) ([]*model.Entitlement, error)
}

type SessionRepository interface {
	FindActive(ctx context.Context, userID uuid.UUID, connectedUnix int64) (*model.ActiveSession, error)
	FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]model.ActiveSession, error)
	// Upsert inserts the session or overwrites its counters and
	// DateLastActivity when the identity already exists.
	Upsert(ctx context.Context, s *model.ActiveSession) error
	// UpdateCounters overwrites an existing session's counters and
	// DateLastActivity. A missing row reports ErrNotFound instead of
	// recreating it: a stale stats batch replayed after the session was
	// archived must not resurrect bytes that already sit in the user's
	// aggregates.
	UpdateCounters(ctx context.Context, s *model.ActiveSession) error
	// Archive copies the row into the archive. It returns true only
	// when the insert actually happened; a duplicate identity is
	// skipped and reported false so aggregates increment at most once.
	Archive(ctx context.Context, s *model.ActiveSession, reason string, disconnectedAt time.Time) (bool, error)
	DeleteActive(ctx context.Context, userID uuid.UUID, connectedUnix int64) error
	FindStale(ctx context.Context, lastActivityBefore time.Time) ([]model.ActiveSession, error)
}
