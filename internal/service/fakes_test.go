package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

type sessionKey struct {
	userID        uuid.UUID
	connectedUnix int64
}

type fakeStore struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*model.User
	ents     map[uuid.UUID]*model.Entitlement
	active   map[sessionKey]*model.ActiveSession
	archived map[sessionKey]*model.ArchivedSession
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    make(map[uuid.UUID]*model.User),
		ents:     make(map[uuid.UUID]*model.Entitlement),
		active:   make(map[sessionKey]*model.ActiveSession),
		archived: make(map[sessionKey]*model.ArchivedSession),
	}
}

type fakeUserRepo struct{ store *fakeStore }

var _ repository.UserRepository = (*fakeUserRepo)(nil)

func (r *fakeUserRepo) FindByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, u := range r.store.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	cp := *user
	r.store.users[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) UpdateAccountState(_ context.Context, id uuid.UUID, state model.AccountState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.AccountState = state
	return nil
}

func (r *fakeUserRepo) UpdateReminder(_ context.Context, id uuid.UUID, rem model.Reminder) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Reminder = rem
	return nil
}

func (r *fakeUserRepo) SetReminded(_ context.Context, id uuid.UUID, reminded bool) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.Reminder.Reminded = reminded
	return nil
}

func (r *fakeUserRepo) AddBytesPurchased(_ context.Context, id uuid.UUID, delta int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.BytesPurchased += delta
	if u.BytesPurchased < 0 {
		u.BytesPurchased = 0
	}
	return nil
}

func (r *fakeUserRepo) SetBytesPurchased(_ context.Context, id uuid.UUID, total int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.BytesPurchased = total
	return nil
}

func (r *fakeUserRepo) AddArchivedCounters(_ context.Context, id uuid.UUID, c repository.ByteCounters) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	u, ok := r.store.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	u.BytesToClient += c.BytesToClient
	u.BytesFromClient += c.BytesFromClient
	u.BytesToClientSaved += c.BytesToClientSaved
	return nil
}

type fakeEntRepo struct{ store *fakeStore }

var _ repository.EntitlementRepository = (*fakeEntRepo)(nil)

func (r *fakeEntRepo) FindByID(_ context.Context, id uuid.UUID) (*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.ents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeEntRepo) FindByVendorPaymentID(_ context.Context, vendorPaymentID string) (*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range r.store.ents {
		if e.Payment.VendorPaymentID == vendorPaymentID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeEntRepo) Create(_ context.Context, ent *model.Entitlement) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	if ent.DatePurchased.IsZero() {
		ent.DatePurchased = time.Now().UTC()
	}
	cp := *ent
	r.store.ents[ent.ID] = &cp
	return nil
}

func (r *fakeEntRepo) FindActive(_ context.Context, userID uuid.UUID) ([]*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Entitlement
	for _, e := range r.store.ents {
		if e.UserID == userID && e.Status == model.EntitlementStatusActive {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatePurchased.Before(out[j].DatePurchased) })
	return out, nil
}

func (r *fakeEntRepo) FindOldestNew(_ context.Context, userID uuid.UUID) (*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var oldest *model.Entitlement
	for _, e := range r.store.ents {
		if e.UserID != userID || e.Status != model.EntitlementStatusNew {
			continue
		}
		if oldest == nil || e.DatePurchased.Before(oldest.DatePurchased) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (r *fakeEntRepo) FindByUser(_ context.Context, userID uuid.UUID) ([]*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Entitlement
	for _, e := range r.store.ents {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatePurchased.Before(out[j].DatePurchased) })
	return out, nil
}

func (r *fakeEntRepo) Activate(_ context.Context, id uuid.UUID, expires time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.ents[id]
	if !ok || e.Status != model.EntitlementStatusNew {
		return repository.ErrNotFound
	}
	e.Status = model.EntitlementStatusActive
	exp := expires
	e.DateExpires = &exp
	return nil
}

func (r *fakeEntRepo) Close(_ context.Context, id uuid.UUID, status model.EntitlementStatus, bytesUsed int64, closedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.ents[id]
	if !ok || e.Status.IsClosed() {
		return repository.ErrNotFound
	}
	e.Status = status
	e.BytesUsed = bytesUsed
	at := closedAt
	e.DateClosed = &at
	return nil
}

func (r *fakeEntRepo) Confirm(_ context.Context, id uuid.UUID, vendorStatus, vendorPaymentID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.ents[id]
	if !ok || e.Status != model.EntitlementStatusPending {
		return repository.ErrNotFound
	}
	e.Status = model.EntitlementStatusNew
	e.Payment.VendorStatus = vendorStatus
	e.Payment.VendorPaymentID = vendorPaymentID
	return nil
}

func (r *fakeEntRepo) UpdatePaymentDetails(_ context.Context, id uuid.UUID, pay model.PaymentDetails) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.ents[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Payment = pay
	return nil
}

func (r *fakeEntRepo) FindExpiringBefore(_ context.Context, cutoff time.Time) ([]*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Entitlement
	for _, e := range r.store.ents {
		if e.Status == model.EntitlementStatusActive && e.DateExpires != nil && !e.DateExpires.After(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeEntRepo) FindPendingOlderThan(_ context.Context, cutoff time.Time) ([]*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Entitlement
	for _, e := range r.store.ents {
		if e.Status == model.EntitlementStatusPending && !e.DatePurchased.After(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatePurchased.Before(out[j].DatePurchased) })
	return out, nil
}

func (r *fakeEntRepo) List(_ context.Context, filter repository.EntitlementListFilter) ([]*model.Entitlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Entitlement
	for _, e := range r.store.ents {
		if filter.UserID != nil && e.UserID != *filter.UserID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

type fakeSessionRepo struct{ store *fakeStore }

var _ repository.SessionRepository = (*fakeSessionRepo)(nil)

func (r *fakeSessionRepo) FindActive(_ context.Context, userID uuid.UUID, connectedUnix int64) (*model.ActiveSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.active[sessionKey{userID, connectedUnix}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) FindActiveByUser(_ context.Context, userID uuid.UUID) ([]model.ActiveSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []model.ActiveSession
	for k, s := range r.store.active {
		if k.userID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateConnectedUnix < out[j].DateConnectedUnix })
	return out, nil
}

func (r *fakeSessionRepo) Upsert(_ context.Context, s *model.ActiveSession) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *s
	cp.DateLastActivity = time.Now().UTC()
	r.store.active[sessionKey{s.UserID, s.DateConnectedUnix}] = &cp
	return nil
}

func (r *fakeSessionRepo) UpdateCounters(_ context.Context, s *model.ActiveSession) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	existing, ok := r.store.active[sessionKey{s.UserID, s.DateConnectedUnix}]
	if !ok {
		return repository.ErrNotFound
	}
	existing.AssignedIP = s.AssignedIP
	existing.BytesToClient = s.BytesToClient
	existing.BytesFromClient = s.BytesFromClient
	existing.BytesToClientSaved = s.BytesToClientSaved
	existing.DateLastActivity = time.Now().UTC()
	return nil
}

func (r *fakeSessionRepo) Archive(_ context.Context, s *model.ActiveSession, reason string, disconnectedAt time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := sessionKey{s.UserID, s.DateConnectedUnix}
	if _, exists := r.store.archived[key]; exists {
		return false, nil
	}
	arch := &model.ArchivedSession{ActiveSession: *s, DateDisconnected: disconnectedAt}
	arch.DisconnectedReason = reason
	r.store.archived[key] = arch
	return true, nil
}

func (r *fakeSessionRepo) DeleteActive(_ context.Context, userID uuid.UUID, connectedUnix int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.active, sessionKey{userID, connectedUnix})
	return nil
}

func repositoryByteCounters(toClient, fromClient int64) repository.ByteCounters {
	return repository.ByteCounters{BytesToClient: toClient, BytesFromClient: fromClient}
}

func (r *fakeSessionRepo) FindStale(_ context.Context, lastActivityBefore time.Time) ([]model.ActiveSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []model.ActiveSession
	for _, s := range r.store.active {
		if s.DateLastActivity.Before(lastActivityBefore) {
			out = append(out, *s)
		}
	}
	return out, nil
}
