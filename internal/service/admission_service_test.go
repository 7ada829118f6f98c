package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

type erroringUserRepo struct {
	repository.UserRepository
}

func (r *erroringUserRepo) FindByID(context.Context, uuid.UUID) (*model.User, error) {
	return nil, errors.New("db down")
}

func seedConnectingUser(store *fakeStore, bytesPurchased int64) *model.User {
	user := &model.User{
		ID:             uuid.New(),
		Email:          "vpn@example.com",
		AccountState:   model.AccountStateActive,
		ConnectionKey:  "the-key",
		BytesPurchased: bytesPurchased,
	}
	cp := *user
	store.users[user.ID] = &cp
	return user
}

func waitForSession(t *testing.T, store *fakeStore, userID uuid.UUID, connectedUnix int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		_, ok := store.active[sessionKey{userID: userID, connectedUnix: connectedUnix}]
		store.mu.Unlock()
		if ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("admitted session never persisted")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCheckConnect_ApprovesAndPersistsSession(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	user := seedConnectingUser(store, 1000)
	svc := NewAdmissionService(&fakeUserRepo{store: store}, &fakeSessionRepo{store: store}, nil)

	session := model.ActiveSession{DateConnectedUnix: 42, AssignedIP: "10.8.0.5"}
	if err := svc.CheckConnect(context.Background(), user.ID, "the-key", session); err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	waitForSession(t, store, user.ID, 42)
}

func TestCheckConnect_Denials(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	user := seedConnectingUser(store, 1000)
	deactivated := seedConnectingUser(store, 1000)
	store.users[deactivated.ID].AccountState = model.AccountStateDeactivated
	broke := seedConnectingUser(store, 0)

	svc := NewAdmissionService(&fakeUserRepo{store: store}, &fakeSessionRepo{store: store}, nil)
	ctx := context.Background()
	session := model.ActiveSession{DateConnectedUnix: 1}

	if err := svc.CheckConnect(ctx, uuid.New(), "the-key", session); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown user: got %v", err)
	}
	if err := svc.CheckConnect(ctx, deactivated.ID, "the-key", session); !errors.Is(err, ErrAccountDeactivated) {
		t.Errorf("deactivated: got %v", err)
	}
	if err := svc.CheckConnect(ctx, user.ID, "wrong-key", session); !errors.Is(err, ErrBadConnectionKey) {
		t.Errorf("bad key: got %v", err)
	}
	if err := svc.CheckConnect(ctx, broke.ID, "the-key", session); !errors.Is(err, ErrBalanceExhausted) {
		t.Errorf("no balance: got %v", err)
	}

	if len(store.active) != 0 {
		t.Fatalf("denied connects must not persist sessions, found %d", len(store.active))
	}
}

func TestCheckConnect_BalanceCountsLiveSessions(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	user := seedConnectingUser(store, 1000)
	store.active[sessionKey{userID: user.ID, connectedUnix: 10}] = &model.ActiveSession{
		UserID:            user.ID,
		DateConnectedUnix: 10,
		BytesToClient:     700,
		BytesFromClient:   300,
	}

	svc := NewAdmissionService(&fakeUserRepo{store: store}, &fakeSessionRepo{store: store}, nil)
	err := svc.CheckConnect(context.Background(), user.ID, "the-key", model.ActiveSession{DateConnectedUnix: 20})
	if !errors.Is(err, ErrBalanceExhausted) {
		t.Fatalf("live usage should exhaust the balance, got %v", err)
	}
}

func TestCheckConnect_DeniesOnInfraError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := NewAdmissionService(&erroringUserRepo{}, &fakeSessionRepo{store: store}, nil)

	// The key was never verified, so a store failure denies. Only the
	// gateway side degrades open, and only when this endpoint is
	// unreachable.
	userID := uuid.New()
	if err := svc.CheckConnect(context.Background(), userID, "any", model.ActiveSession{DateConnectedUnix: 7}); err == nil {
		t.Fatal("store failure must deny")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.active) != 0 {
		t.Fatalf("denied connect persisted %d session(s)", len(store.active))
	}
}
