package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/psiphi75/SwirlVPN/internal/event"
	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

func newLedgerForTest(store *fakeStore) LedgerService {
	return NewLedgerService(
		&fakeUserRepo{store: store},
		&fakeEntRepo{store: store},
		&fakeSessionRepo{store: store},
		event.NewBus(),
		nil,
		30*24*time.Hour,
	)
}

func mustActive(t *testing.T, store *fakeStore, userID uuid.UUID) *model.Entitlement {
	t.Helper()
	actives, err := (&fakeEntRepo{store: store}).FindActive(context.Background(), userID)
	if err != nil {
		t.Fatalf("FindActive: %v", err)
	}
	if len(actives) != 1 {
		t.Fatalf("active entitlements = %d, want 1", len(actives))
	}
	return actives[0]
}

func seedUser(t *testing.T, store *fakeStore) *model.User {
	t.Helper()
	user := &model.User{ID: uuid.New(), Email: "ledger@example.com", AccountState: model.AccountStateActive}
	if err := (&fakeUserRepo{store: store}).Create(context.Background(), user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func TestGrantSignupEntitlement_CountsAndActivates(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()

	ent, err := ledger.GrantSignupEntitlement(ctx, user.ID)
	if err != nil {
		t.Fatalf("GrantSignupEntitlement: %v", err)
	}
	if ent.BytesPurchased != model.DefaultEntitlementBytes {
		t.Fatalf("grant size = %d, want %d", ent.BytesPurchased, model.DefaultEntitlementBytes)
	}

	got, err := (&fakeUserRepo{store: store}).FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.BytesPurchased != model.DefaultEntitlementBytes {
		t.Fatalf("user bytes_purchased = %d, want %d", got.BytesPurchased, model.DefaultEntitlementBytes)
	}

	active := mustActive(t, store, user.ID)
	if active.DateExpires == nil {
		t.Fatal("activation must stamp an expiry")
	}
}

func TestConfirmPurchase_IdempotentAndFIFO(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()

	first, err := ledger.CreatePendingPurchase(ctx, user.ID, "250MB", 0, model.PaymentDetails{})
	if err != nil {
		t.Fatalf("first pending: %v", err)
	}
	second, err := ledger.CreatePendingPurchase(ctx, user.ID, "250MB", 0, model.PaymentDetails{})
	if err != nil {
		t.Fatalf("second pending: %v", err)
	}
	// Force FIFO ordering regardless of clock resolution.
	store.mu.Lock()
	store.ents[first.ID].DatePurchased = time.Now().Add(-2 * time.Hour)
	store.ents[second.ID].DatePurchased = time.Now().Add(-1 * time.Hour)
	store.mu.Unlock()

	// Pending purchases count nothing.
	u, _ := (&fakeUserRepo{store: store}).FindByID(ctx, user.ID)
	if u.BytesPurchased != 0 {
		t.Fatalf("pending purchase counted: %d", u.BytesPurchased)
	}

	if _, err := ledger.ConfirmPurchase(ctx, second.ID, "settled", "pay-2"); err != nil {
		t.Fatalf("confirm second: %v", err)
	}
	if _, err := ledger.ConfirmPurchase(ctx, first.ID, "settled", "pay-1"); err != nil {
		t.Fatalf("confirm first: %v", err)
	}

	u, _ = (&fakeUserRepo{store: store}).FindByID(ctx, user.ID)
	if u.BytesPurchased != 2*model.DefaultEntitlementBytes {
		t.Fatalf("bytes_purchased = %d, want %d", u.BytesPurchased, 2*model.DefaultEntitlementBytes)
	}

	// The second purchase was confirmed first and took the active
	// slot; the first waits in new.
	active := mustActive(t, store, user.ID)
	if active.ID != second.ID {
		t.Fatalf("active = %s, want %s", active.ID, second.ID)
	}

	// Replayed webhook: no double count.
	if _, err := ledger.ConfirmPurchase(ctx, second.ID, "settled", "pay-2"); err != nil {
		t.Fatalf("replayed confirm: %v", err)
	}
	u, _ = (&fakeUserRepo{store: store}).FindByID(ctx, user.ID)
	if u.BytesPurchased != 2*model.DefaultEntitlementBytes {
		t.Fatalf("replayed confirm changed bytes_purchased to %d", u.BytesPurchased)
	}
}

func TestSettleUsage_RollsConsumedEntitlementsForward(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()
	entRepo := &fakeEntRepo{store: store}
	userRepo := &fakeUserRepo{store: store}

	firstEnt := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusActive,
		BytesPurchased: 500, DatePurchased: time.Now().Add(-2 * time.Hour),
	}
	secondEnt := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusNew,
		BytesPurchased: 500, DatePurchased: time.Now().Add(-1 * time.Hour),
	}
	if err := entRepo.Create(ctx, firstEnt); err != nil {
		t.Fatal(err)
	}
	if err := entRepo.Create(ctx, secondEnt); err != nil {
		t.Fatal(err)
	}
	if err := userRepo.SetBytesPurchased(ctx, user.ID, 1000); err != nil {
		t.Fatal(err)
	}

	// 600 bytes of lifetime usage: the first block is fully consumed,
	// the second absorbs the remaining 100.
	if err := userRepo.AddArchivedCounters(ctx, user.ID, repositoryByteCounters(600, 0)); err != nil {
		t.Fatal(err)
	}

	if err := ledger.SettleUsage(ctx, user.ID); err != nil {
		t.Fatalf("SettleUsage: %v", err)
	}

	closed, _ := entRepo.FindByID(ctx, firstEnt.ID)
	if closed.Status != model.EntitlementStatusUsed || closed.BytesUsed != 500 {
		t.Fatalf("first entitlement = %s/%d, want used/500", closed.Status, closed.BytesUsed)
	}

	active := mustActive(t, store, user.ID)
	if active.ID != secondEnt.ID {
		t.Fatalf("active = %s, want %s", active.ID, secondEnt.ID)
	}

	// Settling again moves nothing.
	if err := ledger.SettleUsage(ctx, user.ID); err != nil {
		t.Fatalf("second SettleUsage: %v", err)
	}
	if still := mustActive(t, store, user.ID); still.ID != secondEnt.ID {
		t.Fatal("second settle changed the active entitlement")
	}
}

func TestExpireEntitlement_ForfeitsRemainder(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()
	entRepo := &fakeEntRepo{store: store}
	userRepo := &fakeUserRepo{store: store}

	ent := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusActive,
		BytesPurchased: 500,
	}
	if err := entRepo.Create(ctx, ent); err != nil {
		t.Fatal(err)
	}
	if err := userRepo.SetBytesPurchased(ctx, user.ID, 500); err != nil {
		t.Fatal(err)
	}
	if err := userRepo.AddArchivedCounters(ctx, user.ID, repositoryByteCounters(200, 0)); err != nil {
		t.Fatal(err)
	}

	if err := ledger.ExpireEntitlement(ctx, ent.ID); err != nil {
		t.Fatalf("ExpireEntitlement: %v", err)
	}

	closed, _ := entRepo.FindByID(ctx, ent.ID)
	if closed.Status != model.EntitlementStatusExpired || closed.BytesUsed != 200 {
		t.Fatalf("entitlement = %s/%d, want expired/200", closed.Status, closed.BytesUsed)
	}

	// 300 unused bytes are forfeited.
	u, _ := userRepo.FindByID(ctx, user.ID)
	if u.BytesPurchased != 200 {
		t.Fatalf("bytes_purchased = %d, want 200", u.BytesPurchased)
	}

	if err := ledger.ExpireEntitlement(ctx, ent.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("double expire: got %v, want ErrAlreadyClosed", err)
	}
}

func TestCancelPurchase_UncountsOnlyConfirmed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()
	userRepo := &fakeUserRepo{store: store}

	pending, err := ledger.CreatePendingPurchase(ctx, user.ID, "250MB", 0, model.PaymentDetails{})
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.CancelPurchase(ctx, pending.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	u, _ := userRepo.FindByID(ctx, user.ID)
	if u.BytesPurchased != 0 {
		t.Fatalf("cancelling an uncounted purchase moved the total to %d", u.BytesPurchased)
	}

	confirmed, err := ledger.CreatePendingPurchase(ctx, user.ID, "250MB", 0, model.PaymentDetails{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.ConfirmPurchase(ctx, confirmed.ID, "settled", "pay-3"); err != nil {
		t.Fatal(err)
	}
	if err := ledger.CancelPurchase(ctx, confirmed.ID); err != nil {
		t.Fatalf("cancel confirmed: %v", err)
	}
	u, _ = userRepo.FindByID(ctx, user.ID)
	if u.BytesPurchased != 0 {
		t.Fatalf("cancel left %d phantom bytes", u.BytesPurchased)
	}
}

func TestRecomputeBytesPurchased_RepairsDrift(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()
	entRepo := &fakeEntRepo{store: store}
	userRepo := &fakeUserRepo{store: store}

	open := &model.Entitlement{UserID: user.ID, Status: model.EntitlementStatusActive, BytesPurchased: 500}
	closed := &model.Entitlement{UserID: user.ID, Status: model.EntitlementStatusExpired, BytesPurchased: 500, BytesUsed: 120}
	if err := entRepo.Create(ctx, open); err != nil {
		t.Fatal(err)
	}
	if err := entRepo.Create(ctx, closed); err != nil {
		t.Fatal(err)
	}
	if err := userRepo.SetBytesPurchased(ctx, user.ID, 999); err != nil {
		t.Fatal(err)
	}

	total, err := ledger.RecomputeBytesPurchased(ctx, user.ID)
	if err != nil {
		t.Fatalf("RecomputeBytesPurchased: %v", err)
	}
	if total != 620 {
		t.Fatalf("recomputed total = %d, want 620", total)
	}
	u, _ := userRepo.FindByID(ctx, user.ID)
	if u.BytesPurchased != 620 {
		t.Fatalf("stored total = %d, want 620", u.BytesPurchased)
	}
}

func newObservedLedger(store *fakeStore) (LedgerService, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.WarnLevel)
	ledger := NewLedgerService(
		&fakeUserRepo{store: store},
		&fakeEntRepo{store: store},
		&fakeSessionRepo{store: store},
		event.NewBus(),
		zap.New(core),
		30*24*time.Hour,
	)
	return ledger, logs
}

func TestActivateNext_DuplicateActiveRowsWarnAndOldestWins(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger, logs := newObservedLedger(store)
	user := seedUser(t, store)
	ctx := context.Background()
	entRepo := &fakeEntRepo{store: store}

	older := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusActive,
		BytesPurchased: 500, DatePurchased: time.Now().Add(-2 * time.Hour),
	}
	newer := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusActive,
		BytesPurchased: 500, DatePurchased: time.Now().Add(-1 * time.Hour),
	}
	if err := entRepo.Create(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := entRepo.Create(ctx, newer); err != nil {
		t.Fatal(err)
	}

	active, err := ledger.ActivateNext(ctx, user.ID)
	if err != nil {
		t.Fatalf("duplicate active rows must not be fatal: %v", err)
	}
	if active.ID != older.ID {
		t.Fatalf("active = %s, want the oldest %s", active.ID, older.ID)
	}
	if logs.FilterMessage("data integrity: multiple active entitlements").Len() == 0 {
		t.Fatal("duplicate active rows were not logged")
	}

	// Neither row is closed by observation alone.
	for _, id := range []uuid.UUID{older.ID, newer.ID} {
		got, _ := entRepo.FindByID(ctx, id)
		if got.Status != model.EntitlementStatusActive {
			t.Fatalf("entitlement %s = %s, want active", id, got.Status)
		}
	}
}

func TestSettleUsage_ClosedUsageDriftWarnsAndContinues(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger, logs := newObservedLedger(store)
	user := seedUser(t, store)
	ctx := context.Background()
	entRepo := &fakeEntRepo{store: store}
	userRepo := &fakeUserRepo{store: store}

	active := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusActive,
		BytesPurchased: 500,
	}
	drifted := &model.Entitlement{
		UserID: user.ID, Status: model.EntitlementStatusUsed,
		BytesPurchased: 500, BytesUsed: 900,
		DatePurchased: time.Now().Add(-2 * time.Hour),
	}
	if err := entRepo.Create(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := entRepo.Create(ctx, drifted); err != nil {
		t.Fatal(err)
	}
	if err := userRepo.SetBytesPurchased(ctx, user.ID, 500); err != nil {
		t.Fatal(err)
	}
	// Observed lifetime usage is below what closed rows already claim.
	if err := userRepo.AddArchivedCounters(ctx, user.ID, repositoryByteCounters(600, 0)); err != nil {
		t.Fatal(err)
	}

	if err := ledger.SettleUsage(ctx, user.ID); err != nil {
		t.Fatalf("SettleUsage: %v", err)
	}
	if logs.FilterMessage("data integrity: closed entitlement usage exceeds observed total").Len() == 0 {
		t.Fatal("closed-usage drift was not logged")
	}
	// The clamp absorbs the discrepancy: the open entitlement survives.
	if got := mustActive(t, store, user.ID); got.ID != active.ID {
		t.Fatal("drift closed the open entitlement")
	}
}

func TestListPurchases_FiltersByStatus(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	ledger := newLedgerForTest(store)
	user := seedUser(t, store)
	ctx := context.Background()
	entRepo := &fakeEntRepo{store: store}

	open := &model.Entitlement{UserID: user.ID, Status: model.EntitlementStatusActive, BytesPurchased: 500}
	spent := &model.Entitlement{UserID: user.ID, Status: model.EntitlementStatusUsed, BytesPurchased: 500, BytesUsed: 500}
	if err := entRepo.Create(ctx, open); err != nil {
		t.Fatal(err)
	}
	if err := entRepo.Create(ctx, spent); err != nil {
		t.Fatal(err)
	}

	all, err := ledger.ListPurchases(ctx, user.ID, nil, repository.Pagination{})
	if err != nil {
		t.Fatalf("ListPurchases: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered purchases = %d, want 2", len(all))
	}

	used := model.EntitlementStatusUsed
	got, err := ledger.ListPurchases(ctx, user.ID, &used, repository.Pagination{})
	if err != nil {
		t.Fatalf("ListPurchases(used): %v", err)
	}
	if len(got) != 1 || got[0].ID != spent.ID {
		t.Fatalf("filtered purchases = %d, want the used one", len(got))
	}
}
