package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/psiphi75/SwirlVPN/internal/model"
)

func TestExpiryTimers_FiresDueEntitlement(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	fired := make(map[uuid.UUID]int)
	done := make(chan uuid.UUID, 4)

	timers := NewExpiryTimers(func(id uuid.UUID) {
		mu.Lock()
		fired[id]++
		mu.Unlock()
		done <- id
	}, nil)
	defer timers.Stop()

	expires := time.Now().Add(30 * time.Millisecond)
	ent := &model.Entitlement{ID: uuid.New(), DateExpires: &expires}
	timers.Arm(ent)

	select {
	case id := <-done:
		if id != ent.ID {
			t.Fatalf("fired %s, want %s", id, ent.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if timers.Armed() != 0 {
		t.Fatalf("timer not removed after firing: %d armed", timers.Armed())
	}
}

func TestExpiryTimers_RearmReplacesNotDuplicates(t *testing.T) {
	t.Parallel()

	done := make(chan uuid.UUID, 4)
	timers := NewExpiryTimers(func(id uuid.UUID) { done <- id }, nil)
	defer timers.Stop()

	expires := time.Now().Add(40 * time.Millisecond)
	ent := &model.Entitlement{ID: uuid.New(), DateExpires: &expires}
	timers.Arm(ent)
	timers.Arm(ent)

	if timers.Armed() != 1 {
		t.Fatalf("armed = %d, want 1", timers.Armed())
	}

	<-done
	select {
	case <-done:
		t.Fatal("re-arming duplicated the timer")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExpiryTimers_CancelAndHorizon(t *testing.T) {
	t.Parallel()

	done := make(chan uuid.UUID, 4)
	timers := NewExpiryTimers(func(id uuid.UUID) { done <- id }, nil)
	defer timers.Stop()

	soon := time.Now().Add(50 * time.Millisecond)
	cancelled := &model.Entitlement{ID: uuid.New(), DateExpires: &soon}
	timers.Arm(cancelled)
	timers.Cancel(cancelled.ID)

	far := time.Now().Add(48 * time.Hour)
	distant := &model.Entitlement{ID: uuid.New(), DateExpires: &far}
	timers.Arm(distant)

	if timers.Armed() != 0 {
		t.Fatalf("armed = %d, want 0 (cancelled + beyond horizon)", timers.Armed())
	}

	select {
	case id := <-done:
		t.Fatalf("cancelled timer fired: %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}
