// Package meter holds the pure balance arithmetic shared by the
// admission check, the reconciler and the entitlement ledger. Nothing
// here touches storage.
package meter

import "github.com/psiphi75/SwirlVPN/internal/model"

// RemainingBytes is the live balance: purchased minus archived usage
// minus the usage of every session still open. The result may go
// negative while a session overruns; callers clamp for display but the
// sign is what eviction keys off.
func RemainingBytes(u *model.User, active []model.ActiveSession) int64 {
	rem := u.BytesPurchased - u.ArchivedUsage()
	for i := range active {
		rem -= active[i].Usage()
	}
	return rem
}

// AttributableUsage decides how many bytes a closing entitlement is
// charged for. totalUsed is the user's lifetime usage, priorClosedUsed
// the sum already charged to earlier closed entitlements; the block
// absorbs what is left, capped at its own size and never negative.
func AttributableUsage(ent *model.Entitlement, totalUsed, priorClosedUsed int64) int64 {
	n := totalUsed - priorClosedUsed
	if n < 0 {
		n = 0
	}
	if n > ent.BytesPurchased {
		n = ent.BytesPurchased
	}
	return n
}

// ReminderTriggered reports a downward crossing of the reminder
// threshold. It fires only on the edge: an already-low balance that
// stays low does not retrigger. The per-cycle reminded latch is the
// caller's business.
func ReminderTriggered(remindMe bool, remindAt, oldBalance, newBalance int64) bool {
	if !remindMe {
		return false
	}
	return oldBalance > remindAt && newBalance <= remindAt
}
