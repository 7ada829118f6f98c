package model

import (
	"time"

	"github.com/google/uuid"
)

type AccountState string

const (
	AccountStateActive      AccountState = "active"
	AccountStateDeactivated AccountState = "deactivated"
)

// Reminder holds the low-balance notification preference. The Reminded
// latch is set when a reminder fires and reset when a fresh entitlement
// activates, so the user is nagged at most once per cycle.
type Reminder struct {
	RemindMe bool  `db:"remind_me" json:"remindMe"`
	RemindAt int64 `db:"remind_at" json:"remindAt"`
	Reminded bool  `db:"reminded" json:"reminded"`
}

// User carries the per-account byte ledger. BytesPurchased counts all
// confirmed entitlements minus forfeited remainders; the three archived
// counters accumulate only from archived sessions. Live balance is
// derived by subtracting active session usage on top.
type User struct {
	ID                 uuid.UUID    `db:"id" json:"userId"`
	Email              string       `db:"email" json:"email"`
	AccountState       AccountState `db:"account_state" json:"accountState"`
	ConnectionKey      string       `db:"connection_key" json:"-"`
	BytesPurchased     int64        `db:"bytes_purchased" json:"bytesPurchased"`
	BytesToClient      int64        `db:"bytes_to_client" json:"bytesToClient"`
	BytesToClientSaved int64        `db:"bytes_to_client_saved" json:"bytesToClientSaved"`
	BytesFromClient    int64        `db:"bytes_from_client" json:"bytesFromClient"`
	Reminder           Reminder     `db:"-" json:"reminder"`
	CreatedAt          time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updatedAt"`
}

// ArchivedUsage is the total usage already folded into the archived
// aggregates.
func (u *User) ArchivedUsage() int64 {
	return u.BytesToClient + u.BytesFromClient
}
