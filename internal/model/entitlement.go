package model

import (
	"time"

	"github.com/google/uuid"
)

type EntitlementStatus string

const (
	// EntitlementStatusPending is a purchase awaiting payment
	// confirmation. It is not counted towards the user's balance.
	EntitlementStatusPending EntitlementStatus = "pending-confirmation"
	// EntitlementStatusNew is confirmed and counted, queued behind the
	// active entitlement.
	EntitlementStatusNew    EntitlementStatus = "new"
	EntitlementStatusActive EntitlementStatus = "active"

	EntitlementStatusExpired   EntitlementStatus = "expired"
	EntitlementStatusUsed      EntitlementStatus = "used"
	EntitlementStatusCancelled EntitlementStatus = "cancelled"
	EntitlementStatusDeleted   EntitlementStatus = "deleted"
)

// DefaultEntitlementBytes is the size of the standard data block,
// 250 MiB. The free signup grant and the default purchase plan both
// use it.
const DefaultEntitlementBytes int64 = 262_144_000

// IsOpen reports whether the status still counts against the balance
// and may still transition.
func (s EntitlementStatus) IsOpen() bool {
	return s == EntitlementStatusNew || s == EntitlementStatusActive
}

// IsClosed reports a terminal status. Closed entitlements never
// reopen.
func (s EntitlementStatus) IsClosed() bool {
	switch s {
	case EntitlementStatusExpired, EntitlementStatusUsed,
		EntitlementStatusCancelled, EntitlementStatusDeleted:
		return true
	}
	return false
}

type PaymentDetails struct {
	Method          string  `db:"pay_method" json:"method"`
	Currency        string  `db:"pay_currency" json:"currency"`
	ValueCurrency   float64 `db:"pay_value_currency" json:"valueCurrency"`
	ValueUSD        float64 `db:"pay_value_usd" json:"valueUSD"`
	VendorStatus    string  `db:"pay_vendor_status" json:"vendorStatus"`
	VendorPaymentID string  `db:"pay_vendor_payment_id" json:"vendorPaymentId"`
	Vendor          string  `db:"pay_vendor" json:"vendor"`
	InvoiceURL      string  `db:"pay_invoice_url" json:"invoiceURL"`
}

// Entitlement is one purchased (or granted) block of bytes. BytesUsed
// is written once, at close time, with the usage attributable to this
// block; open entitlements keep it at zero.
type Entitlement struct {
	ID             uuid.UUID         `db:"id" json:"purchaseId"`
	UserID         uuid.UUID         `db:"user_id" json:"userId"`
	Status         EntitlementStatus `db:"status" json:"status"`
	Name           string            `db:"name" json:"name"`
	BytesPurchased int64             `db:"bytes_purchased" json:"bytesPurchased"`
	BytesUsed      int64             `db:"bytes_used" json:"bytesUsed"`
	DatePurchased  time.Time         `db:"date_purchased" json:"datePurchased"`
	DateExpires    *time.Time        `db:"date_expires" json:"dateExpires,omitempty"`
	DateClosed     *time.Time        `db:"date_closed" json:"dateClosed,omitempty"`
	Payment        PaymentDetails    `db:"-" json:"paymentDetails"`
}

// Remainder is the unconsumed part of the block. Meaningful for closed
// rows (forfeiture) and for audit of open ones.
func (e *Entitlement) Remainder() int64 {
	r := e.BytesPurchased - e.BytesUsed
	if r < 0 {
		return 0
	}
	return r
}
