package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

type entitlementRepository struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepository(pool *pgxpool.Pool) repository.EntitlementRepository {
	return &entitlementRepository{pool: pool}
}

var _ repository.EntitlementRepository = (*entitlementRepository)(nil)

const entitlementColumns = `
	id,
	user_id,
	status,
	name,
	bytes_purchased,
	bytes_used,
	date_purchased,
	date_expires,
	date_closed,
	pay_method,
	pay_currency,
	pay_value_currency,
	pay_value_usd,
	pay_vendor_status,
	pay_vendor_payment_id,
	pay_vendor,
	pay_invoice_url
`

func (r *entitlementRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE id = $1`
	ent, err := scanEntitlement(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

func (r *entitlementRepository) FindByVendorPaymentID(ctx context.Context, vendorPaymentID string) (*model.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE pay_vendor_payment_id = $1`
	ent, err := scanEntitlement(r.pool.QueryRow(ctx, query, vendorPaymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

func (r *entitlementRepository) Create(ctx context.Context, ent *model.Entitlement) error {
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	if ent.DatePurchased.IsZero() {
		ent.DatePurchased = time.Now().UTC()
	}

	query := `
		INSERT INTO entitlements (
			id, user_id, status, name,
			bytes_purchased, bytes_used,
			date_purchased, date_expires, date_closed,
			pay_method, pay_currency, pay_value_currency, pay_value_usd,
			pay_vendor_status, pay_vendor_payment_id, pay_vendor, pay_invoice_url
		)
		VALUES (
			$1, $2, $3, $4,
			$5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		ent.ID,
		ent.UserID,
		ent.Status,
		ent.Name,
		ent.BytesPurchased,
		ent.BytesUsed,
		ent.DatePurchased,
		ent.DateExpires,
		ent.DateClosed,
		ent.Payment.Method,
		ent.Payment.Currency,
		ent.Payment.ValueCurrency,
		ent.Payment.ValueUSD,
		ent.Payment.VendorStatus,
		ent.Payment.VendorPaymentID,
		ent.Payment.Vendor,
		ent.Payment.InvoiceURL,
	)
	return err
}

func (r *entitlementRepository) FindActive(ctx context.Context, userID uuid.UUID) ([]*model.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE user_id = $1 AND status = $2
		ORDER BY date_purchased ASC
	`
	rows, err := r.pool.Query(ctx, query, userID, model.EntitlementStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

func (r *entitlementRepository) FindOldestNew(ctx context.Context, userID uuid.UUID) (*model.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE user_id = $1 AND status = $2
		ORDER BY date_purchased ASC
		LIMIT 1
	`
	ent, err := scanEntitlement(r.pool.QueryRow(ctx, query, userID, model.EntitlementStatusNew))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ent, nil
}

func (r *entitlementRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*model.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE user_id = $1
		ORDER BY date_purchased ASC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

func (r *entitlementRepository) Activate(ctx context.Context, id uuid.UUID, expires time.Time) error {
	query := `
		UPDATE entitlements
		SET status = $2, date_expires = $3
		WHERE id = $1 AND status = $4
	`
	tag, err := r.pool.Exec(ctx, query, id, model.EntitlementStatusActive, expires, model.EntitlementStatusNew)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *entitlementRepository) Close(ctx context.Context, id uuid.UUID, status model.EntitlementStatus, bytesUsed int64, closedAt time.Time) error {
	if !status.IsClosed() {
		return fmt.Errorf("close entitlement: %q is not a terminal status", status)
	}
	query := `
		UPDATE entitlements
		SET status = $2, bytes_used = $3, date_closed = $4
		WHERE id = $1 AND status IN ($5, $6, $7)
	`
	tag, err := r.pool.Exec(
		ctx, query,
		id, status, bytesUsed, closedAt,
		model.EntitlementStatusPending, model.EntitlementStatusNew, model.EntitlementStatusActive,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *entitlementRepository) Confirm(ctx context.Context, id uuid.UUID, vendorStatus, vendorPaymentID string) error {
	query := `
		UPDATE entitlements
		SET status = $2, pay_vendor_status = $3, pay_vendor_payment_id = $4
		WHERE id = $1 AND status = $5
	`
	tag, err := r.pool.Exec(
		ctx, query,
		id, model.EntitlementStatusNew, vendorStatus, vendorPaymentID,
		model.EntitlementStatusPending,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *entitlementRepository) UpdatePaymentDetails(ctx context.Context, id uuid.UUID, pay model.PaymentDetails) error {
	query := `
		UPDATE entitlements
		SET pay_method = $2, pay_currency = $3, pay_value_currency = $4, pay_value_usd = $5,
		    pay_vendor_status = $6, pay_vendor_payment_id = $7, pay_vendor = $8, pay_invoice_url = $9
		WHERE id = $1
	`
	tag, err := r.pool.Exec(
		ctx, query,
		id, pay.Method, pay.Currency, pay.ValueCurrency, pay.ValueUSD,
		pay.VendorStatus, pay.VendorPaymentID, pay.Vendor, pay.InvoiceURL,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *entitlementRepository) FindExpiringBefore(ctx context.Context, cutoff time.Time) ([]*model.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE status = $1 AND date_expires IS NOT NULL AND date_expires <= $2
		ORDER BY date_expires ASC
	`
	rows, err := r.pool.Query(ctx, query, model.EntitlementStatusActive, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

func (r *entitlementRepository) FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*model.Entitlement, error) {
	query := `
		SELECT ` + entitlementColumns + `
		FROM entitlements
		WHERE status = $1 AND date_purchased <= $2
		ORDER BY date_purchased ASC
	`
	rows, err := r.pool.Query(ctx, query, model.EntitlementStatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

func (r *entitlementRepository) List(ctx context.Context, filter repository.EntitlementListFilter) ([]*model.Entitlement, error) {
	conditions := []string{}
	args := []any{}

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + entitlementColumns + ` FROM entitlements`
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	limit, offset := normalizePagination(filter.Pagination)
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY date_purchased DESC LIMIT $%d", len(args))
	args = append(args, offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntitlements(rows)
}

func collectEntitlements(rows pgx.Rows) ([]*model.Entitlement, error) {
	var out []*model.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

func scanEntitlement(row scanTarget) (*model.Entitlement, error) {
	var e model.Entitlement
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Status,
		&e.Name,
		&e.BytesPurchased,
		&e.BytesUsed,
		&e.DatePurchased,
		&e.DateExpires,
		&e.DateClosed,
		&e.Payment.Method,
		&e.Payment.Currency,
		&e.Payment.ValueCurrency,
		&e.Payment.ValueUSD,
		&e.Payment.VendorStatus,
		&e.Payment.VendorPaymentID,
		&e.Payment.Vendor,
		&e.Payment.InvoiceURL,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
