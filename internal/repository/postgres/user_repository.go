package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/psiphi75/SwirlVPN/internal/model"
	"github.com/psiphi75/SwirlVPN/internal/repository"
)

type userRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return &userRepository{pool: pool}
}

var _ repository.UserRepository = (*userRepository)(nil)

type scanTarget interface {
	Scan(dest ...any) error
}

const userColumns = `
	id,
	email,
	account_state,
	connection_key,
	bytes_purchased,
	bytes_to_client,
	bytes_to_client_saved,
	bytes_from_client,
	remind_me,
	remind_at,
	reminded,
	created_at,
	updated_at
`

func (r *userRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(r.pool.QueryRow(ctx, query, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	if user.AccountState == "" {
		user.AccountState = model.AccountStateActive
	}

	query := `
		INSERT INTO users (
			id, email, account_state, connection_key,
			bytes_purchased, bytes_to_client, bytes_to_client_saved, bytes_from_client,
			remind_me, remind_at, reminded,
			created_at, updated_at
		)
		VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13
		)
	`

	_, err := r.pool.Exec(
		ctx,
		query,
		user.ID,
		user.Email,
		user.AccountState,
		user.ConnectionKey,
		user.BytesPurchased,
		user.BytesToClient,
		user.BytesToClientSaved,
		user.BytesFromClient,
		user.Reminder.RemindMe,
		user.Reminder.RemindAt,
		user.Reminder.Reminded,
		user.CreatedAt,
		user.UpdatedAt,
	)
	return err
}

func (r *userRepository) UpdateAccountState(ctx context.Context, id uuid.UUID, state model.AccountState) error {
	query := `UPDATE users SET account_state = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, state)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) UpdateReminder(ctx context.Context, id uuid.UUID, rem model.Reminder) error {
	query := `
		UPDATE users
		SET remind_me = $2, remind_at = $3, reminded = $4, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, rem.RemindMe, rem.RemindAt, rem.Reminded)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) SetReminded(ctx context.Context, id uuid.UUID, reminded bool) error {
	query := `UPDATE users SET reminded = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, reminded)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) AddBytesPurchased(ctx context.Context, id uuid.UUID, delta int64) error {
	// GREATEST keeps a mistaken double-forfeit from driving the
	// balance below zero.
	query := `
		UPDATE users
		SET bytes_purchased = GREATEST(bytes_purchased + $2, 0), updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, delta)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) SetBytesPurchased(ctx context.Context, id uuid.UUID, total int64) error {
	query := `UPDATE users SET bytes_purchased = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, total)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func (r *userRepository) AddArchivedCounters(ctx context.Context, id uuid.UUID, c repository.ByteCounters) error {
	query := `
		UPDATE users
		SET bytes_to_client = bytes_to_client + $2,
		    bytes_from_client = bytes_from_client + $3,
		    bytes_to_client_saved = bytes_to_client_saved + $4,
		    updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, c.BytesToClient, c.BytesFromClient, c.BytesToClientSaved)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

func scanUser(row scanTarget) (*model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.AccountState,
		&u.ConnectionKey,
		&u.BytesPurchased,
		&u.BytesToClient,
		&u.BytesToClientSaved,
		&u.BytesFromClient,
		&u.Reminder.RemindMe,
		&u.Reminder.RemindAt,
		&u.Reminder.Reminded,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
