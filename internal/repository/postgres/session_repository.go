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

type sessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return &sessionRepository{pool: pool}
}

var _ repository.SessionRepository = (*sessionRepository)(nil)

const sessionColumns = `
	user_id,
	date_connected_unix,
	assigned_ip,
	client_ip,
	client_ipv6,
	server_hostname,
	server_net_dev,
	bytes_to_client,
	bytes_from_client,
	bytes_to_client_saved,
	date_connected,
	date_last_activity
`

func (r *sessionRepository) FindActive(ctx context.Context, userID uuid.UUID, connectedUnix int64) (*model.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE user_id = $1 AND date_connected_unix = $2`
	s, err := scanSession(r.pool.QueryRow(ctx, query, userID, connectedUnix))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sessionRepository) FindActiveByUser(ctx context.Context, userID uuid.UUID) ([]model.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE user_id = $1 ORDER BY date_connected_unix ASC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Upsert writes the session, overwriting counters when the identity
// exists. Counters on the wire are absolute status-log readings, so
// overwrite is correct and accumulate would double-count.
func (r *sessionRepository) Upsert(ctx context.Context, s *model.ActiveSession) error {
	now := time.Now().UTC()
	if s.DateConnected.IsZero() {
		s.DateConnected = time.Unix(s.DateConnectedUnix, 0).UTC()
	}
	s.DateLastActivity = now

	query := `
		INSERT INTO active_sessions (
			user_id, date_connected_unix, assigned_ip, client_ip, client_ipv6,
			server_hostname, server_net_dev,
			bytes_to_client, bytes_from_client, bytes_to_client_saved,
			date_connected, date_last_activity
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (user_id, date_connected_unix) DO UPDATE SET
			assigned_ip = EXCLUDED.assigned_ip,
			bytes_to_client = EXCLUDED.bytes_to_client,
			bytes_from_client = EXCLUDED.bytes_from_client,
			bytes_to_client_saved = EXCLUDED.bytes_to_client_saved,
			date_last_activity = EXCLUDED.date_last_activity
	`

	_, err := r.pool.Exec(
		ctx, query,
		s.UserID, s.DateConnectedUnix, s.AssignedIP, s.ClientIP, s.ClientIPv6,
		s.ServerHostname, s.ServerNetDev,
		s.BytesToClient, s.BytesFromClient, s.BytesToClientSaved,
		s.DateConnected, s.DateLastActivity,
	)
	return err
}

func (r *sessionRepository) UpdateCounters(ctx context.Context, s *model.ActiveSession) error {
	s.DateLastActivity = time.Now().UTC()

	query := `
		UPDATE active_sessions
		SET assigned_ip = $3,
		    bytes_to_client = $4,
		    bytes_from_client = $5,
		    bytes_to_client_saved = $6,
		    date_last_activity = $7
		WHERE user_id = $1 AND date_connected_unix = $2
	`

	tag, err := r.pool.Exec(
		ctx, query,
		s.UserID, s.DateConnectedUnix, s.AssignedIP,
		s.BytesToClient, s.BytesFromClient, s.BytesToClientSaved,
		s.DateLastActivity,
	)
	if err != nil {
		return err
	}
	return ensureAffected(tag)
}

// Archive copies the session into archived_sessions. ON CONFLICT DO
// NOTHING keyed by (user_id, date_connected_unix) makes a replayed
// close harmless; the bool return tells the caller whether this call
// was the one that inserted.
func (r *sessionRepository) Archive(ctx context.Context, s *model.ActiveSession, reason string, disconnectedAt time.Time) (bool, error) {
	query := `
		INSERT INTO archived_sessions (
			user_id, date_connected_unix, assigned_ip, client_ip, client_ipv6,
			server_hostname, server_net_dev,
			bytes_to_client, bytes_from_client, bytes_to_client_saved,
			date_connected, date_last_activity, date_disconnected, disconnected_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (user_id, date_connected_unix) DO NOTHING
	`

	tag, err := r.pool.Exec(
		ctx, query,
		s.UserID, s.DateConnectedUnix, s.AssignedIP, s.ClientIP, s.ClientIPv6,
		s.ServerHostname, s.ServerNetDev,
		s.BytesToClient, s.BytesFromClient, s.BytesToClientSaved,
		s.DateConnected, s.DateLastActivity, disconnectedAt, reason,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *sessionRepository) DeleteActive(ctx context.Context, userID uuid.UUID, connectedUnix int64) error {
	query := `DELETE FROM active_sessions WHERE user_id = $1 AND date_connected_unix = $2`
	_, err := r.pool.Exec(ctx, query, userID, connectedUnix)
	return err
}

func (r *sessionRepository) FindStale(ctx context.Context, lastActivityBefore time.Time) ([]model.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE date_last_activity < $1 ORDER BY date_last_activity ASC`
	rows, err := r.pool.Query(ctx, query, lastActivityBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]model.ActiveSession, error) {
	var out []model.ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSession(row scanTarget) (*model.ActiveSession, error) {
	var s model.ActiveSession
	err := row.Scan(
		&s.UserID,
		&s.DateConnectedUnix,
		&s.AssignedIP,
		&s.ClientIP,
		&s.ClientIPv6,
		&s.ServerHostname,
		&s.ServerNetDev,
		&s.BytesToClient,
		&s.BytesFromClient,
		&s.BytesToClientSaved,
		&s.DateConnected,
		&s.DateLastActivity,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
