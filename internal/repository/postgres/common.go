package postgres

import (
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/psiphi75/SwirlVPN/internal/repository"
)

var ErrNotFound = repository.ErrNotFound

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
)

func normalizePagination(page repository.Pagination) (limit, offset int32) {
	limit, offset = page.Limit, page.Offset
	switch {
	case limit <= 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ensureAffected maps a no-op write to ErrNotFound so callers can tell
// "row missing" apart from real database errors.
func ensureAffected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
