package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory resolves audience segments against the users table.
type Directory struct {
	db     *DB
	logger *zap.Logger
}

// NewDirectory creates a new user directory
func NewDirectory(db *DB, logger *zap.Logger) *Directory {
	return &Directory{
		db:     db,
		logger: logger,
	}
}

// UsersByIDs returns the ids that actually exist in the directory.
func (d *Directory) UsersByIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return d.query(ctx, `SELECT id FROM users WHERE id = ANY($1)`, ids)
}

// UsersByRoles returns ids of users holding any of the given roles.
func (d *Directory) UsersByRoles(ctx context.Context, roles []string) ([]uuid.UUID, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	return d.query(ctx, `SELECT id FROM users WHERE role = ANY($1)`, roles)
}

// UsersByLocations returns ids of users in any of the given locations.
func (d *Directory) UsersByLocations(ctx context.Context, locations []string) ([]uuid.UUID, error) {
	if len(locations) == 0 {
		return nil, nil
	}
	return d.query(ctx, `SELECT id FROM users WHERE location = ANY($1)`, locations)
}

// AllUsers returns every user id in the directory.
func (d *Directory) AllUsers(ctx context.Context) ([]uuid.UUID, error) {
	return d.query(ctx, `SELECT id FROM users`)
}

func (d *Directory) query(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := d.db.Pool().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return ids, nil
}
