package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PreferencesRepository handles database operations for user preferences.
// The channel map and quiet-hours block are stored as structured jsonb.
type PreferencesRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPreferencesRepository creates a new preferences repository
func NewPreferencesRepository(db *DB, logger *zap.Logger) *PreferencesRepository {
	return &PreferencesRepository{
		db:     db,
		logger: logger,
	}
}

// GetPreferences fetches a user's preferences row.
// Returns (nil, nil) when the user has no row yet.
func (r *PreferencesRepository) GetPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	query := `
		SELECT user_id, channels, quiet_hours, frequency, language, timezone,
		       created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	prefs, err := scanPreferences(r.db.Pool().QueryRow(ctx, query, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		return nil, fmt.Errorf("query preferences: %w", err)
	}

	return prefs, nil
}

// GetPreferencesBatch fetches preferences for many users at once, keyed by
// user id. Users without a row are simply absent from the result.
func (r *PreferencesRepository) GetPreferencesBatch(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]*Preferences, error) {
	out := make(map[uuid.UUID]*Preferences, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT user_id, channels, quiet_hours, frequency, language, timezone,
		       created_at, updated_at
		FROM notification_preferences
		WHERE user_id = ANY($1)
	`

	rows, err := r.db.Pool().Query(ctx, query, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query preferences batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		prefs, err := scanPreferences(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preferences: %w", err)
		}
		out[prefs.UserID] = prefs
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

// SavePreferences upserts a user's preferences row.
func (r *PreferencesRepository) SavePreferences(ctx context.Context, prefs *Preferences) error {
	channels, err := json.Marshal(prefs.Channels)
	if err != nil {
		return fmt.Errorf("marshal channel map: %w", err)
	}

	var quietHours []byte
	if prefs.QuietHours != nil {
		quietHours, err = json.Marshal(prefs.QuietHours)
		if err != nil {
			return fmt.Errorf("marshal quiet hours: %w", err)
		}
	}

	query := `
		INSERT INTO notification_preferences (
			user_id, channels, quiet_hours, frequency, language, timezone
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			channels = EXCLUDED.channels,
			quiet_hours = EXCLUDED.quiet_hours,
			frequency = EXCLUDED.frequency,
			language = EXCLUDED.language,
			timezone = EXCLUDED.timezone,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		prefs.UserID,
		channels,
		quietHours,
		prefs.Frequency,
		prefs.Language,
		prefs.Timezone,
	).Scan(&prefs.CreatedAt, &prefs.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to save preferences",
			zap.Error(err),
			zap.String("user_id", prefs.UserID.String()),
		)
		return fmt.Errorf("upsert preferences: %w", err)
	}

	return nil
}

func scanPreferences(row pgx.Row) (*Preferences, error) {
	var (
		prefs      Preferences
		channels   []byte
		quietHours []byte
	)
	err := row.Scan(
		&prefs.UserID,
		&channels,
		&quietHours,
		&prefs.Frequency,
		&prefs.Language,
		&prefs.Timezone,
		&prefs.CreatedAt,
		&prefs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(channels, &prefs.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channel map: %w", err)
	}
	if len(quietHours) > 0 {
		prefs.QuietHours = &QuietHours{}
		if err := json.Unmarshal(quietHours, prefs.QuietHours); err != nil {
			return nil, fmt.Errorf("unmarshal quiet hours: %w", err)
		}
	}

	return &prefs, nil
}
