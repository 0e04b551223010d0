package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is the account row. Quota counters live here too; the quota manager
// mutates them with window-aware SQL rather than through this struct.
type User struct {
	ID                       string
	Name                     string
	IsAdmin                  bool
	CanStylize               bool
	StylizeCap               *int64
	StylizeUsed              int64
	StylizeWindowStartedAt   *time.Time
	RecordingCapSeconds      *int64
	RecordingSecondsUsed     int64
	RecordingWindowStartedAt *time.Time
}

// EnsureUser creates the user row if it does not exist yet. Existing rows are
// left untouched so quota counters survive reconnects.
func (s *Store) EnsureUser(ctx context.Context, id, name string) error {
	if id == "" {
		return errors.New("user id is required")
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO users (id, name) VALUES (?, ?)
         ON CONFLICT (id) DO NOTHING`, id, name)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// GetUser fetches a user row. Returns nil when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, name, is_admin, can_stylize,
                stylize_cap, stylize_used, stylize_window_started_at,
                recording_cap_seconds, recording_seconds_used, recording_window_started_at
         FROM users WHERE id = ?`, id)

	var (
		user            User
		isAdmin         int
		canStylize      int
		stylizeCap      sql.NullInt64
		stylizeWindow   sql.NullString
		recordingCap    sql.NullInt64
		recordingWindow sql.NullString
	)
	err := row.Scan(&user.ID, &user.Name, &isAdmin, &canStylize,
		&stylizeCap, &user.StylizeUsed, &stylizeWindow,
		&recordingCap, &user.RecordingSecondsUsed, &recordingWindow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	user.IsAdmin = isAdmin != 0
	user.CanStylize = canStylize != 0
	if stylizeCap.Valid {
		v := stylizeCap.Int64
		user.StylizeCap = &v
	}
	if recordingCap.Valid {
		v := recordingCap.Int64
		user.RecordingCapSeconds = &v
	}
	if stylizeWindow.Valid {
		if t, parseErr := parseTimeString(stylizeWindow.String); parseErr == nil {
			user.StylizeWindowStartedAt = &t
		}
	}
	if recordingWindow.Valid {
		if t, parseErr := parseTimeString(recordingWindow.String); parseErr == nil {
			user.RecordingWindowStartedAt = &t
		}
	}
	return &user, nil
}

// SetUserLimits adjusts a user's privilege flags and quota caps. Nil caps
// mean unlimited.
func (s *Store) SetUserLimits(ctx context.Context, id string, isAdmin, canStylize bool, stylizeCap, recordingCapSeconds *int64) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE users SET is_admin = ?, can_stylize = ?, stylize_cap = ?, recording_cap_seconds = ?
         WHERE id = ?`,
		boolToInt(isAdmin), boolToInt(canStylize),
		nullableInt64(stylizeCap), nullableInt64(recordingCapSeconds), id)
	if err != nil {
		return fmt.Errorf("set user limits: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("set user limits: user %s not found", id)
	}
	return nil
}
