// Package quota enforces per-user consumption windows for stylization and
// recording time. Counters live on the users table; every admission decision
// happens inside one write transaction so concurrent reservations cannot
// both squeeze under the cap.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"memoir/internal/config"
	"memoir/internal/services"
	"memoir/internal/store"
)

// Manager mediates quota reservations against the shared project database.
type Manager struct {
	db              *sql.DB
	stylizeWindow   time.Duration
	recordingWindow time.Duration
	now             func() time.Time
}

// NewManager builds a Manager on the store's connection pool.
func NewManager(st *store.Store, cfg *config.Config) *Manager {
	return &Manager{
		db:              st.DB(),
		stylizeWindow:   time.Duration(cfg.Quota.StylizeWindowHours) * time.Hour,
		recordingWindow: time.Duration(cfg.Quota.RecordingWindowDays) * 24 * time.Hour,
		now:             time.Now,
	}
}

// Snapshot is a point-in-time view of a user's remaining allowances. A nil
// cap means unlimited.
type Snapshot struct {
	UserID               string `json:"user_id"`
	CanStylize           bool   `json:"can_stylize"`
	StylizeCap           *int64 `json:"stylize_cap"`
	StylizeUsed          int64  `json:"stylize_used"`
	StylizeRemaining     *int64 `json:"stylize_remaining"`
	RecordingCapSeconds  *int64 `json:"recording_cap_seconds"`
	RecordingSecondsUsed int64  `json:"recording_seconds_used"`
	RecordingRemaining   *int64 `json:"recording_remaining"`
}

type userQuotaRow struct {
	isAdmin        bool
	canStylize     bool
	stylizeCap     *int64
	stylizeUsed    int64
	stylizeStart   *time.Time
	recordingCap   *int64
	recordingUsed  int64
	recordingStart *time.Time
}

// ReserveStylize admits n stylization units for the user, resetting the usage
// window first when it has lapsed. Returns services.ErrQuotaExceeded when the
// cap cannot cover the request and services.ErrValidation when the user may
// not stylize at all. Admins and users without a cap are admitted unchecked,
// though their usage is still counted.
func (m *Manager) ReserveStylize(ctx context.Context, userID string, n int64) error {
	if n <= 0 {
		return nil
	}
	return m.withUser(ctx, userID, func(tx *sql.Tx, row *userQuotaRow) error {
		if !row.canStylize && !row.isAdmin {
			return services.Wrap(services.ErrValidation, "quota", "reserve_stylize", "stylization not enabled for user", nil)
		}
		now := m.now()
		used, windowStart := rollWindow(row.stylizeUsed, row.stylizeStart, m.stylizeWindow, now)
		if !row.isAdmin && row.stylizeCap != nil && used+n > *row.stylizeCap {
			return services.Wrap(services.ErrQuotaExceeded, "quota", "reserve_stylize",
				fmt.Sprintf("user %s: %d used of %d, requested %d", userID, used, *row.stylizeCap, n), nil)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET stylize_used = ?, stylize_window_started_at = ? WHERE id = ?`,
			used+n, formatTime(windowStart), userID)
		return err
	})
}

// ReleaseStylize returns n previously reserved units, clamped at zero. Called
// when a stylize job fails permanently or a project is torn down before
// finalize.
func (m *Manager) ReleaseStylize(ctx context.Context, userID string, n int64) error {
	if n <= 0 {
		return nil
	}
	return m.withUser(ctx, userID, func(tx *sql.Tx, row *userQuotaRow) error {
		used := row.stylizeUsed - n
		if used < 0 {
			used = 0
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET stylize_used = ? WHERE id = ?`, used, userID)
		return err
	})
}

// RemainingRecordingSeconds reports how much recording time the user has left
// in the current window. A nil result means unlimited. The window rolls here
// too, so a user whose window lapsed sees the full cap again.
func (m *Manager) RemainingRecordingSeconds(ctx context.Context, userID string) (*int64, error) {
	var remaining *int64
	err := m.withUser(ctx, userID, func(tx *sql.Tx, row *userQuotaRow) error {
		if row.isAdmin || row.recordingCap == nil {
			return nil
		}
		now := m.now()
		used, windowStart := rollWindow(row.recordingUsed, row.recordingStart, m.recordingWindow, now)
		if used != row.recordingUsed || row.recordingStart == nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE users SET recording_seconds_used = ?, recording_window_started_at = ? WHERE id = ?`,
				used, formatTime(windowStart), userID); err != nil {
				return err
			}
		}
		left := *row.recordingCap - used
		if left < 0 {
			left = 0
		}
		remaining = &left
		return nil
	})
	return remaining, err
}

// ConsumeRecording records seconds of actually captured audio against the
// user's window. Consumption never fails on an exhausted cap; admission
// happened at project creation, this is bookkeeping after the fact.
func (m *Manager) ConsumeRecording(ctx context.Context, userID string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	return m.withUser(ctx, userID, func(tx *sql.Tx, row *userQuotaRow) error {
		now := m.now()
		used, windowStart := rollWindow(row.recordingUsed, row.recordingStart, m.recordingWindow, now)
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET recording_seconds_used = ?, recording_window_started_at = ? WHERE id = ?`,
			used+seconds, formatTime(windowStart), userID)
		return err
	})
}

// Snapshot returns the user's current quota standing without mutating it.
func (m *Manager) Snapshot(ctx context.Context, userID string) (*Snapshot, error) {
	row, err := m.readUser(ctx, m.db, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	snap := &Snapshot{
		UserID:              userID,
		CanStylize:          row.canStylize || row.isAdmin,
		StylizeCap:          row.stylizeCap,
		RecordingCapSeconds: row.recordingCap,
	}
	snap.StylizeUsed, _ = rollWindow(row.stylizeUsed, row.stylizeStart, m.stylizeWindow, now)
	snap.RecordingSecondsUsed, _ = rollWindow(row.recordingUsed, row.recordingStart, m.recordingWindow, now)
	if row.stylizeCap != nil {
		left := *row.stylizeCap - snap.StylizeUsed
		if left < 0 {
			left = 0
		}
		snap.StylizeRemaining = &left
	}
	if row.recordingCap != nil {
		left := *row.recordingCap - snap.RecordingSecondsUsed
		if left < 0 {
			left = 0
		}
		snap.RecordingRemaining = &left
	}
	return snap, nil
}

// rollWindow applies the reset-before-admission rule: a lapsed or never
// started window yields zero usage anchored at now.
func rollWindow(used int64, start *time.Time, window time.Duration, now time.Time) (int64, time.Time) {
	if start == nil || window <= 0 || now.Sub(*start) >= window {
		return 0, now
	}
	return used, *start
}

// withUser retries the whole transaction on SQLITE_BUSY: the deferred
// transaction upgrades to a write lock at the UPDATE, and losing that upgrade
// race aborts the transaction instead of waiting on busy_timeout. Each retry
// re-reads the row, so the decision is always made against committed state.
func (m *Manager) withUser(ctx context.Context, userID string, fn func(tx *sql.Tx, row *userQuotaRow) error) error {
	return store.RetryOnBusy(ctx, func() error {
		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin quota tx: %w", err)
		}
		row, err := m.readUser(ctx, tx, userID)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := fn(tx, row); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (m *Manager) readUser(ctx context.Context, q rowQuerier, userID string) (*userQuotaRow, error) {
	var (
		row            userQuotaRow
		isAdmin        int
		canStylize     int
		stylizeCap     sql.NullInt64
		stylizeStart   sql.NullString
		recordingCap   sql.NullInt64
		recordingStart sql.NullString
	)
	err := q.QueryRowContext(ctx,
		`SELECT is_admin, can_stylize,
                stylize_cap, stylize_used, stylize_window_started_at,
                recording_cap_seconds, recording_seconds_used, recording_window_started_at
         FROM users WHERE id = ?`, userID).Scan(
		&isAdmin, &canStylize,
		&stylizeCap, &row.stylizeUsed, &stylizeStart,
		&recordingCap, &row.recordingUsed, &recordingStart)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "quota", "read_user", "user "+userID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("read user quota: %w", err)
	}
	row.isAdmin = isAdmin != 0
	row.canStylize = canStylize != 0
	if stylizeCap.Valid {
		v := stylizeCap.Int64
		row.stylizeCap = &v
	}
	if recordingCap.Valid {
		v := recordingCap.Int64
		row.recordingCap = &v
	}
	if stylizeStart.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, stylizeStart.String); parseErr == nil {
			row.stylizeStart = &t
		}
	}
	if recordingStart.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, recordingStart.String); parseErr == nil {
			row.recordingStart = &t
		}
	}
	return &row, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
