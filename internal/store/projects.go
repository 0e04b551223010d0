package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateProject inserts the project row and its state row and returns the new
// project. Status starts at recording.
func (s *Store) CreateProject(ctx context.Context, np NewProject) (*Project, error) {
	if np.UserID == "" {
		return nil, errors.New("user id is required")
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	timestamp := formatTime(now)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO projects (
                id, user_id, title, participant, status, created_at, updated_at, expires_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id,
			np.UserID,
			np.Title,
			np.Participant,
			StatusRecording,
			timestamp,
			timestamp,
			nullableTime(np.ExpiresAt),
		); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO project_state (
                project_id, recording_started_at, recording_limit_seconds,
                stylize_photos
            ) VALUES (?, ?, ?, ?)`,
			id,
			timestamp,
			nullableInt64(np.RecordingLimitSeconds),
			boolToInt(np.StylizePhotos),
		); err != nil {
			return fmt.Errorf("insert project state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetProject(ctx, id)
}

const projectColumns = `id, user_id, title, participant, status, error_message,
    output_file, fallback_file, stylize_errors,
    llm_prompt_tokens, llm_completion_tokens, llm_total_tokens,
    created_at, updated_at, expires_at`

// GetProject fetches a project row by identifier. Returns nil when absent.
func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, projectID)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ProjectForUser fetches a project only when owned by the given user.
func (s *Store) ProjectForUser(ctx context.Context, projectID, userID string) (*Project, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND user_id = ?`, projectID, userID)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project for user: %w", err)
	}
	return project, nil
}

// ListProjects returns a user's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT `+projectColumns+` FROM projects WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// StatusUpdate carries the optional fields set alongside a status transition.
type StatusUpdate struct {
	ErrorMessage  *string
	OutputFile    *string
	FallbackFile  *string
	StylizeErrors *int64
	Usage         *TokenUsage
}

// ErrInvalidTransition indicates a status change that would move backwards or
// out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// UpdateStatus transitions the project's status, enforcing monotonic forward
// movement (error is reachable from any non-terminal state). Absent projects
// return nil, nil.
func (s *Store) UpdateStatus(ctx context.Context, projectID string, status Status, update StatusUpdate) (*Project, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM projects WHERE id = ?`, projectID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read status: %w", err)
		}
		found = true
		if !canTransition(Status(current), status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
		}

		setClauses := "status = ?, updated_at = ?"
		args := []any{status, formatTime(time.Now())}
		if update.ErrorMessage != nil {
			setClauses += ", error_message = ?"
			args = append(args, nullableString(*update.ErrorMessage))
		}
		if update.OutputFile != nil {
			setClauses += ", output_file = ?"
			args = append(args, nullableString(*update.OutputFile))
		}
		if update.FallbackFile != nil {
			setClauses += ", fallback_file = ?"
			args = append(args, nullableString(*update.FallbackFile))
		}
		if update.StylizeErrors != nil {
			setClauses += ", stylize_errors = ?"
			args = append(args, *update.StylizeErrors)
		}
		if update.Usage != nil {
			setClauses += ", llm_prompt_tokens = ?, llm_completion_tokens = ?, llm_total_tokens = ?"
			args = append(args, update.Usage.PromptTokens, update.Usage.CompletionTokens, update.Usage.TotalTokens)
		}
		args = append(args, projectID)
		if _, err := tx.ExecContext(ctx, `UPDATE projects SET `+setClauses+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	s.cache.invalidate(projectID)
	return s.GetProject(ctx, projectID)
}

// IncrementStylizeErrors bumps the count of photos that permanently failed
// stylization.
func (s *Store) IncrementStylizeErrors(ctx context.Context, projectID string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE projects SET stylize_errors = stylize_errors + 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), projectID); err != nil {
		return fmt.Errorf("increment stylize errors: %w", err)
	}
	s.cache.invalidate(projectID)
	return nil
}

// DeleteProject removes the project and all dependent rows (state, chunks,
// segments, photos via cascade) plus its queue jobs. In-flight workers
// discover the disappearance as a not-found and terminate quietly.
func (s *Store) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	deleted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
		if err != nil {
			return fmt.Errorf("delete project: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		deleted = affected > 0
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("delete project jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.cache.invalidate(projectID)
	return deleted, nil
}

// ExpiredProjects returns identifiers of projects whose expiry has passed.
func (s *Store) ExpiredProjects(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT id FROM projects WHERE expires_at IS NOT NULL AND expires_at < ?`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query expired projects: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanProject(scanner interface{ Scan(dest ...any) error }) (*Project, error) {
	var (
		id            string
		userID        string
		title         string
		participant   string
		statusStr     string
		errorMessage  sql.NullString
		outputFile    sql.NullString
		fallbackFile  sql.NullString
		stylizeErrors sql.NullInt64
		promptTokens  sql.NullInt64
		complTokens   sql.NullInt64
		totalTokens   sql.NullInt64
		createdRaw    string
		updatedRaw    string
		expiresRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&userID,
		&title,
		&participant,
		&statusStr,
		&errorMessage,
		&outputFile,
		&fallbackFile,
		&stylizeErrors,
		&promptTokens,
		&complTokens,
		&totalTokens,
		&createdRaw,
		&updatedRaw,
		&expiresRaw,
	); err != nil {
		return nil, err
	}

	project := &Project{
		ID:            id,
		UserID:        userID,
		Title:         title,
		Participant:   participant,
		Status:        Status(statusStr),
		ErrorMessage:  errorMessage.String,
		OutputFile:    outputFile.String,
		FallbackFile:  fallbackFile.String,
		StylizeErrors: stylizeErrors.Int64,
	}
	if totalTokens.Valid || promptTokens.Valid || complTokens.Valid {
		project.Usage = &TokenUsage{
			PromptTokens:     promptTokens.Int64,
			CompletionTokens: complTokens.Int64,
			TotalTokens:      totalTokens.Int64,
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		project.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		project.UpdatedAt = updated
	}
	if expiresRaw.Valid {
		if expires, err := parseTimeString(expiresRaw.String); err == nil {
			project.ExpiresAt = &expires
		}
	}
	return project, nil
}
