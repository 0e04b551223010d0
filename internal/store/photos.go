package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AddPhoto inserts a photo captured during recording and bumps the photo
// total. Duplicate photo ids are rejected.
func (s *Store) AddPhoto(ctx context.Context, projectID string, photo Photo) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO photos (project_id, photo_id, t_ms, original_path, stylized_path)
             VALUES (?, ?, ?, ?, ?)`,
			projectID, photo.PhotoID, photo.TMS, photo.OriginalPath,
			nullableString(photo.StylizedPath)); err != nil {
			return fmt.Errorf("insert photo: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET photos_total = photos_total + 1 WHERE project_id = ?`,
			projectID); err != nil {
			return fmt.Errorf("bump photos_total: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(projectID)
	return nil
}

// SetPhotoStylized records the stylized rendition and bumps the done counter.
// Only the first write for a photo counts; a retried stylize job that lands
// again leaves the counter alone.
func (s *Store) SetPhotoStylized(ctx context.Context, projectID, photoID, stylizedPath string) (bool, error) {
	updated := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE photos SET stylized_path = ?
             WHERE project_id = ? AND photo_id = ? AND stylized_path IS NULL`,
			stylizedPath, projectID, photoID)
		if err != nil {
			return fmt.Errorf("update photo: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}
		updated = true
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET photos_done = photos_done + 1 WHERE project_id = ?`,
			projectID); err != nil {
			return fmt.Errorf("bump photos_done: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.cache.invalidate(projectID)
	return updated, nil
}

// Photo fetches one photo row. Returns nil when absent.
func (s *Store) Photo(ctx context.Context, projectID, photoID string) (*Photo, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT photo_id, t_ms, original_path, stylized_path
         FROM photos WHERE project_id = ? AND photo_id = ?`, projectID, photoID)
	photo, err := scanPhoto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return photo, nil
}

// PhotosByProject returns the project's photos in capture order.
func (s *Store) PhotosByProject(ctx context.Context, projectID string) ([]Photo, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT photo_id, t_ms, original_path, stylized_path
         FROM photos WHERE project_id = ? ORDER BY t_ms`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query photos: %w", err)
	}
	defer rows.Close()

	var photos []Photo
	for rows.Next() {
		photo, err := scanPhoto(rows)
		if err != nil {
			return nil, err
		}
		photos = append(photos, *photo)
	}
	return photos, rows.Err()
}

func scanPhoto(scanner interface{ Scan(dest ...any) error }) (*Photo, error) {
	var (
		photo    Photo
		stylized sql.NullString
	)
	if err := scanner.Scan(&photo.PhotoID, &photo.TMS, &photo.OriginalPath, &stylized); err != nil {
		return nil, err
	}
	photo.StylizedPath = stylized.String
	return &photo, nil
}
