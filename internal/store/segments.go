package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplaceSegments swaps in a fresh segment plan: existing rows go, the new
// rows arrive pending, and the progress counters reset to match. Called from
// prepare, including on prepare retries, so it must be safe to run twice.
func (s *Store) ReplaceSegments(ctx context.Context, projectID string, segments []Segment) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM segments WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("clear segments: %w", err)
		}
		for _, seg := range segments {
			status := seg.Status
			if status == "" {
				status = SegmentPending
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO segments (
                    project_id, segment_id, start_ms, end_ms, audio_path, status, text, transcribe_ms
                ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				projectID, seg.SegmentID, seg.StartMS, seg.EndMS,
				seg.AudioPath, status, seg.Text, seg.TranscribeMS); err != nil {
				return fmt.Errorf("insert segment %s: %w", seg.SegmentID, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE project_state SET segments_total = ?, segments_done = 0 WHERE project_id = ?`,
			len(segments), projectID); err != nil {
			return fmt.Errorf("reset segment counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(projectID)
	return nil
}

// UpdateSegmentText records a segment's transcription result and bumps the
// done counter. The counter moves only on the pending->done edge, so a
// retried transcribe job that re-reports the same segment is a no-op.
func (s *Store) UpdateSegmentText(ctx context.Context, projectID, segmentID, text string, transcribeMS int64) (bool, error) {
	updated := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE segments
             SET status = ?, text = ?, transcribe_ms = ?
             WHERE project_id = ? AND segment_id = ? AND status = ?`,
			SegmentDone, text, transcribeMS, projectID, segmentID, SegmentPending)
		if err != nil {
			return fmt.Errorf("update segment: %w", err)
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
			`UPDATE project_state SET segments_done = segments_done + 1 WHERE project_id = ?`,
			projectID); err != nil {
			return fmt.Errorf("bump segments_done: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	s.cache.invalidate(projectID)
	return updated, nil
}

// SetSegmentAudioPath records where prepare wrote the segment's audio slice.
func (s *Store) SetSegmentAudioPath(ctx context.Context, projectID, segmentID, audioPath string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE segments SET audio_path = ? WHERE project_id = ? AND segment_id = ?`,
		audioPath, projectID, segmentID); err != nil {
		return fmt.Errorf("set segment audio path: %w", err)
	}
	s.cache.invalidate(projectID)
	return nil
}

// Segment fetches one segment row. Returns nil when absent.
func (s *Store) Segment(ctx context.Context, projectID, segmentID string) (*Segment, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT segment_id, start_ms, end_ms, audio_path, status, text, transcribe_ms
         FROM segments WHERE project_id = ? AND segment_id = ?`, projectID, segmentID)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// SegmentsByProject returns the project's segments in recording order.
func (s *Store) SegmentsByProject(ctx context.Context, projectID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT segment_id, start_ms, end_ms, audio_path, status, text, transcribe_ms
         FROM segments WHERE project_id = ? ORDER BY start_ms`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *seg)
	}
	return segments, rows.Err()
}

func scanSegment(scanner interface{ Scan(dest ...any) error }) (*Segment, error) {
	var (
		seg       Segment
		statusStr string
	)
	if err := scanner.Scan(&seg.SegmentID, &seg.StartMS, &seg.EndMS,
		&seg.AudioPath, &statusStr, &seg.Text, &seg.TranscribeMS); err != nil {
		return nil, err
	}
	seg.Status = SegmentStatus(statusStr)
	return &seg, nil
}
