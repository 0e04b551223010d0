package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// AppendIngestChunk upserts a chunk row and folds its extent into the
// project's ingest accounting. Re-sent chunks (same seq) replace the previous
// row; the byte counter moves by the size delta, and duration and last_seq
// only ever move forward, so retries never double-count.
func (s *Store) AppendIngestChunk(ctx context.Context, projectID string, chunk Chunk) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var priorBytes int64
		err := tx.QueryRowContext(ctx,
			`SELECT byte_size FROM ingest_chunks WHERE project_id = ? AND seq = ?`,
			projectID, chunk.Seq).Scan(&priorBytes)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read prior chunk: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ingest_chunks (
                project_id, seq, start_ms, duration_ms, byte_size, storage_backend, storage_ref
            ) VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT (project_id, seq) DO UPDATE SET
                start_ms = excluded.start_ms,
                duration_ms = excluded.duration_ms,
                byte_size = excluded.byte_size,
                storage_backend = excluded.storage_backend,
                storage_ref = excluded.storage_ref`,
			projectID, chunk.Seq, chunk.StartMS, chunk.DurationMS,
			chunk.ByteSize, chunk.StorageBackend, chunk.StorageRef); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE project_state
             SET last_seq = MAX(last_seq, ?),
                 ingest_duration_ms = MAX(ingest_duration_ms, ?),
                 ingest_bytes = ingest_bytes + ?
             WHERE project_id = ?`,
			chunk.Seq, chunk.EndMS(), chunk.ByteSize-priorBytes, projectID)
		if err != nil {
			return fmt.Errorf("update ingest accounting: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("append chunk: project %s has no state row", projectID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(projectID)
	return nil
}

// ChunksByProject returns the project's chunks ordered by sequence.
func (s *Store) ChunksByProject(ctx context.Context, projectID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT seq, start_ms, duration_ms, byte_size, storage_backend, storage_ref
         FROM ingest_chunks WHERE project_id = ? ORDER BY seq`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var chunk Chunk
		if err := rows.Scan(&chunk.Seq, &chunk.StartMS, &chunk.DurationMS,
			&chunk.ByteSize, &chunk.StorageBackend, &chunk.StorageRef); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}
