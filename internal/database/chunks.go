package database

import (
	"context"
	"fmt"
	"time"
)

// ChunkKey is the storage key for a chunk. The zero padding keeps keys in
// index order when a backend lists them lexically.
func ChunkKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/chunks/%06d", jobID, index)
}

// RecordChunk records a stored chunk and adds its size to the job's
// bytes_received. Duplicate indices are ignored and reported as inserted=false.
// If the new total would exceed maxBytes nothing is written and ErrByteLimit
// is returned.
func (db *DB) RecordChunk(ctx context.Context, c *Chunk, maxBytes int64) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO job_chunks (job_id, chunk_index, size_bytes, storage_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, chunk_index) DO NOTHING
	`, c.JobID, c.Index, c.SizeBytes, c.StorageKey)
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE jobs SET bytes_received = bytes_received + $2, updated_at = now()
		WHERE id = $1 AND bytes_received + $2 <= $3
	`, c.JobID, c.SizeBytes, maxBytes)
	if err != nil {
		return false, fmt.Errorf("update bytes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, ErrByteLimit
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ChunkExists reports whether the given index has already been recorded.
func (db *DB) ChunkExists(ctx context.Context, jobID string, index int) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_chunks WHERE job_id = $1 AND chunk_index = $2)`,
		jobID, index,
	).Scan(&exists)
	return exists, err
}

// ChunkStats returns the count and index bounds of a job's stored chunks.
func (db *DB) ChunkStats(ctx context.Context, jobID string) (ChunkStats, error) {
	var s ChunkStats
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*), COALESCE(min(chunk_index), -1), COALESCE(max(chunk_index), -1)
		FROM job_chunks WHERE job_id = $1
	`, jobID).Scan(&s.Count, &s.MinIndex, &s.MaxIndex)
	return s, err
}

// ListChunks returns a job's chunks ordered by index.
func (db *DB) ListChunks(ctx context.Context, jobID string) ([]Chunk, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, chunk_index, size_bytes, storage_key, created_at
		FROM job_chunks WHERE job_id = $1
		ORDER BY chunk_index
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.JobID, &c.Index, &c.SizeBytes, &c.StorageKey, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListRetainedChunkJobs returns terminal jobs that finished before the cutoff
// and still have chunk rows.
func (db *DB) ListRetainedChunkJobs(ctx context.Context, finishedBefore time.Time, limit int) ([]string, error) {
	return db.queryIDs(ctx, `
		SELECT j.id FROM jobs j
		WHERE j.status IN ('done', 'error', 'canceled')
		  AND j.finished_at < $1
		  AND EXISTS (SELECT 1 FROM job_chunks c WHERE c.job_id = j.id)
		ORDER BY j.finished_at
		LIMIT $2
	`, finishedBefore, limit)
}

// ListChunksOlderThan returns chunks stored before the cutoff regardless of
// job status.
func (db *DB) ListChunksOlderThan(ctx context.Context, before time.Time, limit int) ([]Chunk, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT job_id, chunk_index, size_bytes, storage_key, created_at
		FROM job_chunks WHERE created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.JobID, &c.Index, &c.SizeBytes, &c.StorageKey, &c.CreatedAt); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteChunkRows removes chunk rows for a job. A nil indexes slice removes all of them.
func (db *DB) DeleteChunkRows(ctx context.Context, jobID string, indexes []int) (int64, error) {
	var err error
	var n int64
	if indexes == nil {
		tag, e := db.Pool.Exec(ctx, `DELETE FROM job_chunks WHERE job_id = $1`, jobID)
		n, err = tag.RowsAffected(), e
	} else {
		tag, e := db.Pool.Exec(ctx,
			`DELETE FROM job_chunks WHERE job_id = $1 AND chunk_index = ANY($2)`,
			jobID, indexes)
		n, err = tag.RowsAffected(), e
	}
	return n, err
}
