package database

import (
	"context"
	"time"
)

// StatusCounts returns the number of jobs in each status.
func (db *DB) StatusCounts(ctx context.Context) (map[Status]int64, error) {
	rows, err := db.Pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var s string
		var n int64
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[Status(s)] = n
	}
	return counts, rows.Err()
}

// StaleClaim is a processing job whose heartbeat has stopped.
type StaleClaim struct {
	JobID       string
	UserID      string
	WorkerID    *string
	HeartbeatAt *time.Time
	StartedAt   *time.Time
}

// ListStaleClaims returns details on processing jobs with no live claim.
func (db *DB) ListStaleClaims(ctx context.Context, staleBefore time.Time, limit int) ([]StaleClaim, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, worker_id, heartbeat_at, processing_started_at
		FROM jobs
		WHERE status = 'processing'
		  AND (worker_id IS NULL OR heartbeat_at IS NULL OR heartbeat_at < $1)
		ORDER BY heartbeat_at ASC NULLS FIRST
		LIMIT $2
	`, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaleClaim
	for rows.Next() {
		var c StaleClaim
		if err := rows.Scan(&c.JobID, &c.UserID, &c.WorkerID, &c.HeartbeatAt, &c.StartedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// OrphanedChunkCount counts chunk rows belonging to terminal jobs.
func (db *DB) OrphanedChunkCount(ctx context.Context) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM job_chunks c
		JOIN jobs j ON j.id = c.job_id
		WHERE j.status IN ('done', 'error', 'canceled')
	`).Scan(&n)
	return n, err
}

// PurgeFinishedJobs deletes terminal jobs finished before the cutoff. Jobs
// that still have chunk rows are kept so the reaper can delete their blobs
// first.
func (db *DB) PurgeFinishedJobs(ctx context.Context, finishedBefore time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		DELETE FROM jobs j
		WHERE j.status IN ('done', 'error', 'canceled') AND j.finished_at < $1
		  AND NOT EXISTS (SELECT 1 FROM job_chunks c WHERE c.job_id = j.id)
	`, finishedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ForceRelease clears the worker claim on a processing job regardless of
// which worker holds it, so the next reaper sweep re-claims it.
func (db *DB) ForceRelease(ctx context.Context, id string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET worker_id = NULL, heartbeat_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
