package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, user_id, fingerprint, media_url, media_url_normalized, duration_ms,
	provider, status, expected_chunks, bytes_received, language_hint, max_minutes, error,
	worker_id, processing_started_at, heartbeat_at, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var status string
	err := row.Scan(
		&j.ID, &j.UserID, &j.Fingerprint, &j.MediaURL, &j.MediaURLNormalized, &j.DurationMs,
		&j.Provider, &status, &j.ExpectedChunks, &j.BytesReceived, &j.LanguageHint, &j.MaxMinutes, &j.Error,
		&j.WorkerID, &j.ProcessingStartedAt, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}

func statusStrings(ss []Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// CreateJob inserts a new job row. ID must be set by the caller.
func (db *DB) CreateJob(ctx context.Context, j *Job) error {
	if j.Status == "" {
		j.Status = StatusCreated
	}
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO jobs (
			id, user_id, fingerprint, media_url, media_url_normalized, duration_ms,
			provider, status, expected_chunks
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`,
		j.ID, j.UserID, j.Fingerprint, j.MediaURL, j.MediaURLNormalized, j.DurationMs,
		j.Provider, string(j.Status), j.ExpectedChunks,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by ID, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// FindActiveJob returns the most recent non-terminal job for (user, fingerprint), or ErrNotFound.
func (db *DB) FindActiveJob(ctx context.Context, userID, fingerprint string) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND fingerprint = $2 AND status = ANY($3)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, fingerprint, statusStrings(ActiveStatuses)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// CountJobsSince counts jobs a user created at or after since.
func (db *DB) CountJobsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	return n, err
}

// CountActiveJobs counts a user's non-terminal jobs.
func (db *DB) CountActiveJobs(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE user_id = $1 AND status = ANY($2)`,
		userID, statusStrings(ActiveStatuses),
	).Scan(&n)
	return n, err
}

// ListActiveJobs returns a user's non-terminal jobs, oldest first.
func (db *DB) ListActiveJobs(ctx context.Context, userID string) ([]*Job, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC
	`, userID, statusStrings(ActiveStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// SetExpectedChunks sets expected_chunks if it is still NULL and returns the
// value stored afterwards. Once set, the value never changes.
func (db *DB) SetExpectedChunks(ctx context.Context, id string, n int) (int, error) {
	var stored int
	err := db.Pool.QueryRow(ctx, `
		UPDATE jobs SET
			expected_chunks = COALESCE(expected_chunks, $2),
			updated_at = CASE WHEN expected_chunks IS NULL THEN now() ELSE updated_at END
		WHERE id = $1
		RETURNING expected_chunks
	`, id, n).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return stored, err
}

// SetJobOptions persists finalize-time overrides. Nil values leave the column unchanged.
func (db *DB) SetJobOptions(ctx context.Context, id string, languageHint *string, maxMinutes *int) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET
			language_hint = COALESCE($2, language_hint),
			max_minutes = COALESCE($3, max_minutes),
			updated_at = now()
		WHERE id = $1
	`, id, languageHint, maxMinutes)
	return err
}

// AdvanceStatus moves a job to `to` only if its current status is one of `from`.
func (db *DB) AdvanceStatus(ctx context.Context, id string, from []Status, to Status) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($2)
	`, id, statusStrings(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob marks a non-terminal job canceled. Terminal jobs are left untouched.
func (db *DB) CancelJob(ctx context.Context, id, message string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = 'canceled', error = $2, updated_at = now(), finished_at = now()
		WHERE id = $1 AND status = ANY($3)
	`, id, message, statusStrings(ActiveStatuses))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimJob atomically takes ownership of a job for processing. It succeeds only
// when the job is uploaded, or processing with no worker or a heartbeat older
// than staleBefore. Returns (nil, nil) when another worker holds the claim.
func (db *DB) ClaimJob(ctx context.Context, id, workerID string, staleBefore time.Time) (*Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `
		UPDATE jobs SET
			status = 'processing',
			worker_id = $2,
			processing_started_at = now(),
			heartbeat_at = now(),
			updated_at = now()
		WHERE id = $1 AND (
			status = 'uploaded'
			OR (status = 'processing' AND (worker_id IS NULL OR heartbeat_at IS NULL OR heartbeat_at < $3))
		)
		RETURNING `+jobColumns,
		id, workerID, staleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Heartbeat refreshes heartbeat_at for a job still claimed by workerID.
// Returns false if the claim was lost.
func (db *DB) Heartbeat(ctx context.Context, id, workerID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET heartbeat_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'processing'
	`, id, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FinishJob records a terminal error or canceled outcome for a claimed job.
func (db *DB) FinishJob(ctx context.Context, id, workerID string, status Status, message string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = $3, error = $4, worker_id = NULL, updated_at = now(), finished_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'processing'
	`, id, workerID, string(status), message)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseClaim clears the worker claim so any worker may claim the job again.
// The job stays in processing.
func (db *DB) ReleaseClaim(ctx context.Context, id, workerID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET worker_id = NULL, heartbeat_at = NULL, updated_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'processing'
	`, id, workerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob writes the transcript and marks the job done in one transaction.
// If the claim was lost in the meantime nothing is written and false is returned.
func (db *DB) CompleteJob(ctx context.Context, id, workerID string, t *Transcript) (bool, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'done', error = NULL, worker_id = NULL, updated_at = now(), finished_at = now()
		WHERE id = $1 AND worker_id = $2 AND status = 'processing'
	`, id, workerID)
	if err != nil {
		return false, fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	if err := upsertTranscript(ctx, tx, t); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListStaleProcessing returns processing jobs whose claim may be taken over.
func (db *DB) ListStaleProcessing(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	return db.queryIDs(ctx, `
		SELECT id FROM jobs
		WHERE status = 'processing'
		  AND (worker_id IS NULL OR heartbeat_at IS NULL OR heartbeat_at < $1)
		ORDER BY heartbeat_at ASC NULLS FIRST
		LIMIT $2
	`, staleBefore, limit)
}

// ExpireJobs force-fails every non-terminal job created before createdBefore
// and returns their IDs.
func (db *DB) ExpireJobs(ctx context.Context, createdBefore time.Time, message string) ([]string, error) {
	return db.queryIDs(ctx, `
		UPDATE jobs SET status = 'error', error = $2, worker_id = NULL, updated_at = now(), finished_at = now()
		WHERE status = ANY($3) AND created_at < $1
		RETURNING id
	`, createdBefore, message, statusStrings(ActiveStatuses))
}

// FailActiveJob marks a job error if it is still non-terminal, regardless of claim.
func (db *DB) FailActiveJob(ctx context.Context, id, message string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET status = 'error', error = $2, worker_id = NULL, updated_at = now(), finished_at = now()
		WHERE id = $1 AND status = ANY($3)
	`, id, message, statusStrings(ActiveStatuses))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (db *DB) queryIDs(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
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
