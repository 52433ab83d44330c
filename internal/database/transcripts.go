package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetTranscript returns the stored transcript for (user, fingerprint), or ErrNotFound.
func (db *DB) GetTranscript(ctx context.Context, userID, fingerprint string) (*Transcript, error) {
	var t Transcript
	var segments []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT id, user_id, fingerprint, provider, media_url, media_url_normalized,
			duration_ms, text, segments, created_at, updated_at
		FROM transcripts WHERE user_id = $1 AND fingerprint = $2
	`, userID, fingerprint).Scan(
		&t.ID, &t.UserID, &t.Fingerprint, &t.Provider, &t.MediaURL, &t.MediaURLNormalized,
		&t.DurationMs, &t.Text, &segments, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(segments, &t.Segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return &t, nil
}

// UpsertTranscript stores a transcript, replacing any existing one for the
// same (user, fingerprint). The stored ID and timestamps are written back to t.
func (db *DB) UpsertTranscript(ctx context.Context, t *Transcript) error {
	return upsertTranscript(ctx, db.Pool, t)
}

func upsertTranscript(ctx context.Context, q execer, t *Transcript) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	segs := t.Segments
	if segs == nil {
		segs = []Cue{}
	}
	raw, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}

	err = q.QueryRow(ctx, `
		INSERT INTO transcripts (
			id, user_id, fingerprint, provider, media_url, media_url_normalized,
			duration_ms, text, segments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, fingerprint) DO UPDATE SET
			provider = EXCLUDED.provider,
			media_url = EXCLUDED.media_url,
			media_url_normalized = EXCLUDED.media_url_normalized,
			duration_ms = COALESCE(EXCLUDED.duration_ms, transcripts.duration_ms),
			text = EXCLUDED.text,
			segments = EXCLUDED.segments,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`,
		t.ID, t.UserID, t.Fingerprint, t.Provider, t.MediaURL, t.MediaURLNormalized,
		t.DurationMs, t.Text, json.RawMessage(raw),
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}
