package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// TieredStore combines local disk (source of truth) with a remote backup.
// Write path: save locally first (never block on the remote), then enqueue a backup upload.
// Read path: local first, remote fallback with cache-on-read.
type TieredStore struct {
	local    *LocalStore
	remote   ChunkStore
	uploader *AsyncUploader
	log      zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + remote-backup store.
func NewTieredStore(local *LocalStore, remote ChunkStore, uploader *AsyncUploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		local:    local,
		remote:   remote,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

// Save writes to local disk (fatal on failure), then queues the backup write.
// Dropped backups are picked up by the upload reconciler.
func (s *TieredStore) Save(ctx context.Context, key string, data []byte) error {
	if err := s.local.Save(ctx, key, data); err != nil {
		return err
	}
	s.uploader.Enqueue(key, data)
	return nil
}

// Open checks local disk first, then falls back to the remote. On a remote
// hit the chunk is cached locally for the rest of assembly.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}
	if cacheErr := s.local.Save(ctx, key, data); cacheErr != nil {
		s.log.Warn().Err(cacheErr).Str("key", key).Msg("failed to cache remote chunk locally")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the chunk from both tiers.
func (s *TieredStore) Delete(ctx context.Context, key string) error {
	return errors.Join(s.local.Delete(ctx, key), s.remote.Delete(ctx, key))
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.remote.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
