package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptd/internal/config"
)

// ChunkStore abstracts raw upload chunk storage backends.
type ChunkStore interface {
	// Save stores chunk data. key format: jobs/{job_id}/chunks/{index:06d}
	Save(ctx context.Context, key string, data []byte) error

	// Open returns a reader for a stored chunk.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a chunk. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if a chunk exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", "minio", or "tiered".
	Type() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New creates a ChunkStore based on config. Returns the store and optional
// background services (async uploader, reconciler) that the caller must Start/Stop.
// Returns an error if a remote backend is configured but unreachable.
func New(cfg *config.Config, log zerolog.Logger) (ChunkStore, []BackgroundService, error) {
	switch cfg.ChunkStore {
	case "", "local":
		return NewLocalStore(cfg.ChunkDir), nil, nil

	case "minio":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := NewMinioStore(ctx, cfg.MinIO, log)
		if err != nil {
			return nil, nil, fmt.Errorf("MinIO init failed: %w", err)
		}
		log.Info().Str("bucket", cfg.MinIO.Bucket).Str("endpoint", cfg.MinIO.Endpoint).Msg("MinIO connection verified")
		return store, nil, nil

	case "s3", "tiered":
		if !cfg.S3.Enabled() {
			return nil, nil, fmt.Errorf("CHUNK_STORE=%s requires S3_BUCKET, S3_ACCESS_KEY and S3_SECRET_KEY", cfg.ChunkStore)
		}
		s3store, err := NewS3Store(cfg.S3, log)
		if err != nil {
			return nil, nil, fmt.Errorf("S3 init failed: %w", err)
		}

		// Startup validation: verify credentials and bucket access
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s3store.HeadBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
				cfg.S3.Bucket, cfg.S3.Endpoint, err)
		}
		log.Info().Str("bucket", cfg.S3.Bucket).Str("endpoint", cfg.S3.Endpoint).Msg("S3 connection verified")

		if cfg.ChunkStore == "s3" {
			return s3store, nil, nil
		}

		// Tiered mode: local primary + S3 backup
		local := NewLocalStore(cfg.ChunkDir)
		uploader := NewAsyncUploader(s3store, 256, log)
		tiered := NewTieredStore(local, s3store, uploader, log)
		reconciler := NewUploadReconciler(local, s3store, log)
		return tiered, []BackgroundService{uploader, reconciler}, nil

	default:
		return nil, nil, fmt.Errorf("unknown CHUNK_STORE %q (want local, s3, minio, or tiered)", cfg.ChunkStore)
	}
}
