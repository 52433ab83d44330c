package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader handles background backup uploads without blocking chunk ingestion.
// Chunks are already on local disk before being enqueued here.
type AsyncUploader struct {
	remote   ChunkStore
	ch       chan uploadJob
	workers  int
	log      zerolog.Logger
	stopped  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type uploadJob struct {
	key  string
	data []byte
}

// NewAsyncUploader creates an async backup uploader with the given buffer size.
func NewAsyncUploader(remote ChunkStore, bufferSize int, log zerolog.Logger) *AsyncUploader {
	return &AsyncUploader{
		remote:  remote,
		ch:      make(chan uploadJob, bufferSize),
		workers: 2,
		log:     log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue adds a backup upload. Non-blocking: drops with a warning if full or stopped.
func (u *AsyncUploader) Enqueue(key string, data []byte) {
	if u.stopped.Load() {
		return
	}
	select {
	case u.ch <- uploadJob{key: key, data: data}:
	default:
		u.log.Warn().Str("key", key).Msg("backup queue full, skipping (chunk safe on disk)")
	}
}

// Start launches worker goroutines.
func (u *AsyncUploader) Start() {
	for i := 0; i < u.workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", u.workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop closes the queue and waits for workers to drain it.
func (u *AsyncUploader) Stop() {
	u.stopped.Store(true)
	u.stopOnce.Do(func() { close(u.ch) })
	u.wg.Wait()
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := u.remote.Save(ctx, job.key, job.data); err != nil {
			u.log.Error().Err(err).Str("key", job.key).Msg("backup upload failed (chunk safe on disk)")
		}
		cancel()
	}
}
