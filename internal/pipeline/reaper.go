package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/events"
	"github.com/snarg/transcriptd/internal/metrics"
	"github.com/snarg/transcriptd/internal/storage"
)

const (
	msgExpired      = "Job expired before completion"
	msgRetentionTTL = "Job exceeded retention TTL"
	sweepBatch      = 200
)

// ReaperTarget is the runner interface the reaper drives.
type ReaperTarget interface {
	Dispatch(ctx context.Context, jobID string, live RunOptions) (bool, error)
	Abandon(jobID string) bool
	Active(jobID string) bool
	StaleAfter() time.Duration
}

type ReaperOptions struct {
	Store     Store
	Chunks    storage.ChunkStore
	Runner    ReaperTarget
	Events    events.Publisher      // optional
	Pruner    *storage.WorkDirPruner // optional
	WorkDir   string
	Interval  time.Duration
	JobTTL    time.Duration
	Retention time.Duration
	HardTTL   time.Duration
	Log       zerolog.Logger
}

// Reaper periodically resumes orphaned jobs, expires stuck ones and deletes
// chunk data past its retention.
type Reaper struct {
	store     Store
	chunks    storage.ChunkStore
	runner    ReaperTarget
	events    events.Publisher
	pruner    *storage.WorkDirPruner
	workDir   string
	interval  time.Duration
	jobTTL    time.Duration
	retention time.Duration
	hardTTL   time.Duration
	log       zerolog.Logger
	now       func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewReaper(opts ReaperOptions) *Reaper {
	ev := opts.Events
	if ev == nil {
		ev = events.Nop{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:     opts.Store,
		chunks:    opts.Chunks,
		runner:    opts.Runner,
		events:    ev,
		pruner:    opts.Pruner,
		workDir:   opts.WorkDir,
		interval:  interval,
		jobTTL:    opts.JobTTL,
		retention: opts.Retention,
		hardTTL:   opts.HardTTL,
		log:       opts.Log.With().Str("component", "reaper").Logger(),
		now:       time.Now,
	}
}

// Start runs one sweep immediately, then one per interval until Stop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.Sweep(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
	r.log.Info().Dur("interval", r.interval).Msg("reaper started")
}

func (r *Reaper) Stop() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}

// SweepResult counts what one sweep acted on.
type SweepResult struct {
	Resumed       int
	Expired       int
	RetainedJobs  int
	HardTTLChunks int
	PrunedDirs    int
}

// Sweep runs the four independent sweeps plus work-dir pruning. A failing
// sweep is logged and does not stop the others.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var res SweepResult
	res.Resumed = r.resumeStale(ctx)
	res.Expired = r.expireStuck(ctx)
	res.RetainedJobs = r.cleanupRetained(ctx)
	res.HardTTLChunks = r.cleanupHardTTL(ctx)
	if r.pruner != nil {
		res.PrunedDirs = r.pruner.Prune()
	}

	metrics.ReaperSweepsTotal.WithLabelValues("resumed").Add(float64(res.Resumed))
	metrics.ReaperSweepsTotal.WithLabelValues("expired").Add(float64(res.Expired))
	metrics.ReaperSweepsTotal.WithLabelValues("retention").Add(float64(res.RetainedJobs))
	metrics.ReaperSweepsTotal.WithLabelValues("hard_ttl").Add(float64(res.HardTTLChunks))
	metrics.ReaperSweepsTotal.WithLabelValues("workdir").Add(float64(res.PrunedDirs))

	if res != (SweepResult{}) {
		r.log.Info().
			Int("resumed", res.Resumed).
			Int("expired", res.Expired).
			Int("retention_jobs", res.RetainedJobs).
			Int("hard_ttl_chunks", res.HardTTLChunks).
			Int("pruned_dirs", res.PrunedDirs).
			Dur("elapsed", time.Since(start)).
			Msg("reaper sweep complete")
	}
	return res
}

// resumeStale re-claims processing jobs whose heartbeat went stale. The
// claim is the same conditional update workers use, so only one node wins.
func (r *Reaper) resumeStale(ctx context.Context) int {
	ids, err := r.store.ListStaleProcessing(ctx, r.now().Add(-r.runner.StaleAfter()), sweepBatch)
	if err != nil {
		r.log.Warn().Err(err).Msg("list stale jobs failed")
		return 0
	}
	resumed := 0
	for _, id := range ids {
		ok, err := r.runner.Dispatch(ctx, id, RunOptions{})
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", id).Msg("resume failed")
			continue
		}
		if ok {
			resumed++
			r.log.Info().Str("job_id", id).Msg("resumed stale job")
		}
	}
	return resumed
}

func (r *Reaper) expireStuck(ctx context.Context) int {
	if r.jobTTL <= 0 {
		return 0
	}
	ids, err := r.store.ExpireJobs(ctx, r.now().Add(-r.jobTTL), msgExpired)
	if err != nil {
		r.log.Warn().Err(err).Msg("expire jobs failed")
		return 0
	}
	for _, id := range ids {
		r.failed(id, msgExpired)
	}
	return len(ids)
}

// cleanupRetained deletes chunks of jobs that finished more than the
// retention window ago. Rows are removed only for chunks whose data was
// deleted, so a failed delete is retried next sweep.
func (r *Reaper) cleanupRetained(ctx context.Context) int {
	if r.retention <= 0 {
		return 0
	}
	jobIDs, err := r.store.ListRetainedChunkJobs(ctx, r.now().Add(-r.retention), sweepBatch)
	if err != nil {
		r.log.Warn().Err(err).Msg("list retained chunk jobs failed")
		return 0
	}
	cleaned := 0
	for _, id := range jobIDs {
		records, err := r.store.ListChunks(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", id).Msg("list chunks failed")
			continue
		}
		if r.deleteChunks(ctx, id, records) > 0 {
			cleaned++
		}
	}
	return cleaned
}

// cleanupHardTTL deletes chunks older than the absolute limit regardless of
// job status. Active jobs that lose chunks this way are failed.
func (r *Reaper) cleanupHardTTL(ctx context.Context) int {
	if r.hardTTL <= 0 {
		return 0
	}
	records, err := r.store.ListChunksOlderThan(ctx, r.now().Add(-r.hardTTL), sweepBatch*5)
	if err != nil {
		r.log.Warn().Err(err).Msg("list expired chunks failed")
		return 0
	}

	byJob := make(map[string][]database.Chunk)
	var order []string
	for _, c := range records {
		if _, ok := byJob[c.JobID]; !ok {
			order = append(order, c.JobID)
		}
		byJob[c.JobID] = append(byJob[c.JobID], c)
	}

	deleted := 0
	for _, id := range order {
		n := r.deleteChunks(ctx, id, byJob[id])
		deleted += n
		if n == 0 {
			continue
		}
		ok, err := r.store.FailActiveJob(ctx, id, msgRetentionTTL)
		if err != nil {
			r.log.Warn().Err(err).Str("job_id", id).Msg("fail job after hard ttl failed")
			continue
		}
		if ok {
			r.failed(id, msgRetentionTTL)
		}
	}
	return deleted
}

func (r *Reaper) deleteChunks(ctx context.Context, jobID string, records []database.Chunk) int {
	indexes := make([]int, 0, len(records))
	for _, c := range records {
		key := c.StorageKey
		if key == "" {
			key = database.ChunkKey(c.JobID, c.Index)
		}
		if err := r.chunks.Delete(ctx, key); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("chunk delete failed")
			continue
		}
		indexes = append(indexes, c.Index)
	}
	if len(indexes) == 0 {
		return 0
	}
	if _, err := r.store.DeleteChunkRows(ctx, jobID, indexes); err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Msg("chunk row delete failed")
		return 0
	}
	return len(indexes)
}

// failed stops any local run of a job the reaper just failed and removes
// its working files.
func (r *Reaper) failed(jobID, msg string) {
	metrics.JobTransitionsTotal.WithLabelValues(string(database.StatusError)).Inc()
	r.events.PublishJob(context.Background(), events.JobEvent{
		JobID:  jobID,
		Status: string(database.StatusError),
		Error:  msg,
		At:     r.now().UTC(),
	})

	if r.runner.Abandon(jobID) {
		// The run removes its own directory on exit.
		return
	}
	if r.workDir == "" {
		return
	}
	if err := os.RemoveAll(filepath.Join(r.workDir, jobID)); err != nil {
		r.log.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove work dir")
	}
}
