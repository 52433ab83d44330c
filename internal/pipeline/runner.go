package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/snarg/transcriptd/internal/cache"
	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/events"
	"github.com/snarg/transcriptd/internal/media"
	"github.com/snarg/transcriptd/internal/metrics"
	"github.com/snarg/transcriptd/internal/storage"
	"github.com/snarg/transcriptd/internal/transcribe"
)

var tracer = otel.Tracer("transcriptd/pipeline")

// errClaimLost means another worker owns the job or it left processing
// while this run was working. The run is abandoned without touching the row.
var errClaimLost = errors.New("processing claim lost")

// Transcoder converts assembled media and splits it into segments.
type Transcoder interface {
	Convert(ctx context.Context, ctl media.Controller, inputPath, outDir string) (string, error)
	Segment(ctx context.Context, ctl media.Controller, audioPath, outDir string) ([]media.Segment, error)
}

// Transcriber turns segments into one merged transcript.
type Transcriber interface {
	TranscribeSegments(ctx context.Context, c transcribe.Canceler, segments []media.Segment, opts transcribe.TranscribeOpts) (*transcribe.Result, error)
}

type RunnerOptions struct {
	Store       Store
	Chunks      storage.ChunkStore
	Transcoder  Transcoder
	Transcriber Transcriber
	Cache       cache.Transcripts // optional
	Events      events.Publisher  // optional

	WorkerID           string // generated when empty
	WorkDir            string
	Workers            int
	HeartbeatInterval  time.Duration
	StaleAfter         time.Duration
	DefaultLanguage    string
	MaxDurationMinutes int
	Log                zerolog.Logger
}

// Runner claims jobs and runs assemble → convert → segment → transcribe →
// store for each. Mutual exclusion between workers comes from the
// repository's conditional claim; the semaphore only bounds local
// concurrency.
type Runner struct {
	store       Store
	assembler   *Assembler
	transcoder  Transcoder
	transcriber Transcriber
	cache       cache.Transcripts
	events      events.Publisher

	workerID        string
	workDir         string
	heartbeat       time.Duration
	staleAfter      time.Duration
	defaultLanguage string
	maxMinutes      int
	sem             chan struct{}
	log             zerolog.Logger

	mu       sync.Mutex
	active   map[string]*processingState
	stopping bool
	wg       sync.WaitGroup
}

func NewRunner(opts RunnerOptions) *Runner {
	workerID := opts.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = 15 * time.Second
	}
	stale := opts.StaleAfter
	if stale <= hb {
		stale = 4 * hb
	}
	ev := opts.Events
	if ev == nil {
		ev = events.Nop{}
	}

	return &Runner{
		store:           opts.Store,
		assembler:       NewAssembler(opts.Store, opts.Chunks),
		transcoder:      opts.Transcoder,
		transcriber:     opts.Transcriber,
		cache:           opts.Cache,
		events:          ev,
		workerID:        workerID,
		workDir:         opts.WorkDir,
		heartbeat:       hb,
		staleAfter:      stale,
		defaultLanguage: opts.DefaultLanguage,
		maxMinutes:      opts.MaxDurationMinutes,
		sem:             make(chan struct{}, workers),
		log:             opts.Log.With().Str("component", "runner").Str("worker_id", workerID).Logger(),
		active:          make(map[string]*processingState),
	}
}

func (r *Runner) WorkerID() string { return r.workerID }

// StaleAfter is the heartbeat age after which a claim may be taken over.
func (r *Runner) StaleAfter() time.Duration { return r.staleAfter }

// Dispatch tries to claim jobID and, on success, runs it in the background.
// It reports false without error when another worker holds a live claim,
// the job is not claimable, or the runner is stopping.
func (r *Runner) Dispatch(ctx context.Context, jobID string, live RunOptions) (bool, error) {
	r.mu.Lock()
	if r.stopping || r.active[jobID] != nil {
		r.mu.Unlock()
		return false, nil
	}
	r.wg.Add(1)
	r.mu.Unlock()

	job, err := r.store.ClaimJob(ctx, jobID, r.workerID, time.Now().Add(-r.staleAfter))
	if err != nil || job == nil {
		r.wg.Done()
		return false, err
	}

	st := newProcessingState(job.ID, job.UserID)
	r.mu.Lock()
	r.active[job.ID] = st
	if r.stopping {
		st.abort(reasonShutdown)
	}
	r.mu.Unlock()

	metrics.JobTransitionsTotal.WithLabelValues(string(database.StatusProcessing)).Inc()
	r.publish(job, database.StatusProcessing, "")

	go r.run(st, job, live)
	return true, nil
}

// Cancel flags a local run as canceled and wakes its monitor, which kills
// the live subprocess. The job row must already be canceled.
func (r *Runner) Cancel(jobID string) bool {
	return r.abortLocal(jobID, reasonCanceled)
}

// Abandon flags a local run as lost so it stops without writing its
// outcome, for jobs another component already moved to a terminal status.
func (r *Runner) Abandon(jobID string) bool {
	return r.abortLocal(jobID, reasonLost)
}

func (r *Runner) abortLocal(jobID string, reason abortReason) bool {
	r.mu.Lock()
	st := r.active[jobID]
	r.mu.Unlock()
	if st == nil {
		return false
	}
	st.abort(reason)
	return true
}

// Active reports whether jobID is being run by this process.
func (r *Runner) Active(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[jobID] != nil
}

func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Stop aborts every local run and waits for them to release their claims so
// another node can take over without waiting for staleness.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	states := make([]*processingState, 0, len(r.active))
	for _, st := range r.active {
		states = append(states, st)
	}
	r.mu.Unlock()

	r.log.Info().Int("active_runs", len(states)).Msg("runner stopping")
	for _, st := range states {
		st.abort(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(st *processingState, job *database.Job, live RunOptions) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.active, st.jobID)
		r.mu.Unlock()
	}()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	log := r.log.With().Str("job_id", job.ID).Logger()
	log.Info().Str("user_id", job.UserID).Msg("job claimed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan struct{})
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		r.monitor(st, cancel, stop, log)
	}()

	workDir := filepath.Join(r.workDir, job.ID)
	err := r.acquire(st)
	if err == nil {
		err = r.processRecovered(ctx, st, job, live, workDir, log)
		<-r.sem
	}

	close(stop)
	<-monitorDone

	if rmErr := os.RemoveAll(workDir); rmErr != nil {
		log.Warn().Err(rmErr).Msg("failed to remove work dir")
	}
	r.finish(st, job, err, log)
}

// processRecovered turns a panic anywhere in the run into an ordinary
// failure so the job is finished and the process keeps serving.
func (r *Runner) processRecovered(ctx context.Context, st *processingState, job *database.Job, live RunOptions, workDir string, log zerolog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("panic during job run")
			err = fmt.Errorf("panic during job run: %v", p)
		}
	}()
	return r.process(ctx, st, job, live, workDir)
}

func (r *Runner) acquire(st *processingState) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-st.Done():
		return ErrCanceled
	}
}

// monitor heartbeats the claim on a fixed interval, with one tick right
// away, until stop is closed. An abort from any source wakes it through
// st.Done(), and it is the only caller of st.kill.
func (r *Runner) monitor(st *processingState, cancel context.CancelFunc, stop <-chan struct{}, log zerolog.Logger) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	r.beat(st, log)
	for {
		select {
		case <-stop:
			return
		case <-st.Done():
			st.kill()
			cancel()
			return
		case <-ticker.C:
			r.beat(st, log)
		}
	}
}

func (r *Runner) beat(st *processingState, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := r.store.GetJob(ctx, st.jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			st.abort(reasonLost)
			return
		}
		log.Warn().Err(err).Msg("heartbeat read failed")
		return
	}

	switch {
	case job.Status == database.StatusCanceled:
		log.Info().Msg("cancellation observed, stopping run")
		st.abort(reasonCanceled)
	case job.Status != database.StatusProcessing:
		// Completed by this run, or expired by the reaper.
		st.abort(reasonLost)
	default:
		ok, err := r.store.Heartbeat(ctx, st.jobID, r.workerID)
		if err != nil {
			log.Warn().Err(err).Msg("heartbeat write failed")
			return
		}
		if !ok {
			log.Warn().Msg("claim lost to another worker")
			st.abort(reasonLost)
		}
	}
}

func (r *Runner) process(ctx context.Context, st *processingState, job *database.Job, live RunOptions, workDir string) error {
	opts := resolveOptions(live, job, r.defaultLanguage, r.maxMinutes)

	ctx, span := tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("worker.id", r.workerID),
	))
	defer span.End()

	var input string
	err := r.phase(ctx, st, "assemble", func(ctx context.Context) (err error) {
		input, err = r.assembler.Assemble(ctx, st, job, workDir)
		return err
	})
	if err != nil {
		return err
	}

	if opts.exceedsDuration(job.DurationMs) {
		return newError(KindValidation, CodeDurationExceeded,
			"media is longer than the %d minute limit", opts.MaxMinutes)
	}

	var audio string
	err = r.phase(ctx, st, "convert", func(ctx context.Context) (err error) {
		audio, err = r.transcoder.Convert(ctx, st, input, workDir)
		return err
	})
	if err != nil {
		return err
	}

	var segments []media.Segment
	err = r.phase(ctx, st, "segment", func(ctx context.Context) (err error) {
		segments, err = r.transcoder.Segment(ctx, st, audio, workDir)
		return err
	})
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("segments", len(segments)))

	var result *transcribe.Result
	err = r.phase(ctx, st, "transcribe", func(ctx context.Context) (err error) {
		result, err = r.transcriber.TranscribeSegments(ctx, st, segments, transcribe.TranscribeOpts{Language: opts.Language})
		return err
	})
	if err != nil {
		return err
	}

	t := buildTranscript(job, result)
	return r.phase(ctx, st, "store", func(ctx context.Context) error {
		ok, err := r.store.CompleteJob(ctx, job.ID, r.workerID, t)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if !ok {
			return errClaimLost
		}
		if r.cache != nil {
			r.cache.Put(ctx, t)
		}
		return nil
	})
}

// phase runs one step of the sequence, checking the cancellation flag first.
func (r *Runner) phase(ctx context.Context, st *processingState, name string, fn func(context.Context) error) error {
	if st.Canceled() {
		return ErrCanceled
	}
	ctx, span := tracer.Start(ctx, "phase."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	return err
}

func buildTranscript(job *database.Job, res *transcribe.Result) *database.Transcript {
	cues := res.Cues
	if cues == nil {
		cues = []database.Cue{}
	}
	duration := job.DurationMs
	if duration == nil && len(cues) > 0 {
		end := cues[len(cues)-1].EndMs
		duration = &end
	}
	return &database.Transcript{
		UserID:             job.UserID,
		Fingerprint:        job.Fingerprint,
		Provider:           job.Provider,
		MediaURL:           job.MediaURL,
		MediaURLNormalized: job.MediaURLNormalized,
		DurationMs:         duration,
		Text:               res.Text,
		Segments:           cues,
	}
}

// finish persists the outcome of a run. Cancellation always wins over any
// other error classification.
func (r *Runner) finish(st *processingState, job *database.Job, err error, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	elapsed := time.Since(st.startedAt)

	if err == nil {
		log.Info().Dur("elapsed", elapsed).Msg("job done")
		metrics.JobTransitionsTotal.WithLabelValues(string(database.StatusDone)).Inc()
		r.publish(job, database.StatusDone, "")
		return
	}

	switch st.Reason() {
	case reasonShutdown:
		ok, rerr := r.store.ReleaseClaim(ctx, job.ID, r.workerID)
		if rerr != nil {
			log.Error().Err(rerr).Msg("failed to release claim on shutdown")
		} else if ok {
			log.Info().Msg("run interrupted by shutdown, claim released")
		}
		return
	case reasonLost:
		log.Warn().Err(err).Msg("run abandoned, job no longer owned by this worker")
		return
	}
	if errors.Is(err, errClaimLost) {
		log.Warn().Msg("run finished but claim was lost, result discarded")
		return
	}

	status, msg := database.StatusError, userMessage(err)
	if st.Reason() == reasonCanceled || errors.Is(err, ErrCanceled) {
		status, msg = database.StatusCanceled, "Canceled"
	}

	var cmdErr *media.CommandError
	evt := log.Warn().Err(err).Str("status", string(status)).Dur("elapsed", elapsed)
	if errors.As(err, &cmdErr) {
		evt = evt.Strs("args", cmdErr.Args).Str("stderr", cmdErr.Stderr)
	}
	evt.Msg("job run failed")

	ok, ferr := r.store.FinishJob(ctx, job.ID, r.workerID, status, msg)
	if ferr != nil {
		log.Error().Err(ferr).Msg("failed to record job outcome")
		return
	}
	if ok {
		metrics.JobTransitionsTotal.WithLabelValues(string(status)).Inc()
		r.publish(job, status, msg)
	}
}

func (r *Runner) publish(job *database.Job, status database.Status, msg string) {
	r.events.PublishJob(context.Background(), events.JobEvent{
		JobID:  job.ID,
		UserID: job.UserID,
		Status: string(status),
		Error:  msg,
		At:     time.Now().UTC(),
	})
}
