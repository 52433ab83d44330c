package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snarg/transcriptd/internal/cache"
	"github.com/snarg/transcriptd/internal/config"
	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/media"
	"github.com/snarg/transcriptd/internal/transcribe"
)

// memStore is an in-memory Store. Conditional updates hold the mutex for
// their whole check-and-set, matching the single-statement semantics of
// the SQL repository.
type memStore struct {
	mu          sync.Mutex
	jobs        map[string]*database.Job
	chunks      map[string]map[int]database.Chunk
	transcripts map[string]*database.Transcript
}

func newMemStore() *memStore {
	return &memStore{
		jobs:        make(map[string]*database.Job),
		chunks:      make(map[string]map[int]database.Chunk),
		transcripts: make(map[string]*database.Transcript),
	}
}

func ptr[T any](v T) *T { return &v }

func clone(j *database.Job) *database.Job {
	c := *j
	return &c
}

func isActive(s database.Status) bool { return !s.Terminal() }

func (m *memStore) job(id string) *database.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return clone(j)
	}
	return nil
}

func (m *memStore) update(id string, fn func(j *database.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.jobs[id])
}

func (m *memStore) jobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func (m *memStore) CreateJob(_ context.Context, j *database.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	c := clone(j)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.jobs[c.ID] = c
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*database.Job, error) {
	if j := m.job(id); j != nil {
		return j, nil
	}
	return nil, database.ErrNotFound
}

func (m *memStore) FindActiveJob(_ context.Context, userID, fingerprint string) (*database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *database.Job
	for _, j := range m.jobs {
		if j.UserID == userID && j.Fingerprint == fingerprint && isActive(j.Status) {
			if found == nil || j.CreatedAt.After(found.CreatedAt) {
				found = j
			}
		}
	}
	if found == nil {
		return nil, database.ErrNotFound
	}
	return clone(found), nil
}

func (m *memStore) CountJobsSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.UserID == userID && !j.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountActiveJobs(_ context.Context, userID string) (int, error) {
	jobs, _ := m.ListActiveJobs(context.Background(), userID)
	return len(jobs), nil
}

func (m *memStore) ListActiveJobs(_ context.Context, userID string) ([]*database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.Job
	for _, j := range m.jobs {
		if j.UserID == userID && isActive(j.Status) {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *memStore) SetExpectedChunks(_ context.Context, id string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return 0, database.ErrNotFound
	}
	if j.ExpectedChunks == nil {
		j.ExpectedChunks = ptr(n)
	}
	return *j.ExpectedChunks, nil
}

func (m *memStore) SetJobOptions(_ context.Context, id string, lang *string, maxMinutes *int) error {
	m.update(id, func(j *database.Job) {
		if lang != nil {
			j.LanguageHint = ptr(*lang)
		}
		if maxMinutes != nil {
			j.MaxMinutes = ptr(*maxMinutes)
		}
	})
	return nil
}

func (m *memStore) AdvanceStatus(_ context.Context, id string, from []database.Status, to database.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if j.Status == s {
			j.Status = to
			j.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) terminate(j *database.Job, status database.Status, msg string) {
	now := time.Now()
	j.Status = status
	j.Error = ptr(msg)
	j.WorkerID = nil
	j.UpdatedAt = now
	j.FinishedAt = &now
}

func (m *memStore) CancelJob(_ context.Context, id, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !isActive(j.Status) {
		return false, nil
	}
	now := time.Now()
	j.Status = database.StatusCanceled
	j.Error = ptr(msg)
	j.UpdatedAt = now
	j.FinishedAt = &now
	return true, nil
}

func (m *memStore) ClaimJob(_ context.Context, id, workerID string, staleBefore time.Time) (*database.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	if j.Status != database.StatusUploaded && !j.Stale(staleBefore) {
		return nil, nil
	}
	now := time.Now()
	j.Status = database.StatusProcessing
	j.WorkerID = ptr(workerID)
	j.ProcessingStartedAt = &now
	j.HeartbeatAt = &now
	j.UpdatedAt = now
	return clone(j), nil
}

func (m *memStore) owned(id, workerID string) *database.Job {
	j, ok := m.jobs[id]
	if !ok || j.Status != database.StatusProcessing || j.WorkerID == nil || *j.WorkerID != workerID {
		return nil
	}
	return j
}

func (m *memStore) Heartbeat(_ context.Context, id, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	now := time.Now()
	j.HeartbeatAt = &now
	return true, nil
}

func (m *memStore) FinishJob(_ context.Context, id, workerID string, status database.Status, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	m.terminate(j, status, msg)
	return true, nil
}

func (m *memStore) ReleaseClaim(_ context.Context, id, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	j.WorkerID = nil
	j.HeartbeatAt = nil
	return true, nil
}

func (m *memStore) CompleteJob(_ context.Context, id, workerID string, t *database.Transcript) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.owned(id, workerID)
	if j == nil {
		return false, nil
	}
	m.terminate(j, database.StatusDone, "")
	j.Error = nil
	m.upsertLocked(t)
	return true, nil
}

func (m *memStore) ListStaleProcessing(_ context.Context, staleBefore time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if j.Stale(staleBefore) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ExpireJobs(_ context.Context, createdBefore time.Time, msg string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if isActive(j.Status) && j.CreatedAt.Before(createdBefore) {
			m.terminate(j, database.StatusError, msg)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) FailActiveJob(_ context.Context, id, msg string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !isActive(j.Status) {
		return false, nil
	}
	m.terminate(j, database.StatusError, msg)
	return true, nil
}

func (m *memStore) RecordChunk(_ context.Context, c *database.Chunk, maxBytes int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[c.JobID]
	if !ok {
		return false, database.ErrNotFound
	}
	if m.chunks[c.JobID] == nil {
		m.chunks[c.JobID] = make(map[int]database.Chunk)
	}
	if _, dup := m.chunks[c.JobID][c.Index]; dup {
		return false, nil
	}
	if j.BytesReceived+c.SizeBytes > maxBytes {
		return false, database.ErrByteLimit
	}
	rec := *c
	rec.CreatedAt = time.Now()
	m.chunks[c.JobID][c.Index] = rec
	j.BytesReceived += c.SizeBytes
	return true, nil
}

func (m *memStore) ChunkExists(_ context.Context, jobID string, index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.chunks[jobID][index]
	return ok, nil
}

func (m *memStore) ChunkStats(_ context.Context, jobID string) (database.ChunkStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := database.ChunkStats{MinIndex: -1, MaxIndex: -1}
	for i := range m.chunks[jobID] {
		if s.Count == 0 || i < s.MinIndex {
			s.MinIndex = i
		}
		if s.Count == 0 || i > s.MaxIndex {
			s.MaxIndex = i
		}
		s.Count++
	}
	return s, nil
}

func (m *memStore) ListChunks(_ context.Context, jobID string) ([]database.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Chunk
	for _, c := range m.chunks[jobID] {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out, nil
}

func (m *memStore) ListRetainedChunkJobs(_ context.Context, finishedBefore time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(finishedBefore) && len(m.chunks[id]) > 0 && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) ListChunksOlderThan(_ context.Context, before time.Time, limit int) ([]database.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.Chunk
	for _, byIndex := range m.chunks {
		for _, c := range byIndex {
			if c.CreatedAt.Before(before) && len(out) < limit {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (m *memStore) DeleteChunkRows(_ context.Context, jobID string, indexes []int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if indexes == nil {
		n := int64(len(m.chunks[jobID]))
		delete(m.chunks, jobID)
		return n, nil
	}
	var n int64
	for _, i := range indexes {
		if _, ok := m.chunks[jobID][i]; ok {
			delete(m.chunks[jobID], i)
			n++
		}
	}
	return n, nil
}

func (m *memStore) GetTranscript(_ context.Context, userID, fingerprint string) (*database.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[userID+"|"+fingerprint]
	if !ok {
		return nil, database.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *memStore) UpsertTranscript(_ context.Context, t *database.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked(t)
	return nil
}

func (m *memStore) upsertLocked(t *database.Transcript) {
	key := t.UserID + "|" + t.Fingerprint
	now := time.Now()
	if prev, ok := m.transcripts[key]; ok {
		t.ID = prev.ID
		t.CreatedAt = prev.CreatedAt
	} else {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	c := *t
	m.transcripts[key] = &c
}

// memChunks is an in-memory ChunkStore.
type memChunks struct {
	mu      sync.Mutex
	data    map[string][]byte
	saveErr error
}

func newMemChunks() *memChunks {
	return &memChunks{data: make(map[string][]byte)}
}

func (m *memChunks) Save(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memChunks) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(d)), nil
}

func (m *memChunks) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memChunks) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memChunks) Type() string { return "memory" }

func (m *memChunks) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// fakeTranscoder copies its input to audio.mp3. With block set, Convert
// waits until the run is canceled.
type fakeTranscoder struct {
	mu         sync.Mutex
	block      bool
	convertErr error
	started    chan struct{}
	inputs     [][]byte
}

func newFakeTranscoder() *fakeTranscoder {
	return &fakeTranscoder{started: make(chan struct{}, 16)}
}

func (f *fakeTranscoder) Convert(ctx context.Context, ctl media.Controller, input, outDir string) (string, error) {
	if ctl.Canceled() {
		return "", media.ErrCanceled
	}
	data, err := os.ReadFile(input)
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, "audio.mp3")
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.inputs = append(f.inputs, data)
	block, convertErr := f.block, f.convertErr
	f.mu.Unlock()

	select {
	case f.started <- struct{}{}:
	default:
	}
	if block {
		for !ctl.Canceled() {
			select {
			case <-ctx.Done():
				return "", media.ErrCanceled
			case <-time.After(5 * time.Millisecond):
			}
		}
		return "", media.ErrCanceled
	}
	if convertErr != nil {
		return "", convertErr
	}
	return out, nil
}

func (f *fakeTranscoder) Segment(_ context.Context, ctl media.Controller, audio, _ string) ([]media.Segment, error) {
	if ctl.Canceled() {
		return nil, media.ErrCanceled
	}
	return []media.Segment{{Path: audio, OffsetMs: 0}}, nil
}

func (f *fakeTranscoder) lastInput() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inputs) == 0 {
		return nil
	}
	return f.inputs[len(f.inputs)-1]
}

type fakeTranscriber struct {
	mu        sync.Mutex
	calls     int
	language  string
	err       error
	panicWith any
}

func (f *fakeTranscriber) TranscribeSegments(_ context.Context, c transcribe.Canceler, segments []media.Segment, opts transcribe.TranscribeOpts) (*transcribe.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.language = opts.Language
	if c.Canceled() {
		return nil, media.ErrCanceled
	}
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &transcribe.Result{
		Text: "hello world",
		Cues: []database.Cue{{StartMs: 0, EndMs: 1500, Text: "hello world"}},
	}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	store       *memStore
	chunks      *memChunks
	transcoder  *fakeTranscoder
	transcriber *fakeTranscriber
	runner      *Runner
	coord       *Coordinator
	workDir     string
}

func testLimits() config.Limits {
	return config.Limits{
		MaxJobsPerDay:      50,
		MaxActiveJobs:      10,
		MaxUploadBytes:     1 << 20,
		MaxChunkBytes:      1 << 16,
		MaxChunks:          100,
		MaxDurationMinutes: 240,
	}
}

func newTestEnv(t *testing.T, limits config.Limits) *testEnv {
	t.Helper()
	env := &testEnv{
		store:       newMemStore(),
		chunks:      newMemChunks(),
		transcoder:  newFakeTranscoder(),
		transcriber: &fakeTranscriber{},
		workDir:     t.TempDir(),
	}
	transcripts := cache.NewMemoryTranscripts(time.Minute, 100)
	env.runner = NewRunner(RunnerOptions{
		Store:             env.store,
		Chunks:            env.chunks,
		Transcoder:        env.transcoder,
		Transcriber:       env.transcriber,
		Cache:             transcripts,
		WorkerID:          "worker-a",
		WorkDir:           env.workDir,
		Workers:           2,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        time.Second,
		DefaultLanguage:   "en",
		Log:               zerolog.Nop(),
	})
	env.coord = NewCoordinator(CoordinatorOptions{
		Store:  env.store,
		Chunks: env.chunks,
		Runner: env.runner,
		Cache:  transcripts,
		Limits: limits,
		Log:    zerolog.Nop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.runner.Stop(ctx)
	})
	return env
}

const testUser = "user-1"

func (env *testEnv) createJob(t *testing.T, fp string, expected *int) string {
	t.Helper()
	ref, err := env.coord.CreateJob(context.Background(), testUser, CreateRequest{
		Fingerprint:    fp,
		MediaURL:       "https://media.example.com/lecture.mp4?token=secret",
		ExpectedChunks: expected,
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	return ref.JobID
}

func (env *testEnv) upload(t *testing.T, jobID string, index int, data []byte) *ChunkResult {
	t.Helper()
	res, err := env.coord.UploadChunk(context.Background(), testUser, jobID, index, data, nil)
	if err != nil {
		t.Fatalf("UploadChunk(%d) error = %v", index, err)
	}
	return res
}

// waitStatus polls until the job reaches want or the deadline passes.
func (env *testEnv) waitStatus(t *testing.T, jobID string, want database.Status) *database.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		j := env.store.job(jobID)
		if j != nil && j.Status == want {
			return j
		}
		if time.Now().After(deadline) {
			got := database.Status("<missing>")
			if j != nil {
				got = j.Status
			}
			t.Fatalf("job %s status = %s, want %s", jobID, got, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitStarted(t *testing.T, f *fakeTranscoder) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("transcoder was never invoked")
	}
}

func isCode(err error, code string) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == code
}

var errBoom = errors.New("boom")
