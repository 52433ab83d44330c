package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// memStore is an in-memory ChunkStore used as a fake remote tier.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	saveErr error
}

func newMemStore() *memStore { return &memStore{objects: make(map[string][]byte)} }

func (m *memStore) Save(ctx context.Context, key string, data []byte) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func (m *memStore) Type() string { return "mem" }

func readAll(t *testing.T, s ChunkStore, key string) []byte {
	t.Helper()
	r, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open(%q): %v", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return data
}

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()
	key := "jobs/abc/chunks/000000"

	if err := s.Save(ctx, key, []byte("hello")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !s.Exists(ctx, key) {
		t.Fatal("Exists = false after Save")
	}
	if got := readAll(t, s, key); string(got) != "hello" {
		t.Errorf("data = %q, want %q", got, "hello")
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "jobs", "abc", "chunks"))
	for _, e := range entries {
		if isTempFile(e.Name()) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(ctx, key) {
		t.Error("Exists = true after Delete")
	}
	if _, err := os.Stat(filepath.Join(dir, "jobs")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty parent dirs not removed: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("store root removed: %v", err)
	}
}

func TestLocalStoreDeleteMissing(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	if err := s.Delete(context.Background(), "jobs/x/chunks/000001"); err != nil {
		t.Errorf("Delete missing = %v, want nil", err)
	}
}

func TestTieredStoreFallbackCachesLocally(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	remote := newMemStore()
	up := NewAsyncUploader(remote, 4, zerolog.Nop())
	s := NewTieredStore(local, remote, up, zerolog.Nop())
	ctx := context.Background()
	key := "jobs/j1/chunks/000003"

	remote.Save(ctx, key, []byte("from-remote"))
	if got := readAll(t, s, key); string(got) != "from-remote" {
		t.Errorf("data = %q", got)
	}
	if !local.Exists(ctx, key) {
		t.Error("remote hit was not cached locally")
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if local.Exists(ctx, key) || remote.Exists(ctx, key) {
		t.Error("Delete left a copy behind")
	}
}

func TestTieredStoreSaveBacksUp(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	remote := newMemStore()
	up := NewAsyncUploader(remote, 4, zerolog.Nop())
	up.Start()
	s := NewTieredStore(local, remote, up, zerolog.Nop())
	ctx := context.Background()

	if err := s.Save(ctx, "jobs/j2/chunks/000000", []byte("abc")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	up.Stop()

	if !local.Exists(ctx, "jobs/j2/chunks/000000") {
		t.Error("chunk missing locally")
	}
	if !remote.Exists(ctx, "jobs/j2/chunks/000000") {
		t.Error("chunk missing from backup after uploader drained")
	}
}

func TestUploadReconciler(t *testing.T) {
	local := NewLocalStore(t.TempDir())
	remote := newMemStore()
	ctx := context.Background()

	local.Save(ctx, "jobs/a/chunks/000000", []byte("a0"))
	local.Save(ctx, "jobs/a/chunks/000001", []byte("a1"))
	remote.Save(ctx, "jobs/a/chunks/000001", []byte("a1"))

	r := NewUploadReconciler(local, remote, zerolog.Nop())
	if n := r.Reconcile(); n != 1 {
		t.Errorf("uploaded = %d, want 1", n)
	}
	if !remote.Exists(ctx, "jobs/a/chunks/000000") {
		t.Error("missing chunk not re-uploaded")
	}
	if n := r.Reconcile(); n != 0 {
		t.Errorf("second pass uploaded = %d, want 0", n)
	}
}

func TestWorkDirPruner(t *testing.T) {
	root := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{"stale", "live", "fresh"} {
		dir := filepath.Join(root, name)
		os.MkdirAll(dir, 0o755)
		os.WriteFile(filepath.Join(dir, "audio.mp3"), []byte("x"), 0o644)
		if name != "fresh" {
			os.Chtimes(dir, old, old)
		}
	}

	p := NewWorkDirPruner(root, time.Hour, func(id string) bool { return id == "live" }, zerolog.Nop())
	if n := p.Prune(); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	for name, want := range map[string]bool{"stale": false, "live": true, "fresh": true} {
		_, err := os.Stat(filepath.Join(root, name))
		if got := err == nil; got != want {
			t.Errorf("%s exists = %v, want %v", name, got, want)
		}
	}
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := humanizeBytes(tt.in); got != tt.want {
			t.Errorf("humanizeBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
