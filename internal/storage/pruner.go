package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// WorkDirPruner removes per-job working directories left behind by crashed
// processes. Each job run owns WORK_DIR/<job_id>; a live run's directory is
// skipped via the active callback.
type WorkDirPruner struct {
	root   string
	maxAge time.Duration
	active func(jobID string) bool
	log    zerolog.Logger
}

// NewWorkDirPruner creates a pruner for directories under root older than maxAge.
// active may be nil.
func NewWorkDirPruner(root string, maxAge time.Duration, active func(string) bool, log zerolog.Logger) *WorkDirPruner {
	return &WorkDirPruner{
		root:   root,
		maxAge: maxAge,
		active: active,
		log:    log.With().Str("component", "workdir-pruner").Logger(),
	}
}

// Prune removes stale job directories and returns how many were removed.
func (p *WorkDirPruner) Prune() int {
	if p.maxAge <= 0 {
		return 0
	}
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-p.maxAge)
	var pruned int
	var freed int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if p.active != nil && p.active(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(p.root, e.Name())
		size := dirSize(path)
		if err := os.RemoveAll(path); err != nil {
			p.log.Warn().Err(err).Str("dir", path).Msg("failed to remove stale work dir")
			continue
		}
		pruned++
		freed += size
	}

	if pruned > 0 {
		p.log.Info().
			Int("pruned", pruned).
			Str("freed", humanizeBytes(freed)).
			Msg("work dir prune complete")
	}
	return pruned
}

func dirSize(path string) int64 {
	var total int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func humanizeBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
