package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/snarg/transcriptd/internal/database"
	"github.com/snarg/transcriptd/internal/storage"
	"github.com/snarg/transcriptd/internal/transcribe"
)

// Assembler rebuilds the uploaded byte stream from stored chunks.
type Assembler struct {
	index  ChunkIndex
	chunks storage.ChunkStore
}

func NewAssembler(index ChunkIndex, chunks storage.ChunkStore) *Assembler {
	return &Assembler{index: index, chunks: chunks}
}

// Assemble writes every chunk of job, in index order, to dir/input and
// returns the file path. Chunks are streamed one at a time so memory use is
// bounded by a single copy buffer. Cancellation is checked between chunks.
func (a *Assembler) Assemble(ctx context.Context, c transcribe.Canceler, job *database.Job, dir string) (string, error) {
	records, err := a.index.ListChunks(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("list chunks: %w", err)
	}
	if len(records) == 0 {
		return "", newError(KindState, CodeMissingUpload, "no uploaded data found for this job")
	}
	if job.ExpectedChunks != nil && len(records) != *job.ExpectedChunks {
		return "", newError(KindState, CodeIncompleteUpload,
			"upload incomplete: %d of %d chunks stored", len(records), *job.ExpectedChunks)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(dir, "input")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create input file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)
	for _, rec := range records {
		if c.Canceled() {
			return "", ErrCanceled
		}
		if err := a.copyChunk(ctx, w, rec); err != nil {
			return "", err
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush input file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close input file: %w", err)
	}
	return path, nil
}

func (a *Assembler) copyChunk(ctx context.Context, w io.Writer, rec database.Chunk) error {
	key := rec.StorageKey
	if key == "" {
		key = database.ChunkKey(rec.JobID, rec.Index)
	}
	r, err := a.chunks.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("open chunk %d: %w", rec.Index, err)
	}
	defer r.Close()

	n, err := io.Copy(w, r)
	if err != nil {
		return fmt.Errorf("copy chunk %d: %w", rec.Index, err)
	}
	if n != rec.SizeBytes {
		return fmt.Errorf("chunk %d: read %d bytes, recorded %d", rec.Index, n, rec.SizeBytes)
	}
	return nil
}
