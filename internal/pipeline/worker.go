package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/transchord/internal/inference"
	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// reportTimeout bounds a chunk report. Reports run on a context detached from the task's,
// so a chunk whose deadline has passed is still counted.
const reportTimeout = 10 * time.Second

// reportContext derives the context a chunk report runs on from the task context.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
}

// Worker translates one chunk at a time.
type Worker struct {
	provider models.InferenceProvider
	barrier  *Barrier
	log      *slog.Logger
}

// NewWorker creates a Worker. provider should already carry the retry policy.
func NewWorker(provider models.InferenceProvider, barrier *Barrier, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{provider: provider, barrier: barrier, log: log}
}

// ResultPath is where the encrypted translation of a chunk is stored.
func ResultPath(chunkPath string) string {
	return strings.TrimSuffix(chunkPath, filepath.Ext(chunkPath)) + ".translated.enc"
}

// Process translates the chunk and reports the outcome to the barrier. Every path through
// Process, panics included, reports exactly once. Chunk failures are returned as data in
// the result; the error is non-nil only when the report itself could not be stored.
func (w *Worker) Process(ctx context.Context, p ChunkPayload, tok Token) (result models.ChunkResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic while processing chunk", "job_id", p.JobID, "chunk_index", p.Index, "error", r)
			result = models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkError, Message: fmt.Sprintf("panic: %v", r)}
		}
		rctx, cancel := reportContext(ctx)
		defer cancel()
		err = w.barrier.Report(rctx, p, result)
	}()

	result = w.translate(ctx, p, tok)
	return result, nil
}

func (w *Worker) translate(ctx context.Context, p ChunkPayload, tok Token) models.ChunkResult {
	log := w.log.With("job_id", p.JobID, "chunk_index", p.Index)
	aborted := models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkAborted}
	fail := func(err error) models.ChunkResult {
		log.Error("chunk failed", "error", err)
		return models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkError, Message: err.Error()}
	}

	if w.aborted(ctx, tok, log) {
		log.Info("job aborted, skipping chunk")
		return aborted
	}

	raw, err := os.ReadFile(p.ChunkPath)
	if err != nil {
		return fail(fmt.Errorf("read chunk: %w", err))
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkEmpty}
	}

	prompt := BuildPrompt(p.Lang, text)

	if w.aborted(ctx, tok, log) {
		log.Info("job aborted before inference")
		return aborted
	}

	translated, err := w.provider.Generate(inference.WithLogger(ctx, log), prompt)
	if err != nil {
		return fail(fmt.Errorf("%s: %w", w.provider.Name(), err))
	}

	out := ResultPath(p.ChunkPath)
	if err := vault.EncryptFile(out, translated, p.Key); err != nil {
		return fail(fmt.Errorf("store result: %w", err))
	}

	log.Info("chunk translated", "bytes_in", len(raw), "bytes_out", len(translated))
	return models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkSuccess, ResultPath: out}
}

// aborted polls the token. A store error is logged and treated as not aborted.
func (w *Worker) aborted(ctx context.Context, tok Token, log *slog.Logger) bool {
	if tok == nil {
		return false
	}
	ok, err := tok.Aborted(ctx)
	if err != nil {
		log.Warn("abort check failed", "error", err)
		return false
	}
	return ok
}
