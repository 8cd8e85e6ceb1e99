package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/transchord/internal/store"
	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// maxLogMessage bounds each chunk message written to the diagnostic log.
const maxLogMessage = 500

var chunkIndexRe = regexp.MustCompile(`_chunk_(\d+)(?:\.[^._/\\]+)*$`)

// Aggregator joins a job's chunk results into the final artifact.
type Aggregator struct {
	store    ProgressStore
	ledger   store.Store
	settings Settings
	log      *slog.Logger
}

func NewAggregator(st ProgressStore, ledger store.Store, settings Settings, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: st, ledger: ledger, settings: settings, log: log}
}

// FinalPath is where the job's encrypted translation is written.
func FinalPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+"_final.txt.enc")
}

// LogPath is where the job's diagnostic log is written.
func LogPath(dir, jobID string) string {
	return filepath.Join(dir, jobID+"_log.json")
}

// ChunkIndex parses the chunk index from a chunk or result path. ok is false when the
// path does not name a chunk.
func ChunkIndex(path string) (index int, ok bool) {
	m := chunkIndexRe.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// SortResults returns results ordered by chunk index. Results whose path carries no
// index keep their relative order after all indexed ones.
func SortResults(results []models.ChunkResult) []models.ChunkResult {
	type keyed struct {
		idx int
		res models.ChunkResult
	}
	ks := make([]keyed, len(results))
	for i, r := range results {
		path := r.InputPath
		if path == "" {
			path = r.ResultPath
		}
		idx, ok := ChunkIndex(path)
		if !ok {
			idx = math.MaxInt
		}
		ks[i] = keyed{idx: idx, res: r}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].idx < ks[j].idx })

	out := make([]models.ChunkResult, len(ks))
	for i, k := range ks {
		out[i] = k.res
	}
	return out
}

// ErrorMarker is the text that stands in for a chunk that produced no translation.
func ErrorMarker(r models.ChunkResult) string {
	name := filepath.Base(r.InputPath)
	if r.InputPath == "" {
		name = "unknown"
	}
	return fmt.Sprintf("\n--- [ERROR IN CHUNK %s: %s] ---\n", name, r.Status)
}

// Aggregate decrypts the successful chunks in index order, writes the final encrypted
// artifact and the diagnostic log, and shortens the job's progress record.
// Failed and aborted chunks keep their position as a visible marker.
func (a *Aggregator) Aggregate(ctx context.Context, results []models.ChunkResult, jobID string, key vault.Key) (*models.AggregateResult, error) {
	if err := os.MkdirAll(a.settings.ResultsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create results dir: %w", err)
	}

	sorted := SortResults(results)
	pieces := make([]string, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	workers := a.settings.DecryptWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, r := range sorted {
		switch {
		case r.Status == models.ChunkSuccess && r.ResultPath != "":
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				text, err := vault.DecryptFile(r.ResultPath, key)
				if err != nil {
					return fmt.Errorf("decrypt %s: %w", filepath.Base(r.ResultPath), err)
				}
				pieces[i] = text
				return nil
			})
		case r.Status == models.ChunkEmpty:
			pieces[i] = ""
		default:
			pieces[i] = ErrorMarker(r)
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	finalPath := FinalPath(a.settings.ResultsDir, jobID)
	if err := vault.EncryptFile(finalPath, strings.Join(pieces, "\n"), key); err != nil {
		return nil, fmt.Errorf("write final artifact: %w", err)
	}

	logPath := LogPath(a.settings.ResultsDir, jobID)
	if err := writeLog(logPath, sorted); err != nil {
		return nil, err
	}

	if err := a.store.ShortenProgress(ctx, jobID, a.settings.FinishedTTL); err != nil {
		return nil, err
	}

	a.markCompleted(ctx, jobID, finalPath, logPath)
	a.log.Info("job aggregated", "job_id", jobID, "total", len(results), "final_path", finalPath)

	return &models.AggregateResult{
		Status:    "completed",
		FinalPath: finalPath,
		LogPath:   logPath,
		Total:     len(results),
	}, nil
}

// markCompleted records the artifacts on the ledger. A job cancelled while in flight stays
// cancelled.
func (a *Aggregator) markCompleted(ctx context.Context, jobID, finalPath, logPath string) {
	if a.ledger == nil {
		return
	}
	status := models.JobStatusCompleted
	job, err := a.ledger.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return
	case err != nil:
		a.log.Warn("ledger read failed", "job_id", jobID, "error", err)
	case job.Status == models.JobStatusCancelled:
		status = models.JobStatusCancelled
	}

	if err := a.ledger.UpdateJobStatus(ctx, jobID, status, store.WithArtifacts(finalPath, logPath)); err != nil {
		a.log.Warn("ledger update failed", "job_id", jobID, "status", status, "error", err)
	}
}

// writeLog stores the ordered results. The log holds paths, statuses and truncated
// messages only, never translated text.
func writeLog(path string, results []models.ChunkResult) error {
	entries := make([]models.ChunkResult, len(results))
	for i, r := range results {
		r.Message = truncateString(r.Message, maxLogMessage)
		entries[i] = r
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode log: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
