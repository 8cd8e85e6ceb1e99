package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/internal/chunker"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Handlers adapts the pipeline components to asynq task handlers.
type Handlers struct {
	dispatcher *Dispatcher
	worker     *Worker
	aggregator *Aggregator
	store      SharedStore
	log        *slog.Logger

	lastAttempt func(ctx context.Context) bool
}

func NewHandlers(d *Dispatcher, w *Worker, a *Aggregator, st SharedStore, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{dispatcher: d, worker: w, aggregator: a, store: st, log: log, lastAttempt: isLastAttempt}
}

// isLastAttempt reports whether the running task will be archived if it fails.
func isLastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return ok && retried >= maxRetry
}

// Register binds the three task types on mux.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeDispatch, h.HandleDispatch)
	mux.HandleFunc(TypeChunk, h.HandleChunk)
	mux.HandleFunc(TypeAggregate, h.HandleAggregate)
}

func (h *Handlers) HandleDispatch(ctx context.Context, t *asynq.Task) error {
	var p DispatchPayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}

	res, err := h.dispatcher.Dispatch(ctx, p)
	if err != nil {
		if errors.Is(err, chunker.ErrSourceNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return writeResult(t, res)
}

func (h *Handlers) HandleChunk(ctx context.Context, t *asynq.Task) error {
	var p ChunkPayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}
	res, err := h.worker.Process(ctx, p, NewToken(h.store, p.JobID))
	if err == nil || !h.lastAttempt(ctx) {
		return err
	}

	// No retry is left to carry the report, so make one more try before the task is
	// archived. An archived chunk is settled later by the Reaper.
	h.log.Warn("chunk report failed on last attempt, retrying report",
		"job_id", p.JobID, "chunk_index", p.Index, "error", err)
	rctx, cancel := reportContext(ctx)
	defer cancel()
	if rerr := h.worker.barrier.Report(rctx, p, res); rerr != nil {
		return errors.Join(err, rerr)
	}
	return nil
}

func (h *Handlers) HandleAggregate(ctx context.Context, t *asynq.Task) error {
	var p AggregatePayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}

	raw, err := h.store.ChunkResults(ctx, p.JobID)
	if err != nil {
		return err
	}
	results := make([]models.ChunkResult, 0, len(raw))
	for _, b := range raw {
		var r models.ChunkResult
		if err := json.Unmarshal(b, &r); err != nil {
			return fmt.Errorf("decode chunk result of %s: %w", p.JobID, err)
		}
		results = append(results, r)
	}

	res, err := h.aggregator.Aggregate(ctx, results, p.JobID, p.Key)
	if err != nil {
		return err
	}
	return writeResult(t, res)
}

// writeResult retains v as the task's result for status lookups.
func writeResult(t *asynq.Task, v any) error {
	rw := t.ResultWriter()
	if rw == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	if _, err := rw.Write(b); err != nil {
		return fmt.Errorf("write task result: %w", err)
	}
	return nil
}
