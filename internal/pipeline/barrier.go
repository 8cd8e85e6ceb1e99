package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Barrier is the fan-in. Each chunk reports its result exactly once per logical chunk; the
// report that completes the set enqueues the aggregate task under the join id. asynq rejects
// a second task with the same id, so the aggregate step is queued once no matter how many
// reports race to finish the set.
type Barrier struct {
	store    ProgressStore
	queue    Enqueuer
	settings Settings
	log      *slog.Logger
}

func NewBarrier(st ProgressStore, queue Enqueuer, settings Settings, log *slog.Logger) *Barrier {
	if log == nil {
		log = slog.Default()
	}
	return &Barrier{store: st, queue: queue, settings: settings, log: log}
}

// Report records result for the chunk described by p and fires the join when every chunk
// of the job has reported.
func (b *Barrier) Report(ctx context.Context, p ChunkPayload, result models.ChunkResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode chunk result: %w", err)
	}

	tally, err := b.store.RecordResult(ctx, p.JobID, p.Index, data, b.settings.ProgressTTL)
	if err != nil {
		return err
	}

	log := b.log.With("job_id", p.JobID, "chunk_index", p.Index, "status", result.Status)
	if !tally.Recorded {
		log.Debug("chunk already reported")
	}
	if tally.Total == 0 {
		log.Warn("progress record missing, result not counted")
		return nil
	}
	if !tally.Finished() {
		return nil
	}

	// A redelivered report of an already finished set fires again; the task id makes that a no-op.
	return b.fire(ctx, AggregatePayload{JobID: p.JobID, JoinID: p.JoinID, Key: p.Key})
}

func (b *Barrier) fire(ctx context.Context, p AggregatePayload) error {
	task, err := newTask(TypeAggregate, p)
	if err != nil {
		return err
	}

	_, err = b.queue.EnqueueContext(ctx, task,
		asynq.TaskID(p.JoinID),
		asynq.Queue(QueueParent),
		asynq.Retention(b.settings.ResultRetention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue aggregate %s: %w", p.JoinID, err)
	}

	b.log.Info("all chunks reported, aggregate enqueued", "job_id", p.JobID, "join_id", p.JoinID)
	return nil
}
