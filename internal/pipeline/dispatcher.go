package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/internal/chunker"
	"github.com/kiranshivaraju/transchord/internal/store"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Dispatcher splits a job's source and fans its chunks out to the chunk queue.
type Dispatcher struct {
	chunker  *chunker.Chunker
	store    SharedStore
	queue    Enqueuer
	ledger   store.Store
	settings Settings
	log      *slog.Logger
}

func NewDispatcher(ch *chunker.Chunker, st SharedStore, queue Enqueuer, ledger store.Store, settings Settings, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{chunker: ch, store: st, queue: queue, ledger: ledger, settings: settings, log: log}
}

// Dispatch runs the fan-out for one job. It is safe to run again for the same job: progress
// is never reset, the join id registered first stays in effect, and chunk tasks that are
// already queued are not queued twice.
func (d *Dispatcher) Dispatch(ctx context.Context, p DispatchPayload) (*models.DispatchResult, error) {
	log := d.log.With("job_id", p.JobID)

	paths, err := d.chunker.Split(p.JobID, p.SourcePath, p.ChunkSize)
	if err != nil {
		if errors.Is(err, chunker.ErrSourceNotFound) {
			d.updateLedger(ctx, p.JobID, models.JobStatusFailed, store.WithErrorMessage(err.Error()))
		}
		return nil, fmt.Errorf("split %s: %w", p.JobID, err)
	}

	if len(paths) == 0 {
		log.Info("empty source, nothing to dispatch")
		d.updateLedger(ctx, p.JobID, models.JobStatusSkipped, store.WithTotalChunks(0))
		return &models.DispatchResult{Status: "skipped", JobID: p.JobID, Reason: "empty file"}, nil
	}

	total := len(paths)
	if err := d.store.InitProgress(ctx, p.JobID, total, d.settings.ProgressTTL); err != nil {
		return nil, err
	}

	joinID, err := d.store.RegisterCallback(ctx, p.JobID, uuid.NewString(), d.settings.ProgressTTL)
	if err != nil {
		return nil, err
	}
	log = log.With("join_id", joinID)

	for i, path := range paths {
		task, err := newTask(TypeChunk, ChunkPayload{
			JobID:     p.JobID,
			JoinID:    joinID,
			Index:     i,
			ChunkPath: path,
			Key:       p.Key,
			Lang:      p.Lang,
		})
		if err != nil {
			return nil, err
		}

		_, err = d.queue.EnqueueContext(ctx, task,
			asynq.TaskID(ChunkTaskID(p.JobID, i)),
			asynq.Queue(QueueChunks),
			asynq.MaxRetry(d.settings.ChunkMaxRetry),
			asynq.Timeout(d.settings.ChunkTimeout),
			asynq.Retention(d.settings.ResultRetention),
		)
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			log.Debug("chunk already enqueued", "chunk_index", i)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("enqueue chunk %d of %s: %w", i, p.JobID, err)
		}
	}

	d.updateLedger(ctx, p.JobID, models.JobStatusDispatched, store.WithTotalChunks(total), store.WithJoinID(joinID))
	log.Info("job dispatched", "total_chunks", total)

	return &models.DispatchResult{
		Status:      "dispatched",
		JobID:       p.JobID,
		JoinID:      joinID,
		TotalChunks: total,
	}, nil
}

// updateLedger records a status change. Ledger failures are logged, never returned.
func (d *Dispatcher) updateLedger(ctx context.Context, jobID, status string, opts ...store.JobUpdateOption) {
	if d.ledger == nil {
		return
	}
	if err := d.ledger.UpdateJobStatus(ctx, jobID, status, opts...); err != nil {
		d.log.Warn("ledger update failed", "job_id", jobID, "status", status, "error", err)
	}
}
