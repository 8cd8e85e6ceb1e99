package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/internal/store"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// CancelResult summarizes what a cancellation removed from the queue.
type CancelResult struct {
	JobID string `json:"job_id"`
	// DispatchPurged is true when the job was cancelled before it was split.
	DispatchPurged bool `json:"dispatch_purged"`
	// ChunksPurged counts chunk tasks removed before any worker picked them up.
	ChunksPurged int `json:"chunks_purged"`
}

// Canceller stops a job. Chunks already running see the abort flag at their next
// checkpoint. Chunks still waiting in the queue are removed and reported as aborted
// on their behalf, so the join still fires.
type Canceller struct {
	store     SharedStore
	inspector TaskInspector
	barrier   *Barrier
	ledger    store.Store
	settings  Settings
	log       *slog.Logger
}

func NewCanceller(st SharedStore, inspector TaskInspector, barrier *Barrier, ledger store.Store, settings Settings, log *slog.Logger) *Canceller {
	if log == nil {
		log = slog.Default()
	}
	return &Canceller{store: st, inspector: inspector, barrier: barrier, ledger: ledger, settings: settings, log: log}
}

func (c *Canceller) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	log := c.log.With("job_id", jobID)
	res := &CancelResult{JobID: jobID}

	if err := c.store.SetAbort(ctx, jobID, c.settings.ProgressTTL); err != nil {
		return nil, err
	}

	if _, ok := c.purge(QueueParent, jobID, log); ok {
		res.DispatchPurged = true
	}

	progress, found, err := c.store.Progress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if found {
		for i := 0; i < progress.Total; i++ {
			info, ok := c.purge(QueueChunks, ChunkTaskID(jobID, i), log)
			if !ok {
				continue
			}
			var p ChunkPayload
			if err := json.Unmarshal(info.Payload, &p); err != nil {
				log.Error("purged chunk has unreadable payload", "chunk_index", i, "error", err)
				continue
			}
			aborted := models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkAborted}
			if err := c.barrier.Report(ctx, p, aborted); err != nil {
				return nil, err
			}
			res.ChunksPurged++
		}
	}

	if c.ledger != nil {
		if err := c.ledger.UpdateJobStatus(ctx, jobID, models.JobStatusCancelled); err != nil {
			log.Warn("ledger update failed", "status", models.JobStatusCancelled, "error", err)
		}
	}

	log.Info("job cancelled", "dispatch_purged", res.DispatchPurged, "chunks_purged", res.ChunksPurged)
	return res, nil
}

// purge deletes a task that no worker holds. ok reports whether it was deleted.
func (c *Canceller) purge(queue, taskID string, log *slog.Logger) (*asynq.TaskInfo, bool) {
	info, err := c.inspector.GetTaskInfo(queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, false
	}
	if err != nil {
		log.Warn("task lookup failed", "task_id", taskID, "error", err)
		return nil, false
	}

	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateArchived:
	default:
		return nil, false
	}

	// The task may have been picked up since the lookup; then deletion fails and the
	// worker's own checkpoints handle it.
	if err := c.inspector.DeleteTask(queue, taskID); err != nil {
		log.Debug("task not deleted", "task_id", taskID, "error", err)
		return nil, false
	}
	return info, true
}
