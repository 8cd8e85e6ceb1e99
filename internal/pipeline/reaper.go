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

const reapPageSize = 100

// ArchiveInspector lists and removes archived tasks. *asynq.Inspector implements it.
type ArchiveInspector interface {
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Reaper settles chunk tasks the queue gave up on. A chunk task that ran out of retries,
// for example because its worker kept crashing, is archived without ever reaching the
// Barrier; the Reaper reports it as an error so the job's fan-in still completes.
type Reaper struct {
	inspector ArchiveInspector
	barrier   *Barrier
	log       *slog.Logger
}

func NewReaper(inspector ArchiveInspector, barrier *Barrier, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{inspector: inspector, barrier: barrier, log: log}
}

// Sweep reports up to one page of archived chunk tasks and deletes them from the archive.
// It returns the number of chunks settled.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	infos, err := r.inspector.ListArchivedTasks(QueueChunks, asynq.PageSize(reapPageSize))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list archived chunk tasks: %w", err)
	}

	var errs []error
	settled := 0
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if info.Type != TypeChunk {
			continue
		}

		var p ChunkPayload
		if err := json.Unmarshal(info.Payload, &p); err != nil {
			r.log.Warn("dropping archived chunk task with unreadable payload", "task_id", info.ID, "error", err)
			if err := r.inspector.DeleteTask(QueueChunks, info.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete archived task %s: %w", info.ID, err))
			}
			continue
		}

		msg := "retries exhausted"
		if info.LastErr != "" {
			msg += ": " + info.LastErr
		}
		failed := models.ChunkResult{InputPath: p.ChunkPath, Status: models.ChunkError, Message: msg}
		if err := r.barrier.Report(ctx, p, failed); err != nil {
			errs = append(errs, fmt.Errorf("report archived chunk %s: %w", info.ID, err))
			continue
		}
		if err := r.inspector.DeleteTask(QueueChunks, info.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete archived task %s: %w", info.ID, err))
		}
		settled++
		r.log.Warn("archived chunk reported as failed", "job_id", p.JobID, "chunk_index", p.Index, "last_error", info.LastErr)
	}
	return settled, errors.Join(errs...)
}
