// Package pipeline splits a document into chunks, fans the chunks out to workers over a
// durable queue, and joins their results back into one encrypted artifact.
//
// Processes share no memory. They coordinate through the queue (asynq on Redis), the shared
// key-value store (progress counters, callback map, abort flags) and the shared filesystem.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Queue names. Dispatch and aggregate work is kept apart from chunk work so a backlog
// of chunks never delays a job's fan-out or fan-in.
const (
	QueueParent = "parent"
	QueueChunks = "chunks"
)

const (
	TypeDispatch  = "translate:dispatch"
	TypeChunk     = "translate:chunk"
	TypeAggregate = "translate:aggregate"
)

// DispatchPayload starts a job. The task id is the job id.
type DispatchPayload struct {
	JobID      string            `json:"job_id"`
	SourcePath string            `json:"source_path"`
	ChunkSize  int               `json:"chunk_size"`
	Key        vault.Key         `json:"key"`
	Lang       models.LangConfig `json:"lang"`
}

// ChunkPayload is one unit of fan-out work.
type ChunkPayload struct {
	JobID     string            `json:"job_id"`
	JoinID    string            `json:"join_id"`
	Index     int               `json:"index"`
	ChunkPath string            `json:"chunk_path"`
	Key       vault.Key         `json:"key"`
	Lang      models.LangConfig `json:"lang"`
}

// AggregatePayload is the fan-in step. The task id is the join id.
type AggregatePayload struct {
	JobID  string    `json:"job_id"`
	JoinID string    `json:"join_id"`
	Key    vault.Key `json:"key"`
}

// ChunkTaskID is the queue task id of chunk index of a job.
func ChunkTaskID(jobID string, index int) string {
	return fmt.Sprintf("%s:chunk:%d", jobID, index)
}

// Enqueuer submits tasks. *asynq.Client implements it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector looks up and removes queued tasks. *asynq.Inspector implements it.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typename, err)
	}
	return asynq.NewTask(typename, b), nil
}

func decodePayload(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("decode %s payload: %w: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
