package pipeline

import (
	"context"
	"time"

	"github.com/kiranshivaraju/transchord/internal/kv"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// ProgressStore holds the per-job counters and the results recorded so far.
type ProgressStore interface {
	InitProgress(ctx context.Context, jobID string, total int, ttl time.Duration) error
	RecordResult(ctx context.Context, jobID string, index int, result []byte, ttl time.Duration) (kv.Tally, error)
	Progress(ctx context.Context, jobID string) (models.Progress, bool, error)
	ChunkResults(ctx context.Context, jobID string) ([][]byte, error)
	ShortenProgress(ctx context.Context, jobID string, ttl time.Duration) error
}

// CallbackStore maps job ids to join ids.
type CallbackStore interface {
	RegisterCallback(ctx context.Context, jobID, joinID string, ttl time.Duration) (string, error)
	ResolveCallback(ctx context.Context, jobID string) (string, error)
}

// AbortStore holds per-job abort flags.
type AbortStore interface {
	SetAbort(ctx context.Context, jobID string, ttl time.Duration) error
	IsAborted(ctx context.Context, jobID string) (bool, error)
}

// SharedStore is everything the pipeline keeps in the shared key-value store.
// *kv.RedisStore implements it.
type SharedStore interface {
	ProgressStore
	CallbackStore
	AbortStore
}

var _ SharedStore = (*kv.RedisStore)(nil)

// Token is a job's cancellation token, polled by workers at their checkpoints.
type Token interface {
	Aborted(ctx context.Context) (bool, error)
}

type abortToken struct {
	store AbortStore
	jobID string
}

// NewToken returns the cancellation token for jobID backed by the abort flag.
func NewToken(store AbortStore, jobID string) Token {
	return abortToken{store: store, jobID: jobID}
}

func (t abortToken) Aborted(ctx context.Context) (bool, error) {
	return t.store.IsAborted(ctx, t.jobID)
}
