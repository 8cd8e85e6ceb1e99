package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/transchord/internal/config"
	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

func TestHandlers_MalformedPayloadSkipsRetry(t *testing.T) {
	h := newHarness(t)
	handlers := map[string]asynq.HandlerFunc{
		TypeDispatch:  h.handlers.HandleDispatch,
		TypeChunk:     h.handlers.HandleChunk,
		TypeAggregate: h.handlers.HandleAggregate,
	}
	for typename, handle := range handlers {
		t.Run(typename, func(t *testing.T) {
			err := handle(context.Background(), asynq.NewTask(typename, []byte("{not json")))
			require.Error(t, err)
			assert.True(t, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleDispatch_MissingSourceSkipsRetry(t *testing.T) {
	h := newHarness(t)
	task, err := newTask(TypeDispatch, DispatchPayload{JobID: "job", SourcePath: t.TempDir() + "/gone.txt", ChunkSize: 10})
	require.NoError(t, err)

	err = h.handlers.HandleDispatch(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleDispatch_InvalidChunkSizeRetries(t *testing.T) {
	h := newHarness(t)
	p := writeSource(t, h, "job", "hello\n")
	p.ChunkSize = 0
	task, err := newTask(TypeDispatch, p)
	require.NoError(t, err)

	err = h.handlers.HandleDispatch(context.Background(), task)
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestHandleAggregate_CorruptStoredResult(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.InitProgress(ctx, "job", 1, h.settings.ProgressTTL))
	_, err := h.store.RecordResult(ctx, "job", 0, []byte("not json"), h.settings.ProgressTTL)
	require.NoError(t, err)

	task, err := newTask(TypeAggregate, AggregatePayload{JobID: "job", JoinID: "join", Key: vault.DeriveKey("pw")})
	require.NoError(t, err)

	err = h.handlers.HandleAggregate(ctx, task)
	require.Error(t, err)
	assert.NoFileExists(t, FinalPath(h.settings.ResultsDir, "job"))
}

func TestRegister(t *testing.T) {
	h := newHarness(t)
	mux := asynq.NewServeMux()
	h.handlers.Register(mux)

	for _, typename := range []string{TypeDispatch, TypeChunk, TypeAggregate} {
		_, pattern := mux.Handler(asynq.NewTask(typename, nil))
		assert.Equal(t, typename, pattern)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Storage:  config.StorageConfig{DataDir: "/srv/data"},
		Queue:    config.QueueConfig{ChunkTaskMaxRetry: 2},
		Pipeline: config.PipelineConfig{ProgressTTL: 24 * time.Hour, FinishedTTL: time.Hour, ResultRetention: 12 * time.Hour},
		Inference: config.InferenceConfig{
			Timeout:      10 * time.Minute,
			MaxAttempts:  3,
			RetryBackoff: 30 * time.Second,
		},
	}

	s := SettingsFromConfig(cfg)

	assert.Equal(t, "/srv/data/temp", s.TempDir)
	assert.Equal(t, "/srv/data/results", s.ResultsDir)
	assert.Equal(t, 2, s.ChunkMaxRetry)
	assert.Equal(t, 12*time.Hour, s.ResultRetention)
	assert.Equal(t, 3*(10*time.Minute+30*time.Second)+5*time.Minute, s.ChunkTimeout)
}

func chunkTask(t *testing.T, p ChunkPayload) *asynq.Task {
	t.Helper()
	task, err := newTask(TypeChunk, p)
	require.NoError(t, err)
	return task
}

func TestHandleChunk_ReportFailureRetriesWhileAttemptsRemain(t *testing.T) {
	h := newHarness(t)
	h.handlers.lastAttempt = func(context.Context) bool { return false }
	p := singleChunk(t, h, "Hello world")
	h.store.failRecords = 1

	err := h.handlers.HandleChunk(context.Background(), chunkTask(t, p))
	require.Error(t, err)

	prog, _, err := h.store.Progress(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, 0, prog.Completed)
	assert.Equal(t, 0, h.queue.count(TypeAggregate))
}

func TestHandleChunk_LastAttemptStillReports(t *testing.T) {
	h := newHarness(t)
	h.handlers.lastAttempt = func(context.Context) bool { return true }
	p := singleChunk(t, h, "Hello world")
	h.store.failRecords = 1

	require.NoError(t, h.handlers.HandleChunk(context.Background(), chunkTask(t, p)))

	assert.Equal(t, models.ChunkSuccess, storedResult(t, h, "job", 0).Status)
	assert.Equal(t, 1, h.queue.count(TypeAggregate))
}

func TestHandleChunk_LastAttemptStoreDown(t *testing.T) {
	h := newHarness(t)
	h.handlers.lastAttempt = func(context.Context) bool { return true }
	p := singleChunk(t, h, "Hello world")
	h.store.recordErr = errors.New("store unavailable")

	err := h.handlers.HandleChunk(context.Background(), chunkTask(t, p))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestIsLastAttempt_OutsideQueue(t *testing.T) {
	assert.False(t, isLastAttempt(context.Background()))
}
