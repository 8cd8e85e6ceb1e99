package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

func TestReaper_SettlesArchivedChunk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	jobID := submit(t, h, fortyByteLines(2), "pw")

	for _, info := range h.queue.pending(TypeDispatch) {
		require.NoError(t, h.queue.run(t, h.handlers.HandleDispatch, info))
	}
	chunks := h.queue.pending(TypeChunk)
	require.Len(t, chunks, 2)
	require.NoError(t, h.queue.run(t, h.handlers.HandleChunk, chunks[0]))
	h.queue.archive(chunks[1], "worker lease expired")
	assert.Equal(t, 0, h.queue.count(TypeAggregate))

	settled, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	r := storedResult(t, h, jobID, 1)
	assert.Equal(t, models.ChunkError, r.Status)
	assert.Equal(t, "retries exhausted: worker lease expired", r.Message)
	_, err = h.queue.GetTaskInfo(QueueChunks, chunks[1].ID)
	assert.ErrorIs(t, err, asynq.ErrTaskNotFound)

	require.Equal(t, 1, h.queue.count(TypeAggregate))
	for _, info := range h.queue.pending(TypeAggregate) {
		require.NoError(t, h.queue.run(t, h.handlers.HandleAggregate, info))
	}
	text, err := h.service.Download(ctx, jobID, "pw")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(text, "[translated] "))
	assert.Contains(t, text, "--- [ERROR IN CHUNK "+jobID+"_chunk_1.txt: error] ---")

	settled, err = h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, settled)
}

func TestReaper_DropsUnreadablePayload(t *testing.T) {
	h := newHarness(t)
	info, err := h.queue.EnqueueContext(context.Background(), asynq.NewTask(TypeChunk, []byte("{bad")),
		asynq.Queue(QueueChunks), asynq.TaskID("stray"))
	require.NoError(t, err)
	h.queue.archive(info, "boom")

	settled, err := h.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, settled)
	_, err = h.queue.GetTaskInfo(QueueChunks, "stray")
	assert.ErrorIs(t, err, asynq.ErrTaskNotFound)
}

func TestReaper_KeepsTaskWhenReportFails(t *testing.T) {
	h := newHarness(t)
	p := singleChunk(t, h, "Hello world")
	info, err := h.queue.EnqueueContext(context.Background(), chunkTask(t, p),
		asynq.Queue(QueueChunks), asynq.TaskID(ChunkTaskID(p.JobID, p.Index)))
	require.NoError(t, err)
	h.queue.archive(info, "boom")
	h.store.failRecords = 1

	settled, err := h.reaper.Sweep(context.Background())
	require.Error(t, err)
	assert.Zero(t, settled)
	_, err = h.queue.GetTaskInfo(QueueChunks, info.ID)
	require.NoError(t, err)

	settled, err = h.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, h.queue.count(TypeAggregate))
}
