package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/transchord/internal/chunker"
	"github.com/kiranshivaraju/transchord/internal/inference/mock"
	"github.com/kiranshivaraju/transchord/internal/kv"
	"github.com/kiranshivaraju/transchord/internal/store"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// --- memStore: in-memory SharedStore ---

type memStore struct {
	mu        sync.Mutex
	total     map[string]int
	completed map[string]int
	results   map[string]map[int][]byte
	callbacks map[string]string
	aborts    map[string]bool
	ttls      map[string]time.Duration

	recordErr error
	// failRecords makes that many RecordResult calls fail before the store recovers.
	failRecords int
}

func newMemStore() *memStore {
	return &memStore{
		total:     map[string]int{},
		completed: map[string]int{},
		results:   map[string]map[int][]byte{},
		callbacks: map[string]string{},
		aborts:    map[string]bool{},
		ttls:      map[string]time.Duration{},
	}
}

func (m *memStore) InitProgress(_ context.Context, jobID string, total int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.total[jobID]; !ok {
		m.total[jobID] = total
		m.completed[jobID] = 0
		m.ttls[jobID] = ttl
	}
	return nil
}

// RecordResult fails on a done context the way a Redis round trip does.
func (m *memStore) RecordResult(ctx context.Context, jobID string, index int, result []byte, _ time.Duration) (kv.Tally, error) {
	if err := ctx.Err(); err != nil {
		return kv.Tally{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return kv.Tally{}, m.recordErr
	}
	if m.failRecords > 0 {
		m.failRecords--
		return kv.Tally{}, errors.New("redis: connection reset")
	}
	if m.results[jobID] == nil {
		m.results[jobID] = map[int][]byte{}
	}
	_, exists := m.results[jobID][index]
	if !exists {
		m.results[jobID][index] = append([]byte(nil), result...)
		if m.completed[jobID] < m.total[jobID] {
			m.completed[jobID]++
		}
	}
	return kv.Tally{Recorded: !exists, Completed: m.completed[jobID], Total: m.total[jobID]}, nil
}

func (m *memStore) Progress(_ context.Context, jobID string) (models.Progress, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total, ok := m.total[jobID]
	if !ok {
		return models.Progress{}, false, nil
	}
	return models.NewProgress(jobID, total, m.completed[jobID]), true, nil
}

func (m *memStore) ChunkResults(_ context.Context, jobID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out [][]byte
	for _, r := range m.results[jobID] {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) ShortenProgress(_ context.Context, jobID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[jobID] = ttl
	return nil
}

func (m *memStore) RegisterCallback(_ context.Context, jobID, joinID string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.callbacks[jobID]; ok {
		return existing, nil
	}
	m.callbacks[jobID] = joinID
	return joinID, nil
}

func (m *memStore) ResolveCallback(_ context.Context, jobID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if joinID, ok := m.callbacks[jobID]; ok {
		return joinID, nil
	}
	return jobID, nil
}

func (m *memStore) SetAbort(_ context.Context, jobID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborts[jobID] = true
	return nil
}

func (m *memStore) IsAborted(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts[jobID], nil
}

var _ SharedStore = (*memStore)(nil)

// --- fakeQueue: Enqueuer and TaskInspector ---

type fakeQueue struct {
	mu    sync.Mutex
	tasks map[string]*asynq.TaskInfo
	order []string

	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: map[string]*asynq.TaskInfo{}}
}

func taskKey(queue, id string) string { return queue + "/" + id }

func (q *fakeQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}

	id, queue, retry := "", "default", 25
	for _, o := range opts {
		switch o.Type() {
		case asynq.TaskIDOpt:
			id = o.Value().(string)
		case asynq.QueueOpt:
			queue = o.Value().(string)
		case asynq.MaxRetryOpt:
			retry = o.Value().(int)
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	key := taskKey(queue, id)
	if _, ok := q.tasks[key]; ok {
		return nil, asynq.ErrTaskIDConflict
	}

	info := &asynq.TaskInfo{
		ID:       id,
		Queue:    queue,
		Type:     task.Type(),
		Payload:  task.Payload(),
		State:    asynq.TaskStatePending,
		MaxRetry: retry,
	}
	q.tasks[key] = info
	q.order = append(q.order, key)
	return info, nil
}

func (q *fakeQueue) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	info, ok := q.tasks[taskKey(queue, id)]
	if !ok {
		return nil, fmt.Errorf("asynq: %w", asynq.ErrTaskNotFound)
	}
	cp := *info
	return &cp, nil
}

func (q *fakeQueue) DeleteTask(queue, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := taskKey(queue, id)
	info, ok := q.tasks[key]
	if !ok {
		return fmt.Errorf("asynq: %w", asynq.ErrTaskNotFound)
	}
	if info.State == asynq.TaskStateActive {
		return errors.New("asynq: cannot delete active task")
	}
	delete(q.tasks, key)
	return nil
}

func (q *fakeQueue) ListArchivedTasks(queue string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*asynq.TaskInfo
	for _, key := range q.order {
		if info, ok := q.tasks[key]; ok && info.Queue == queue && info.State == asynq.TaskStateArchived {
			cp := *info
			out = append(out, &cp)
		}
	}
	return out, nil
}

// archive marks info archived with lastErr, as asynq does once retries run out.
func (q *fakeQueue) archive(info *asynq.TaskInfo, lastErr string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.tasks[taskKey(info.Queue, info.ID)]; ok {
		cur.State = asynq.TaskStateArchived
		cur.LastErr = lastErr
	}
}

// pending returns the pending tasks of type typename in enqueue order.
func (q *fakeQueue) pending(typename string) []*asynq.TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*asynq.TaskInfo
	for _, key := range q.order {
		if info, ok := q.tasks[key]; ok && info.Type == typename && info.State == asynq.TaskStatePending {
			out = append(out, info)
		}
	}
	return out
}

func (q *fakeQueue) count(typename string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, info := range q.tasks {
		if info.Type == typename {
			n++
		}
	}
	return n
}

func (q *fakeQueue) setState(info *asynq.TaskInfo, state asynq.TaskState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.tasks[taskKey(info.Queue, info.ID)]; ok {
		cur.State = state
	}
}

func (q *fakeQueue) setResult(queue, id string, result []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.tasks[taskKey(queue, id)]; ok {
		cur.State = asynq.TaskStateCompleted
		cur.Result = result
	}
}

// run executes info with handler the way a worker would: active while running, completed
// on success, back to pending on failure.
func (q *fakeQueue) run(t *testing.T, handler asynq.HandlerFunc, info *asynq.TaskInfo) error {
	t.Helper()
	q.setState(info, asynq.TaskStateActive)
	err := handler(context.Background(), asynq.NewTask(info.Type, info.Payload))
	if err != nil {
		q.setState(info, asynq.TaskStateRetry)
		return err
	}
	q.setState(info, asynq.TaskStateCompleted)
	return nil
}

var (
	_ Enqueuer         = (*fakeQueue)(nil)
	_ TaskInspector    = (*fakeQueue)(nil)
	_ ArchiveInspector = (*fakeQueue)(nil)
)

// --- fakeLedger: in-memory store.Store ---

type fakeLedger struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{jobs: map[string]*models.Job{}}
}

func (l *fakeLedger) Ping(context.Context) error { return nil }

func (l *fakeLedger) CreateJob(_ context.Context, job *models.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	l.jobs[job.ID] = &cp
	return nil
}

func (l *fakeLedger) GetJob(_ context.Context, id string) (*models.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (l *fakeLedger) UpdateJobStatus(ctx context.Context, id string, status string, opts ...store.JobUpdateOption) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, job.Status, status)
	}
	applied := store.ResolveOptions(opts...)
	job.Status = status
	if applied.TotalChunks != nil {
		job.TotalChunks = *applied.TotalChunks
	}
	if applied.JoinID != nil {
		job.JoinID = applied.JoinID
	}
	if applied.FinalPath != nil {
		job.FinalPath = applied.FinalPath
		job.LogPath = applied.LogPath
	}
	if applied.ErrorMessage != nil {
		job.ErrorMessage = applied.ErrorMessage
	}
	return nil
}

func (l *fakeLedger) status(id string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if job, ok := l.jobs[id]; ok {
		return job.Status
	}
	return ""
}

var _ store.Store = (*fakeLedger)(nil)

// --- harness wiring every component over the fakes ---

type harness struct {
	store      *memStore
	queue      *fakeQueue
	ledger     *fakeLedger
	provider   *mock.MockProvider
	settings   Settings
	dispatcher *Dispatcher
	barrier    *Barrier
	worker     *Worker
	aggregator *Aggregator
	canceller  *Canceller
	reaper     *Reaper
	service    *Service
	handlers   *Handlers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		store:    newMemStore(),
		queue:    newFakeQueue(),
		ledger:   newFakeLedger(),
		provider: mock.NewMockProvider(),
		settings: Settings{
			TempDir:         dir + "/temp",
			ResultsDir:      dir + "/results",
			ProgressTTL:     24 * time.Hour,
			FinishedTTL:     time.Hour,
			ResultRetention: 24 * time.Hour,
			ChunkMaxRetry:   3,
			ChunkTimeout:    time.Hour,
			DecryptWorkers:  3,
		},
	}
	h.barrier = NewBarrier(h.store, h.queue, h.settings, nil)
	h.dispatcher = NewDispatcher(chunker.New(h.settings.TempDir), h.store, h.queue, h.ledger, h.settings, nil)
	h.worker = NewWorker(h.provider, h.barrier, nil)
	h.aggregator = NewAggregator(h.store, h.ledger, h.settings, nil)
	h.canceller = NewCanceller(h.store, h.queue, h.barrier, h.ledger, h.settings, nil)
	h.reaper = NewReaper(h.queue, h.barrier, nil)
	h.service = NewService(h.queue, h.queue, h.store, h.ledger, h.canceller, h.settings, nil)
	h.handlers = NewHandlers(h.dispatcher, h.worker, h.aggregator, h.store, nil)
	return h
}

// runAll drains the queue type by type. Chunk tasks run in an order chosen by rng.
func (h *harness) runAll(t *testing.T, rng *rand.Rand) {
	t.Helper()
	for _, info := range h.queue.pending(TypeDispatch) {
		require.NoError(t, h.queue.run(t, h.handlers.HandleDispatch, info))
	}
	chunks := h.queue.pending(TypeChunk)
	if rng != nil {
		rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
	}
	for _, info := range chunks {
		require.NoError(t, h.queue.run(t, h.handlers.HandleChunk, info))
	}
	for _, info := range h.queue.pending(TypeAggregate) {
		require.NoError(t, h.queue.run(t, h.handlers.HandleAggregate, info))
	}
}
