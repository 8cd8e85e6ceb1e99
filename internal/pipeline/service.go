package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/transchord/internal/store"
	"github.com/kiranshivaraju/transchord/internal/vault"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// SubmitRequest holds validated parameters for a new translation job.
type SubmitRequest struct {
	SourcePath string
	Passphrase string
	ChunkSize  int
	Lang       models.LangConfig
}

// JobStatus is a best-effort snapshot of a job. Progress is nil when the progress record
// is absent or has expired; Result is nil until the join has run.
type JobStatus struct {
	JobID    string                  `json:"job_id"`
	State    string                  `json:"state"`
	Progress *models.Progress        `json:"progress"`
	Result   *models.AggregateResult `json:"result,omitempty"`
}

// Service is the front-end's entry point into the pipeline.
type Service struct {
	queue     Enqueuer
	inspector TaskInspector
	store     SharedStore
	ledger    store.Store
	canceller *Canceller
	settings  Settings
	log       *slog.Logger
}

func NewService(queue Enqueuer, inspector TaskInspector, st SharedStore, ledger store.Store, canceller *Canceller, settings Settings, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		queue:     queue,
		inspector: inspector,
		store:     st,
		ledger:    ledger,
		canceller: canceller,
		settings:  settings,
		log:       log,
	}
}

// Submit records a new job and queues its dispatch. The passphrase is reduced to its
// derived key here and never stored.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	jobID := uuid.NewString()
	now := time.Now().UTC()

	if err := s.ledger.CreateJob(ctx, &models.Job{
		ID:         jobID,
		SourcePath: req.SourcePath,
		ChunkSize:  req.ChunkSize,
		Lang:       req.Lang,
		Status:     models.JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}

	task, err := newTask(TypeDispatch, DispatchPayload{
		JobID:      jobID,
		SourcePath: req.SourcePath,
		ChunkSize:  req.ChunkSize,
		Key:        vault.DeriveKey(req.Passphrase),
		Lang:       req.Lang,
	})
	if err != nil {
		return "", err
	}

	if _, err := s.queue.EnqueueContext(ctx, task,
		asynq.TaskID(jobID),
		asynq.Queue(QueueParent),
		asynq.Retention(s.settings.ResultRetention),
	); err != nil {
		if uerr := s.ledger.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, store.WithErrorMessage(err.Error())); uerr != nil {
			s.log.Warn("ledger update failed", "job_id", jobID, "error", uerr)
		}
		return "", fmt.Errorf("enqueue dispatch: %w", err)
	}

	s.log.Info("job submitted", "job_id", jobID, "chunk_size", req.ChunkSize,
		"source_code", req.Lang.SourceCode, "target_code", req.Lang.TargetCode)
	return jobID, nil
}

// Status never fails for an unknown job: it reports what is known, which may be nothing.
func (s *Service) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	st := &JobStatus{JobID: jobID, State: "unknown"}

	progress, found, err := s.store.Progress(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if found {
		st.Progress = &progress
		st.State = "running"
	}

	job := s.ledgerJob(ctx, jobID)
	if job != nil {
		st.State = job.Status
	}

	result, queueState, err := s.joinResult(ctx, jobID, job)
	if err != nil {
		return nil, err
	}
	st.Result = result
	if job == nil && queueState != "" {
		st.State = queueState
	}
	return st, nil
}

// Result returns the join result once the job has been aggregated.
func (s *Service) Result(ctx context.Context, jobID string) (*models.AggregateResult, error) {
	job := s.ledgerJob(ctx, jobID)
	result, _, err := s.joinResult(ctx, jobID, job)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	if job != nil {
		switch job.Status {
		case models.JobStatusFailed:
			msg := ""
			if job.ErrorMessage != nil {
				msg = *job.ErrorMessage
			}
			return nil, fmt.Errorf("%w: %s", ErrJobFailed, msg)
		case models.JobStatusSkipped:
			return nil, fmt.Errorf("%w: empty source", ErrJobFailed)
		}
		return nil, ErrResultNotReady
	}

	if _, found, err := s.store.Progress(ctx, jobID); err != nil {
		return nil, err
	} else if found {
		return nil, ErrResultNotReady
	}
	return nil, ErrJobNotFound
}

// Download decrypts the job's final artifact with passphrase. A wrong passphrase fails
// with vault.ErrDecryption.
func (s *Service) Download(ctx context.Context, jobID, passphrase string) (string, error) {
	result, err := s.Result(ctx, jobID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(result.FinalPath); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: final artifact missing", ErrJobNotFound)
	}
	return vault.DecryptFile(result.FinalPath, vault.DeriveKey(passphrase))
}

func (s *Service) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	if s.ledgerJob(ctx, jobID) == nil {
		if _, found, err := s.store.Progress(ctx, jobID); err != nil {
			return nil, err
		} else if !found {
			return nil, ErrJobNotFound
		}
	}
	return s.canceller.Cancel(ctx, jobID)
}

// joinResult looks for the aggregate result: first the join task's retained result in the
// queue, then the artifacts recorded on the ledger once retention has expired.
// queueState is the join task's state when the queue still knows it.
func (s *Service) joinResult(ctx context.Context, jobID string, job *models.Job) (*models.AggregateResult, string, error) {
	joinID, err := s.store.ResolveCallback(ctx, jobID)
	if err != nil {
		return nil, "", err
	}

	var queueState string
	info, err := s.inspector.GetTaskInfo(QueueParent, joinID)
	switch {
	case err == nil:
		queueState = info.State.String()
		if info.State == asynq.TaskStateCompleted && len(info.Result) > 0 {
			var res models.AggregateResult
			if err := json.Unmarshal(info.Result, &res); err != nil {
				return nil, queueState, fmt.Errorf("decode join result: %w", err)
			}
			return &res, queueState, nil
		}
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
	default:
		s.log.Warn("join task lookup failed", "job_id", jobID, "join_id", joinID, "error", err)
	}

	if job != nil && job.FinalPath != nil && job.LogPath != nil {
		return &models.AggregateResult{
			Status:    "completed",
			FinalPath: *job.FinalPath,
			LogPath:   *job.LogPath,
			Total:     job.TotalChunks,
		}, queueState, nil
	}
	return nil, queueState, nil
}

func (s *Service) ledgerJob(ctx context.Context, jobID string) *models.Job {
	job, err := s.ledger.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("ledger read failed", "job_id", jobID, "error", err)
		}
		return nil
	}
	return job
}
