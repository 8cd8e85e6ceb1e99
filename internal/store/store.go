package store

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the job ledger. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id string, status string, opts ...JobUpdateOption) error
}

// JobUpdate is the set of fields an UpdateJobStatus call changes besides the status.
type JobUpdate struct {
	TotalChunks  *int
	JoinID       *string
	FinalPath    *string
	LogPath      *string
	ErrorMessage *string
}

type JobUpdateOption func(*JobUpdate)

// ResolveOptions applies opts to an empty JobUpdate.
func ResolveOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithTotalChunks(n int) JobUpdateOption {
	return func(p *JobUpdate) {
		p.TotalChunks = &n
	}
}

func WithJoinID(joinID string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.JoinID = &joinID
	}
}

func WithArtifacts(finalPath, logPath string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.FinalPath = &finalPath
		p.LogPath = &logPath
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// validTransitions lists the statuses reachable from each status. Every status may also
// move to itself, so a redelivered task can re-apply its update.
var validTransitions = map[string][]string{
	models.JobStatusQueued:     {models.JobStatusDispatched, models.JobStatusSkipped, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusDispatched: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

// CanTransition reports whether a job in status from may be moved to status to.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
