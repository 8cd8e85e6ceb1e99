package models

import (
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusDispatched = "dispatched"
	JobStatusSkipped    = "skipped"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// LangConfig is the language pair a job translates between.
type LangConfig struct {
	SourceLang string `json:"source_lang"`
	SourceCode string `json:"source_code"`
	TargetLang string `json:"target_lang"`
	TargetCode string `json:"target_code"`
}

// Job tracks one end-to-end translation request. The API returns the job id on upload;
// the client polls GET /api/v1/jobs/{job_id} until the join result is available.
// The passphrase is deliberately absent: only its derived key travels with the work.
type Job struct {
	ID           string     `db:"id"            json:"id"`
	SourcePath   string     `db:"source_path"   json:"source_path"`
	ChunkSize    int        `db:"chunk_size"    json:"chunk_size"`
	Lang         LangConfig `json:"lang"`
	Status       string     `db:"status"        json:"status"`
	TotalChunks  int        `db:"total_chunks"  json:"total_chunks"`
	JoinID       *string    `db:"join_id"       json:"join_id,omitempty"`
	FinalPath    *string    `db:"final_path"    json:"final_path,omitempty"`
	LogPath      *string    `db:"log_path"      json:"log_path,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
