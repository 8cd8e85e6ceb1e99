package models

import "math"

// ChunkStatus is the terminal outcome of processing one chunk.
type ChunkStatus string

const (
	ChunkSuccess ChunkStatus = "success"
	ChunkError   ChunkStatus = "error"
	ChunkAborted ChunkStatus = "aborted"
	ChunkEmpty   ChunkStatus = "empty"
)

// ChunkResult is produced exactly once per chunk and never mutated afterwards.
// ResultPath is set only on success; Message only on error.
type ChunkResult struct {
	InputPath  string      `json:"input_path"`
	Status     ChunkStatus `json:"status"`
	ResultPath string      `json:"result_path,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// DispatchResult is what the dispatch step reports back.
type DispatchResult struct {
	Status      string `json:"status"`
	JobID       string `json:"job_id"`
	JoinID      string `json:"join_id,omitempty"`
	TotalChunks int    `json:"total_chunks"`
	Reason      string `json:"reason,omitempty"`
}

// AggregateResult is the join payload inspected by status and download.
type AggregateResult struct {
	Status    string `json:"status"`
	FinalPath string `json:"final_file"`
	LogPath   string `json:"log_file"`
	Total     int    `json:"total_processed"`
}

// Progress is a snapshot of a job's progress counters.
type Progress struct {
	JobID      string  `json:"job_id"`
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percent    float64 `json:"percent"`
	IsFinished bool    `json:"is_finished"`
}

// NewProgress builds a snapshot from raw counters. Percent is rounded to two decimals
// and completed is clamped to total.
func NewProgress(jobID string, total, completed int) Progress {
	if completed > total {
		completed = total
	}
	p := Progress{JobID: jobID, Total: total, Completed: completed}
	if total > 0 {
		p.Percent = math.Round(float64(completed)/float64(total)*10000) / 100
	}
	p.IsFinished = completed >= total
	return p
}
