package pipeline

import (
	"time"

	"github.com/kiranshivaraju/transchord/internal/config"
)

// Settings are the pipeline's tunables, shared by every component.
type Settings struct {
	TempDir    string
	ResultsDir string

	ProgressTTL     time.Duration
	FinishedTTL     time.Duration
	ResultRetention time.Duration

	ChunkMaxRetry int
	// ChunkTimeout bounds one chunk task including every inference retry.
	ChunkTimeout   time.Duration
	DecryptWorkers int
}

// SettingsFromConfig derives Settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	inf := cfg.Inference
	perAttempt := inf.Timeout + inf.RetryBackoff
	return Settings{
		TempDir:         cfg.Storage.TempDir(),
		ResultsDir:      cfg.Storage.ResultsDir(),
		ProgressTTL:     cfg.Pipeline.ProgressTTL,
		FinishedTTL:     cfg.Pipeline.FinishedTTL,
		ResultRetention: cfg.Pipeline.ResultRetention,
		ChunkMaxRetry:   cfg.Queue.ChunkTaskMaxRetry,
		ChunkTimeout:    time.Duration(inf.MaxAttempts)*perAttempt + 5*time.Minute,
		DecryptWorkers:  4,
	}
}
