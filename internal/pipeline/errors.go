package pipeline

import "errors"

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrResultNotReady = errors.New("result not ready")
	ErrJobFailed      = errors.New("job failed")
)
