package inference

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kiranshivaraju/transchord/pkg/models"
)

// RetryPolicy retries a call a bounded number of times with a fixed pause between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable decides which errors get another attempt. Defaults to IsTransient.
	Retryable func(error) bool
	// Logger receives retry notices when the call context carries none. Defaults to slog.Default().
	Logger *slog.Logger
}

type loggerKey struct{}

// WithLogger returns a context whose retry notices go to log. Callers use it to tag
// notices with the work item being processed.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

func (p RetryPolicy) logger(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts is spent.
// The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransient
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	log := p.logger(ctx)
	notify := func(err error, wait time.Duration) {
		log.Warn("inference call failed, retrying", "attempt", attempt, "max_attempts", attempts, "wait", wait, "error", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, b, notify)
}

// retryingProvider decorates a provider with a RetryPolicy.
type retryingProvider struct {
	models.InferenceProvider
	policy RetryPolicy
}

// WithRetry wraps provider so every Generate call goes through policy.
func WithRetry(provider models.InferenceProvider, policy RetryPolicy) models.InferenceProvider {
	return &retryingProvider{InferenceProvider: provider, policy: policy}
}

func (r *retryingProvider) Generate(ctx context.Context, prompt string) (string, error) {
	var out string
	err := r.policy.Do(ctx, func(ctx context.Context) error {
		text, err := r.InferenceProvider.Generate(ctx, prompt)
		if err != nil {
			return err
		}
		out = text
		return nil
	})
	return out, err
}
