package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrProviderUnavailable = errors.New("inference provider unavailable")
	ErrInferenceTimeout    = errors.New("inference timeout")
	ErrInvalidResponse     = errors.New("inference provider returned invalid response")
)

// IsTransient reports whether err is worth retrying: the provider was unreachable or
// slow. Malformed responses are application errors and never retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidResponse) {
		return false
	}
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrInferenceTimeout)
}

// ClassifyError maps a transport error onto the sentinel errors.
func ClassifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}
