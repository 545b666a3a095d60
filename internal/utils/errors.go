package utils

import (
	"context"
	"errors"
	"net"
)

// Recoverable is implemented by errors that know whether retrying the
// failed call can succeed (provider 429/5xx responses, for example).
type Recoverable interface {
	Recoverable() bool
}

// IsRecoverableError reports whether the caller may retry the operation that
// produced err. Cancellation by the caller is never recoverable.
func IsRecoverableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var r Recoverable
	if errors.As(err, &r) {
		return r.Recoverable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
