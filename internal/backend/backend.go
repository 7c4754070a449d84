package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Backend is the interface to the inference service. Implementations must be
// safe for concurrent use by multiple dispatch workers.
type Backend interface {
	// Infer sends payload to the backend and returns its predictions. The
	// context carries the per-call deadline.
	Infer(ctx context.Context, payload []byte) (Prediction, error)
}

// Prediction holds the backend's answer for one task.
type Prediction struct {
	// Predictions is the JSON array returned by the backend, kept verbatim.
	Predictions json.RawMessage `json:"predictions"`
}

// Failure kinds reported by Error.
const (
	KindTimeout   = "timeout"
	KindStatus    = "status"
	KindTransport = "transport"
	KindMalformed = "malformed"
)

// Error classifies a failed backend call.
type Error struct {
	Kind       string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("backend call timed out: %v", e.Err)
	default:
		return fmt.Sprintf("backend %s error: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call could succeed: timeouts,
// transport failures and 5xx responses are retryable, everything else is not.
func Retryable(err error) bool {
	var be *Error
	if !errors.As(err, &be) {
		return false
	}
	switch be.Kind {
	case KindTimeout, KindTransport:
		return true
	case KindStatus:
		return be.StatusCode >= 500
	default:
		return false
	}
}
