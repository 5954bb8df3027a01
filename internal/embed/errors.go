package embed

import (
	"fmt"
	"time"
)

// HTTPError is a non-200 response from an embedding endpoint.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// EmbeddingError reports a text that could not be turned into a vector of
// the configured width.
type EmbeddingError struct {
	Supplier string
	Model    string
	Reason   string
	Err      error
}

func (e *EmbeddingError) Error() string {
	msg := fmt.Sprintf("embedding %s/%s: %s", e.Supplier, e.Model, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EmbeddingError) Unwrap() error { return e.Err }
