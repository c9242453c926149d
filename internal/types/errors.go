package types

import (
	"errors"
	"fmt"
)

// Error category codes shared across the system. Every categorized failure
// maps to exactly one of these.
const (
	CatTimeout           = "TIMEOUT"
	CatRateLimit         = "RATE_LIMIT"
	CatNetworkError      = "NETWORK_ERROR"
	CatAuth              = "AUTH"
	CatQuotaExceeded     = "QUOTA_EXCEEDED"
	CatNotFound          = "NOT_FOUND"
	CatValidation        = "VALIDATION"
	CatCircuitOpen       = "CIRCUIT_OPEN"
	CatDependencyMissing = "DEPENDENCY_MISSING"
	CatUnknown           = "UNKNOWN"
)

// ErrCircuitOpen is returned when a circuit breaker rejects a call without
// invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// PipelineError carries enough structure for the retry manager to decide
// without string matching.
type PipelineError struct {
	Phase      PhaseName
	Category   string
	StatusCode int // HTTP status when the failure came from a provider, else 0
	Retryable  bool
	Err        error
}

func (e *PipelineError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Phase, e.Category, e.Err)
	}
	return fmt.Sprintf("[%s]: %v", e.Category, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a category. Retryable defaults from the
// category's recoverability; callers may override after construction.
func NewPipelineError(phase PhaseName, category string, err error) *PipelineError {
	return &PipelineError{
		Phase:     phase,
		Category:  category,
		Retryable: category != CatAuth && category != CatValidation && category != CatNotFound,
		Err:       err,
	}
}

// CategoryOf extracts the category from err when it carries one, else "".
func CategoryOf(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, ErrCircuitOpen) {
		return CatCircuitOpen
	}
	return ""
}

// StatusCodeOf extracts an HTTP status carried by err, else 0.
func StatusCodeOf(err error) int {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// HTTPError is a provider response failure carrying its status code.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}
