package models

import "fmt"

// ErrorKind is the coarse error taxonomy surfaced to clients and recorded on
// failed jobs.
type ErrorKind string

const (
	ErrValidation        ErrorKind = "ValidationError"
	ErrRateLimited       ErrorKind = "RateLimited"
	ErrNotFound          ErrorKind = "NotFound"
	ErrEngineUnavailable ErrorKind = "EngineUnavailable"
	ErrEngine            ErrorKind = "EngineError"
	ErrStorage           ErrorKind = "StorageError"
	ErrEnqueueFailed     ErrorKind = "EnqueueFailed"
	ErrWorkerCrashed     ErrorKind = "WorkerCrashed"
	ErrInternal          ErrorKind = "InternalError"
)

// APIError is an error with a client-visible kind
type APIError struct {
	Kind    ErrorKind
	Message string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAPIError builds an APIError with a formatted message
func NewAPIError(kind ErrorKind, format string, args ...interface{}) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to InternalError for errors
// outside the taxonomy.
func KindOf(err error) ErrorKind {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Kind
	}
	return ErrInternal
}
