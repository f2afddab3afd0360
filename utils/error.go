package utils

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

var ErrorRecordNotFound = errors.New("record not found")

var (
	// ErrConfigurationMissing marks a missing source, batch, mapping or formula.
	// Callers map it to a not-found result; nothing has been written when it is returned.
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrInvariantViolation is returned when a write would break a storage invariant
	// (raw record mutation, canonical record without identity).
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrLeaseNotObtained means another run already holds the source lease.
	ErrLeaseNotObtained = errors.New("ingestion already running for source")

	ErrForbidden = errors.New("forbidden")
)

func ConfigurationMissing(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigurationMissing, fmt.Sprintf(format, args...))
}

func InvariantViolation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// TransientUpstreamError wraps a network failure or 5xx answer from an upstream source.
type TransientUpstreamError struct {
	StatusCode int
	Err        error
}

func (e *TransientUpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("upstream unavailable (status=%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream unavailable: %v", e.Err)
}

func (e *TransientUpstreamError) Unwrap() error { return e.Err }

func (e *TransientUpstreamError) Temporary() bool { return true }

func IsTransientUpstream(err error) bool {
	var t *TransientUpstreamError
	if errors.As(err, &t) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RecordError is a failure scoped to a single raw record. It is tallied, never propagated.
type RecordError struct {
	RawRecordId uint64 `json:"rawRecordId"`
	Stage       string `json:"stage"`
	Message     string `json:"message"`
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("raw record %d: %s: %s", e.RawRecordId, e.Stage, e.Message)
}

// HTTPStatus maps the error taxonomy onto a response code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrorRecordNotFound), errors.Is(err, ErrConfigurationMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrLeaseNotObtained):
		return http.StatusConflict
	case errors.Is(err, ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case IsTransientUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
