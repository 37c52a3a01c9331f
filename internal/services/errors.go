package services

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for failure classification. Stage and collaborator code
// wraps failures with exactly one of these so the workflow manager and the
// API boundary can map them to record states and response codes without
// inspecting message text.
var (
	// ErrInvalidInput marks failures caused by bad user-supplied data
	// (corrupt media, malformed plan edits). Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRetryableExternal marks transient collaborator failures (timeouts,
	// rate limits, 5xx). Retried with backoff up to a bounded ceiling.
	ErrRetryableExternal = errors.New("retryable external failure")
	// ErrUnauthorized marks identity/ownership violations. Rejected at the
	// boundary; never reaches the state machine.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict marks concurrent-mutation races on a project's plan.
	ErrConflict = errors.New("conflict")
	// ErrCancelled marks user-initiated cancellation. Terminal but rendered
	// distinctly from true failures.
	ErrCancelled = errors.New("cancelled")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrRetryableExternal
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether an error is classified as transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrRetryableExternal)
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
