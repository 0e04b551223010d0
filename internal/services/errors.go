package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks bad input shape or limits; rejected synchronously,
	// never retried.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a missing project/segment/photo. Workers treat it as a
	// terminal no-op, not a retryable failure.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks storage/queue/external-service hiccups worth retrying.
	ErrTransient = errors.New("transient failure")
	// ErrExternalTool marks a failure of an external binary or HTTP service.
	ErrExternalTool = errors.New("external tool error")
	// ErrConfiguration marks unusable configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrQuotaExceeded marks resource exhaustion; refused synchronously.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// Wrap builds an error message that includes stage context while tagging it
// with the provided marker for later classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsRetryable reports whether the scheduler should re-attempt a failed job.
// Validation and not-found failures never benefit from a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrQuotaExceeded):
		return false
	default:
		return true
	}
}

// IsNoOp reports whether a failure means the subject disappeared mid-job and
// the job should terminate quietly.
func IsNoOp(err error) bool {
	return errors.Is(err, ErrNotFound)
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
