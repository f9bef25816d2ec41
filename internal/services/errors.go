package services

import (
	"errors"
	"fmt"
	"strings"

	"beatbridge/internal/inventory"
)

var (
	ErrAuthExpired       = errors.New("authentication expired")
	ErrTransient         = errors.New("transient failure")
	ErrIntegrity         = errors.New("asset integrity failure")
	ErrArchiveIncomplete = errors.New("archive incomplete")
	ErrCapability        = errors.New("capability unavailable")
	ErrConfiguration     = errors.New("configuration error")
	ErrDuplicate         = errors.New("duplicate product")
	ErrValidation        = errors.New("validation error")
)

// Wrap builds an error message that includes phase context while tagging it
// with the provided marker for later status classification. The marker should
// be one of the exported sentinel errors above.
func Wrap(marker error, phase, operation, message string, err error) error {
	detail := buildDetail(phase, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// FailureStatus maps a phase error to the inventory status the workflow
// manager should persist after the phase fails.
func FailureStatus(err error) inventory.Status {
	switch {
	case errors.Is(err, ErrAuthExpired):
		return inventory.StatusAuthRequired
	case errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrCapability),
		errors.Is(err, ErrArchiveIncomplete),
		errors.Is(err, ErrDuplicate),
		errors.Is(err, ErrValidation):
		return inventory.StatusReview
	default:
		return inventory.StatusFailed
	}
}

func buildDetail(phase, operation, message string) string {
	parts := make([]string, 0, 3)
	if phase = strings.TrimSpace(phase); phase != "" {
		parts = append(parts, phase)
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
