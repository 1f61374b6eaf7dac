// Package faults defines the error taxonomy shared by the converter
// components. Errors are tagged with one of the sentinel kinds below and can be
// classified with errors.Is regardless of how deeply they were wrapped.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBackendUnavailable means no decoding capability can serve the source.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrFormat means the source container is malformed or inconsistent.
	ErrFormat = errors.New("format error")
	// ErrValidation means caller-supplied indices, ranges or options are invalid.
	ErrValidation = errors.New("validation error")
	// ErrCalibration marks non-fatal calibration warnings. It is never returned
	// as the error of an operation.
	ErrCalibration = errors.New("calibration warning")
)

// Exit codes used by the command line.
const (
	ExitOK                 = 0
	ExitFailure            = 1
	ExitValidation         = 2
	ExitFormat             = 3
	ExitBackendUnavailable = 4
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrFormat
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Validation is shorthand for Wrap(ErrValidation, ...) with a formatted message.
func Validation(component, format string, args ...any) error {
	return Wrap(ErrValidation, component, "", fmt.Sprintf(format, args...), nil)
}

// Format is shorthand for Wrap(ErrFormat, ...) with a formatted message.
func Format(component, format string, args ...any) error {
	return Wrap(ErrFormat, component, "", fmt.Sprintf(format, args...), nil)
}

// Kind returns the short name of the error's taxonomy kind, or "error" when
// the error carries no marker.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrFormat):
		return "format"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrCalibration):
		return "calibration"
	default:
		return "error"
	}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrValidation):
		return ExitValidation
	case errors.Is(err, ErrFormat):
		return ExitFormat
	case errors.Is(err, ErrBackendUnavailable):
		return ExitBackendUnavailable
	default:
		return ExitFailure
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "converter failure"
	}
	return strings.Join(parts, ": ")
}
