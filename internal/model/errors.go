package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. No state was changed.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a referenced entity that does not exist for the caller.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a conditional write that lost a race.
	ErrConflict = errors.New("conflicting update")
	// ErrDuplicate marks a conditional create whose key already exists.
	ErrDuplicate = errors.New("duplicate")
	// ErrUpstreamGeneration marks a planner or coach failure.
	ErrUpstreamGeneration = errors.New("upstream generation failed")
)

func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Upstream wraps a planner error so callers can match ErrUpstreamGeneration
// while keeping the original cause reachable through errors.Is / errors.As.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUpstreamGeneration, err)
}
