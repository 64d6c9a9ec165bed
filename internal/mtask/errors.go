package mtask

import (
	"errors"
	"fmt"
)

// Workflow error taxonomy. Callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrConflict          = errors.New("conflict")
	ErrDependencyFailure = errors.New("dependency failure")
)

// Store-level errors, translated by the engine.
var (
	ErrNoDocument      = errors.New("no document")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate key")
)

func notFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// dependency wraps a store error so both the taxonomy sentinel and the
// original cause stay matchable.
func dependency(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDependencyFailure, err)
}

// storeErr maps a store lookup error onto the taxonomy.
func storeErr(op, what string, err error) error {
	if errors.Is(err, ErrNoDocument) {
		return notFound("%s", what)
	}
	return dependency(op, err)
}

// publicMessage is the text safe to return to API callers.
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrDependencyFailure), !isTaxonomy(err):
		return "internal error"
	}
	return err.Error()
}

func isTaxonomy(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDependencyFailure)
}
