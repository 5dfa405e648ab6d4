package manager

import (
	"errors"
	"fmt"
)

// busyError signals that a load or generation already occupies the manager.
type busyError struct{ what string }

func (e busyError) Error() string { return "busy: " + e.what + " in progress" }

// IsBusy reports whether err is a Busy rejection (map to 429).
func IsBusy(err error) bool {
	var be busyError
	return errors.As(err, &be)
}

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error for an id that cannot name a model.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var me modelNotFoundError
	return errors.As(err, &me)
}

type noModelError struct{}

func (noModelError) Error() string { return "no model loaded" }

// IsNoModel reports whether a submission failed because nothing is loaded.
func IsNoModel(err error) bool {
	var ne noModelError
	return errors.As(err, &ne)
}

type invalidRequestError struct{ msg string }

func (e invalidRequestError) Error() string { return "invalid request: " + e.msg }

func errInvalid(format string, args ...any) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalidRequest reports whether err is a validation failure.
func IsInvalidRequest(err error) bool {
	var ie invalidRequestError
	return errors.As(err, &ie)
}

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("manager closed")

// dependencyUnavailableError signals a missing backend.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var de dependencyUnavailableError
	return errors.As(err, &de)
}

// LoadError wraps a backend rejection of a model asset.
type LoadError struct {
	ModelID string
	Err     error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.ModelID, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Failure codes carried by PhaseFailed and PhaseError.
const (
	CodeStorage              = "storage_error"
	CodeLoad                 = "load_error"
	CodeGeneration           = "generation_error"
	CodeIncompleteGeneration = "incomplete_generation"
)

// GenerationError is a backend failure during one generation.
type GenerationError struct {
	RequestID string
	Code      string
	Err       error
}

func (e *GenerationError) Error() string { return "generation failed: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// ErrIncompleteGeneration marks a backend that returned the wrong image count.
var ErrIncompleteGeneration = errors.New("incomplete generation")

// IsIncompleteGeneration reports whether err is the wrong-count contract violation.
func IsIncompleteGeneration(err error) bool { return errors.Is(err, ErrIncompleteGeneration) }
