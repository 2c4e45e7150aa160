package manager

import (
	"errors"
	"net/http"
)

// modelNotFoundError signals an unknown model selector (404).
type modelNotFoundError struct{ name string }

func (e modelNotFoundError) Error() string   { return "model not found: " + e.name }
func (e modelNotFoundError) StatusCode() int { return http.StatusNotFound }

// ErrModelNotFound returns an error for a selector that names no loaded model.
func ErrModelNotFound(name string) error { return modelNotFoundError{name: name} }

// IsModelNotFound reports whether the error indicates an unknown model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// noModelsLoadedError is a configuration error: discovery and loading left
// the registry empty.
type noModelsLoadedError struct{ reason string }

func (e noModelsLoadedError) Error() string {
	if e.reason == "" {
		return "no models loaded"
	}
	return "no models loaded: " + e.reason
}

func (e noModelsLoadedError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrNoModelsLoaded constructs a noModelsLoadedError.
func ErrNoModelsLoaded(reason string) error { return noModelsLoadedError{reason: reason} }

// IsNoModelsLoaded reports whether err indicates an empty registry.
func IsNoModelsLoaded(err error) bool {
	var e noModelsLoadedError
	return errors.As(err, &e)
}

// invalidExplanationTypeError signals an unknown explanation method (400).
type invalidExplanationTypeError struct{ cause error }

func (e invalidExplanationTypeError) Error() string   { return e.cause.Error() }
func (e invalidExplanationTypeError) Unwrap() error   { return e.cause }
func (e invalidExplanationTypeError) StatusCode() int { return http.StatusBadRequest }

// ErrInvalidExplanationType wraps a parse failure of requested methods.
func ErrInvalidExplanationType(cause error) error { return invalidExplanationTypeError{cause: cause} }

// IsInvalidExplanationType reports whether err indicates an unknown method.
func IsInvalidExplanationType(err error) bool {
	var e invalidExplanationTypeError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing external dependency (ONNX
// Runtime, LLM credentials) so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct {
	msg   string
	cause error
}

func (e dependencyUnavailableError) Error() string {
	if e.cause == nil {
		return e.msg
	}
	return e.msg + ": " + e.cause.Error()
}

func (e dependencyUnavailableError) Unwrap() error   { return e.cause }
func (e dependencyUnavailableError) StatusCode() int { return http.StatusServiceUnavailable }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

func dependencyUnavailable(msg string, cause error) error {
	return dependencyUnavailableError{msg: msg, cause: cause}
}

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}
