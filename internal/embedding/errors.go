package embedding

import (
	"fmt"
	"time"
)

// InputError is returned before any worker is started.
type InputError struct {
	Field   string
	Path    string
	Message string
	Cause   error
}

func (e *InputError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Path, e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *InputError) Unwrap() error { return e.Cause }

// WorkerLaunchError means the worker could not be located or started.
type WorkerLaunchError struct {
	Command string
	Cause   error
}

func (e *WorkerLaunchError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("launch embedding worker: %v", e.Cause)
	}
	return fmt.Sprintf("launch embedding worker %s: %v", e.Command, e.Cause)
}

func (e *WorkerLaunchError) Unwrap() error { return e.Cause }

// TimeoutError is returned after the worker's process group was killed.
type TimeoutError struct {
	Model   ModelSelector
	Timeout time.Duration
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("embedding worker for %s did not finish within %s", e.Model, e.Timeout)
}

// IsTimeout lets callers match timeouts without a type assertion.
func (e *TimeoutError) IsTimeout() bool { return true }

// WorkerFailure covers every run where the worker reported or implied a
// failure. Kind is one of the isolation.Kind* values.
type WorkerFailure struct {
	Kind      string
	Message   string
	Traceback string
	Stderr    string
	ExitCode  int
	Cause     error
}

func (e *WorkerFailure) Error() string {
	return fmt.Sprintf("embedding worker failed (%s, exit code %d): %s", e.Kind, e.ExitCode, e.Message)
}

func (e *WorkerFailure) Unwrap() error { return e.Cause }

// DimensionMismatchError is a contract violation on an otherwise
// successful run.
type DimensionMismatchError struct {
	Model    ModelSelector
	Expected int
	Reported int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding for %s has dimension %d (reported %d), expected %d", e.Model, e.Actual, e.Reported, e.Expected)
}
