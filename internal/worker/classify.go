package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime/debug"
	"strings"

	"github.com/wgomg/facevec/internal/isolation"
)

// ErrInvalidValue marks bad input values: undecodable images, unknown
// model names, tensors of the wrong shape, non-finite outputs.
var ErrInvalidValue = errors.New("invalid value")

// Classify maps an error to the error_type reported to the orchestrator.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, fs.ErrNotExist):
		return isolation.KindFileNotFound
	case errors.Is(err, ErrInvalidValue):
		return isolation.KindValue
	default:
		return isolation.KindUnknown
	}
}

// Trace renders the wrap chain of err followed by the current goroutine
// stack.
func Trace(err error) string {
	var b strings.Builder
	depth := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%s%T: %v\n", strings.Repeat("  ", depth), e, e)
		depth++
	}
	b.WriteString("\n")
	b.Write(debug.Stack())
	return b.String()
}

func failureFrom(err error) *isolation.Failure {
	return &isolation.Failure{
		Error:     err.Error(),
		ErrorType: Classify(err),
		Traceback: Trace(err),
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func failureFromPanic(p *panicError) *isolation.Failure {
	return &isolation.Failure{
		Error:     p.Error(),
		ErrorType: isolation.KindUnknown,
		Traceback: string(p.stack),
	}
}
