package papaline

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrClosed is raised to a synchronous waiter that observes the
// pipeline's done signal before its reply arrives.
var ErrClosed = errors.New("papaline: pipeline closed")

// ErrForkUnsupported and ErrJoinUnsupported are returned by the pool
// engine when a stage transform returns a Fork/Join value: the pool
// engine has no per-stage queues to fan values out across, so §9's
// open question is resolved by rejecting them outright.
var (
	ErrForkUnsupported = errors.New("papaline: fork is not supported by the pool engine")
	ErrJoinUnsupported = errors.New("papaline: join is not supported by the pool engine")
)

// StageError wraps a transform's error with the name of the stage that
// raised it and the arguments it was invoked with. errors.Cause unwraps
// to the original error; Cause() and Unwrap() return it wrapped with the
// stack recorded by errors.WithStack.
type StageError struct {
	StageName string
	InputArgs []any
	cause     error
}

func (e *StageError) Error() string {
	name := e.StageName
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("papaline: stage %q failed on args %v: %v", name, e.InputArgs, e.cause)
}

// Cause implements the github.com/pkg/errors Causer interface.
func (e *StageError) Cause() error { return e.cause }

// Unwrap lets errors.Is/As from the standard library see through too.
func (e *StageError) Unwrap() error { return e.cause }

func wrapStageError(stageName string, args []any, cause error) *StageError {
	return &StageError{StageName: stageName, InputArgs: args, cause: errors.WithStack(cause)}
}
