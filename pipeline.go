// Package papaline is a staged dataflow pipeline runtime: a small
// concurrency library for composing a linear sequence of stages,
// connected by bounded buffered queues, with well-defined backpressure,
// error, fork/join, abort, and cancellation semantics. Two execution
// engines — ChannelPipeline and PoolPipeline — share the same Stage and
// Context model.
package papaline

import (
	"time"

	"github.com/papaline/papaline/internal/queue"
)

// Pipeline is the contract both engines satisfy (§4.7, §6).
type Pipeline interface {
	// Run is a fire-and-forget invocation: no reply or error sink is
	// attached.
	Run(args ...any)

	// RunWait blocks until the final stage's output is available (or a
	// stage error / pipeline-closed condition is raised).
	RunWait(args ...any) ([]any, error)

	// RunWaitTimeout is RunWait bounded by timeout; on expiry it
	// returns sentinel rather than blocking further. In-flight work is
	// not cancelled by a timeout (§5 "Cancellation").
	RunWaitTimeout(timeout time.Duration, sentinel []any, args ...any) ([]any, error)

	// Stop requests shutdown. For the channel engine this closes every
	// stage's input queue once its reader observes the signal; for the
	// pool engine it is a no-op, since the pool's lifecycle belongs to
	// its creator (§4.6).
	Stop()
}

// pipelineConfig collects the options shared by both engines.
type pipelineConfig struct {
	errorHandler    func(error)
	onStageComplete func(stageName string, err error)
}

// PipelineOption configures a Pipeline at construction.
type PipelineOption func(*pipelineConfig)

// WithErrorHandler installs a handler invoked once per stage exception,
// regardless of whether the invocation that triggered it was
// fire-and-forget or synchronous (§7).
func WithErrorHandler(h func(error)) PipelineOption {
	return func(c *pipelineConfig) { c.errorHandler = h }
}

// WithOnStageComplete installs a callback invoked after every stage
// runs, successful or not — a lightweight substitute for the teacher's
// WorkflowMetrics/StageMetrics bookkeeping, routed through the caller
// rather than an invented metrics package (see SPEC_FULL.md).
func WithOnStageComplete(h func(stageName string, err error)) PipelineOption {
	return func(c *pipelineConfig) { c.onStageComplete = h }
}

func newPipelineConfig(opts []PipelineOption) *pipelineConfig {
	cfg := &pipelineConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// waitForResult implements RunWait's blocking priority select over
// {done, error, reply} (§4.7/§4.1) in the calling goroutine, done
// winning ties, using the library's own queue.Select rather than a
// background watcher per queue.
func waitForResult(done *queue.Queue[struct{}], c *Context) ([]any, error) {
	args, _, err := waitForResultTimeout(done, c, 0, nil)
	return args, err
}

// timerSelectable adapts a one-shot timer into internal/queue's
// Selectable interface, so RunWaitTimeout's deadline can be folded into
// the same priority select as {done, error, reply} instead of racing a
// separate goroutine against the select's result.
type timerSelectable struct {
	fired chan struct{}
}

func newTimerSelectable(d time.Duration) *timerSelectable {
	t := &timerSelectable{fired: make(chan struct{})}
	time.AfterFunc(d, func() { close(t.fired) })
	return t
}

func (t *timerSelectable) tryTakeAny() (any, bool) {
	select {
	case <-t.fired:
		return struct{}{}, true
	default:
		return nil, false
	}
}

func (t *timerSelectable) isClosedEmpty() bool  { return false }
func (t *timerSelectable) watch() chan struct{} { return t.fired }

// waitForResultTimeout adds a deadline to waitForResult; expired is true
// when sentinel was returned because timeout elapsed before a result.
// {done, c.Err, c.Wait} (and, with a deadline, the timer) are raced with
// a single queue.Select call in this goroutine: no per-queue watcher
// goroutines are spawned, so nothing is left blocked on a queue that
// this Context's invariant (§3: at most one of {completion, abort,
// exception} is ever observable) guarantees will never receive a value.
func waitForResultTimeout(done *queue.Queue[struct{}], c *Context, timeout time.Duration, sentinel []any) (args []any, expired bool, err error) {
	selectables := []queue.Selectable{
		queue.AsSelectable(done),
		queue.AsSelectable(c.Err),
		queue.AsSelectable(c.Wait),
	}
	if timeout > 0 {
		selectables = append(selectables, newTimerSelectable(timeout))
	}

	idx, val, _ := queue.Select(selectables...)
	switch idx {
	case 0:
		return nil, false, ErrClosed
	case 1:
		return nil, false, val.(error)
	case 2:
		return val.(*Context).Args, false, nil
	default: // the timer selectable, only present when timeout > 0
		return sentinel, true, nil
	}
}

// PipelineAsStage wraps a Pipeline as a Stage whose transform invokes
// RunWait on it (§4.7), so pipelines can be nested as a step of an
// outer pipeline.
func PipelineAsStage(p Pipeline, opts ...StageOption) *Stage {
	return NewStage(func(args []any) (any, error) {
		return p.RunWait(args...)
	}, opts...)
}
