package papaline

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/papaline/papaline/internal/queue"
)

// forkFrame is one entry of the forks/fork-rets stacks (§3). width is
// the fan-out recorded when the fork was entered; seq hands out the
// unique, sequential 0..width-1 index each arriving sibling stores its
// contribution under, so the eventually-materialized slice preserves
// arrival order (§5: "preserves the order in which fan-out completions
// arrived at the join stage, which is not necessarily the fork emission
// order") rather than fork emission order. seq is a plain atomic
// counter, not xsync.Counter: xsync.Counter is a striped adder whose Add
// does not return the running total, so it cannot hand out a unique
// index on its own — only results needs the concurrent map, since
// siblings write disjoint keys and must never contend on a single lock.
type forkFrame struct {
	width   int
	seq     atomic.Int64
	results *xsync.Map[int64, any]
}

func newForkFrame(width int) *forkFrame {
	return &forkFrame{
		width:   width,
		results: xsync.NewMap[int64, any](),
	}
}

// add records one sibling's contribution and reports whether this call
// was the one that completed the fan-out (arrived count == width).
func (f *forkFrame) add(v any) (done bool) {
	seq := f.seq.Add(1)
	f.results.Store(seq-1, v)
	return seq == int64(f.width)
}

// materialize drains the accumulator into a slice ordered by arrival.
func (f *forkFrame) materialize() []any {
	out := make([]any, f.width)
	for i := 0; i < f.width; i++ {
		v, _ := f.results.Load(int64(i))
		out[i] = v
	}
	return out
}

// Context is the envelope that travels between stages (§3). It is never
// safe to share a single *Context between goroutines except through the
// fork/join machinery, which is built to tolerate exactly that.
type Context struct {
	// Args is the current argument tuple for the next stage.
	Args []any

	// Wait, if non-nil, is the single-slot reply queue a synchronous
	// caller is blocked on; the final stage's output (or an abort) must
	// be delivered there.
	Wait *queue.Queue[*Context]

	// Err, if non-nil, is the single-slot error queue a synchronous
	// caller is blocked on for stage exceptions.
	Err *queue.Queue[error]

	// Aborted is true once Abort has short-circuited this Context.
	Aborted bool

	// Ex is the wrapped stage error, if any stage along this Context's
	// path has failed.
	Ex error

	forks    []int
	forkRets []*forkFrame

	// lastTag records the control tag of the most recent stage's return
	// value (plainTag/forkTag/joinTag) so the engine's dispatch step
	// (§4.5) knows how to route Args without re-inspecting a value that
	// has already been unwrapped.
	lastTag controlTag
}

// NewContext builds a fire-and-forget Context carrying args, with no
// reply or error sink attached (used by Run).
func NewContext(args ...any) *Context {
	return &Context{Args: args}
}

// newWaitingContext builds a Context with single-slot reply/error
// queues attached (used by RunWait/RunWaitTimeout).
func newWaitingContext(args ...any) *Context {
	return &Context{
		Args: args,
		Wait: queue.New[*Context](1, queue.Block),
		Err:  queue.New[error](1, queue.Block),
	}
}

// clone copies c's Wait/Err sinks and fork stacks into a new Context
// whose Args the caller sets explicitly; Aborted, Ex and lastTag start
// at their zero values. Used when a fork fans one Context out into k
// siblings that each carry their own fork-stack copy but share the same
// waiter.
func (c *Context) clone(args []any) *Context {
	return &Context{
		Args:     args,
		Wait:     c.Wait,
		Err:      c.Err,
		forks:    append([]int(nil), c.forks...),
		forkRets: append([]*forkFrame(nil), c.forkRets...),
	}
}

func (c *Context) pushFork(width int) *forkFrame {
	frame := newForkFrame(width)
	c.forks = append(c.forks, width)
	c.forkRets = append(c.forkRets, frame)
	return frame
}

// topFork returns the innermost outstanding fork frame, or nil if the
// stacks are empty (a Join with no matching Fork).
func (c *Context) topFork() *forkFrame {
	if len(c.forkRets) == 0 {
		return nil
	}
	return c.forkRets[len(c.forkRets)-1]
}

// popFork removes the innermost fork frame once its Join has completed.
func (c *Context) popFork() {
	n := len(c.forkRets)
	c.forks = c.forks[:n-1]
	c.forkRets = c.forkRets[:n-1]
}
