package papaline

import (
	"github.com/papaline/papaline/internal/plog"
	"github.com/papaline/papaline/internal/queue"
)

// StageFunc is a stage's transform: a function of the normalized
// argument tuple that produces a value (§4.2). Returning the result of
// Fork or Join marks the control tag the engine dispatches on; any other
// return value travels as a plain result. A transform may also call
// Abort to short-circuit, or simply return a non-nil error.
type StageFunc func(args []any) (any, error)

const (
	// DefaultCapacity is the queue capacity a Stage uses when none is
	// given (§4.2).
	DefaultCapacity = 100
)

// Stage is an immutable, reusable description of one pipeline step
// (§3). Constructing a Stage only records intent: no queue exists until
// a Pipeline realizes it (§4.2).
type Stage struct {
	name       string
	capacity   int
	discipline queue.Discipline
	transform  StageFunc
}

// StageOption configures a Stage at construction.
type StageOption func(*Stage)

// WithCapacity sets the stage's input queue capacity. Must be positive;
// non-positive values are ignored and the default is kept.
func WithCapacity(n int) StageOption {
	return func(s *Stage) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithDiscipline sets the stage's input queue overflow discipline.
func WithDiscipline(d queue.Discipline) StageOption {
	return func(s *Stage) { s.discipline = d }
}

// WithName sets the stage's name, used in logs and StageError.
func WithName(name string) StageOption {
	return func(s *Stage) { s.name = name }
}

// NewStage declares a Stage with the given transform and options (§4.2,
// §6). Defaults: capacity 100, discipline Block.
func NewStage(fn StageFunc, opts ...StageOption) *Stage {
	s := &Stage{
		capacity:   DefaultCapacity,
		discipline: queue.Block,
		transform:  fn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CopyStage builds a Stage that invokes fn for its side effects and
// forwards the original arguments unchanged — useful for logging taps
// (§4.2).
func CopyStage(fn func(args []any), opts ...StageOption) *Stage {
	return NewStage(func(args []any) (any, error) {
		fn(args)
		return normalizeReturn(args), nil
	}, opts...)
}

// realizedStage is a Stage instantiated inside one Pipeline (§3): a
// concrete bounded queue of *Context plus the transform and name it was
// declared with. Created once at Pipeline start, destroyed at Stop.
type realizedStage struct {
	name      string
	transform StageFunc
	in        *queue.Queue[*Context]
}

func (s *Stage) realize() *realizedStage {
	return &realizedStage{
		name:      s.name,
		transform: s.transform,
		in:        queue.New[*Context](s.capacity, s.discipline),
	}
}

// normalizeArgs implements §4.4 step 1: absent args become an empty
// slice and any other tuple is passed through. Wrapping a non-slice
// value in a singleton slice is done by normalizeReturn, when a stage's
// result is stored into Context.Args.
func normalizeArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// normalizeReturn wraps a raw stage return value into the []any shape
// Context.Args holds, mirroring the spreading normalizeArgs does on the
// way in.
func normalizeReturn(v any) []any {
	if v == nil {
		return []any{}
	}
	if s, ok := v.([]any); ok {
		return s
	}
	return []any{v}
}

// runStage executes one stage against one Context (§4.4). It always
// returns a Context — callers must inspect Ex/Aborted to see what
// happened.
func runStage(rs *realizedStage, c *Context) (out *Context) {
	args := normalizeArgs(c.Args)

	result, err := invokeTransform(rs, c, args)
	if c.Aborted {
		// Abort was raised (possibly deep inside the transform); the
		// abortSignal has already been merged into c by invokeTransform.
		return c
	}

	if err != nil {
		wrapped := wrapStageError(rs.name, args, err)
		plog.For(plog.TagStage).Error().Err(wrapped).Str("stage", rs.name).Msg("stage transform failed")
		c.Ex = wrapped
		return c
	}

	tag, value := unwrapControl(result)
	switch tag {
	case forkTag:
		c.Args = value.([]any)
	case joinTag:
		c.Args = []any{value}
	default:
		c.Args = normalizeReturn(value)
	}
	c.lastTag = tag
	return c
}

// invokeTransform runs the transform, recovering an abortSignal panic
// (§4.4 step 4: "if the thrown error carries an abort marker, merge its
// attached data into the Context"). Any other panic is not ours to
// handle and is re-raised.
func invokeTransform(rs *realizedStage, c *Context, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if as, ok := r.(abortSignal); ok {
				c.Aborted = true
				if as.hasValue {
					c.Args = normalizeReturn(as.value)
				}
				return
			}
			panic(r)
		}
	}()
	return rs.transform(args)
}
