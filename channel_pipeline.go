package papaline

import (
	"sync"
	"time"

	"github.com/oklog/run"

	"github.com/papaline/papaline/internal/plog"
	"github.com/papaline/papaline/internal/queue"
)

// ChannelPipeline is the channel engine (§4.5): realized stages wired
// head-to-tail, one long-lived reader goroutine per stage that runs
// each arriving Context inline before returning to select for the next
// one.
type ChannelPipeline struct {
	stages          []*realizedStage
	done            *queue.Queue[struct{}]
	errorHandler    func(error)
	onStageComplete func(stageName string, err error)

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewChannelPipeline realizes stages in order and starts one reader
// goroutine per stage (§4.5 "Start"). The returned Pipeline is already
// running.
func NewChannelPipeline(stages []*Stage, opts ...PipelineOption) *ChannelPipeline {
	cfg := newPipelineConfig(opts)

	p := &ChannelPipeline{
		done:            queue.New[struct{}](1, queue.Block),
		errorHandler:    cfg.errorHandler,
		onStageComplete: cfg.onStageComplete,
		stopped:         make(chan struct{}),
	}
	for _, st := range stages {
		p.stages = append(p.stages, st.realize())
	}
	p.start()
	return p
}

func (p *ChannelPipeline) start() {
	var g run.Group

	// The done signal itself also participates as a run.Group actor so
	// that Stop (which closes p.done and p.stopped; closing p.stopped
	// releases this actor) is what unblocks Run.
	stopSignal := make(chan struct{})
	g.Add(
		func() error {
			<-stopSignal
			return nil
		},
		func(error) {},
	)

	for i, rs := range p.stages {
		rs := rs
		var out *queue.Queue[*Context]
		if i+1 < len(p.stages) {
			out = p.stages[i+1].in
		}
		g.Add(
			func() error {
				p.readLoop(rs, out)
				return nil
			},
			func(error) {
				// Defensive close in case the reader is parked on a
				// blocked downstream Put rather than on Select.
				rs.in.Close()
			},
		)
	}

	go func() {
		<-p.stopped
		close(stopSignal)
	}()

	go func() { _ = g.Run() }()
}

// readLoop is one stage's reader task (§4.5 "Per iteration"). It
// priority-selects {done, in} with done winning ties, and runs each
// arriving Context inline before returning to select for the next one.
// Running inline — rather than spawning a work goroutine per item and
// returning to select immediately — is what makes §8's backpressure
// property hold exactly rather than approximately: when the work this
// reader is doing blocks on a full downstream queue (block discipline),
// this reader's own Take stalls with it, which in turn stalls whatever
// is blocked trying to Put into this stage's queue. Spawning a work
// goroutine per item (the literal §4.5 reading) was evaluated and
// rejected because it can only bound in-flight items statistically, not
// deterministically,
// exactly the "unbounded inner concurrency" failure mode the design
// notes (§9) warn an unthrottled spawn-per-item reader is prone to.
func (p *ChannelPipeline) readLoop(rs *realizedStage, out *queue.Queue[*Context]) {
	log := plog.For(plog.TagChannel)
	for {
		idx, val, live := queue.Select(queue.AsSelectable(p.done), queue.AsSelectable(rs.in))
		if idx == 0 {
			rs.in.Close()
			log.Debug().Str("stage", rs.name).Msg("done observed, stage reader exiting")
			return
		}
		if !live {
			return
		}
		c := val.(*Context)
		p.runWorkItem(rs, out, c)
	}
}

// runWorkItem runs one Context through one stage and routes the result
// per §4.5 steps 1-5.
func (p *ChannelPipeline) runWorkItem(rs *realizedStage, out *queue.Queue[*Context], c *Context) {
	log := plog.For(plog.TagStage)
	c = runStage(rs, c)

	if p.onStageComplete != nil {
		p.onStageComplete(rs.name, c.Ex)
	}

	if c.Ex != nil {
		if p.errorHandler != nil {
			p.errorHandler(c.Ex)
		}
		if c.Err != nil {
			c.Err.Put(c.Ex)
			return
		}
		// §9 open question, resolved: no error sink means drop and log.
		log.Warn().Err(c.Ex).Str("stage", rs.name).Msg("stage error with no error sink, dropping context")
		return
	}

	effective := out
	if effective == nil {
		effective = c.Wait
	}
	if effective == nil {
		return // fire-and-forget terminal
	}

	if c.Aborted {
		if c.Wait != nil {
			c.Wait.Put(c)
		}
		return
	}

	switch c.lastTag {
	case forkTag:
		frame := c.pushFork(len(c.Args))
		for _, a := range c.Args {
			child := c.clone([]any{a})
			effective.Put(child)
		}
		_ = frame

	case joinTag:
		frame := c.topFork()
		if frame == nil {
			log.Warn().Str("stage", rs.name).Msg("join with no outstanding fork, dropping context")
			return
		}
		var v any
		if len(c.Args) > 0 {
			v = c.Args[0]
		}
		if frame.add(v) {
			joined := frame.materialize()
			c.popFork()
			c.Args = []any{joined}
			c.lastTag = plainTag
			effective.Put(c)
		}
		// else: this sibling's traversal completes silently.

	default:
		effective.Put(c)
	}
}

// Run enqueues args as a fire-and-forget invocation (§4.7): no reply or
// error sink is attached.
func (p *ChannelPipeline) Run(args ...any) {
	if len(p.stages) == 0 {
		return
	}
	p.stages[0].in.Put(NewContext(args...))
}

// RunWait enqueues args and blocks for the final result (§4.7).
func (p *ChannelPipeline) RunWait(args ...any) ([]any, error) {
	if len(p.stages) == 0 {
		return args, nil
	}
	c := newWaitingContext(args...)
	p.stages[0].in.Put(c)
	return waitForResult(p.done, c)
}

// RunWaitTimeout is RunWait with a deadline (§4.7).
func (p *ChannelPipeline) RunWaitTimeout(timeout time.Duration, sentinel []any, args ...any) ([]any, error) {
	if len(p.stages) == 0 {
		return args, nil
	}
	c := newWaitingContext(args...)
	p.stages[0].in.Put(c)
	args, _, err := waitForResultTimeout(p.done, c, timeout, sentinel)
	return args, err
}

// Stop signals done; every stage reader closes its input queue and
// exits once it observes the signal (§4.5 "Shutdown").
func (p *ChannelPipeline) Stop() {
	p.stopOnce.Do(func() {
		p.done.Close()
		close(p.stopped)
	})
}
