package papaline

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/papaline/papaline/internal/plog"
	"github.com/papaline/papaline/internal/queue"
)

// poolWorkerSeq is the thread factory's monotonic counter (§4.8):
// worker goroutines across every Pool in the process are named
// papaline-pool-<n> from one shared sequence, the way a real thread
// factory numbers threads it hands out regardless of which pool asked.
var poolWorkerSeq atomic.Int64

// Pool is the pool engine's shared worker pool (§4.6, §4.8): a fixed
// number of long-lived worker goroutines pulling submitted tasks off one
// bounded queue. A Pool is not owned by any one PoolPipeline — several
// pipelines may share it, and its creator is responsible for Close.
type Pool struct {
	submissions *queue.Queue[func()]
	wg          sync.WaitGroup
}

// NewPool starts workers goroutines backed by a submission queue of the
// given size and overflow discipline. NewPool applies no default
// discipline: the caller always passes one. Sliding gives the
// discard-oldest rejection policy: under sustained submission the oldest
// pending task is dropped rather than blocking the submitter.
func NewPool(workers, queueSize int, discipline queue.Discipline) *Pool {
	p := &Pool{submissions: queue.New[func()](queueSize, discipline)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

func (p *Pool) runWorker() {
	defer p.wg.Done()
	name := fmt.Sprintf("papaline-pool-%d", poolWorkerSeq.Add(1)-1)
	log := plog.For(plog.TagPool).With().Str("worker", name).Logger()
	for {
		task, ok := p.submissions.Take()
		if !ok {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("pool task panicked")
				}
			}()
			task()
		}()
	}
}

// Submit enqueues fn per the pool's rejection policy. It never blocks
// under Sliding/Dropping; under Block it waits for a free slot.
func (p *Pool) Submit(fn func()) {
	p.submissions.Put(fn)
}

// Close stops accepting new work and waits for all workers to drain
// and exit. The pool's lifecycle belongs to its creator, not to any
// PoolPipeline built on top of it (§5 "Resource lifetime").
func (p *Pool) Close() {
	p.submissions.Close()
	p.wg.Wait()
}

// PoolPipeline is the pool engine (§4.6): an invocation walks the whole
// stage list sequentially inline on one worker of a shared Pool. There
// are no per-stage queues and therefore no fork/join support (§9 open
// question, resolved): a stage returning Fork/Join is rejected at
// runtime instead of silently treated as a plain value.
type PoolPipeline struct {
	stages          []*Stage
	pool            *Pool
	errorHandler    func(error)
	onStageComplete func(stageName string, err error)
}

// NewPoolPipeline builds a Pipeline that submits each invocation as one
// task on pool. pool is not exclusively owned by the returned Pipeline
// (§4.6).
func NewPoolPipeline(stages []*Stage, pool *Pool, opts ...PipelineOption) *PoolPipeline {
	cfg := newPipelineConfig(opts)
	return &PoolPipeline{
		stages:          stages,
		pool:            pool,
		errorHandler:    cfg.errorHandler,
		onStageComplete: cfg.onStageComplete,
	}
}

// walk threads c through every stage sequentially, stopping early on
// abort, error, or an unsupported fork/join (§4.6).
func (p *PoolPipeline) walk(c *Context) *Context {
	for _, st := range p.stages {
		rs := &realizedStage{name: st.name, transform: st.transform}
		c = runStage(rs, c)

		if p.onStageComplete != nil {
			p.onStageComplete(rs.name, c.Ex)
		}

		if c.Ex != nil {
			if p.errorHandler != nil {
				p.errorHandler(c.Ex)
			}
			return c
		}
		if c.Aborted {
			return c
		}

		switch c.lastTag {
		case forkTag:
			c.Ex = wrapStageError(rs.name, c.Args, ErrForkUnsupported)
			return c
		case joinTag:
			c.Ex = wrapStageError(rs.name, c.Args, ErrJoinUnsupported)
			return c
		}
	}
	return c
}

// Run submits args as a fire-and-forget task (§4.7).
func (p *PoolPipeline) Run(args ...any) {
	p.pool.Submit(func() { p.walk(NewContext(args...)) })
}

// RunWait submits args and blocks on the task's completion (§4.6).
// RunWait assumes the pool's submission queue will not silently drop
// this invocation; callers who need that guarantee should build their
// Pool with queue.Block rather than queue.Sliding.
func (p *PoolPipeline) RunWait(args ...any) ([]any, error) {
	result := make(chan *Context, 1)
	p.pool.Submit(func() { result <- p.walk(NewContext(args...)) })
	return finishPoolResult(<-result)
}

// RunWaitTimeout is RunWait bounded by a deadline; on expiry it returns
// sentinel (§4.6). The submitted task is not cancelled; it runs to
// completion in the background (§5 "Cancellation").
func (p *PoolPipeline) RunWaitTimeout(timeout time.Duration, sentinel []any, args ...any) ([]any, error) {
	result := make(chan *Context, 1)
	p.pool.Submit(func() { result <- p.walk(NewContext(args...)) })

	if timeout <= 0 {
		return finishPoolResult(<-result)
	}
	select {
	case c := <-result:
		return finishPoolResult(c)
	case <-time.After(timeout):
		return sentinel, nil
	}
}

// Stop is a no-op: the pool engine does not own its pool (§4.6).
func (p *PoolPipeline) Stop() {}

func finishPoolResult(c *Context) ([]any, error) {
	if c.Ex != nil {
		return nil, c.Ex
	}
	return c.Args, nil
}
