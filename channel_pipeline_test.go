package papaline

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/papaline/papaline/internal/queue"
)

func identityStage() *Stage {
	return NewStage(func(args []any) (any, error) { return args, nil })
}

func TestChannelPipeline_Identity(t *testing.T) {
	p := NewChannelPipeline([]*Stage{identityStage(), identityStage()})
	defer p.Stop()

	out, err := p.RunWait("x", "y")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0] != "x" || out[1] != "y" {
		t.Fatalf("expected (x, y), got %v", out)
	}
}

func TestChannelPipeline_LinearTransform(t *testing.T) {
	inc := NewStage(func(args []any) (any, error) {
		return args[0].(int) + 1, nil
	}, WithName("inc"))
	double := NewStage(func(args []any) (any, error) {
		return args[0].(int) * 2, nil
	}, WithName("double"))

	p := NewChannelPipeline([]*Stage{inc, double})
	defer p.Stop()

	out, err := p.RunWait(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 8 {
		t.Fatalf("expected 8, got %v", out[0])
	}
}

func TestChannelPipeline_ForkJoinRoundTrip(t *testing.T) {
	fanout := NewStage(func(args []any) (any, error) {
		n := args[0].(int)
		items := make([]any, n)
		for i := range items {
			items[i] = i + 1
		}
		return Fork(items)
	}, WithName("fanout"))

	branch := NewStage(func(args []any) (any, error) {
		// Varying per-item latency; the join must still recombine all
		// three siblings into the fork's vector regardless of timing.
		v := args[0].(int)
		time.Sleep(time.Duration(3-v) * 5 * time.Millisecond)
		return args[0], nil
	}, WithName("branch"))

	gather := NewStage(func(args []any) (any, error) {
		return Join(args[0])
	}, WithName("gather"))

	p := NewChannelPipeline([]*Stage{fanout, branch, gather})
	defer p.Stop()

	out, err := p.RunWait(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	joined, ok := out[0].([]any)
	if !ok || len(joined) != 3 {
		t.Fatalf("expected a 3-element joined slice, got %v", out[0])
	}

	got := make([]int, len(joined))
	for i, v := range joined {
		got[i] = v.(int)
	}
	sort.Ints(got)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected multiset {1,2,3}, got %v", got)
	}
}

func TestChannelPipeline_AbortShortCircuits(t *testing.T) {
	var secondCalled bool
	var mu sync.Mutex

	first := NewStage(func(args []any) (any, error) {
		Abort("stopped")
		return nil, nil // unreachable
	}, WithName("aborter"))
	second := NewStage(func(args []any) (any, error) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
		return args, nil
	}, WithName("never-called"))

	p := NewChannelPipeline([]*Stage{first, second})
	defer p.Stop()

	out, err := p.RunWait("anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0] != "stopped" {
		t.Fatalf("expected abort value 'stopped', got %v", out)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if secondCalled {
		t.Fatal("stage after abort should never be invoked")
	}
}

func TestChannelPipeline_ExceptionPath(t *testing.T) {
	var handlerCalls int
	var handlerErr error
	var mu sync.Mutex

	boom := NewStage(func(args []any) (any, error) {
		return nil, fmt.Errorf("boom")
	}, WithName("boom"))

	p := NewChannelPipeline([]*Stage{boom}, WithErrorHandler(func(err error) {
		mu.Lock()
		handlerCalls++
		handlerErr = err
		mu.Unlock()
	}))
	defer p.Stop()

	_, err := p.RunWait(1)
	if err == nil {
		t.Fatal("expected RunWait to re-raise the stage error")
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if handlerCalls != 1 {
		t.Fatalf("expected the error handler to be invoked exactly once, got %d", handlerCalls)
	}
	se, ok := handlerErr.(*StageError)
	if !ok {
		t.Fatalf("expected *StageError, got %T", handlerErr)
	}
	if se.StageName != "boom" {
		t.Fatalf("expected stage name 'boom', got %q", se.StageName)
	}
	if len(se.InputArgs) != 1 || se.InputArgs[0] != 1 {
		t.Fatalf("expected input args [1], got %v", se.InputArgs)
	}
}

func TestChannelPipeline_StopTerminates(t *testing.T) {
	p := NewChannelPipeline([]*Stage{identityStage()})
	p.Stop()

	time.Sleep(20 * time.Millisecond)
	_, err := p.RunWait(1)
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed after Stop, got %v", err)
	}
}

// TestChannelPipeline_BoundedInFlight exercises §8 property 3: a
// capacity-1 block-discipline stage placed before a slow stage bounds
// the number of in-flight items to producers+stages+1. One producer
// goroutine fires 20 fire-and-forget invocations back to back through a
// two-stage pipeline (gate, slow); since RunWait isn't used there is a
// single producer, so the bound is 1+2+1 = 4.
func TestChannelPipeline_BoundedInFlight(t *testing.T) {
	var inFlight atomic.Int64
	var peak atomic.Int64

	bump := func(delta int64) {
		v := inFlight.Add(delta)
		for {
			p := peak.Load()
			if v <= p || peak.CompareAndSwap(p, v) {
				return
			}
		}
	}

	gate := NewStage(func(args []any) (any, error) {
		bump(1)
		return args[0], nil
	}, WithName("gate"), WithCapacity(1), WithDiscipline(queue.Block))

	slow := NewStage(func(args []any) (any, error) {
		time.Sleep(5 * time.Millisecond)
		bump(-1)
		return args[0], nil
	}, WithName("slow"), WithCapacity(1), WithDiscipline(queue.Block))

	p := NewChannelPipeline([]*Stage{gate, slow})
	defer p.Stop()

	const n = 20
	for i := 0; i < n; i++ {
		p.Run(i)
	}
	time.Sleep(200 * time.Millisecond)

	const bound = 1 /* producer */ + 2 /* stages */ + 1
	if got := peak.Load(); got > int64(bound) {
		t.Fatalf("peak in-flight %d exceeded bound %d", got, bound)
	}
}

func TestChannelPipeline_TimeoutReturnsSentinel(t *testing.T) {
	slow := NewStage(func(args []any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return args, nil
	}, WithName("slow"))

	p := NewChannelPipeline([]*Stage{slow})
	defer p.Stop()

	sentinel := []any{"timed-out"}
	out, err := p.RunWaitTimeout(10*time.Millisecond, sentinel, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0] != "timed-out" {
		t.Fatalf("expected sentinel, got %v", out)
	}
}

