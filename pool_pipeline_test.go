package papaline

import (
	"sync"
	"testing"
	"time"

	"github.com/papaline/papaline/internal/queue"
)

func TestPoolPipeline_RunWait(t *testing.T) {
	inc := NewStage(func(args []any) (any, error) { return args[0].(int) + 1, nil }, WithName("inc"))
	double := NewStage(func(args []any) (any, error) { return args[0].(int) * 2, nil }, WithName("double"))

	pool := NewPool(2, 8, queue.Sliding)
	defer pool.Close()

	p := NewPoolPipeline([]*Stage{inc, double}, pool)
	out, err := p.RunWait(3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != 8 {
		t.Fatalf("expected 8, got %v", out[0])
	}
}

func TestPoolPipeline_TimeoutReturnsSentinel(t *testing.T) {
	slow := NewStage(func(args []any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return args[0], nil
	}, WithName("slow"))

	pool := NewPool(1, 4, queue.Sliding)
	defer pool.Close()

	p := NewPoolPipeline([]*Stage{slow}, pool)
	sentinel := []any{"timed-out"}
	out, err := p.RunWaitTimeout(10*time.Millisecond, sentinel, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0] != "timed-out" {
		t.Fatalf("expected sentinel, got %v", out)
	}
}

func TestPoolPipeline_ForkRejected(t *testing.T) {
	forker := NewStage(func(args []any) (any, error) {
		return Fork([]any{1, 2})
	}, WithName("forker"))

	pool := NewPool(1, 4, queue.Sliding)
	defer pool.Close()

	p := NewPoolPipeline([]*Stage{forker}, pool)
	_, err := p.RunWait(0)
	if err == nil {
		t.Fatal("expected an error rejecting fork in the pool engine")
	}
}

// TestPoolPipeline_DiscardOldest exercises §8's pool-engine scenario: a
// single-worker pool with a small Sliding submission queue drops the
// oldest pending invocation under sustained submission, while accepted
// invocations still compute double(inc(x)) correctly.
func TestPoolPipeline_DiscardOldest(t *testing.T) {
	gate := make(chan struct{})

	var mu sync.Mutex
	var results []int

	inc := NewStage(func(args []any) (any, error) {
		v := args[0].(int)
		if v == 1 {
			<-gate // holds the single worker busy while we flood submissions
		}
		return v + 1, nil
	}, WithName("inc"))
	double := NewStage(func(args []any) (any, error) {
		v := args[0].(int) * 2
		mu.Lock()
		results = append(results, v)
		mu.Unlock()
		return v, nil
	}, WithName("double"))

	pool := NewPool(1, 1, queue.Sliding)
	defer pool.Close()
	p := NewPoolPipeline([]*Stage{inc, double}, pool)

	p.Run(1) // picked up immediately, blocks the only worker on gate
	time.Sleep(20 * time.Millisecond)

	for i := 2; i <= 5; i++ {
		p.Run(i) // each overflow evicts the previously queued submission
	}

	close(gate)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 accepted invocations (1 and 5), got %v", results)
	}
	want := map[int]bool{4: true, 12: true} // double(inc(1))=4, double(inc(5))=12
	for _, v := range results {
		if !want[v] {
			t.Fatalf("unexpected result %d in %v", v, results)
		}
	}
}
