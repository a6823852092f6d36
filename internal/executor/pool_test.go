package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/taskmesh/engine/internal/resilience"
)

func testBreakerFactory() func() *resilience.CircuitBreaker {
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	return func() *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(meter, time.Minute, 6, 5, 0.5, time.Second, 1)
	}
}

func TestDispatchRespectsCapacity(t *testing.T) {
	p := New(1, time.Second, testBreakerFactory())
	block := make(chan struct{})
	started := make(chan struct{})

	err := p.Dispatch(context.Background(), Job{
		ID:       "a",
		Category: "test",
		Run: func(ctx context.Context) (any, error) {
			close(started)
			<-block
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	if err := p.Dispatch(context.Background(), Job{ID: "b", Category: "test", Run: func(ctx context.Context) (any, error) { return nil, nil }}); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	close(block)
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestCancelStopsRunningJob(t *testing.T) {
	p := New(2, time.Second, testBreakerFactory())
	var mu sync.Mutex
	var gotResult Result

	done := make(chan struct{})
	err := p.Dispatch(context.Background(), Job{
		ID:       "cancel-me",
		Category: "test",
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		OnResult: func(r Result) {
			mu.Lock()
			gotResult = r
			mu.Unlock()
			close(done)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !p.Cancel("cancel-me") {
		t.Fatal("expected Cancel to find the running job")
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	if !gotResult.Cancelled {
		t.Fatal("expected result to be marked cancelled")
	}
}

func TestCircuitOpenRejectsDispatch(t *testing.T) {
	mp := noopmetric.MeterProvider{}
	meter := mp.Meter("test")
	p := New(4, time.Second, func() *resilience.CircuitBreaker {
		return resilience.NewCircuitBreaker(meter, time.Minute, 6, 1, 0.1, time.Hour, 1)
	})

	failJob := func(id string) Job {
		return Job{ID: id, Category: "flaky", Run: func(ctx context.Context) (any, error) { return nil, errors.New("boom") }}
	}
	if err := p.Dispatch(context.Background(), failJob("1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	// breaker should now be open for the "flaky" category.
	if err := p.Dispatch(context.Background(), failJob("2")); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
