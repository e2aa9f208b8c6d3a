package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wasmgate/wasmgate/internal/config"
)

func testController(cfg config.AdmissionConfig) *Controller {
	if cfg.GlobalLimit == 0 {
		cfg.GlobalLimit = 100
	}
	if cfg.FunctionLimit == 0 {
		cfg.FunctionLimit = 4
	}
	return New(cfg)
}

func TestAcquireRelease(t *testing.T) {
	c := testController(config.AdmissionConfig{})
	ctx := context.Background()

	ticket, err := c.Acquire(ctx, "fn", 2)
	require.NoError(t, err)
	require.Equal(t, "fn", ticket.FunctionID())
	require.Equal(t, 1, c.InFlight("fn"))
	require.Equal(t, 1, c.GlobalInFlight())

	ticket.Release()
	require.Equal(t, 0, c.InFlight("fn"))
	require.Equal(t, 0, c.GlobalInFlight())
}

func TestReleaseIdempotent(t *testing.T) {
	c := testController(config.AdmissionConfig{})

	ticket, err := c.Acquire(context.Background(), "fn", 1)
	require.NoError(t, err)

	ticket.Release()
	ticket.Release()
	ticket.Release()

	require.Equal(t, 0, c.InFlight("fn"))
	require.Equal(t, 0, c.GlobalInFlight())
}

func TestRejectWhenQueueFull(t *testing.T) {
	c := testController(config.AdmissionConfig{
		GlobalLimit:   100,
		FunctionLimit: 1,
		WaitTimeout:   0, // no waiting: reject immediately at the limit
	})
	ctx := context.Background()

	ticket, err := c.Acquire(ctx, "fn", 1)
	require.NoError(t, err)
	defer ticket.Release()

	_, err = c.Acquire(ctx, "fn", 1)
	require.ErrorIs(t, err, ErrFunctionSaturated)
}

func TestHostSaturation(t *testing.T) {
	c := testController(config.AdmissionConfig{
		GlobalLimit:   2,
		FunctionLimit: 2,
	})
	ctx := context.Background()

	t1, err := c.Acquire(ctx, "a", 2)
	require.NoError(t, err)
	t2, err := c.Acquire(ctx, "b", 2)
	require.NoError(t, err)

	_, err = c.Acquire(ctx, "c", 2)
	require.ErrorIs(t, err, ErrHostSaturated)

	t1.Release()
	t2.Release()
}

func TestWaiterGrantedOnRelease(t *testing.T) {
	c := testController(config.AdmissionConfig{
		GlobalLimit:   10,
		FunctionLimit: 1,
		WaitTimeout:   2 * time.Second,
		QueueDepth:    4,
	})
	ctx := context.Background()

	ticket, err := c.Acquire(ctx, "fn", 1)
	require.NoError(t, err)

	acquired := make(chan *Ticket)
	go func() {
		t2, err := c.Acquire(ctx, "fn", 1)
		if err != nil {
			close(acquired)
			return
		}
		acquired <- t2
	}()

	// Give the waiter time to queue, then release
	time.Sleep(50 * time.Millisecond)
	ticket.Release()

	select {
	case t2 := <-acquired:
		require.NotNil(t, t2)
		require.Equal(t, 1, c.InFlight("fn"))
		t2.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted")
	}

	require.Equal(t, 0, c.InFlight("fn"))
	require.Equal(t, 0, c.GlobalInFlight())
}

func TestWaitTimeout(t *testing.T) {
	c := testController(config.AdmissionConfig{
		GlobalLimit:   10,
		FunctionLimit: 1,
		WaitTimeout:   30 * time.Millisecond,
		QueueDepth:    4,
	})
	ctx := context.Background()

	ticket, err := c.Acquire(ctx, "fn", 1)
	require.NoError(t, err)
	defer ticket.Release()

	start := time.Now()
	_, err = c.Acquire(ctx, "fn", 1)
	require.ErrorIs(t, err, ErrFunctionSaturated)
	require.Less(t, time.Since(start), time.Second)
}

// Concurrency cap property: with limit N and many more concurrent
// requests, peak observed concurrency never exceeds N.
func TestConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 4
	const requests = 50

	c := testController(config.AdmissionConfig{
		GlobalLimit:   100,
		FunctionLimit: limit,
		WaitTimeout:   time.Second,
		QueueDepth:    requests,
	})

	var current, peak, admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ticket, err := c.Acquire(context.Background(), "fn", limit)
			if err != nil {
				return
			}
			defer ticket.Release()

			atomic.AddInt64(&admitted, 1)
			now := atomic.AddInt64(&current, 1)

			mu.Lock()
			if now > peak {
				peak = now
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)
			atomic.AddInt64(&current, -1)
		}()
	}

	wg.Wait()

	require.LessOrEqual(t, peak, int64(limit))
	require.Positive(t, admitted)
	require.Equal(t, 0, c.InFlight("fn"))
	require.Equal(t, 0, c.GlobalInFlight())
}

// Ticket accounting property: every acquired ticket released exactly
// once leaves all counters at zero, across random early exits.
func TestTicketAccounting(t *testing.T) {
	c := testController(config.AdmissionConfig{
		GlobalLimit:   32,
		FunctionLimit: 8,
		WaitTimeout:   200 * time.Millisecond,
		QueueDepth:    16,
	})

	functions := []string{"a", "b", "c"}
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			fn := functions[n%len(functions)]
			ticket, err := c.Acquire(context.Background(), fn, 8)
			if err != nil {
				return
			}
			// Simulate the different exit paths: success, trap,
			// timeout. All of them release.
			if n%3 == 0 {
				time.Sleep(time.Millisecond)
			}
			ticket.Release()
			if n%5 == 0 {
				ticket.Release() // double release must be harmless
			}
		}(i)
	}

	wg.Wait()

	for _, fn := range functions {
		require.Equal(t, 0, c.InFlight(fn), "function %s leaked slots", fn)
	}
	require.Equal(t, 0, c.GlobalInFlight())
}

func TestAcquireContextCancelled(t *testing.T) {
	c := testController(config.AdmissionConfig{
		GlobalLimit:   10,
		FunctionLimit: 1,
		WaitTimeout:   5 * time.Second,
		QueueDepth:    4,
	})

	ticket, err := c.Acquire(context.Background(), "fn", 1)
	require.NoError(t, err)
	defer ticket.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = c.Acquire(ctx, "fn", 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, c.InFlight("fn"))
}
