package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGate_ConcurrencyBound is seed scenario S4: concurrency=2, four rows,
// evaluators block until externally signaled; the sampled maximum active
// count must be exactly 2.
func TestGate_ConcurrencyBound(t *testing.T) {
	var maxActive int64
	var currentActive int64

	g := New(2, 0, 0, Hook{
		OnAdmit: func(active int) {
			atomic.StoreInt64(&currentActive, int64(active))
			for {
				cur := atomic.LoadInt64(&maxActive)
				if int64(active) <= cur || atomic.CompareAndSwapInt64(&maxActive, cur, int64(active)) {
					break
				}
			}
		},
	})

	release := make(chan struct{})
	var wg sync.WaitGroup
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Run(ctx, g, func(context.Context) (struct{}, error) {
				<-release
				return struct{}{}, nil
			})
		}()
	}

	// Give all four goroutines a chance to attempt admission.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, g.Active(), 2)

	close(release)
	wg.Wait()

	assert.Equal(t, int64(2), atomic.LoadInt64(&maxActive))
	assert.Equal(t, 0, g.Active())
}

// TestGate_FIFOAdmission asserts waiters are admitted in the order they
// queued.
func TestGate_FIFOAdmission(t *testing.T) {
	g := New(1, 0, 0, Hook{})
	ctx := context.Background()

	first := make(chan struct{})
	var order []int
	var mu sync.Mutex

	// Occupy the only slot.
	holdRelease := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Run(ctx, g, func(context.Context) (struct{}, error) {
			close(started)
			<-holdRelease
			return struct{}{}, nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger submission order deterministically.
			time.Sleep(time.Duration(i) * 10 * time.Millisecond)
			_, _ = Run(ctx, g, func(context.Context) (struct{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
	}

	time.Sleep(40 * time.Millisecond) // let all three queue up
	close(first)
	close(holdRelease)
	wg.Wait()

	require.Len(t, order, 3)
	assert.Equal(t, []int{0, 1, 2}, order)
}

// TestRateLimiter_PerMinuteCap is seed scenario S5: maxRequestsPerMinute=3,
// six admissions, instantaneous tasks; every 60s window must contain <=3
// admissions and total wall-time must be >= 60s.
func TestRateLimiter_PerMinuteCap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping wall-clock rate-limit test in short mode")
	}

	g := New(6, 3, 0, Hook{})
	ctx := context.Background()

	var mu sync.Mutex
	var admissions []time.Time
	g.limiter = NewRateLimiter(3, 0)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Run(ctx, g, func(context.Context) (struct{}, error) {
				mu.Lock()
				admissions = append(admissions, time.Now())
				mu.Unlock()
				return struct{}{}, nil
			})
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	require.Len(t, admissions, 6)
	assert.GreaterOrEqual(t, elapsed, 60*time.Second)

	for _, window := range slidingWindows(admissions, time.Minute) {
		assert.LessOrEqual(t, window, 3)
	}
}

// slidingWindows returns, for each admission timestamp as a window start,
// the count of admissions falling within [t, t+w).
func slidingWindows(admissions []time.Time, w time.Duration) []int {
	counts := make([]int, 0, len(admissions))
	for _, t := range admissions {
		n := 0
		for _, other := range admissions {
			if !other.Before(t) && other.Before(t.Add(w)) {
				n++
			}
		}
		counts = append(counts, n)
	}
	return counts
}

// TestRateLimiter_AdmissionExactlyAtCap verifies the boundary behavior:
// hitting the cap exactly sleeps until the oldest admission slides out.
func TestRateLimiter_AdmissionExactlyAtCap(t *testing.T) {
	r := NewRateLimiter(2, 0)
	now := time.Now()
	r.admissions = []time.Time{now.Add(-30 * time.Second), now.Add(-10 * time.Second)}

	wait := r.nextWait(now)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 30*time.Second+epsilon)
}

func TestGate_ContextCancellationUnparksWaiter(t *testing.T) {
	g := New(1, 0, 0, Hook{})

	holdRelease := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = Run(context.Background(), g, func(context.Context) (struct{}, error) {
			close(started)
			<-holdRelease
			return struct{}{}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, g, func(context.Context) (struct{}, error) {
			return struct{}{}, nil
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("expected cancellation to unpark waiter")
	}

	close(holdRelease)
}
