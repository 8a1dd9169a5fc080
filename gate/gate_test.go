package gate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filechunkpro/engine/ferrors"
)

func TestGateBoundsInFlight(t *testing.T) {
	g := New(Config{MinParallelism: 2, MaxParallelism: 2, InitialParallelism: 2}, zerolog.Nop())
	defer g.Close()

	var inFlight int32
	var maxSeen int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		h := g.Submit(context.Background(), 0, func(ctx context.Context) Outcome {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return Outcome{}
		})
		go func() {
			defer wg.Done()
			h.Wait()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxSeen, int32(2))
}

func TestGatePriorityOrder(t *testing.T) {
	g := New(Config{MinParallelism: 1, MaxParallelism: 1, InitialParallelism: 1}, zerolog.Nop())
	defer g.Close()

	// Block the single slot so all submissions queue up first.
	blockRelease := make(chan struct{})
	started := make(chan struct{})
	g.Submit(context.Background(), 0, func(ctx context.Context) Outcome {
		close(started)
		<-blockRelease
		return Outcome{}
	})
	<-started

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	submit := func(priority, id int) {
		wg.Add(1)
		h := g.Submit(context.Background(), priority, func(ctx context.Context) Outcome {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return Outcome{}
		})
		go func() {
			defer wg.Done()
			h.Wait()
		}()
	}

	submit(0, 1)
	submit(2, 2)
	submit(1, 3)
	time.Sleep(20 * time.Millisecond) // let them all enqueue behind the blocked slot
	close(blockRelease)
	wg.Wait()

	require.Equal(t, []int{2, 3, 1}, order)
}

func TestGateCancelPending(t *testing.T) {
	g := New(Config{MinParallelism: 1, MaxParallelism: 1, InitialParallelism: 1}, zerolog.Nop())
	defer g.Close()

	blockRelease := make(chan struct{})
	started := make(chan struct{})
	g.Submit(context.Background(), 0, func(ctx context.Context) Outcome {
		close(started)
		<-blockRelease
		return Outcome{}
	})
	<-started

	var ran int32
	h := g.Submit(context.Background(), 0, func(ctx context.Context) Outcome {
		atomic.AddInt32(&ran, 1)
		return Outcome{}
	})
	h.Cancel()
	o := h.Wait()
	require.Error(t, o.Err)
	close(blockRelease)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestGateAdaptiveShrinksOnHighFailRate(t *testing.T) {
	g := New(Config{MinParallelism: 1, MaxParallelism: 4, InitialParallelism: 4, Adaptive: true, SampleWindow: time.Hour}, zerolog.Nop())
	defer g.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		h := g.Submit(context.Background(), 0, func(ctx context.Context) Outcome {
			return Outcome{Err: ferrors.New(ferrors.KindServerTransient, "boom"), Kind: ferrors.KindServerTransient}
		})
		go func() {
			defer wg.Done()
			h.Wait()
		}()
	}
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	assert.Less(t, g.Current(), 4)
}

func TestGateNonAdaptiveOutcomesExcluded(t *testing.T) {
	g := New(Config{MinParallelism: 1, MaxParallelism: 4, InitialParallelism: 4, Adaptive: true, SampleWindow: time.Hour}, zerolog.Nop())
	defer g.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		h := g.Submit(context.Background(), 0, func(ctx context.Context) Outcome {
			return Outcome{Err: ferrors.New(ferrors.KindServerPermanent, "nope"), Kind: ferrors.KindServerPermanent, NonAdaptive: true}
		})
		go func() {
			defer wg.Done()
			h.Wait()
		}()
	}
	wg.Wait()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 4, g.Current())
}
