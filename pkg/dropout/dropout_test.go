package dropout

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeWithin closes d and fails the test if the call does not return within
// the timeout. Guards against a worker that never drains.
func closeWithin(t *testing.T, timeout time.Duration, closeFn func() error) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		_ = closeFn()
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("Close() did not return in time")
	}
}

// ============================================================================
// Construction and Worker Lifecycle
// ============================================================================

func TestNew(t *testing.T) {
	t.Run("NilConfig", func(t *testing.T) {
		d := New[int](nil)
		require.NotNil(t, d)

		assert.Equal(t, defaultName, d.state.name)
		assert.Equal(t, int64(1), d.state.refs.Load())

		require.NoError(t, d.Close())
	})

	t.Run("NamedConfig", func(t *testing.T) {
		d := New(&Config[int]{Name: "index-cache"})
		defer d.Close()

		assert.Equal(t, "index-cache", d.state.name)
	})

	t.Run("SpawnsExactlyOneWorker", func(t *testing.T) {
		d := New[int](nil)

		assert.Equal(t, int32(1), d.state.workers.Load())

		// Clones share the worker; no new one is spawned.
		c1 := d.Clone()
		c2 := d.Clone()
		assert.Equal(t, int32(1), d.state.workers.Load())

		require.NoError(t, c1.Close())
		require.NoError(t, c2.Close())
		assert.Equal(t, int32(1), d.state.workers.Load())

		require.NoError(t, d.Close())
		assert.Equal(t, int32(0), d.state.workers.Load())
	})

	t.Run("IdleTeardownReturnsPromptly", func(t *testing.T) {
		d := New[string](nil)

		// No submissions at all: Close must not deadlock on the empty queue.
		closeWithin(t, 2*time.Second, d.Close)
	})
}

// ============================================================================
// Destruction Semantics
// ============================================================================

func TestDestruction(t *testing.T) {
	t.Run("DestroyCallbackRunsOncePerValue", func(t *testing.T) {
		var destroyed atomic.Int64

		d := New(&Config[int]{
			Destroy: func(int) { destroyed.Add(1) },
		})

		const n = 100
		for i := 0; i < n; i++ {
			d.Dropout(i)
		}
		require.NoError(t, d.Close())

		// Teardown completeness: everything submitted is destroyed by the
		// time the last Close returns.
		assert.Equal(t, int64(n), destroyed.Load())

		// And nothing is destroyed twice afterwards.
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int64(n), destroyed.Load())
	})

	t.Run("DestroyerInterface", func(t *testing.T) {
		var destroyed atomic.Int64

		d := New[*countingValue](nil)
		d.Dropout(&countingValue{counter: &destroyed})
		d.Dropout(&countingValue{counter: &destroyed})
		require.NoError(t, d.Close())

		assert.Equal(t, int64(2), destroyed.Load())
	})

	t.Run("CloserInterface", func(t *testing.T) {
		var closed atomic.Int64

		d := New[*closingValue](nil)
		d.Dropout(&closingValue{counter: &closed})
		require.NoError(t, d.Close())

		assert.Equal(t, int64(1), closed.Load())
	})

	t.Run("CallbackWinsOverInterface", func(t *testing.T) {
		var viaCallback, viaInterface atomic.Int64

		d := New(&Config[*countingValue]{
			Destroy: func(*countingValue) { viaCallback.Add(1) },
		})
		d.Dropout(&countingValue{counter: &viaInterface})
		require.NoError(t, d.Close())

		assert.Equal(t, int64(1), viaCallback.Load())
		assert.Equal(t, int64(0), viaInterface.Load())
	})

	t.Run("PlainValuesJustDrain", func(t *testing.T) {
		d := New[map[int][]byte](nil)
		for i := 0; i < 10; i++ {
			d.Dropout(map[int][]byte{i: make([]byte, 1024)})
		}
		closeWithin(t, 2*time.Second, d.Close)
	})
}

type countingValue struct {
	counter *atomic.Int64
}

func (v *countingValue) Destroy() { v.counter.Add(1) }

type closingValue struct {
	counter *atomic.Int64
}

func (v *closingValue) Close() error {
	v.counter.Add(1)
	return nil
}

// ============================================================================
// Ordering
// ============================================================================

func TestOrdering(t *testing.T) {
	t.Run("SingleSubmitterFIFO", func(t *testing.T) {
		var (
			mu    sync.Mutex
			order []int
		)

		d := New(&Config[int]{
			Destroy: func(v int) {
				mu.Lock()
				order = append(order, v)
				mu.Unlock()
			},
		})

		const n = 500
		for i := 0; i < n; i++ {
			d.Dropout(i)
		}
		require.NoError(t, d.Close())

		require.Len(t, order, n)
		for i, v := range order {
			require.Equal(t, i, v, "value destroyed out of submission order")
		}
	})

	t.Run("ConcurrentSubmittersAllDestroyed", func(t *testing.T) {
		// No relative ordering is guaranteed between goroutines, so this
		// only asserts completeness.
		var destroyed atomic.Int64

		d := New(&Config[int]{
			Destroy: func(int) { destroyed.Add(1) },
		})

		const perProducer = 200
		var wg sync.WaitGroup
		for p := 0; p < 2; p++ {
			clone := d.Clone()
			wg.Add(1)
			go func(c *Dropper[int]) {
				defer wg.Done()
				defer c.Close()
				for i := 0; i < perProducer; i++ {
					c.Dropout(i)
				}
			}(clone)
		}
		wg.Wait()
		require.NoError(t, d.Close())

		assert.Equal(t, int64(2*perProducer), destroyed.Load())
	})
}

// ============================================================================
// Handle Clones and Teardown
// ============================================================================

func TestClones(t *testing.T) {
	t.Run("CloneSharesWorkerAndQueue", func(t *testing.T) {
		var destroyed atomic.Int64

		d := New(&Config[int]{
			Destroy: func(int) { destroyed.Add(1) },
		})
		clone := d.Clone()

		assert.Same(t, d.state, clone.state)

		d.Dropout(1)
		clone.Dropout(2)

		require.NoError(t, d.Close())

		// The original's Close is not the last one; the worker is still
		// alive and serving the clone.
		assert.Equal(t, int32(1), d.state.workers.Load())

		clone.Dropout(3)
		require.NoError(t, clone.Close())

		assert.Equal(t, int64(3), destroyed.Load())
	})

	t.Run("NonLastCloseDoesNotBlock", func(t *testing.T) {
		block := make(chan struct{})
		d := New(&Config[int]{
			Destroy: func(int) { <-block },
		})
		clone := d.Clone()
		d.Dropout(1)

		// The worker is stuck destroying; a non-last Close must still
		// return immediately.
		closeWithin(t, time.Second, clone.Close)

		close(block)
		require.NoError(t, d.Close())
	})

	t.Run("CloseIdempotentPerHandle", func(t *testing.T) {
		d := New[int](nil)
		clone := d.Clone()

		require.NoError(t, clone.Close())
		require.NoError(t, clone.Close())
		require.NoError(t, clone.Close())

		// Repeated closes of one clone must not have consumed the original's
		// share of the dropper.
		d.Dropout(1)
		require.NoError(t, d.Close())
	})

	t.Run("LastCloseWaitsForDrain", func(t *testing.T) {
		var destroyed atomic.Int64

		d := New(&Config[int]{
			Destroy: func(int) {
				time.Sleep(time.Millisecond)
				destroyed.Add(1)
			},
		})

		const n = 50
		for i := 0; i < n; i++ {
			d.Dropout(i)
		}

		require.NoError(t, d.Close())
		assert.Equal(t, int64(n), destroyed.Load(), "Close returned before the worker drained")
	})

	t.Run("UseAfterClosePanics", func(t *testing.T) {
		d := New[int](nil)
		require.NoError(t, d.Close())

		assert.Panics(t, func() { d.Dropout(1) })
		assert.Panics(t, func() { d.Clone() })
	})
}

// ============================================================================
// Concurrency Stress
// ============================================================================

func TestConcurrentSubmission(t *testing.T) {
	const (
		producers   = 8
		perProducer = 1000
	)

	var destroyed atomic.Int64

	d := New(&Config[[]byte]{
		Name:    "stress",
		Destroy: func([]byte) { destroyed.Add(1) },
	})

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		clone := d.Clone()
		wg.Add(1)
		go func(c *Dropper[[]byte]) {
			defer wg.Done()
			defer c.Close()
			for i := 0; i < perProducer; i++ {
				c.Dropout(make([]byte, 64))
			}
		}(clone)
	}

	wg.Wait()
	require.NoError(t, d.Close())

	assert.Equal(t, int64(producers*perProducer), destroyed.Load(),
		"lost or duplicated destructions under concurrent submission")
}

func TestConcurrentCloseRace(t *testing.T) {
	// Many clones closing at once: exactly one of them must perform the
	// close-and-wait, and it must still see every submission.
	for iter := 0; iter < 20; iter++ {
		var destroyed atomic.Int64

		d := New(&Config[int]{
			Destroy: func(int) { destroyed.Add(1) },
		})

		const clones = 8
		var wg sync.WaitGroup
		for c := 0; c < clones; c++ {
			clone := d.Clone()
			wg.Add(1)
			go func(c *Dropper[int]) {
				defer wg.Done()
				c.Dropout(1)
				_ = c.Close()
			}(clone)
		}

		require.NoError(t, d.Close())
		wg.Wait()

		// All handles closed; the queue is drained exactly once.
		assert.Equal(t, int64(clones), destroyed.Load())
		assert.Equal(t, int32(0), d.state.workers.Load())
	}
}
