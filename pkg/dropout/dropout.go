// Package dropout moves destruction of expensive values off the calling
// goroutine onto a dedicated background worker.
//
// Tearing down a large in-memory structure (a multi-million entry map, a deep
// tree of allocations, anything with a costly release routine) can take
// noticeable wall-clock time. A latency-sensitive goroutine that merely wants
// to discard such a value should not pay that cost inline. A Dropper accepts
// ownership of the value and hands it to its worker through an unbounded
// queue; the submitting goroutine returns immediately.
//
// # Guarantees
//
//   - Exactly one worker goroutine exists per Dropper, created by New and
//     never recreated. Clones share it.
//   - A submitted value is destroyed exactly once, by the worker, never by
//     the submitter.
//   - Values submitted sequentially from one goroutine are destroyed in
//     submission order. No ordering holds between values submitted
//     concurrently from different goroutines.
//   - Closing the last handle clone blocks until the worker has drained and
//     destroyed every previously submitted value. After the final Close
//     returns, nothing submitted through any clone is still alive.
//
// # Limitations
//
// The queue is unbounded and provides no backpressure: submitting faster than
// the worker destroys grows memory without any signal back to producers. This
// is deliberate; bounding the queue would make Dropout a blocking operation.
//
// Once submitted, a value cannot be inspected, withdrawn, or reprioritized.
//
// A Destroy callback that panics crashes the worker goroutine and therefore
// the process. Destruction failure is a programming error in the submitted
// type, not a runtime condition this package recovers from.
//
// # Usage
//
//	dropper := dropout.New[*BigIndex](nil)
//	defer dropper.Close()
//
//	idx := buildBigIndex()
//	// ... use idx ...
//	dropper.Dropout(idx) // returns immediately, idx is gone
package dropout

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/kymeria/dropout/internal/logger"
)

// defaultName is used for logging and metric labels when Config.Name is
// empty.
const defaultName = "dropper"

// Destroyer is implemented by values that need explicit release work beyond
// dropping the reference. The worker calls Destroy once per submitted value
// when no Config.Destroy callback is set.
type Destroyer interface {
	Destroy()
}

// Config holds configuration for a Dropper. All fields are optional.
type Config[T any] struct {
	// Name identifies this dropper in log output and metric labels.
	// Default: "dropper".
	Name string

	// Destroy is invoked by the worker for every submitted value. When nil,
	// values implementing Destroyer or io.Closer have that method called;
	// plain values are simply released off the submitter's goroutine.
	Destroy func(T)

	// Metrics receives observations for submissions, destructions, and queue
	// depth. When nil, instrumentation is skipped entirely.
	Metrics *Metrics
}

// Dropper is a shareable handle to a background destruction worker for
// values of type T.
//
// Handles are cheap to clone and every clone submits to the same worker.
// The worker and queue live until the last clone is closed; that final Close
// blocks until everything submitted has been destroyed.
//
// A Dropper must be torn down with Close. Go has no scope-based destruction,
// so the blocking drain guarantee hangs off the explicit Close call,
// typically deferred right after New or Clone.
type Dropper[T any] struct {
	state  *state[T]
	closed atomic.Bool
}

// state is shared by every clone of a handle. Exactly one exists per New
// call; the receive side of the queue and the done channel belong to the
// single worker goroutine.
type state[T any] struct {
	name    string
	queue   *queue[T]
	done    chan struct{}
	refs    atomic.Int64
	workers atomic.Int32
	destroy func(T)
	metrics *Metrics
}

// New creates a Dropper and spawns its worker goroutine. cfg may be nil, in
// which case defaults apply.
//
// New never fails. The returned handle (and any clones) must eventually be
// closed or the worker goroutine leaks.
func New[T any](cfg *Config[T]) *Dropper[T] {
	name := defaultName
	var destroy func(T)
	var metrics *Metrics

	if cfg != nil {
		if cfg.Name != "" {
			name = cfg.Name
		}
		destroy = cfg.Destroy
		metrics = cfg.Metrics
	}

	s := &state[T]{
		name:    name,
		queue:   newQueue[T](),
		done:    make(chan struct{}),
		destroy: destroy,
		metrics: metrics,
	}
	s.refs.Store(1)
	s.workers.Store(1)
	s.metrics.workerUp(s.name)

	go s.run()

	return &Dropper[T]{state: s}
}

// Clone returns a new handle sharing this handle's worker and queue. The
// clone is fully interchangeable with the original: any clone may submit
// values, and every clone participates in the shared ownership count that
// triggers teardown.
//
// Clone panics if called on a closed handle.
func (d *Dropper[T]) Clone() *Dropper[T] {
	if d.closed.Load() {
		panic("dropout: Clone called on closed handle")
	}
	d.state.refs.Add(1)
	return &Dropper[T]{state: d.state}
}

// Dropout transfers ownership of v to the worker for asynchronous
// destruction and returns immediately. The caller must not touch v
// afterwards.
//
// Dropout never blocks beyond queue insertion and panics if called on a
// closed handle.
func (d *Dropper[T]) Dropout(v T) {
	if d.closed.Load() {
		panic("dropout: Dropout called on closed handle")
	}
	if !d.state.queue.push(v) {
		// The queue outlives all handles by construction; reaching this
		// means a handle was used after the last Close.
		panic("dropout: queue closed while handles remain")
	}
	d.state.metrics.observeSubmit(d.state.name, d.state.queue.len())
}

// Close releases this handle. Closing any clone but the last only decrements
// the shared ownership count and returns immediately. Closing the last clone
// closes the queue and blocks until the worker has destroyed every remaining
// value and exited.
//
// Close is idempotent per handle and always returns nil; the error return
// exists so handles satisfy io.Closer.
func (d *Dropper[T]) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if d.state.refs.Add(-1) > 0 {
		return nil
	}

	// Last clone: exactly one handle observes the count reaching zero, so
	// close-and-wait runs once.
	logger.Debug("dropout: closing queue, waiting for worker drain", "dropper", d.state.name)
	d.state.queue.close()
	<-d.state.done
	return nil
}

// run is the worker loop. It is the exclusive consumer of the queue: it
// parks while the queue is empty, destroys each value synchronously, and
// exits once the queue is closed and drained.
func (s *state[T]) run() {
	logger.Debug("dropout: worker started", "dropper", s.name)

	defer func() {
		s.workers.Add(-1)
		s.metrics.workerDown(s.name)
		logger.Debug("dropout: worker exited", "dropper", s.name)
		close(s.done)
	}()

	for {
		v, ok := s.queue.pop()
		if !ok {
			return
		}

		start := time.Now()
		s.destroyValue(v)
		s.metrics.observeDestroy(s.name, time.Since(start), s.queue.len())
	}
}

// destroyValue releases a single value on the worker goroutine.
func (s *state[T]) destroyValue(v T) {
	switch {
	case s.destroy != nil:
		s.destroy(v)
	default:
		switch r := any(v).(type) {
		case Destroyer:
			r.Destroy()
		case io.Closer:
			_ = r.Close()
		}
		// Otherwise the value simply goes out of scope here, off the
		// submitter's goroutine.
	}
}
