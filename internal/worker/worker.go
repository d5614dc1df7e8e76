package worker

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the queue size used when Config.QueueCapacity is not set.
const DefaultQueueCapacity = 16

// Config holds construction settings for a worker.
type Config[S any] struct {
	// Name identifies the worker in logs and errors. Defaults to "worker".
	Name string

	// QueueCapacity bounds the number of calls waiting to run.
	// Callers block on enqueue once the queue is full.
	// Zero or negative means DefaultQueueCapacity.
	QueueCapacity int

	// Finalizer is invoked exactly once on the worker thread when the worker
	// shuts down, with the state as it is at that moment. Optional.
	Finalizer func(S)

	// Logger receives lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config[S]) withDefaults() Config[S] {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// envelope is one queued unit of work.
// run executes the call against the state; skip answers the call without
// running it (its context ended while it was queued).
type envelope[S any] struct {
	ctx  context.Context
	run  func(*S)
	skip func(error)
}

type result[R any] struct {
	value R
	err   error
}

// worker is the state shared by every Handle of one worker goroutine.
// It never holds S; the state lives on the worker goroutine's stack.
type worker[S any] struct {
	name   string
	logger *slog.Logger
	queue  chan envelope[S]
	stop   chan struct{} // closed by the last release
	done   chan struct{}

	// senders counts enqueues in flight. Add only happens under mu while
	// !closed, so once stop is closed the count can only fall.
	senders sync.WaitGroup

	mu     sync.RWMutex // guards refs and closed; never held while blocking
	refs   int
	closed bool
}

// Handle submits calls to a worker. Handles are safe for concurrent use.
// Each handle holds one reference on the worker; see Clone and Release.
type Handle[S any] struct {
	w        *worker[S]
	released atomic.Bool
	cleanup  runtime.Cleanup
}

// New starts a worker goroutine locked to its own OS thread, builds the state
// by running factory on that thread, and returns a handle once the worker is
// ready to accept calls.
//
// If factory fails, the goroutine exits and the error is returned.
// If ctx ends before the worker is ready, New returns ctx.Err(); a state that
// is built afterwards is handed straight to the finalizer.
func New[S any](ctx context.Context, factory func() (S, error), cfg Config[S]) (*Handle[S], error) {
	cfg = cfg.withDefaults()

	w := &worker[S]{
		name:   cfg.Name,
		logger: cfg.Logger,
		queue:  make(chan envelope[S], cfg.QueueCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		refs:   1,
	}

	ready := make(chan error, 1)
	go w.run(factory, cfg.Finalizer, ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		go func() {
			if err := <-ready; err == nil {
				w.release()
			}
		}()
		return nil, ctx.Err()
	}

	return newHandle(w), nil
}

func newHandle[S any](w *worker[S]) *Handle[S] {
	h := &Handle[S]{w: w}
	h.cleanup = runtime.AddCleanup(h, (*worker[S]).release, w)
	return h
}

// run is the worker goroutine. It is the only code that ever sees the state.
func (w *worker[S]) run(factory func() (S, error), finalize func(S), ready chan<- error) {
	defer close(w.done)

	// Never unlocked: the thread is torn down together with this goroutine.
	runtime.LockOSThread()

	state, err := w.build(factory)
	if err != nil {
		ready <- err
		return
	}
	ready <- nil
	w.logger.Debug("worker started", "worker", w.name)

	calls := 0
	dispatch := func(env envelope[S]) {
		if err := env.ctx.Err(); err != nil {
			w.logger.Debug("skipping abandoned call", "worker", w.name, "error", err)
			env.skip(err)
			return
		}
		env.run(&state)
		calls++
	}

serve:
	for {
		select {
		case env := <-w.queue:
			dispatch(env)
		case <-w.stop:
			break serve
		}
	}

	// Producers that were mid-send when stop closed either land in the queue
	// or give up with ErrReleased. Keep serving until they are all settled.
	settled := make(chan struct{})
	go func() {
		w.senders.Wait()
		close(settled)
	}()
drain:
	for {
		select {
		case env := <-w.queue:
			dispatch(env)
		case <-settled:
			break drain
		}
	}
	// No producers remain; the worker is the only receiver.
	for len(w.queue) > 0 {
		dispatch(<-w.queue)
	}

	if finalize != nil {
		w.finalize(finalize, state)
	}
	w.logger.Debug("worker stopped", "worker", w.name, "calls", calls)
}

func (w *worker[S]) build(factory func() (S, error)) (state S, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Worker: w.name, Value: v}
		}
	}()
	return factory()
}

func (w *worker[S]) finalize(finalize func(S), state S) {
	defer func() {
		if v := recover(); v != nil {
			w.logger.Error("finalizer panicked", "worker", w.name, "panic", v)
		}
	}()
	finalize(state)
}

// retain adds a reference. Returns false once the worker is shutting down.
func (w *worker[S]) retain() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	w.refs++
	return true
}

// release drops a reference. The last release closes stop, which lets the
// worker drain, finalize, and exit. It never blocks on the queue, so it is
// safe from the runtime cleanup goroutine and from closures on the worker.
func (w *worker[S]) release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	w.closed = true
	close(w.stop)
}

func (w *worker[S]) enqueue(ctx context.Context, env envelope[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrReleased
	}
	w.senders.Add(1)
	w.mu.RUnlock()
	defer w.senders.Done()

	select {
	case w.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return ErrReleased
	}
}

// Call runs fn on the worker goroutine with exclusive access to the state and
// returns its result.
//
// Call blocks while the queue is full and then until fn has run. If ctx ends
// first, Call returns ctx.Err(). A call still queued at that point is never
// run; a call already running finishes and its result is discarded.
//
// A panic in fn is recovered and returned as *PanicError.
func Call[S, R any](ctx context.Context, h *Handle[S], fn func(*S) (R, error)) (R, error) {
	var zero R

	if h.released.Load() {
		return zero, ErrReleased
	}

	w := h.w
	reply := make(chan result[R], 1)
	env := envelope[S]{
		ctx: ctx,
		run: func(state *S) {
			v, err := invoke(w, fn, state)
			reply <- result[R]{value: v, err: err}
		},
		skip: func(err error) {
			reply <- result[R]{err: err}
		},
	}

	if err := w.enqueue(ctx, env); err != nil {
		return zero, err
	}
	// h must stay reachable until the envelope is queued, or its cleanup
	// could drop the reference underneath us.
	runtime.KeepAlive(h)

	select {
	case res := <-reply:
		return res.value, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func invoke[S, R any](w *worker[S], fn func(*S) (R, error), state *S) (v R, err error) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Warn("call panicked", "worker", w.name, "panic", p)
			var zero R
			v, err = zero, &PanicError{Worker: w.name, Value: p}
		}
	}()
	return fn(state)
}

// Clone returns a new handle to the same worker, adding a reference.
// It fails with ErrReleased if h is released or the worker is shutting down.
func (h *Handle[S]) Clone() (*Handle[S], error) {
	if h.released.Load() {
		return nil, ErrReleased
	}
	if !h.w.retain() {
		return nil, ErrReleased
	}
	return newHandle(h.w), nil
}

// Release drops this handle's reference. Calls through h fail afterwards.
// When the last handle is released the worker finalizes and exits.
// Idempotent.
func (h *Handle[S]) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.cleanup.Stop()
	h.w.release()
}

// Done returns a channel that is closed once the worker goroutine has exited,
// after the finalizer has run.
func (h *Handle[S]) Done() <-chan struct{} {
	return h.w.done
}

// Name returns the worker name.
func (h *Handle[S]) Name() string {
	return h.w.name
}

// Pending returns the number of calls waiting in the queue. It is a point in
// time sample meant for metrics and diagnostics.
func (h *Handle[S]) Pending() int {
	return len(h.w.queue)
}
