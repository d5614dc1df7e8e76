// Package worker runs a blocking, thread-affine resource on a dedicated goroutine.
//
// ARCHITECTURE:
//
// Single-Owner Actor:
// A Worker owns one state value S for its whole lifetime. The worker goroutine
// is locked to a single OS thread before the resource is constructed, so the
// resource is created, used, and torn down on the same thread. No other
// goroutine ever touches S, so no lock protects it.
//
// Call Flow:
// 1. Call builds an envelope (closure + one-shot reply channel)
// 2. The envelope is pushed onto a bounded FIFO queue (blocks when full)
// 3. The worker dequeues envelopes one at a time and runs them against &S
// 4. The result is sent on that call's reply channel (buffered, size 1)
//
// Lifecycle:
// Handles are reference counted. Clone adds a reference, Release drops one.
// A handle that becomes unreachable without Release is released by a runtime
// cleanup. When the last reference goes, the worker is signalled to stop. It
// drains what is left in the queue, runs the finalizer with the current state,
// and exits. Release never waits on the queue, so it may be called from inside
// a closure running on the worker.
//
// Cancellation:
// A caller may stop waiting at any time via its context. An envelope whose
// context is done before it is dequeued is skipped. Once a closure has started
// it always runs to completion; only the wait for its result is abandoned.
package worker
