package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a stand-in resource for exercising the worker.
type counter struct {
	n   int
	log []int
}

func newCounterWorker(t *testing.T, cfg Config[*counter]) *Handle[*counter] {
	t.Helper()
	h, err := New(context.Background(), func() (*counter, error) {
		return &counter{}, nil
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(h.Release)
	return h
}

// gate blocks the worker until the returned release func is called.
func gate(t *testing.T, h *Handle[*counter]) (release func()) {
	t.Helper()
	started := make(chan struct{})
	open := make(chan struct{})
	go func() {
		_, _ = Call(context.Background(), h, func(**counter) (struct{}, error) {
			close(started)
			<-open
			return struct{}{}, nil
		})
	}()
	<-started
	var once sync.Once
	return func() { once.Do(func() { close(open) }) }
}

func TestCall_ReturnsValue(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{})

	got, err := Call(context.Background(), h, func(c **counter) (int, error) {
		(*c).n += 41
		return (*c).n + 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCall_ForwardsError(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{})
	want := errors.New("boom")

	_, err := Call(context.Background(), h, func(**counter) (int, error) {
		return 0, want
	})
	assert.ErrorIs(t, err, want)
}

func TestCall_StateSurvivesCalls(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := Call(ctx, h, func(c **counter) (struct{}, error) {
			(*c).n++
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}

	n, err := Call(ctx, h, func(c **counter) (int, error) { return (*c).n, nil })
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func TestCall_ExecutesInEnqueueOrder(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{QueueCapacity: 32})
	release := gate(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Call(context.Background(), h, func(c **counter) (struct{}, error) {
				(*c).log = append((*c).log, i)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
		// Wait for this envelope to land before submitting the next one.
		require.Eventually(t, func() bool { return h.Pending() == i+1 }, time.Second, time.Millisecond)
	}

	release()
	wg.Wait()

	got, err := Call(context.Background(), h, func(c **counter) ([]int, error) {
		return append([]int(nil), (*c).log...), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestCall_NeverConcurrent(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{QueueCapacity: 4})

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		clone, err := h.Clone()
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer clone.Release()
			for i := 0; i < 250; i++ {
				_, err := Call(context.Background(), clone, func(c **counter) (struct{}, error) {
					cur := active.Add(1)
					if cur > maxActive.Load() {
						maxActive.Store(cur)
					}
					(*c).n++
					active.Add(-1)
					return struct{}{}, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	n, err := Call(context.Background(), h, func(c **counter) (int, error) { return (*c).n, nil })
	require.NoError(t, err)
	assert.Equal(t, 2000, n)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestCall_BackpressureBlocksEnqueue(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{QueueCapacity: 1})
	release := gate(t, h)
	defer release()

	// Fill the single queue slot.
	go func() {
		_, _ = Call(context.Background(), h, func(**counter) (struct{}, error) { return struct{}{}, nil })
	}()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	ran := atomic.Bool{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, h, func(**counter) (struct{}, error) {
		ran.Store(true)
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	_, err = Call(context.Background(), h, func(**counter) (struct{}, error) { return struct{}{}, nil })
	require.NoError(t, err)
	assert.False(t, ran.Load(), "call that never entered the queue must not run")
}

func TestCall_CancelledWhileQueuedIsSkipped(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{})
	release := gate(t, h)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	ran := atomic.Bool{}
	errCh := make(chan error, 1)
	go func() {
		_, err := Call(ctx, h, func(**counter) (struct{}, error) {
			ran.Store(true)
			return struct{}{}, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	release()
	_, err := Call(context.Background(), h, func(**counter) (struct{}, error) { return struct{}{}, nil })
	require.NoError(t, err)
	assert.False(t, ran.Load(), "queued call with cancelled context must be skipped")
}

func TestCall_CancelledWhileRunningCompletes(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	proceed := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := Call(ctx, h, func(c **counter) (struct{}, error) {
			close(started)
			<-proceed
			(*c).n = 7
			return struct{}{}, nil
		})
		errCh <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(proceed)

	n, err := Call(context.Background(), h, func(c **counter) (int, error) { return (*c).n, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n, "running call must finish even after its caller gave up")
}

func TestCall_RecoversPanic(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{Name: "panicky"})

	_, err := Call(context.Background(), h, func(**counter) (int, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.True(t, IsPanic(err))

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "panicky", pe.Worker)
	assert.Equal(t, "kaboom", pe.Value)

	got, err := Call(context.Background(), h, func(**counter) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, got, "worker must keep serving after a panic")
}

func TestNew_FactoryError(t *testing.T) {
	want := errors.New("cannot open")
	h, err := New(context.Background(), func() (*counter, error) {
		return nil, want
	}, Config[*counter]{})
	assert.ErrorIs(t, err, want)
	assert.Nil(t, h)
}

func TestNew_FactoryPanic(t *testing.T) {
	_, err := New(context.Background(), func() (*counter, error) {
		panic("bad factory")
	}, Config[*counter]{})
	assert.True(t, IsPanic(err))
}

func TestNew_ContextEndsBeforeReady(t *testing.T) {
	open := make(chan struct{})
	finalized := make(chan *counter, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := New(ctx, func() (*counter, error) {
		<-open
		return &counter{n: 3}, nil
	}, Config[*counter]{Finalizer: func(c *counter) { finalized <- c }})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, h)

	close(open)
	select {
	case c := <-finalized:
		assert.Equal(t, 3, c.n)
	case <-time.After(time.Second):
		t.Fatal("late resource was not finalized")
	}
}

func TestRelease_RunsFinalizerOnce(t *testing.T) {
	var calls atomic.Int32
	var got *counter
	h, err := New(context.Background(), func() (*counter, error) {
		return &counter{}, nil
	}, Config[*counter]{Finalizer: func(c *counter) {
		calls.Add(1)
		got = c
	}})
	require.NoError(t, err)

	clone, err := h.Clone()
	require.NoError(t, err)

	_, err = Call(context.Background(), clone, func(c **counter) (struct{}, error) {
		(*c).n = 5
		return struct{}{}, nil
	})
	require.NoError(t, err)

	h.Release()
	h.Release()
	select {
	case <-h.Done():
		t.Fatal("worker stopped while a clone is still live")
	case <-time.After(20 * time.Millisecond):
	}

	clone.Release()
	select {
	case <-clone.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after last release")
	}

	assert.Equal(t, int32(1), calls.Load())
	require.NotNil(t, got)
	assert.Equal(t, 5, got.n)
}

func TestRelease_DrainsQueuedCalls(t *testing.T) {
	h, err := New(context.Background(), func() (*counter, error) {
		return &counter{}, nil
	}, Config[*counter]{QueueCapacity: 8})
	require.NoError(t, err)
	clone, err := h.Clone()
	require.NoError(t, err)

	release := gate(t, h)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Call(context.Background(), clone, func(c **counter) (struct{}, error) {
				(*c).n++
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return h.Pending() == 3 }, time.Second, time.Millisecond)

	h.Release()
	clone.Release()
	release()
	wg.Wait()
	<-h.Done()
}

func TestCall_AfterRelease(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{})
	h.Release()

	_, err := Call(context.Background(), h, func(**counter) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrReleased)

	_, err = h.Clone()
	assert.ErrorIs(t, err, ErrReleased)
}

func TestHandle_UnreachableIsReleased(t *testing.T) {
	finalized := make(chan struct{})
	done := func() <-chan struct{} {
		h, err := New(context.Background(), func() (*counter, error) {
			return &counter{}, nil
		}, Config[*counter]{Finalizer: func(*counter) { close(finalized) }})
		require.NoError(t, err)
		return h.Done()
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case <-finalized:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	<-done
}

func TestHandle_Name(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{Name: "db-1"})
	assert.Equal(t, "db-1", h.Name())

	d := newCounterWorker(t, Config[*counter]{})
	assert.Equal(t, "worker", d.Name())
}

func noop(**counter) (struct{}, error) { return struct{}{}, nil }

// parkProducer fills the single queue slot of a gated worker and then starts
// another call that has to wait for space. It returns that call's result.
func parkProducer(t *testing.T, h *Handle[*counter]) <-chan error {
	t.Helper()
	go func() { _, _ = Call(context.Background(), h, noop) }()
	require.Eventually(t, func() bool { return h.Pending() == 1 }, time.Second, time.Millisecond)

	parked := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), h, noop)
		parked <- err
	}()
	// Give the producer time to block on the full queue.
	time.Sleep(20 * time.Millisecond)
	return parked
}

func TestRelease_NotBlockedByFullQueue(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{QueueCapacity: 1})
	clone, err := h.Clone()
	require.NoError(t, err)

	release := gate(t, h)
	defer release()
	parked := parkProducer(t, h)

	released := make(chan struct{})
	go func() {
		clone.Release()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("Release waited for a producer blocked on the full queue")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = Call(ctx, h, noop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second, "deadline ignored while the queue was full")

	release()
	assert.NoError(t, <-parked)
}

func TestCall_ClosureMayCloneAndReleaseWhileQueueFull(t *testing.T) {
	h := newCounterWorker(t, Config[*counter]{QueueCapacity: 1})
	clone, err := h.Clone()
	require.NoError(t, err)

	started := make(chan struct{})
	proceed := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), h, func(**counter) (struct{}, error) {
			close(started)
			<-proceed
			clone.Release()
			other, err := h.Clone()
			if err != nil {
				return struct{}{}, err
			}
			other.Release()
			return struct{}{}, nil
		})
		result <- err
	}()
	<-started
	parked := parkProducer(t, h)

	close(proceed)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker stuck in a closure that released a handle")
	}
	assert.NoError(t, <-parked)
}

func TestRelease_ProducerOutlivesOtherHandles(t *testing.T) {
	h, err := New(context.Background(), func() (*counter, error) {
		return &counter{}, nil
	}, Config[*counter]{QueueCapacity: 1})
	require.NoError(t, err)
	producer, err := h.Clone()
	require.NoError(t, err)

	release := gate(t, h)
	parked := parkProducer(t, producer)

	// producer stays referenced by its parked call, so the worker only stops
	// after that call settles.
	h.Release()
	release()
	assert.NoError(t, <-parked)

	producer.Release()
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after last release")
	}
}

func TestRelease_WhileOwnCallIsWaitingForSpace(t *testing.T) {
	h, err := New(context.Background(), func() (*counter, error) {
		return &counter{}, nil
	}, Config[*counter]{QueueCapacity: 1})
	require.NoError(t, err)

	release := gate(t, h)
	parked := parkProducer(t, h)

	h.Release()
	release()

	select {
	case err := <-parked:
		// Either it got a slot before shutdown and ran, or it was turned away.
		if err != nil {
			assert.ErrorIs(t, err, ErrReleased)
		}
	case <-time.After(time.Second):
		t.Fatal("producer left waiting after the worker stopped")
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
