package relais

import (
	"context"
	"errors"
	"sync"
	"time"
)

// AsyncResult is a single-fire result holder. It is completed once by the
// goroutine which owns the underlying I/O, and observed by any number of
// waiters.
//
// A bounded wait which elapses returns `ErrTimeout`, so a timed-out wait is
// never confused with a successful completion carrying a zero value.
type AsyncResult[T any] struct {
	lk        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewAsyncResult returns a pending `AsyncResult`.
func NewAsyncResult[T any]() *AsyncResult[T] {
	return &AsyncResult[T]{
		done: make(chan struct{}),
	}
}

// Succeed completes the result with `value`. It reports false if the result
// was already completed, in which case the call has no effect.
func (res *AsyncResult[T]) Succeed(value T) bool {
	return res.complete(value, nil)
}

// Fail completes the result with `err`. It reports false if the result was
// already completed, in which case the call has no effect.
func (res *AsyncResult[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("future: failed without a cause")
	}
	var zero T
	return res.complete(zero, err)
}

func (res *AsyncResult[T]) complete(value T, err error) bool {
	res.lk.Lock()
	if res.completed {
		res.lk.Unlock()
		return false
	}
	res.completed = true
	res.value = value
	res.err = err
	callbacks := res.callbacks
	res.callbacks = nil
	close(res.done)
	res.lk.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// OnComplete registers `fn` to be invoked with the outcome. If the result is
// already completed, `fn` runs immediately on the calling goroutine,
// otherwise it runs on the completing goroutine.
func (res *AsyncResult[T]) OnComplete(fn func(T, error)) {
	res.lk.Lock()
	if !res.completed {
		res.callbacks = append(res.callbacks, fn)
		res.lk.Unlock()
		return
	}
	value, err := res.value, res.err
	res.lk.Unlock()
	fn(value, err)
}

// Done is closed once the result is completed.
func (res *AsyncResult[T]) Done() <-chan struct{} {
	return res.done
}

// IsDone reports whether the result was completed.
func (res *AsyncResult[T]) IsDone() bool {
	select {
	case <-res.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking. `ok` is false while pending.
func (res *AsyncResult[T]) Result() (value T, err error, ok bool) {
	res.lk.Lock()
	defer res.lk.Unlock()
	return res.value, res.err, res.completed
}

// Await blocks until completion or until `ctx` is done.
//
// An expired deadline yields `ErrTimeout`. Any other cancellation yields
// `ErrInterrupted`, which is an I/O class error.
func (res *AsyncResult[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-res.done:
		return res.value, res.err
	default:
	}

	select {
	case <-res.done:
		return res.value, res.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return zero, NewConnectionError("", errors.Join(ErrInterrupted, ctx.Err()))
	}
}

// AwaitTimeout blocks at most `timeout`. A non-positive timeout waits
// forever.
func (res *AsyncResult[T]) AwaitTimeout(timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return res.Await(context.Background())
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-res.done:
		return res.value, res.err
	case <-timer.C:
		// completion may race with the timer.
		select {
		case <-res.done:
			return res.value, res.err
		default:
		}
		var zero T
		return zero, ErrTimeout
	}
}

// Chain completes `res` with the outcome of `from`, mapping the value
// with `fn`.
func Chain[From, To any](from *AsyncResult[From], res *AsyncResult[To], fn func(From) To) {
	from.OnComplete(func(v From, err error) {
		if err != nil {
			res.Fail(err)
			return
		}
		res.Succeed(fn(v))
	})
}
