package relais

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventLoop is the single I/O goroutine of a connection. Every mutation of
// protocol state is submitted to it, which makes the loop the only writer
// of that state.
type EventLoop struct {
	ops    chan func()
	tick   time.Duration
	onTick func()

	started  atomic.Bool
	lk       sync.RWMutex
	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewEventLoop returns a stopped loop. When `tick` is positive, `onTick`
// also runs on the loop every `tick`.
func NewEventLoop(buffer int, tick time.Duration, onTick func()) *EventLoop {
	return &EventLoop{
		ops:    make(chan func(), buffer),
		tick:   tick,
		onTick: onTick,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the loop on a new goroutine.
func (loop *EventLoop) Start() {
	if !loop.started.CompareAndSwap(false, true) {
		return
	}
	go loop.run()
}

// Submit queues `fn`. It reports false, without running `fn`, once the loop
// is stopping. It MUST NOT be called from the loop itself.
func (loop *EventLoop) Submit(fn func()) bool {
	loop.lk.RLock()
	defer loop.lk.RUnlock()
	if loop.stopped {
		return false
	}
	select {
	case loop.ops <- fn:
		return true
	case <-loop.stopCh:
		return false
	}
}

// Stop stops accepting work, runs what was already queued, then returns
// once the loop goroutine exited. It is idempotent, and MUST NOT be called
// from the loop itself.
func (loop *EventLoop) Stop() {
	loop.StopAsync()
	if !loop.started.Load() {
		return
	}
	<-loop.doneCh
}

// StopAsync is `Stop` without waiting, usable from the loop itself.
func (loop *EventLoop) StopAsync() {
	loop.stopOnce.Do(func() {
		close(loop.stopCh)
	})
}

// Done is closed once the loop goroutine exited.
func (loop *EventLoop) Done() <-chan struct{} {
	return loop.doneCh
}

func (loop *EventLoop) run() {
	defer close(loop.doneCh)

	var tickCh <-chan time.Time
	if loop.tick > 0 && loop.onTick != nil {
		ticker := time.NewTicker(loop.tick)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case fn := <-loop.ops:
			fn()
		case <-tickCh:
			loop.onTick()
		case <-loop.stopCh:
			// no submitter can be mid-send once we hold the lock.
			loop.lk.Lock()
			loop.stopped = true
			loop.lk.Unlock()
			for {
				select {
				case fn := <-loop.ops:
					fn()
				default:
					return
				}
			}
		}
	}
}
