package session

import (
	"context"
	"sync"
	"time"

	"github.com/BioHazard786/meshcall/internal/callerr"
)

// loop runs posted functions one at a time on a single goroutine. Every
// state change of an Endpoint and its connections happens inside it.
// Posting never blocks.
type loop struct {
	mu       sync.Mutex
	queue    []func()
	stopping bool

	wake chan struct{}
	done chan struct{}
}

func newLoop() *loop {
	return &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// stop rejects further posts; run drains what is queued and returns.
func (l *loop) stop() {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopping := l.stopping
		l.mu.Unlock()

		if len(batch) == 0 {
			if stopping {
				return
			}
			<-l.wake
			continue
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// call runs fn on the loop and waits for it to finish.
func (l *loop) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return callerr.New("call", callerr.ErrClosed)
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return callerr.New("call", callerr.ErrClosed)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *loop) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { l.post(fn) })
}
