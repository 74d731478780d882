// Package loop provides a serialized task queue. Every closure posted to a
// Loop runs on the same goroutine, one at a time, in posting order, so state
// touched only from inside the loop needs no locks.
package loop

import (
	"context"
	"errors"
	"sync"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("loop closed")

// Loop runs posted closures serially.
type Loop struct {
	mu     sync.Mutex
	queue  deque.Deque[func()]
	wake   chan struct{}
	closed bool
	done   chan struct{}
	log    *logrus.Entry
}

// New starts a loop goroutine.
func New(name string) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  logrus.WithFields(logrus.Fields{"component": "loop", "loop": name}),
	}
	go l.run()
	return l
}

// Post enqueues fn without waiting. Closures posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue.PushBack(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs fn on the loop and waits for its result. It must not be called from
// inside the loop.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.queue.PushBack(func() { result <- fn() })
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-result:
		return err
	case <-l.done:
		// The closure may have run just before shutdown.
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop after the closure currently running. Pending closures
// are discarded.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dropped := l.queue.Len()
	l.queue.Clear()
	l.mu.Unlock()

	close(l.done)
	if dropped > 0 {
		l.log.WithField("dropped", dropped).Debug("loop closed with pending tasks")
	}
}

// Done is closed once Close has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if l.closed || l.queue.Len() == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue.PopFront()
			l.mu.Unlock()

			l.safeRun(fn)
		}
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("task panicked")
		}
	}()
	fn()
}
