package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop is the production Scheduler: callbacks are queued and drained by a
// single goroutine running Run.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	closeCh   chan struct{}
	closeOnce sync.Once

	log *zap.Logger
}

func NewLoop(log *zap.Logger) *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

func (l *Loop) Now() time.Time { return time.Now() }

// Post queues fn. The queue is unbounded so posting from inside a callback
// never deadlocks.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) After(d time.Duration, fn func()) Task {
	t := &loopTask{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.cancelled.CompareAndSwap(false, true) {
				return
			}
			fn()
		})
	})
	return t
}

func (l *Loop) Every(d time.Duration, fn func()) Task {
	t := &loopTask{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(func() {
					if t.cancelled.Load() {
						return
					}
					fn()
				})
			case <-t.stop:
				return
			case <-l.closeCh:
				return
			}
		}
	}()
	return t
}

// Run drains queued callbacks until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closeCh:
			return nil
		case <-l.wake:
		}
		l.drain()
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			l.safeCall(fn)
		}
	}
}

// safeCall keeps one misbehaving callback from taking the loop down.
func (l *Loop) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.log.Error("scheduled callback panic recovered", zap.Any("panic", rec))
		}
	}()
	fn()
}

// Close stops Run and every periodic task. Idempotent.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.closeCh) })
}

type loopTask struct {
	timer     *time.Timer
	stop      chan struct{}
	cancelled atomic.Bool
}

func (t *loopTask) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.stop != nil {
		close(t.stop)
	}
	return true
}

func (t *loopTask) Active() bool { return !t.cancelled.Load() }
