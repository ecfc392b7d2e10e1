package clock

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CancelFunc stops a scheduled task. Safe to call more than once.
type CancelFunc func()

// Scheduler owns all periodic and delayed work in the system: health
// checks, DLQ purges, topic retention sweeps and pending-ack timeout
// enforcement all register here instead of each
// spawning their own ad hoc goroutine/ticker, per the "one central
// Scheduler" re-architecture note.
type Scheduler struct {
	clock  Clock
	log    *zap.Logger
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	stop   chan struct{}
}

// NewScheduler creates a Scheduler driven by clk.
func NewScheduler(clk Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{clock: clk, log: log, stop: make(chan struct{})}
}

// Every registers a task that runs every interval until cancelled or
// the scheduler is closed. fn must be idempotent: a slow previous run
// can overlap the clock firing again under a missed tick, so Every
// skips a firing while the prior invocation of fn is still running.
func (s *Scheduler) Every(interval time.Duration, name string, fn func()) CancelFunc {
	cancelCh := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(cancelCh) }) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		var running sync.Mutex
		for {
			select {
			case <-s.clock.After(interval):
				if running.TryLock() {
					s.wg.Add(1)
					go func() {
						defer s.wg.Done()
						defer running.Unlock()
						defer func() {
							if r := recover(); r != nil {
								s.log.Error("scheduled task panicked", zap.String("task", name), zap.Any("panic", r))
							}
						}()
						fn()
					}()
				} else {
					s.log.Warn("scheduled task skipped a tick; previous run still in flight", zap.String("task", name))
				}
			case <-cancelCh:
				return
			case <-s.stop:
				return
			}
		}
	}()

	return cancel
}

// After runs fn once after d, unless cancelled first.
func (s *Scheduler) After(d time.Duration, name string, fn func()) CancelFunc {
	cancelCh := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(cancelCh) }) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		select {
		case <-s.clock.After(d):
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("delayed task panicked", zap.String("task", name), zap.Any("panic", r))
				}
			}()
			fn()
		case <-cancelCh:
		case <-s.stop:
		}
	}()

	return cancel
}

// Clock returns the scheduler's underlying time source.
func (s *Scheduler) Clock() Clock { return s.clock }

// Close stops all scheduled work and waits for in-flight task
// goroutines to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	s.wg.Wait()
}
