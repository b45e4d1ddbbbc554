package raft

import (
	"sync"
	"time"
)

// RepeatTimer fires task repeatedly, recomputing its delay from delay()
// on every cycle and on every restart. One timer type, parameterized by
// role-specific delay and task closures, drives follower election
// timeouts, candidate retries, and leader heartbeats alike.
type RepeatTimer struct {
	name  string
	delay func() time.Duration
	task  func()

	restartCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// NewRepeatTimer builds a timer under the given name (used only for
// logging) with a delay provider and a task, both supplied by the role
// currently driving the node. The timer loop starts immediately: it
// asks delay() for the first countdown as soon as the backing goroutine
// is spawned.
func NewRepeatTimer(name string, delay func() time.Duration, task func()) *RepeatTimer {
	t := &RepeatTimer{
		name:      name,
		delay:     delay,
		task:      task,
		restartCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *RepeatTimer) run() {
	defer close(t.doneCh)

	timer := time.NewTimer(t.delay())
	defer timer.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.restartCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.delay())
		case <-timer.C:
			t.task()
			timer.Reset(t.delay())
		}
	}
}

// Restart re-reads delay() and resets the countdown. Fire-and-forget: it
// never blocks on the timer's internal goroutine.
func (t *RepeatTimer) Restart() {
	select {
	case t.restartCh <- struct{}{}:
	default:
		// A restart is already pending; one is enough, the goroutine
		// will read the fresh delay() when it processes it.
	}
}

// Stop terminates the timer permanently. Safe to call more than once.
func (t *RepeatTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	<-t.doneCh
}
