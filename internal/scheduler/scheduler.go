// Package scheduler factors out the stopCh/WaitGroup/ticker-select loop
// shape repeated across the controller's dispatch/timeout/snapshot loops
// and the worker pool's heartbeat loop into one reusable periodic task
// runner, used by MasterCore's reaper and WorkerCore's heartbeat and
// master-health loops.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Task is a single periodic tick handler. It should not block
// indefinitely; long work should respect its own internal timeout.
type Task func(now time.Time)

// Periodic runs a Task on a fixed interval until Stop is called, following
// the teacher's stopCh+WaitGroup shutdown discipline: Stop closes stopCh
// and blocks until the running goroutine observes it and returns.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex

	// newTicker is overridden in tests to avoid waiting on real time.
	newTicker func(time.Duration) *time.Ticker
}

// New creates a Periodic that calls task every interval, labeled name for
// log lines.
func New(name string, interval time.Duration, task Task) *Periodic {
	return &Periodic{
		name:      name,
		interval:  interval,
		task:      task,
		stopCh:    make(chan struct{}),
		newTicker: time.NewTicker,
	}
}

// Start begins the ticking goroutine. Calling Start twice is a no-op.
func (p *Periodic) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.loop()
}

func (p *Periodic) loop() {
	defer p.wg.Done()
	ticker := p.newTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			slog.Default().Debug("scheduler task stopped", "task", p.name)
			return
		case now := <-ticker.C:
			p.task(now)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so. Safe to call at
// most once; Stop on a never-started Periodic returns immediately.
func (p *Periodic) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}
