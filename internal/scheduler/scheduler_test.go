package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeTicker lets tests drive ticks deterministically instead of waiting on
// a real interval.
func fakeTicker(c chan time.Time) func(time.Duration) *time.Ticker {
	return func(time.Duration) *time.Ticker {
		t := time.NewTicker(time.Hour) // never fires on its own
		t.C = c
		return t
	}
}

func TestPeriodicTicks(t *testing.T) {
	var count int32
	tickCh := make(chan time.Time)

	p := New("test", time.Millisecond, func(now time.Time) {
		atomic.AddInt32(&count, 1)
	})
	p.newTicker = fakeTicker(tickCh)
	p.Start()

	tickCh <- time.Now()
	tickCh <- time.Now()
	p.Stop()

	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(2))
}

func TestPeriodicStopIsIdempotentWithoutStart(t *testing.T) {
	p := New("unstarted", time.Second, func(time.Time) {})
	assert.NotPanics(t, func() { p.Stop() })
}

func TestPeriodicStartTwiceIsNoop(t *testing.T) {
	var count int32
	tickCh := make(chan time.Time)
	p := New("test", time.Millisecond, func(time.Time) {
		atomic.AddInt32(&count, 1)
	})
	p.newTicker = fakeTicker(tickCh)
	p.Start()
	p.Start()

	tickCh <- time.Now()
	p.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}
