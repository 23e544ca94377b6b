// Package sweep runs periodic background maintenance functions at a jittered
// cadence. Checkout expiry, sticky-session cleanup, proxy health scans, and
// state flushes all share this loop so their wakeups do not align.
package sweep

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared sweep cadence.
	DefaultMinInterval = 13 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// Runner owns a single sweep goroutine with idempotent Stop.
type Runner struct {
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	minInterval time.Duration
	jitterRange time.Duration
	fn          func()
}

// NewRunner creates a Runner that will execute fn on the given cadence.
func NewRunner(minInterval, jitterRange time.Duration, fn func()) *Runner {
	return &Runner{
		stopCh:      make(chan struct{}),
		minInterval: minInterval,
		jitterRange: jitterRange,
		fn:          fn,
	}
}

// Start launches the background goroutine.
func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		Run(r.stopCh, r.minInterval, r.jitterRange, r.fn)
	}()
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
// Safe to call more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
