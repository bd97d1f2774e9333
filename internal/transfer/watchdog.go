package transfer

import (
	"sync"
	"sync/atomic"
	"time"
)

// watchdog calls onStall once if Kick is not called for timeout. It runs in
// its own goroutine until it fires or Stop is called.
type watchdog struct {
	kick     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	fired    atomic.Bool
}

func startWatchdog(timeout time.Duration, onStall func()) *watchdog {
	w := &watchdog{
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-w.kick:
				timer.Reset(timeout)
			case <-timer.C:
				w.fired.Store(true)
				onStall()
				return
			}
		}
	}()
	return w
}

// Kick records progress. It never blocks.
func (w *watchdog) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop tears the watchdog down and waits for its goroutine to exit.
func (w *watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Fired reports whether the stall callback ran.
func (w *watchdog) Fired() bool {
	return w.fired.Load()
}
