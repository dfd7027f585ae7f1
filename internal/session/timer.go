package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/fleetbus/internal/recovery"
)

// watchdog fires once when it is not reset within its timeout. Reset and
// Stop are safe to call concurrently with the expiry callback; a stale
// expiry from before the latest Reset or Stop is discarded.
type watchdog struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	timeout time.Duration
	armed   bool
	fire    func()
	logger  *slog.Logger
}

func newWatchdog(timeout time.Duration, logger *slog.Logger, fire func()) *watchdog {
	return &watchdog{timeout: timeout, fire: fire, logger: logger}
}

// Reset (re)starts the countdown.
func (w *watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gen++
	gen := w.gen
	if w.timer != nil {
		w.timer.Stop()
	}
	w.armed = true
	w.timer = time.AfterFunc(w.timeout, func() { w.expire(gen) })
}

// Touch restarts the countdown only if it is armed.
func (w *watchdog) Touch() bool {
	w.mu.Lock()
	armed := w.armed
	w.mu.Unlock()
	if armed {
		w.Reset()
	}
	return armed
}

// SetTimeout changes the timeout used from the next Reset.
func (w *watchdog) SetTimeout(d time.Duration) {
	w.mu.Lock()
	w.timeout = d
	w.mu.Unlock()
}

// Timeout returns the current timeout.
func (w *watchdog) Timeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

// Stop disarms the watchdog.
func (w *watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.gen++
	w.armed = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *watchdog) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || !w.armed {
		w.mu.Unlock()
		return
	}
	w.armed = false
	w.timer = nil
	w.mu.Unlock()

	defer recovery.RecoverWithLog(w.logger, "watchdog")
	w.fire()
}

// pulse calls fn every interval until stopped.
type pulse struct {
	ticker   *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

func startPulse(interval time.Duration, logger *slog.Logger, name string, fn func()) *pulse {
	p := &pulse{
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
	}

	go func() {
		defer recovery.RecoverWithLog(logger, name)
		defer p.ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-p.ticker.C:
				fn()
			}
		}
	}()
	return p
}

// Stop ends the pulse. It does not wait for a running fn.
func (p *pulse) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
}
