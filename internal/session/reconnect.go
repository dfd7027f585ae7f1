package session

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int // 0 means unlimited
	Jitter       float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  0,
		Jitter:       0.2,
	}
}

// Reconnector retries one operation with exponential backoff until it
// succeeds, runs out of attempts or is cancelled.
type Reconnector struct {
	cfg      ReconnectConfig
	attempt  func() error
	onGiveUp func(attempts int, err error)

	mu        sync.Mutex
	attempts  int
	nextDelay time.Duration
	timer     *time.Timer
	pending   bool
	closed    bool
}

// NewReconnector creates a reconnector around attempt.
func NewReconnector(cfg ReconnectConfig, attempt func() error) *Reconnector {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultReconnectConfig().InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Reconnector{cfg: cfg, attempt: attempt}
}

// OnGiveUp registers fn to run when MaxAttempts is exhausted.
func (r *Reconnector) OnGiveUp(fn func(attempts int, err error)) {
	r.mu.Lock()
	r.onGiveUp = fn
	r.mu.Unlock()
}

// Schedule starts a retry sequence. It is a no-op while one is pending.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.pending {
		return
	}
	r.pending = true
	r.attempts = 0
	r.nextDelay = r.cfg.InitialDelay
	r.armLocked()
}

func (r *Reconnector) armLocked() {
	delay := r.addJitter(r.nextDelay)
	r.timer = time.AfterFunc(delay, r.run)
}

func (r *Reconnector) run() {
	r.mu.Lock()
	if !r.pending || r.closed {
		r.mu.Unlock()
		return
	}
	r.attempts++
	nextDelay := time.Duration(float64(r.nextDelay) * r.cfg.Multiplier)
	if nextDelay > r.cfg.MaxDelay {
		nextDelay = r.cfg.MaxDelay
	}
	r.nextDelay = nextDelay
	r.mu.Unlock()

	err := r.attempt()

	r.mu.Lock()
	if !r.pending || r.closed {
		r.mu.Unlock()
		return
	}
	if err == nil {
		r.pending = false
		r.mu.Unlock()
		return
	}
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		r.pending = false
		attempts, giveUp := r.attempts, r.onGiveUp
		r.mu.Unlock()
		if giveUp != nil {
			giveUp(attempts, err)
		}
		return
	}
	r.armLocked()
	r.mu.Unlock()
}

// addJitter spreads d by up to the configured fraction either way.
func (r *Reconnector) addJitter(d time.Duration) time.Duration {
	if r.cfg.Jitter <= 0 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * r.cfg.Jitter * float64(d)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return d
	}
	return result
}

// Cancel stops a pending retry sequence.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = false
}

// Attempts returns the number of attempts in the current sequence.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// IsPending reports whether a retry sequence is running.
func (r *Reconnector) IsPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Close cancels and disables the reconnector.
func (r *Reconnector) Close() {
	r.Cancel()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
