// Package backoff implements the bounded busy-wait used at the engine's
// internal suspension points (tail reservation, reader guard, readonly
// horizon gate). None of these points block the OS thread per the spec;
// this just keeps a spinning goroutine from pegging a core indefinitely.
package backoff

import (
	"runtime"
	"time"
)

// Config bounds how long a spin loop yields the goroutine before falling
// back to a short sleep.
type Config struct {
	// Spins is the number of consecutive runtime.Gosched() calls
	// attempted before sleeping.
	Spins int
	// Sleep is the duration slept once Spins has been exhausted.
	Sleep time.Duration
}

// DefaultConfig is tuned for interactive test latency, not throughput.
func DefaultConfig() Config {
	return Config{Spins: 64, Sleep: 50 * time.Microsecond}
}

// Waiter tracks how many times Wait has been called in the current spin
// loop so callers don't need to thread a counter through by hand.
type Waiter struct {
	cfg   Config
	spins int
}

// New returns a fresh Waiter for one spin loop.
func New(cfg Config) *Waiter {
	return &Waiter{cfg: cfg}
}

// Wait yields the goroutine, escalating to a sleep once the configured
// number of scheduler yields has been exhausted.
func (w *Waiter) Wait() {
	if w.spins < w.cfg.Spins {
		w.spins++
		runtime.Gosched()
		return
	}
	time.Sleep(w.cfg.Sleep)
}

// Reset allows a Waiter to be reused across independent spin loops.
func (w *Waiter) Reset() {
	w.spins = 0
}
