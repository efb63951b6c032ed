// Tick deadline supervision.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package state

import "time"

// Watchdog detects a missed control tick. The tick path kicks it every
// cycle; the supervising loop checks it from outside the tick. A
// missed deadline is escalated as a fatal flag, never silently
// absorbed.
type Watchdog struct {
	timeout  time.Duration
	lastKick time.Time
	armed    bool
}

// NewWatchdog creates a watchdog that trips when no kick arrives
// within timeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout}
}

// Arm starts supervision from now.
func (w *Watchdog) Arm(now time.Time) {
	w.armed = true
	w.lastKick = now
}

// Disarm stops supervision.
func (w *Watchdog) Disarm() {
	w.armed = false
}

// Kick records a completed tick.
func (w *Watchdog) Kick(now time.Time) {
	w.lastKick = now
}

// Expired reports whether the deadline has been missed.
func (w *Watchdog) Expired(now time.Time) bool {
	return w.armed && now.Sub(w.lastKick) > w.timeout
}

// Timeout returns the configured deadline.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}
