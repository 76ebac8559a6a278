package ble

import "time"

// Timer is a pending deferred call.
type Timer interface {
	// Stop prevents the call from running. It reports whether the call
	// was stopped before it ran.
	Stop() bool
}

// Scheduler runs a function after a delay. Tests inject a manual scheduler
// so reconnect backoff can be stepped without real sleeps.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the wall clock.
type SystemScheduler struct{}

func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
