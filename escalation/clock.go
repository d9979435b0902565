package escalation

import "time"

// Clock abstracts the time operations the engine and the in-memory scheduler need, so
// tests can drive escalation deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Stopper cancels a pending AfterFunc call.
type Stopper interface {
	Stop() bool
}

// RealClock is backed by the time package.
func RealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
