// Package clock provides an injectable wall-clock source so time-dependent
// behaviour (rush-hour bias, arrival estimation) stays deterministic in tests.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the real wall clock.
func System() Clock { return systemClock{} }

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// Fixed returns a clock that always reports t.
func Fixed(t time.Time) Clock { return fixedClock{t: t} }
