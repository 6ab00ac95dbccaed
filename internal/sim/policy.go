package sim

import (
	"math/rand"
	"time"
)

// Window is a daily hour window with both ends inclusive. Wrapping windows
// (start > end) cover the overnight span, e.g. {22, 5} covers 22:00 through
// 05:59.
type Window struct {
	StartHour int
	EndHour   int
}

// Contains reports whether the hour falls inside the window.
func (w Window) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour <= w.EndHour
	}
	return hour >= w.StartHour || hour <= w.EndHour
}

// Policy holds the simulator's tunable behaviour. The rush/night windows
// and biases are tunables, not physics; deployments override them through
// configuration.
type Policy struct {
	BaseInterval time.Duration
	JitterMax    time.Duration // random extra per-vehicle interval so updates stagger

	MoveFractionMax   float64 // fraction of the remaining vector covered per tick
	PositionJitterDeg float64 // uniform positional noise in degrees

	OccupancyChangeChance float64
	OccupancyDeltaMin     int // inclusive lower bound of the random delta
	OccupancyDeltaMax     int // inclusive upper bound
	RushBoardingMax       int // extra boardings during rush windows
	NightOccupancyFactor  float64

	SpeedVariationKmh float64 // symmetric per-tick speed perturbation
	MaxSpeedKmh       float64
	RushSpeedCapKmh   float64
	NightSpeedMinKmh  float64
	NightSpeedMaxKmh  float64

	RushWindows []Window
	NightWindow Window
}

// DefaultPolicy returns the stock traffic model: morning and evening rush
// windows, quiet nights, and a 0-60 km/h speed envelope.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval:          10 * time.Second,
		JitterMax:             5 * time.Second,
		MoveFractionMax:       0.10,
		PositionJitterDeg:     0.001,
		OccupancyChangeChance: 0.20,
		OccupancyDeltaMin:     -5,
		OccupancyDeltaMax:     8,
		RushBoardingMax:       5,
		NightOccupancyFactor:  0.3,
		SpeedVariationKmh:     10,
		MaxSpeedKmh:           60,
		RushSpeedCapKmh:       25,
		NightSpeedMinKmh:      15,
		NightSpeedMaxKmh:      40,
		RushWindows:           []Window{{7, 9}, {17, 20}},
		NightWindow:           Window{22, 5},
	}
}

func (p Policy) isRush(hour int) bool {
	for _, w := range p.RushWindows {
		if w.Contains(hour) {
			return true
		}
	}
	return false
}

func (p Policy) isNight(hour int) bool { return p.NightWindow.Contains(hour) }

// nextOccupancy perturbs the occupied count by a bounded random delta, biased
// upward during rush windows and downward late at night. The result is always
// clamped into [0, total].
func (p Policy) nextOccupancy(occupied, total, hour int, rng *rand.Rand) int {
	span := p.OccupancyDeltaMax - p.OccupancyDeltaMin + 1
	next := occupied + p.OccupancyDeltaMin + rng.Intn(span)

	if p.isRush(hour) {
		next += rng.Intn(p.RushBoardingMax + 1)
	}
	if p.isNight(hour) {
		next = int(float64(next) * p.NightOccupancyFactor)
	}

	if next < 0 {
		next = 0
	}
	if next > total {
		next = total
	}
	return next
}

// nextSpeed perturbs the speed and clamps it to the policy envelope: [0,max]
// generally, capped during rush, and held to the night band overnight.
func (p Policy) nextSpeed(speedKmh float64, hour int, rng *rand.Rand) float64 {
	next := speedKmh + (rng.Float64()-0.5)*2*p.SpeedVariationKmh

	if next < 0 {
		next = 0
	}
	if next > p.MaxSpeedKmh {
		next = p.MaxSpeedKmh
	}
	if p.isRush(hour) && next > p.RushSpeedCapKmh {
		next = p.RushSpeedCapKmh
	}
	if p.isNight(hour) {
		if next > p.NightSpeedMaxKmh {
			next = p.NightSpeedMaxKmh
		}
		if next < p.NightSpeedMinKmh {
			next = p.NightSpeedMinKmh
		}
	}
	return next
}
