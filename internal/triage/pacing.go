package triage

import "time"

// Pacing spaces out the simulated run so live viewers can follow it. The
// sleeps it feeds are memoized either way; disabling pacing only makes them
// zero-length.
type Pacing struct {
	Enabled bool
	// Scale multiplies every duration. Zero means 1.
	Scale float64
}

// DefaultPacing paces runs at the speed the simulated agent reports.
var DefaultPacing = Pacing{Enabled: true, Scale: 1}

// NoPacing runs as fast as the engine allows.
var NoPacing = Pacing{}

func (p Pacing) of(d time.Duration) time.Duration {
	if !p.Enabled {
		return 0
	}
	scale := p.Scale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(float64(d) * scale)
}

// Base durations of the tool and pause sleeps.
const (
	pauseAfterTriage = 1500 * time.Millisecond
	pauseShort       = 500 * time.Millisecond

	cloneDuration   = 4 * time.Second
	readDuration    = 400 * time.Millisecond
	searchDuration  = 3500 * time.Millisecond
	commandDuration = 3 * time.Second
	prDuration      = 2500 * time.Millisecond
	ciDuration      = 5 * time.Second
)
