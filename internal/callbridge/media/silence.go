package media

import "sync"

// DefaultSilenceThreshold is the analyser level under which the far end is
// considered muted.
const DefaultSilenceThreshold = 0.05

// SilenceDetector infers peer mute from analyser levels when the transport
// has no explicit mute signal. Observe returns changed=true only on a flip.
type SilenceDetector struct {
	mu        sync.Mutex
	threshold float64
	muted     bool
}

// NewSilenceDetector creates a detector. A non-positive threshold selects
// DefaultSilenceThreshold.
func NewSilenceDetector(threshold float64) *SilenceDetector {
	if threshold <= 0 {
		threshold = DefaultSilenceThreshold
	}
	return &SilenceDetector{threshold: threshold}
}

// Observe folds one level sample.
func (d *SilenceDetector) Observe(level float64) (muted bool, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case level < d.threshold && !d.muted:
		d.muted = true
		return true, true
	case level >= d.threshold && d.muted:
		d.muted = false
		return false, true
	}
	return d.muted, false
}

// Muted returns the current inference.
func (d *SilenceDetector) Muted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.muted
}

// LevelOf computes the analyser level of an 8-bit time-domain window
// centred on 128.
func LevelOf(window []byte) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range window {
		d := float64(v) - 128
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum / float64(len(window))
}
