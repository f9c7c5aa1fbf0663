package audio

import (
	"math"
	"time"
)

// SilenceMonitor watches captured frames for sustained silence — not to
// detect utterance boundaries (that's the speech service's end_of_turn
// job), but to surface a "the microphone may be muted or disconnected"
// diagnostic when no speech-level energy has been observed for a long
// stretch while the engine is actively listening. Adapted from the
// teacher's RMSVAD (pkg/orchestrator/vad.go): the RMS calculation and
// consecutive-frame hysteresis are unchanged in method, retargeted from
// per-utterance speech-start/speech-end events to a single sustained-
// silence diagnostic.
type SilenceMonitor struct {
	threshold    float64
	silenceLimit time.Duration
	minConfirmed int

	consecutiveQuiet int
	quietSince       time.Time
	warned           bool
}

// NewSilenceMonitor reports sustained silence once silenceLimit has
// elapsed with every frame's RMS below threshold.
func NewSilenceMonitor(threshold float64, silenceLimit time.Duration) *SilenceMonitor {
	return &SilenceMonitor{threshold: threshold, silenceLimit: silenceLimit, minConfirmed: 7}
}

// Observe processes one captured frame, returning true exactly once per
// silence episode — the instant silenceLimit is crossed — so the caller
// (the host binary) can publish a single warning rather than one per
// frame. It resets once speech-level energy returns.
func (m *SilenceMonitor) Observe(frame []int16, now time.Time) bool {
	rms := calculateRMS(frame)

	if rms > m.threshold {
		m.consecutiveQuiet = 0
		m.quietSince = time.Time{}
		m.warned = false
		return false
	}

	m.consecutiveQuiet++
	if m.consecutiveQuiet < m.minConfirmed {
		return false
	}
	if m.quietSince.IsZero() {
		m.quietSince = now
	}

	if m.warned {
		return false
	}
	if now.Sub(m.quietSince) >= m.silenceLimit {
		m.warned = true
		return true
	}
	return false
}

func calculateRMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}
