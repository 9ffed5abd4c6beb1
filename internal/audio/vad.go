package audio

import (
	"math"
	"time"
)

const (
	// defaultEnergyThreshold is RMS energy over int16 samples; tuned for
	// narrow-band telephony where comfort noise sits well below speech.
	defaultEnergyThreshold = 500.0

	defaultSilenceDuration = 1500 * time.Millisecond
)

// SpeechEndDetector tracks caller speech activity via RMS energy and reports
// end-of-speech once silence has persisted long enough.
//
// One detector per call; not safe for concurrent use (the owning call
// serializes its audio path).
type SpeechEndDetector struct {
	threshold       float64
	silenceDuration time.Duration

	lastSpeech time.Time
	sawSpeech  bool

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewSpeechEndDetector(threshold float64, silenceDuration time.Duration) *SpeechEndDetector {
	if threshold <= 0 {
		threshold = defaultEnergyThreshold
	}
	if silenceDuration <= 0 {
		silenceDuration = defaultSilenceDuration
	}
	return &SpeechEndDetector{
		threshold:       threshold,
		silenceDuration: silenceDuration,
		clock:           time.Now,
	}
}

// DetectSpeechEnd consumes one window of little-endian 16-bit PCM and returns
// true once silence has persisted for the configured duration since the last
// detected speech. Before any speech has been observed it always returns false.
func (d *SpeechEndDetector) DetectSpeechEnd(window []byte) bool {
	energy := rmsEnergy(window)

	if energy > d.threshold {
		d.lastSpeech = d.clock()
		d.sawSpeech = true
		return false
	}

	if !d.sawSpeech {
		return false
	}
	return d.clock().Sub(d.lastSpeech) >= d.silenceDuration
}

// Reset clears speech history, for reuse across conversation turns.
func (d *SpeechEndDetector) Reset() {
	d.sawSpeech = false
	d.lastSpeech = time.Time{}
}

func rmsEnergy(window []byte) float64 {
	n := len(window) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(sampleAt(window, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
