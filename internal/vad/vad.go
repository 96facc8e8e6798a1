// Package vad implements energy-based voice activity detection with
// hysteresis.
//
// The detector computes the RMS energy of each frame and tracks a running
// count of consecutive above-threshold samples. The count grows by the
// frame's sample count while energy stays above the threshold and decays
// toward zero (never below) while it stays under. Voice is reported once the
// count reaches a configured activation run-length and keeps being reported
// while the count stays there. The hysteresis rejects single-frame noise
// spikes while still reacting within roughly one frame period to genuine
// speech onset: adequate for barge-in detection without a speech model.
//
// A Detector is stateful across frames within one session and must not be
// shared between sessions. It is not safe for concurrent use; the pipeline
// calls it from a single goroutine.
package vad

import "github.com/talkwire/talkwire/pkg/audio"

// Defaults tuned for 16-bit PCM at 16 kHz.
const (
	// DefaultThreshold is the RMS level (in PCM sample units, 0-32767)
	// above which a frame counts toward the activation run. 300 is near the
	// noise floor of typical consumer microphones.
	DefaultThreshold = 300.0

	// DefaultActivationSamples is the run-length at which voice is reported:
	// 160 samples is 10 ms of continuous above-threshold energy at 16 kHz.
	DefaultActivationSamples = 160
)

// Config holds the tuning knobs for a [Detector]. The activation run and the
// end-of-utterance silence run are deliberately independent: onset detection
// wants to be fast (~10 ms) while utterance-end detection wants to tolerate
// natural mid-sentence pauses (hundreds of ms). Zero values are replaced with
// defaults by [New].
type Config struct {
	// Threshold is the RMS energy above which a frame feeds the run counter.
	Threshold float64

	// ActivationSamples is the consecutive above-threshold sample count at
	// which the detector starts reporting voice.
	ActivationSamples int
}

// Detector classifies PCM frames as voice or silence.
type Detector struct {
	threshold  float64
	activation int
	run        int
}

// New creates a [Detector]. Zero-value config fields fall back to
// [DefaultThreshold] and [DefaultActivationSamples].
func New(cfg Config) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ActivationSamples <= 0 {
		cfg.ActivationSamples = DefaultActivationSamples
	}
	return &Detector{
		threshold:  cfg.Threshold,
		activation: cfg.ActivationSamples,
	}
}

// Classify consumes one frame of 16-bit PCM and reports whether voice is
// present. The verdict reflects the running hysteresis state, not just the
// energy of this single frame.
func (d *Detector) Classify(pcm []byte) bool {
	samples := len(pcm) / 2
	if audio.RMS(pcm) >= d.threshold {
		d.run += samples
	} else {
		d.run -= samples
		if d.run < 0 {
			d.run = 0
		}
	}
	return d.run >= d.activation
}

// Reset clears the accumulated run state. Use when a stream restarts so a
// previous segment cannot bleed into the next one.
func (d *Detector) Reset() {
	d.run = 0
}
