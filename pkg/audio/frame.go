// Package audio defines the fixed audio format of the talkwire gateway and the
// frame type that flows through every pipeline stage.
//
// The gateway processes raw PCM only: 16 kHz sample rate, 16-bit signed
// little-endian samples, one channel, framed into 1024-sample blocks (~64 ms).
// The format is not negotiable per session: clients that deliver anything
// else get their chunks rejected with a [*FormatError] while the session
// itself stays alive.
package audio

import (
	"fmt"
	"time"
)

// Fixed format parameters. Frame duration works out to 64 ms, chosen so that
// per-frame VAD decisions are statistically stable while keeping end-to-end
// latency bounded.
const (
	// SampleRate is the only supported sample rate in Hz.
	SampleRate = 16000

	// BitsPerSample is fixed at 16 (signed little-endian).
	BitsPerSample = 16

	// Channels is fixed at mono.
	Channels = 1

	// FrameSamples is the number of samples per frame.
	FrameSamples = 1024

	// FrameBytes is the byte length of one frame's PCM payload.
	FrameBytes = FrameSamples * BitsPerSample / 8
)

// FrameDuration is the wall-clock span covered by one frame.
const FrameDuration = time.Duration(FrameSamples) * time.Second / SampleRate

// Frame is a single fixed-size block of raw PCM, the atomic unit of transport
// and processing. Frames are produced by the chunk pipeline, tagged with a VAD
// verdict, and consumed by the session state machine.
type Frame struct {
	// Sequence is the frame's position in the session's inbound stream.
	// Monotonic, starts at 0, assigned by the pipeline.
	Sequence uint64

	// PCM is the raw sample data. Always exactly FrameBytes long for frames
	// emitted by the pipeline.
	PCM []byte

	// HasVoice is the VAD verdict for this frame.
	HasVoice bool

	// Timestamp marks when the frame was assembled.
	Timestamp time.Time
}

// FormatError reports a chunk that violates the fixed audio format. The
// offending chunk is dropped; the session continues.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "audio: format violation: " + e.Reason
}

// ValidateChunk checks that a raw inbound PCM payload is well-formed for the
// fixed format: non-empty and aligned to whole 16-bit samples. It does not
// require frame alignment: the pipeline accepts arbitrary chunking.
func ValidateChunk(pcm []byte) error {
	if len(pcm) == 0 {
		return &FormatError{Reason: "empty audio payload"}
	}
	if len(pcm)%2 != 0 {
		return &FormatError{Reason: fmt.Sprintf("odd byte count %d for 16-bit PCM", len(pcm))}
	}
	return nil
}
