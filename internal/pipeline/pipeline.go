// Package pipeline turns a raw inbound PCM byte stream into sequenced,
// VAD-tagged frames.
//
// Clients may chunk their audio however they like; the pipeline accumulates
// bytes and emits exactly one [audio.Frame] per 1024 buffered samples, never
// a partial frame, preserving input order. Each emitted frame carries the
// next monotonic sequence number and the VAD verdict for its samples.
//
// One Pipeline belongs to one session and is driven from that session's
// single ingest goroutine; it is not safe for concurrent use.
package pipeline

import (
	"time"

	"github.com/talkwire/talkwire/internal/vad"
	"github.com/talkwire/talkwire/pkg/audio"
)

// Pipeline accumulates raw PCM and frames it.
type Pipeline struct {
	detector *vad.Detector
	acc      []byte
	next     uint64

	// now is swapped in tests for deterministic timestamps.
	now func() time.Time
}

// New creates a Pipeline that tags frames using detector.
func New(detector *vad.Detector) *Pipeline {
	return &Pipeline{
		detector: detector,
		acc:      make([]byte, 0, audio.FrameBytes*2),
		now:      time.Now,
	}
}

// Push appends raw PCM to the accumulator and returns all complete frames it
// yields, which may be none or several. The caller keeps ownership of
// pcm; emitted frames hold their own copies.
func (p *Pipeline) Push(pcm []byte) []audio.Frame {
	p.acc = append(p.acc, pcm...)

	var frames []audio.Frame
	for len(p.acc) >= audio.FrameBytes {
		block := make([]byte, audio.FrameBytes)
		copy(block, p.acc[:audio.FrameBytes])
		p.acc = p.acc[audio.FrameBytes:]

		frames = append(frames, audio.Frame{
			Sequence:  p.next,
			PCM:       block,
			HasVoice:  p.detector.Classify(block),
			Timestamp: p.now(),
		})
		p.next++
	}
	return frames
}

// PendingBytes reports how many accumulated bytes are waiting for the next
// frame boundary.
func (p *Pipeline) PendingBytes() int {
	return len(p.acc)
}

// NextSequence returns the sequence number the next emitted frame will carry.
func (p *Pipeline) NextSequence() uint64 {
	return p.next
}

// Reset drops buffered samples and clears the detector's hysteresis state.
// Sequence numbering is preserved: frames stay monotonic for the lifetime
// of the session.
func (p *Pipeline) Reset() {
	p.acc = p.acc[:0]
	p.detector.Reset()
}
