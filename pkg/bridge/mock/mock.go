// Package mock provides an in-memory mock implementation of [bridge.Bridge]
// for unit tests and for running the gateway without a real speech backend.
//
// The mock records every call and lets the test configure return values via
// exported fields. Synthesis emits a configurable number of PCM chunks,
// optionally paced by a delay so tests can interrupt a stream mid-flight.
// It is safe for concurrent use.
//
// Example:
//
//	b := &mock.Bridge{
//	    TranscribeResult: "hello there",
//	    RespondResult:    "general greeting",
//	}
//	text, err := b.Transcribe(ctx, pcm)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/talkwire/talkwire/pkg/audio"
	"github.com/talkwire/talkwire/pkg/bridge"
)

// Compile-time interface assertion.
var _ bridge.Bridge = (*Bridge)(nil)

// RespondCall records the arguments of a single [Bridge.Respond] call.
type RespondCall struct {
	History  []bridge.Utterance
	UserText string
}

// Bridge is a mock implementation of [bridge.Bridge]. All exported *Result
// and *Error fields control return values; Call* fields accumulate
// invocation records.
type Bridge struct {
	mu sync.Mutex

	// TranscribeResult is returned by Transcribe. If empty, a fixed
	// placeholder transcript is returned instead.
	TranscribeResult string

	// TranscribeError is returned by Transcribe.
	TranscribeError error

	// RespondResult is returned by Respond. If empty, the mock echoes the
	// user text back prefixed with "you said: ".
	RespondResult string

	// RespondError is returned by Respond.
	RespondError error

	// SynthesizeError is returned by Synthesize before any stream is opened.
	SynthesizeError error

	// SynthesisChunks is how many PCM chunks Synthesize streams. Zero means
	// a default of 4. Each chunk is one frame of silence.
	SynthesisChunks int

	// ChunkDelay paces the synthesis stream. Zero emits chunks immediately.
	ChunkDelay time.Duration

	// TranscribeCalls records the PCM byte lengths passed to Transcribe.
	TranscribeCalls []int

	// RespondCalls records all Respond invocations.
	RespondCalls []RespondCall

	// SynthesizeCalls records the texts passed to Synthesize.
	SynthesizeCalls []string

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Transcribe implements [bridge.Bridge].
func (b *Bridge) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	b.mu.Lock()
	b.TranscribeCalls = append(b.TranscribeCalls, len(pcm))
	result, err := b.TranscribeResult, b.TranscribeError
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if result == "" {
		result = "(mock transcript)"
	}
	return result, nil
}

// Respond implements [bridge.Bridge].
func (b *Bridge) Respond(ctx context.Context, history []bridge.Utterance, userText string) (string, error) {
	b.mu.Lock()
	b.RespondCalls = append(b.RespondCalls, RespondCall{History: history, UserText: userText})
	result, err := b.RespondResult, b.RespondError
	b.mu.Unlock()

	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if result == "" {
		result = "you said: " + userText
	}
	return result, nil
}

// Synthesize implements [bridge.Bridge]. The stream honours ctx cancellation
// between chunks, so a paced mock can be interrupted mid-stream.
func (b *Bridge) Synthesize(ctx context.Context, text string) (*bridge.Stream, error) {
	b.mu.Lock()
	b.SynthesizeCalls = append(b.SynthesizeCalls, text)
	synthErr := b.SynthesizeError
	chunks := b.SynthesisChunks
	delay := b.ChunkDelay
	b.mu.Unlock()

	if synthErr != nil {
		return nil, synthErr
	}
	if chunks <= 0 {
		chunks = 4
	}

	ch := make(chan []byte)
	stream := bridge.NewStream(ch)

	go func() {
		defer close(ch)
		for i := 0; i < chunks; i++ {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
			}
			select {
			case ch <- make([]byte, audio.FrameBytes):
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
				return
			}
		}
	}()

	return stream, nil
}

// Close implements [bridge.Bridge].
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return nil
}
