// Package bridge defines the contract between the session engine and the
// speech backend that performs transcription, response generation, and
// synthesis.
//
// The gateway treats the backend as an opaque external collaborator: the
// interface is intentionally narrow so the session engine never couples to a
// specific SDK. Every call is scoped to one session; implementations must not
// share mutable state across sessions.
//
// All methods respect context cancellation: cancelling the context passed to
// Synthesize must promptly stop the stream and close its channel, which is
// what makes barge-in preemption possible.
package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Utterance is one entry of a session's conversation history, passed through
// to the backend so responses stay in context. Opaque to the session engine.
type Utterance struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Stream carries synthesized audio for one response turn. Audio is closed by
// the implementation when synthesis completes, fails mid-stream, or the
// context is cancelled; callers check Err afterwards to tell the cases apart.
// Callers must drain Audio even when abandoning the turn.
type Stream struct {
	// Audio emits raw 16-bit PCM chunks at the gateway's fixed format, in
	// synthesis order.
	Audio <-chan []byte

	streamErr atomic.Pointer[error]
}

// NewStream wraps an audio channel in a Stream. The caller keeps the send
// side and must close it when done.
func NewStream(audio <-chan []byte) *Stream {
	return &Stream{Audio: audio}
}

// Err returns the error that terminated the stream early, or nil after a
// clean completion. Valid once Audio is closed.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetErr records a mid-stream failure. Implementations call this before
// closing the Audio channel.
func (s *Stream) SetErr(err error) {
	s.streamErr.Store(&err)
}

// Bridge is the transcribe/respond/synthesize contract implemented by each
// backend. Implementations must be safe for concurrent use across sessions.
type Bridge interface {
	// Transcribe converts a buffered utterance (raw PCM at the fixed format)
	// to text. Blocks until the transcript is available or ctx is done.
	Transcribe(ctx context.Context, pcm []byte) (string, error)

	// Respond generates the assistant's reply to userText given the
	// session's conversation history.
	Respond(ctx context.Context, history []Utterance, userText string) (string, error)

	// Synthesize starts streaming synthesized speech for text. It returns as
	// soon as the stream is established; audio arrives on the stream's
	// channel. Cancelling ctx stops production cooperatively.
	Synthesize(ctx context.Context, text string) (*Stream, error)

	// Close releases backend resources. Safe to call more than once.
	Close() error
}

// ── Error taxonomy ───────────────────────────────────────────────────────────

// Backend failures are recoverable by design: they fail the current turn but
// never the session. The two sentinel classes are the only distinction the
// engine cares about; implementations wrap them with operation context.
var (
	// ErrTimeout marks a backend call that exceeded its deadline.
	ErrTimeout = errors.New("backend timed out")

	// ErrUnavailable marks a backend that could not be reached or refused
	// the call.
	ErrUnavailable = errors.New("backend unavailable")
)

// Kind maps a backend error to the wire-protocol error kind string.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "BackendTimeoutError"
	case errors.Is(err, ErrUnavailable):
		return "BackendUnavailableError"
	default:
		return "BackendError"
	}
}
