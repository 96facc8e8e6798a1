// Package session implements the voice session engine: per-session state
// machines, the shared session registry with idle sweeping, turn execution
// against the speech backend, and barge-in interruption.
//
// Locking discipline: every session carries its own mutex; the registry has a
// separate RWMutex. The registry lock is never held while a session lock is
// taken, and the idle sweep reads session activity through an atomic so it
// never touches per-session locks while scanning.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/talkwire/talkwire/internal/pipeline"
	"github.com/talkwire/talkwire/internal/protocol"
	"github.com/talkwire/talkwire/pkg/audio"
)

// Sender delivers a protocol message to the session's client. The server's
// connection wrapper implements it; tests substitute a recorder. Send must be
// safe for concurrent use.
type Sender interface {
	Send(m *protocol.Message) error
}

// turnHandle tracks one in-flight conversational turn so that interruption
// and close can cancel it and wait (bounded) for it to wind down.
type turnHandle struct {
	cancel  func()
	done    chan struct{}
	started time.Time
}

// Session is one client's conversation. All mutable fields are guarded by mu
// except lastActivity, which is atomic so the idle sweep can read it without
// locking.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	state      State
	listening  bool
	closed     bool
	inboundSeq uint64
	outSeq     uint64

	pipe   *pipeline.Pipeline
	buffer []audio.Frame
	convo  *Conversation

	// Utterance-end tracking across buffered frames.
	voiceSeen  bool
	silenceRun int

	turn   *turnHandle
	sender Sender

	lastActivity atomic.Int64 // unix nanoseconds
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last inbound message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Turns reports how many conversation turns the session retains.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convo.Len()
}

// BufferedFrames reports how many frames are waiting in the utterance buffer.
func (s *Session) BufferedFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Session) touch(t time.Time) {
	s.lastActivity.Store(t.UnixNano())
}

// send delivers a message, counting it but ignoring transport errors: a dead
// connection surfaces in the server's read loop, which closes the session
// through the regular path.
func (s *Session) send(m *protocol.Message) {
	if s.sender == nil {
		return
	}
	_ = s.sender.Send(m)
}

// endOfUtterance reports whether the buffered audio now constitutes a
// finished utterance: voice was seen, then a configured run of consecutive
// silent frames followed.
func (s *Session) endOfUtterance(silenceFrames int) bool {
	return s.voiceSeen && s.silenceRun >= silenceFrames
}

// noteFrame updates the utterance-end counters for one buffered frame.
func (s *Session) noteFrame(f audio.Frame) {
	if f.HasVoice {
		s.voiceSeen = true
		s.silenceRun = 0
		return
	}
	if s.voiceSeen {
		s.silenceRun++
	}
}

// drainUtterance hands the buffered frames to a new turn and resets the
// utterance-end tracking. Caller holds s.mu.
func (s *Session) drainUtterance() []audio.Frame {
	frames := s.buffer
	s.buffer = nil
	s.voiceSeen = false
	s.silenceRun = 0
	return frames
}
