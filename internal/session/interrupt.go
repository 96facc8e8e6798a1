package session

import (
	"context"
	"time"

	"github.com/talkwire/talkwire/internal/protocol"
	"github.com/talkwire/talkwire/pkg/audio"
)

// Barge-in: a voice frame arriving while the assistant is speaking preempts
// the response. The preemption is split in two so no session lock is held
// while waiting for the cancelled turn:
//
//	beginInterrupt (lock held): flip SPEAKING→INTERRUPTED, detach the
//	                              turn, seed the next utterance with the
//	                              barging frame
//	finishInterrupt (lock free): cancel, wait bounded, then emit the single
//	                              interruption message and resume LISTENING
//
// runTurn only emits response audio while the state is SPEAKING under the
// same mutex, so flipping the state is what guarantees no stale audio ever
// follows the interruption message, even if the cancelled turn is slow to
// acknowledge.

// beginInterrupt starts preemption of the in-flight response. The barging
// frame is preserved as the first frame of the next utterance: the user's
// words must not be lost to their own interruption. Caller holds s.mu.
func (m *Manager) beginInterrupt(s *Session, f audio.Frame) *turnHandle {
	h := s.turn
	s.turn = nil
	s.state = StateInterrupted
	s.buffer = append(s.buffer[:0], f)
	s.voiceSeen = true
	s.silenceRun = 0
	return h
}

// finishInterrupt cancels the detached turn, waits up to the configured
// grace for it to wind down, then notifies the client and resumes listening.
func (m *Manager) finishInterrupt(ctx context.Context, s *Session, h *turnHandle) {
	if h != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(m.cfg.InterruptGrace):
			m.log.Warn("cancelled turn did not wind down in time", "session_id", s.ID)
		}
	}

	s.mu.Lock()
	if s.state == StateInterrupted {
		s.state = StateListening
		s.send(protocol.Interruption())
	}
	s.mu.Unlock()

	m.metrics.Interruptions.Add(ctx, 1)
	m.log.Info("barge-in", "session_id", s.ID)
}
