package session

import (
	"time"

	"github.com/talkwire/talkwire/pkg/bridge"
)

// DefaultMaxTurns bounds how many conversation turns a session retains.
const DefaultMaxTurns = 100

// Conversation holds the bounded turn history handed to the speech backend
// when generating a reply. It is owned by a single Session and guarded by the
// session's mutex.
type Conversation struct {
	turns    []bridge.Utterance
	maxTurns int
}

// NewConversation returns an empty history retaining at most maxTurns
// utterances. A non-positive maxTurns falls back to DefaultMaxTurns.
func NewConversation(maxTurns int) *Conversation {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Conversation{maxTurns: maxTurns}
}

// Add appends an utterance, evicting the oldest once the cap is reached.
func (c *Conversation) Add(role bridge.Role, text string, at time.Time) {
	c.turns = append(c.turns, bridge.Utterance{Role: role, Text: text, Timestamp: at})
	if len(c.turns) > c.maxTurns {
		c.turns = c.turns[len(c.turns)-c.maxTurns:]
	}
}

// History returns a copy of the retained turns, oldest first.
func (c *Conversation) History() []bridge.Utterance {
	out := make([]bridge.Utterance, len(c.turns))
	copy(out, c.turns)
	return out
}

// Len reports the number of retained turns.
func (c *Conversation) Len() int { return len(c.turns) }
