package session

// State is a voice session's position in its lifecycle state machine.
//
// Transitions:
//
//	INIT        → LISTENING    connect accepted
//	LISTENING   → PROCESSING   end of utterance detected
//	PROCESSING  → SPEAKING     backend produced a response
//	PROCESSING  → LISTENING    backend failed (turn degraded, session kept)
//	SPEAKING    → LISTENING    response stream exhausted
//	SPEAKING    → INTERRUPTED  voice frame arrived mid-response (barge-in)
//	INTERRUPTED → LISTENING    cancellation cleanup complete
//	any         → CLOSED       explicit close, idle timeout, or fatal error
type State int

const (
	StateInit State = iota
	StateListening
	StateProcessing
	StateSpeaking
	StateInterrupted
	StateClosed
)

// String returns the state's wire/log name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
