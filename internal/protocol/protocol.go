// Package protocol defines the wire format exchanged over a voice session's
// WebSocket connection.
//
// Every message is a single JSON object with a "type" discriminator drawn
// from a closed set, plus type-specific fields. Audio payloads travel as
// hex-encoded 16-bit PCM. The package is a pure data contract: it
// (de)serialises and validates, and holds no state.
//
// Malformed input is rejected with a [*Error] so the connection layer can
// distinguish protocol violations (which close the session) from frame-local
// problems (which do not).
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates wire messages.
type Type string

// The closed message set. Directions are noted per type; the gateway rejects
// inbound messages of server→client types.
const (
	// Server → client.
	TypeSessionStarted   Type = "session_started"
	TypeAudioChunkAck    Type = "audio_chunk_ack"
	TypeTranscription    Type = "transcription"
	TypeResponse         Type = "response"
	TypeListeningStarted Type = "listening_started"
	TypeListeningStopped Type = "listening_stopped"
	TypeInterruption     Type = "interruption"
	TypeSessionEnded     Type = "session_ended"
	TypeError            Type = "error"

	// Client → server.
	TypeAudioChunk     Type = "audio_chunk"
	TypeStartListening Type = "start_listening"
	TypeStopListening  Type = "stop_listening"
)

// Error reports a message that violates the wire contract. Protocol errors
// are connection-fatal: the session is closed and the client must reconnect.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "protocol: " + e.Reason
}

// Message is the wire envelope. Exactly which fields are populated depends on
// Type; Decode enforces the per-type required set.
type Message struct {
	Type Type `json:"type"`

	// SessionID accompanies session_started and is echoed on server events.
	SessionID string `json:"session_id,omitempty"`

	// SequenceNumber is required on audio_chunk and echoed on
	// audio_chunk_ack. A pointer so that sequence 0 still serialises.
	SequenceNumber *uint64 `json:"sequence_number,omitempty"`

	// AudioData is hex-encoded 16-bit little-endian PCM. Present on
	// audio_chunk (inbound) and optionally on response (outbound).
	AudioData string `json:"audio_data,omitempty"`

	// Text carries transcription and response text.
	Text string `json:"text,omitempty"`

	// ErrMessage and Kind describe an error event.
	ErrMessage string `json:"message,omitempty"`
	Kind       string `json:"kind,omitempty"`

	// Timestamp is an RFC 3339 instant, set on every server-emitted message
	// and accepted (but not required) on inbound ones.
	Timestamp string `json:"timestamp,omitempty"`
}

// Decode parses and validates an inbound client message. Only client→server
// types are accepted; anything else (unknown types, server-only types,
// missing required fields, malformed JSON) yields a [*Error].
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &Error{Reason: "malformed JSON: " + err.Error()}
	}

	switch m.Type {
	case TypeAudioChunk:
		if m.AudioData == "" {
			return nil, &Error{Reason: "audio_chunk missing audio_data"}
		}
		if m.SequenceNumber == nil {
			return nil, &Error{Reason: "audio_chunk missing sequence_number"}
		}
	case TypeStartListening, TypeStopListening:
		// No required fields.
	case "":
		return nil, &Error{Reason: "missing message type"}
	default:
		return nil, &Error{Reason: fmt.Sprintf("unsupported inbound message type %q", m.Type)}
	}
	return &m, nil
}

// Encode marshals a message for the wire.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", m.Type, err)
	}
	return data, nil
}

// PCM decodes the hex audio payload. A malformed payload is a protocol
// violation.
func (m *Message) PCM() ([]byte, error) {
	pcm, err := hex.DecodeString(m.AudioData)
	if err != nil {
		return nil, &Error{Reason: "audio_data is not valid hex: " + err.Error()}
	}
	return pcm, nil
}

// ── Constructors for server-emitted messages ─────────────────────────────────

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// SessionStarted announces a freshly allocated session.
func SessionStarted(sessionID string) *Message {
	return &Message{Type: TypeSessionStarted, SessionID: sessionID, Timestamp: now()}
}

// ChunkAck acknowledges an accepted audio chunk.
func ChunkAck(sessionID string, seq uint64) *Message {
	return &Message{Type: TypeAudioChunkAck, SessionID: sessionID, SequenceNumber: &seq, Timestamp: now()}
}

// Transcription carries the backend's transcript of a completed utterance.
func Transcription(text string) *Message {
	return &Message{Type: TypeTranscription, Text: text, Timestamp: now()}
}

// Response carries a slice of the synthesized reply. Text is set on the first
// message of a turn; subsequent messages stream audio only.
func Response(text string, pcm []byte) *Message {
	m := &Message{Type: TypeResponse, Text: text, Timestamp: now()}
	if len(pcm) > 0 {
		m.AudioData = hex.EncodeToString(pcm)
	}
	return m
}

// ListeningStarted signals that the gateway is capturing again.
func ListeningStarted() *Message {
	return &Message{Type: TypeListeningStarted, Timestamp: now()}
}

// ListeningStopped signals that inbound audio is being ignored.
func ListeningStopped() *Message {
	return &Message{Type: TypeListeningStopped, Timestamp: now()}
}

// Interruption tells the client to stop playback immediately.
func Interruption() *Message {
	return &Message{Type: TypeInterruption, Timestamp: now()}
}

// SessionEnded announces an orderly close of the session.
func SessionEnded(sessionID string) *Message {
	return &Message{Type: TypeSessionEnded, SessionID: sessionID, Timestamp: now()}
}

// ErrorMessage reports a failure to the client. kind names the error class
// (e.g. "SequenceError", "BackendTimeoutError") so clients can react without
// parsing prose.
func ErrorMessage(kind, msg string) *Message {
	return &Message{Type: TypeError, Kind: kind, ErrMessage: msg, Timestamp: now()}
}
