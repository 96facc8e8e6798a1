package session

import "fmt"

// SequenceError reports an inbound audio chunk whose sequence number does not
// match the next expected value. Sequence gaps are unrecoverable: the caller
// must close the session.
type SequenceError struct {
	Want uint64
	Got  uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("session: sequence gap: got chunk %d, want %d", e.Got, e.Want)
}

// NotFoundError reports a lookup for a session ID that is not registered.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session: %q not found", e.ID)
}

// BufferOverflowError reports that the per-session frame buffer hit capacity
// and the oldest frame was evicted to make room. The session keeps running in
// a degraded mode; this error is surfaced as a warning, never as a teardown.
type BufferOverflowError struct {
	Capacity int
	Evicted  uint64
}

func (e *BufferOverflowError) Error() string {
	return fmt.Sprintf("session: frame buffer full (capacity %d), evicted frame %d", e.Capacity, e.Evicted)
}
