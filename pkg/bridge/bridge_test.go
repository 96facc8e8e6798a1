package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/talkwire/talkwire/pkg/bridge"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout sentinel", bridge.ErrTimeout, "BackendTimeoutError"},
		{"wrapped timeout", fmt.Errorf("transcribe: %w", bridge.ErrTimeout), "BackendTimeoutError"},
		{"context deadline", context.DeadlineExceeded, "BackendTimeoutError"},
		{"unavailable sentinel", bridge.ErrUnavailable, "BackendUnavailableError"},
		{"wrapped unavailable", fmt.Errorf("synthesize: %w", bridge.ErrUnavailable), "BackendUnavailableError"},
		{"generic", errors.New("boom"), "BackendError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bridge.Kind(tt.err); got != tt.want {
				t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestStream_CleanCompletion(t *testing.T) {
	ch := make(chan []byte, 2)
	s := bridge.NewStream(ch)
	ch <- []byte{1}
	ch <- []byte{2}
	close(ch)

	var n int
	for range s.Audio {
		n++
	}
	if n != 2 {
		t.Errorf("received %d chunks, want 2", n)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err after clean completion = %v, want nil", err)
	}
}

func TestStream_SetErr(t *testing.T) {
	ch := make(chan []byte)
	s := bridge.NewStream(ch)
	s.SetErr(bridge.ErrUnavailable)
	close(ch)

	for range s.Audio {
	}
	if !errors.Is(s.Err(), bridge.ErrUnavailable) {
		t.Errorf("Err = %v, want ErrUnavailable", s.Err())
	}
}
