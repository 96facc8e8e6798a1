package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talkwire/talkwire/pkg/bridge/mock"
)

func TestFailoverBridge_PrimaryServes(t *testing.T) {
	primary := &mock.Bridge{TranscribeResult: "from primary"}
	backup := &mock.Bridge{TranscribeResult: "from backup"}
	fb := NewFailoverBridge("primary", primary, BreakerConfig{})
	fb.AddFallback("backup", backup)

	text, err := fb.Transcribe(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if text != "from primary" {
		t.Errorf("text = %q", text)
	}
}

func TestFailoverBridge_FailsOverPerCall(t *testing.T) {
	primary := &mock.Bridge{
		TranscribeError: errBackendDown,
		RespondError:    errBackendDown,
	}
	backup := &mock.Bridge{
		TranscribeResult: "from backup",
		RespondResult:    "backup reply",
	}
	fb := NewFailoverBridge("primary", primary, BreakerConfig{TripAfter: 10})
	fb.AddFallback("backup", backup)

	text, err := fb.Transcribe(context.Background(), nil)
	if err != nil || text != "from backup" {
		t.Errorf("Transcribe = %q, %v", text, err)
	}
	reply, err := fb.Respond(context.Background(), nil, "hi")
	if err != nil || reply != "backup reply" {
		t.Errorf("Respond = %q, %v", reply, err)
	}
}

func TestFailoverBridge_SynthesizeFailsOver(t *testing.T) {
	primary := &mock.Bridge{SynthesizeError: errBackendDown}
	backup := &mock.Bridge{SynthesisChunks: 2}
	fb := NewFailoverBridge("primary", primary, BreakerConfig{})
	fb.AddFallback("backup", backup)

	stream, err := fb.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	var chunks int
	for range stream.Audio {
		chunks++
	}
	if chunks != 2 {
		t.Errorf("chunks = %d, want 2 from the backup", chunks)
	}
}

func TestFailoverBridge_AllFail(t *testing.T) {
	fb := NewFailoverBridge("only", &mock.Bridge{TranscribeError: errBackendDown}, BreakerConfig{})
	_, err := fb.Transcribe(context.Background(), nil)
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Errorf("err = %v, want ErrAllBackendsFailed", err)
	}
}

func TestFailoverBridge_TrippedPrimarySkipped(t *testing.T) {
	primary := &mock.Bridge{TranscribeError: errBackendDown}
	backup := &mock.Bridge{TranscribeResult: "from backup"}
	fb := NewFailoverBridge("primary", primary, BreakerConfig{TripAfter: 2, Cooldown: time.Hour})
	fb.AddFallback("backup", backup)

	for i := 0; i < 3; i++ {
		if _, err := fb.Transcribe(context.Background(), nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := len(primary.TranscribeCalls); got != 2 {
		t.Errorf("primary called %d times, want 2 before the breaker tripped", got)
	}
}

func TestFailoverBridge_CloseClosesAll(t *testing.T) {
	primary := &mock.Bridge{}
	backup := &mock.Bridge{}
	fb := NewFailoverBridge("primary", primary, BreakerConfig{})
	fb.AddFallback("backup", backup)

	if err := fb.Close(); err != nil {
		t.Fatal(err)
	}
	if primary.CallCountClose != 1 || backup.CallCountClose != 1 {
		t.Errorf("close counts = %d/%d, want 1/1", primary.CallCountClose, backup.CallCountClose)
	}
}
