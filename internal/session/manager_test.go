package session_test

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talkwire/talkwire/internal/protocol"
	"github.com/talkwire/talkwire/internal/session"
	"github.com/talkwire/talkwire/pkg/audio"
	"github.com/talkwire/talkwire/pkg/bridge/mock"
)

// recorder captures every message the engine sends to the client.
type recorder struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (r *recorder) Send(m *protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) all() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *recorder) byType(t protocol.Type) []*protocol.Message {
	var out []*protocol.Message
	for _, m := range r.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) count(t protocol.Type) int {
	return len(r.byType(t))
}

// eventually polls cond until it holds or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func loudFrame() []byte {
	pcm := make([]byte, audio.FrameBytes)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(8000)))
	}
	return pcm
}

func silentFrame() []byte {
	return make([]byte, audio.FrameBytes)
}

func chunk(seq uint64, pcm []byte) *protocol.Message {
	s := seq
	return &protocol.Message{
		Type:           protocol.TypeAudioChunk,
		SequenceNumber: &s,
		AudioData:      hex.EncodeToString(pcm),
	}
}

func testConfig() session.Config {
	return session.Config{
		BufferCapacity:   16,
		EndSilenceFrames: 2,
		BackendTimeout:   2 * time.Second,
		InterruptGrace:   100 * time.Millisecond,
	}
}

func newEngine(t *testing.T, b *mock.Bridge, cfg session.Config) (*session.Manager, *session.Session, *recorder) {
	t.Helper()
	m := session.NewManager(b, cfg)
	rec := &recorder{}
	s := m.Start(context.Background(), rec)
	t.Cleanup(func() { m.Close(context.Background(), s, nil) })
	return m, s, rec
}

// speak sends one voiced frame followed by enough silence to end the
// utterance, starting at seq.
func speak(t *testing.T, m *session.Manager, s *session.Session, seq uint64) uint64 {
	t.Helper()
	for _, pcm := range [][]byte{loudFrame(), silentFrame(), silentFrame()} {
		if err := m.HandleMessage(context.Background(), s, chunk(seq, pcm)); err != nil {
			t.Fatalf("chunk %d: %v", seq, err)
		}
		seq++
	}
	return seq
}

func TestStart_AnnouncesSession(t *testing.T) {
	m, s, rec := newEngine(t, &mock.Bridge{}, testConfig())

	if s.ID == "" {
		t.Error("session has no ID")
	}
	if s.State() != session.StateListening {
		t.Errorf("state = %v, want listening", s.State())
	}
	started := rec.byType(protocol.TypeSessionStarted)
	if len(started) != 1 || started[0].SessionID != s.ID {
		t.Errorf("session_started messages: %+v", started)
	}

	got, err := m.Get(s.ID)
	if err != nil || got != s {
		t.Errorf("Get = %v, %v", got, err)
	}
}

func TestGet_Unknown(t *testing.T) {
	m := session.NewManager(&mock.Bridge{}, testConfig())
	_, err := m.Get("nope")
	var nf *session.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("err = %v, want *NotFoundError", err)
	}
}

func TestChunk_Acknowledged(t *testing.T) {
	m, s, rec := newEngine(t, &mock.Bridge{}, testConfig())

	if err := m.HandleMessage(context.Background(), s, chunk(0, loudFrame())); err != nil {
		t.Fatal(err)
	}

	acks := rec.byType(protocol.TypeAudioChunkAck)
	if len(acks) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks))
	}
	if acks[0].SequenceNumber == nil || *acks[0].SequenceNumber != 0 {
		t.Errorf("ack sequence = %v, want 0", acks[0].SequenceNumber)
	}
}

func TestTurn_HappyPath(t *testing.T) {
	b := &mock.Bridge{
		TranscribeResult: "what time is it",
		RespondResult:    "half past nine",
		SynthesisChunks:  3,
	}
	m, s, rec := newEngine(t, b, testConfig())

	speak(t, m, s, 0)

	eventually(t, 3*time.Second, "turn to complete", func() bool {
		return s.State() == session.StateListening && rec.count(protocol.TypeResponse) >= 4
	})

	trans := rec.byType(protocol.TypeTranscription)
	if len(trans) != 1 || trans[0].Text != "what time is it" {
		t.Errorf("transcriptions: %+v", trans)
	}

	responses := rec.byType(protocol.TypeResponse)
	if responses[0].Text != "half past nine" || responses[0].AudioData != "" {
		t.Errorf("first response: %+v", responses[0])
	}
	audioMsgs := 0
	for _, r := range responses[1:] {
		if r.AudioData != "" {
			audioMsgs++
		}
	}
	if audioMsgs != 3 {
		t.Errorf("audio responses = %d, want 3", audioMsgs)
	}

	if got := len(b.TranscribeCalls); got != 1 {
		t.Errorf("transcribe calls = %d, want 1", got)
	}
	// The utterance handed to the backend is the three buffered frames.
	if b.TranscribeCalls[0] != 3*audio.FrameBytes {
		t.Errorf("utterance bytes = %d, want %d", b.TranscribeCalls[0], 3*audio.FrameBytes)
	}
	if s.Turns() != 2 {
		t.Errorf("history turns = %d, want 2", s.Turns())
	}
}

func TestTurn_HistoryAccumulates(t *testing.T) {
	b := &mock.Bridge{SynthesisChunks: 1}
	m, s, _ := newEngine(t, b, testConfig())

	seq := speak(t, m, s, 0)
	eventually(t, 3*time.Second, "first turn", func() bool {
		return s.Turns() == 2 && s.State() == session.StateListening
	})

	speak(t, m, s, seq)
	eventually(t, 3*time.Second, "second turn", func() bool {
		return s.Turns() == 4
	})

	if len(b.RespondCalls) != 2 {
		t.Fatalf("respond calls = %d, want 2", len(b.RespondCalls))
	}
	// The second turn sees the first exchange in its history.
	if len(b.RespondCalls[1].History) != 3 {
		t.Errorf("second turn history = %d utterances, want 3", len(b.RespondCalls[1].History))
	}
}

func TestSequenceGap_ClosesSession(t *testing.T) {
	m, s, rec := newEngine(t, &mock.Bridge{}, testConfig())

	if err := m.HandleMessage(context.Background(), s, chunk(0, silentFrame())); err != nil {
		t.Fatal(err)
	}
	err := m.HandleMessage(context.Background(), s, chunk(5, silentFrame()))
	var seqErr *session.SequenceError
	if !errors.As(err, &seqErr) {
		t.Fatalf("err = %v, want *SequenceError", err)
	}
	if seqErr.Want != 1 || seqErr.Got != 5 {
		t.Errorf("gap = %+v", seqErr)
	}

	if s.State() != session.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("session still registered after fatal gap")
	}
	errMsgs := rec.byType(protocol.TypeError)
	if len(errMsgs) != 1 || errMsgs[0].Kind != "SequenceError" {
		t.Errorf("error messages: %+v", errMsgs)
	}
}

func TestBadHex_ClosesSession(t *testing.T) {
	m, s, rec := newEngine(t, &mock.Bridge{}, testConfig())

	seq := uint64(0)
	msg := &protocol.Message{Type: protocol.TypeAudioChunk, SequenceNumber: &seq, AudioData: "zzzz"}
	err := m.HandleMessage(context.Background(), s, msg)
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if s.State() != session.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	errMsgs := rec.byType(protocol.TypeError)
	if len(errMsgs) != 1 || errMsgs[0].Kind != "ProtocolError" {
		t.Errorf("error messages: %+v", errMsgs)
	}
}

func TestFormatViolation_DropsFrameOnly(t *testing.T) {
	m, s, rec := newEngine(t, &mock.Bridge{}, testConfig())

	// Odd byte count: rejected, but the session lives and the sequence
	// still advances.
	if err := m.HandleMessage(context.Background(), s, chunk(0, []byte{1, 2, 3})); err != nil {
		t.Fatalf("format violation should not be fatal: %v", err)
	}
	if s.State() != session.StateListening {
		t.Errorf("state = %v, want listening", s.State())
	}
	errMsgs := rec.byType(protocol.TypeError)
	if len(errMsgs) != 1 || errMsgs[0].Kind != "AudioFormatError" {
		t.Errorf("error messages: %+v", errMsgs)
	}
	if rec.count(protocol.TypeAudioChunkAck) != 0 {
		t.Error("rejected chunk was acknowledged")
	}

	// The next chunk must use the next sequence number, not repeat it.
	if err := m.HandleMessage(context.Background(), s, chunk(1, silentFrame())); err != nil {
		t.Fatalf("follow-up chunk: %v", err)
	}
	if rec.count(protocol.TypeAudioChunkAck) != 1 {
		t.Error("follow-up chunk not acknowledged")
	}
}

func TestBufferOverflow_EvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.BufferCapacity = 2
	cfg.EndSilenceFrames = 100 // keep the utterance open
	m, s, rec := newEngine(t, &mock.Bridge{}, cfg)

	for seq := uint64(0); seq < 3; seq++ {
		if err := m.HandleMessage(context.Background(), s, chunk(seq, loudFrame())); err != nil {
			t.Fatal(err)
		}
	}

	if got := s.BufferedFrames(); got != 2 {
		t.Errorf("buffered frames = %d, want capacity 2", got)
	}
	over := rec.byType(protocol.TypeError)
	if len(over) != 1 || over[0].Kind != "BufferOverflowError" {
		t.Errorf("error messages: %+v", over)
	}
	if s.State() != session.StateListening {
		t.Errorf("state = %v, want listening", s.State())
	}
}

func TestBargeIn_CancelsResponse(t *testing.T) {
	b := &mock.Bridge{
		SynthesisChunks: 200,
		ChunkDelay:      5 * time.Millisecond,
	}
	m, s, rec := newEngine(t, b, testConfig())

	seq := speak(t, m, s, 0)

	eventually(t, 3*time.Second, "response stream to start", func() bool {
		return s.State() == session.StateSpeaking
	})

	// The user talks over the assistant.
	if err := m.HandleMessage(context.Background(), s, chunk(seq, loudFrame())); err != nil {
		t.Fatal(err)
	}

	eventually(t, 3*time.Second, "barge-in to settle", func() bool {
		return s.State() == session.StateListening
	})

	if got := rec.count(protocol.TypeInterruption); got != 1 {
		t.Errorf("interruption messages = %d, want 1", got)
	}
	// The barging frame seeds the next utterance.
	if got := s.BufferedFrames(); got != 1 {
		t.Errorf("buffered frames = %d, want 1", got)
	}

	// No response audio may follow the interruption.
	msgs := rec.all()
	interruptAt := -1
	for i, msg := range msgs {
		if msg.Type == protocol.TypeInterruption {
			interruptAt = i
		}
	}
	for _, msg := range msgs[interruptAt+1:] {
		if msg.Type == protocol.TypeResponse && msg.AudioData != "" {
			t.Error("response audio sent after interruption")
			break
		}
	}
}

func TestSilentFrameDoesNotInterrupt(t *testing.T) {
	b := &mock.Bridge{
		SynthesisChunks: 50,
		ChunkDelay:      5 * time.Millisecond,
	}
	m, s, rec := newEngine(t, b, testConfig())

	seq := speak(t, m, s, 0)
	eventually(t, 3*time.Second, "response stream to start", func() bool {
		return s.State() == session.StateSpeaking
	})

	if err := m.HandleMessage(context.Background(), s, chunk(seq, silentFrame())); err != nil {
		t.Fatal(err)
	}
	if got := rec.count(protocol.TypeInterruption); got != 0 {
		t.Errorf("interruptions = %d, want 0 for background silence", got)
	}
}

func TestBackendFailure_DegradesTurn(t *testing.T) {
	b := &mock.Bridge{TranscribeError: errors.New("whisper exploded")}
	m, s, rec := newEngine(t, b, testConfig())

	speak(t, m, s, 0)

	eventually(t, 3*time.Second, "turn to fail", func() bool {
		return rec.count(protocol.TypeError) == 1
	})
	errMsgs := rec.byType(protocol.TypeError)
	if errMsgs[0].Kind != "BackendError" {
		t.Errorf("kind = %q, want BackendError", errMsgs[0].Kind)
	}
	if s.State() != session.StateListening {
		t.Errorf("state = %v, want listening after degraded turn", s.State())
	}
	if _, err := m.Get(s.ID); err != nil {
		t.Error("session closed by a recoverable backend failure")
	}
}

func TestBackendTimeout_ReportsTimeoutKind(t *testing.T) {
	b := &mock.Bridge{TranscribeError: context.DeadlineExceeded}
	m, s, rec := newEngine(t, b, testConfig())

	speak(t, m, s, 0)

	eventually(t, 3*time.Second, "turn to fail", func() bool {
		return rec.count(protocol.TypeError) == 1
	})
	if kind := rec.byType(protocol.TypeError)[0].Kind; kind != "BackendTimeoutError" {
		t.Errorf("kind = %q, want BackendTimeoutError", kind)
	}
	if s.State() != session.StateListening {
		t.Errorf("state = %v, want listening", s.State())
	}
}

func TestEmptyTranscript_EndsTurnQuietly(t *testing.T) {
	b := &mock.Bridge{TranscribeResult: "   "}
	m, s, rec := newEngine(t, b, testConfig())

	speak(t, m, s, 0)

	// beginTurn moves the session to PROCESSING before speak returns, so
	// LISTENING here means the turn has settled.
	eventually(t, 3*time.Second, "turn to settle", func() bool {
		return s.State() == session.StateListening
	})
	if got := rec.count(protocol.TypeTranscription); got != 0 {
		t.Errorf("transcriptions = %d, want 0 for blank audio", got)
	}
	if got := rec.count(protocol.TypeResponse); got != 0 {
		t.Errorf("responses = %d, want 0", got)
	}
	if s.Turns() != 0 {
		t.Errorf("history turns = %d, want 0", s.Turns())
	}
}

func TestStopListening_DiscardsPartialUtterance(t *testing.T) {
	cfg := testConfig()
	cfg.EndSilenceFrames = 100
	m, s, rec := newEngine(t, &mock.Bridge{}, cfg)

	if err := m.HandleMessage(context.Background(), s, chunk(0, loudFrame())); err != nil {
		t.Fatal(err)
	}
	if s.BufferedFrames() != 1 {
		t.Fatalf("buffered frames = %d, want 1", s.BufferedFrames())
	}

	if err := m.HandleMessage(context.Background(), s, &protocol.Message{Type: protocol.TypeStopListening}); err != nil {
		t.Fatal(err)
	}
	if rec.count(protocol.TypeListeningStopped) != 1 {
		t.Error("listening_stopped not sent")
	}
	if s.BufferedFrames() != 0 {
		t.Error("partial utterance survived stop_listening")
	}

	// Chunks while stopped are acked but not buffered.
	if err := m.HandleMessage(context.Background(), s, chunk(1, loudFrame())); err != nil {
		t.Fatal(err)
	}
	if s.BufferedFrames() != 0 {
		t.Error("audio buffered while not listening")
	}
	if rec.count(protocol.TypeAudioChunkAck) != 2 {
		t.Error("chunk while stopped was not acknowledged")
	}

	if err := m.HandleMessage(context.Background(), s, &protocol.Message{Type: protocol.TypeStartListening}); err != nil {
		t.Fatal(err)
	}
	if rec.count(protocol.TypeListeningStarted) != 1 {
		t.Error("listening_started not sent")
	}
}

func TestClose_Orderly(t *testing.T) {
	m, s, rec := newEngine(t, &mock.Bridge{}, testConfig())

	m.Close(context.Background(), s, nil)
	m.Close(context.Background(), s, nil) // idempotent

	if s.State() != session.StateClosed {
		t.Errorf("state = %v, want closed", s.State())
	}
	if got := rec.count(protocol.TypeSessionEnded); got != 1 {
		t.Errorf("session_ended messages = %d, want 1", got)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("closed session still registered")
	}
}

func TestIdleSweep_ClosesStaleSessions(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 20 * time.Millisecond
	m := session.NewManager(&mock.Bridge{}, cfg)
	rec := &recorder{}
	s := m.Start(context.Background(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	eventually(t, 3*time.Second, "idle session to be swept", func() bool {
		_, err := m.Get(s.ID)
		return err != nil
	})
	if got := rec.count(protocol.TypeSessionEnded); got != 1 {
		t.Errorf("session_ended messages = %d, want 1", got)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestShutdown_WaitsForTurns(t *testing.T) {
	b := &mock.Bridge{SynthesisChunks: 2}
	m := session.NewManager(b, testConfig())
	rec := &recorder{}
	s := m.Start(context.Background(), rec)

	speak(t, m, s, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := m.Get(s.ID); err == nil {
		t.Error("session survived shutdown")
	}
}

func TestStats(t *testing.T) {
	m := session.NewManager(&mock.Bridge{}, testConfig())
	a := m.Start(context.Background(), &recorder{})
	bSess := m.Start(context.Background(), &recorder{})
	defer m.Close(context.Background(), a, nil)
	defer m.Close(context.Background(), bSess, nil)

	st := m.Stats()
	if st.ActiveSessions != 2 {
		t.Errorf("active sessions = %d, want 2", st.ActiveSessions)
	}
	seen := map[string]bool{}
	for _, info := range st.Sessions {
		seen[info.ID] = true
		if info.State != "listening" {
			t.Errorf("session %s state = %q, want listening", info.ID, info.State)
		}
		if info.CreatedAt.IsZero() || info.LastActivity.IsZero() {
			t.Errorf("session %s has zero timestamps", info.ID)
		}
	}
	if !seen[a.ID] || !seen[bSess.ID] {
		t.Errorf("stats missing sessions: %v", seen)
	}
}
