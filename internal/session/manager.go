package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkwire/talkwire/internal/observe"
	"github.com/talkwire/talkwire/internal/pipeline"
	"github.com/talkwire/talkwire/internal/protocol"
	"github.com/talkwire/talkwire/internal/vad"
	"github.com/talkwire/talkwire/pkg/audio"
	"github.com/talkwire/talkwire/pkg/bridge"
)

// Engine defaults. Buffer capacity at 64 frames is roughly four seconds of
// audio, enough for a long utterance while still bounding memory per session.
const (
	DefaultBufferCapacity   = 64
	DefaultEndSilenceFrames = 8
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultSweepInterval    = 5 * time.Minute
	DefaultBackendTimeout   = 30 * time.Second
	DefaultInterruptGrace   = 250 * time.Millisecond
)

// Config tunes the session engine. Zero values fall back to the defaults
// above.
type Config struct {
	// BufferCapacity caps the per-session utterance buffer, in frames. When
	// full, the oldest frame is evicted and a warning is emitted.
	BufferCapacity int

	// EndSilenceFrames is the run of consecutive silent frames (after voice
	// was seen) that ends an utterance and triggers a turn.
	EndSilenceFrames int

	// MaxTurns bounds the retained conversation history.
	MaxTurns int

	// IdleTimeout closes sessions with no inbound traffic for this long.
	IdleTimeout time.Duration

	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration

	// BackendTimeout bounds each transcribe and respond call.
	BackendTimeout time.Duration

	// InterruptGrace bounds how long barge-in waits for a cancelled turn to
	// acknowledge before proceeding anyway.
	InterruptGrace time.Duration

	// VAD configures the per-session voice activity detector.
	VAD vad.Config
}

func (c Config) withDefaults() Config {
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
	if c.EndSilenceFrames <= 0 {
		c.EndSilenceFrames = DefaultEndSilenceFrames
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = DefaultInterruptGrace
	}
	return c
}

// Manager owns the session registry and drives every session's lifecycle.
type Manager struct {
	cfg     Config
	bridge  bridge.Bridge
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	turns sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager backed by b.
func NewManager(b bridge.Bridge, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		bridge:   b,
		log:      slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start allocates a new session bound to sender, registers it, and announces
// it to the client. The session begins listening immediately.
func (m *Manager) Start(ctx context.Context, sender Sender) *Session {
	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		state:     StateListening,
		listening: true,
		pipe:      pipeline.New(vad.New(m.cfg.VAD)),
		convo:     NewConversation(m.cfg.MaxTurns),
		sender:    sender,
	}
	s.touch(now)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, 1)
	s.send(protocol.SessionStarted(s.ID))
	m.log.Info("session started", "session_id", s.ID)
	return s
}

// Get looks up a session by ID.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return s, nil
}

// HandleMessage dispatches one decoded inbound message. A non-nil return is
// fatal for the session: it has already been closed and the caller should
// drop the connection.
func (m *Manager) HandleMessage(ctx context.Context, s *Session, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeAudioChunk:
		return m.handleChunk(ctx, s, msg)
	case protocol.TypeStartListening:
		m.SetListening(s, true)
		return nil
	case protocol.TypeStopListening:
		m.SetListening(s, false)
		return nil
	default:
		// Decode already rejects unknown types; nothing else reaches here.
		return nil
	}
}

// handleChunk validates and ingests one audio chunk. Sequence gaps and
// undecodable payloads are fatal; a format violation only drops the frame.
func (m *Manager) handleChunk(ctx context.Context, s *Session, msg *protocol.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &NotFoundError{ID: s.ID}
	}

	got := *msg.SequenceNumber
	if got != s.inboundSeq {
		err := &SequenceError{Want: s.inboundSeq, Got: got}
		s.mu.Unlock()
		m.metrics.RecordProtocolError(ctx, "SequenceError")
		m.Close(ctx, s, err)
		return err
	}
	s.inboundSeq++
	s.touch(m.now())

	pcm, err := msg.PCM()
	if err != nil {
		s.mu.Unlock()
		m.metrics.RecordProtocolError(ctx, "ProtocolError")
		m.Close(ctx, s, err)
		return err
	}
	if err := audio.ValidateChunk(pcm); err != nil {
		// Drop the frame, keep the session.
		s.send(protocol.ErrorMessage("AudioFormatError", err.Error()))
		s.mu.Unlock()
		m.metrics.RecordProtocolError(ctx, "AudioFormatError")
		m.log.Warn("dropped malformed chunk", "session_id", s.ID, "seq", got, "error", err)
		return nil
	}

	s.send(protocol.ChunkAck(s.ID, got))
	var frames []audio.Frame
	if s.listening {
		frames = s.pipe.Push(pcm)
	}
	s.mu.Unlock()

	for _, f := range frames {
		m.ingestFrame(ctx, s, f)
	}
	return nil
}

// ingestFrame routes one framed, VAD-tagged block through the state machine.
func (m *Manager) ingestFrame(ctx context.Context, s *Session, f audio.Frame) {
	s.mu.Lock()
	switch s.state {
	case StateSpeaking:
		if !f.HasVoice {
			s.mu.Unlock()
			return
		}
		h := m.beginInterrupt(s, f)
		s.mu.Unlock()
		m.finishInterrupt(ctx, s, h)

	case StateListening, StateProcessing:
		m.bufferFrame(ctx, s, f)
		if s.state == StateListening && s.endOfUtterance(m.cfg.EndSilenceFrames) {
			frames, h, tctx := m.beginTurn(s)
			s.mu.Unlock()
			m.turns.Add(1)
			go m.runTurn(tctx, s, h, frames)
			return
		}
		s.mu.Unlock()

	default:
		// INIT, INTERRUPTED, CLOSED: nothing to do with audio here.
		s.mu.Unlock()
	}
}

// bufferFrame appends f to the utterance buffer, evicting the oldest frame
// under pressure. Caller holds s.mu.
func (m *Manager) bufferFrame(ctx context.Context, s *Session, f audio.Frame) {
	if len(s.buffer) >= m.cfg.BufferCapacity {
		evicted := s.buffer[0]
		s.buffer = s.buffer[1:]
		oerr := &BufferOverflowError{Capacity: m.cfg.BufferCapacity, Evicted: evicted.Sequence}
		s.send(protocol.ErrorMessage("BufferOverflowError", oerr.Error()))
		m.metrics.BufferEvictions.Add(ctx, 1)
		m.log.Warn("utterance buffer full", "session_id", s.ID, "evicted_seq", evicted.Sequence)
	}
	s.buffer = append(s.buffer, f)
	s.noteFrame(f)
	m.metrics.FramesIngested.Add(ctx, 1)
}

// beginTurn moves the session to PROCESSING and hands the buffered utterance
// to a new cancellable turn. Caller holds s.mu.
func (m *Manager) beginTurn(s *Session) ([]audio.Frame, *turnHandle, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &turnHandle{cancel: cancel, done: make(chan struct{}), started: m.now()}
	s.turn = h
	s.state = StateProcessing
	return s.drainUtterance(), h, ctx
}

// runTurn executes one conversational turn: transcribe the utterance, emit
// the transcript, generate a reply, then stream synthesized audio until the
// stream ends or the turn is cancelled.
func (m *Manager) runTurn(ctx context.Context, s *Session, h *turnHandle, frames []audio.Frame) {
	defer m.turns.Done()
	defer close(h.done)

	utterance := audio.Concat(frames)

	bctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
	start := m.now()
	text, err := m.bridge.Transcribe(bctx, utterance)
	cancel()
	m.metrics.TranscribeDuration.Record(ctx, m.now().Sub(start).Seconds())
	if err != nil {
		m.failTurn(ctx, s, h, "transcribe", err)
		return
	}
	if strings.TrimSpace(text) == "" {
		// Nothing intelligible; end the turn quietly.
		m.settleTurn(s, h, nil)
		return
	}

	s.mu.Lock()
	if s.turn != h {
		s.mu.Unlock()
		return
	}
	s.send(protocol.Transcription(text))
	s.convo.Add(bridge.RoleUser, text, m.now())
	history := s.convo.History()
	s.mu.Unlock()

	bctx, cancel = context.WithTimeout(ctx, m.cfg.BackendTimeout)
	start = m.now()
	reply, err := m.bridge.Respond(bctx, history, text)
	cancel()
	m.metrics.RespondDuration.Record(ctx, m.now().Sub(start).Seconds())
	if err != nil {
		m.failTurn(ctx, s, h, "respond", err)
		return
	}

	s.mu.Lock()
	if s.turn != h || s.state != StateProcessing {
		s.mu.Unlock()
		return
	}
	s.state = StateSpeaking
	s.convo.Add(bridge.RoleAssistant, reply, m.now())
	s.send(protocol.Response(reply, nil))
	s.mu.Unlock()

	start = m.now()
	stream, err := m.bridge.Synthesize(ctx, reply)
	if err != nil {
		m.failTurn(ctx, s, h, "synthesize", err)
		return
	}
	for pcm := range stream.Audio {
		s.mu.Lock()
		if s.turn != h || s.state != StateSpeaking {
			s.mu.Unlock()
			for range stream.Audio {
				// Drain the cancelled stream so the producer can exit.
			}
			return
		}
		s.outSeq++
		s.send(protocol.Response("", pcm))
		s.mu.Unlock()
	}
	m.metrics.SynthesizeDuration.Record(ctx, m.now().Sub(start).Seconds())

	if serr := stream.Err(); serr != nil && ctx.Err() == nil {
		m.failTurn(ctx, s, h, "synthesize", serr)
		return
	}
	m.settleTurn(s, h, func() {
		m.metrics.TurnDuration.Record(ctx, m.now().Sub(h.started).Seconds())
	})
}

// settleTurn returns the session to LISTENING after a turn that is no longer
// producing output. onSettle, if non-nil, runs only when this turn was still
// the session's current one.
func (m *Manager) settleTurn(s *Session, h *turnHandle, onSettle func()) {
	s.mu.Lock()
	if s.turn != h {
		s.mu.Unlock()
		return
	}
	s.turn = nil
	if s.state == StateProcessing || s.state == StateSpeaking {
		s.state = StateListening
	}
	s.mu.Unlock()
	if onSettle != nil {
		onSettle()
	}
}

// failTurn reports a backend failure for the current turn and returns the
// session to LISTENING. A cancelled turn fails silently.
func (m *Manager) failTurn(ctx context.Context, s *Session, h *turnHandle, stage string, err error) {
	if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
		m.settleTurn(s, h, nil)
		return
	}
	kind := bridge.Kind(err)
	m.metrics.RecordBridgeError(ctx, stage, kind)
	m.log.Warn("turn failed", "session_id", s.ID, "stage", stage, "kind", kind, "error", err)

	s.mu.Lock()
	if s.turn != h {
		s.mu.Unlock()
		return
	}
	s.turn = nil
	if s.state == StateProcessing || s.state == StateSpeaking {
		s.state = StateListening
	}
	s.send(protocol.ErrorMessage(kind, err.Error()))
	s.mu.Unlock()
}

// SetListening toggles the capture gate. Stopping discards any partially
// accumulated utterance so stale audio cannot leak into the next one.
func (m *Manager) SetListening(s *Session, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.listening = on
	s.touch(m.now())
	if on {
		s.send(protocol.ListeningStarted())
		return
	}
	s.pipe.Reset()
	s.buffer = nil
	s.voiceSeen = false
	s.silenceRun = 0
	s.send(protocol.ListeningStopped())
}

// Close tears down a session: cancels any in-flight turn, notifies the
// client, and removes the session from the registry. Idempotent. A nil
// reason is an orderly close; a non-nil reason is reported as an error.
func (m *Manager) Close(ctx context.Context, s *Session, reason error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	s.listening = false
	h := s.turn
	s.turn = nil
	s.buffer = nil
	if reason != nil {
		s.send(protocol.ErrorMessage(errorKind(reason), reason.Error()))
	} else {
		s.send(protocol.SessionEnded(s.ID))
	}
	s.mu.Unlock()

	if h != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(m.cfg.InterruptGrace):
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, -1)
	if reason != nil {
		m.log.Info("session closed", "session_id", s.ID, "reason", reason)
	} else {
		m.log.Info("session closed", "session_id", s.ID)
	}
}

// errorKind maps a close reason to the wire error kind.
func errorKind(err error) string {
	var seq *SequenceError
	var proto *protocol.Error
	switch {
	case errors.As(err, &seq):
		return "SequenceError"
	case errors.As(err, &proto):
		return "ProtocolError"
	default:
		return "InternalError"
	}
}

// Run drives the idle sweep until ctx is cancelled, then closes all
// remaining sessions.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

// sweep closes sessions idle past the configured timeout. The registry scan
// reads activity through the session's atomic, so no session lock is taken
// while the registry lock is held.
func (m *Manager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []*Session
	for _, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			idle = append(idle, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range idle {
		m.log.Info("closing idle session", "session_id", s.ID, "last_activity", s.LastActivity())
		m.Close(ctx, s, nil)
	}
}

func (m *Manager) closeAll(ctx context.Context) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()
	for _, s := range all {
		m.Close(ctx, s, nil)
	}
}

// Shutdown closes every session and waits for in-flight turns to finish, or
// for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeAll(ctx)
	done := make(chan struct{})
	go func() {
		m.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionInfo is one session's entry in [Stats].
type SessionInfo struct {
	ID           string    `json:"id"`
	State        string    `json:"state"`
	Turns        int       `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats is a point-in-time snapshot of the registry, served on /stats.
type Stats struct {
	ActiveSessions int           `json:"active_sessions"`
	Sessions       []SessionInfo `json:"sessions"`
}

// Stats snapshots every registered session.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	st := Stats{ActiveSessions: len(all), Sessions: make([]SessionInfo, 0, len(all))}
	for _, s := range all {
		st.Sessions = append(st.Sessions, SessionInfo{
			ID:           s.ID,
			State:        s.State().String(),
			Turns:        s.Turns(),
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
		})
	}
	return st
}
