// Package server exposes the voice gateway over WebSocket, alongside the
// operational HTTP endpoints: /healthz, /readyz, /metrics, and /stats.
//
// Each WebSocket connection owns exactly one session. The read loop decodes
// inbound messages and hands them to the session manager; everything the
// server sends back goes through a write-serialised connection wrapper so the
// turn goroutine and the read loop never interleave frames on the wire.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/talkwire/talkwire/internal/health"
	"github.com/talkwire/talkwire/internal/observe"
	"github.com/talkwire/talkwire/internal/protocol"
	"github.com/talkwire/talkwire/internal/session"
)

const (
	// writeTimeout bounds a single outbound frame; a client stalled longer
	// than this is treated as gone.
	writeTimeout = 10 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Server serves the gateway on one TCP listener.
type Server struct {
	addr    string
	manager *session.Manager
	log     *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler

	certFile string
	keyFile  string
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth sets the health handler serving /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithTLS enables HTTPS with the given certificate pair.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// New creates a Server listening on addr and backed by manager.
func New(addr string, manager *session.Manager, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		manager: manager,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Routes builds the HTTP mux: the WebSocket endpoint plus the operational
// endpoints.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains sessions and shuts the
// listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Routes(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := s.manager.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		s.log.Info("listening", "addr", s.addr, "tls", s.certFile != "")
		var err error
		if s.certFile != "" {
			err = srv.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = s.manager.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// handleWS upgrades the connection and runs the session read loop until the
// client goes away or a fatal protocol violation closes the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(c)
	defer c.CloseNow()

	ctx := r.Context()
	sess := s.manager.Start(ctx, conn)
	defer s.manager.Close(context.WithoutCancel(ctx), sess, nil)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.log.Debug("client closed connection", "session_id", sess.ID)
			} else if ctx.Err() == nil {
				s.log.Debug("read failed", "session_id", sess.ID, "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Malformed traffic is fatal for the connection.
			s.metrics.RecordProtocolError(ctx, "ProtocolError")
			s.manager.Close(ctx, sess, err)
			c.Close(websocket.StatusPolicyViolation, "protocol violation")
			return
		}

		if err := s.manager.HandleMessage(ctx, sess, msg); err != nil {
			// The manager already closed the session and told the client why.
			c.Close(websocket.StatusPolicyViolation, "session closed")
			return
		}
	}
}

// handleStats serves a JSON snapshot of the session registry.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s.manager.Stats()); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// wsConn serialises writes to one WebSocket connection. The session engine
// sends from both the read loop and turn goroutines.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c}
}

var _ session.Sender = (*wsConn)(nil)

// Send encodes m and writes it as one text frame.
func (w *wsConn) Send(m *protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageText, data)
}
