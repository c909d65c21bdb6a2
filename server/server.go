// Package server bridges agent sessions to browser clients over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/stream"
)

const (
	writeTimeout  = 10 * time.Second
	maxFrameSize  = 1 << 20
	sweepInterval = time.Minute
)

// Runner starts one agent turn.
type Runner func(ctx context.Context, prompt string, opts ...claude.Option) *stream.Session

// Config configures a Server.
type Config struct {
	// Options returns the base invocation options. It is called once per
	// run so configuration reloads take effect on the next turn.
	Options func() ([]claude.Option, error)
	// Runner defaults to claude.Run.
	Runner Runner
	Logger *slog.Logger
	// ConversationTTL bounds how long an idle conversation is remembered.
	ConversationTTL time.Duration
	// AllowedOrigins lists extra browser origins allowed to open /ws.
	// Same-origin requests and requests without an Origin header are
	// always accepted.
	AllowedOrigins []string
}

// Server serves GET /ws and GET /healthz.
type Server struct {
	arena    *Arena
	runner   Runner
	options  func() ([]claude.Option, error)
	logger   *slog.Logger
	router   chi.Router
	upgrader websocket.Upgrader
	origins  []string
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{
		arena:   NewArena(cfg.ConversationTTL),
		runner:  cfg.Runner,
		options: cfg.Options,
		logger:  cfg.Logger,
		origins: cfg.AllowedOrigins,
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	if s.runner == nil {
		s.runner = claude.Run
	}
	if s.options == nil {
		s.options = func() ([]claude.Option, error) { return nil, nil }
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.healthz)
	r.Get("/ws", s.websocket)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Arena returns the conversation arena.
func (s *Server) Arena() *Arena {
	return s.arena
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.arena.RunSweeper(ctx, sweepInterval)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"conversations": s.arena.Len(),
	})
}

// checkOrigin rejects cross-site browser connections unless the origin is
// allow-listed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, o := range s.origins {
		if strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func (s *Server) websocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxFrameSize)

	convID := r.URL.Query().Get("conversation")
	if convID == "" || !s.arena.Exists(convID) {
		convID = uuid.NewString()
	}
	s.arena.Touch(convID)

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		server: s,
		ws:     ws,
		convID: convID,
		ctx:    ctx,
		logger: s.logger.With("conversation", convID),
	}
	defer func() {
		cancel()
		c.wait()
	}()

	c.send(ServerFrame{Type: FrameHello, ConversationID: convID, SessionID: s.arena.SessionID(convID)})
	c.logger.Debug("client connected")

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("client disconnected", "error", err)
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.send(errorFrame("invalid frame: "+err.Error(), true))
			continue
		}
		s.arena.Touch(convID)

		switch frame.Type {
		case FrameRun:
			c.start(frame)
		case FrameCancel:
			if !c.cancelRun() {
				c.send(errorFrame("no run in progress", true))
			}
		default:
			c.send(errorFrame("unsupported frame type: "+frame.Type, true))
		}
	}
}

// conn is one WebSocket client. At most one run is active at a time.
type conn struct {
	ctx     context.Context
	server  *Server
	ws      *websocket.Conn
	logger  *slog.Logger
	running *activeRun
	convID  string
	writeMu sync.Mutex
	mu      sync.Mutex
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// send writes f. Errors are logged; the read loop notices the broken
// connection.
func (c *conn) send(f ServerFrame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(f); err != nil {
		c.logger.Debug("write failed", "type", f.Type, "error", err)
	}
}

func (c *conn) start(frame ClientFrame) {
	if strings.TrimSpace(frame.Prompt) == "" {
		c.send(errorFrame(claude.ErrEmptyPrompt.Error(), true))
		return
	}
	base, err := c.server.options()
	if err != nil {
		c.send(errorFrame("configuration error: "+err.Error(), false))
		return
	}

	c.mu.Lock()
	if c.running != nil {
		c.mu.Unlock()
		c.send(errorFrame("a run is already in progress", true))
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	c.running = run
	c.mu.Unlock()

	opts := append([]claude.Option{}, base...)
	resume := frame.SessionID
	if resume == "" {
		resume = c.server.arena.SessionID(c.convID)
	}
	if resume != "" {
		opts = append(opts, claude.WithResume(resume))
	}
	if frame.Model != "" {
		opts = append(opts, claude.WithModel(frame.Model))
	}
	if frame.MaxTurns > 0 {
		opts = append(opts, claude.WithMaxTurns(frame.MaxTurns))
	}
	if len(frame.AllowedTools) > 0 {
		opts = append(opts, claude.WithAllowedTools(frame.AllowedTools...))
	}
	opts = append(opts, claude.WithLogger(c.logger))

	c.logger.Info("run started", "resume", resume)
	sess := c.server.runner(ctx, frame.Prompt, opts...)
	go c.forward(sess, run)
}

// forward relays every event of sess to the client.
func (c *conn) forward(sess *stream.Session, run *activeRun) {
	defer func() {
		c.release(run)
		close(run.done)
	}()

	for ev := range sess.Events() {
		switch e := ev.(type) {
		case stream.SessionIDEvent:
			c.server.arena.SetSessionID(c.convID, e.SessionID)
		case stream.DoneEvent:
			c.server.arena.SetSessionID(c.convID, e.SessionID)
			c.logger.Info("run finished", "outcome", e.Outcome, "session_id", e.SessionID)
			// A client may start the next run as soon as it sees done.
			c.release(run)
		}
		c.send(FrameFromEvent(ev))
	}
}

func (c *conn) release(run *activeRun) {
	run.cancel()
	c.mu.Lock()
	if c.running == run {
		c.running = nil
	}
	c.mu.Unlock()
}

func (c *conn) cancelRun() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil {
		return false
	}
	c.running.cancel()
	return true
}

// wait blocks until the active run, if any, has drained.
func (c *conn) wait() {
	c.mu.Lock()
	run := c.running
	c.mu.Unlock()
	if run != nil {
		<-run.done
	}
}
