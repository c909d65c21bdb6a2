// Package stream runs one agent invocation and turns its stdout into an
// ordered sequence of typed events.
//
// A Session owns the transport, frames and classifies stdout, deduplicates
// streamed and assembled content, resolves the session id, and guarantees
// that exactly one DoneEvent is delivered, after which Events is closed.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bazelment/agentrelay/internal/ndjson"
	"github.com/bazelment/agentrelay/transport"
)

const readChunk = 32 * 1024

// Session is a single agent invocation.
type Session struct {
	launcher transport.Launcher
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan Event
	done     chan struct{}
	logger   *slog.Logger
	resolver resolver
	cmd      transport.Command
	result   DoneEvent
	opts     options
	state    State
	mu       sync.Mutex
}

type exitStatus struct {
	err  error
	code int
}

// Start launches cmd with l and begins streaming. It never blocks on the
// transport: launch failures are reported as an ErrorEvent followed by
// DoneEvent. Cancelling ctx aborts the session.
//
// Callers must drain Events until it is closed.
func Start(ctx context.Context, l transport.Launcher, cmd transport.Command, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		launcher: l,
		cmd:      cmd,
		opts:     o,
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		events:   make(chan Event, o.eventBuffer),
		done:     make(chan struct{}),
		state:    StateStarting,
	}
	go s.run()
	return s
}

// Events returns the event stream. It is closed right after DoneEvent.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed once the session has finished and its transport has been
// released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the DoneEvent. It is only meaningful after Done is closed.
func (s *Session) Result() DoneEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the resolved session id once the session is done.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result.SessionID
}

// Abort requests cancellation. The session ends with OutcomeAborted and no
// ErrorEvent. Safe to call at any time, any number of times.
func (s *Session) Abort() {
	s.cancel()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// emit delivers a non-terminal event. Once the session is aborted, events
// nobody is waiting for are dropped.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	defer s.cancel()

	proc, err := s.launcher.Launch(s.ctx, s.cmd)
	if err != nil {
		if s.ctx.Err() != nil {
			s.finish(nil, DoneEvent{Outcome: OutcomeAborted, ExitCode: -1})
			return
		}
		s.logger.Warn("agent launch failed", "cmd", s.cmd.Path, "error", err)
		terr := &TransportError{Cause: err}
		s.emit(ErrorEvent{Err: terr})
		s.finish(nil, DoneEvent{Outcome: OutcomeFailed, ExitCode: -1, Err: terr})
		return
	}
	s.setState(StateRunning)
	s.logger.Info("agent session started", "cmd", s.cmd.Path)

	rec := newReconstructor(s.logger, &s.resolver, s.emit)
	framer := ndjson.NewFramer()

	stderr := newStderrSink(s.opts.maxStderr)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(stderr, proc.Stderr())
	}()

	stdout := make(chan []byte)
	go s.pump(proc.Stdout(), stdout)

	exitCh := make(chan exitStatus, 1)

	var deadline <-chan time.Time
	if s.opts.timeout > 0 {
		timer := time.NewTimer(s.opts.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	chunks := stdout
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				// Stderr may still carry the error report; read it fully
				// before collecting the exit status.
				go func() {
					<-stderrDone
					code, err := proc.Wait()
					exitCh <- exitStatus{code: code, err: err}
				}()
				continue
			}
			for _, line := range framer.Feed(chunk) {
				rec.handleLine(line)
			}

		case st := <-exitCh:
			s.finishExit(proc, framer, rec, stderr, st)
			return

		case <-deadline:
			s.setState(StateFinishing)
			rec.flush(framer)
			terr := &TimeoutError{After: s.opts.timeout}
			s.logger.Warn("agent session timed out", "after", s.opts.timeout)
			s.emit(ErrorEvent{Err: terr})
			s.settleSessionID(stderr)
			s.finish(proc, DoneEvent{Outcome: OutcomeTimedOut, ExitCode: -1, Err: terr})
			return

		case <-s.ctx.Done():
			s.logger.Info("agent session aborted")
			s.finish(proc, DoneEvent{Outcome: OutcomeAborted, ExitCode: -1})
			return
		}
	}
}

func (s *Session) finishExit(proc transport.Process, framer *ndjson.Framer, rec *reconstructor, stderr *stderrSink, st exitStatus) {
	s.setState(StateFinishing)
	rec.flush(framer)
	if dropped := framer.Dropped(); dropped > 0 {
		s.logger.Warn("oversized stdout lines dropped", "bytes", dropped)
	}

	done := DoneEvent{Outcome: OutcomeCompleted, ExitCode: st.code}
	var failure error
	switch {
	case st.err != nil && !errors.Is(st.err, transport.ErrTerminated):
		failure = &TransportError{Cause: st.err}
	case st.code != 0:
		tail, _, truncated := stderr.Snapshot()
		if truncated {
			s.logger.Warn("stderr exceeded buffer, keeping tail", "max", s.opts.maxStderr)
		}
		if msg := filterStderr(tail, s.opts.stderrNoise, s.opts.maxErrorLen); msg != "" {
			failure = &UpstreamError{ExitCode: st.code, Stderr: msg}
		}
	}
	if st.code != 0 || failure != nil {
		done.Outcome = OutcomeFailed
	}
	if failure != nil {
		done.Err = failure
		s.emit(ErrorEvent{Err: failure})
	}

	s.settleSessionID(stderr)
	s.logger.Info("agent session finished", "exit_code", st.code, "outcome", done.Outcome)
	s.finish(proc, done)
}

func (s *Session) settleSessionID(stderr *stderrSink) {
	if _, id, _ := stderr.Snapshot(); id != "" {
		s.resolver.offerProvisional(id)
	}
	if id, ok := s.resolver.settle(); ok {
		s.emit(SessionIDEvent{SessionID: id})
	}
}

// finish runs once per session: it delivers DoneEvent, closes Events,
// terminates the transport and closes Done.
func (s *Session) finish(proc transport.Process, done DoneEvent) {
	done.SessionID = s.resolver.best()

	final := StateDone
	if done.Outcome == OutcomeAborted {
		final = StateAborted
	}
	s.mu.Lock()
	s.result = done
	s.state = final
	s.mu.Unlock()

	s.events <- done
	close(s.events)

	if proc != nil {
		if err := proc.Terminate(); err != nil {
			s.logger.Debug("terminate failed", "error", err)
		}
	}
	close(s.done)
}

// pump forwards stdout chunks in order and closes out at EOF, on a read
// error, or once the session is cancelled.
func (s *Session) pump(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-s.ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("stdout read ended", "error", err)
			}
			return
		}
	}
}
