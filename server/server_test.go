package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/stream"
	"github.com/bazelment/agentrelay/transport"
)

// scriptProcess writes stdout then optionally blocks until terminated.
type scriptProcess struct {
	stdoutR    *io.PipeReader
	stdoutW    *io.PipeWriter
	terminated chan struct{}
	once       sync.Once
}

func (p *scriptProcess) Stdout() io.Reader { return p.stdoutR }
func (p *scriptProcess) Stderr() io.Reader { return strings.NewReader("") }

func (p *scriptProcess) Wait() (int, error) {
	select {
	case <-p.terminated:
		return -1, transport.ErrTerminated
	default:
		return 0, nil
	}
}

func (p *scriptProcess) Terminate() error {
	p.once.Do(func() {
		close(p.terminated)
		p.stdoutW.CloseWithError(transport.ErrTerminated)
	})
	return nil
}

type scriptLauncher struct {
	mu       sync.Mutex
	commands []transport.Command
	stdout   string
	hang     bool
}

func (l *scriptLauncher) Launch(_ context.Context, cmd transport.Command) (transport.Process, error) {
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()

	r, w := io.Pipe()
	p := &scriptProcess{stdoutR: r, stdoutW: w, terminated: make(chan struct{})}
	go func() {
		_, _ = io.WriteString(w, l.stdout)
		if !l.hang {
			_ = w.Close()
		}
	}()
	return p, nil
}

func (l *scriptLauncher) args(i int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commands[i].Args
}

func newTestServer(t *testing.T, l *scriptLauncher) (*Server, *httptest.Server) {
	t.Helper()
	s := New(Config{
		Options: func() ([]claude.Option, error) {
			return []claude.Option{claude.WithLauncher(l)}, nil
		},
		ConversationTTL: time.Minute,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f ServerFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

// readUntil reads frames up to and including the first of type typ.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) []ServerFrame {
	t.Helper()
	var frames []ServerFrame
	for {
		f := read(t, ws)
		frames = append(frames, f)
		if f.Type == typ {
			return frames
		}
	}
}

const turn = `{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Hello"},{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"a.go"}}]}}
{"type":"result","subtype":"success","result":"Hello","num_turns":1}
`

func TestWebSocket_OriginCheck(t *testing.T) {
	t.Parallel()
	s := New(Config{AllowedOrigins: []string{"http://localhost:3000"}})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"no origin", "", true},
		{"same origin", ts.URL, true},
		{"allow-listed", "http://localhost:3000", true},
		{"foreign", "https://evil.example", false},
		{"malformed", "://", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			ws, resp, err := websocket.DefaultDialer.Dial(url, header)
			if tt.ok {
				require.NoError(t, err)
				ws.Close()
				return
			}
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, &scriptLauncher{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestWebSocket_RunStreamsEvents(t *testing.T) {
	t.Parallel()
	l := &scriptLauncher{stdout: turn}
	s, ts := newTestServer(t, l)
	ws := dial(t, ts, "")

	hello := read(t, ws)
	require.Equal(t, FrameHello, hello.Type)
	require.NotEmpty(t, hello.ConversationID)

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "hi", Model: "opus", AllowedTools: []string{"Read"}}))
	frames := readUntil(t, ws, "done")

	var types []string
	for _, f := range frames {
		types = append(types, f.Type)
	}
	assert.Equal(t, []string{"session_id", "text", "tool", "result", "done"}, types)
	assert.Equal(t, "sess-1", frames[0].SessionID)
	assert.Equal(t, "Hello", frames[1].Text)
	assert.Equal(t, "Read", frames[2].Tool.Name)
	assert.JSONEq(t, `{"file_path":"a.go"}`, string(frames[2].Tool.Input))
	assert.Equal(t, 1, frames[3].Result.NumTurns)

	done := frames[4]
	assert.Equal(t, "completed", done.Outcome)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)
	assert.Equal(t, "sess-1", done.SessionID)

	assert.Equal(t, "sess-1", s.Arena().SessionID(hello.ConversationID))
	args := l.args(0)
	assert.Contains(t, args, "opus")
	assert.Contains(t, args, "--allowed-tools")
	assert.NotContains(t, args, "--resume")
}

func TestWebSocket_SecondRunResumes(t *testing.T) {
	t.Parallel()
	l := &scriptLauncher{stdout: turn}
	_, ts := newTestServer(t, l)
	ws := dial(t, ts, "")
	read(t, ws)

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "one"}))
	readUntil(t, ws, "done")
	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "two"}))
	readUntil(t, ws, "done")

	args := l.args(1)
	i := indexOf(args, "--resume")
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, "sess-1", args[i+1])
}

func TestWebSocket_ReconnectKeepsConversation(t *testing.T) {
	t.Parallel()
	l := &scriptLauncher{stdout: turn}
	_, ts := newTestServer(t, l)

	first := dial(t, ts, "")
	hello := read(t, first)
	require.NoError(t, first.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "one"}))
	readUntil(t, first, "done")
	first.Close()

	second := dial(t, ts, "?conversation="+hello.ConversationID)
	again := read(t, second)
	assert.Equal(t, hello.ConversationID, again.ConversationID)
	assert.Equal(t, "sess-1", again.SessionID)

	stranger := dial(t, ts, "?conversation=unknown")
	fresh := read(t, stranger)
	assert.NotEqual(t, "unknown", fresh.ConversationID)
	assert.Empty(t, fresh.SessionID)
}

func TestWebSocket_BusyAndCancel(t *testing.T) {
	t.Parallel()
	l := &scriptLauncher{stdout: `{"type":"system","session_id":"long-1"}` + "\n", hang: true}
	_, ts := newTestServer(t, l)
	ws := dial(t, ts, "")
	read(t, ws)

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "slow"}))
	assert.Equal(t, "session_id", read(t, ws).Type)

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "again"}))
	busy := read(t, ws)
	assert.Equal(t, "error", busy.Type)
	assert.Contains(t, busy.Error, "already in progress")

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameCancel}))
	done := readUntil(t, ws, "done")
	last := done[len(done)-1]
	assert.Equal(t, "aborted", last.Outcome)
	assert.Equal(t, "long-1", last.SessionID)

	// Idle again.
	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameCancel}))
	assert.Contains(t, read(t, ws).Error, "no run in progress")
}

func TestWebSocket_InvalidFrames(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, &scriptLauncher{})
	ws := dial(t, ts, "")
	read(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	assert.Contains(t, read(t, ws).Error, "invalid frame")

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: "dance"}))
	assert.Contains(t, read(t, ws).Error, "unsupported frame type")

	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "  "}))
	assert.Contains(t, read(t, ws).Error, "prompt is empty")
}

func TestWebSocket_OptionsError(t *testing.T) {
	t.Parallel()
	s := New(Config{Options: func() ([]claude.Option, error) {
		return nil, errors.New(`unknown remote "x"`)
	}})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws := dial(t, ts, "")
	read(t, ws)
	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "hi"}))
	f := read(t, ws)
	assert.Contains(t, f.Error, "configuration error")
	assert.False(t, f.Recoverable)
}

func TestWebSocket_DisconnectAbortsRun(t *testing.T) {
	t.Parallel()

	aborted := make(chan stream.DoneEvent, 1)
	l := &scriptLauncher{stdout: `{"type":"system","session_id":"gone-1"}` + "\n", hang: true}
	s := New(Config{
		Runner: func(ctx context.Context, prompt string, opts ...claude.Option) *stream.Session {
			sess := claude.Run(ctx, prompt, append(opts, claude.WithLauncher(l))...)
			go func() {
				<-sess.Done()
				aborted <- sess.Result()
			}()
			return sess
		},
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ws := dial(t, ts, "")
	read(t, ws)
	require.NoError(t, ws.WriteJSON(ClientFrame{Type: FrameRun, Prompt: "bye"}))
	assert.Equal(t, "session_id", read(t, ws).Type)
	ws.Close()

	select {
	case done := <-aborted:
		assert.Equal(t, stream.OutcomeAborted, done.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("run was not aborted after disconnect")
	}
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
