package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type execHandler func(command string, ch ssh.Channel) uint32

type testSSHServer struct {
	addr    string
	hostKey ssh.PublicKey
}

// startSSHServer runs a minimal SSH server that accepts one password and
// serves exec requests with handler.
func startSSHServer(t *testing.T, password string, handler execHandler) testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, p []byte) (*ssh.Permissions, error) {
			if string(p) == password {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, cfg, handler)
		}
	}()
	return testSSHServer{addr: ln.Addr().String(), hostKey: signer.PublicKey()}
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				go func() {
					status := handler(payload.Command, ch)
					_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
					_ = ch.Close()
				}()
			}
		}()
	}
}

func serverConfig(t *testing.T, srv testSSHServer, password string) RemoteConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return RemoteConfig{Host: host, Port: p, User: "agent", Password: password, DialTimeout: 5 * time.Second}
}

func TestRemote_RunsCommand(t *testing.T) {
	t.Parallel()

	commands := make(chan string, 1)
	srv := startSSHServer(t, "secret", func(command string, ch ssh.Channel) uint32 {
		commands <- command
		in, _ := io.ReadAll(ch)
		_, _ = fmt.Fprintf(ch, "{\"session_id\":\"abc123\"}\ninput=%s\n", in)
		_, _ = fmt.Fprint(ch.Stderr(), "warning\n")
		return 3
	})

	r := &Remote{Config: serverConfig(t, srv, "secret")}
	cmd := Command{Path: "claude", Args: []string{"-p", "it's"}, Input: []byte("hi")}
	p, err := r.Launch(context.Background(), cmd)
	require.NoError(t, err)

	stdout, stderr := readBoth(t, p)
	assert.Equal(t, "{\"session_id\":\"abc123\"}\ninput=hi\n", stdout)
	assert.Equal(t, "warning\n", stderr)

	code, err := p.Wait()
	assert.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, `env -u CLAUDECODE -u CLAUDE_CODE_ENTRYPOINT claude -p 'it'\''s'`, <-commands)
}

func TestRemote_KnownHosts(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t, "pw", func(string, ssh.Channel) uint32 { return 0 })
	cfg := serverConfig(t, srv, "pw")

	good := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, srv.hostKey)
	require.NoError(t, os.WriteFile(good, []byte(line+"\n"), 0o600))
	cfg.KnownHosts = good

	p, err := (&Remote{Config: cfg}).Launch(context.Background(), Command{Path: "true"})
	require.NoError(t, err)
	readBoth(t, p)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Zero(t, code)

	_, otherKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherKey)
	require.NoError(t, err)
	bad := filepath.Join(t.TempDir(), "known_hosts")
	line = knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, otherSigner.PublicKey())
	require.NoError(t, os.WriteFile(bad, []byte(line+"\n"), 0o600))
	cfg.KnownHosts = bad

	_, err = (&Remote{Config: cfg}).Launch(context.Background(), Command{Path: "true"})
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnectHostKey, connErr.Kind)
}

func TestRemote_AuthFailure(t *testing.T) {
	t.Parallel()

	srv := startSSHServer(t, "right", func(string, ssh.Channel) uint32 { return 0 })
	_, err := (&Remote{Config: serverConfig(t, srv, "wrong")}).Launch(context.Background(), Command{Path: "true"})

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnectAuthFailed, connErr.Kind)
	assert.Contains(t, connErr.Error(), "authentication")
}

func TestRemote_ConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cfg := RemoteConfig{Host: "127.0.0.1", Port: addr.Port, User: "u", Password: "p"}
	_, err = (&Remote{Config: cfg}).Launch(context.Background(), Command{Path: "true"})

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, ConnectRefused, connErr.Kind)
	assert.Contains(t, connErr.Error(), "refused")
}

func TestRemote_CancelDuringHandshake(t *testing.T) {
	t.Parallel()

	// Accepts TCP but never speaks SSH.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()
	t.Cleanup(func() {
		select {
		case c := <-accepted:
			c.Close()
		default:
		}
	})

	addr := ln.Addr().(*net.TCPAddr)
	cfg := RemoteConfig{Host: "127.0.0.1", Port: addr.Port, User: "u", Password: "p", DialTimeout: 30 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	_, err = (&Remote{Config: cfg}).Launch(ctx, Command{Path: "true"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRemote_NoAuthMethod(t *testing.T) {
	t.Parallel()
	_, err := (&Remote{Config: RemoteConfig{Host: "127.0.0.1"}}).Launch(context.Background(), Command{Path: "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no SSH authentication method")
}

func TestRemote_TerminateUnblocksReads(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	srv := startSSHServer(t, "pw", func(_ string, ch ssh.Channel) uint32 {
		_, _ = fmt.Fprintln(ch, "started")
		<-release
		return 0
	})

	p, err := (&Remote{Config: serverConfig(t, srv, "pw")}).Launch(context.Background(), Command{Path: "claude"})
	require.NoError(t, err)

	buf := make([]byte, len("started\n"))
	_, err = io.ReadFull(p.Stdout(), buf)
	require.NoError(t, err)

	readDone := make(chan struct{})
	go func() {
		_, _ = io.ReadAll(p.Stdout())
		close(readDone)
	}()

	require.NoError(t, p.Terminate())
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("pending read not unblocked by Terminate")
	}
	_, err = p.Wait()
	assert.ErrorIs(t, err, ErrTerminated)
	assert.NoError(t, p.Terminate())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyConnectError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want ConnectKind
	}{
		{name: "refused", err: &net.OpError{Op: "dial", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}, want: ConnectRefused},
		{name: "dns", err: &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true}}, want: ConnectUnresolvable},
		{name: "dns timeout", err: &net.DNSError{Err: "timeout", Name: "slow", IsTimeout: true}, want: ConnectTimedOut},
		{name: "deadline", err: fmt.Errorf("dial: %w", context.DeadlineExceeded), want: ConnectTimedOut},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutErr{}}, want: ConnectTimedOut},
		{name: "auth", err: errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"), want: ConnectAuthFailed},
		{name: "host key", err: fmt.Errorf("ssh: handshake failed: %w", &knownhosts.KeyError{}), want: ConnectHostKey},
		{name: "other", err: errors.New("ssh: handshake failed: EOF"), want: ConnectOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyConnectError("example.com:22", tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.ErrorIs(t, got, tt.err)
			assert.NotEmpty(t, got.Error())
		})
	}

	assert.Nil(t, ClassifyConnectError("x:22", nil))
	assert.Equal(t, "cannot resolve host example.com",
		(&ConnectError{Kind: ConnectUnresolvable, Addr: "example.com:22"}).Error())
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                 "''",
		"plain":            "plain",
		"--max-turns":      "--max-turns",
		"a/b.c:d@e":        "a/b.c:d@e",
		"two words":        "'two words'",
		"it's":             `'it'\''s'`,
		"$HOME; rm -rf /":  `'$HOME; rm -rf /'`,
		"line\nbreak":      "'line\nbreak'",
		"Bash(git diff:*)": "'Bash(git diff:*)'",
	}
	for in, want := range tests {
		assert.Equal(t, want, ShellQuote(in), "input %q", in)
	}
}

func TestRemoteCommandLine(t *testing.T) {
	t.Parallel()

	cmd := Command{
		Path: "claude",
		Dir:  "/srv/my repo",
		Args: []string{"-p", "fix the bug", "--model", "opus"},
		Env:  map[string]string{"B": "2", "A": "one two"},
	}
	assert.Equal(t,
		`cd '/srv/my repo' && env -u CLAUDECODE -u CLAUDE_CODE_ENTRYPOINT 'A=one two' B=2 claude -p 'fix the bug' --model opus`,
		RemoteCommandLine(cmd))
}

func TestRemoteConfig_Addr(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "host:22", RemoteConfig{Host: "host"}.Addr())
	assert.Equal(t, "[::1]:2222", RemoteConfig{Host: "::1", Port: 2222}.Addr())
}
