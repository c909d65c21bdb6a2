package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultDialTimeout bounds the TCP connect and SSH handshake.
const DefaultDialTimeout = 15 * time.Second

// RemoteConfig describes an SSH endpoint.
type RemoteConfig struct {
	Host          string
	User          string
	KeyFile       string
	KeyPassphrase string
	Password      string
	// KnownHosts is a known_hosts file. When empty the host key is not
	// verified.
	KnownHosts  string
	Port        int
	DialTimeout time.Duration
	// UseAgent adds the keys of the ssh-agent at $SSH_AUTH_SOCK.
	UseAgent bool
}

// Addr returns host:port, defaulting the port to 22.
func (c RemoteConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Remote launches the agent with an SSH exec channel. Each Launch opens its
// own connection, closed when the process is terminated or exits.
type Remote struct {
	Logger *slog.Logger
	Config RemoteConfig
}

// Launch implements Launcher.
func (r *Remote) Launch(ctx context.Context, cmd Command) (Process, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := r.Config.Addr()

	clientCfg, closeAgent, err := r.clientConfig(logger)
	if err != nil {
		return nil, err
	}
	defer closeAgent()

	timeout := r.Config.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	clientCfg.Timeout = timeout

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, ClassifyConnectError(addr, err)
	}

	// The handshake has no context: bound it with a deadline and close the
	// connection if ctx ends first.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	canceled := !stop()
	if err != nil {
		_ = conn.Close()
		if canceled {
			return nil, ctx.Err()
		}
		return nil, ClassifyConnectError(addr, err)
	}
	if canceled {
		_ = sshConn.Close()
		return nil, ctx.Err()
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &SpawnError{Path: cmd.Path, Cause: err}
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = client.Close()
		return nil, &SpawnError{Path: cmd.Path, Cause: err}
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		_ = client.Close()
		return nil, &SpawnError{Path: cmd.Path, Cause: err}
	}
	// A nil Stdin reads from an empty buffer and sends EOF at once.
	if cmd.Input != nil {
		sess.Stdin = bytes.NewReader(cmd.Input)
	}

	line := RemoteCommandLine(cmd)
	if err := sess.Start(line); err != nil {
		_ = client.Close()
		return nil, &SpawnError{Path: cmd.Path, Cause: err}
	}
	logger.Debug("remote agent started", "addr", addr, "user", r.Config.User, "path", cmd.Path)

	p := &remoteProcess{
		client: client,
		sess:   sess,
		stdout: stdout,
		stderr: stderr,
	}
	return p, nil
}

func (r *Remote) clientConfig(logger *slog.Logger) (*ssh.ClientConfig, func(), error) {
	cfg := r.Config
	noop := func() {}
	var auth []ssh.AuthMethod

	if cfg.KeyFile != "" {
		signer, err := loadSigner(expandHome(cfg.KeyFile), cfg.KeyPassphrase)
		if err != nil {
			return nil, noop, err
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	closeAgent := noop
	if cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Warn("ssh-agent unavailable", "socket", sock, "error", err)
			} else {
				auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closeAgent = func() { _ = conn.Close() }
			}
		}
	}

	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		closeAgent()
		return nil, noop, fmt.Errorf("no SSH authentication method configured for %s", cfg.Addr())
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		cb, err := knownhosts.New(expandHome(cfg.KnownHosts))
		if err != nil {
			closeAgent()
			return nil, noop, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		logger.Warn("host key verification disabled", "addr", cfg.Addr())
	}

	return &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
	}, closeAgent, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return signer, nil
}

func expandHome(path string) string {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return path
}

type remoteProcess struct {
	stdout     io.Reader
	stderr     io.Reader
	client     *ssh.Client
	sess       *ssh.Session
	termOnce   sync.Once
	terminated atomic.Bool
}

func (p *remoteProcess) Stdout() io.Reader { return p.stdout }
func (p *remoteProcess) Stderr() io.Reader { return p.stderr }

func (p *remoteProcess) Wait() (int, error) {
	err := p.sess.Wait()
	defer p.client.Close()

	if p.terminated.Load() {
		return -1, ErrTerminated
	}
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		return 0, nil
	case errors.As(err, &exitErr):
		return exitErr.ExitStatus(), nil
	case errors.As(err, &missing):
		return -1, fmt.Errorf("connection closed before exit status: %w", err)
	default:
		return -1, err
	}
}

func (p *remoteProcess) Terminate() error {
	p.termOnce.Do(func() {
		p.terminated.Store(true)
		_ = p.sess.Signal(ssh.SIGTERM)
		_ = p.sess.Close()
		_ = p.client.Close()
	})
	return nil
}

// RemoteCommandLine renders cmd as a POSIX shell command line. The nested
// session variables are unset with env -u and cmd.Env is applied with
// env's NAME=value arguments.
func RemoteCommandLine(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(ShellQuote(cmd.Dir))
		b.WriteString(" && ")
	}
	b.WriteString("env")
	for _, name := range NestedSessionEnv {
		b.WriteString(" -u ")
		b.WriteString(name)
	}
	for _, k := range sortedKeys(cmd.Env) {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(k + "=" + cmd.Env[k]))
	}
	b.WriteByte(' ')
	b.WriteString(ShellQuote(cmd.Path))
	for _, a := range cmd.Args {
		b.WriteByte(' ')
		b.WriteString(ShellQuote(a))
	}
	return b.String()
}

// ShellQuote quotes s for a POSIX shell. Words made only of safe
// characters are returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !isShellSafe(r) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("@%+=:,./_-", r)
}
