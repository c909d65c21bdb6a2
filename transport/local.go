package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bazelment/agentrelay/internal/procattr"
)

// DefaultGracePeriod is how long Terminate waits after SIGTERM before
// sending SIGKILL.
const DefaultGracePeriod = 500 * time.Millisecond

// Local launches the agent as a subprocess in its own process group.
type Local struct {
	Logger      *slog.Logger
	GracePeriod time.Duration
}

// Launch implements Launcher.
func (l *Local) Launch(ctx context.Context, cmd Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return nil, &CLINotFoundError{Path: cmd.Path, Cause: err}
	}

	// Own pipes rather than StdoutPipe: Wait may then run concurrently
	// with reads, and Terminate can close the read ends.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: path, Cause: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, &SpawnError{Path: path, Cause: err}
	}

	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = ScrubEnv(os.Environ(), cmd.Env)
	c.Stdout = stdoutW
	c.Stderr = stderrW
	if cmd.Input != nil {
		c.Stdin = bytes.NewReader(cmd.Input)
	}
	procattr.Set(c)

	if err := c.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, &SpawnError{Path: path, Cause: err}
	}
	closeAll(stdoutW, stderrW)

	grace := l.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	p := &localProcess{
		cmd:    c,
		stdout: stdoutR,
		stderr: stderrR,
		grace:  grace,
		exited: make(chan struct{}),
	}
	go p.reap()

	logger.Debug("agent process started", "pid", c.Process.Pid, "path", path, "args", len(cmd.Args))
	return p, nil
}

type localProcess struct {
	waitErr    error
	cmd        *exec.Cmd
	stdout     *os.File
	stderr     *os.File
	exited     chan struct{}
	grace      time.Duration
	exitCode   int
	termOnce   sync.Once
	terminated atomic.Bool
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) reap() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		p.waitErr = err
	}
	close(p.exited)
}

func (p *localProcess) Wait() (int, error) {
	<-p.exited
	if p.terminated.Load() {
		return p.exitCode, ErrTerminated
	}
	return p.exitCode, p.waitErr
}

func (p *localProcess) Terminate() error {
	p.termOnce.Do(func() {
		select {
		case <-p.exited:
		default:
			p.terminated.Store(true)
		}
		procattr.Stop(p.cmd.Process, p.exited, p.grace)
		closeAll(p.stdout, p.stderr)
	})
	return nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
