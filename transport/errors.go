package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrTerminated is returned by Process.Wait after Terminate was called.
var ErrTerminated = errors.New("process terminated")

// CLINotFoundError indicates the agent binary could not be found.
type CLINotFoundError struct {
	Cause error
	Path  string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("agent CLI not found at %q: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Cause
}

// SpawnError indicates the process could not be started.
type SpawnError struct {
	Cause error
	Path  string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Cause)
}

func (e *SpawnError) Unwrap() error {
	return e.Cause
}

// ConnectKind classifies a remote connection failure.
type ConnectKind int

const (
	ConnectOther ConnectKind = iota
	ConnectRefused
	ConnectUnresolvable
	ConnectTimedOut
	ConnectAuthFailed
	ConnectHostKey
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectRefused:
		return "refused"
	case ConnectUnresolvable:
		return "unresolvable"
	case ConnectTimedOut:
		return "timed_out"
	case ConnectAuthFailed:
		return "auth_failed"
	case ConnectHostKey:
		return "host_key"
	default:
		return "other"
	}
}

// ConnectError is a classified failure to reach a remote host.
type ConnectError struct {
	Cause error
	Addr  string
	Kind  ConnectKind
}

func (e *ConnectError) Error() string {
	switch e.Kind {
	case ConnectRefused:
		return fmt.Sprintf("connection to %s refused (is sshd running on that port?)", e.Addr)
	case ConnectUnresolvable:
		return fmt.Sprintf("cannot resolve host %s", hostOnly(e.Addr))
	case ConnectTimedOut:
		return fmt.Sprintf("connection to %s timed out", e.Addr)
	case ConnectAuthFailed:
		return fmt.Sprintf("authentication to %s failed: check the user name and credentials", e.Addr)
	case ConnectHostKey:
		return fmt.Sprintf("host key verification for %s failed: %v", e.Addr, e.Cause)
	default:
		return fmt.Sprintf("cannot connect to %s: %v", e.Addr, e.Cause)
	}
}

func (e *ConnectError) Unwrap() error {
	return e.Cause
}

// ClassifyConnectError wraps err in a ConnectError with the best matching
// kind. It returns nil for a nil err.
func ClassifyConnectError(addr string, err error) *ConnectError {
	if err == nil {
		return nil
	}
	return &ConnectError{Kind: classify(err), Addr: addr, Cause: err}
}

func classify(err error) ConnectKind {
	var dnsErr *net.DNSError
	var keyErr *knownhosts.KeyError
	var revokedErr *knownhosts.RevokedError
	var netErr net.Error

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return ConnectRefused
	case errors.As(err, &dnsErr):
		if dnsErr.IsTimeout {
			return ConnectTimedOut
		}
		return ConnectUnresolvable
	case errors.As(err, &keyErr), errors.As(err, &revokedErr):
		return ConnectHostKey
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.As(err, &netErr) && netErr.Timeout():
		return ConnectTimedOut
	}

	// x/crypto/ssh reports handshake auth failures only as text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return ConnectAuthFailed
	case strings.Contains(msg, "connection refused"):
		return ConnectRefused
	}
	return ConnectOther
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
