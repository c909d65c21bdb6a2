package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/bazelment/agentrelay/transport"
)

// ErrAborted marks a session ended by its caller. It is never delivered as
// an ErrorEvent; callers see it only through OutcomeAborted.
var ErrAborted = errors.New("session aborted")

// TransportError wraps a failure to launch the agent or a lost connection.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// UpstreamError reports a non-zero exit with meaningful stderr. Stderr is
// noise-filtered and truncated.
type UpstreamError struct {
	Stderr   string
	ExitCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("agent exited with code %d: %s", e.ExitCode, e.Stderr)
}

// TimeoutError reports that the session deadline expired.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent timed out after %s", e.After)
}

// IsRecoverable reports whether retrying the same invocation may succeed.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}

	var notFound *transport.CLINotFoundError
	if errors.As(err, &notFound) {
		return false
	}

	var connErr *transport.ConnectError
	if errors.As(err, &connErr) {
		switch connErr.Kind {
		case transport.ConnectAuthFailed, transport.ConnectHostKey, transport.ConnectUnresolvable:
			return false
		}
		return true
	}

	if errors.Is(err, ErrAborted) {
		return false
	}

	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return false
	}

	// Timeouts and dropped connections.
	return true
}
