// Package transport opens a byte channel to an agent process, either as a
// local subprocess or as a remote command over SSH.
package transport

import (
	"context"
	"io"
	"sort"
	"strings"
)

// Command describes one agent invocation.
type Command struct {
	// Env holds variables added to (or overriding) the inherited
	// environment.
	Env  map[string]string
	Path string
	Dir  string
	Args []string
	// Input is written to the process's stdin, which is then closed. A nil
	// Input closes stdin immediately.
	Input []byte
}

// String renders the command for logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// Process is a running agent.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. err is non-nil only when the
	// transport failed or the process was terminated, never for a non-zero
	// exit status.
	Wait() (exitCode int, err error)
	// Terminate stops the process and unblocks pending reads. Safe to call
	// more than once and concurrently with Wait.
	Terminate() error
}

// Launcher starts processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// NestedSessionEnv lists variables that make the agent CLI believe it runs
// inside another agent session. They are never passed to a child.
var NestedSessionEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

// ScrubEnv returns environ without NestedSessionEnv and without any key
// present in extra, followed by extra in key order.
func ScrubEnv(environ []string, extra map[string]string) []string {
	drop := make(map[string]bool, len(NestedSessionEnv)+len(extra))
	for _, k := range NestedSessionEnv {
		drop[k] = true
	}
	for k := range extra {
		drop[k] = true
	}

	out := make([]string, 0, len(environ)+len(extra))
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if drop[key] {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range sortedKeys(extra) {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
