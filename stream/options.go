package stream

import (
	"log/slog"
	"time"
)

// Defaults for Session options.
const (
	DefaultMaxErrorLen = 1000
	DefaultMaxStderr   = 64 * 1024
	DefaultEventBuffer = 256
)

// DefaultStderrNoise lists substrings of stderr lines that are informational
// and never part of an error report.
var DefaultStderrNoise = []string{
	"MCP server",
	"[MCP]",
	"ExperimentalWarning",
	"DeprecationWarning",
	"--trace-warnings",
}

type options struct {
	logger      *slog.Logger
	stderrNoise []string
	timeout     time.Duration
	maxErrorLen int
	maxStderr   int
	eventBuffer int
}

func defaultOptions() options {
	return options{
		stderrNoise: DefaultStderrNoise,
		maxErrorLen: DefaultMaxErrorLen,
		maxStderr:   DefaultMaxStderr,
		eventBuffer: DefaultEventBuffer,
	}
}

// Option configures a Session.
type Option func(*options)

// WithTimeout sets a deadline for the whole session. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithStderrNoise replaces the list of stderr substrings that are dropped
// before an error report is built.
func WithStderrNoise(patterns ...string) Option {
	return func(o *options) {
		o.stderrNoise = patterns
	}
}

// WithMaxErrorLen bounds the stderr excerpt of an UpstreamError, in runes.
func WithMaxErrorLen(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxErrorLen = n
		}
	}
}

// WithMaxStderr bounds how much stderr is retained. The tail is kept.
func WithMaxStderr(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxStderr = n
		}
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.eventBuffer = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
