// Package claude invokes the Claude Code CLI in non-interactive stream-json
// mode and exposes its output as a stream.Session.
package claude

import (
	"log/slog"
	"time"

	"github.com/bazelment/agentrelay/transport"
)

// PermissionMode controls tool execution approval.
type PermissionMode string

const (
	// PermissionModeDefault leaves the CLI's own default in place.
	PermissionModeDefault PermissionMode = "default"
	// PermissionModeAcceptEdits auto-approves file modifications.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	// PermissionModePlan reviews plan before execution.
	PermissionModePlan PermissionMode = "plan"
	// PermissionModeBypass auto-approves all tools (use with caution).
	PermissionModeBypass PermissionMode = "bypassPermissions"
)

// Config holds invocation configuration.
type Config struct {
	// Launcher overrides how the CLI is started. When nil, Remote selects
	// an SSH launcher and otherwise the CLI runs locally.
	Launcher transport.Launcher

	// Remote runs the CLI over SSH when set.
	Remote *transport.RemoteConfig

	Logger *slog.Logger

	// Env is added to the CLI's environment.
	Env map[string]string

	// CLIPath is the CLI binary (uses "claude" in PATH if empty).
	CLIPath string

	// Model to use: "haiku", "sonnet", "opus" or a full model name. Empty
	// leaves the CLI default.
	Model string

	// Resume is the session ID to continue.
	Resume string

	SystemPrompt   string
	PermissionMode PermissionMode

	// WorkDir is the directory the CLI runs in.
	WorkDir string

	// AllowedTools are passed as separate --allowed-tools arguments.
	AllowedTools []string

	// ExtraArgs are appended after all generated flags.
	ExtraArgs []string

	// StderrNoise replaces stream.DefaultStderrNoise when non-nil.
	StderrNoise []string

	// MaxTurns limits agentic turns. Zero means no limit.
	MaxTurns int

	// Timeout bounds the whole invocation. Zero means no limit.
	Timeout time.Duration

	// MaxErrorLen bounds stderr excerpts in errors (default 1000).
	MaxErrorLen int

	// EventBufferSize is the event channel buffer size (default 256).
	EventBufferSize int
}

// Option is a functional option for configuring an invocation.
type Option func(*Config)

// WithModel sets the model to use.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithResume continues a previous conversation.
func WithResume(sessionID string) Option {
	return func(c *Config) {
		c.Resume = sessionID
	}
}

// WithMaxTurns limits the number of agentic turns.
func WithMaxTurns(n int) Option {
	return func(c *Config) {
		c.MaxTurns = n
	}
}

// WithAllowedTools restricts the tools the agent may use. Each entry is
// passed as its own argument.
func WithAllowedTools(tools ...string) Option {
	return func(c *Config) {
		c.AllowedTools = append(c.AllowedTools, tools...)
	}
}

// WithPermissionMode sets the permission mode.
func WithPermissionMode(mode PermissionMode) Option {
	return func(c *Config) {
		c.PermissionMode = mode
	}
}

// WithSystemPrompt sets a custom system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *Config) {
		c.SystemPrompt = prompt
	}
}

// WithWorkDir sets the working directory.
func WithWorkDir(dir string) Option {
	return func(c *Config) {
		c.WorkDir = dir
	}
}

// WithCLIPath sets a custom CLI binary path.
func WithCLIPath(path string) Option {
	return func(c *Config) {
		c.CLIPath = path
	}
}

// WithEnv adds a variable to the CLI's environment.
func WithEnv(key, value string) Option {
	return func(c *Config) {
		if c.Env == nil {
			c.Env = make(map[string]string)
		}
		c.Env[key] = value
	}
}

// WithExtraArgs appends raw CLI arguments.
func WithExtraArgs(args ...string) Option {
	return func(c *Config) {
		c.ExtraArgs = append(c.ExtraArgs, args...)
	}
}

// WithTimeout bounds the whole invocation.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.Timeout = d
	}
}

// WithStderrNoise replaces the stderr lines treated as informational.
func WithStderrNoise(patterns ...string) Option {
	return func(c *Config) {
		c.StderrNoise = patterns
	}
}

// WithMaxErrorLen bounds stderr excerpts in errors.
func WithMaxErrorLen(n int) Option {
	return func(c *Config) {
		c.MaxErrorLen = n
	}
}

// WithEventBufferSize sets the event channel buffer size.
func WithEventBufferSize(size int) Option {
	return func(c *Config) {
		c.EventBufferSize = size
	}
}

// WithRemote runs the CLI on another host over SSH.
func WithRemote(cfg transport.RemoteConfig) Option {
	return func(c *Config) {
		c.Remote = &cfg
	}
}

// WithLauncher overrides how the CLI is started.
func WithLauncher(l transport.Launcher) Option {
	return func(c *Config) {
		c.Launcher = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		CLIPath:         "claude",
		PermissionMode:  PermissionModeDefault,
		MaxErrorLen:     1000,
		EventBufferSize: 256,
	}
}

// NewConfig applies opts to the default configuration.
func NewConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
