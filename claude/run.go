package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bazelment/agentrelay/protocol"
	"github.com/bazelment/agentrelay/stream"
	"github.com/bazelment/agentrelay/transport"
)

// ErrEmptyPrompt is returned when Query is called without a prompt.
var ErrEmptyPrompt = errors.New("prompt is empty")

// BuildArgs assembles the CLI arguments for one non-interactive turn.
func BuildArgs(prompt string, cfg Config) []string {
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if cfg.Resume != "" {
		args = append(args, "--resume", cfg.Resume)
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(cfg.MaxTurns))
	}
	if cfg.PermissionMode != "" && cfg.PermissionMode != PermissionModeDefault {
		args = append(args, "--permission-mode", string(cfg.PermissionMode))
	}
	if cfg.SystemPrompt != "" {
		args = append(args, "--system-prompt", cfg.SystemPrompt)
	}
	for _, tool := range cfg.AllowedTools {
		if tool = strings.TrimSpace(tool); tool != "" {
			args = append(args, "--allowed-tools", tool)
		}
	}
	return append(args, cfg.ExtraArgs...)
}

// Command returns the transport command for prompt.
func Command(prompt string, cfg Config) transport.Command {
	path := cfg.CLIPath
	if path == "" {
		path = "claude"
	}
	return transport.Command{
		Path: path,
		Args: BuildArgs(prompt, cfg),
		Dir:  cfg.WorkDir,
		Env:  cfg.Env,
	}
}

func launcherFor(cfg Config, logger *slog.Logger) transport.Launcher {
	switch {
	case cfg.Launcher != nil:
		return cfg.Launcher
	case cfg.Remote != nil:
		return &transport.Remote{Config: *cfg.Remote, Logger: logger}
	default:
		return &transport.Local{Logger: logger}
	}
}

// Run starts one turn and returns the streaming session. The caller must
// drain Events until it is closed; cancelling ctx aborts the turn.
func Run(ctx context.Context, prompt string, opts ...Option) *stream.Session {
	cfg := NewConfig(opts...)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sopts := []stream.Option{
		stream.WithTimeout(cfg.Timeout),
		stream.WithMaxErrorLen(cfg.MaxErrorLen),
		stream.WithEventBuffer(cfg.EventBufferSize),
		stream.WithLogger(logger),
	}
	if cfg.StderrNoise != nil {
		sopts = append(sopts, stream.WithStderrNoise(cfg.StderrNoise...))
	}

	logger.Debug("starting claude turn", "model", cfg.Model, "resume", cfg.Resume, "remote", cfg.Remote != nil)
	return stream.Start(ctx, launcherFor(cfg, logger), Command(prompt, cfg), sopts...)
}

// QueryResult is the collected output of one turn.
type QueryResult struct {
	Result    *protocol.Result
	SessionID string
	Text      string
	Thinking  string
	Tools     []stream.ToolEvent
	Outcome   stream.Outcome
	ExitCode  int
}

// Query runs one turn to completion and collects its output. Defaults to
// PermissionModeBypass if no permission mode is specified.
//
// The result is returned even when err is non-nil so the session id of a
// failed turn can still be resumed.
func Query(ctx context.Context, prompt string, opts ...Option) (*QueryResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if NewConfig(opts...).PermissionMode == PermissionModeDefault {
		opts = append([]Option{WithPermissionMode(PermissionModeBypass)}, opts...)
	}

	var text, thinking strings.Builder
	res := &QueryResult{}
	done := new(stream.Handlers).
		OnText(func(s string) { text.WriteString(s) }).
		OnThinking(func(s string) { thinking.WriteString(s) }).
		OnTool(func(ev stream.ToolEvent) { res.Tools = append(res.Tools, ev) }).
		OnResult(func(ev stream.ResultEvent) {
			r := ev.Result
			res.Result = &r
		}).
		Consume(Run(ctx, prompt, opts...))

	res.Text = text.String()
	res.Thinking = thinking.String()
	res.SessionID = done.SessionID
	res.Outcome = done.Outcome
	res.ExitCode = done.ExitCode

	switch {
	case done.Outcome == stream.OutcomeAborted:
		if err := ctx.Err(); err != nil {
			return res, err
		}
		return res, stream.ErrAborted
	case done.Err != nil:
		return res, done.Err
	case done.Outcome == stream.OutcomeFailed:
		return res, fmt.Errorf("claude exited with code %d", done.ExitCode)
	case res.Result != nil && res.Result.IsError:
		return res, &ResultError{Subtype: res.Result.Subtype, Message: res.Result.Text}
	}
	return res, nil
}

// ResultError reports a turn whose result payload is flagged as an error.
type ResultError struct {
	Subtype string
	Message string
}

func (e *ResultError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("claude turn failed (%s): %s", e.Subtype, e.Message)
	}
	return fmt.Sprintf("claude turn failed (%s)", e.Subtype)
}
