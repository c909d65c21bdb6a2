package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/render"
	"github.com/bazelment/agentrelay/server"
	"github.com/bazelment/agentrelay/stream"
)

var (
	runModel          string
	runResume         string
	runSystemPrompt   string
	runPermissionMode string
	runWorkDir        string
	runAllowedTools   []string
	runMaxTurns       int
	runTimeout        time.Duration
	runJSON           bool
	runNoColor        bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one turn and stream its output",
	Long: `Run sends a single prompt to the claude CLI and streams the reply.
The prompt is read from stdin when no argument is given. The resolved
session id is printed to stderr on exit so the turn can be resumed.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runModel, "model", "", "Model to use (overrides config)")
	f.StringVar(&runResume, "resume", "", "Session id to resume")
	f.StringVar(&runSystemPrompt, "system-prompt", "", "Custom system prompt")
	f.StringVar(&runPermissionMode, "permission-mode", "", "Permission mode: default, acceptEdits, plan, bypassPermissions")
	f.StringVar(&runWorkDir, "workdir", "", "Working directory for the CLI")
	f.StringSliceVar(&runAllowedTools, "allowed-tools", nil, "Tools the agent may use (repeatable)")
	f.IntVar(&runMaxTurns, "max-turns", 0, "Maximum agentic turns")
	f.DurationVar(&runTimeout, "timeout", 0, "Overall timeout (e.g. 5m)")
	f.BoolVar(&runJSON, "json", false, "Print events as JSON lines")
	f.BoolVar(&runNoColor, "no-color", false, "Disable colored output")
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args, os.Stdin)
	if err != nil {
		return err
	}

	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opts, err := baseOptions(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, runFlagOptions()...)

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	sess := claude.Run(ctx, prompt, opts...)
	var done stream.DoneEvent
	if runJSON {
		done = printJSON(os.Stdout, sess)
	} else {
		done = render.NewRenderer(os.Stdout, verbose, runNoColor).Handlers().Consume(sess)
	}

	if done.SessionID != "" {
		fmt.Fprintf(os.Stderr, "session: %s\n", done.SessionID)
	}
	switch {
	case done.Outcome == stream.OutcomeCompleted:
		return nil
	case done.Err != nil:
		return done.Err
	default:
		return fmt.Errorf("turn %s (exit %d)", done.Outcome, done.ExitCode)
	}
}

func runFlagOptions() []claude.Option {
	var opts []claude.Option
	if runModel != "" {
		opts = append(opts, claude.WithModel(runModel))
	}
	if runResume != "" {
		opts = append(opts, claude.WithResume(runResume))
	}
	if runSystemPrompt != "" {
		opts = append(opts, claude.WithSystemPrompt(runSystemPrompt))
	}
	if runPermissionMode != "" {
		opts = append(opts, claude.WithPermissionMode(claude.PermissionMode(runPermissionMode)))
	}
	if runWorkDir != "" {
		opts = append(opts, claude.WithWorkDir(runWorkDir))
	}
	if len(runAllowedTools) > 0 {
		opts = append(opts, claude.WithAllowedTools(runAllowedTools...))
	}
	if runMaxTurns > 0 {
		opts = append(opts, claude.WithMaxTurns(runMaxTurns))
	}
	if runTimeout > 0 {
		opts = append(opts, claude.WithTimeout(runTimeout))
	}
	return opts
}

// readPrompt joins args, or reads stdin when there are none and stdin is
// not a terminal.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.Join(args, " ")
	if prompt == "" || prompt == "-" {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return "", errors.New("no prompt given")
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt: %w", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", claude.ErrEmptyPrompt
	}
	return prompt, nil
}

// printJSON writes one server frame per event.
func printJSON(w io.Writer, sess *stream.Session) stream.DoneEvent {
	enc := json.NewEncoder(w)
	var done stream.DoneEvent
	for ev := range sess.Events() {
		if d, ok := ev.(stream.DoneEvent); ok {
			done = d
		}
		_ = enc.Encode(server.FrameFromEvent(ev))
	}
	return done
}
