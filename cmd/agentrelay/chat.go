package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"github.com/spf13/cobra"

	"github.com/bazelment/agentrelay/claude"
	"github.com/bazelment/agentrelay/render"
)

var chatNoColor bool

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive conversation that resumes across turns",
	Long: `Chat reads prompts line by line and runs each as a turn that resumes
the previous session. Ctrl+C aborts the running turn, Ctrl+D exits.

Commands:
  /new      start a fresh session
  /session  print the current session id
  /exit     quit`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&runResume, "resume", "", "Session id to resume")
	chatCmd.Flags().StringVar(&runModel, "model", "", "Model to use (overrides config)")
	chatCmd.Flags().BoolVar(&chatNoColor, "no-color", false, "Disable colored output")
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "agentrelay", "chat_history")
}

func runChat(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := baseOptions(cfg, logger)
	if err != nil {
		return err
	}
	if runModel != "" {
		base = append(base, claude.WithModel(runModel))
	}

	history := historyFile()
	if history != "" {
		_ = os.MkdirAll(filepath.Dir(history), 0o755)
	}
	rl, err := readline.NewFromConfig(&readline.Config{
		Prompt:      "> ",
		HistoryFile: history,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	out := os.Stdout
	r := render.NewRenderer(os.Stdout, verbose, chatNoColor)
	sessionID := runResume

	for {
		line, err := rl.ReadLine()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		prompt := strings.TrimSpace(line)
		switch prompt {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			sessionID = ""
			fmt.Fprintln(out, "Started a new session.")
			continue
		case "/session":
			if sessionID == "" {
				fmt.Fprintln(out, "No session yet.")
			} else {
				fmt.Fprintln(out, sessionID)
			}
			continue
		}

		opts := base
		if sessionID != "" {
			opts = append(append([]claude.Option{}, base...), claude.WithResume(sessionID))
		}

		ctx, cancel := signalContext(cmd.Context())
		done := r.Handlers().Consume(claude.Run(ctx, prompt, opts...))
		cancel()

		if done.SessionID != "" {
			sessionID = done.SessionID
		}
	}
}
