// Package render writes a session's events to a terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bazelment/agentrelay/protocol"
	"github.com/bazelment/agentrelay/stream"
)

const defaultWidth = 100

type styles struct {
	thinking lipgloss.Style
	tool     lipgloss.Style
	status   lipgloss.Style
	success  lipgloss.Style
	failure  lipgloss.Style
}

func newStyles(lr *lipgloss.Renderer) styles {
	return styles{
		thinking: lr.NewStyle().Faint(true).Italic(true),
		tool:     lr.NewStyle().Foreground(lipgloss.Color("6")),
		status:   lr.NewStyle().Foreground(lipgloss.Color("8")),
		success:  lr.NewStyle().Foreground(lipgloss.Color("2")),
		failure:  lr.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

// Renderer prints events as they arrive. Text is written verbatim so
// partial output appears immediately.
type Renderer struct {
	out     io.Writer
	styles  styles
	width   int
	mu      sync.Mutex
	verbose bool
	noColor bool
	// lineOpen is set when the last write did not end in a newline.
	lineOpen   bool
	inThinking bool
}

// NewRenderer creates a renderer writing to out. Colours are disabled
// when noColor is set or out is not a terminal. Verbose adds session id
// and rate-limit lines.
func NewRenderer(out io.Writer, verbose, noColor bool) *Renderer {
	width := defaultWidth
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	} else {
		noColor = true
	}
	lr := lipgloss.NewRenderer(out)
	if !noColor {
		lr.SetColorProfile(termenv.ANSI256)
	}
	return &Renderer{
		out:     out,
		styles:  newStyles(lr),
		width:   width,
		verbose: verbose,
		noColor: noColor,
	}
}

// SetWidth overrides the detected terminal width.
func (r *Renderer) SetWidth(w int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w > 0 {
		r.width = w
	}
}

// paint styles s line by line so multi-line chunks are not padded.
func (r *Renderer) paint(st lipgloss.Style, s string) string {
	if r.noColor || s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = st.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

func (r *Renderer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.lineOpen = !strings.HasSuffix(s, "\n")
}

// statusLine starts on a fresh line.
func (r *Renderer) statusLine(st lipgloss.Style, s string) {
	if r.lineOpen {
		r.write("\n")
	}
	r.inThinking = false
	r.write(r.paint(st, s) + "\n")
}

// Text prints streaming text.
func (r *Renderer) Text(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inThinking {
		r.write("\n")
		r.inThinking = false
	}
	r.write(text)
}

// Thinking prints reasoning text dim and italic.
func (r *Renderer) Thinking(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.write(r.paint(r.styles.thinking, text))
	r.inThinking = true
}

// Tool prints one line per tool invocation, truncated to the width.
func (r *Renderer) Tool(ev stream.ToolEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head := "[Tool] " + ev.Name
	input := strings.Join(strings.Fields(ev.Input), " ")
	line := head
	if input != "" {
		room := r.width - runewidth.StringWidth(head) - 1
		if room > 3 {
			line += " " + runewidth.Truncate(input, room, "...")
		}
	}
	r.statusLine(r.styles.tool, line)
}

// RateLimit prints rate-limit info in verbose mode.
func (r *Renderer) RateLimit(info json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.verbose {
		return
	}
	r.statusLine(r.styles.status, "[Rate limit] "+truncate(string(info), r.width-13))
}

// Result prints a one-line turn summary.
func (r *Renderer) Result(res protocol.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parts := []string{}
	if res.Subtype != "" {
		parts = append(parts, res.Subtype)
	}
	if res.NumTurns > 0 {
		parts = append(parts, fmt.Sprintf("%d turns", res.NumTurns))
	}
	if res.TotalCostUSD > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f", res.TotalCostUSD))
	}
	if res.DurationMs > 0 {
		parts = append(parts, fmt.Sprintf("%.1fs", float64(res.DurationMs)/1000))
	}
	st := r.styles.success
	mark := "✓"
	if res.IsError {
		st = r.styles.failure
		mark = "✗"
	}
	r.statusLine(st, fmt.Sprintf("%s %s", mark, strings.Join(parts, " · ")))
}

// SessionID prints the resolved session id in verbose mode.
func (r *Renderer) SessionID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.verbose {
		r.statusLine(r.styles.status, "[session="+id+"]")
	}
}

// Error prints an error.
func (r *Renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.statusLine(r.styles.failure, "[Error] "+err.Error())
}

// Done closes the output of a session.
func (r *Renderer) Done(ev stream.DoneEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Outcome {
	case stream.OutcomeCompleted:
		if r.lineOpen {
			r.write("\n")
		}
	case stream.OutcomeAborted:
		r.statusLine(r.styles.status, "[Aborted]")
	default:
		// The cause was already printed by Error.
		if ev.Err == nil {
			r.statusLine(r.styles.failure, fmt.Sprintf("[Done] %s (exit %d)", ev.Outcome, ev.ExitCode))
		} else if r.lineOpen {
			r.write("\n")
		}
	}
}

// Handlers returns callbacks that route every event to r.
func (r *Renderer) Handlers() *stream.Handlers {
	return new(stream.Handlers).
		OnText(r.Text).
		OnThinking(r.Thinking).
		OnTool(r.Tool).
		OnRateLimit(r.RateLimit).
		OnResult(func(ev stream.ResultEvent) { r.Result(ev.Result) }).
		OnSessionID(r.SessionID).
		OnError(r.Error).
		OnDone(r.Done)
}

// truncate cuts s to max display columns.
func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	return runewidth.Truncate(s, max, "...")
}
