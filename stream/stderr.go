package stream

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bazelment/agentrelay/internal/ndjson"
	"github.com/bazelment/agentrelay/protocol"
)

// stderrSink collects the agent's stderr. It keeps the last max bytes and
// remembers the first session id mentioned. It is written by the stderr
// reader and read by the session at finish.
type stderrSink struct {
	framer    *ndjson.Framer
	tail      []byte
	sessionID string
	max       int
	truncated bool
	mu        sync.Mutex
}

func newStderrSink(max int) *stderrSink {
	return &stderrSink{framer: ndjson.NewFramer(), max: max}
}

func (s *stderrSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail = append(s.tail, p...)
	if over := len(s.tail) - s.max; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
		s.truncated = true
	}
	if s.sessionID == "" {
		for _, line := range s.framer.Feed(p) {
			if id, ok := protocol.MatchSessionText(line); ok {
				s.sessionID = id
				break
			}
		}
	}
	return len(p), nil
}

// Snapshot returns the retained stderr and the session id found in it.
func (s *stderrSink) Snapshot() (tail string, sessionID string, truncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessionID == "" {
		for _, line := range s.framer.Finish() {
			if id, ok := protocol.MatchSessionText(line); ok {
				s.sessionID = id
				break
			}
		}
	}
	return strings.ToValidUTF8(string(s.tail), "�"), s.sessionID, s.truncated
}

// filterStderr drops blank lines and lines containing any noise pattern,
// then truncates what is left to maxRunes.
func filterStderr(stderr string, noise []string, maxRunes int) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || containsAny(line, noise) {
			continue
		}
		kept = append(kept, line)
	}
	return truncateRunes(strings.Join(kept, "\n"), maxRunes)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
