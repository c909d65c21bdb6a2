package protocol

import (
	"regexp"
	"strings"
)

// sessionTextPattern matches the ways the CLI mentions a session in
// human-readable output: "Session: <id>", "session id: <id>",
// "session_id=<id>" and "Resuming session <id>".
var sessionTextPattern = regexp.MustCompile(
	`(?i)(?:resuming\s+session|session[ _-]?id\s*[:=]|session\s*:)\s*["']?([a-z0-9][a-z0-9-]{3,})`,
)

// minHexID is the shortest digit-free candidate accepted as an id.
const minHexID = 8

// MatchSessionText extracts a session identifier from free-form text. A
// candidate must contain a digit or be at least minHexID hex characters,
// so that prose such as "Session: unknown" is not mistaken for an id.
func MatchSessionText(s string) (string, bool) {
	for _, m := range sessionTextPattern.FindAllStringSubmatch(s, -1) {
		id := strings.TrimRight(m[1], "-")
		if strings.ContainsAny(id, "0123456789") || isHexID(id) {
			return id, true
		}
	}
	return "", false
}

func isHexID(id string) bool {
	n := 0
	for _, c := range strings.ToLower(id) {
		switch {
		case c == '-':
		case c >= 'a' && c <= 'f':
			n++
		default:
			return false
		}
	}
	return n >= minHexID
}
