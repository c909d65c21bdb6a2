package ndjson

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(f *Framer, chunks ...[]byte) []string {
	var lines []string
	for _, c := range chunks {
		lines = append(lines, f.Feed(c)...)
	}
	return append(lines, f.Finish()...)
}

func TestFramer_SplitsOnLFAndCRLF(t *testing.T) {
	t.Parallel()
	f := NewFramer()
	lines := feedAll(f, []byte("one\ntwo\r\nthree"))
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestFramer_RetainsUnterminatedTail(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	assert.Empty(t, f.Feed([]byte(`{"a":`)))
	assert.Equal(t, 5, f.Buffered())
	assert.Equal(t, []string{`{"a":1}`}, f.Feed([]byte("1}\n")))
	assert.Zero(t, f.Buffered())
}

func TestFramer_FinishFlushesLastLine(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	lines := f.Feed([]byte("{\"x\":1}\nlo"))
	assert.Equal(t, []string{`{"x":1}`}, lines)
	assert.Equal(t, []string{"lo"}, f.Finish())
	assert.True(t, f.Unterminated())
	assert.Nil(t, f.Finish())
	assert.Nil(t, f.Feed([]byte("late\n")))
}

func TestFramer_FinishAfterNewline(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	assert.Equal(t, []string{"done"}, f.Feed([]byte("done\n")))
	assert.Empty(t, f.Finish())
	assert.False(t, f.Unterminated())
}

func TestFramer_MultiByteSplitAcrossFeeds(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	word := []byte("héllo 世界\n")
	// Split inside the three-byte encoding of 世.
	cut := bytes.Index(word, []byte("世")) + 1

	assert.Empty(t, f.Feed(word[:cut]))
	assert.Equal(t, []string{"héllo 世界"}, f.Feed(word[cut:]))
}

func TestFramer_IncompleteCharacterAtEOF(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	world := []byte("世")
	assert.Empty(t, f.Feed(append([]byte("abc"), world[:2]...)))
	lines := f.Finish()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "abc�"))
	assert.True(t, utf8.ValidString(lines[0]))
}

func TestFramer_InvalidBytesBecomeReplacement(t *testing.T) {
	t.Parallel()
	f := NewFramer()
	assert.Equal(t, []string{"a�b"}, f.Feed([]byte("a\xffb\n")))
}

func TestFramer_ChunkingInvariance(t *testing.T) {
	t.Parallel()

	input := []byte("{\"type\":\"message_start\"}\r\n" +
		"plain text ünïcödé\n" +
		"\n" +
		"{\"text\":\"日本語のテキスト\"}\n" +
		"emoji 🎉🎉\r\n" +
		"tail without newline 😀")

	want := feedAll(NewFramer(), input)
	require.NotEmpty(t, want)

	for size := 1; size <= 17; size++ {
		f := NewFramer()
		var chunks [][]byte
		for i := 0; i < len(input); i += size {
			end := min(i+size, len(input))
			chunks = append(chunks, input[i:end])
		}
		assert.Equal(t, want, feedAll(f, chunks...), "chunk size %d", size)
	}

	// Every single split point, including mid-character and between \r and \n.
	for cut := 1; cut < len(input); cut++ {
		got := feedAll(NewFramer(), input[:cut], input[cut:])
		assert.Equal(t, want, got, "cut at %d", cut)
	}
}

func TestFramer_OverflowDropsLineAndResumes(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	chunk := bytes.Repeat([]byte("x"), 1024*1024)
	for i := 0; i < 11; i++ {
		assert.Empty(t, f.Feed(chunk))
		assert.LessOrEqual(t, f.Buffered(), MaxLineBuffer)
	}
	assert.Zero(t, f.Buffered())

	// The rest of the oversized record is skipped up to its newline.
	lines := f.Feed([]byte("still the big line\n{\"type\":\"result\"}\n"))
	assert.Equal(t, []string{`{"type":"result"}`}, lines)
	assert.Greater(t, f.Dropped(), int64(10*1024*1024))
}

func TestFramer_OverflowInSingleFeed(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	big := strings.Repeat("y", MaxLineBuffer+1)
	lines := f.Feed([]byte(big + "\nnext\n"))
	assert.Equal(t, []string{"next"}, lines)
	assert.Zero(t, f.Buffered())
}

func TestFramer_LineAtCeilingIsKept(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	exact := strings.Repeat("z", MaxLineBuffer)
	assert.Empty(t, f.Feed([]byte(exact)))
	assert.Equal(t, MaxLineBuffer, f.Buffered())
	lines := f.Feed([]byte("\n"))
	require.Len(t, lines, 1)
	assert.Len(t, lines[0], MaxLineBuffer)
}

func TestFramer_OverflowedTailNotFlushed(t *testing.T) {
	t.Parallel()
	f := NewFramer()

	f.Feed([]byte(strings.Repeat("q", MaxLineBuffer+10)))
	assert.Empty(t, f.Finish())
}
