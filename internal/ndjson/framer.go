// Package ndjson splits an agent's stdout byte stream into newline-delimited
// records.
//
// Bytes are decoded as UTF-8 before framing. A multi-byte character split
// across two reads is carried over instead of being replaced, so the lines
// produced never depend on how the transport chunked the stream.
package ndjson

import (
	"bytes"
	"errors"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// MaxLineBuffer caps the decoded, not yet terminated, content a Framer holds.
const MaxLineBuffer = 10 * 1024 * 1024

const decodeChunk = 32 * 1024

// Framer turns arbitrary byte chunks into complete lines.
//
// When an unterminated line would grow past MaxLineBuffer the buffered
// content is released and everything up to and including the next newline
// is discarded. Losing one oversized record is preferred to unbounded
// memory growth.
//
// A Framer is not safe for concurrent use.
type Framer struct {
	dec        transform.Transformer
	carry      []byte // undecoded tail: an incomplete UTF-8 sequence
	buf        []byte // decoded bytes of the current, unterminated line
	scratch    []byte
	discarding bool
	dropped    int64
	finished   bool
	// unterminated is set when Finish returned a line with no newline.
	unterminated bool
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{
		dec:     unicode.UTF8.NewDecoder(),
		scratch: make([]byte, decodeChunk),
	}
}

// Feed decodes p and returns every line it completes, without the trailing
// "\n" or "\r\n".
func (f *Framer) Feed(p []byte) []string {
	if f.finished || len(p) == 0 {
		return nil
	}
	var src []byte
	if len(f.carry) > 0 {
		src = append(f.carry, p...)
		f.carry = nil
	} else {
		src = p
	}
	return f.decode(src, false)
}

// Finish flushes any carried partial character and returns the final,
// possibly unterminated, line. Later calls return nil.
func (f *Framer) Finish() []string {
	if f.finished {
		return nil
	}
	var lines []string
	if len(f.carry) > 0 {
		src := f.carry
		f.carry = nil
		lines = f.decode(src, true)
	}
	f.finished = true

	if !f.discarding && len(f.buf) > 0 {
		lines = append(lines, trimCR(f.buf))
		f.unterminated = true
	}
	f.buf = nil
	f.discarding = false
	return lines
}

// Unterminated reports whether the last line returned by Finish had no
// trailing newline.
func (f *Framer) Unterminated() bool {
	return f.unterminated
}

// Buffered reports the number of decoded bytes waiting for a newline.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped reports how many decoded bytes the overflow policy discarded.
func (f *Framer) Dropped() int64 {
	return f.dropped
}

func (f *Framer) decode(src []byte, atEOF bool) []string {
	var lines []string
	for len(src) > 0 {
		nDst, nSrc, err := f.dec.Transform(f.scratch, src, atEOF)
		lines = f.frame(f.scratch[:nDst], lines)
		src = src[nSrc:]

		switch {
		case err == nil:
			if nSrc == 0 && nDst == 0 {
				return lines
			}
		case errors.Is(err, transform.ErrShortDst):
		case errors.Is(err, transform.ErrShortSrc):
			f.carry = append([]byte(nil), src...)
			return lines
		default:
			// The UTF-8 decoder replaces bad input rather than failing.
			return lines
		}
	}
	return lines
}

func (f *Framer) frame(decoded []byte, lines []string) []string {
	for len(decoded) > 0 {
		i := bytes.IndexByte(decoded, '\n')
		if i < 0 {
			f.appendPartial(decoded)
			return lines
		}

		segment := decoded[:i]
		decoded = decoded[i+1:]

		if f.discarding {
			f.dropped += int64(len(segment)) + 1
			f.discarding = false
			continue
		}
		if len(f.buf)+len(segment) > MaxLineBuffer {
			f.dropped += int64(len(f.buf)+len(segment)) + 1
			f.buf = nil
			continue
		}

		if len(f.buf) == 0 {
			lines = append(lines, trimCR(segment))
			continue
		}
		f.buf = append(f.buf, segment...)
		lines = append(lines, trimCR(f.buf))
		f.buf = f.buf[:0]
	}
	return lines
}

func (f *Framer) appendPartial(p []byte) {
	if f.discarding {
		f.dropped += int64(len(p))
		return
	}
	if len(f.buf)+len(p) > MaxLineBuffer {
		f.dropped += int64(len(f.buf) + len(p))
		f.buf = nil
		f.discarding = true
		return
	}
	f.buf = append(f.buf, p...)
}

func trimCR(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return string(b)
}
