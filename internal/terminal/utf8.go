// ABOUTME: Streaming UTF-8 decode across frame boundaries, plus the replay ring
// ABOUTME: A rune split across two binary frames decodes once instead of as two errors

package terminal

import (
	"strings"
	"unicode/utf8"
)

// StreamDecoder decodes UTF-8 incrementally. Terminal output arrives in
// arbitrary binary frames, so a multi-byte rune can be cut at a frame
// boundary; the decoder holds the partial sequence until the next frame
// completes it. Truly invalid bytes decode to U+FFFD.
//
// The zero value is ready to use. Not safe for concurrent use.
type StreamDecoder struct {
	pending [utf8.UTFMax]byte
	n       int
}

// Decode consumes p and returns all fully decoded text. A trailing partial
// sequence is buffered for the next call.
func (d *StreamDecoder) Decode(p []byte) string {
	b := p
	if d.n > 0 {
		joined := make([]byte, 0, d.n+len(p))
		joined = append(joined, d.pending[:d.n]...)
		b = append(joined, p...)
		d.n = 0
	}

	var out strings.Builder
	out.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			if !utf8.FullRune(b) {
				// A valid prefix of a longer encoding. FullRune treats
				// invalid encodings as complete, so at most UTFMax-1 bytes
				// are ever held here.
				d.n = copy(d.pending[:], b)
				break
			}
			out.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		out.Write(b[:size])
		b = b[size:]
	}
	return out.String()
}

// Flush drains a buffered partial sequence as a single U+FFFD. Called when
// the stream ends mid-rune.
func (d *StreamDecoder) Flush() string {
	if d.n == 0 {
		return ""
	}
	d.n = 0
	return string(utf8.RuneError)
}

// Reset discards any buffered partial sequence without emitting a
// replacement character.
func (d *StreamDecoder) Reset() {
	d.n = 0
}

// replayRing keeps the tail of decoded terminal output for restore
// snapshots. Trimming happens at rune boundaries so a snapshot is always
// valid UTF-8. Callers synchronize access.
type replayRing struct {
	buf []byte
	max int
}

func newReplayRing(max int) *replayRing {
	return &replayRing{max: max}
}

func (r *replayRing) append(s string) {
	if s == "" {
		return
	}
	r.buf = append(r.buf, s...)
	if len(r.buf) <= r.max {
		return
	}
	cut := len(r.buf) - r.max
	for cut < len(r.buf) && !utf8.RuneStart(r.buf[cut]) {
		cut++
	}
	r.buf = append(r.buf[:0], r.buf[cut:]...)
}

// snapshot returns a copy of the buffered output, or nil when empty.
func (r *replayRing) snapshot() []byte {
	if len(r.buf) == 0 {
		return nil
	}
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

func (r *replayRing) reset() {
	r.buf = r.buf[:0]
}
