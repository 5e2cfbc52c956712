// Package buffer implements the bounded per-session scrollback buffer.
//
// The buffer stores PTY output fragments in arrival order and enforces both
// a byte cap and a line cap by evicting whole fragments from the head. It is
// written by exactly one producer (the session's PTY reader) and replayed by
// any number of concurrent readers.
package buffer

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

const (
	// DefaultByteCap is the default maximum buffer size (500 KB).
	DefaultByteCap = 500 * 1024
	// DefaultLineCap is the default maximum number of retained lines.
	DefaultLineCap = 5000

	// maxFragment bounds the size of a single stored fragment. Large appends
	// are split so fragment-unit eviction can always satisfy the byte cap.
	maxFragment = 32 * 1024
)

// Buffer is a thread-safe bounded ring of output fragments.
type Buffer struct {
	mu       sync.Mutex
	frags    [][]byte
	curBytes int
	curLines int
	byteCap  int
	lineCap  int
}

// New creates a buffer with the given caps. Non-positive caps fall back to
// the defaults.
func New(byteCap, lineCap int) *Buffer {
	if byteCap <= 0 {
		byteCap = DefaultByteCap
	}
	if lineCap <= 0 {
		lineCap = DefaultLineCap
	}
	return &Buffer{byteCap: byteCap, lineCap: lineCap}
}

// Append copies p into the buffer, evicting the oldest fragments until both
// caps hold again. Appends larger than the fragment limit are split at UTF-8
// boundaries so eviction never cuts a code point.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(p) > 0 {
		n := b.fragmentLen(p)
		frag := make([]byte, n)
		copy(frag, p[:n])
		p = p[n:]

		b.frags = append(b.frags, frag)
		b.curBytes += len(frag)
		b.curLines += bytes.Count(frag, []byte{'\n'})
	}

	b.evictLocked()
}

// fragmentLen returns how many leading bytes of p form the next fragment.
// A fragment never exceeds the byte cap, the fragment size limit, or the
// line cap, so eviction down to a single fragment always satisfies both caps.
func (b *Buffer) fragmentLen(p []byte) int {
	limit := maxFragment
	if b.byteCap < limit {
		limit = b.byteCap
	}

	n := len(p)
	if n > limit {
		n = splitPoint(p, limit)
	}

	if bytes.Count(p[:n], []byte{'\n'}) > b.lineCap {
		// Cut just past the lineCap-th newline.
		seen := 0
		for i, c := range p[:n] {
			if c == '\n' {
				seen++
				if seen == b.lineCap {
					n = i + 1
					break
				}
			}
		}
	}
	return n
}

// splitPoint returns the largest index <= limit that does not split a UTF-8
// code point. A run of continuation bytes longer than a rune (binary data)
// is split at the limit as-is.
func splitPoint(p []byte, limit int) int {
	n := limit
	for n > 0 && n > limit-utf8.UTFMax && !utf8.RuneStart(p[n]) {
		n--
	}
	if n == 0 || n <= limit-utf8.UTFMax {
		return limit
	}
	return n
}

// evictLocked drops fragments from the head until both caps hold. The newest
// fragment is never evicted; by construction it cannot exceed the byte cap.
func (b *Buffer) evictLocked() {
	for len(b.frags) > 1 && (b.curBytes > b.byteCap || b.curLines > b.lineCap) {
		head := b.frags[0]
		b.frags = b.frags[1:]
		b.curBytes -= len(head)
		b.curLines -= bytes.Count(head, []byte{'\n'})
	}
}

// Replay returns copies of the buffered fragments in original arrival order.
func (b *Buffer) Replay() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.frags))
	for i, frag := range b.frags {
		cp := make([]byte, len(frag))
		copy(cp, frag)
		out[i] = cp
	}
	return out
}

// Snapshot returns the buffered contents concatenated into a single slice.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.curBytes)
	for _, frag := range b.frags {
		out = append(out, frag...)
	}
	return out
}

// Clear empties the buffer. The producing session is unaffected.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frags = nil
	b.curBytes = 0
	b.curLines = 0
}

// Len returns the current buffered byte count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curBytes
}

// Lines returns the current buffered line count.
func (b *Buffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.curLines
}
