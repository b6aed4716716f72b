// Package scaleproto implements the scale raw-socket FrameCodec:
// delimiter-based frame splitting, grounded on the accumulate-then-scan
// idiom of internal/serial/codec.go's DecodeStream (preamble search and
// buffer compaction), generalized from a fixed preamble to an
// arbitrary, template-supplied delimiter.
package scaleproto

import (
	"bytes"
)

// DefaultDelimiter is used when a template does not specify one.
var DefaultDelimiter = []byte("\r\n")

// Codec splits a byte stream into delimited raw frames. It is
// stateless; callers own the accumulation buffer so multiple devices
// can share the same Codec value concurrently.
type Codec struct{}

// CompactBuffer reclaims consumed prefix capacity once the buffer has
// grown large relative to its unread bytes: when its capacity is at
// least 1024 bytes and the unread bytes fill less than a quarter of it,
// they move into a right-sized backing array. Unread bytes are never
// dropped, so data that never contains a delimiter keeps accumulating.
func CompactBuffer(b *bytes.Buffer) bool {
	if b.Cap() < 1024 || b.Len()*4 >= b.Cap() {
		return false
	}
	clone := make([]byte, b.Len())
	copy(clone, b.Bytes())
	*b = *bytes.NewBuffer(clone)
	return true
}

// DecodeStream extracts complete delimited frames from in, invoking out
// for each one (delimiter stripped). Incomplete trailing data is left
// in the buffer for the next call.
func (Codec) DecodeStream(in *bytes.Buffer, delimiter []byte, out func(frame []byte)) {
	if len(delimiter) == 0 {
		delimiter = DefaultDelimiter
	}
	for {
		data := in.Bytes()
		idx := bytes.Index(data, delimiter)
		if idx < 0 {
			CompactBuffer(in)
			return
		}
		frame := make([]byte, idx)
		copy(frame, data[:idx])
		in.Next(idx + len(delimiter))
		out(frame)
	}
}
