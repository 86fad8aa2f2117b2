package transport

import (
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/holepunch/internal/protocol"
)

const (
	// BufferSize is the fixed receive buffer of every connection. A frame
	// (header + payload) must fit in it.
	BufferSize = 64 * 1024

	// MaxPayload is the largest payload a frame can carry.
	MaxPayload = BufferSize - protocol.HeaderLen
)

var ErrFrameTooLarge = errors.New("transport: frame exceeds receive buffer")

// frameBuffer accumulates bytes from a stream and splits them into frames.
// buf[:n] holds bytes received but not yet consumed as complete frames.
type frameBuffer struct {
	buf [BufferSize]byte
	n   int
}

// fill performs one read into the free tail of the buffer.
func (fb *frameBuffer) fill(r io.Reader) (int, error) {
	read, err := r.Read(fb.buf[fb.n:])
	fb.n += read
	return read, err
}

// drain hands every complete payload to fn in arrival order, then moves
// the incomplete remainder to the start of the buffer. The slice passed to
// fn is only valid for the duration of the call.
func (fb *frameBuffer) drain(fn func(payload []byte) error) error {
	off := 0
	for fb.n-off >= protocol.HeaderLen {
		size := protocol.FrameLen(fb.buf[off:])
		if size > MaxPayload {
			return fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, size)
		}
		end := off + protocol.HeaderLen + size
		if end > fb.n {
			break
		}
		if err := fn(fb.buf[off+protocol.HeaderLen : end]); err != nil {
			return err
		}
		off = end
	}
	if off > 0 {
		fb.n = copy(fb.buf[:], fb.buf[off:fb.n])
	}
	return nil
}
