package transport

import (
	"io"

	"github.com/1ureka/holepunch/internal/protocol"
	"github.com/1ureka/holepunch/internal/util"
)

const sendBufferSize = 64 // outgoing frame channel capacity

type outgoing struct {
	msg   protocol.Message
	frame []byte
}

// writeLoop is the single-writer goroutine of a connection. It drains the
// inbox in queue order until the connection is closed.
func (c *Conn) writeLoop(w io.Writer) {
	for {
		select {
		case out := <-c.inbox:
			n, err := w.Write(out.frame)
			if err != nil {
				util.LogDebug("%s write %s failed: %v", c.tag, protocol.Name(out.msg.Type()), err)
				c.finish(false)
				return
			}
			if n == 0 {
				c.finish(true)
				return
			}

			util.Stats.AddSent(n)
			util.Stats.AddFrameSent()
			c.emitSent(out.msg, n)
		case <-c.done:
			return
		}
	}
}
