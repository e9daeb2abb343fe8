package proxy

import (
	"bytes"
	"time"

	"github.com/any-hub/wsproxy/internal/stream"
)

const initialInboundSize = 8 * 1024

var headerTerminator = []byte("\r\n\r\n")

// connState 只由服务该连接的 goroutine 访问，因此不需要加锁。
type connState struct {
	id      string
	remote  string
	started time.Time

	inbound   []byte
	maxHeader int

	request *RequestLine
	key     string
	source  stream.Source

	pending []byte
	written int64
}

func newConnState(id, remote string, maxHeader int) *connState {
	return &connState{
		id:        id,
		remote:    remote,
		started:   time.Now(),
		inbound:   make([]byte, 0, initialInboundSize),
		maxHeader: maxHeader,
	}
}

// appendInbound grows the accumulator to max(2*cap, needed) when p does not fit.
func (c *connState) appendInbound(p []byte) {
	needed := len(c.inbound) + len(p)
	if needed > cap(c.inbound) {
		newCap := 2 * cap(c.inbound)
		if newCap < needed {
			newCap = needed
		}
		grown := make([]byte, len(c.inbound), newCap)
		copy(grown, c.inbound)
		c.inbound = grown
	}
	c.inbound = append(c.inbound, p...)
}

// headerComplete scans from the end so bytes sent after the header block
// cannot hide the terminator.
func (c *connState) headerComplete() bool {
	return bytes.LastIndex(c.inbound, headerTerminator) >= 0
}

func (c *connState) headerTooLarge() bool {
	return c.maxHeader > 0 && len(c.inbound) > c.maxHeader
}

func (c *connState) responseStarted() bool {
	return c.written > 0 || len(c.pending) > 0
}
