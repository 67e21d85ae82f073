// Package conn implements the per-connection state machine: non-blocking
// read/write buffers and the Reading/Writing/Closed transitions driven by
// readiness events from the event loop.
package conn

import (
	"encoding/binary"
	"errors"
	"sync"
	"syscall"

	"github.com/armandparser/gofastkv/internal/metrics"
	"github.com/armandparser/gofastkv/internal/wire"
)

// State is one of the three FSM states a connection moves through.
type State int

const (
	Reading State = iota
	Writing
	Closed
)

func (s State) String() string {
	switch s {
	case Reading:
		return "reading"
	case Writing:
		return "writing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// bufCap is the fixed capacity of both the read and write buffers: the
// largest frame (4 + MaxMsg) that can legally arrive or be staged.
const bufCap = 4 + wire.MaxMsg

// Handler turns one request payload (the frame's bytes, not including the
// 4-byte length prefix) into a tagged-value-encoded reply payload. It is
// supplied by the dispatcher (C4) and must not block. ok is false when the
// payload violates the request framing (arg-count overflow, truncated
// argument, trailing garbage) — a desync that must close the connection
// without sending a reply.
type Handler func(payload []byte) (reply []byte, ok bool)

// Conn owns one accepted socket's buffers and FSM state. Reads, writes,
// and the keyspace it indirectly touches via Handler are only ever called
// from the single event-loop goroutine; no locking is required here.
type Conn struct {
	Fd    int
	State State

	rbuf     [bufCap]byte
	rbufSize int

	wbuf     [bufCap]byte
	wbufSize int
	wbufSent int

	handler Handler
	recs    *metrics.Recorder
}

var pool = sync.Pool{
	New: func() any { return new(Conn) },
}

// Acquire returns a Conn for fd, reused from a pool to avoid an allocation
// per accepted connection — the same amortization motive as the teacher's
// BytePool, generalized from byte slices to whole connection objects. recs
// may be nil, in which case byte counters are simply not recorded.
func Acquire(fd int, handler Handler, recs *metrics.Recorder) *Conn {
	c := pool.Get().(*Conn)
	c.Fd = fd
	c.State = Reading
	c.rbufSize = 0
	c.wbufSize = 0
	c.wbufSent = 0
	c.handler = handler
	c.recs = recs
	return c
}

// Release returns c to the pool. Callers must not touch c afterward.
func Release(c *Conn) {
	c.handler = nil
	c.recs = nil
	pool.Put(c)
}

// rawRead and rawWrite are swapped out in tests to simulate EAGAIN and
// partial I/O without a real socket.
var (
	rawRead  = syscall.Read
	rawWrite = syscall.Write
)

// HandleReadable drains every request it can, whether already sitting in
// rbuf from a prior read or freshly arrived from the socket. It returns
// when rbuf holds no complete frame and a fresh read would block, when
// the single-slot write buffer is still busy draining a reply (State ==
// Writing), or when the connection has moved to Closed.
func (c *Conn) HandleReadable() {
	for c.State == Reading {
		// Drain everything already buffered before touching the socket
		// again. A pipelined second request can arrive in the same
		// rawRead as the first; if the first reply's flush inside
		// stageReply completes synchronously, State lands back on
		// Reading with the second frame still sitting in rbuf and no new
		// bytes ever coming to signal that. Re-reading here would just
		// observe EAGAIN and strand that frame forever.
		for c.State == Reading && c.consumeRequests() {
		}
		if c.State != Reading {
			return
		}

		if c.rbufSize >= len(c.rbuf) {
			// Buffer full without a complete frame: the declared length
			// must have exceeded MaxMsg, a framing error.
			c.State = Closed
			return
		}

		n, err := rawRead(c.Fd, c.rbuf[c.rbufSize:])
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			c.State = Closed
			return
		}
		if n == 0 {
			// Clean EOF if nothing buffered, truncated request otherwise;
			// either way the connection is done.
			c.State = Closed
			return
		}

		if c.recs != nil {
			c.recs.BytesRead(n)
		}
		c.rbufSize += n
	}
}

// consumeRequests attempts to parse and dispatch one framed request out
// of rbuf. It reports whether a complete frame was available and
// processed; false means either rbuf doesn't hold a full frame yet (still
// Reading, caller must get more bytes) or the connection moved to Closed.
// After a processed frame the state is Writing if the reply has not fully
// drained, so the caller must check State before consuming again.
func (c *Conn) consumeRequests() bool {
	if c.rbufSize < 4 {
		return false // need more bytes for the length prefix
	}

	totalLen := binary.LittleEndian.Uint32(c.rbuf[0:4])
	if totalLen > wire.MaxMsg {
		c.State = Closed
		return false
	}
	if c.rbufSize < 4+int(totalLen) {
		return false // frame not fully buffered yet
	}

	payload := append([]byte(nil), c.rbuf[4:4+totalLen]...)
	reply, ok := c.handler(payload)

	// Compact: drop the consumed frame, shift any pipelined bytes down to
	// offset 0 so arbitrarily many requests per connection are supported.
	consumed := 4 + int(totalLen)
	remaining := c.rbufSize - consumed
	copy(c.rbuf[0:remaining], c.rbuf[consumed:c.rbufSize])
	c.rbufSize = remaining

	if !ok {
		c.State = Closed
		return false
	}

	c.stageReply(reply)
	return true
}

// stageReply writes reply into wbuf (already tag-encoded, without the
// frame length), prefixes it with the length, and attempts an immediate
// flush before yielding to the event loop.
func (c *Conn) stageReply(reply []byte) {
	binary.LittleEndian.PutUint32(c.wbuf[0:4], uint32(len(reply)))
	copy(c.wbuf[4:], reply)
	c.wbufSize = 4 + len(reply)
	c.wbufSent = 0
	c.State = Writing

	c.HandleWritable()
}

// HandleWritable drains wbuf. On a full drain it resets the write cursor
// and returns to Reading so further pipelined requests (if any survived
// compaction) can be processed by the next HandleReadable call.
func (c *Conn) HandleWritable() {
	for c.State == Writing && c.wbufSent < c.wbufSize {
		n, err := rawWrite(c.Fd, c.wbuf[c.wbufSent:c.wbufSize])
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				return
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			c.State = Closed
			return
		}
		if c.recs != nil {
			c.recs.BytesWritten(n)
		}
		c.wbufSent += n
	}

	if c.State == Writing && c.wbufSent >= c.wbufSize {
		c.wbufSize = 0
		c.wbufSent = 0
		c.State = Reading
	}
}
