package conn

import (
	"encoding/binary"
	"syscall"
	"testing"

	"github.com/armandparser/gofastkv/internal/metrics"
)

// fakeSocket simulates a stream socket's read/write behavior, including
// EAGAIN and short writes, without a real fd.
type fakeSocket struct {
	toRead    []byte
	readErr   error // returned once readPos reaches len(toRead), nil means EAGAIN
	readPos   int
	written   []byte
	writeStep int // max bytes accepted per write call, 0 means unlimited
	writeErr  error
	// writeLimit caps the total bytes write() will ever accept; once
	// reached, further calls return EAGAIN, simulating a socket send
	// buffer that's genuinely full rather than just a short write. Zero
	// means unlimited.
	writeLimit int
}

func (f *fakeSocket) read(p []byte) (int, error) {
	if f.readPos >= len(f.toRead) {
		if f.readErr != nil {
			return 0, f.readErr
		}
		return 0, syscall.EAGAIN
	}
	n := copy(p, f.toRead[f.readPos:])
	f.readPos += n
	return n, nil
}

func (f *fakeSocket) write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.writeLimit > 0 && len(f.written) >= f.writeLimit {
		return 0, syscall.EAGAIN
	}
	n := len(p)
	if f.writeStep > 0 && n > f.writeStep {
		n = f.writeStep
	}
	if f.writeLimit > 0 && len(f.written)+n > f.writeLimit {
		n = f.writeLimit - len(f.written)
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

func withFakeSocket(t *testing.T, sock *fakeSocket) {
	t.Helper()
	origRead, origWrite := rawRead, rawWrite
	rawRead = func(fd int, p []byte) (int, error) { return sock.read(p) }
	rawWrite = func(fd int, p []byte) (int, error) { return sock.write(p) }
	t.Cleanup(func() {
		rawRead = origRead
		rawWrite = origWrite
	})
}

func frame(payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

func echoHandler(payload []byte) ([]byte, bool) {
	return append([]byte(nil), payload...), true
}

func closingHandler([]byte) ([]byte, bool) {
	return nil, false
}

func TestHandleReadableWithRecorder(t *testing.T) {
	sock := &fakeSocket{toRead: frame([]byte("hello"))}
	withFakeSocket(t, sock)

	recs := metrics.NewRecorder()
	c := Acquire(1, echoHandler, recs)
	defer Release(c)

	c.HandleReadable() // must not panic with a live recorder wired in
}

func TestHandleReadableStagesReply(t *testing.T) {
	sock := &fakeSocket{toRead: frame([]byte("hello"))}
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()

	if c.State != Reading {
		t.Fatalf("state = %v, want Reading after a full drain", c.State)
	}
	want := frame([]byte("hello"))
	if string(sock.written) != string(want) {
		t.Fatalf("written = % x, want % x", sock.written, want)
	}
}

func TestHandleReadableEAGAINYields(t *testing.T) {
	sock := &fakeSocket{toRead: nil} // immediately EAGAIN
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if c.State != Reading {
		t.Fatalf("state = %v, want Reading (yielded on EAGAIN)", c.State)
	}
}

func TestHandleReadablePartialFrameWaits(t *testing.T) {
	full := frame([]byte("partial-test"))
	sock := &fakeSocket{toRead: full[:6]} // only the length prefix + 2 bytes
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if c.State != Reading {
		t.Fatalf("state = %v, want Reading while frame incomplete", c.State)
	}
	if c.rbufSize != 6 {
		t.Fatalf("rbufSize = %d, want 6 bytes buffered", c.rbufSize)
	}
}

func TestHandleReadableEOFCloses(t *testing.T) {
	// Force a genuine EOF (n=0, err=nil) rather than EAGAIN.
	origRead := rawRead
	rawRead = func(fd int, p []byte) (int, error) { return 0, nil }
	t.Cleanup(func() { rawRead = origRead })

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if c.State != Closed {
		t.Fatalf("state = %v, want Closed on EOF", c.State)
	}
}

func TestHandleReadableOversizedFrameCloses(t *testing.T) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 5_000_000) // > MaxMsg
	sock := &fakeSocket{toRead: buf[:]}
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if c.State != Closed {
		t.Fatalf("state = %v, want Closed for oversized frame", c.State)
	}
	if len(sock.written) != 0 {
		t.Fatalf("expected no reply bytes for a framing violation, got % x", sock.written)
	}
}

func TestHandleReadableFramingViolationCloses(t *testing.T) {
	sock := &fakeSocket{toRead: frame([]byte("bad"))}
	withFakeSocket(t, sock)

	c := Acquire(1, closingHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if c.State != Closed {
		t.Fatalf("state = %v, want Closed when handler rejects framing", c.State)
	}
	if len(sock.written) != 0 {
		t.Fatalf("expected no reply bytes, got % x", sock.written)
	}
}

func TestHandleWritableShortWritesDrainFully(t *testing.T) {
	sock := &fakeSocket{toRead: frame([]byte("abcdef")), writeStep: 3}
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable() // stages + flushes; short writes are retried within the same pass

	// Keep flushing until fully drained, simulating repeated writable events.
	for c.State == Writing {
		c.HandleWritable()
	}

	want := frame([]byte("abcdef"))
	if string(sock.written) != string(want) {
		t.Fatalf("written = % x, want % x", sock.written, want)
	}
	if c.State != Reading {
		t.Fatalf("state = %v, want Reading once drained", c.State)
	}
}

func TestPipeliningDrainsBufferedFramesWhenWritesCompleteSynchronously(t *testing.T) {
	// Two requests arrive in a single read. Each reply flush completes
	// synchronously (no write-buffer pressure), so one HandleReadable
	// call must answer both without waiting for further readiness events.
	both := append(frame([]byte("one")), frame([]byte("two"))...)
	sock := &fakeSocket{toRead: both}
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()

	want := append(frame([]byte("one")), frame([]byte("two"))...)
	if string(sock.written) != string(want) {
		t.Fatalf("written = % x, want both replies % x", sock.written, want)
	}
	if c.rbufSize != 0 {
		t.Fatalf("rbufSize = %d, want 0 once both frames are consumed", c.rbufSize)
	}
	if c.State != Reading {
		t.Fatalf("state = %v, want Reading", c.State)
	}
}

func TestPipeliningStopsAtOneReplyWhenWriteBlocks(t *testing.T) {
	// Same two pipelined requests, but the first reply's flush genuinely
	// blocks (send buffer full): only one reply may be in flight, so the
	// second, already-buffered frame must wait for the write to drain.
	// The send buffer takes only 3 of the first reply's 7 bytes.
	both := append(frame([]byte("one")), frame([]byte("two"))...)
	sock := &fakeSocket{toRead: both, writeLimit: 3}
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()

	want := frame([]byte("one"))[:3]
	if string(sock.written) != string(want) {
		t.Fatalf("written = % x, want only the start of the first reply % x", sock.written, want)
	}
	if c.State != Writing {
		t.Fatalf("state = %v, want Writing while the first reply is still draining", c.State)
	}
	if c.rbufSize != len(frame([]byte("two"))) {
		t.Fatalf("rbufSize = %d, want the second frame (%d bytes) still buffered", c.rbufSize, len(frame([]byte("two"))))
	}
}

func TestPipelinedSecondFrameAnsweredWithoutNewBytes(t *testing.T) {
	// Once the stalled first reply's flush finally drains on a later
	// writable event, a subsequent HandleReadable call must answer the
	// second frame purely from what's already buffered — no new bytes
	// ever arrive on the socket for it. The send buffer first takes only 3
	// of the first reply's 7 bytes.
	both := append(frame([]byte("one")), frame([]byte("two"))...)
	sock := &fakeSocket{toRead: both, writeLimit: 3}
	withFakeSocket(t, sock)

	c := Acquire(1, echoHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if c.State != Writing {
		t.Fatalf("state = %v, want Writing after the first reply stalls", c.State)
	}

	sock.writeLimit = 0 // the send buffer frees up
	c.HandleWritable()
	if c.State != Reading {
		t.Fatalf("state = %v, want Reading once the stalled reply drains", c.State)
	}

	c.HandleReadable() // sock.toRead is exhausted; a fresh read would EAGAIN

	want := append(frame([]byte("one")), frame([]byte("two"))...)
	if string(sock.written) != string(want) {
		t.Fatalf("written = % x, want both replies answered", sock.written)
	}
	if c.State != Reading {
		t.Fatalf("state = %v, want Reading", c.State)
	}
}

func TestEINTRRetries(t *testing.T) {
	calls := 0
	origRead := rawRead
	rawRead = func(fd int, p []byte) (int, error) {
		calls++
		if calls == 1 {
			return 0, syscall.EINTR
		}
		return copy(p, frame([]byte("x"))), nil
	}
	t.Cleanup(func() { rawRead = origRead })

	c := Acquire(1, closingHandler, nil)
	defer Release(c)

	c.HandleReadable()
	if calls < 2 {
		t.Fatalf("expected a retry after EINTR, got %d calls", calls)
	}
}
