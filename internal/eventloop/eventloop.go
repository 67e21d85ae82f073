// Package eventloop implements the single-threaded, readiness-based
// accept/read/write loop described by the spec: one OS thread, one epoll
// instance, non-blocking sockets, and no locking around the keyspace
// because only this goroutine ever touches it.
package eventloop

import (
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/armandparser/gofastkv/internal/conn"
	"github.com/armandparser/gofastkv/internal/metrics"
)

// defaultPollTimeout is the epoll_wait timeout used when Config.PollTimeout
// is zero. A poll that times out with no ready fds runs Config.OnTick.
const defaultPollTimeout = time.Second

// Loop owns the listening socket, the epoll instance, and the token→Conn
// map. It runs entirely on the goroutine that calls Run.
type Loop struct {
	epfd        int
	listenFd    int
	conns       map[int32]*conn.Conn
	newHandler  func() conn.Handler
	recs        *metrics.Recorder
	pollTimeout time.Duration
	onTick      func()
}

// Config bundles the parameters Run needs beyond the listening fd.
type Config struct {
	// NewHandler is called once per accepted connection to produce the
	// conn.Handler that will service it. Handlers may share state (e.g.
	// a single *dispatch.Dispatcher over one keyspace) since everything
	// runs on this one goroutine.
	NewHandler func() conn.Handler
	Recorder   *metrics.Recorder
	// PollTimeout overrides defaultPollTimeout; zero means use the default.
	PollTimeout time.Duration
	// OnTick runs once per poll cycle that returns with no ready fds —
	// the liveness tick the spec reserves for future periodic
	// maintenance. Used today to publish the live key count. May be nil.
	OnTick func()
}

// New creates a Loop bound to an already-listening, non-blocking socket
// fd. Socket creation and binding are bootstrap plumbing (out of scope
// per the spec) and live in cmd/gofastd.
func New(listenFd int, cfg Config) (*Loop, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}

	timeout := cfg.PollTimeout
	if timeout == 0 {
		timeout = defaultPollTimeout
	}

	l := &Loop{
		epfd:        epfd,
		listenFd:    listenFd,
		conns:       make(map[int32]*conn.Conn),
		newHandler:  cfg.NewHandler,
		recs:        cfg.Recorder,
		pollTimeout: timeout,
		onTick:      cfg.OnTick,
	}

	// EPOLLET: edge-triggered. A listening socket is readable almost all
	// the time once a backlog exists; without ET, level-triggered mode
	// would re-fire EPOLLIN every poll cycle and spin acceptAll for no
	// reason. acceptAll already loops to EAGAIN, which ET requires.
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, listenFd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(listenFd),
	}); err != nil {
		unix.Close(epfd)
		return nil, err
	}

	return l, nil
}

// Run blocks, polling and servicing connections until stop is closed.
// Accept errors other than EAGAIN are fatal to the loop, per the spec;
// per-connection I/O errors only close that connection.
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 128)
	timeoutMs := int(l.pollTimeout / time.Millisecond)

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			if l.onTick != nil {
				l.onTick()
			}
			continue
		}

		for i := 0; i < n; i++ {
			fd := events[i].Fd
			if int(fd) == l.listenFd {
				if err := l.acceptAll(); err != nil {
					return err
				}
				continue
			}
			l.service(fd, events[i].Events)
		}
	}
}

// acceptAll accepts connections in a loop until the listener would block,
// registering each for read+write readiness with a fresh non-blocking fd.
func (l *Loop) acceptAll() error {
	for {
		fd, _, err := unix.Accept(l.listenFd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return nil
			}
			return err
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			continue
		}

		// Same ET reasoning as the listener: a connection's socket is
		// writable whenever its send buffer isn't full, which is most of
		// the time, so level-triggered EPOLLOUT would re-fire (and get
		// re-serviced, since service dispatches on state rather than the
		// fired bits) on every single poll cycle for every open
		// connection. HandleReadable/HandleWritable already loop to
		// EAGAIN, which ET requires to avoid missing events.
		if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
			Fd:     int32(fd),
		}); err != nil {
			unix.Close(fd)
			continue
		}

		l.conns[int32(fd)] = conn.Acquire(fd, l.newHandler(), l.recs)
		if l.recs != nil {
			l.recs.ConnectionAccepted()
		}
	}
}

// service invokes the connection's state-appropriate progress function and
// drops it from the loop if it reached Closed.
func (l *Loop) service(fd int32, events uint32) {
	c, ok := l.conns[fd]
	if !ok {
		return
	}

	switch c.State {
	case conn.Reading:
		c.HandleReadable()
	case conn.Writing:
		c.HandleWritable()
		if c.State == conn.Reading {
			// Under EPOLLET no further edge may arrive for frames already
			// in rbuf or bytes left unread while the reply was stalled.
			c.HandleReadable()
		}
	}

	if c.State == conn.Closed {
		l.drop(fd, c)
	}
}

func (l *Loop) drop(fd int32, c *conn.Conn) {
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, int(fd), nil); err != nil {
		log.Printf("eventloop: epoll_ctl del fd %d: %v", fd, err)
	}
	unix.Close(int(fd))
	delete(l.conns, fd)
	conn.Release(c)
}

// Close releases the epoll fd. It does not close the listening socket,
// which remains owned by the caller.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
