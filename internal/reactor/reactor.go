// Package reactor implements a single-threaded, non-blocking event loop over
// a set of UNIX file descriptors. It drives readability, writability, and
// per-fd timeout events to a Handler; it never blocks inside a read or write,
// only inside its own poll call.
package reactor

import (
	"bytes"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Handler receives I/O events for one file descriptor registered with a
// Reactor. Callbacks run inline on the goroutine calling Run; a Handler must
// not block.
type Handler interface {
	// OnInput is called after new bytes have been appended to buf.
	OnInput(fd int, buf *bytes.Buffer)

	// OnTimeout is called when the fd's deadline (see SetTimeout) elapses
	// without having been reset.
	OnTimeout(fd int)

	// OnEOF is called on a remote close that left unconsumed bytes in buf.
	OnEOF(fd int, buf *bytes.Buffer)

	// OnClose is called on a clean remote close with no residual input.
	OnClose(fd int)
}

type fdState struct {
	handler  Handler
	inbuf    bytes.Buffer
	outbuf   []byte
	deadline time.Time // zero means no deadline
}

// Reactor is a single-threaded, non-blocking multiplexer over a set of fds.
// All exported methods except Run are safe to call from within a Handler
// callback (i.e. from the goroutine running Run); Add/Remove/Write from other
// goroutines must be externally synchronized with Run by the caller, since
// this module's only intended caller (the session/client layer) never does
// so concurrently with Run.
type Reactor struct {
	mu   sync.Mutex
	fds  map[int]*fdState
	stop bool
}

// New returns an empty Reactor.
func New() *Reactor {
	return &Reactor{fds: make(map[int]*fdState)}
}

// Add registers fd with the reactor. fd must already be set non-blocking by
// the caller (e.g. via unix.SetNonblock).
func (r *Reactor) Add(fd int, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fds[fd] = &fdState{handler: h}
}

// Remove unregisters fd. It is a no-op if fd was never added or was already
// removed.
func (r *Reactor) Remove(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.fds, fd)
}

// SetTimeout arms (or re-arms) fd's deadline d in the future. A zero d clears
// the deadline.
func (r *Reactor) SetTimeout(fd int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.fds[fd]
	if !ok {
		return
	}
	if d <= 0 {
		st.deadline = time.Time{}
		return
	}
	st.deadline = time.Now().Add(d)
}

// Write enqueues b to be flushed to fd as it becomes writable. Bytes are
// appended to any already-pending output.
func (r *Reactor) Write(fd int, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.fds[fd]
	if !ok {
		return
	}
	st.outbuf = append(st.outbuf, b...)
}

// InBuffer returns the live input buffer for fd, or nil if fd is not
// registered. The returned buffer must only be mutated from within a Handler
// callback for fd.
func (r *Reactor) InBuffer(fd int) *bytes.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.fds[fd]
	if !ok {
		return nil
	}
	return &st.inbuf
}

// EndLoop requests that Run return after the current wake-up completes.
func (r *Reactor) EndLoop() {
	r.mu.Lock()
	r.stop = true
	r.mu.Unlock()
}

const readChunk = 65536

// Run blocks the calling goroutine, servicing registered fds until EndLoop
// has been called and the current wake-up completes, or no fds remain
// registered.
func (r *Reactor) Run() error {
	for {
		r.mu.Lock()
		if r.stop || len(r.fds) == 0 {
			r.mu.Unlock()
			return nil
		}

		pfds := make([]unix.PollFd, 0, len(r.fds))
		order := make([]int, 0, len(r.fds))
		timeoutMS := -1
		now := time.Now()
		for fd, st := range r.fds {
			ev := int16(unix.POLLIN)
			if len(st.outbuf) > 0 {
				ev |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
			order = append(order, fd)

			if !st.deadline.IsZero() {
				remain := st.deadline.Sub(now)
				if remain < 0 {
					remain = 0
				}
				ms := int(remain / time.Millisecond)
				if timeoutMS < 0 || ms < timeoutMS {
					timeoutMS = ms
				}
			}
		}
		r.mu.Unlock()

		n, err := unix.Poll(pfds, timeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		r.fireTimeouts()

		if n <= 0 {
			continue
		}

		for _, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			r.service(int(pfd.Fd), pfd.Revents)
		}
	}
}

func (r *Reactor) fireTimeouts() {
	now := time.Now()
	var fired []struct {
		fd int
		h  Handler
	}
	r.mu.Lock()
	for fd, st := range r.fds {
		if !st.deadline.IsZero() && !now.Before(st.deadline) {
			st.deadline = time.Time{}
			fired = append(fired, struct {
				fd int
				h  Handler
			}{fd, st.handler})
		}
	}
	r.mu.Unlock()

	for _, f := range fired {
		f.h.OnTimeout(f.fd)
	}
}

func (r *Reactor) service(fd int, revents int16) {
	r.mu.Lock()
	st, ok := r.fds[fd]
	r.mu.Unlock()
	if !ok {
		return
	}

	if revents&(unix.POLLOUT) != 0 {
		r.flushWrites(fd, st)
	}

	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		r.drainReads(fd, st)
	}
}

func (r *Reactor) flushWrites(fd int, st *fdState) {
	r.mu.Lock()
	buf := st.outbuf
	r.mu.Unlock()
	if len(buf) == 0 {
		return
	}

	n, err := unix.Write(fd, buf)
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.EINTR {
		// Surface write failures through the same path as a read error: the
		// handler finds out on its next input/EOF callback because the peer
		// will typically also notice and close. Sessions additionally check
		// write() return values directly at call time (see mux.Session).
		n = 0
	}

	r.mu.Lock()
	if n > 0 {
		st.outbuf = st.outbuf[n:]
	}
	r.mu.Unlock()
}

func (r *Reactor) drainReads(fd int, st *fdState) {
	chunk := make([]byte, readChunk)
	any := false
	for {
		n, err := unix.Read(fd, chunk)
		if n > 0 {
			any = true
			r.mu.Lock()
			st.inbuf.Write(chunk[:n])
			r.mu.Unlock()
		}
		if n == 0 {
			// Remote close.
			r.mu.Lock()
			residual := st.inbuf.Len() > 0
			h := st.handler
			buf := &st.inbuf
			r.mu.Unlock()
			if residual {
				h.OnEOF(fd, buf)
			} else {
				h.OnClose(fd)
			}
			return
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			if err == unix.EINTR {
				continue
			}
			// Treat any other read error as EOF with whatever we have.
			r.mu.Lock()
			residual := st.inbuf.Len() > 0
			h := st.handler
			buf := &st.inbuf
			r.mu.Unlock()
			if residual {
				h.OnEOF(fd, buf)
			} else {
				h.OnClose(fd)
			}
			return
		}
		if n < len(chunk) {
			break
		}
	}

	if any {
		r.mu.Lock()
		h := st.handler
		buf := &st.inbuf
		r.mu.Unlock()
		h.OnInput(fd, buf)
	}
}
