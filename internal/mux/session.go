package mux

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/maci0/qmpmux/internal/fdpass"
	"github.com/maci0/qmpmux/internal/framer"
	"github.com/maci0/qmpmux/internal/idgen"
	"github.com/maci0/qmpmux/internal/reactor"
)

// connectRetryDelay is the pause between connect attempts that fail with
// EINTR or EAGAIN, matching the spec's per-connect retry behavior.
const connectRetryDelay = 100 * time.Millisecond

// DefaultConnectTimeout is used for a session's socket open when the caller
// does not specify one.
const DefaultConnectTimeout = 1 * time.Second

// allowCloseQGA lists QGA commands the agent may terminate the connection
// for without a response, because the command itself makes the agent (or
// the guest) go away.
var allowCloseQGA = map[string]bool{
	"guest-shutdown":       true,
	"guest-suspend-ram":    true,
	"guest-suspend-disk":   true,
	"guest-suspend-hybrid": true,
}

// benignProgressDesc is the sentinel QMP error.desc that is not really an
// error: QEMU reports it for some incoming-migration commands issued before
// the destination is ready. REDESIGN FLAGS (spec.md §9) prefer matching on
// error.class once that distinction is reliably available.
const benignProgressDesc = "Connection can not be completed immediately"

// Session is one bounded-lifetime association between the Client and one
// destination socket, owning at most one in-flight command.
type Session struct {
	VMID       string
	Transport  Transport
	SocketPath string

	rx             *reactor.Reactor
	ids            *idgen.Generator
	sentinel       framer.SentinelMode
	eventCb        func(vmid string, event json.RawMessage)
	defaultTimeout func(execute string) time.Duration

	conn *net.UnixConn
	file *os.File
	fd   int // raw, registered with rx; -1 when not open

	queue   []*Command
	current *Command

	err    *Error
	closed bool
}

// NewSession constructs a Session in its pre-open state. rx is the shared
// Reactor the session will register its fd with once opened.
func NewSession(vmid string, transport Transport, socketPath string, rx *reactor.Reactor, ids *idgen.Generator) *Session {
	return &Session{
		VMID:       vmid,
		Transport:  transport,
		SocketPath: socketPath,
		rx:         rx,
		ids:        ids,
		sentinel:   framer.SentinelRequired,
		fd:         -1,
	}
}

// Enqueue appends cmd to the session's FIFO queue.
func (s *Session) Enqueue(cmd *Command) {
	cmd.qga = s.Transport == QGA
	s.queue = append(s.queue, cmd)
}

// QueueLen reports the number of commands still waiting to be dispatched.
func (s *Session) QueueLen() int { return len(s.queue) }

// Err returns the session's sticky captured error, or nil.
func (s *Session) Err() error {
	if s.err == nil {
		return nil
	}
	return s.err
}

// Idle reports whether the session has no in-flight command and an empty
// queue — i.e. it is ready to be torn down.
func (s *Session) Idle() bool {
	return s.current == nil && len(s.queue) == 0
}

// Open connects the session's socket, retrying on EINTR/EAGAIN every 100ms
// until deadline elapses (a zero deadline uses DefaultConnectTimeout from
// now). Any other connect error is immediate and fatal. For a QMP session,
// the qmp_capabilities handshake command is pushed to the head of the queue
// before any caller command, so it is always the first thing written.
func (s *Session) Open(deadline time.Time) error {
	if s.err != nil {
		return s.err
	}
	if s.fd != -1 {
		s.fail(newError(ErrUsage, s.VMID, "", fmt.Errorf("duplicate call to open")))
		return s.err
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(DefaultConnectTimeout)
	}

	addr, err := net.ResolveUnixAddr("unix", s.SocketPath)
	if err != nil {
		s.fail(newError(ErrConnect, s.VMID, "", fmt.Errorf("socket unreachable: %w", err)))
		return s.err
	}

	var conn *net.UnixConn
	for {
		conn, err = net.DialUnix("unix", nil, addr)
		if err == nil {
			break
		}
		if !isRetryable(err) {
			s.fail(newError(ErrConnect, s.VMID, "", fmt.Errorf("socket unreachable: %w", err)))
			return s.err
		}
		if !time.Now().Before(deadline) {
			s.fail(newError(ErrConnect, s.VMID, "", fmt.Errorf("socket connect timeout after retries")))
			return s.err
		}
		time.Sleep(connectRetryDelay)
	}

	f, err := conn.File()
	if err != nil {
		conn.Close()
		s.fail(newError(ErrConnect, s.VMID, "", fmt.Errorf("socket unreachable: %w", err)))
		return s.err
	}
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		f.Close()
		conn.Close()
		s.fail(newError(ErrConnect, s.VMID, "", fmt.Errorf("socket unreachable: %w", err)))
		return s.err
	}

	s.conn = conn
	s.file = f
	s.fd = fd
	s.rx.Add(fd, s)

	if s.Transport == QMP {
		handshake := &Command{
			Execute:   "qmp_capabilities",
			Arguments: map[string]any{},
			Callback:  func(string, json.RawMessage) {},
		}
		s.queue = append([]*Command{handshake}, s.queue...)
	}

	s.advance()
	return nil
}

type unwrapper interface{ Unwrap() error }

func isRetryable(err error) bool {
	for u := err; u != nil; {
		if e, ok := u.(unix.Errno); ok {
			return e == unix.EINTR || e == unix.EAGAIN
		}
		uw, ok := u.(unwrapper)
		if !ok {
			return false
		}
		u = uw.Unwrap()
	}
	return false
}

// advance runs one step of the session's dispatch loop, per spec.md §4.3:
// an errored or drained-and-idle session is closed; a session with an
// outstanding command is left alone; otherwise the next queued command is
// dequeued, minted an id, framed, and written. It is called at the end of
// Open, and by the session itself every time a response is consumed, so
// the queue keeps draining without the Client polling it.
func (s *Session) advance() {
	if s.closed {
		return
	}
	if s.err != nil {
		s.Close()
		return
	}
	if s.current != nil {
		return
	}
	if len(s.queue) == 0 {
		s.Close()
		return
	}

	cmd := s.queue[0]
	s.queue = s.queue[1:]
	s.current = cmd

	if cmd.Execute == "" {
		s.fail(newError(ErrUsage, s.VMID, "", fmt.Errorf("no command specified")))
		return
	}

	if s.Transport == QMP {
		cmd.id = s.ids.NextQMP()
	} else {
		cmd.qgaID = s.ids.NextQGA()
	}

	if err := s.writeCurrent(); err != nil {
		s.fail(err.(*Error))
		return
	}

	if cmd.Timeout <= 0 {
		cmd.Timeout = s.defaultTimeout(cmd.Execute)
	}
	s.rx.SetTimeout(s.fd, cmd.Timeout)
}

func (s *Session) writeCurrent() error {
	cmd := s.current
	args, fd := extractFD(cmd.Execute, cmd.Arguments)

	var frame []byte
	var err error
	if s.Transport == QMP {
		frame, err = buildQMPFrame(cmd.Execute, args, cmd.id)
	} else {
		frame, err = buildQGAFrame(cmd.Execute, args, cmd.qgaID)
	}
	if err != nil {
		return newError(ErrWrite, s.VMID, cmd.Execute, err)
	}

	if fd != nil {
		if err := fdpass.Send(s.conn, frame, fd.Fd()); err != nil {
			return newError(ErrWrite, s.VMID, cmd.Execute, err)
		}
		return nil
	}

	n, err := unix.Write(s.fd, frame)
	if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
		return newError(ErrWrite, s.VMID, cmd.Execute, fmt.Errorf("write failed: %w", err))
	}
	if n < len(frame) {
		s.rx.Write(s.fd, frame[n:])
	}
	return nil
}

func buildQMPFrame(execute string, args map[string]any, id string) ([]byte, error) {
	obj := map[string]any{"execute": execute, "id": id}
	if args != nil {
		obj["arguments"] = args
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func buildQGAFrame(execute string, args map[string]any, syncID int64) ([]byte, error) {
	sync, err := json.Marshal(map[string]any{
		"execute":   "guest-sync-delimited",
		"arguments": map[string]any{"id": syncID},
	})
	if err != nil {
		return nil, err
	}
	cmdObj := map[string]any{"execute": execute}
	if args != nil {
		cmdObj["arguments"] = args
	}
	body, err := json.Marshal(cmdObj)
	if err != nil {
		return nil, err
	}
	frame := append(sync, '\n')
	frame = append(frame, body...)
	frame = append(frame, '\n')
	return frame, nil
}

// Close tears the session down: removes it from the reactor and closes its
// socket. It is idempotent.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.fd != -1 {
		s.rx.Remove(s.fd)
		s.file.Close()
		s.conn.Close()
		s.fd = -1
	}
}

// fail records the session's sticky first error and immediately closes it,
// so a handler callback that discovers a fatal condition doesn't leave the
// fd registered with the reactor with no further events to wake it. Closing
// unregisters the session's fd from the reactor, which is how the reactor
// drains naturally once every session is idle or errored — Execute needs no
// extra hook to stop early on the first failure.
func (s *Session) fail(e *Error) {
	if s.err == nil {
		s.err = e
	}
	s.Close()
}

// --- reactor.Handler ---

func (s *Session) OnInput(fd int, buf *bytes.Buffer) {
	for {
		if s.closed {
			return
		}
		if s.Transport == QMP {
			if !s.consumeQMP(buf) {
				return
			}
		} else {
			if !s.consumeQGA(buf) {
				return
			}
		}
	}
}

// consumeQMP decodes and processes at most one QMP frame, returning true if
// it made progress (so the caller should try again for more buffered
// frames) and false if buf held no complete frame or a fatal error was
// recorded.
func (s *Session) consumeQMP(buf *bytes.Buffer) bool {
	frame, ok, err := framer.DecodeQMP(buf)
	if err != nil {
		s.fail(newError(ErrFraming, s.VMID, "", err))
		return false
	}
	if !ok {
		return false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil {
		s.fail(newError(ErrFraming, s.VMID, "", fmt.Errorf("malformed frame: %w", err)))
		return false
	}

	if _, isGreeting := obj["QMP"]; isGreeting {
		return true
	}

	if rawErr, isErr := obj["error"]; isErr {
		var e struct {
			Desc string `json:"desc"`
		}
		_ = json.Unmarshal(rawErr, &e)
		if e.Desc == benignProgressDesc {
			return true
		}
		op := ""
		if s.current != nil {
			op = s.current.Execute
		}
		s.fail(newError(ErrProtocolRefused, s.VMID, op, fmt.Errorf("%s", e.Desc)))
		return false
	}

	if rawEvent, isEvent := obj["event"]; isEvent {
		if s.eventCb != nil {
			var name string
			_ = json.Unmarshal(rawEvent, &name)
			s.eventCb(s.VMID, frame)
		}
		return true
	}

	// A response. Must correlate to the in-flight command.
	if s.current == nil {
		s.fail(newError(ErrFraming, s.VMID, "", fmt.Errorf("unexpected response with no command in flight: %s", frame)))
		return false
	}
	var gotID string
	if rawID, ok := obj["id"]; ok {
		_ = json.Unmarshal(rawID, &gotID)
	}
	if gotID != s.current.id {
		s.fail(newError(ErrFraming, s.VMID, s.current.Execute, fmt.Errorf("id mismatch %q (expected %q)", gotID, s.current.id)))
		return false
	}

	cmd := s.current
	s.current = nil
	s.rx.SetTimeout(s.fd, 0)
	if cmd.Callback != nil {
		cmd.Callback(s.VMID, frame)
	}
	s.advance()
	return true
}

func (s *Session) consumeQGA(buf *bytes.Buffer) bool {
	syncObj, body, ok, err := framer.DecodeQGA(buf, s.sentinel)
	if err != nil {
		s.fail(newError(ErrFraming, s.VMID, "", err))
		return false
	}
	if !ok {
		return false
	}
	if s.current == nil {
		s.fail(newError(ErrFraming, s.VMID, "", fmt.Errorf("unexpected QGA response with no command in flight")))
		return false
	}

	var sync struct {
		Return int64 `json:"return"`
	}
	if err := json.Unmarshal(syncObj, &sync); err != nil {
		s.fail(newError(ErrFraming, s.VMID, s.current.Execute, fmt.Errorf("malformed sync echo: %w", err)))
		return false
	}

	if sync.Return < s.current.qgaID {
		// Stale sync from a previous, already-abandoned exchange: discard.
		return true
	}
	if sync.Return != s.current.qgaID {
		s.fail(newError(ErrFraming, s.VMID, s.current.Execute, fmt.Errorf("id mismatch %q (expected %q)", strconv.FormatInt(sync.Return, 10), strconv.FormatInt(s.current.qgaID, 10))))
		return false
	}

	cmd := s.current
	s.current = nil
	s.rx.SetTimeout(s.fd, 0)
	if cmd.Callback != nil {
		cmd.Callback(s.VMID, body)
	}
	s.advance()
	return true
}

func (s *Session) OnTimeout(fd int) {
	if buf := s.rx.InBuffer(fd); buf != nil {
		buf.Reset()
	}
	s.fail(newError(ErrTimeout, s.VMID, currentOp(s.current), fmt.Errorf("got timeout")))
}

func currentOp(cmd *Command) string {
	if cmd == nil {
		return ""
	}
	return cmd.Execute
}

func (s *Session) OnEOF(fd int, buf *bytes.Buffer) {
	s.onRemoteClose(buf)
}

func (s *Session) OnClose(fd int) {
	s.onRemoteClose(nil)
}

func (s *Session) onRemoteClose(residual *bytes.Buffer) {
	if s.current != nil && s.Transport == QGA && allowCloseQGA[s.current.Execute] {
		if residual != nil && residual.Len() > 0 {
			// Best-effort: consume whatever single delimited object is
			// present so it doesn't linger; its contents are discarded
			// either way since the callback always receives nil here.
			_, _, _, _ = framer.DecodeQGA(residual, s.sentinel)
		}
		cmd := s.current
		s.current = nil
		if cmd.Callback != nil {
			cmd.Callback(s.VMID, nil)
		}
		if len(s.queue) > 0 {
			s.fail(newError(ErrPeerClosed, s.VMID, "", fmt.Errorf("Got EOF but command queue is not empty.")))
			return
		}
		s.Close()
		return
	}

	s.fail(newError(ErrPeerClosed, s.VMID, currentOp(s.current), fmt.Errorf("client closed connection")))
}
