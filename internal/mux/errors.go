package mux

import "fmt"

// Kind tags the category of a mux Error, replacing the concatenated
// stringly-typed errors of the implementation this package generalizes.
type Kind int

const (
	// ErrConnect covers socket-open failures, including connect timeouts.
	ErrConnect Kind = iota
	// ErrWrite covers failures writing a command frame (plain or fd-bearing).
	ErrWrite
	// ErrFraming covers malformed JSON, incomplete QGA two-object frames,
	// and id mismatches.
	ErrFraming
	// ErrProtocolRefused covers a QMP error.desc the peer returned for a
	// command (excluding the benign "Connection can not be completed
	// immediately" progress message, which is not an error at all).
	ErrProtocolRefused
	// ErrTimeout covers a per-session timeout firing with a command still
	// outstanding.
	ErrTimeout
	// ErrPeerClosed covers the remote end closing the socket.
	ErrPeerClosed
	// ErrUsage covers caller mistakes: no command specified, double open.
	ErrUsage
)

func (k Kind) String() string {
	switch k {
	case ErrConnect:
		return "connect"
	case ErrWrite:
		return "write"
	case ErrFraming:
		return "framing"
	case ErrProtocolRefused:
		return "protocol-refused"
	case ErrTimeout:
		return "timeout"
	case ErrPeerClosed:
		return "peer-closed"
	case ErrUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error is the sticky, tagged error a Session captures. At most one Error is
// ever recorded per Session (see Session.err).
type Error struct {
	Kind Kind
	VMID string
	Op   string // the command name in flight, when relevant; empty otherwise
	Err  error  // wrapped cause; when nil, Error() reports the Kind name instead
}

func (e *Error) Error() string {
	reason := e.Kind.String()
	if e.Err != nil {
		reason = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("VM %s qmp command %q failed - %s", e.VMID, e.Op, reason)
	}
	return fmt.Sprintf("VM %s: %s", e.VMID, reason)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, vmid, op string, cause error) *Error {
	return &Error{Kind: kind, VMID: vmid, Op: op, Err: cause}
}
