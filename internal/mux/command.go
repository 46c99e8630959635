package mux

import (
	"encoding/json"
	"os"
	"strings"
	"time"
)

// Transport identifies which wire protocol a Command or Session speaks.
type Transport int

const (
	// QMP is the QEMU Monitor Protocol.
	QMP Transport = iota
	// QGA is the QEMU Guest Agent protocol.
	QGA
)

func (t Transport) String() string {
	if t == QGA {
		return "qga"
	}
	return "qmp"
}

// Callback is invoked with the destination's vmid and the response object
// for one Command. For QMP, response is the full reply object (including its
// "return" or "error" key); for QGA it is the second of the two frame
// objects only. It is called at most once per Command and never concurrently
// with any other callback on the same Session.
type Callback func(vmid string, response json.RawMessage)

// Command is one enqueued unit of work.
type Command struct {
	Execute   string
	Arguments map[string]any
	Callback  Callback

	// Timeout overrides the default-by-name timeout (see
	// defaultTimeoutFor) when set by the caller before the command is
	// dequeued. A zero value is replaced with the default at dispatch time,
	// so afterwards it always holds the effective timeout.
	Timeout time.Duration

	// qga is set by the owning Session when the command is enqueued; id
	// (QMP) or qgaID (QGA) is minted when the command is dequeued for
	// dispatch and is not meaningful before that. fd and fdPath are never
	// filled in: an add-fd/getfd descriptor is taken from Arguments["fd"]
	// by extractFD at write time.
	id     string
	qgaID  int64
	qga    bool
	fd     *os.File
	fdPath string // arguments key holding the fd
}

// qgaTransport reports whether execute names a Guest Agent command.
func qgaTransport(execute string) bool {
	return strings.HasPrefix(execute, "guest-")
}

// extractFD pulls arguments["fd"] out of a command destined for add-fd or
// getfd, returning the open file the caller supplied and a copy of the
// arguments map with "fd" removed so it never reaches the wire as JSON. Any
// execute name other than add-fd/getfd is returned unmodified.
func extractFD(execute string, args map[string]any) (map[string]any, *os.File) {
	if execute != "add-fd" && execute != "getfd" {
		return args, nil
	}
	raw, ok := args["fd"]
	if !ok {
		return args, nil
	}
	f, ok := raw.(*os.File)
	if !ok {
		return args, nil
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		if k == "fd" {
			continue
		}
		out[k] = v
	}
	return out, f
}
