// Package idgen mints per-process-unique command identifiers for a single
// Client instance, one monotonic counter per transport.
package idgen

import (
	"os"
	"strconv"
	"sync/atomic"
)

// Generator holds the QMP and QGA counters for one Client. Unlike the
// original implementation's process-global counters, a Generator is scoped
// to the Client that owns it so that two Client instances in the same
// process never share (or need to coordinate) id state.
type Generator struct {
	pid int
	qmp uint64
	qga uint64
}

// New returns a Generator seeded from the current process id with both
// counters at zero.
func New() *Generator {
	return &Generator{pid: os.Getpid()}
}

// NextQMP returns the next QMP command id, of the form "<pid>:<n>".
func (g *Generator) NextQMP() string {
	n := atomic.AddUint64(&g.qmp, 1)
	return strconv.Itoa(g.pid) + ":" + strconv.FormatUint(n, 10)
}

// NextQGA returns the next QGA sync id. QGA's guest-sync-delimited "return"
// field is typed as an integer on the wire, so the id is rendered as
// "<pid>0<n>" and parsed back as an int64 rather than kept as a string.
func (g *Generator) NextQGA() int64 {
	n := atomic.AddUint64(&g.qga, 1)
	s := strconv.Itoa(g.pid) + "0" + strconv.FormatUint(n, 10)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// pid and n are both non-negative decimal integers, so the
		// concatenation is always a valid int64 unless it overflows, which
		// would require an implausibly long-running single process.
		panic("idgen: QGA id overflowed int64: " + err.Error())
	}
	return v
}
