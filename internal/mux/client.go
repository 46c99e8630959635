// Package mux implements a multiplexed QMP/QGA client: a single reactor
// loop drives many per-destination Sessions in parallel, dispatching queued
// Commands and surfacing each destination's first error independently of
// the others.
package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maci0/qmpmux/internal/idgen"
	"github.com/maci0/qmpmux/internal/reactor"
)

// SocketResolver maps a vmid and transport selector to the UNIX socket path
// to dial. It is the seam between this package and whatever collaborator
// knows where a VM's sockets live (see internal/inventory).
type SocketResolver func(vmid string, qga bool) (string, error)

// defaultTimeoutTable holds the per-command default timeouts applied when a
// command is queued via QueueCmd (which takes no timeout of its own).
var defaultTimeoutTable = map[string]time.Duration{
	"query-migrate":         3600 * time.Second,
	"guest-fsfreeze-freeze": 3600 * time.Second,
	"guest-fsfreeze-thaw":   10 * time.Second,

	"query-backup":           600 * time.Second,
	"query-block-jobs":       600 * time.Second,
	"block-job-cancel":       600 * time.Second,
	"block-job-complete":     600 * time.Second,
	"backup-cancel":          600 * time.Second,
	"query-savevm":           600 * time.Second,
	"delete-drive-snapshot":  600 * time.Second,
	"guest-shutdown":         600 * time.Second,
	"snapshot-drive":         600 * time.Second,
}

const flatDefaultTimeout = 3 * time.Second

var (
	ejectChangePattern = regexp.MustCompile(`^(eject|change)`)
	savevmPattern      = regexp.MustCompile(`^savevm-`)
)

func defaultTimeoutFor(execute string) time.Duration {
	if d, ok := defaultTimeoutTable[execute]; ok {
		return d
	}
	if ejectChangePattern.MatchString(execute) {
		return 60 * time.Second
	}
	if savevmPattern.MatchString(execute) {
		return 600 * time.Second
	}
	return flatDefaultTimeout
}

type sessionKey struct {
	vmid string
	qga  bool
}

// Client multiplexes commands over many VMs' QMP and QGA sockets. A Client
// is reusable across many Execute calls; its Sessions and Reactor are
// rebuilt fresh each call, but its identifier generator persists so ids
// never repeat for the Client's lifetime.
type Client struct {
	Resolve        SocketResolver
	ConnectTimeout time.Duration

	ids *idgen.Generator

	eventCb func(vmid string, event json.RawMessage)

	sessions map[sessionKey]*Session
	rx       *reactor.Reactor
}

// NewClient returns a Client that resolves destination sockets via resolve.
func NewClient(resolve SocketResolver) *Client {
	return &Client{
		Resolve:        resolve,
		ConnectTimeout: DefaultConnectTimeout,
		ids:            idgen.New(),
	}
}

// OnEvent registers a callback invoked for every QMP "event" object received
// on any session, across all Execute calls. Pass nil to stop receiving them.
func (c *Client) OnEvent(cb func(vmid string, event json.RawMessage)) {
	c.eventCb = cb
}

// QueueCmd enqueues execute/arguments against vmid's QMP or QGA socket
// (selected by the guest- prefix convention) for the next Execute call.
// callback is invoked at most once with the destination's response.
func (c *Client) QueueCmd(vmid string, callback Callback, execute string, arguments map[string]any) {
	c.queue(vmid, &Command{Execute: execute, Arguments: arguments, Callback: callback})
}

func (c *Client) queue(vmid string, cmd *Command) *Session {
	if c.sessions == nil {
		c.sessions = make(map[sessionKey]*Session)
	}
	key := sessionKey{vmid: vmid, qga: qgaTransport(cmd.Execute)}
	s, ok := c.sessions[key]
	if !ok {
		transport := QMP
		if key.qga {
			transport = QGA
		}
		path, err := c.Resolve(vmid, key.qga)
		s = NewSession(vmid, transport, path, c.reactorFor(), c.ids)
		s.eventCb = c.eventCb
		s.defaultTimeout = defaultTimeoutFor
		if err != nil {
			s.fail(newError(ErrUsage, vmid, cmd.Execute, fmt.Errorf("no socket for vm %s: %w", vmid, err)))
		}
		c.sessions[key] = s
	}
	s.Enqueue(cmd)
	return s
}

func (c *Client) reactorFor() *reactor.Reactor {
	if c.rx == nil {
		c.rx = reactor.New()
	}
	return c.rx
}

// Cmd queues a single command and runs the Client to completion for it
// alone, returning the value of the response's "return" key (or the whole
// response object when it has no "return" key), or the session's error. A
// zero timeout is treated as
// the flat 3s default regardless of execute's entry in the default-timeout
// table; a positive timeout always overrides that table.
func (c *Client) Cmd(ctx context.Context, vmid string, execute string, arguments map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = flatDefaultTimeout
	}

	var resp json.RawMessage
	cmd := &Command{
		Execute:   execute,
		Arguments: arguments,
		Timeout:   timeout,
		Callback: func(_ string, r json.RawMessage) {
			resp = r
		},
	}
	s := c.queue(vmid, cmd)

	if err := c.Execute(ctx, 2); err != nil {
		return resp, err
	}
	var obj struct {
		Return json.RawMessage `json:"return"`
	}
	if resp != nil && json.Unmarshal(resp, &obj) == nil && obj.Return != nil {
		return obj.Return, s.Err()
	}
	return resp, s.Err()
}

// Execute runs every currently queued command to completion: it opens all
// pending sessions' sockets concurrently, then drives the shared reactor
// until every session has drained its queue or failed.
//
// noerr controls how per-VM errors affect the overall return, and never
// stops other sessions from running to completion: 0 collects every
// session's error into a single concatenated fatal error; 1 logs each
// session's error via the standard logger and returns nil; 2 returns nil
// unconditionally, leaving callers to inspect individual sessions' errors
// (e.g. via Cmd's returned error, which is reconstructed from that session
// specifically).
func (c *Client) Execute(ctx context.Context, noerr int) error {
	if len(c.sessions) == 0 {
		return nil
	}
	rx := c.reactorFor()
	defer func() { c.sessions = nil; c.rx = nil }()

	// Opening every session's socket concurrently bounds the total connect
	// latency to the slowest single destination rather than their sum; each
	// session records its own error on failure instead of returning one up
	// through the group, so g.Wait's result is only used to honor ctx
	// cancellation.
	deadline := time.Now().Add(c.connectTimeout())
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range c.sessions {
		s := s
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			// Open also performs the session's first dispatch once
			// connected, so by the time every goroutine returns the
			// reactor already has each session's first frame written.
			s.Open(deadline)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.drainClosed()
		return err
	}

	if err := rx.Run(); err != nil {
		return fmt.Errorf("reactor: %w", err)
	}

	c.drainClosed()
	return c.aggregateError(noerr)
}

func (c *Client) drainClosed() {
	for _, s := range c.sessions {
		s.Close()
	}
}

// aggregateError applies the noerr policy to every session's captured error.
// By the time it runs, every session has already run to completion — all
// three modes only differ in how they report what happened, never in how
// much work got done.
func (c *Client) aggregateError(noerr int) error {
	switch noerr {
	case 2:
		return nil
	case 1:
		for _, s := range c.sessions {
			if err := s.Err(); err != nil {
				log.Printf("mux: %s: %v", s.VMID, err)
			}
		}
		return nil
	default:
		var msgs []string
		for _, s := range c.sessions {
			if err := s.Err(); err != nil {
				msgs = append(msgs, err.Error())
			}
		}
		if len(msgs) == 0 {
			return nil
		}
		return fmt.Errorf("%d VM(s) failed: %s", len(msgs), strings.Join(msgs, "; "))
	}
}

func (c *Client) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return c.ConnectTimeout
}
