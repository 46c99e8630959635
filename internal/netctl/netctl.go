// Package netctl wraps the "ip" and "tc" command-line tools used to steer
// traffic during a live migration's cutover window: a temporary IP tunnel to
// the destination node, and a tc sch_plug qdisc to buffer in-flight packets
// on the destination's tap interface until the guest resumes.
package netctl

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"
	"time"
)

const (
	// TunnelName is the name of the IP tunnel interface created during
	// migration to forward in-flight traffic from source to destination.
	TunnelName = "mig-tun"

	// PlugQdiscLimit is the packet buffer size for the tc sch_plug qdisc.
	PlugQdiscLimit = "32768"

	// CleanupTimeout is the deadline for cleanup commands (qdisc removal,
	// tunnel teardown) run with CleanupCtx so they complete even after the
	// caller's own context has been cancelled.
	CleanupTimeout = 10 * time.Second
)

// CleanupCtx returns a context with CleanupTimeout that is independent of
// any parent context, for teardown commands that must run to completion
// even during a cancelled migration.
func CleanupCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), CleanupTimeout)
}

// RunCmd executes an external command, capturing combined stdout/stderr and
// returning a wrapped error including the full command line and output on
// failure.
func RunCmd(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command cancelled: %s %v: %w", name, args, ctx.Err())
		}
		errMsg := strings.TrimSpace(out.String())
		if errMsg == "" {
			errMsg = err.Error()
		}
		return fmt.Errorf("executing %s %v: %s", name, args, errMsg)
	}
	return nil
}

// IPFamily returns a human-readable label for the IP address family.
func IPFamily(addr netip.Addr) string {
	if addr.Is4() {
		return "IPv4"
	}
	return "IPv6"
}

// SetupTunnel creates an IP tunnel to destIP and installs a host route for
// vmIP through it, so packets arriving at the (now-stale) source during CNI
// convergence are forwarded to the destination.
//
// tunnelMode selects the encapsulation:
//   - "ipip": IPIP for IPv4 (mode ipip), ip6ip6 for IPv6. Minimal overhead but
//     may be blocked by cloud VPC security groups.
//   - "gre": GRE for IPv4, ip6gre for IPv6. +4 bytes overhead, widely
//     supported by cloud middleboxes.
//
// Mixed address families are rejected. The function is idempotent: any
// pre-existing tunnel with the same name is removed before creation.
func SetupTunnel(ctx context.Context, destIP, vmIP, tunnelMode string) error {
	dest, err := netip.ParseAddr(destIP)
	if err != nil {
		return fmt.Errorf("invalid destIP %q: %w", destIP, err)
	}
	vm, err := netip.ParseAddr(vmIP)
	if err != nil {
		return fmt.Errorf("invalid vmIP %q: %w", vmIP, err)
	}

	// Normalize IPv4-mapped IPv6 addresses so they aren't misclassified as
	// IPv6, which would build a broken ip6ip6/ip6gre tunnel to an IPv4 host.
	dest = dest.Unmap()
	vm = vm.Unmap()
	destStr := dest.String()
	vmStr := vm.String()

	if dest.Is4() != vm.Is4() {
		return fmt.Errorf("address family mismatch: destIP %q is %s but vmIP %q is %s",
			destIP, IPFamily(dest), vmIP, IPFamily(vm))
	}

	cctx, ccancel := CleanupCtx()
	_ = RunCmd(cctx, "ip", "link", "del", TunnelName)
	ccancel()

	var mode string
	switch {
	case tunnelMode == "gre" && dest.Is6():
		mode = "ip6gre"
	case tunnelMode == "gre":
		mode = "gre"
	case dest.Is6():
		mode = "ip6ip6"
	default:
		mode = "ipip"
	}

	if dest.Is6() {
		err = RunCmd(ctx, "ip", "-6", "tunnel", "add", TunnelName, "mode", mode, "remote", destStr, "local", "::")
	} else {
		err = RunCmd(ctx, "ip", "tunnel", "add", TunnelName, "mode", mode, "remote", destStr, "local", "any")
	}
	if err != nil {
		return fmt.Errorf("creating tunnel: %w", err)
	}

	if err := RunCmd(ctx, "ip", "link", "set", TunnelName, "up"); err != nil {
		cctx, ccancel := CleanupCtx()
		_ = RunCmd(cctx, "ip", "link", "del", TunnelName)
		ccancel()
		return fmt.Errorf("bringing up tunnel: %w", err)
	}

	if vm.Is6() {
		err = RunCmd(ctx, "ip", "-6", "route", "add", vmStr, "dev", TunnelName)
	} else {
		err = RunCmd(ctx, "ip", "route", "add", vmStr, "dev", TunnelName)
	}
	if err != nil {
		cctx, ccancel := CleanupCtx()
		_ = RunCmd(cctx, "ip", "link", "del", TunnelName)
		ccancel()
		return fmt.Errorf("adding route for %s through tunnel: %w", vmStr, err)
	}
	return nil
}

// TeardownTunnel removes the IP tunnel created by SetupTunnel. Deleting the
// link implicitly removes the associated host route.
func TeardownTunnel(ctx context.Context) error {
	if err := RunCmd(ctx, "ip", "link", "del", TunnelName); err != nil {
		return fmt.Errorf("deleting tunnel %s: %w", TunnelName, err)
	}
	return nil
}

// InstallPassthroughQdisc clears any existing qdisc on iface and installs a
// tc sch_plug qdisc already released (pass-through), so traffic flows
// normally until Plug is called. It reports whether the qdisc ended up
// installed; callers should treat a false return as non-fatal and proceed
// without the buffering step.
func InstallPassthroughQdisc(ctx context.Context, iface string) bool {
	cctx, ccancel := CleanupCtx()
	_ = RunCmd(cctx, "tc", "qdisc", "del", "dev", iface, "root")
	ccancel()

	if err := RunCmd(ctx, "tc", "qdisc", "add", "dev", iface, "root", "plug", "limit", PlugQdiscLimit); err != nil {
		return false
	}
	if err := RunCmd(ctx, "tc", "qdisc", "change", "dev", iface, "root", "plug", "release_indefinite"); err != nil {
		cctx, ccancel := CleanupCtx()
		_ = RunCmd(cctx, "tc", "qdisc", "del", "dev", iface, "root")
		ccancel()
		return false
	}
	return true
}

// Plug blocks the qdisc on iface, buffering all outgoing packets.
func Plug(ctx context.Context, iface string) error {
	return RunCmd(ctx, "tc", "qdisc", "change", "dev", iface, "root", "plug", "block")
}

// Unplug releases all packets buffered by a prior Plug call.
func Unplug(ctx context.Context, iface string) error {
	return RunCmd(ctx, "tc", "qdisc", "change", "dev", iface, "root", "plug", "release_indefinite")
}

// RemoveQdisc deletes the root qdisc installed by InstallPassthroughQdisc.
func RemoveQdisc(ctx context.Context, iface string) error {
	return RunCmd(ctx, "tc", "qdisc", "del", "dev", iface, "root")
}
