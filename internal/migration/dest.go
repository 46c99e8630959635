package migration

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/maci0/qmpmux/internal/mux"
	"github.com/maci0/qmpmux/internal/netctl"
)

// RunDestination prepares the destination node for incoming live migration of
// vmid, dispatching commands through client (already wired with a
// SocketResolver that knows vmid's QMP socket).
//
// Deferred cleanups ensure the qdisc and NBD server are released on any early
// return, preventing resource leaks. They are disarmed on the success path by
// setting the corresponding guard bool to false.
//
// Sequentially it:
//  1. Installs a tc sch_plug qdisc on the tap interface in pass-through mode
//     (sch_plug defaults to buffering, so we immediately release_indefinite;
//     non-fatal if sch_plug is unavailable or tapIface is empty)
//  2. Starts an NBD server for storage mirroring (unless shared-storage mode)
//  3. Plugs the network queue to catch in-flight packets (skipped if step 1 failed)
//  4. Waits for the RESUME event (unconditional)
//  5. Flushes all buffered packets via release_indefinite (skipped if step 1 failed)
//  6. Stops the NBD server (unless shared-storage mode)
//  7. Sends Gratuitous ARP via QEMU announce-self (correct guest MAC)
func RunDestination(ctx context.Context, client *mux.Client, vmid, tapIface, driveID string, sharedStorage bool) error {
	log.Printf("[%s] Setting up destination node...", vmid)

	// Step 1: Install sch_plug qdisc in pass-through mode.
	qdiscInstalled := false
	if tapIface != "" {
		log.Printf("[%s] Preparing network queue on %s...", vmid, tapIface)

		if _, err := net.InterfaceByName(tapIface); err != nil {
			log.Printf("[%s] Warning: TAP interface %q not found (%v). Skipping network queue setup.", vmid, tapIface, err)
		} else if netctl.InstallPassthroughQdisc(ctx, tapIface) {
			qdiscInstalled = true
			log.Printf("[%s] Network queue installed (pass-through, not plugged yet).", vmid)
		} else {
			log.Printf("[%s] Warning: failed to install plug qdisc on %s (is sch_plug available?)", vmid, tapIface)
		}
	} else {
		log.Printf("[%s] No TAP interface specified, skipping network queue setup.", vmid)
	}

	// Deferred cleanup: remove qdisc on any early return to prevent leaking it.
	// Disarmed on the success path by setting qdiscInstalled = false.
	// Uses CleanupCtx() so cleanup runs even if the main ctx is cancelled.
	defer func() {
		if qdiscInstalled && tapIface != "" {
			cctx, ccancel := CleanupCtx()
			defer ccancel()
			_ = netctl.RemoveQdisc(cctx, tapIface)
		}
	}()

	nbdStarted := false
	if !sharedStorage {
		// Step 2: Start NBD server to receive storage mirroring from the source.
		log.Printf("[%s] Starting NBD server for storage migration...", vmid)
		// Idempotency: attempt to stop any existing NBD server first, ignore errors.
		_, _ = client.Cmd(ctx, vmid, "nbd-server-stop", nil, 0)

		if _, err := client.Cmd(ctx, vmid, "nbd-server-start", map[string]any{
			"addr": map[string]any{
				"type": "inet",
				"data": map[string]any{
					"host": "::",
					"port": NBDPort,
				},
			},
		}, 0); err != nil {
			return fmt.Errorf("starting NBD server: %w", err)
		}
		nbdStarted = true

		// Deferred cleanup: stop NBD server on any early return to prevent
		// leaking it. Disarmed on the success path by setting nbdStarted = false.
		defer func() {
			if nbdStarted {
				cctx, ccancel := CleanupCtx()
				defer ccancel()
				if _, stopErr := client.Cmd(cctx, vmid, "nbd-server-stop", nil, CleanupTimeout); stopErr != nil {
					log.Printf("[%s] Warning: deferred NBD server stop failed: %v", vmid, stopErr)
				}
			}
		}()

		if _, err := client.Cmd(ctx, vmid, "nbd-server-add", map[string]any{
			"device":   driveID,
			"writable": true,
		}, 0); err != nil {
			return fmt.Errorf("adding NBD export for drive %q: %w", driveID, err)
		}
		log.Printf("[%s] NBD server listening on [::]:%s", vmid, NBDPort)
	} else {
		log.Printf("[%s] Shared storage mode: skipping NBD server setup.", vmid)
	}

	// Step 3: Plug the network queue to begin catching in-flight packets.
	//
	// In a production orchestrator, this would be triggered via an RPC callback
	// when the source emits its STOP event. In this standalone tool, we plug
	// proactively before waiting for RESUME.
	if qdiscInstalled {
		if err := netctl.Plug(ctx, tapIface); err != nil {
			log.Printf("[%s] Warning: failed to plug network queue on %s: %v", vmid, tapIface, err)
		} else {
			log.Printf("[%s] Network queue plugged. Buffering in-flight packets...", vmid)
		}
	}

	// Step 4: Wait for the destination VM to resume.
	log.Printf("[%s] Waiting for QEMU RESUME event...", vmid)
	if err := waitForQMPEvent(ctx, client, vmid, "RESUME", EventWaitTimeout); err != nil {
		return fmt.Errorf("waiting for RESUME event: %w", err)
	}
	if qdiscInstalled {
		log.Printf("[%s] VM resumed. Flushing buffered packets...", vmid)
	} else {
		log.Printf("[%s] VM resumed.", vmid)
	}

	// Step 5: Unplug the queue — flush all buffered packets into the now-running VM.
	// Only disarm the deferred cleanup if the unplug succeeds. If it fails,
	// the qdisc is still in "plugged" state and the deferred cleanup must
	// remove it so the VM's network isn't left permanently blocked.
	if qdiscInstalled {
		if err := netctl.Unplug(ctx, tapIface); err != nil {
			log.Printf("[%s] Warning: failed to unplug network queue on %s: %v", vmid, tapIface, err)
		} else {
			log.Printf("[%s] Queue unplugged. Buffered packets delivered. Zero drops achieved.", vmid)
			// Disarm qdisc deferred cleanup — we've successfully flushed and the
			// qdisc will be naturally removed when the tap interface is torn down.
			qdiscInstalled = false
		}
	}

	if !sharedStorage {
		// Step 6: Stop the NBD server (storage migration is complete).
		// Disarm the deferred cleanup since we're handling it explicitly.
		// Uses CleanupCtx() so the stop succeeds even if the main ctx was
		// cancelled (e.g., SIGINT received after RESUME).
		nbdStarted = false
		cctx, ccancel := CleanupCtx()
		if _, err := client.Cmd(cctx, vmid, "nbd-server-stop", nil, CleanupTimeout); err != nil {
			log.Printf("[%s] Warning: failed to stop NBD server: %v", vmid, err)
		} else {
			log.Printf("[%s] NBD server stopped.", vmid)
		}
		ccancel()
	}

	// Step 7: Broadcast Gratuitous ARP via QEMU's announce-self command.
	// Unlike host-side arping (which sends the host tap MAC), announce-self
	// emits GARP/RARP from the guest's actual MAC address on all NICs,
	// ensuring switches learn the correct port-to-MAC binding.
	// With OVN-based CNIs (OVN-Kubernetes, Kube-OVN), OVN handles port-chassis rebinding automatically.
	// For other CNIs (Cilium, Calico, Flannel), GARP accelerates convergence.
	log.Printf("[%s] Broadcasting Gratuitous ARP via QEMU announce-self...", vmid)
	garpCtx, garpCancel := CleanupCtx()
	if _, err := client.Cmd(garpCtx, vmid, "announce-self", map[string]any{
		"initial": GARPInitialMS,
		"max":     GARPMaxMS,
		"rounds":  GARPRounds,
		"step":    GARPStepMS,
	}, CleanupTimeout); err != nil {
		log.Printf("[%s] Warning: GARP announce-self failed: %v", vmid, err)
	} else {
		log.Printf("[%s] GARP announce-self scheduled (%d rounds).", vmid, GARPRounds)
	}
	garpCancel()

	log.Printf("[%s] Destination setup complete.", vmid)
	return nil
}
