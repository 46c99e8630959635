package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/maci0/qmpmux/internal/mux"
	"github.com/maci0/qmpmux/internal/netctl"
)

// Sentinel errors for migration terminal states.
var (
	ErrMigrationFailed    = errors.New("migration failed")
	ErrMigrationCancelled = errors.New("migration cancelled")
)

// RunSource initiates live migration of vmid from the source node to the
// destination, dispatching commands through client (already wired with a
// SocketResolver that knows vmid's QMP socket).
//
// If drive-mirror is started (non-shared-storage mode), a deferred cleanup
// ensures the block job is cancelled on any early return, preventing resource
// leaks. The deferred cancel uses force:true to avoid accidentally pivoting
// the mirror, and is disarmed when step 8 handles it explicitly.
//
// Sequentially it:
//  1. Starts drive-mirror to replicate the block device via NBD (unless shared-storage)
//  2. Waits for the mirror to reach "ready" (fully synchronized)
//  3. Configures and starts RAM pre-copy migration with auto-converge
//  4. Waits for VM pause (STOP event — downtime window begins)
//  5. Creates an IP tunnel to forward in-flight traffic to destination
//  6. Monitors migration until completion
//  7. Cancels migration via migrate_cancel if it failed or timed out
//  8. Aborts the block job to stop the mirror (unless shared-storage)
//  9. Tears down the IP tunnel after CNI convergence delay
func RunSource(ctx context.Context, client *mux.Client, vmid, destIP, vmIP, driveID string, sharedStorage bool, tunnelMode string) error {
	log.Printf("[%s] Starting live migration to %s...", vmid, destIP)

	jobID := "mirror-" + driveID
	mirrorStarted := false

	if !sharedStorage {
		// Step 1: Initiate drive-mirror to the destination's NBD server.
		log.Printf("[%s] Initiating storage mirror (drive-mirror)...", vmid)
		targetNBD := fmt.Sprintf("nbd:%s:%s:exportname=%s", FormatQEMUHost(destIP), NBDPort, driveID)
		if _, err := client.Cmd(ctx, vmid, "drive-mirror", map[string]any{
			"device": driveID,
			"target": targetNBD,
			"sync":   "full",
			"mode":   "existing",
			"job-id": jobID,
		}, 0); err != nil {
			return fmt.Errorf("starting drive-mirror: %w", err)
		}
		mirrorStarted = true

		// Ensure the block job is cancelled if we return early due to an error
		// in a later step. This prevents leaking a running drive-mirror job.
		// Uses force:true to avoid accidentally pivoting the mirror to the
		// destination disk — we want an immediate abort, not a graceful finish.
		defer func() {
			if mirrorStarted {
				cctx, ccancel := CleanupCtx()
				defer ccancel()
				if _, cancelErr := client.Cmd(cctx, vmid, "block-job-cancel", map[string]any{
					"device": jobID,
					"force":  true,
				}, CleanupTimeout); cancelErr != nil {
					log.Printf("[%s] Warning: deferred block job cancel for %q failed: %v", vmid, jobID, cancelErr)
				}
			}
		}()

		// Step 2: Poll until the mirror reports ready (fully synchronized).
		log.Printf("[%s] Waiting for storage mirror to synchronize...", vmid)
		if err := waitForStorageSync(ctx, client, vmid, jobID); err != nil {
			return fmt.Errorf("storage sync failed: %w", err)
		}
	} else {
		log.Printf("[%s] Shared storage mode: skipping drive-mirror.", vmid)
	}

	// Step 3: Configure and start RAM pre-copy migration.
	log.Printf("[%s] Configuring RAM migration...", vmid)
	if _, err := client.Cmd(ctx, vmid, "migrate-set-capabilities", map[string]any{
		"capabilities": []map[string]any{
			{"capability": "auto-converge", "state": true},
		},
	}, 0); err != nil {
		return fmt.Errorf("setting migration capabilities: %w", err)
	}

	// Enforce strict downtime limits for "zero downtime" perception:
	// 50ms max pause ensures the STOP→RESUME gap is imperceptible.
	// 10 GB/s bandwidth cap ensures final dirty pages flush instantly.
	if _, err := client.Cmd(ctx, vmid, "migrate-set-parameters", map[string]any{
		"downtime-limit": MaxDowntimeMS,
		"max-bandwidth":  MaxBandwidth,
	}, 0); err != nil {
		return fmt.Errorf("setting migration parameters: %w", err)
	}

	uri := fmt.Sprintf("tcp:%s:%s", FormatQEMUHost(destIP), RAMMigrationPort)
	if _, err := client.Cmd(ctx, vmid, "migrate", map[string]any{"uri": uri}, 0); err != nil {
		return fmt.Errorf("starting RAM migration to %s: %w", uri, err)
	}
	log.Printf("[%s] RAM migration started. Waiting for VM to pause (STOP event)...", vmid)

	// Step 4: Wait for the STOP event (downtime window begins).
	// At this point QEMU performs a final incremental copy of the remaining
	// dirty RAM pages and any in-flight storage blocks.
	if err := waitForQMPEvent(ctx, client, vmid, "STOP", EventWaitTimeout); err != nil {
		return fmt.Errorf("waiting for STOP event: %w", err)
	}
	log.Printf("[%s] VM paused. Redirecting in-flight packets to destination...", vmid)

	// Step 5: Create an IP tunnel to forward traffic during CNI convergence.
	// This bridges the gap between VM cutover and CNI route propagation for
	// all supported plugins (Cilium, Calico, Flannel, OVN-Kubernetes, Kube-OVN).
	// The setup is idempotent — any stale tunnel from a previous run is
	// removed before creation.
	tunnelCreated := false
	if err := netctl.SetupTunnel(ctx, destIP, vmIP, tunnelMode); err != nil {
		log.Printf("[%s] Warning: failed to create IP tunnel: %v", vmid, err)
	} else {
		tunnelCreated = true
		log.Printf("[%s] IP tunnel established. Traffic redirected.", vmid)
	}
	log.Printf("[%s] Waiting for migration to complete...", vmid)

	// Step 6: Monitor migration status until completion or failure.
	migrationErr := waitForMigrationComplete(ctx, client, vmid)

	// Step 7: If migration failed or timed out, explicitly cancel it so QEMU
	// stops the in-progress migration and resumes the source VM. Without this,
	// the source VM stays paused and the migration stream keeps running.
	if migrationErr != nil {
		cctx, ccancel := CleanupCtx()
		if _, cancelErr := client.Cmd(cctx, vmid, "migrate_cancel", nil, CleanupTimeout); cancelErr != nil {
			log.Printf("[%s] Warning: failed to cancel migration after error: %v", vmid, cancelErr)
		} else {
			log.Printf("[%s] Migration cancelled after failure.", vmid)
		}
		ccancel()
	}

	// Always attempt cleanup regardless of migration outcome.
	// This ensures we don't leak the IP tunnel or leave block jobs running.
	if !sharedStorage {
		// Step 8: Abort the block job to stop the mirror.
		// With force:true, QEMU immediately cancels the job without
		// waiting for in-flight I/O or attempting to pivot the mirror.
		// This matches the deferred cleanup behavior. Without force,
		// QEMU may attempt to complete pending writes which can hang
		// if the NBD target is already gone.
		// Disarm the deferred safety cancel since we're handling it explicitly.
		mirrorStarted = false
		cctx, ccancel := CleanupCtx()
		if _, err := client.Cmd(cctx, vmid, "block-job-cancel", map[string]any{
			"device": jobID,
			"force":  true,
		}, CleanupTimeout); err != nil {
			log.Printf("[%s] Warning: failed to cancel block job %q: %v", vmid, jobID, err)
		} else {
			log.Printf("[%s] Storage mirror cancelled.", vmid)
		}
		ccancel()
	}

	// Step 9: Tear down the IP tunnel after allowing CNI to converge.
	if tunnelCreated {
		if migrationErr == nil {
			log.Printf("[%s] Waiting %v for CNI convergence before removing tunnel...", vmid, PostMigrationTunnelDelay)

			// Try to respect context cancellation during the delay, but we MUST
			// still tear down the tunnel. Use a select to wait.
			select {
			case <-ctx.Done():
				log.Printf("[%s] Context cancelled during CNI convergence wait; tearing down early.", vmid)
			case <-time.After(PostMigrationTunnelDelay):
			}
		}
		cctx, ccancel := CleanupCtx()
		if err := netctl.TeardownTunnel(cctx); err != nil {
			log.Printf("[%s] Warning: failed to remove IP tunnel: %v", vmid, err)
		}
		ccancel()
	}

	if migrationErr != nil {
		return fmt.Errorf("migration failed: %w", migrationErr)
	}

	log.Printf("[%s] Source cleanup complete. Migration succeeded.", vmid)
	return nil
}

// blockJobInfo mirrors the fields of QMP's query-block-jobs response entries
// that RunSource needs to track mirror progress.
type blockJobInfo struct {
	Device string `json:"device"`
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	Len    int64  `json:"len"`
	Offset int64  `json:"offset"`
}

// migrateInfo mirrors the fields of QMP's query-migrate response that
// waitForMigrationComplete needs to track convergence.
type migrateInfo struct {
	Status    string `json:"status"`
	ErrorDesc string `json:"error-desc"`
}

// waitForStorageSync polls query-block-jobs until the mirror job with the
// given ID reports ready, indicating the source and destination block devices
// are synchronized. Returns an error if the job enters a terminal error state,
// disappears unexpectedly, fails to appear within JobAppearTimeout, or does
// not become ready within StorageSyncTimeout.
func waitForStorageSync(ctx context.Context, client *mux.Client, vmid, jobID string) error {
	jobSeen := false
	appearDeadline := time.Now().Add(JobAppearTimeout)
	syncDeadline := time.Now().Add(StorageSyncTimeout)

	ticker := time.NewTicker(StoragePollInterval)
	defer ticker.Stop()

	for {
		raw, err := client.Cmd(ctx, vmid, "query-block-jobs", nil, StoragePollInterval)
		if err != nil {
			return fmt.Errorf("querying block jobs: %w", err)
		}

		var jobs []blockJobInfo
		if err = json.Unmarshal(raw, &jobs); err != nil {
			return fmt.Errorf("unmarshaling block jobs response: %w", err)
		}

		// Find our specific mirror job by ID.
		var job *blockJobInfo
		for i := range jobs {
			if jobs[i].Device == jobID {
				job = &jobs[i]
				break
			}
		}

		if job == nil {
			if jobSeen {
				// Job was running but has disappeared — it concluded (error or cancel).
				return fmt.Errorf("block mirror job %q disappeared unexpectedly (may have failed or been cancelled)", jobID)
			}
			// Job hasn't appeared yet; check if we've exceeded the appearance timeout.
			if time.Now().After(appearDeadline) {
				return fmt.Errorf("block mirror job %q did not appear within %v (drive-mirror may have failed silently)", jobID, JobAppearTimeout)
			}
		} else {
			jobSeen = true

			if job.Len > 0 {
				progress := float64(job.Offset) / float64(job.Len) * 100
				log.Printf("[%s] Storage sync progress: %.2f%%", vmid, progress)
			}

			if job.Ready {
				log.Printf("[%s] Storage mirror synchronized (BLOCK_JOB_READY).", vmid)
				return nil
			}

			// Detect terminal error states reported by QEMU block jobs.
			switch job.Status {
			case "concluded", "null":
				return fmt.Errorf("block mirror job %q entered terminal state %q without becoming ready", jobID, job.Status)
			}
		}

		if time.Now().After(syncDeadline) {
			return fmt.Errorf("storage sync for job %q did not complete within %v", jobID, StorageSyncTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// waitForMigrationComplete polls query-migrate until the migration status
// reaches a terminal state ("completed", "failed", or "cancelled"), or the
// MigrationTimeout is exceeded. The timeout prevents infinite polling if
// migration never converges (e.g., perpetual dirty page churn).
func waitForMigrationComplete(ctx context.Context, client *mux.Client, vmid string) error {
	deadline := time.Now().Add(MigrationTimeout)

	ticker := time.NewTicker(MigrationPollInterval)
	defer ticker.Stop()

	for {
		raw, err := client.Cmd(ctx, vmid, "query-migrate", nil, MigrationPollInterval)
		if err != nil {
			return fmt.Errorf("querying migration status: %w", err)
		}

		var info migrateInfo
		if err = json.Unmarshal(raw, &info); err != nil {
			return fmt.Errorf("unmarshaling migration status: %w", err)
		}

		log.Printf("[%s] Migration status: %s", vmid, info.Status)

		switch info.Status {
		case "completed":
			return nil
		case "failed":
			if info.ErrorDesc != "" {
				return fmt.Errorf("%w: %s", ErrMigrationFailed, info.ErrorDesc)
			}
			return ErrMigrationFailed
		case "cancelled":
			return ErrMigrationCancelled
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("migration did not complete within %v (last status: %s)", MigrationTimeout, info.Status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
