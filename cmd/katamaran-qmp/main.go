// katamaran-qmp orchestrates zero-packet-drop live migration for Kata
// Containers with support for both shared and non-shared (NBD drive-mirror)
// storage, and provides an ad hoc fan-out mode for issuing arbitrary QMP/QGA
// commands across many VMs at once.
//
// It coordinates three sequential migration phases:
//  1. Storage — NBD drive-mirror (skipped in shared-storage mode)
//  2. Compute — RAM pre-copy with auto-converge
//  3. Network — IPIP/GRE tunnel + tc sch_plug for zero-drop cutover
//
// Usage:
//
//	katamaran-qmp -mode <source|dest|exec> [options]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maci0/qmpmux/internal/inventory"
	"github.com/maci0/qmpmux/internal/migration"
	"github.com/maci0/qmpmux/internal/mux"
)

func main() {
	mode := flag.String("mode", "", "Role: 'source', 'dest', or 'exec'")
	inventoryPath := flag.String("inventory", "", "Path to YAML socket inventory (defaults to /var/run/qemu-server/<vmid>.{qmp,qga})")
	tapIface := flag.String("tap", "", "Tap interface name (dest mode only, leave empty to skip tc sch_plug)")
	destIP := flag.String("dest-ip", "", "Destination node IP address (source mode only)")
	vmIP := flag.String("vm-ip", "", "VM pod IP for traffic redirection (source mode only)")
	driveID := flag.String("drive-id", "drive-virtio-disk0", "QEMU block device ID to migrate")
	sharedStorage := flag.Bool("shared-storage", false, "Skip NBD drive-mirror (use with shared storage, e.g. Ceph/NFS)")
	tunnelMode := flag.String("tunnel-mode", "ipip", "Tunnel encapsulation: 'ipip' or 'gre'")
	execute := flag.String("execute", "", "Command name to run against each -vmid (exec mode only)")
	arguments := flag.String("arguments", "", "JSON object of command arguments (exec mode only)")
	timeout := flag.Duration("timeout", 3*time.Second, "Not applied: exec mode uses each command's built-in default timeout")
	connectTimeout := flag.Duration("connect-timeout", mux.DefaultConnectTimeout, "Per-session socket connect timeout")

	var vmids stringList
	flag.Var(&vmids, "vmid", "VM identifier; repeat for multiple VMs (exec mode), or a comma-separated list")

	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected arguments: %v\n\n", flag.Args())
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Create a context that is cancelled on SIGINT (Ctrl+C) or SIGTERM.
	// This ensures deferred cleanup routines are executed even if the user
	// aborts the migration manually.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolve, err := socketResolver(*inventoryPath)
	if err != nil {
		log.Fatalf("Fatal: %v", err)
	}
	client := mux.NewClient(resolve)
	client.ConnectTimeout = *connectTimeout

	switch *mode {
	case "dest":
		if len(vmids) != 1 {
			fmt.Fprintln(os.Stderr, "Error: exactly one -vmid is required for dest mode")
			os.Exit(1)
		}
		err = migration.RunDestination(ctx, client, vmids[0], *tapIface, *driveID, *sharedStorage)
	case "source":
		if len(vmids) != 1 || *destIP == "" || *vmIP == "" {
			fmt.Fprintln(os.Stderr, "Error: exactly one -vmid, -dest-ip and -vm-ip are required for source mode")
			flag.PrintDefaults()
			os.Exit(1)
		}
		if net.ParseIP(*destIP) == nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -dest-ip %q (must be a valid IP address)\n", *destIP)
			os.Exit(1)
		}
		if net.ParseIP(*vmIP) == nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -vm-ip %q (must be a valid IP address)\n", *vmIP)
			os.Exit(1)
		}
		err = migration.RunSource(ctx, client, vmids[0], *destIP, *vmIP, *driveID, *sharedStorage, *tunnelMode)
	case "exec":
		if len(vmids) == 0 || *execute == "" {
			fmt.Fprintln(os.Stderr, "Error: -vmid (repeatable) and -execute are required for exec mode")
			flag.PrintDefaults()
			os.Exit(1)
		}
		err = runExec(ctx, client, vmids, *execute, *arguments, *timeout)
	case "":
		fmt.Fprintf(os.Stderr, "Usage: %s -mode <source|dest|exec> [options]\n\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid mode %q (must be 'source', 'dest', or 'exec')\n\n", *mode)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err != nil {
		// If the error was just a context cancellation from our signal handler, don't crash.
		if errors.Is(err, context.Canceled) {
			log.Println("Aborted by user signal. Cleanup finished.")
			os.Exit(130) // standard exit code for SIGINT
		}
		log.Fatalf("Fatal: %v", err)
	}
}

// socketResolver returns a mux.SocketResolver backed by the given YAML
// inventory file, or falling back to the /var/run/qemu-server/<vmid>.{qmp,qga}
// convention when no inventory path is given.
func socketResolver(path string) (mux.SocketResolver, error) {
	if path == "" {
		return inventory.DefaultSocketPath, nil
	}
	inv, err := inventory.Load(path)
	if err != nil {
		return nil, err
	}
	return inv.Resolve, nil
}

// runExec queues execute/arguments against every vmid in targets and, once
// all of them have completed, prints each VM's response to stdout, or
// "(no response)" for a VM whose command produced none (its error is logged
// by Execute). The timeout argument is not used: queued commands run with
// their default-by-name timeouts.
func runExec(ctx context.Context, client *mux.Client, targets []string, execute, argumentsJSON string, timeout time.Duration) error {
	var args map[string]any
	if argumentsJSON != "" {
		if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
			return fmt.Errorf("parsing -arguments: %w", err)
		}
	}

	// Execute drives its single reactor loop on this goroutine; the errgroup
	// concurrency in Client.Execute only overlaps session connects, never
	// callback delivery, so these callbacks need no synchronization.
	responses := make(map[string]json.RawMessage, len(targets))
	for _, vmid := range targets {
		client.QueueCmd(vmid, func(v string, r json.RawMessage) {
			responses[v] = r
		}, execute, args)
	}

	// noerr=1: run every VM to completion; any per-VM error is logged and
	// Execute itself always succeeds, so a failure on one VM doesn't prevent
	// printing the others' results or abort the process.
	execErr := client.Execute(ctx, 1)

	for _, vmid := range targets {
		resp, ok := responses[vmid]
		if !ok {
			fmt.Printf("%s: (no response)\n", vmid)
			continue
		}
		fmt.Printf("%s: %s\n", vmid, resp)
	}
	return execErr
}

// stringList implements flag.Value, accumulating comma-separated values
// across repeated flag occurrences.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(value string) error {
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				*s = append(*s, value[start:i])
			}
			start = i + 1
		}
	}
	return nil
}
