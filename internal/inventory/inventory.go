// Package inventory provides a YAML-backed implementation of
// mux.SocketResolver: a static mapping from vmid to the QMP/QGA unix socket
// paths for that VM.
package inventory

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry describes one VM's socket locations. QGAPath is optional; a VM with
// no guest agent configured leaves it empty.
type Entry struct {
	VMID    string `yaml:"vmid"`
	QMPPath string `yaml:"qmp_socket"`
	QGAPath string `yaml:"qga_socket,omitempty"`
}

// Inventory is a loaded set of Entries keyed by vmid.
type Inventory struct {
	entries map[string]Entry
}

type file struct {
	VMs []Entry `yaml:"vms"`
}

// Load reads a YAML inventory file of the form:
//
//	vms:
//	  - vmid: "101"
//	    qmp_socket: /run/vc/vm/101/qmp.sock
//	    qga_socket: /run/vc/vm/101/qga.sock
//
// A missing file is not an error: it returns an empty Inventory, so
// SocketPath falls back to the default /var/run/qemu-server/<vmid>.{qmp,qga}
// convention for every vmid, preserving the opaque-collaborator contract for
// callers that don't need an inventory file at all.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Inventory{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading inventory %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}

	inv := &Inventory{entries: make(map[string]Entry, len(f.VMs))}
	for _, e := range f.VMs {
		if e.VMID == "" {
			return nil, fmt.Errorf("inventory %s: entry with empty vmid", path)
		}
		if e.QMPPath == "" {
			return nil, fmt.Errorf("inventory %s: vmid %s missing qmp_socket", path, e.VMID)
		}
		inv.entries[e.VMID] = e
	}
	return inv, nil
}

// SocketPath returns the socket path for vmid's QMP or QGA transport. The
// bool reports whether the path came from an explicit inventory entry (true)
// or the /var/run/qemu-server/<vmid>.{qmp,qga} default convention (false);
// either way the returned path is always usable, so SocketPath itself never
// fails.
func (inv *Inventory) SocketPath(vmid string, qga bool) (string, bool) {
	if inv != nil {
		if e, ok := inv.entries[vmid]; ok {
			if qga && e.QGAPath != "" {
				return e.QGAPath, true
			}
			if !qga && e.QMPPath != "" {
				return e.QMPPath, true
			}
		}
	}
	path, _ := DefaultSocketPath(vmid, qga)
	return path, false
}

// Resolve adapts Inventory to mux.SocketResolver without internal/mux needing
// to import this package. It never fails: see SocketPath.
func (inv *Inventory) Resolve(vmid string, qga bool) (string, error) {
	path, _ := inv.SocketPath(vmid, qga)
	return path, nil
}

// DefaultSocketPath reproduces the convention used when no inventory file is
// given: sockets live at /var/run/qemu-server/<vmid>.qmp and .qga.
func DefaultSocketPath(vmid string, qga bool) (string, error) {
	ext := "qmp"
	if qga {
		ext = "qga"
	}
	return fmt.Sprintf("/var/run/qemu-server/%s.%s", vmid, ext), nil
}
