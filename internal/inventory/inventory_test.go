package inventory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeInventory(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestLoad_ValidInventory(t *testing.T) {
	t.Parallel()
	path := writeInventory(t, `
vms:
  - vmid: "101"
    qmp_socket: /run/vc/vm/101/qmp.sock
    qga_socket: /run/vc/vm/101/qga.sock
  - vmid: "102"
    qmp_socket: /run/vc/vm/102/qmp.sock
`)

	inv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, ok := inv.SocketPath("101", false)
	if !ok || p != "/run/vc/vm/101/qmp.sock" {
		t.Fatalf("SocketPath(101, qmp) = %q, %v", p, ok)
	}
	p, ok = inv.SocketPath("101", true)
	if !ok || p != "/run/vc/vm/101/qga.sock" {
		t.Fatalf("SocketPath(101, qga) = %q, %v", p, ok)
	}
	// vmid 102 has no configured QGA socket, and vmid 999 isn't in the
	// inventory at all — both fall back to the default convention rather
	// than failing.
	p, ok = inv.SocketPath("102", true)
	if ok || p != "/var/run/qemu-server/102.qga" {
		t.Fatalf("SocketPath(102, qga) = %q, %v, want default path and ok=false", p, ok)
	}
	p, ok = inv.SocketPath("999", false)
	if ok || p != "/var/run/qemu-server/999.qmp" {
		t.Fatalf("SocketPath(999, qmp) = %q, %v, want default path and ok=false", p, ok)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	inv, err := Load("/nonexistent/inventory.yaml")
	if err != nil {
		t.Fatalf("Load on missing file should not error, got: %v", err)
	}
	p, ok := inv.SocketPath("101", false)
	if ok || p != "/var/run/qemu-server/101.qmp" {
		t.Fatalf("SocketPath(101, qmp) = %q, %v, want default path and ok=false", p, ok)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	t.Parallel()
	path := writeInventory(t, "vms: [this is not: valid: yaml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_EmptyVMID(t *testing.T) {
	t.Parallel()
	path := writeInventory(t, `
vms:
  - vmid: ""
    qmp_socket: /run/vc/vm/x/qmp.sock
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "empty vmid") {
		t.Fatalf("expected empty-vmid error, got: %v", err)
	}
}

func TestLoad_MissingQMPSocket(t *testing.T) {
	t.Parallel()
	path := writeInventory(t, `
vms:
  - vmid: "101"
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "missing qmp_socket") {
		t.Fatalf("expected missing-qmp_socket error, got: %v", err)
	}
}

func TestInventory_Resolve(t *testing.T) {
	t.Parallel()
	path := writeInventory(t, `
vms:
  - vmid: "101"
    qmp_socket: /run/vc/vm/101/qmp.sock
`)
	inv, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := inv.Resolve("101", false)
	if err != nil || p != "/run/vc/vm/101/qmp.sock" {
		t.Fatalf("Resolve(101, qmp) = %q, %v", p, err)
	}

	// Resolve never fails: an unconfigured QGA socket or unknown vmid falls
	// back to the default convention path instead.
	p, err = inv.Resolve("101", true)
	if err != nil || p != "/var/run/qemu-server/101.qga" {
		t.Fatalf("Resolve(101, qga) = %q, %v, want default path and nil error", p, err)
	}
	p, err = inv.Resolve("999", false)
	if err != nil || p != "/var/run/qemu-server/999.qmp" {
		t.Fatalf("Resolve(999, qmp) = %q, %v, want default path and nil error", p, err)
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Parallel()
	p, err := DefaultSocketPath("101", false)
	if err != nil || p != "/var/run/qemu-server/101.qmp" {
		t.Fatalf("DefaultSocketPath(101, qmp) = %q, %v", p, err)
	}
	p, err = DefaultSocketPath("101", true)
	if err != nil || p != "/var/run/qemu-server/101.qga" {
		t.Fatalf("DefaultSocketPath(101, qga) = %q, %v", p, err)
	}
}
