package mux

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// startFakeSocket creates a UNIX listener in t.TempDir, accepts exactly one
// connection, and runs handler on it. It mirrors the fake-server pattern
// used against the single-VM client this package generalizes.
func startFakeSocket(t *testing.T, name string, handler func(conn net.Conn)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	return path
}

func qmpGreetAndHandshake(conn net.Conn) {
	conn.Write([]byte(`{"QMP":{"version":{"qemu":{"major":8,"minor":0,"micro":0}}}}` + "\n"))
	buf := make([]byte, 4096)
	n, _ := conn.Read(buf)
	var req map[string]json.RawMessage
	json.Unmarshal(buf[:n], &req)
	var id string
	json.Unmarshal(req["id"], &id)
	conn.Write([]byte(fmt.Sprintf(`{"return":{},"id":%q}`, id) + "\n"))
}

func readLine(conn net.Conn, buf *[]byte) (map[string]json.RawMessage, error) {
	chunk := make([]byte, 4096)
	n, err := conn.Read(chunk)
	if err != nil {
		return nil, err
	}
	*buf = append(*buf, chunk[:n]...)
	idx := -1
	for i, b := range *buf {
		if b == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no complete line yet")
	}
	line := (*buf)[:idx]
	*buf = (*buf)[idx+1:]
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	return lines
}

func resolverFor(paths map[string]map[bool]string) SocketResolver {
	return func(vmid string, qga bool) (string, error) {
		byQGA, ok := paths[vmid]
		if !ok {
			return "", fmt.Errorf("unknown vmid %s", vmid)
		}
		p, ok := byQGA[qga]
		if !ok {
			return "", fmt.Errorf("no socket for vmid %s qga=%v", vmid, qga)
		}
		return p, nil
	}
}

func TestClient_QMPRoundTrip(t *testing.T) {
	sock := startFakeSocket(t, "qmp.sock", func(conn net.Conn) {
		qmpGreetAndHandshake(conn)

		var residual []byte
		obj, err := readLine(conn, &residual)
		if err != nil {
			t.Errorf("reading query-status: %v", err)
			return
		}
		var exec string
		json.Unmarshal(obj["execute"], &exec)
		if exec != "query-status" {
			t.Errorf("got execute %q, want query-status", exec)
		}
		var id string
		json.Unmarshal(obj["id"], &id)
		conn.Write([]byte(fmt.Sprintf(`{"return":{"status":"running"},"id":%q}`, id) + "\n"))
	})

	c := NewClient(resolverFor(map[string]map[bool]string{
		"101": {false: sock},
	}))
	c.ConnectTimeout = 2 * time.Second

	resp, err := c.Cmd(context.Background(), "101", "query-status", nil, time.Second)
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(resp, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if string(got["status"]) != `"running"` {
		t.Fatalf("expected status \"running\" in %s", resp)
	}
}

func TestClient_QMPProtocolError(t *testing.T) {
	sock := startFakeSocket(t, "qmp.sock", func(conn net.Conn) {
		qmpGreetAndHandshake(conn)
		var residual []byte
		if _, err := readLine(conn, &residual); err != nil {
			return
		}
		conn.Write([]byte(`{"error":{"class":"GenericError","desc":"Device 'foo' not found"}}` + "\n"))
	})

	c := NewClient(resolverFor(map[string]map[bool]string{
		"102": {false: sock},
	}))

	_, err := c.Cmd(context.Background(), "102", "eject", map[string]any{"device": "foo"}, time.Second)
	if err == nil {
		t.Fatal("expected protocol error")
	}
	var merr *Error
	if !asMuxError(err, &merr) {
		t.Fatalf("expected *mux.Error, got %T: %v", err, err)
	}
	if merr.Kind != ErrProtocolRefused {
		t.Fatalf("expected ErrProtocolRefused, got %v", merr.Kind)
	}
}

func TestClient_QGARoundTrip(t *testing.T) {
	sock := startFakeSocket(t, "qga.sock", func(conn net.Conn) {
		buf := make([]byte, 8192)
		n, err := conn.Read(buf)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		data := buf[:n]
		lines := splitLines(data)
		if len(lines) < 1 {
			t.Errorf("no sync line in %s", data)
			return
		}
		var sync map[string]json.RawMessage
		json.Unmarshal(lines[0], &sync)
		var args struct {
			ID int64 `json:"id"`
		}
		json.Unmarshal(sync["arguments"], &args)

		resp := fmt.Sprintf(`{"return":%d}`, args.ID) + "\n" + `{"return":"1.2.3"}` + "\n"
		conn.Write([]byte("\xff" + resp))
	})

	c := NewClient(resolverFor(map[string]map[bool]string{
		"103": {true: sock},
	}))

	resp, err := c.Cmd(context.Background(), "103", "guest-info", nil, time.Second)
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}
	var version string
	if err := json.Unmarshal(resp, &version); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if version != "1.2.3" {
		t.Fatalf("got %q, want 1.2.3", version)
	}
}

func TestClient_ConnectFailureSurfacesPerVM(t *testing.T) {
	c := NewClient(resolverFor(map[string]map[bool]string{
		"104": {false: "/nonexistent/path/does/not/exist.sock"},
	}))
	c.ConnectTimeout = 200 * time.Millisecond

	_, err := c.Cmd(context.Background(), "104", "query-status", nil, time.Second)
	if err == nil {
		t.Fatal("expected connect error")
	}
	var merr *Error
	if !asMuxError(err, &merr) {
		t.Fatalf("expected *mux.Error, got %T", err)
	}
	if merr.Kind != ErrConnect {
		t.Fatalf("expected ErrConnect, got %v", merr.Kind)
	}
}

func TestClient_TimeoutWhenServerSilent(t *testing.T) {
	sock := startFakeSocket(t, "qmp.sock", func(conn net.Conn) {
		qmpGreetAndHandshake(conn)
		time.Sleep(2 * time.Second)
	})

	c := NewClient(resolverFor(map[string]map[bool]string{
		"105": {false: sock},
	}))

	_, err := c.Cmd(context.Background(), "105", "query-status", nil, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var merr *Error
	if !asMuxError(err, &merr) {
		t.Fatalf("expected *mux.Error, got %T", err)
	}
	if merr.Kind != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", merr.Kind)
	}
}

func TestClient_MultiVMFanOut(t *testing.T) {
	paths := map[string]map[bool]string{}
	for _, vmid := range []string{"201", "202", "203"} {
		vmid := vmid
		sock := startFakeSocket(t, vmid+".sock", func(conn net.Conn) {
			qmpGreetAndHandshake(conn)
			var residual []byte
			obj, err := readLine(conn, &residual)
			if err != nil {
				return
			}
			var id string
			json.Unmarshal(obj["id"], &id)
			conn.Write([]byte(fmt.Sprintf(`{"return":{"vmid":%q},"id":%q}`, vmid, id) + "\n"))
		})
		paths[vmid] = map[bool]string{false: sock}
	}

	c := NewClient(resolverFor(paths))
	results := map[string]json.RawMessage{}
	for vmid := range paths {
		vmid := vmid
		c.QueueCmd(vmid, func(v string, r json.RawMessage) {
			results[v] = r
		}, "query-status", nil)
	}

	if err := c.Execute(context.Background(), 1); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
}

func TestClient_NoErrZero_ConcatenatesAllFailuresAndRunsOthersToCompletion(t *testing.T) {
	goodSock := startFakeSocket(t, "good.sock", func(conn net.Conn) {
		qmpGreetAndHandshake(conn)
		var residual []byte
		obj, err := readLine(conn, &residual)
		if err != nil {
			return
		}
		var id string
		json.Unmarshal(obj["id"], &id)
		conn.Write([]byte(fmt.Sprintf(`{"return":{},"id":%q}`, id) + "\n"))
	})

	c := NewClient(resolverFor(map[string]map[bool]string{
		"301": {false: "/nonexistent/301.sock"},
		"302": {false: "/nonexistent/302.sock"},
		"303": {false: goodSock},
	}))
	c.ConnectTimeout = 200 * time.Millisecond

	var goodCalled bool
	c.QueueCmd("301", func(string, json.RawMessage) {}, "query-status", nil)
	c.QueueCmd("302", func(string, json.RawMessage) {}, "query-status", nil)
	c.QueueCmd("303", func(string, json.RawMessage) { goodCalled = true }, "query-status", nil)

	err := c.Execute(context.Background(), 0)
	if err == nil {
		t.Fatal("expected a concatenated error for the two failing VMs")
	}
	if !strings.Contains(err.Error(), "301") || !strings.Contains(err.Error(), "302") {
		t.Fatalf("expected both failing vmids in aggregated error, got: %v", err)
	}
	if !strings.Contains(err.Error(), "2 VM(s) failed") {
		t.Fatalf("expected a 2-VM count in aggregated error, got: %v", err)
	}
	if !goodCalled {
		t.Fatal("expected the non-failing session to still run to completion under noerr=0")
	}
}

func TestClient_NoErrOne_LogsAndReturnsNil(t *testing.T) {
	c := NewClient(resolverFor(map[string]map[bool]string{
		"304": {false: "/nonexistent/304.sock"},
	}))
	c.ConnectTimeout = 200 * time.Millisecond
	c.QueueCmd("304", func(string, json.RawMessage) {}, "query-status", nil)

	if err := c.Execute(context.Background(), 1); err != nil {
		t.Fatalf("Execute with noerr=1 should always return nil, got: %v", err)
	}
}

func TestSession_EmptyExecute_ErrUsage(t *testing.T) {
	sock := startFakeSocket(t, "qmp.sock", func(conn net.Conn) {
		qmpGreetAndHandshake(conn)
	})
	c := NewClient(resolverFor(map[string]map[bool]string{
		"305": {false: sock},
	}))

	_, err := c.Cmd(context.Background(), "305", "", nil, time.Second)
	if err == nil {
		t.Fatal("expected an error for an empty execute")
	}
	var merr *Error
	if !asMuxError(err, &merr) {
		t.Fatalf("expected *mux.Error, got %T: %v", err, err)
	}
	if merr.Kind != ErrUsage {
		t.Fatalf("expected ErrUsage, got %v", merr.Kind)
	}
}

func TestClient_QGAStaleSyncDiscarded(t *testing.T) {
	sock := startFakeSocket(t, "qga.sock", func(conn net.Conn) {
		buf := make([]byte, 8192)
		n, err := conn.Read(buf)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		lines := splitLines(buf[:n])
		if len(lines) < 1 {
			t.Errorf("no sync line in %s", buf[:n])
			return
		}
		var sync map[string]json.RawMessage
		json.Unmarshal(lines[0], &sync)
		var args struct {
			ID int64 `json:"id"`
		}
		json.Unmarshal(sync["arguments"], &args)

		// A stale sync echo from an earlier, already-abandoned exchange,
		// followed by the real response for the current command.
		stale := fmt.Sprintf(`{"return":%d}`, args.ID-1) + "\n" + `{"return":"stale"}` + "\n"
		real := fmt.Sprintf(`{"return":%d}`, args.ID) + "\n" + `{"return":"1.2.3"}` + "\n"
		conn.Write([]byte("\xff" + stale + "\xff" + real))
	})

	c := NewClient(resolverFor(map[string]map[bool]string{
		"306": {true: sock},
	}))

	resp, err := c.Cmd(context.Background(), "306", "guest-info", nil, time.Second)
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}
	var version string
	if err := json.Unmarshal(resp, &version); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if version != "1.2.3" {
		t.Fatalf("got %q, want 1.2.3 (stale sync echo should have been discarded)", version)
	}
}

func TestClient_AddFdSendsAncillaryDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmp.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	gotFD := make(chan bool, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		uconn := conn.(*net.UnixConn)
		uconn.Write([]byte(`{"QMP":{"version":{"qemu":{"major":8,"minor":0,"micro":0}}}}` + "\n"))

		data := make([]byte, 4096)
		oob := make([]byte, 4096)
		n, oobn, _, _, err := uconn.ReadMsgUnix(data, oob)
		if err != nil {
			t.Errorf("ReadMsgUnix (handshake): %v", err)
			return
		}
		var req map[string]json.RawMessage
		json.Unmarshal(data[:n], &req)
		var id string
		json.Unmarshal(req["id"], &id)
		uconn.Write([]byte(fmt.Sprintf(`{"return":{},"id":%q}`, id) + "\n"))

		n, oobn, _, _, err = uconn.ReadMsgUnix(data, oob)
		if err != nil {
			t.Errorf("ReadMsgUnix (add-fd): %v", err)
			return
		}
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil || len(scms) == 0 {
			gotFD <- false
		} else {
			fds, err := unix.ParseUnixRights(&scms[0])
			gotFD <- err == nil && len(fds) == 1
		}
		json.Unmarshal(data[:n], &req)
		json.Unmarshal(req["id"], &id)
		uconn.Write([]byte(fmt.Sprintf(`{"return":{"fdset-id":1},"id":%q}`, id) + "\n"))
	}()

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("open devnull: %v", err)
	}
	defer f.Close()

	c := NewClient(resolverFor(map[string]map[bool]string{
		"307": {false: path},
	}))

	_, err = c.Cmd(context.Background(), "307", "add-fd", map[string]any{"fd": f}, time.Second)
	if err != nil {
		t.Fatalf("Cmd: %v", err)
	}
	select {
	case ok := <-gotFD:
		if !ok {
			t.Fatal("expected an SCM_RIGHTS ancillary fd on the add-fd write")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to observe the add-fd write")
	}
}

// asMuxError unwraps err looking for a *mux.Error, the way a caller would
// with errors.As, without importing "errors" just for this helper.
func asMuxError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
