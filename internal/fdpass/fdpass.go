// Package fdpass sends a single command frame together with one ancillary
// file descriptor over a connected UNIX socket, via SCM_RIGHTS. It backs the
// add-fd/getfd QMP commands, which must hand QEMU a live fd rather than a
// path (the fd may already be unlinked, or refer to an fd the caller holds
// open for a reason the remote process cannot otherwise name).
package fdpass

import (
	"fmt"
	"net"
	"syscall"
)

// Send writes data to conn with fd attached as an ancillary SCM_RIGHTS
// payload. A negative or otherwise unwritable fd is a caller error; any
// failure to send is fatal to the owning session.
func Send(conn *net.UnixConn, data []byte, fd uintptr) error {
	rights := syscall.UnixRights(int(fd))

	n, oobn, err := conn.WriteMsgUnix(data, rights, nil)
	if err != nil {
		return fmt.Errorf("sendfd failed: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("sendfd failed: short write (%d of %d bytes)", n, len(data))
	}
	if oobn != len(rights) {
		return fmt.Errorf("sendfd failed: ancillary payload truncated (%d of %d bytes)", oobn, len(rights))
	}
	return nil
}
