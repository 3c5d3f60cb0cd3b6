//go:build linux

package conn

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// sendFile transfers length bytes from file starting at offset directly
// to the socket's underlying file descriptor via the sendfile(2) syscall,
// avoiding a copy through userspace. It falls back to pread+write if the
// connection isn't backed by a raw fd (should not happen for net.TCPConn)
// or if the kernel call itself fails partway, in which case it resumes
// from wherever sendfile left off.
func sendFile(nc net.Conn, file *os.File, offset, length int64) error {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return sendFileFallback(nc, file, offset, length)
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return sendFileFallback(nc, file, offset, length)
	}

	remaining := length
	pos := offset

	ctrlErr := raw.Control(func(fd uintptr) {
		for remaining > 0 {
			off := pos
			n, err := unix.Sendfile(int(fd), int(file.Fd()), &off, int(remaining))
			if n > 0 {
				remaining -= int64(n)
				pos += int64(n)
			}
			if err != nil {
				if err == unix.EAGAIN || err == unix.EINTR {
					continue
				}
				return
			}
			if n == 0 {
				break
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	if remaining > 0 {
		return sendFileFallback(nc, file, pos, remaining)
	}
	return nil
}
