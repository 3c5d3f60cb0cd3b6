//go:build !linux

package conn

import (
	"net"
	"os"
)

// sendFile is the portable pread+write path used on every platform
// other than Linux; the Linux build (sendfile_linux.go) calls
// sendFileFallback directly when its sendfile(2) fast path can't be
// used. SPEC_FULL.md §9 requires the scatter/gather framing to be
// honored byte-for-byte regardless of which transfer primitive serves
// it.
func sendFile(nc net.Conn, file *os.File, offset, length int64) error {
	return sendFileFallback(nc, file, offset, length)
}
