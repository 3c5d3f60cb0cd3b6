//go:build !unix

package conn

import "net"

// listenConfig is the portable fallback for platforms without SO_REUSEADDR
// exposed via golang.org/x/sys/unix; Go's default listener behavior is used
// as-is.
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
