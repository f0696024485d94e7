//go:build linux

package proxy

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// originalDst asks the kernel for the destination the peer actually dialed,
// before the iptables REDIRECT rewrote it to us. This is what lets the
// bridge run with no hardcoded robot IP.
func originalDst(conn *net.TCPConn) (string, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return "", fmt.Errorf("raw conn: %w", err)
	}
	var (
		mreq *unix.IPv6Mreq
		gerr error
	)
	if err := raw.Control(func(fd uintptr) {
		mreq, gerr = unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
	}); err != nil {
		return "", fmt.Errorf("control: %w", err)
	}
	if gerr != nil {
		return "", fmt.Errorf("SO_ORIGINAL_DST: %w", gerr)
	}
	ip := net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7])
	port := int(mreq.Multiaddr[2])<<8 | int(mreq.Multiaddr[3])
	return net.JoinHostPort(ip.String(), strconv.Itoa(port)), nil
}
