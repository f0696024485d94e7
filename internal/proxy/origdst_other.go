//go:build !linux

package proxy

import (
	"errors"
	"net"
)

// Transparent original-destination recovery needs SO_ORIGINAL_DST, which
// only exists on Linux netfilter. Other platforms rely on the configured
// target address.
func originalDst(*net.TCPConn) (string, error) {
	return "", errors.New("original destination lookup unsupported on this platform")
}
