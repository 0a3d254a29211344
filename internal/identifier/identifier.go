// Package identifier implements the fixed-width, zero-padded 200-byte
// encoding used both for the pairing identifier clients present to the
// rendezvous helper and for the "host:port" endpoint strings the helper
// hands back.
package identifier

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Size is the fixed slot width for both identifiers and endpoint strings
// on the wire.
const Size = 200

// Pad left-aligns s into a zero-padded Size-byte slot, truncating if s is
// longer than Size bytes (mirrors original_source/src/main.rs's
// `data.len().min(200)` clamp rather than rejecting long input).
func Pad(s string) [Size]byte {
	var out [Size]byte
	n := copy(out[:], s)
	_ = n
	return out
}

// Unpad strips trailing zero bytes and returns the printable string they
// were padding.
func Unpad(b []byte) string {
	trimmed := bytes.TrimRight(b, "\x00")
	return string(trimmed)
}

// EncodeEndpoint renders addr as a zero-padded Size-byte "host:port" slot,
// the format the rendezvous helper sends back to each peer.
func EncodeEndpoint(addr *net.UDPAddr) [Size]byte {
	return Pad(addr.String())
}

// ParseEndpoint parses a Size-byte (or shorter, already-trimmed) slot as an
// IPv4 "a.b.c.d:p" endpoint: trailing zero bytes are stripped, then the
// result is parsed as IPv4. IPv6 endpoints are rejected.
func ParseEndpoint(b []byte) (*net.UDPAddr, error) {
	s := Unpad(b)
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, errors.Wrapf(err, "malformed endpoint %q", s)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, errors.Errorf("endpoint %q is not a valid IPv4 address", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, errors.Errorf("endpoint %q has an invalid port", s)
	}
	return &net.UDPAddr{IP: ip.To4(), Port: port}, nil
}

// String is a debug helper -- not used on the wire.
func String(b [Size]byte) string {
	return fmt.Sprintf("%q", Unpad(b[:]))
}
