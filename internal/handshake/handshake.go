// Package handshake implements QUAD's hole-punch client: the nine-step
// sequence a sender or receiver runs against the rendezvous helper to
// discover its partner's public endpoint and open a bidirectional UDP path
// through both NATs.
package handshake

import (
	"log"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/ealtun21/quad/internal/identifier"
)

// burstCount and burstInterval drive the synchronized punch burst: 40
// single-byte datagrams roughly 50ms apart, starting on a 500ms wall-clock
// boundary so both peers fire in the same window without exchanging a
// start signal.
const (
	burstCount    = 40
	burstInterval = 50 * time.Millisecond
	burstPeriod   = 500 * time.Millisecond
	dialTimeout   = time.Second
)

// Result is what a completed handshake hands back to the caller: a UDP
// socket connected to the partner (bound to the port used for the punch)
// and the partner's endpoint, ready to be wrapped in a saferw.Channel.
type Result struct {
	Conn    *net.UDPConn
	Partner *net.UDPAddr
}

// Punch performs the full hole-punch handshake against helperAddr, pairing
// on id, and logs its progress through logf (nil disables logging).
func Punch(helperAddr, id string, logf func(format string, args ...interface{})) (*Result, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	helperUDP, err := net.ResolveUDPAddr("udp4", helperAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "handshake: resolving helper address %q", helperAddr)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, errors.Wrap(err, "handshake: binding local socket")
	}

	partner, err := exchangeIdentifier(conn, helperUDP, id, logf)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := runPunchSequence(conn, partner); err != nil {
		conn.Close()
		return nil, err
	}

	// The punch sequence ran on an unconnected socket so every send/receive
	// could name the partner address explicitly. A connected socket bound to
	// the same local port is what the rest of the protocol wants -- it turns
	// the NAT's punched mapping into a plain Read/Write pipe with the
	// partner as the only possible peer.
	local := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()
	connected, err := net.DialUDP("udp4", local, partner)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: binding connected socket to partner")
	}

	logf("Holepunch and connection successful.")
	return &Result{Conn: connected, Partner: partner}, nil
}

// exchangeIdentifier presents the identifier to the helper and parses back
// the partner's endpoint.
func exchangeIdentifier(conn *net.UDPConn, helper *net.UDPAddr, id string, logf func(string, ...interface{})) (*net.UDPAddr, error) {
	slot := identifier.Pad(id)
	if _, err := conn.WriteToUDP(slot[:], helper); err != nil {
		return nil, errors.Wrap(err, "handshake: sending identifier to helper")
	}

	buf := make([]byte, identifier.Size)
	conn.SetReadDeadline(time.Time{})
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, errors.Wrap(err, "handshake: receiving partner endpoint from helper")
	}

	partner, err := identifier.ParseEndpoint(buf[:n])
	if err != nil {
		return nil, errors.Wrap(err, "handshake: parsing partner endpoint")
	}

	logf("Holepunching %s (partner) and :%d (you).", partner, conn.LocalAddr().(*net.UDPAddr).Port)
	return partner, nil
}

// runPunchSequence runs the synchronized burst, the drain-and-signal phase,
// and the confirmation phase.
func runPunchSequence(conn *net.UDPConn, partner *net.UDPAddr) error {
	if err := conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		return errors.Wrap(err, "handshake: setting punch deadline")
	}

	time.Sleep(burstPeriod - time.Duration(time.Now().UnixMilli()%int64(burstPeriod/time.Millisecond))*time.Millisecond)

	one := []byte{0}
	for i := 0; i < burstCount; i++ {
		start := time.Now()
		conn.SetWriteDeadline(start.Add(dialTimeout))
		conn.WriteToUDP(one, partner) //nolint:errcheck // best-effort punch packet, loss is expected
		if elapsed := time.Since(start); elapsed < burstInterval {
			time.Sleep(burstInterval - elapsed)
		}
	}

	// Drain any further 1-byte punch packets from the partner until silence
	// or a timeout, then tell the partner we've seen enough with two 2-byte
	// signal datagrams.
	buf := make([]byte, 2)
	for {
		conn.SetReadDeadline(time.Now().Add(dialTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil || n != 1 {
			break
		}
	}
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.WriteToUDP([]byte{0, 0}, partner); err != nil {
		return errors.Wrap(err, "handshake: sending first confirmation signal")
	}
	conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	if _, err := conn.WriteToUDP([]byte{0, 0}, partner); err != nil {
		return errors.Wrap(err, "handshake: sending second confirmation signal")
	}

	// Wait for the partner's first 2-byte signal (ignoring any stragglers),
	// then drain further 2-byte signals until the partner goes quiet --
	// both sides have now seen each other's confirmation.
	for {
		conn.SetReadDeadline(time.Now().Add(dialTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return errors.Wrap(err, "handshake: waiting for partner confirmation")
		}
		if n == 2 {
			break
		}
	}
	for {
		conn.SetReadDeadline(time.Now().Add(dialTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil || n != 2 {
			break
		}
	}

	return conn.SetDeadline(time.Time{})
}

// DefaultLogger adapts the standard library logger to the
// func(string, ...interface{}) shape Punch expects, matching the rest of
// the CLI's log.Println-based diagnostics.
func DefaultLogger() func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		log.Printf(format, args...)
	}
}
