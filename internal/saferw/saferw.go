package saferw

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Conn is the minimal socket surface SafeRW needs: a connected, deadline-aware
// datagram endpoint. *net.UDPConn satisfies this, as does the in-memory fake
// used by this package's tests.
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	SetReadDeadline(t time.Time) error
}

// Options tunes the protocol timing constants. The zero value is replaced
// with the defaults below by New.
type Options struct {
	// HideDrops suppresses the console notice printed the first time a
	// drop is detected in a catch-up episode (env toggle QUAD_HIDE_DROPS).
	HideDrops bool

	// AckProbe is the read deadline used while polling for Acks/
	// ResendRequests in the non-blocking phase. Default 1ms.
	AckProbe time.Duration

	// IdleTimeout is the read deadline restored once the ack phase ends,
	// and used throughout ReadSafe. Default 1s.
	IdleTimeout time.Duration

	// ResendAfter is how long the sender waits in silence before
	// assuming the last datagram was lost and retransmitting. Default 10s.
	ResendAfter time.Duration

	// EndAfter is how long End() waits in silence before giving up on a
	// possibly-dead peer. Default 5s.
	EndAfter time.Duration

	// Logf receives human-readable protocol notices (drop detected, wrap
	// observed, contact broke). Defaults to a no-op.
	Logf func(format string, args ...interface{})
}

func (o *Options) setDefaults() {
	if _, hide := os.LookupEnv("QUAD_HIDE_DROPS"); hide {
		o.HideDrops = true
	}
	if o.AckProbe <= 0 {
		o.AckProbe = time.Millisecond
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = time.Second
	}
	if o.ResendAfter <= 0 {
		o.ResendAfter = 10 * time.Second
	}
	if o.EndAfter <= 0 {
		o.EndAfter = 5 * time.Second
	}
	if o.Logf == nil {
		o.Logf = func(string, ...interface{}) {}
	}
}

// Stats is a point-in-time snapshot of channel counters, surfaced for the
// SIGUSR1 dump and the CSV telemetry logger.
type Stats struct {
	PacketsSent       uint64
	PacketsAcked      uint64
	Retransmits       uint64
	ResendRequestsOut uint64
	ResendRequestsIn  uint64
	Wraps             uint64
}

type counters struct {
	sent, acked, retransmits, resendOut, resendIn, wraps atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsSent:       c.sent.Load(),
		PacketsAcked:      c.acked.Load(),
		Retransmits:       c.retransmits.Load(),
		ResendRequestsOut: c.resendOut.Load(),
		ResendRequestsIn:  c.resendIn.Load(),
		Wraps:             c.wraps.Load(),
	}
}

// Channel implements the SafeRW protocol over a connected Conn. A Channel is
// not safe for concurrent use by multiple goroutines beyond reading Stats --
// sends and receives are meant to run on their own single-threaded call stack.
type Channel struct {
	conn Conn
	opts Options

	outstanding map[uint16][]byte
	nextOut     uint64
	nextIn      uint64

	scratch []byte

	stats counters
}

// New wraps conn in a SafeRW Channel. opts may be the zero value to accept
// all spec defaults.
func New(conn Conn, opts Options) *Channel {
	opts.setDefaults()
	return &Channel{
		conn:        conn,
		opts:        opts,
		outstanding: make(map[uint16][]byte),
	}
}

// Stats returns a snapshot of the channel's protocol counters.
func (c *Channel) Stats() Stats {
	return c.stats.snapshot()
}

// ErrPayloadTooLarge is returned (never panicked) when a caller presents a
// payload larger than MaxPayload -- a programming error that fails loudly
// instead of truncating or panicking.
var ErrPayloadTooLarge = errors.New("saferw: payload exceeds 0xFFFC bytes")

// WriteSafe sends buf as a Write packet and waits (briefly, or fully under
// back-pressure) for acknowledgement before returning.
func (c *Channel) WriteSafe(buf []byte) error {
	return c.WriteFlushSafe(buf, false)
}

// WriteFlushSafe is WriteSafe, but forces the blocking ack phase when flush
// is true.
func (c *Channel) WriteFlushSafe(buf []byte, flush bool) error {
	return c.writePacket(buf, KindWrite, flush, false)
}

// End sends a zero-length End packet, flushing and giving up after 5s of
// silence rather than 10s, then returns. The caller owns closing the
// underlying Conn afterwards.
func (c *Channel) End() error {
	return c.writePacket(nil, KindEnd, true, true)
}

func (c *Channel) writePacket(payload []byte, kind Kind, flush, exitOnLost bool) error {
	if len(payload) > MaxPayload {
		return errors.Wrapf(ErrPayloadTooLarge, "got %d bytes", len(payload))
	}

	seq := uint16(c.nextOut)
	c.nextOut++

	wire := make([]byte, HeaderSize+len(payload))
	encode(wire, seq, kind, payload)

	if err := c.sendFull(wire); err != nil {
		return errors.Wrap(err, "saferw: send")
	}
	c.outstanding[seq] = wire
	c.stats.sent.Add(1)

	wait := seq == 0xFFFF || flush
	if len(c.outstanding) < backpressureLimit {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.AckProbe)); err != nil {
			return errors.Wrap(err, "saferw: set ack-probe deadline")
		}
	} else {
		wait = true
	}

	if seq == 0xFFFF {
		c.opts.Logf("packet id needs to wrap, waiting for partner to catch up...")
	}

	start := time.Now()
	loggedDrop := false
	ctrl := make([]byte, HeaderSize)

	for {
		n, err := c.conn.Read(ctrl)
		if err != nil {
			if time.Since(start) > c.opts.EndAfter && exitOnLost {
				break
			}
			if time.Since(start) > c.opts.ResendAfter {
				if _, ok := c.outstanding[seq]; ok {
					c.opts.Logf("10s passed since last packet, contact broke, resending")
					if err := c.sendFull(c.outstanding[seq]); err != nil {
						return errors.Wrap(err, "saferw: resend on silence")
					}
					c.stats.retransmits.Add(1)
					start = time.Now()
				} else {
					break // latest packet already Acked, nothing left to lose
				}
			}
			if !wait {
				break
			}
			continue
		}
		if n != HeaderSize {
			continue
		}
		id, kind := decodeHeader(ctrl)
		switch kind {
		case KindAck:
			delete(c.outstanding, id)
			c.stats.acked.Add(1)
			if id == seq {
				if seq == 0xFFFF {
					c.opts.Logf("packet id wrap successful")
					c.stats.wraps.Add(1)
				}
				wait = false
				c.outstanding = make(map[uint16][]byte)
			}
		case KindResendRequest:
			c.stats.resendIn.Add(1)
			if !loggedDrop {
				if !c.opts.HideDrops {
					c.opts.Logf("a packet dropped: %d", id)
				}
				loggedDrop = true
			}
			wait = true
			if err := c.resendFrom(id, seq); err != nil {
				return err
			}
		}
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
		return errors.Wrap(err, "saferw: restore idle deadline")
	}
	return nil
}

// resendFrom retransmits every still-outstanding datagram in [from, upTo],
// stopping at the first gap or at the 0xFFFF->0 wrap boundary.
func (c *Channel) resendFrom(from, upTo uint16) error {
	for n := from; ; {
		if n > upTo {
			break
		}
		if upTo == 0xFFFF && n == 0 {
			break
		}
		wire, ok := c.outstanding[n]
		if !ok {
			break
		}
		if err := c.sendFull(wire); err != nil {
			return errors.Wrap(err, "saferw: resend")
		}
		c.stats.retransmits.Add(1)
		if n == 0xFFFF {
			n = 0
		} else {
			n++
		}
	}
	return nil
}

// sendFull retries a Write until the full datagram goes out.
func (c *Channel) sendFull(wire []byte) error {
	for {
		n, err := c.conn.Write(wire)
		if err != nil {
			continue
		}
		if n != len(wire) {
			continue
		}
		return nil
	}
}

// sendControl sends a 3-byte Ack or ResendRequest, retrying on partial send.
func (c *Channel) sendControl(seq uint16, kind Kind) error {
	wire := make([]byte, HeaderSize)
	encode(wire, seq, kind, nil)
	return c.sendFull(wire)
}

// ReadSafe blocks until the next in-order payload arrives, writing it into
// buf and returning its length. A zero-length, nil-error return means the
// sender issued an End. len(buf) bounds the maximum payload this call can
// accept and must match the sender's chunk size.
func (c *Channel) ReadSafe(buf []byte) (int, error) {
	if len(buf) > MaxPayload {
		return 0, errors.Wrapf(ErrPayloadTooLarge, "got %d bytes", len(buf))
	}
	need := HeaderSize + len(buf)
	if cap(c.scratch) < need {
		c.scratch = make([]byte, need)
	}
	scratch := c.scratch[:need]

	catchingUp := false
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout)); err != nil {
			return 0, errors.Wrap(err, "saferw: set read deadline")
		}
		n, err := c.conn.Read(scratch)
		if err != nil {
			continue
		}
		if n < HeaderSize {
			continue
		}
		id, kind := decodeHeader(scratch[:n])
		expected := uint16(c.nextIn)

		if notNewer(id, expected) {
			if err := c.sendControl(id, KindAck); err != nil {
				return 0, errors.Wrap(err, "saferw: send ack")
			}
		}

		if id == expected {
			c.nextIn++
			if id == 0xFFFF {
				c.opts.Logf("packet id wrap successful")
				c.stats.wraps.Add(1)
			}
			if kind == KindEnd {
				return 0, nil
			}
			return copy(buf, scratch[HeaderSize:n]), nil
		}

		if isNewer(id, expected) {
			if !catchingUp {
				if !c.opts.HideDrops {
					c.opts.Logf("a packet dropped: %d (got) is newer than %d (expected)", id, expected)
				}
				catchingUp = true
				c.stats.resendOut.Add(1)
				if err := c.sendControl(expected, KindResendRequest); err != nil {
					return 0, errors.Wrap(err, "saferw: send resend request")
				}
			}
		}
		// else: older/duplicate-in-wrap-region packet; the Ack above already
		// covers it.
	}
}
