// Package rendezvous implements the helper half of QUAD's NAT traversal:
// a stateless public UDP endpoint that pairs two clients presenting the
// same 200-byte identifier and echoes each peer's observed address back to
// the other.
package rendezvous

import (
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/ealtun21/quad/internal/identifier"
)

// PacketConn is the subset of net.PacketConn the helper needs, so tests can
// substitute an in-memory fake.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
}

// Metrics is an optional set of counters the helper updates as it runs;
// the zero value (all nil funcs) disables metrics entirely. cmd/quad wires
// this to Prometheus counters.
type Metrics struct {
	PacketsReceived func()
	MalformedDrops  func()
	PairingsFormed  func()
	TableSize       func(n int)
}

func (m *Metrics) inc(f func()) {
	if f != nil {
		f()
	}
}

// Helper is the pairing table plus the counters/log sink that observe it.
// It is not safe for concurrent use from outside Run -- the table is only
// ever touched from the single receive loop.
type Helper struct {
	conn    PacketConn
	table   map[[identifier.Size]byte]net.Addr
	metrics Metrics
	logf    func(format string, args ...interface{})

	mu sync.Mutex // guards table for the TableSize metric read from outside Run
}

// New constructs a Helper over conn. logf defaults to a no-op if nil.
func New(conn PacketConn, metrics Metrics, logf func(string, ...interface{})) *Helper {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Helper{
		conn:    conn,
		table:   make(map[[identifier.Size]byte]net.Addr),
		metrics: metrics,
		logf:    logf,
	}
}

// TableSize reports the current number of pending (unpaired) identifiers.
func (h *Helper) TableSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.table)
}

// Run services the pairing protocol until a read from conn fails, and then
// returns that read error wrapped:
//  1. receive exactly 200 bytes, else drop;
//  2. on first sighting of an identifier, remember the sender's address;
//  3. on the second sighting, exchange both peers' endpoints and forget it.
func (h *Helper) Run() error {
	buf := make([]byte, identifier.Size)
	for {
		n, addr, err := h.conn.ReadFrom(buf)
		if err != nil {
			return errors.Wrap(err, "rendezvous: read")
		}
		h.metrics.inc(h.metrics.PacketsReceived)

		if n != identifier.Size {
			h.metrics.inc(h.metrics.MalformedDrops)
			continue
		}

		var key [identifier.Size]byte
		copy(key[:], buf[:n])

		h.mu.Lock()
		first, known := h.table[key]
		if !known {
			h.table[key] = addr
		}
		size := len(h.table)
		h.mu.Unlock()
		if h.metrics.TableSize != nil {
			h.metrics.TableSize(size)
		}

		if !known {
			continue
		}

		if err := h.pair(key, first, addr); err != nil {
			h.logf("rendezvous: pairing failed: %v", err)
		}
	}
}

// pair completes the second-sighting exchange: send each endpoint to the
// opposite peer, and only forget the pairing if both sends succeeded.
func (h *Helper) pair(key [identifier.Size]byte, first, second net.Addr) error {
	firstUDP, ok1 := first.(*net.UDPAddr)
	secondUDP, ok2 := second.(*net.UDPAddr)
	if !ok1 || !ok2 {
		return errors.New("rendezvous: non-UDP peer address")
	}

	firstSlot := identifier.EncodeEndpoint(firstUDP)
	secondSlot := identifier.EncodeEndpoint(secondUDP)

	_, err1 := h.conn.WriteTo(secondSlot[:], first)
	_, err2 := h.conn.WriteTo(firstSlot[:], second)
	if err1 != nil || err2 != nil {
		return errors.Errorf("send to peers failed (first=%v, second=%v)", err1, err2)
	}

	h.mu.Lock()
	delete(h.table, key)
	size := len(h.table)
	h.mu.Unlock()
	h.metrics.inc(h.metrics.PairingsFormed)
	if h.metrics.TableSize != nil {
		h.metrics.TableSize(size)
	}

	h.logf("helped %s and %s", first, second)
	return nil
}

// RunUDP opens a UDP socket on the given port across all interfaces and
// runs the helper loop on it -- the cmd/quad entry point for `quad helper`.
func RunUDP(port int, metrics Metrics, logf func(string, ...interface{})) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return errors.Wrap(err, "rendezvous: listen")
	}
	defer conn.Close()
	return New(conn, metrics, logf).Run()
}
