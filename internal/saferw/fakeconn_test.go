package saferw

import (
	"os"
	"sync"
	"time"
)

// linkFilter decides the fate of a single datagram crossing a testLink in
// one direction: return the copies that should actually be delivered (zero
// for a drop, two for a duplicate, reordered order for reorder tests).
type linkFilter func(pkt []byte) [][]byte

// testLink is an in-memory, deadline-aware, single-direction datagram pipe
// used to drive saferw.Channel against controlled loss/duplication/
// reordering instead of a real socket.
type testLink struct {
	filter linkFilter
	ch     chan []byte
}

func newTestLink(filter linkFilter) *testLink {
	return &testLink{filter: filter, ch: make(chan []byte, 4096)}
}

func (l *testLink) send(pkt []byte) {
	cp := append([]byte(nil), pkt...)
	out := [][]byte{cp}
	if l.filter != nil {
		out = l.filter(cp)
	}
	for _, o := range out {
		l.ch <- o
	}
}

func (l *testLink) recv(buf []byte, deadline time.Time) (int, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case pkt := <-l.ch:
		return copy(buf, pkt), nil
	case <-timer.C:
		return 0, os.ErrDeadlineExceeded
	}
}

// fakeConn implements saferw.Conn over two testLinks: outbound writes go to
// tx, inbound reads come from rx.
type fakeConn struct {
	tx, rx *testLink

	mu       sync.Mutex
	deadline time.Time
}

func newFakePair(aToB, bToA linkFilter) (*fakeConn, *fakeConn) {
	ab := newTestLink(aToB)
	ba := newTestLink(bToA)
	a := &fakeConn{tx: ab, rx: ba}
	b := &fakeConn{tx: ba, rx: ab}
	return a, b
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.tx.send(p)
	return len(p), nil
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()
	return c.rx.recv(p, d)
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

// dropOnce drops exactly the nth packet observed (1-indexed), regardless of
// kind, and passes every other packet through unchanged.
func dropOnce(n int) linkFilter {
	count := 0
	return func(pkt []byte) [][]byte {
		count++
		if count == n {
			return nil
		}
		return [][]byte{pkt}
	}
}

// dropKind drops the first `times` packets of the given control kind, then
// passes everything through.
func dropKind(kind Kind, times int) linkFilter {
	dropped := 0
	return func(pkt []byte) [][]byte {
		if len(pkt) >= HeaderSize && Kind(pkt[2]) == kind && dropped < times {
			dropped++
			return nil
		}
		return [][]byte{pkt}
	}
}

// duplicateKind duplicates every packet matching kind.
func duplicateKind(kind Kind) linkFilter {
	return func(pkt []byte) [][]byte {
		if len(pkt) >= HeaderSize && Kind(pkt[2]) == kind {
			return [][]byte{pkt, pkt}
		}
		return [][]byte{pkt}
	}
}

// reorderAdjacentWrites holds back every other Write packet by one slot,
// swapping it with the next Write packet observed -- a deterministic
// adjacent-pair reorder rather than a random shuffle.
func reorderAdjacentWrites() linkFilter {
	var held []byte
	return func(pkt []byte) [][]byte {
		if len(pkt) < HeaderSize || Kind(pkt[2]) != KindWrite {
			return [][]byte{pkt}
		}
		if held == nil {
			held = pkt
			return nil
		}
		cur := held
		held = nil
		return [][]byte{pkt, cur}
	}
}
