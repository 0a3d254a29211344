package transfer

import (
	"bytes"
	"io"
	"os"
	"testing"
	"time"

	"github.com/ealtun21/quad/internal/saferw"
)

// memPipe is a minimal in-memory saferw.Conn: a single-direction channel of
// datagrams, paired with its mate to form a loss-free link.
type memPipe struct {
	out      chan []byte
	in       chan []byte
	deadline time.Time
}

func newMemPipePair() (*memPipe, *memPipe) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	return &memPipe{out: ab, in: ba}, &memPipe{out: ba, in: ab}
}

func (p *memPipe) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	p.out <- cp
	return len(b), nil
}

func (p *memPipe) Read(b []byte) (int, error) {
	timer := time.NewTimer(time.Until(p.deadline))
	defer timer.Stop()
	select {
	case pkt := <-p.in:
		return copy(b, pkt), nil
	case <-timer.C:
		return 0, os.ErrDeadlineExceeded
	}
}

func (p *memPipe) SetReadDeadline(t time.Time) error {
	p.deadline = t
	return nil
}

// memSource/memSink adapt a plain byte slice to Source/Sink.
type memSource struct{ data []byte }

func (s *memSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	var err error
	if off+int64(n) >= int64(len(s.data)) {
		err = io.EOF
	}
	return n, err
}

type memSink struct{ data []byte }

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[off:end], p)
	return len(p), nil
}

func fastOpts() saferw.Options {
	return saferw.Options{
		AckProbe:    200 * time.Microsecond,
		IdleTimeout: 20 * time.Millisecond,
		ResendAfter: 60 * time.Millisecond,
		EndAfter:    30 * time.Millisecond,
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b := newMemPipePair()
	sender := saferw.New(a, fastOpts())
	receiver := saferw.New(b, fastOpts())

	data := bytes.Repeat([]byte("quad-transfer-payload "), 20)
	src := &memSource{data: data}
	dst := &memSink{}

	errc := make(chan error, 1)
	go func() {
		errc <- Send(sender, src, int64(len(data)), SendOptions{ChunkSize: 32})
	}()

	size, err := Receive(receiver, dst, ReceiveOptions{ChunkSize: 32})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if size != int64(len(data)) {
		t.Fatalf("announced size = %d, want %d", size, len(data))
	}
	if !bytes.Equal(dst.data, data) {
		t.Fatalf("received data mismatch: got %d bytes, want %d", len(dst.data), len(data))
	}
}

func TestSendReceiveStartOffsetProgress(t *testing.T) {
	a, b := newMemPipePair()
	sender := saferw.New(a, fastOpts())
	receiver := saferw.New(b, fastOpts())

	data := []byte("0123456789")
	src := &memSource{data: data}
	dst := &memSink{}

	var lastFraction float32
	errc := make(chan error, 1)
	go func() {
		errc <- Send(sender, src, int64(len(data)), SendOptions{
			ChunkSize:   2,
			StartOffset: 4,
			Progress:    func(f float32) { lastFraction = f },
		})
	}()

	if _, err := Receive(receiver, dst, ReceiveOptions{ChunkSize: 2, StartOffset: 4}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Bytes before the start offset are never sent, so the sink keeps zeros there.
	want := append(make([]byte, 4), data[4:]...)
	if !bytes.Equal(dst.data, want) {
		t.Fatalf("got %q, want %q", dst.data, want)
	}
	_ = lastFraction // progress callback is best-effort/time-gated; just exercised here
}
