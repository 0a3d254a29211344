// Package transfer wires a saferw.Channel to a local file: it frames the
// file length, chunks the body, and honors the QUAD_STREAM environment
// toggle for indefinite streaming. (Drop-notice suppression, QUAD_HIDE_DROPS,
// is read by saferw when the channel is created.)
package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/ealtun21/quad/internal/saferw"
)

// Source is the byte-oriented input a sender reads from.
type Source interface {
	io.ReaderAt
}

// Sink is the byte-oriented output a receiver writes to.
type Sink interface {
	io.WriterAt
}

// streamEnv is the environment toggle that keeps a sender alive past EOF,
// re-reading from the source instead of issuing End.
const streamEnv = "QUAD_STREAM"

func streamMode() bool {
	_, set := os.LookupEnv(streamEnv)
	return set
}

// SendOptions configures a single outbound transfer.
type SendOptions struct {
	// ChunkSize is the agreed per-datagram payload ceiling ("bitrate").
	ChunkSize int
	// StartOffset resumes the read (and the progress accounting) from a
	// byte position other than zero.
	StartOffset int64
	// Progress, if non-nil, is invoked at most a few times a second with
	// the fraction of the file transmitted so far.
	Progress func(fraction float32)
	// Logf receives human-readable progress/status lines; nil disables it.
	Logf func(format string, args ...interface{})
}

// Send streams src (size bytes total) over ch: the 8-byte length prefix
// first, then chunked payloads, then End (unless QUAD_STREAM is set, in
// which case it blocks re-reading src for new data instead of ending).
func Send(ch *saferw.Channel, src Source, size int64, opts SendOptions) error {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 256
	}

	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(size))
	if err := ch.WriteSafe(lenBuf[:]); err != nil {
		return errors.Wrap(err, "transfer: sending file length")
	}
	logf("File length: %d", size)

	buf := make([]byte, chunk)
	var totalSent int64
	offset := opts.StartOffset
	lastUpdate := time.Now()
	stream := streamMode()

	for {
		n, readErr := src.ReadAt(buf, offset)
		if n > 0 {
			if err := ch.WriteSafe(buf[:n]); err != nil {
				return errors.Wrap(err, "transfer: sending chunk")
			}
			offset += int64(n)
			totalSent += int64(n)

			if time.Since(lastUpdate) > 100*time.Millisecond {
				if opts.Progress != nil && size > 0 {
					opts.Progress(float32(totalSent+opts.StartOffset) / float32(size))
				}
				lastUpdate = time.Now()
			}
		}

		if readErr == io.EOF {
			if stream {
				continue
			}
			logf("Transfer complete. Thank you!")
			return ch.End()
		}
		if readErr != nil {
			return errors.Wrap(readErr, "transfer: reading source")
		}
	}
}

// ReceiveOptions configures a single inbound transfer.
type ReceiveOptions struct {
	ChunkSize   int
	StartOffset int64
	Progress    func(fraction float32)
	Logf        func(format string, args ...interface{})
}

// Receive reads the length prefix and then chunked payloads from ch,
// writing each into dst at the correct offset, until an End (zero-length
// delivery) arrives. It returns the file length announced by the sender.
func Receive(ch *saferw.Channel, dst Sink, opts ReceiveOptions) (int64, error) {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = 256
	}

	var lenBuf [8]byte
	n, err := ch.ReadSafe(lenBuf[:])
	if err != nil {
		return 0, errors.Wrap(err, "transfer: reading file length")
	}
	if n != 8 {
		return 0, errors.Errorf("transfer: expected an 8-byte length packet, got %d bytes", n)
	}
	size := int64(binary.BigEndian.Uint64(lenBuf[:]))
	logf("File length: %d", size)

	buf := make([]byte, chunk)
	var totalReceived int64
	offset := opts.StartOffset
	lastUpdate := time.Now()

	for {
		n, err := ch.ReadSafe(buf)
		if err != nil {
			return size, errors.Wrap(err, "transfer: reading chunk")
		}
		if n == 0 {
			logf("Transfer complete. Thank you!")
			return size, nil
		}

		if _, err := dst.WriteAt(buf[:n], offset); err != nil {
			return size, errors.Wrap(err, "transfer: writing destination")
		}
		offset += int64(n)
		totalReceived += int64(n)

		if time.Since(lastUpdate) > 100*time.Millisecond {
			if opts.Progress != nil && size > 0 {
				opts.Progress(float32(totalReceived+opts.StartOffset) / float32(size))
			}
			lastUpdate = time.Now()
		}
	}
}

// FormatProgress renders a single-line console update with a clear-line
// prefix, so repeated calls overwrite the previous line instead of
// scrolling.
func FormatProgress(label string, bytes int64) string {
	return fmt.Sprintf("\r\x1b[K%s %d bytes", label, bytes)
}
