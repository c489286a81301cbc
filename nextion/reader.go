package nextion

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/arloliu/go-nextion/internal/util"
	"github.com/arloliu/go-nextion/logger"
)

// frameKind classifies a decoded frame for routing: responses feed the
// command dispatcher, events feed the event router.
type frameKind uint8

const (
	frameResponse frameKind = iota
	frameEvent
)

// frameReader splits the transport byte stream into protocol frames.
//
// Response frames are delimited by the 3-byte terminator; frames whose
// leading byte appears in packetLengths have a fixed total length and are
// validated against the terminator at that length. A fixed-length frame
// whose terminator check fails means the leading byte was line junk; the
// reader resynchronizes by discarding one byte at a time so a valid frame
// following the junk is never lost.
//
// frameReader is not goroutine-safe. Transport ownership rules guarantee a
// single reader at any instant.
type frameReader struct {
	transport Transport
	logger    logger.Logger

	buf     []byte
	dropped []byte
	rbuf    [256]byte
}

func newFrameReader(t Transport, l logger.Logger) *frameReader {
	return &frameReader{transport: t, logger: l}
}

// next returns the next complete frame payload with its terminator stripped,
// waiting at most timeout for the frame to complete. It returns
// ErrReadTimeout when no complete frame arrived in time; partially received
// bytes stay buffered for the following call.
func (r *frameReader) next(timeout time.Duration) ([]byte, frameKind, error) {
	deadline := time.Now().Add(timeout)

	for {
		if payload, kind, ok := r.extract(); ok {
			return payload, kind, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, 0, ErrReadTimeout
		}

		n, err := r.transport.Read(r.rbuf[:], remaining)
		if err != nil {
			return nil, 0, err
		}

		r.buf = append(r.buf, r.rbuf[:n]...)
	}
}

// reset discards all buffered bytes. Used when the transport input buffer is
// flushed, so the reader cannot resume mid-frame.
func (r *frameReader) reset() {
	r.buf = r.buf[:0]
	r.dropped = r.dropped[:0]
}

// extract attempts to split one complete frame off the front of the buffer.
func (r *frameReader) extract() ([]byte, frameKind, bool) {
	for {
		if len(r.buf) < len(terminator) {
			return nil, 0, false
		}

		lead := r.buf[0]

		if n, ok := packetLengths[lead]; ok {
			if len(r.buf) < n {
				return nil, 0, false
			}

			if bytes.Equal(r.buf[n-3:n], terminator) {
				kind := frameResponse
				if isEventCode(lead) {
					kind = frameEvent
				}

				return r.take(n), kind, true
			}

			// The leading byte looked like a frame start but the frame does
			// not end with the terminator: it was junk. Resynchronize.
			r.dropByte()

			continue
		}

		// Acknowledgement codes are a single byte plus the terminator.
		if lead <= 0x23 {
			if len(r.buf) < 4 {
				return nil, 0, false
			}

			if bytes.Equal(r.buf[1:4], terminator) {
				return r.take(4), frameResponse, true
			}

			r.dropByte()

			continue
		}

		// Printable leading bytes start a variable-length textual reply
		// (e.g. "comok ..." during connect) delimited by the terminator.
		if lead >= 0x20 && lead <= 0x7E {
			idx := bytes.Index(r.buf, terminator)
			if idx < 0 {
				return nil, 0, false
			}

			payload := util.CloneSlice(r.buf[:idx], 0)
			r.consume(idx + len(terminator))
			r.reportDropped()

			return payload, frameResponse, true
		}

		// Unrecognized leading byte: junk.
		r.dropByte()
	}
}

// take clones the first n-3 bytes as the frame payload and consumes the
// full n-byte frame from the buffer.
func (r *frameReader) take(n int) []byte {
	payload := util.CloneSlice(r.buf[:n-3], 0)
	r.consume(n)
	r.reportDropped()

	return payload
}

func (r *frameReader) consume(n int) {
	r.buf = r.buf[:copy(r.buf, r.buf[n:])]
}

func (r *frameReader) dropByte() {
	r.dropped = append(r.dropped, r.buf[0])
	r.consume(1)
}

// reportDropped logs junk discarded during resynchronization, once per
// successfully decoded frame.
func (r *frameReader) reportDropped() {
	if len(r.dropped) == 0 {
		return
	}

	r.logger.Warn("nextion: junk received, dropped bytes",
		"dropped", hex.EncodeToString(r.dropped),
		"error", ErrDecode,
	)
	r.dropped = r.dropped[:0]
}
