package nextion

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// uploadChunkSize is the fixed transfer chunk size of the upload
	// sub-protocol; only the final chunk may be shorter.
	uploadChunkSize = 4096

	// uploadAck is the byte the device sends to accept the upload handshake
	// and to acknowledge each received chunk.
	uploadAck byte = 0x05
)

// ProgressFunc reports upload progress after every acknowledged chunk.
type ProgressFunc func(sent int, total int)

// uploadState enumerates the firmware upload state machine. States only
// move forward; any state may fall to uploadFailed but never backward.
type uploadState uint8

const (
	uploadIdle uploadState = iota
	uploadHandshaking
	uploadBaudSwitch
	uploadTransferring
	uploadComplete
	uploadFailed
)

func (s uploadState) String() string {
	switch s {
	case uploadIdle:
		return "idle"
	case uploadHandshaking:
		return "handshaking"
	case uploadBaudSwitch:
		return "baud-switch"
	case uploadTransferring:
		return "transferring"
	case uploadComplete:
		return "complete"
	case uploadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// uploadSession is the transient state of one firmware flash operation. It
// owns the transport exclusively for its whole lifetime and is destroyed on
// success or terminal failure; it is never shared with the command
// dispatcher.
type uploadSession struct {
	client   *Client
	image    []byte
	offset   int
	baud     int // negotiated upload baud rate
	restore  int // connection baud to restore on exit
	state    uploadState
	progress ProgressFunc
	failure  *UploadError
}

// Upload flashes a firmware image to the device.
//
// The transfer runs at uploadBaud (0 means the connection baud). The
// command dispatcher is quiesced for the whole session: the upload
// sub-protocol takes over the transport exclusively and performs its own
// synchronous reads. The connection baud rate is restored on every exit
// path, success or failure.
//
// progress may be nil. On failure the returned error is an *UploadError
// carrying the terminal reason.
func (c *Client) Upload(ctx context.Context, image []byte, uploadBaud int, progress ProgressFunc) error {
	if c.stateMgr.State().IsDisconnected() {
		return ErrNotConnected
	}

	if len(image) == 0 {
		return &UploadError{Reason: UploadSizeMismatch, Err: errors.New("empty firmware image")}
	}

	if uploadBaud == 0 {
		uploadBaud = c.baudRate
	}
	if !IsSupportedBaudRate(uploadBaud) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, uploadBaud)
	}

	// Wake the device and disable sleep-on-idle for the duration of the
	// transfer. Best effort; older firmware rejects these variables. The
	// writes go through execute directly, bypassing the sleep deferral: they
	// must reach the wire before the handshake even when the device still
	// reports sleeping.
	if err := c.Wakeup(ctx); err != nil {
		c.logger.Warn("nextion: wakeup before upload failed", "error", err)
	}
	if _, err := c.execute(ctx, "usup=1", expectAck, c.cfg.retryLimit); err != nil {
		c.logger.Warn("nextion: sleep configuration before upload failed", "error", err)
	}
	if _, err := c.execute(ctx, "ussp=0", expectAck, c.cfg.retryLimit); err != nil {
		c.logger.Warn("nextion: sleep configuration before upload failed", "error", err)
	}

	// Take the transport ownership token and stop the frame reader so the
	// session's synchronous reads see every byte. The event dispatch loop
	// keeps running; a handler blocked in a command queues on the ownership
	// token and proceeds once the session is over.
	c.cmdMu.Lock()
	c.stopReader()

	session := &uploadSession{
		client:   c,
		image:    image,
		baud:     uploadBaud,
		restore:  c.baudRate,
		progress: progress,
	}

	err := session.run(ctx)

	// Best-effort cleanup regardless of outcome.
	if restoreErr := c.transport.SetBaudRate(session.restore); restoreErr != nil {
		c.logger.Error("nextion: failed to restore baud rate after upload",
			"baud", session.restore, "error", restoreErr)
	}
	c.reader.reset()

	c.startReader()
	c.cmdMu.Unlock()

	return err
}

// run drives the state machine to a terminal state.
func (s *uploadSession) run(ctx context.Context) error {
	logger := s.client.logger
	logger.Info("nextion: starting firmware upload",
		"size", len(s.image), "uploadBaud", s.baud)

	for {
		if err := ctx.Err(); err != nil {
			s.fail(UploadTransportError, err)
		}

		switch s.state {
		case uploadIdle:
			s.state = uploadHandshaking

		case uploadHandshaking:
			s.handshake()

		case uploadBaudSwitch:
			s.switchBaud()

		case uploadTransferring:
			s.transfer()

		case uploadComplete:
			logger.Info("nextion: firmware upload complete", "size", len(s.image))

			return nil

		case uploadFailed:
			logger.Error("nextion: firmware upload failed",
				"reason", s.failure.Reason.String(), "offset", s.offset, "error", s.failure.Err)

			return s.failure
		}
	}
}

// fail moves the session to the terminal failed state. The first failure
// wins; later calls are ignored.
func (s *uploadSession) fail(reason UploadReason, err error) {
	if s.state == uploadFailed {
		return
	}

	s.state = uploadFailed
	s.failure = &UploadError{Reason: reason, Err: err}
}

// handshake sends the upload initiation instruction carrying the image size
// and the desired baud rate, then awaits the ready acknowledgement.
func (s *uploadSession) handshake() {
	c := s.client

	if err := c.transport.Flush(); err != nil {
		s.fail(UploadTransportError, err)

		return
	}

	instruction := fmt.Sprintf("whmi-wri %d,%d,0", len(s.image), s.baud)
	if err := c.writeCommand([]byte(instruction)); err != nil {
		s.fail(UploadTransportError, err)

		return
	}

	ack, err := s.readAck(c.cfg.handshakeTimeout)
	switch {
	case errors.Is(err, ErrReadTimeout):
		s.fail(UploadTimeout, fmt.Errorf("no answer to %q", instruction))
	case err != nil:
		s.fail(UploadTransportError, err)
	case ack != uploadAck:
		s.fail(UploadHandshakeRejected, fmt.Errorf("wrong response 0x%02X to %q", ack, instruction))
	default:
		c.logger.Info("nextion: device is ready to accept upload")
		s.state = uploadBaudSwitch
	}
}

// switchBaud reconfigures the transport to the negotiated upload rate, when
// it differs from the connection baud.
func (s *uploadSession) switchBaud() {
	if s.baud != s.restore {
		if err := s.client.transport.SetBaudRate(s.baud); err != nil {
			s.fail(UploadTransportError, err)

			return
		}
	}

	s.state = uploadTransferring
}

// transfer streams the image in fixed-size chunks, blocking for a per-chunk
// acknowledgement before sending the next. A chunk that times out is re-sent
// verbatim up to the retry limit; a chunk acknowledged once is never
// re-sent. There is no partial-chunk resume: exhausting the retries aborts
// the whole session.
func (s *uploadSession) transfer() {
	c := s.client

	for s.offset < len(s.image) {
		end := s.offset + uploadChunkSize
		if end > len(s.image) {
			end = len(s.image)
		}
		chunk := s.image[s.offset:end]

		if !s.sendChunk(chunk) {
			return // terminal state already set
		}

		s.offset = end
		if s.progress != nil {
			s.progress(s.offset, len(s.image))
		}

		c.logger.Debug("nextion: chunk acknowledged",
			"sent", s.offset, "total", len(s.image))
	}

	s.state = uploadComplete
}

// sendChunk writes one chunk and awaits its acknowledgement, retrying on
// timeout or a noise byte. It returns false once the session has failed.
func (s *uploadSession) sendChunk(chunk []byte) bool {
	c := s.client

	// Acknowledgement deadline scaled to the transmission time of the
	// chunk: 12 bit times per byte plus a fixed second of grace.
	timeout := time.Duration(len(chunk))*12*time.Second/time.Duration(s.baud) + time.Second

	var lastErr error
	lastReason := UploadTimeout

	for attempt := 1; attempt <= c.cfg.retryLimit; attempt++ {
		if _, err := c.transport.Write(chunk); err != nil {
			s.fail(UploadTransportError, err)

			return false
		}

		ack, err := s.readAck(timeout)
		switch {
		case err == nil && ack == uploadAck:
			return true

		case errors.Is(err, ErrReadTimeout):
			lastErr = fmt.Errorf("chunk at offset %d not acknowledged", s.offset)
			lastReason = UploadTimeout

		case err != nil:
			s.fail(UploadTransportError, err)

			return false

		default:
			lastErr = fmt.Errorf("wrong response 0x%02X while uploading chunk at offset %d", ack, s.offset)
			lastReason = UploadTransportError
		}

		c.logger.Warn("nextion: chunk send retry",
			"offset", s.offset, "attempt", attempt, "maxAttempts", c.cfg.retryLimit, "error", lastErr)
	}

	s.fail(lastReason, lastErr)

	return false
}

// readAck reads the next single byte from the transport.
func (s *uploadSession) readAck(timeout time.Duration) (byte, error) {
	var buf [1]byte

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrReadTimeout
		}

		n, err := s.client.transport.Read(buf[:], remaining)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return buf[0], nil
		}
	}
}
