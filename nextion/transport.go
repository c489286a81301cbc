package nextion

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte-stream the protocol engine runs over.
//
// Implementations are not required to be goroutine-safe; the client
// guarantees that at any instant the transport is owned by exactly one
// component (command dispatcher or firmware uploader).
type Transport interface {
	// Read reads up to len(p) bytes, waiting at most timeout for data to
	// arrive. It returns ErrReadTimeout when no byte arrived in time.
	Read(p []byte, timeout time.Duration) (int, error)

	// Write writes all bytes in p.
	Write(p []byte) (int, error)

	// SetBaudRate reconfigures the line speed without reopening the stream.
	SetBaudRate(baud int) error

	// Flush discards any buffered unread input.
	Flush() error

	// Close closes the transport.
	Close() error
}

// SupportedBaudRates is the set of baud rates the device accepts,
// in probing order.
var SupportedBaudRates = []int{2400, 4800, 9600, 19200, 31250, 38400, 57600, 115200, 230400}

// IsSupportedBaudRate reports whether baud is in SupportedBaudRates.
func IsSupportedBaudRate(baud int) bool {
	for _, b := range SupportedBaudRates {
		if b == baud {
			return true
		}
	}

	return false
}

// SerialTransport is a Transport over a local serial port, 8N1.
type SerialTransport struct {
	port serial.Port
	baud int
}

var _ Transport = (*SerialTransport)(nil)

// OpenSerial opens the serial port device at the given baud rate.
func OpenSerial(device string, baud int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("nextion: failed to open serial port %s: %w", device, err)
	}

	return &SerialTransport{port: port, baud: baud}, nil
}

// Read reads up to len(p) bytes with the given timeout.
//
// go.bug.st/serial signals an expired read timeout by returning (0, nil);
// that case is mapped to ErrReadTimeout.
func (t *SerialTransport) Read(p []byte, timeout time.Duration) (int, error) {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}

	n, err := t.port.Read(p)
	if err != nil {
		return n, err
	}

	if n == 0 {
		return 0, ErrReadTimeout
	}

	return n, nil
}

// Write writes all bytes in p and drains the output buffer so a subsequent
// baud rate change cannot clip the tail of the transmission.
func (t *SerialTransport) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := t.port.Write(p[written:])
		written += n

		if err != nil {
			return written, err
		}
	}

	if err := t.port.Drain(); err != nil {
		return written, err
	}

	return written, nil
}

// SetBaudRate reconfigures the port speed in place.
func (t *SerialTransport) SetBaudRate(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	if err := t.port.SetMode(mode); err != nil {
		return fmt.Errorf("nextion: failed to set baud rate %d: %w", baud, err)
	}

	t.baud = baud

	return nil
}

// BaudRate returns the current baud rate.
func (t *SerialTransport) BaudRate() int { return t.baud }

// Flush discards buffered unread input.
func (t *SerialTransport) Flush() error {
	return t.port.ResetInputBuffer()
}

// Close closes the port.
func (t *SerialTransport) Close() error {
	return t.port.Close()
}
