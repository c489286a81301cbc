package nextion

import (
	"errors"
	"fmt"
)

// Sentinel errors for the Nextion protocol.
var (
	// ErrConnectionFailed indicates that the connect handshake failed or
	// timed out on every candidate baud rate.
	ErrConnectionFailed = errors.New("nextion: connection failed")

	// ErrNoValidReply indicates that no recognizable reply was received
	// during the connect attempts.
	ErrNoValidReply = errors.New("nextion: no valid reply received during connection attempts")

	// ErrInvalidReply indicates an unexpected reply to the connect instruction.
	ErrInvalidReply = errors.New("nextion: invalid reply to connect attempt")

	// ErrUnsupportedBaudRate indicates a baud rate outside the supported set.
	ErrUnsupportedBaudRate = errors.New("nextion: unsupported baud rate")

	// ErrNotConnected indicates that an operation requires an established
	// connection.
	ErrNotConnected = errors.New("nextion: not connected")

	// ErrInvalidTransition is returned when an attempt is made to transition
	// the connection state to an invalid state.
	ErrInvalidTransition = errors.New("nextion: invalid state transition")

	// ErrReadTimeout indicates that a transport read did not complete within
	// its timeout.
	ErrReadTimeout = errors.New("nextion: read timeout")

	// ErrCommandTimeout indicates that a command response was not received
	// within the response timeout, after exhausting all retries.
	ErrCommandTimeout = errors.New("nextion: command timeout")

	// ErrDecode indicates a malformed frame. It is recovered internally by
	// the frame reader through byte-level resynchronization and is only
	// logged, never surfaced to callers.
	ErrDecode = errors.New("nextion: frame decode error")
)

// failureCodes maps acknowledgement codes to their meaning.
// Code 0x01 is success; everything in this table is a failure.
var failureCodes = map[byte]string{
	0x00: "invalid instruction",
	0x02: "component ID invalid",
	0x03: "page ID invalid",
	0x04: "picture ID invalid",
	0x05: "font ID invalid",
	0x11: "baud rate setting invalid",
	0x12: "curve control ID number or channel number is invalid",
	0x1A: "variable name invalid",
	0x1B: "variable operation invalid",
	0x1C: "failed to assign",
	0x1D: "operate EEPROM failed",
	0x1E: "parameter quantity invalid",
	0x1F: "IO operation failed",
	0x20: "undefined escape characters",
	0x23: "too long variable name",
}

// CommandError is returned when the device acknowledges a command with a
// non-success code, or replies with a frame of an unexpected kind.
type CommandError struct {
	// Command is the instruction text that failed.
	Command string
	// Code is the acknowledgement code returned by the device.
	// It is zero when the failure is a response-kind mismatch.
	Code byte
	// Kind is the unexpected response kind on a mismatch failure.
	Kind ResponseKind
	// mismatch marks a response-kind mismatch rather than a failure code.
	mismatch bool
}

// newCommandError creates a CommandError for a failure acknowledgement code.
func newCommandError(command string, code byte) *CommandError {
	return &CommandError{Command: command, Code: code}
}

// newMismatchError creates a CommandError for a response-kind mismatch.
func newMismatchError(command string, kind ResponseKind) *CommandError {
	return &CommandError{Command: command, Kind: kind, mismatch: true}
}

func (e *CommandError) Error() string {
	if e.mismatch {
		return fmt.Sprintf("nextion: unexpected %s response for command %q", e.Kind, e.Command)
	}

	if msg, ok := failureCodes[e.Code]; ok {
		return fmt.Sprintf("nextion: %s for command %q", msg, e.Command)
	}

	return fmt.Sprintf("nextion: unknown response code 0x%02X for command %q", e.Code, e.Command)
}

// UploadReason classifies the terminal failure of a firmware upload session.
type UploadReason uint8

const (
	// UploadHandshakeRejected: the device did not acknowledge the upload
	// initiation instruction.
	UploadHandshakeRejected UploadReason = iota
	// UploadTimeout: a handshake or chunk acknowledgement was not received
	// in time, retries exhausted.
	UploadTimeout
	// UploadTransportError: the transport failed while writing or reading.
	UploadTransportError
	// UploadSizeMismatch: the firmware image is empty or its size does not
	// match the transfer.
	UploadSizeMismatch
)

// String returns the reason name.
func (r UploadReason) String() string {
	switch r {
	case UploadHandshakeRejected:
		return "handshake-rejected"
	case UploadTimeout:
		return "timeout"
	case UploadTransportError:
		return "transport-error"
	case UploadSizeMismatch:
		return "size-mismatch"
	default:
		return "unknown"
	}
}

// UploadError is the terminal error of a failed firmware upload session.
type UploadError struct {
	Reason UploadReason
	Err    error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nextion: upload failed (%s): %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("nextion: upload failed (%s)", e.Reason)
}

// Unwrap returns the underlying error, if any.
func (e *UploadError) Unwrap() error { return e.Err }
