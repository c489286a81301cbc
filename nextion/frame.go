package nextion

import (
	"encoding/binary"
	"fmt"
)

// Frame terminator. Every response frame and every event frame on the wire
// ends with this 3-byte sequence.
var terminator = []byte{0xFF, 0xFF, 0xFF}

// EventType identifies an asynchronous event frame by its leading byte.
type EventType byte

// Event codes sent by the device outside of any command/response exchange.
const (
	// EventTouch is emitted when a component is touched or released.
	EventTouch EventType = 0x65
	// EventTouchCoordinate is emitted on touch while awake, with raw coordinates.
	EventTouchCoordinate EventType = 0x67
	// EventTouchInSleep is emitted on touch while the device sleeps.
	EventTouchInSleep EventType = 0x68
	// EventAutoSleep is emitted when the device enters sleep mode on its own.
	EventAutoSleep EventType = 0x86
	// EventAutoWake is emitted when the device wakes up on its own.
	EventAutoWake EventType = 0x87
	// EventStartup is emitted after a successful device start up.
	EventStartup EventType = 0x88
	// EventSDCardUpgrade is emitted when a microSD upgrade begins.
	EventSDCardUpgrade EventType = 0x89
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventTouch:
		return "touch"
	case EventTouchCoordinate:
		return "touch-coordinate"
	case EventTouchInSleep:
		return "touch-in-sleep"
	case EventAutoSleep:
		return "auto-sleep"
	case EventAutoWake:
		return "auto-wake"
	case EventStartup:
		return "startup"
	case EventSDCardUpgrade:
		return "sd-card-upgrade"
	default:
		return fmt.Sprintf("unknown(0x%02X)", byte(t))
	}
}

// isEventCode reports whether b is a recognized event leading byte.
func isEventCode(b byte) bool {
	switch EventType(b) {
	case EventTouch, EventTouchCoordinate, EventTouchInSleep,
		EventAutoSleep, EventAutoWake, EventStartup, EventSDCardUpgrade:
		return true
	default:
		return false
	}
}

// Response type tags for frames produced in reply to a command.
const (
	respTypePage   byte = 0x66 // current page number
	respTypeString byte = 0x70 // string data
	respTypeNumber byte = 0x71 // 32-bit little-endian signed number
)

// ackSuccess is the acknowledgement code for a successfully executed
// instruction (with bkcmd=3 enabled). All other single-byte codes are
// failures; see failureCodes.
const ackSuccess byte = 0x01

// packetLengths maps a frame's leading byte to its total on-wire length,
// terminator included. Leading bytes absent from this table start a
// variable-length frame delimited by the terminator alone.
var packetLengths = map[byte]int{
	0x00: 6, // device startup preamble
	0x24: 4, // serial buffer overflow
	0x65: 7, // touch event
	0x66: 5, // current page number
	0x67: 9, // touch coordinate (awake)
	0x68: 9, // touch coordinate (sleep)
	0x71: 8, // numeric data
	0x86: 4, // auto sleep
	0x87: 4, // auto wake
	0x88: 4, // startup
	0x89: 4, // microSD upgrade
	0xFD: 4, // transparent data finished
	0xFE: 4, // transparent data ready
}

// ResponseKind discriminates the variants of a Response.
type ResponseKind uint8

const (
	// ResponseEmpty is a zero-length frame; by convention it terminates a
	// command exchange successfully.
	ResponseEmpty ResponseKind = iota
	// ResponseAck is a single acknowledgement code.
	ResponseAck
	// ResponseNumber carries a 32-bit signed number.
	ResponseNumber
	// ResponseString carries string data in the device charset.
	ResponseString
	// ResponsePage carries the current page number.
	ResponsePage
	// ResponseRaw carries an undecoded payload, such as the textual reply
	// to the connect instruction.
	ResponseRaw
)

// String returns the kind name.
func (k ResponseKind) String() string {
	switch k {
	case ResponseEmpty:
		return "empty"
	case ResponseAck:
		return "ack"
	case ResponseNumber:
		return "number"
	case ResponseString:
		return "string"
	case ResponsePage:
		return "page"
	case ResponseRaw:
		return "raw"
	default:
		return "invalid"
	}
}

// Response is a decoded response frame, a tagged variant over the kinds
// listed in ResponseKind. Exactly one of the value fields is meaningful,
// selected by Kind.
type Response struct {
	Kind ResponseKind

	Code   byte   // ResponseAck
	Number int32  // ResponseNumber
	Text   []byte // ResponseString: raw bytes, still in the device charset
	Page   byte   // ResponsePage
	Raw    []byte // ResponseRaw
}

// decodeResponse decodes a response frame payload (terminator stripped).
func decodeResponse(payload []byte) Response {
	switch {
	case len(payload) == 0:
		return Response{Kind: ResponseEmpty}

	case len(payload) == 1:
		return Response{Kind: ResponseAck, Code: payload[0]}
	}

	switch payload[0] {
	case respTypeNumber:
		if len(payload) != 5 {
			return Response{Kind: ResponseRaw, Raw: payload}
		}

		return Response{
			Kind:   ResponseNumber,
			Number: int32(binary.LittleEndian.Uint32(payload[1:5])),
		}

	case respTypeString:
		return Response{Kind: ResponseString, Text: payload[1:]}

	case respTypePage:
		return Response{Kind: ResponsePage, Page: payload[1]}

	default:
		return Response{Kind: ResponseRaw, Raw: payload}
	}
}

// TouchPayload carries the data of a touch event.
type TouchPayload struct {
	PageID      byte
	ComponentID byte
	// TouchEvent is 1 on press and 0 on release.
	TouchEvent byte
}

// TouchCoordinatePayload carries the data of a coordinate touch event,
// emitted both awake (EventTouchCoordinate) and asleep (EventTouchInSleep).
type TouchCoordinatePayload struct {
	X uint16
	Y uint16
	// TouchEvent is 1 on press and 0 on release.
	TouchEvent byte
}

// Event is a decoded event frame.
//
// Payload is *TouchPayload for EventTouch, *TouchCoordinatePayload for
// EventTouchCoordinate and EventTouchInSleep, and nil for the remaining
// event types.
type Event struct {
	Type    EventType
	Payload any
}

// decodeEvent decodes an event frame payload (terminator stripped). The
// first byte is the event code.
func decodeEvent(payload []byte) (Event, error) {
	typ := EventType(payload[0])
	data := payload[1:]

	switch typ {
	case EventTouch:
		if len(data) != 3 {
			return Event{}, fmt.Errorf("%w: touch event with %d data bytes", ErrDecode, len(data))
		}

		return Event{Type: typ, Payload: &TouchPayload{
			PageID:      data[0],
			ComponentID: data[1],
			TouchEvent:  data[2],
		}}, nil

	case EventTouchCoordinate, EventTouchInSleep:
		if len(data) != 5 {
			return Event{}, fmt.Errorf("%w: coordinate event with %d data bytes", ErrDecode, len(data))
		}

		return Event{Type: typ, Payload: &TouchCoordinatePayload{
			X:          binary.LittleEndian.Uint16(data[0:2]),
			Y:          binary.LittleEndian.Uint16(data[2:4]),
			TouchEvent: data[4],
		}}, nil

	case EventAutoSleep, EventAutoWake, EventStartup, EventSDCardUpgrade:
		return Event{Type: typ}, nil

	default:
		return Event{}, fmt.Errorf("%w: unknown event code 0x%02X", ErrDecode, payload[0])
	}
}
