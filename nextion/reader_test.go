package nextion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-nextion/logger"
)

func newTestReader(mt *mockTransport) *frameReader {
	return newFrameReader(mt, logger.GetLogger())
}

func TestFrameReader_NumberFrame(t *testing.T) {
	mt := newMockTransport()
	mt.feed(numberFrame(42))

	r := newTestReader(mt)
	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
	assert.Equal(t, []byte{0x71, 0x2A, 0x00, 0x00, 0x00}, payload)
}

func TestFrameReader_StringFrame(t *testing.T) {
	mt := newMockTransport()
	mt.feed(stringFrame("hello"))

	r := newTestReader(mt)
	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
	assert.Equal(t, append([]byte{0x70}, []byte("hello")...), payload)
}

func TestFrameReader_AckFrame(t *testing.T) {
	mt := newMockTransport()
	mt.feed(ackFrame(0x01))

	r := newTestReader(mt)
	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
	assert.Equal(t, []byte{0x01}, payload)
}

func TestFrameReader_TextReply(t *testing.T) {
	mt := newMockTransport()
	mt.feed(textFrame("comok 1,30601-0,NX4827T043_011R,52,61488,D264B8204F0E1828,16777216"))

	r := newTestReader(mt)
	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
	assert.Equal(t, "comok 1,30601-0,NX4827T043_011R,52,61488,D264B8204F0E1828,16777216", string(payload))
}

func TestFrameReader_EventClassification(t *testing.T) {
	mt := newMockTransport()
	mt.feed(touchFrame(1, 2, 1))
	mt.feed(bareEventFrame(EventAutoSleep))

	r := newTestReader(mt)

	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameEvent, kind)
	assert.Equal(t, []byte{0x65, 0x01, 0x02, 0x01}, payload)

	payload, kind, err = r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameEvent, kind)
	assert.Equal(t, []byte{0x86}, payload)
}

func TestFrameReader_FramesInArrivalOrder(t *testing.T) {
	// A response, an event, and another response arrive back to back; the
	// reader must deliver them in arrival order with correct classification.
	mt := newMockTransport()
	mt.feed(ackFrame(0x01))
	mt.feed(touchFrame(0, 5, 0))
	mt.feed(numberFrame(7))

	r := newTestReader(mt)

	_, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)

	_, kind, err = r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameEvent, kind)

	_, kind, err = r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
}

func TestFrameReader_PartialFrameCompletes(t *testing.T) {
	mt := newMockTransport()
	frame := numberFrame(1000)
	mt.feed(frame[:3])

	r := newTestReader(mt)

	_, _, err := r.next(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	// Remainder arrives; the buffered prefix must be reused.
	mt.feed(frame[3:])

	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
	assert.Equal(t, ResponseNumber, decodeResponse(payload).Kind)
	assert.Equal(t, int32(1000), decodeResponse(payload).Number)
}

func TestFrameReader_ResyncDropsOnlyJunk(t *testing.T) {
	// A junk byte precedes a valid frame. Resynchronization must consume
	// only the junk byte and still deliver the frame.
	mt := newMockTransport()
	mt.feed([]byte{0xAB})
	mt.feed(numberFrame(42))

	r := newTestReader(mt)

	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameResponse, kind)
	assert.Equal(t, int32(42), decodeResponse(payload).Number)
}

func TestFrameReader_ResyncMisleadingEventLead(t *testing.T) {
	// Junk that happens to look like an event code: 0x65 claims a 7-byte
	// frame, but the terminator check fails. The reader must drop bytes one
	// at a time until the real frame aligns.
	mt := newMockTransport()
	mt.feed([]byte{0x65, 0xAA})
	mt.feed(touchFrame(3, 4, 1))

	r := newTestReader(mt)

	payload, kind, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, frameEvent, kind)
	assert.Equal(t, []byte{0x65, 0x03, 0x04, 0x01}, payload)
}

func TestFrameReader_Timeout(t *testing.T) {
	mt := newMockTransport()

	r := newTestReader(mt)

	start := time.Now()
	_, _, err := r.next(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFrameReader_Reset(t *testing.T) {
	mt := newMockTransport()

	r := newTestReader(mt)
	r.buf = append(r.buf, 0x71, 0x01)
	r.reset()

	mt.feed(ackFrame(0x01))
	payload, _, err := r.next(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, payload)
}
