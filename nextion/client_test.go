package nextion

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const comokReply = "comok 1,30601-0,NX4827T043_011R,52,61488,D264B8204F0E1828,16777216"

func TestClient_Connect(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) {
		switch {
		case bytes.HasPrefix(p, []byte("connect")):
			mt.feed(textFrame(comokReply))
		case bytes.HasPrefix(p, []byte("bkcmd=3")):
			mt.feed(ackFrame(0x01))
		case bytes.HasPrefix(p, []byte("get sleep")):
			mt.feed(numberFrame(0))
		}
	}

	c := newTestClient(t, mt, WithBaudRate(115200))

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	assert.True(t, c.State().IsConnected())
	assert.Equal(t, 115200, c.BaudRate())
	assert.False(t, c.Sleeping())

	info := c.DeviceInfo()
	require.NotNil(t, info)
	assert.Equal(t, "30601-0", info.Address)
	assert.Equal(t, "NX4827T043_011R", info.Model)
	assert.Equal(t, "52", info.FirmwareVersion)
	assert.Equal(t, "D264B8204F0E1828", info.SerialNumber)
	assert.Equal(t, "16777216", info.FlashSize)

	// The reparse exit magic must precede the connect instruction.
	frames := mt.writtenFrames()
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, textFrame(exitReparseMagic), frames[0])
	assert.Equal(t, textFrame("connect"), frames[1])
}

func TestClient_ConnectSeedsSleepState(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) {
		switch {
		case bytes.HasPrefix(p, []byte("connect")):
			mt.feed(textFrame(comokReply))
		case bytes.HasPrefix(p, []byte("bkcmd=3")):
			mt.feed(ackFrame(0x01))
		case bytes.HasPrefix(p, []byte("get sleep")):
			mt.feed(numberFrame(1))
		}
	}

	c := newTestClient(t, mt, WithBaudRate(115200))

	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })

	assert.True(t, c.Sleeping())
}

func TestClient_ConnectAtBaudNoReply(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt)
	c.reader = newFrameReader(mt, c.logger)

	err := c.connectAtBaud(context.Background(), 115200)
	assert.ErrorIs(t, err, ErrNoValidReply)
}

func TestClient_ConnectCancelled(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt, WithBaudRate(115200))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.State().IsDisconnected())
}

func TestParseConnectReply(t *testing.T) {
	info, err := parseConnectReply([]byte(comokReply))
	require.NoError(t, err)
	assert.Equal(t, "NX4827T043_011R", info.Model)

	_, err = parseConnectReply([]byte("comok 1,too,short"))
	assert.ErrorIs(t, err, ErrInvalidReply)

	_, err = parseConnectReply([]byte{0x1A})
	assert.ErrorIs(t, err, ErrInvalidReply)
}

func TestClient_CommandAck(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Command(context.Background(), "page 1"))
	assert.Equal(t, [][]byte{textFrame("page 1")}, mt.writtenFrames())
}

func TestClient_CommandFailureCode(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x1A)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	err := c.Command(context.Background(), "get bogus")
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, byte(0x1A), cmdErr.Code)
	assert.Contains(t, cmdErr.Error(), "variable name invalid")

	// A failure code is a definite answer; it must not be retried.
	assert.Len(t, mt.writtenFrames(), 1)
}

func TestClient_CommandNotConnected(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt)

	err := c.Command(context.Background(), "page 0")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_GetNumber(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(numberFrame(42)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	value, err := c.Get(context.Background(), "n0.val")
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, [][]byte{textFrame("get n0.val")}, mt.writtenFrames())
}

func TestClient_GetString(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(stringFrame("hello")) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	value, err := c.Get(context.Background(), "t0.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
}

func TestClient_GetPage(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(pageFrame(3)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	value, err := c.Get(context.Background(), "dp")
	require.NoError(t, err)
	assert.Equal(t, 3, value)
}

func TestClient_GetKindMismatch(t *testing.T) {
	// A bare success ack where a value was expected is a mismatch, not a
	// success.
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	_, err := c.Get(context.Background(), "n0.val")
	require.Error(t, err)

	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Len(t, mt.writtenFrames(), 1)
}

func TestClient_SetString(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Set(context.Background(), "field1.txt", "12.3"))
	assert.Equal(t, [][]byte{textFrame(`field1.txt="12.3"`)}, mt.writtenFrames())
}

func TestClient_SetInt(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Set(context.Background(), "n0.val", 7))
	assert.Equal(t, [][]byte{textFrame("n0.val=7")}, mt.writtenFrames())
}

func TestClient_SetFloatQuoted(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Set(context.Background(), "t0.txt", 12.5))
	assert.Equal(t, [][]byte{textFrame(`t0.txt="12.5"`)}, mt.writtenFrames())
}

func TestClient_SetUnsupportedType(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt)
	connectForTest(t, c)

	err := c.Set(context.Background(), "n0.val", struct{}{})
	require.Error(t, err)
	assert.Empty(t, mt.writtenFrames())
}

func TestClient_RetryResendsIdenticalBytes(t *testing.T) {
	// The first two attempts go unanswered; the third is acknowledged. Every
	// retry must put the exact same bytes on the wire.
	mt := newMockTransport()

	writeCount := 0
	mt.onWrite = func(p []byte) {
		writeCount++
		if writeCount == 3 {
			mt.feed(ackFrame(0x01))
		}
	}

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Command(context.Background(), "page 1"))

	frames := mt.writtenFrames()
	require.Len(t, frames, 3)
	assert.Equal(t, frames[0], frames[1])
	assert.Equal(t, frames[0], frames[2])
}

func TestClient_RetriesExhausted(t *testing.T) {
	mt := newMockTransport()

	c := newTestClient(t, mt)
	connectForTest(t, c)

	err := c.Command(context.Background(), "page 1")
	assert.ErrorIs(t, err, ErrCommandTimeout)
	assert.Len(t, mt.writtenFrames(), DefaultRetryLimit)
}

func TestClient_CommandCancelled(t *testing.T) {
	mt := newMockTransport()

	c := newTestClient(t, mt)
	connectForTest(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Command(ctx, "page 1")
	assert.ErrorIs(t, err, context.Canceled)

	// Cancellation aborts the exchange without burning the retry budget.
	assert.LessOrEqual(t, len(mt.writtenFrames()), 1)
}

func TestClient_EventDuringCommandWait(t *testing.T) {
	// An event frame interleaves between the command and its response. The
	// command must still resolve with the response, and the event must reach
	// the handler exactly once, without consuming a retry.
	mt := newMockTransport()
	mt.onWrite = func(p []byte) {
		mt.feed(touchFrame(1, 4, 1))
		mt.feed(numberFrame(42))
	}

	events := make(chan EventType, 4)

	c := newTestClient(t, mt)
	c.On(func(typ EventType, payload any) { events <- typ })
	connectForTest(t, c)

	value, err := c.Get(context.Background(), "n0.val")
	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Len(t, mt.writtenFrames(), 1)

	select {
	case typ := <-events:
		assert.Equal(t, EventTouch, typ)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("event was not delivered")
	}

	select {
	case typ := <-events:
		t.Fatalf("unexpected second event: %s", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_TouchEventPayload(t *testing.T) {
	mt := newMockTransport()

	type received struct {
		typ     EventType
		payload any
	}
	events := make(chan received, 1)

	c := newTestClient(t, mt)
	c.On(func(typ EventType, payload any) { events <- received{typ, payload} })
	connectForTest(t, c)

	mt.feed(touchFrame(2, 7, 0))

	select {
	case ev := <-events:
		assert.Equal(t, EventTouch, ev.typ)

		payload, ok := ev.payload.(*TouchPayload)
		require.True(t, ok)
		assert.Equal(t, byte(2), payload.PageID)
		assert.Equal(t, byte(7), payload.ComponentID)
		assert.Equal(t, byte(0), payload.TouchEvent)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("event was not delivered")
	}
}

func TestClient_SleepEventsTrackState(t *testing.T) {
	mt := newMockTransport()

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.False(t, c.Sleeping())

	mt.feed(bareEventFrame(EventAutoSleep))
	require.Eventually(t, c.Sleeping, 300*time.Millisecond, 5*time.Millisecond)

	mt.feed(bareEventFrame(EventAutoWake))
	require.Eventually(t, func() bool { return !c.Sleeping() }, 300*time.Millisecond, 5*time.Millisecond)
}

func TestClient_SetDeferredWhileSleeping(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)
	c.sleeping.Store(true)

	// Deferred: nothing hits the wire while the device sleeps.
	require.NoError(t, c.Set(context.Background(), "field1.txt", "hello"))
	assert.Empty(t, mt.writtenFrames())

	require.NoError(t, c.Wakeup(context.Background()))
	assert.False(t, c.Sleeping())

	frames := mt.writtenFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, textFrame("sleep=0"), frames[0])
	assert.Equal(t, textFrame(`field1.txt="hello"`), frames[1])

	// The deferred assignment was consumed, not kept.
	_, pending := c.pendingSets.Load("field1.txt")
	assert.False(t, pending)
}

func TestClient_SleepAndWakeup(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Sleep(context.Background()))
	assert.True(t, c.Sleeping())

	// Sleeping twice is a no-op.
	require.NoError(t, c.Sleep(context.Background()))
	assert.Len(t, mt.writtenFrames(), 1)

	require.NoError(t, c.Wakeup(context.Background()))
	assert.False(t, c.Sleeping())
}

func TestClient_DimRange(t *testing.T) {
	mt := newMockTransport()
	mt.onWrite = func(p []byte) { mt.feed(ackFrame(0x01)) }

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Dim(context.Background(), 50))
	assert.Equal(t, [][]byte{textFrame("dim=50")}, mt.writtenFrames())

	assert.Error(t, c.Dim(context.Background(), -1))
	assert.Error(t, c.Dim(context.Background(), 101))
}

func TestClient_ReadFailureDisconnects(t *testing.T) {
	mt := newMockTransport()

	c := newTestClient(t, mt)
	connectForTest(t, c)

	mt.mu.Lock()
	mt.readErr = errors.New("port vanished")
	mt.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.State().IsDisconnected()
	}, time.Second, 5*time.Millisecond)
}

func TestClient_Disconnect(t *testing.T) {
	mt := newMockTransport()

	c := newTestClient(t, mt)
	connectForTest(t, c)

	require.NoError(t, c.Disconnect())
	assert.True(t, c.State().IsDisconnected())

	mt.mu.Lock()
	closed := mt.closed
	mt.mu.Unlock()
	assert.True(t, closed)
}

func TestClient_Encoding(t *testing.T) {
	mt := newMockTransport()
	c := newTestClient(t, mt)

	assert.Equal(t, "ascii", c.Encoding())

	require.NoError(t, c.SetEncoding("iso-8859-1"))
	assert.Equal(t, "iso-8859-1", c.Encoding())

	err := c.SetEncoding("klingon")
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)

	// A rejected name leaves the previous codec in place.
	assert.Equal(t, "iso-8859-1", c.Encoding())
}
