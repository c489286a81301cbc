package nextion

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// mockTransport is an in-memory Transport: tests feed it device bytes and
// inspect everything the client wrote. An optional onWrite callback lets a
// test script the device side of an exchange.
type mockTransport struct {
	mu     sync.Mutex
	input  bytes.Buffer
	writes [][]byte

	baud        int
	baudHistory []int
	flushCount  int
	closed      bool

	// readErr, once set, fails every subsequent Read.
	readErr error

	// onWrite is invoked after each Write with a copy of the written bytes.
	onWrite func(p []byte)
}

var _ Transport = (*mockTransport)(nil)

func newMockTransport() *mockTransport {
	return &mockTransport{baud: 9600}
}

// feed appends bytes to the simulated device output.
func (m *mockTransport) feed(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.input.Write(p)
}

func (m *mockTransport) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		if m.readErr != nil {
			err := m.readErr
			m.mu.Unlock()

			return 0, err
		}
		if m.input.Len() > 0 {
			n, _ := m.input.Read(p)
			m.mu.Unlock()

			return n, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, ErrReadTimeout
		}

		time.Sleep(time.Millisecond)
	}
}

func (m *mockTransport) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)

	m.mu.Lock()
	m.writes = append(m.writes, data)
	onWrite := m.onWrite
	m.mu.Unlock()

	if onWrite != nil {
		onWrite(data)
	}

	return len(p), nil
}

func (m *mockTransport) SetBaudRate(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baud = baud
	m.baudHistory = append(m.baudHistory, baud)

	return nil
}

func (m *mockTransport) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.input.Reset()
	m.flushCount++

	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

func (m *mockTransport) writtenFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	frames := make([][]byte, len(m.writes))
	copy(frames, m.writes)

	return frames
}

func (m *mockTransport) currentBaud() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.baud
}

// --- Wire frame builders ---

func ackFrame(code byte) []byte {
	return append([]byte{code}, terminator...)
}

func numberFrame(v int32) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, respTypeNumber)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(v))

	return append(frame, terminator...)
}

func stringFrame(s string) []byte {
	frame := append([]byte{respTypeString}, []byte(s)...)

	return append(frame, terminator...)
}

func pageFrame(page byte) []byte {
	return append([]byte{respTypePage, page}, terminator...)
}

func textFrame(s string) []byte {
	return append([]byte(s), terminator...)
}

func touchFrame(page, component, event byte) []byte {
	return append([]byte{byte(EventTouch), page, component, event}, terminator...)
}

func bareEventFrame(typ EventType) []byte {
	return append([]byte{byte(typ)}, terminator...)
}

// --- Client helpers ---

func newTestClient(t *testing.T, mt *mockTransport, opts ...Option) *Client {
	t.Helper()

	base := []Option{
		WithTransport(mt),
		WithTimeout(40 * time.Millisecond),
		WithHandshakeTimeout(60 * time.Millisecond),
	}

	cfg, err := NewConfig("", append(base, opts...)...)
	require.NoError(t, err)

	client, err := NewClient(cfg)
	require.NoError(t, err)

	return client
}

// connectForTest marks the client connected and starts its background
// loops without running the serial identification handshake.
func connectForTest(t *testing.T, c *Client) {
	t.Helper()

	require.NoError(t, c.stateMgr.toConnecting())

	c.reader = newFrameReader(c.transport, c.logger)
	c.baudRate = 9600
	c.sleeping.Store(false)
	c.startTasks()

	require.NoError(t, c.stateMgr.toConnected())

	t.Cleanup(c.stopTasks)
}
