package nextion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/text/encoding"

	"github.com/arloliu/go-nextion/internal/pool"
	"github.com/arloliu/go-nextion/logger"
)

const (
	// pollTimeout is the timeout for polling incoming bytes when the frame
	// reader loop is idle. It trades off between CPU usage and shutdown
	// latency.
	pollTimeout = 50 * time.Millisecond

	// exitReparseMagic takes the device out of active Protocol Reparse mode
	// and back to passive command mode. Sent once per connect attempt.
	exitReparseMagic = "DRAKJHSUYDGBNCJHGJKSHBDN"

	// respQueueSize is the capacity of the response queue between the frame
	// reader loop and the command dispatcher. At most one command is in
	// flight, so anything beyond the first pending slot is stale data kept
	// only for diagnosis.
	respQueueSize = 8
)

// DeviceInfo describes the device as reported in its connect reply.
type DeviceInfo struct {
	Address         string
	Model           string
	FirmwareVersion string
	SerialNumber    string
	FlashSize       string
}

// Client is a Nextion display client: the command dispatcher of the
// protocol engine.
//
// All exported methods are safe for concurrent use. Commands issued
// concurrently queue behind the in-flight one rather than interleaving
// bytes on the wire; the protocol has no request identifiers, so responses
// correlate to commands strictly by arrival order and the single in-flight
// discipline is what keeps that correlation correct.
type Client struct {
	cfg    *Config
	logger logger.Logger

	transport Transport
	reader    *frameReader

	stateMgr *connStateMgr
	router   *eventRouter

	// cmdMu is the transport ownership token for the command path. The
	// firmware uploader acquires it for the whole upload session.
	cmdMu    sync.Mutex
	respChan chan Response

	// The background loops run under two lifecycles. The frame reader owns
	// the transport input and is quiesced by the firmware uploader; the
	// event dispatch loop keeps running across uploads, so a handler that is
	// blocked in a command waits on cmdMu rather than being waited on.
	taskMu        sync.Mutex
	readerTasks   *taskManager
	dispatchTasks *taskManager

	codecMu      sync.RWMutex
	codec        encoding.Encoding
	encodingName string

	// baudRate is the negotiated connection baud, restored after uploads.
	baudRate int

	sleeping    atomic.Bool
	pendingSets *xsync.MapOf[string, any]

	deviceInfo atomic.Pointer[DeviceInfo]
}

// NewClient creates a client from the given configuration.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("nextion: config is nil")
	}

	c := &Client{
		cfg:          cfg,
		logger:       cfg.logger,
		transport:    cfg.transport,
		respChan:     make(chan Response, respQueueSize),
		router:       newEventRouter(cfg.eventQueueSize, cfg.logger),
		codec:        cfg.codec,
		encodingName: cfg.encodingName,
		pendingSets:  xsync.NewMapOf[string, any](),
	}

	c.stateMgr = newConnStateMgr(cfg.logger, cfg.stateHandlers...)
	c.router.setHandler(cfg.eventHandler)
	c.sleeping.Store(true)

	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ConnState { return c.stateMgr.State() }

// DeviceInfo returns the device identity parsed from the connect reply, or
// nil before the first successful connect.
func (c *Client) DeviceInfo() *DeviceInfo { return c.deviceInfo.Load() }

// BaudRate returns the negotiated connection baud rate.
func (c *Client) BaudRate() int { return c.baudRate }

// On registers the handler invoked for every device event. A nil handler
// restores the default, which logs the event.
func (c *Client) On(handler EventHandler) { c.router.setHandler(handler) }

// Sleeping reports whether the device is believed to be in sleep mode.
func (c *Client) Sleeping() bool { return c.sleeping.Load() }

// SetEncoding switches the charset used for string payloads, by IANA name.
// It affects only how string contents are encoded and decoded, never the
// framing.
func (c *Client) SetEncoding(name string) error {
	codec, err := resolveEncoding(name)
	if err != nil {
		return err
	}

	c.codecMu.Lock()
	c.codec = codec
	c.encodingName = name
	c.codecMu.Unlock()

	return nil
}

// Encoding returns the name of the charset currently used for string
// payloads.
func (c *Client) Encoding() string {
	c.codecMu.RLock()
	defer c.codecMu.RUnlock()

	return c.encodingName
}

// --- Connect ---

// Connect establishes the connection to the device.
//
// It probes the configured baud rate first and then the rest of the
// supported set, performing the identification handshake on each until the
// device answers. On success the background frame reader and event dispatch
// loops are started and the client transitions to Connected.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.stateMgr.toConnecting(); err != nil {
		return err
	}

	if err := c.doConnect(ctx); err != nil {
		c.stateMgr.toDisconnected()

		return err
	}

	return c.stateMgr.toConnected()
}

func (c *Client) doConnect(ctx context.Context) error {
	if c.transport == nil {
		transport, err := OpenSerial(c.cfg.device, firstBaud(c.baudCandidates()))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		}
		c.transport = transport
	}

	c.reader = newFrameReader(c.transport, c.logger)

	connected := false
	for _, baud := range c.baudCandidates() {
		if err := c.connectAtBaud(ctx, baud); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %w", ErrConnectionFailed, ctxErr)
			}

			c.logger.Warn("nextion: baud rate did not work", "baud", baud, "error", err)

			continue
		}

		c.baudRate = baud
		connected = true

		break
	}

	if !connected {
		return fmt.Errorf("%w: no baud rate suited", ErrConnectionFailed)
	}

	info := c.deviceInfo.Load()
	c.logger.Info("nextion: device identified",
		"address", info.Address,
		"model", info.Model,
		"firmware", info.FirmwareVersion,
		"serial", info.SerialNumber,
		"flashSize", info.FlashSize,
		"baud", c.baudRate,
	)

	c.startTasks()

	// Ask the device to report a result code for every instruction. A
	// timeout here is tolerated; some firmware stays silent until the next
	// command.
	if _, err := c.execute(ctx, "bkcmd=3", expectAck, 1); err != nil && !errors.Is(err, ErrCommandTimeout) {
		c.logger.Warn("nextion: bkcmd setup failed", "error", err)
	}

	// Seed the sleep state so Set can defer writes while the device sleeps.
	if value, err := c.Get(ctx, "sleep"); err == nil {
		num, ok := value.(int)
		c.sleeping.Store(ok && num != 0)
	} else {
		c.logger.Warn("nextion: failed to query sleep state", "error", err)
	}

	c.logger.Info("nextion: successfully connected to the device")

	return nil
}

// connectAtBaud performs one identification handshake at the given baud rate.
func (c *Client) connectAtBaud(ctx context.Context, baud int) error {
	// Inter-attempt delay per the vendor upload note: (1000000/baud)+30 ms.
	delay := time.Duration(1000000/baud+30) * time.Millisecond

	c.logger.Info("nextion: connecting", "device", c.cfg.device, "baud", baud)

	if err := c.transport.SetBaudRate(baud); err != nil {
		return err
	}

	if err := c.transport.Flush(); err != nil {
		return err
	}
	c.reader.reset()

	// Exit active Protocol Reparse mode; the response, if any, is noise.
	if err := c.writeCommand([]byte(exitReparseMagic)); err != nil {
		return err
	}
	_, _ = c.readResponse(delay)

	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	// The traditional connect instruction first, then the variant addressed
	// to the broadcast address 65535.
	for _, instruction := range [][]byte{[]byte("connect"), []byte("\xff\xffconnect")} {
		if err := c.writeCommand(instruction); err != nil {
			return err
		}

		reply, err := c.readResponse(delay)
		if err != nil {
			c.logger.Warn("nextion: no reply to connect attempt", "error", err)

			continue
		}

		info, err := parseConnectReply(reply)
		if err != nil {
			c.logger.Warn("nextion: connect attempt rejected", "error", err)

			continue
		}

		c.deviceInfo.Store(info)

		return nil
	}

	return ErrNoValidReply
}

// readResponse synchronously reads the next response frame, shunting any
// event frames that interleave to the event router. Only valid while the
// background reader loop is not running.
func (c *Client) readResponse(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrReadTimeout
		}

		payload, kind, err := c.reader.next(remaining)
		if err != nil {
			return nil, err
		}

		if kind == frameEvent {
			c.routeEvent(payload)

			continue
		}

		return payload, nil
	}
}

// parseConnectReply parses a "comok ..." identification reply.
func parseConnectReply(reply []byte) (*DeviceInfo, error) {
	if !strings.HasPrefix(string(reply), "comok ") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReply, reply)
	}

	fields := strings.Split(string(reply), ",")
	if len(fields) < 7 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReply, reply)
	}

	return &DeviceInfo{
		Address:         fields[1],
		Model:           fields[2],
		FirmwareVersion: fields[3],
		SerialNumber:    fields[5],
		FlashSize:       fields[6],
	}, nil
}

// Disconnect stops the background loops and closes the transport.
func (c *Client) Disconnect() error {
	c.stopTasks()
	c.stateMgr.toDisconnected()

	if c.transport == nil {
		return nil
	}

	err := c.transport.Close()
	c.transport = nil

	return err
}

// --- Commands ---

// Command sends a raw instruction and awaits its acknowledgement code.
// A non-success code is returned as a *CommandError.
func (c *Client) Command(ctx context.Context, command string) error {
	_, err := c.execute(ctx, command, expectAck, c.cfg.retryLimit)

	return err
}

// Get reads a variable or property. The returned value is an int for
// numeric and page replies, or a string for text replies.
func (c *Client) Get(ctx context.Context, key string) (any, error) {
	resp, err := c.execute(ctx, "get "+key, expectValue, c.cfg.retryLimit)
	if err != nil {
		return nil, err
	}

	switch resp.Kind {
	case ResponseNumber:
		return int(resp.Number), nil
	case ResponsePage:
		return int(resp.Page), nil
	case ResponseString:
		return c.decodeText(resp.Text)
	default:
		return nil, newMismatchError("get "+key, resp.Kind)
	}
}

// Set assigns a value to a variable or property. Integers are written
// verbatim; strings are quoted; floats are not natively supported by the
// device and are written as quoted strings with a warning.
//
// While the device sleeps, assignments other than to "sleep" itself are
// deferred and flushed on wakeup.
func (c *Client) Set(ctx context.Context, key string, value any) error {
	formatted, err := c.formatValue(value)
	if err != nil {
		return err
	}

	if c.sleeping.Load() && key != "sleep" {
		c.logger.Debug("nextion: device sleeps, deferring set until wakeup", "key", key)
		c.pendingSets.Store(key, value)

		return nil
	}

	_, err = c.execute(ctx, key+"="+formatted, expectAck, c.cfg.retryLimit)

	return err
}

// Sleep puts the device into sleep mode.
func (c *Client) Sleep(ctx context.Context) error {
	if c.sleeping.Load() {
		return nil
	}

	if err := c.Set(ctx, "sleep", 1); err != nil {
		return err
	}
	c.sleeping.Store(true)

	return nil
}

// Wakeup wakes the device and flushes assignments deferred while it slept.
func (c *Client) Wakeup(ctx context.Context) error {
	if !c.sleeping.Load() {
		return nil
	}

	if err := c.Set(ctx, "sleep", 0); err != nil {
		return err
	}
	c.sleeping.Store(false)
	c.flushPendingSets(ctx)

	return nil
}

// Dim sets the backlight brightness in percent [0, 100].
func (c *Client) Dim(ctx context.Context, value int) error {
	if value < 0 || value > 100 {
		return fmt.Errorf("nextion: brightness %d out of range [0, 100]", value)
	}

	return c.Set(ctx, "dim", value)
}

type expectKind uint8

const (
	expectAck expectKind = iota
	expectValue
)

// execute performs one command exchange: serialize, send, await the next
// response frame, with bounded retry on timeout. Retries re-send the exact
// same bytes; failures are assumed transient. Event frames that interleave
// with the response never consume the retry budget, because the frame
// reader loop routes them before the response queue is touched.
func (c *Client) execute(ctx context.Context, command string, expect expectKind, attempts int) (Response, error) {
	if c.stateMgr.State().IsDisconnected() {
		return Response{}, ErrNotConnected
	}

	data, err := c.encodeText(command)
	if err != nil {
		return Response{}, err
	}

	wire := make([]byte, 0, len(data)+len(terminator))
	wire = append(wire, data...)
	wire = append(wire, terminator...)

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.drainResponses()

		if _, err := c.transport.Write(wire); err != nil {
			lastErr = err
			c.logger.Error("nextion: command write failed",
				"command", command, "attempt", attempt, "error", err)

			continue
		}

		resp, err := c.awaitResponse(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, err
			}

			lastErr = err
			c.logger.Error("nextion: command response timeout",
				"command", command, "attempt", attempt, "maxAttempts", attempts)

			continue
		}

		return c.checkResponse(command, resp, expect)
	}

	return Response{}, lastErr
}

// awaitResponse waits for the next response frame from the reader loop.
func (c *Client) awaitResponse(ctx context.Context) (Response, error) {
	timer := pool.GetTimer(c.cfg.timeout)
	defer pool.PutTimer(timer)

	select {
	case resp := <-c.respChan:
		return resp, nil

	case <-timer.C:
		return Response{}, ErrCommandTimeout

	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// checkResponse validates the response frame kind against the expected
// shape of the command. Kind mismatches and failure codes are not retried;
// the device did answer.
func (c *Client) checkResponse(command string, resp Response, expect expectKind) (Response, error) {
	switch expect {
	case expectAck:
		switch resp.Kind {
		case ResponseEmpty:
			return resp, nil
		case ResponseAck:
			if resp.Code == ackSuccess {
				return resp, nil
			}

			return Response{}, newCommandError(command, resp.Code)
		default:
			return Response{}, newMismatchError(command, resp.Kind)
		}

	default: // expectValue
		switch resp.Kind {
		case ResponseNumber, ResponseString, ResponsePage:
			return resp, nil
		case ResponseAck:
			if resp.Code != ackSuccess {
				return Response{}, newCommandError(command, resp.Code)
			}

			return Response{}, newMismatchError(command, resp.Kind)
		default:
			return Response{}, newMismatchError(command, resp.Kind)
		}
	}
}

// drainResponses discards stale response frames left over from a previous
// timed-out exchange, so the next response consumed is the one to the
// command about to be sent.
func (c *Client) drainResponses() {
	for {
		select {
		case resp := <-c.respChan:
			c.logger.Debug("nextion: flushing stale response", "kind", resp.Kind.String())
		default:
			return
		}
	}
}

// formatValue renders a value for a set instruction.
func (c *Client) formatValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return `"` + v + `"`, nil
	case int:
		return strconv.Itoa(v), nil
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", v), nil
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", v), nil
	case float32:
		c.logger.Warn("nextion: float is not supported by the device, converting to string")
		return `"` + strconv.FormatFloat(float64(v), 'g', -1, 32) + `"`, nil
	case float64:
		c.logger.Warn("nextion: float is not supported by the device, converting to string")
		return `"` + strconv.FormatFloat(v, 'g', -1, 64) + `"`, nil
	default:
		return "", fmt.Errorf("nextion: value type %T is not supported for set", value)
	}
}

// flushPendingSets replays assignments deferred while the device slept.
func (c *Client) flushPendingSets(ctx context.Context) {
	c.pendingSets.Range(func(key string, value any) bool {
		c.pendingSets.Delete(key)

		if err := c.Set(ctx, key, value); err != nil {
			c.logger.Warn("nextion: deferred set failed after wakeup", "key", key, "error", err)
		}

		return true
	})
}

// --- Background loops ---

func (c *Client) startTasks() {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	c.startReaderLocked()

	c.dispatchTasks = newTaskManager(context.Background(), c.logger)
	done := c.dispatchTasks.done()
	c.dispatchTasks.start("eventDispatch", func() bool {
		return c.router.dispatchOne(done)
	})
}

func (c *Client) stopTasks() {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	if c.readerTasks != nil {
		c.readerTasks.stop()
		c.readerTasks = nil
	}

	if c.dispatchTasks != nil {
		c.dispatchTasks.stop()
		c.dispatchTasks = nil
	}
}

// startReader and stopReader bracket a firmware upload session. Only the
// frame reader is stopped: the dispatch loop never touches the transport,
// and waiting for it while holding cmdMu would deadlock against a handler
// that issues a command.
func (c *Client) startReader() {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	c.startReaderLocked()
}

func (c *Client) stopReader() {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	if c.readerTasks != nil {
		c.readerTasks.stop()
		c.readerTasks = nil
	}
}

func (c *Client) startReaderLocked() {
	c.readerTasks = newTaskManager(context.Background(), c.logger)
	c.readerTasks.start("frameReader", c.readFrames)
}

// readFrames is one iteration of the frame reader loop: pull the next frame
// off the transport and route it to the command dispatcher or the event
// router without ever reordering arrivals.
func (c *Client) readFrames() bool {
	payload, kind, err := c.reader.next(pollTimeout)
	if err != nil {
		if errors.Is(err, ErrReadTimeout) {
			return true
		}

		c.logger.Error("nextion: transport read failed, stopping reader", "error", err)
		c.stateMgr.toDisconnected()

		return false
	}

	if kind == frameEvent {
		c.routeEvent(payload)

		return true
	}

	resp := decodeResponse(payload)
	select {
	case c.respChan <- resp:
	default:
		c.logger.Warn("nextion: dropping unsolicited response", "kind", resp.Kind.String())
	}

	return true
}

// routeEvent decodes an event frame, applies its side effects on the client
// state, and hands it to the event router.
func (c *Client) routeEvent(payload []byte) {
	ev, err := decodeEvent(payload)
	if err != nil {
		c.logger.Warn("nextion: discarding malformed event frame", "error", err)

		return
	}

	switch ev.Type {
	case EventAutoSleep:
		c.sleeping.Store(true)

	case EventAutoWake:
		c.sleeping.Store(false)
		go c.flushPendingSets(context.Background())

	case EventStartup:
		// The device rebooted; re-arm result code reporting.
		go func() {
			if err := c.Command(context.Background(), "bkcmd=3"); err != nil {
				c.logger.Warn("nextion: bkcmd re-arm after startup failed", "error", err)
			}
		}()
	}

	c.router.enqueue(ev)
}

// --- Helpers ---

// writeCommand writes an instruction followed by the frame terminator.
func (c *Client) writeCommand(data []byte) error {
	wire := make([]byte, 0, len(data)+len(terminator))
	wire = append(wire, data...)
	wire = append(wire, terminator...)

	_, err := c.transport.Write(wire)

	return err
}

func (c *Client) encodeText(s string) ([]byte, error) {
	c.codecMu.RLock()
	codec := c.codec
	c.codecMu.RUnlock()

	if codec == nil {
		return []byte(s), nil
	}

	return codec.NewEncoder().Bytes([]byte(s))
}

func (c *Client) decodeText(b []byte) (string, error) {
	c.codecMu.RLock()
	codec := c.codec
	c.codecMu.RUnlock()

	if codec == nil {
		return string(b), nil
	}

	decoded, err := codec.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}

	return string(decoded), nil
}

func (c *Client) baudCandidates() []int {
	if c.cfg.baudRate == 0 {
		return SupportedBaudRates
	}

	candidates := make([]int, 0, len(SupportedBaudRates))
	candidates = append(candidates, c.cfg.baudRate)
	for _, baud := range SupportedBaudRates {
		if baud != c.cfg.baudRate {
			candidates = append(candidates, baud)
		}
	}

	return candidates
}

func firstBaud(candidates []int) int { return candidates[0] }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
