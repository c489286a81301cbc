package nextion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/arloliu/go-nextion/logger"
)

// Default configuration values.
const (
	// DefaultTimeout is the per-attempt response timeout for a command.
	DefaultTimeout = 500 * time.Millisecond

	// DefaultRetryLimit is the number of attempts for a command before the
	// failure is surfaced to the caller.
	DefaultRetryLimit = 3

	// DefaultEventQueueSize is the capacity of the event dispatch queue.
	DefaultEventQueueSize = 32

	// DefaultHandshakeTimeout bounds the wait for the upload-ready
	// acknowledgement after the upload initiation instruction.
	DefaultHandshakeTimeout = time.Second
)

// MaxRetryLimit bounds WithRetryLimit.
const MaxRetryLimit = 10

// ErrUnsupportedEncoding indicates a charset name the string codec does not
// recognize.
var ErrUnsupportedEncoding = errors.New("nextion: unsupported encoding")

// Config holds all configuration for a device client.
type Config struct {
	device string

	// baudRate is the preferred connection baud rate. Zero means probe the
	// whole supported set.
	baudRate int

	timeout          time.Duration
	handshakeTimeout time.Duration
	retryLimit       int
	eventQueueSize   int

	// encodingName names the charset for string payloads; codec is nil for
	// plain ASCII passthrough.
	encodingName string
	codec        encoding.Encoding

	// transport overrides the serial transport; used by tests and by
	// callers bridging the device over something other than a local port.
	transport Transport

	eventHandler  EventHandler
	stateHandlers []ConnStateChangeHandler

	logger logger.Logger
}

// NewConfig creates a client configuration for the given serial device path.
//
// opts are functional options applied in order; see the With* functions.
func NewConfig(device string, opts ...Option) (*Config, error) {
	cfg := &Config{
		device:           device,
		timeout:          DefaultTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		retryLimit:       DefaultRetryLimit,
		eventQueueSize:   DefaultEventQueueSize,
		encodingName:     "ascii",
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.device == "" && cfg.transport == nil {
		return nil, errors.New("nextion: device path is empty")
	}

	return cfg, nil
}

// Device returns the configured serial device path.
func (cfg *Config) Device() string { return cfg.device }

// BaudRate returns the preferred baud rate, or 0 when probing.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// Timeout returns the per-attempt response timeout.
func (cfg *Config) Timeout() time.Duration { return cfg.timeout }

// RetryLimit returns the command attempt count.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// EncodingName returns the configured charset name for string payloads.
func (cfg *Config) EncodingName() string { return cfg.encodingName }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBaudRate sets the preferred connection baud rate. The rate is tried
// first during connect, before the rest of the supported set.
func WithBaudRate(baud int) Option {
	return optFunc(func(cfg *Config) error {
		if !IsSupportedBaudRate(baud) {
			return fmt.Errorf("%w: %d", ErrUnsupportedBaudRate, baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithTimeout sets the per-attempt response timeout.
func WithTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("nextion: timeout must be positive")
		}
		cfg.timeout = d

		return nil
	})
}

// WithHandshakeTimeout sets the upload handshake acknowledgement timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("nextion: handshake timeout must be positive")
		}
		cfg.handshakeTimeout = d

		return nil
	})
}

// WithRetryLimit sets the number of attempts for a command. Must be in
// [1, MaxRetryLimit].
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxRetryLimit {
			return fmt.Errorf("nextion: retry limit %d out of range [1, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithEncoding sets the charset used to encode and decode string payloads,
// by IANA name (e.g. "iso-8859-1", "gb2312"). The default is plain ASCII.
// The charset affects only string payload contents, never the framing.
func WithEncoding(name string) Option {
	return optFunc(func(cfg *Config) error {
		codec, err := resolveEncoding(name)
		if err != nil {
			return err
		}
		cfg.encodingName = name
		cfg.codec = codec

		return nil
	})
}

// WithEventQueueSize sets the capacity of the event dispatch queue.
func WithEventQueueSize(size int) Option {
	return optFunc(func(cfg *Config) error {
		if size < 1 {
			return errors.New("nextion: event queue size must be >= 1")
		}
		cfg.eventQueueSize = size

		return nil
	})
}

// WithEventHandler registers the handler invoked for every device event.
func WithEventHandler(handler EventHandler) Option {
	return optFunc(func(cfg *Config) error {
		cfg.eventHandler = handler

		return nil
	})
}

// WithConnStateChangeHandler adds a handler invoked on connection state
// changes.
func WithConnStateChangeHandler(handler ConnStateChangeHandler) Option {
	return optFunc(func(cfg *Config) error {
		cfg.stateHandlers = append(cfg.stateHandlers, handler)

		return nil
	})
}

// WithTransport supplies a custom transport instead of opening the serial
// device. The device path is ignored when a transport is set.
func WithTransport(t Transport) Option {
	return optFunc(func(cfg *Config) error {
		if t == nil {
			return errors.New("nextion: transport must not be nil")
		}
		cfg.transport = t

		return nil
	})
}

// WithLogger sets the logger for the client.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("nextion: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// resolveEncoding maps an IANA charset name to its codec. Plain ASCII (and
// an empty name) resolve to a nil codec, meaning byte passthrough.
func resolveEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "ascii", "us-ascii":
		return nil, nil
	}

	codec, err := ianaindex.IANA.Encoding(name)
	if err != nil || codec == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}

	return codec, nil
}
