package nextion

import (
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-nextion/logger"
)

// ConnState represents the stages of a device connection.
type ConnState uint32

const (
	// Disconnected indicates that no transport session is established.
	Disconnected ConnState = iota
	// Connecting indicates that the connect handshake is in progress.
	Connecting
	// Connected indicates that the device answered the handshake and
	// commands may be issued.
	Connected
)

// IsDisconnected returns if the current state is disconnected.
func (cs ConnState) IsDisconnected() bool { return cs == Disconnected }

// IsConnecting returns if the current state is connecting.
func (cs ConnState) IsConnecting() bool { return cs == Connecting }

// IsConnected returns if the current state is connected.
func (cs ConnState) IsConnected() bool { return cs == Connected }

// String returns string representation of the current state.
func (cs ConnState) String() string {
	switch cs {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnStateChangeHandler is invoked when the connection state changes.
//
// Note: the handler is invoked in blocking mode. Take care with long-running
// implementations.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// connStateMgr manages connection state transitions and notifies listeners
// of state changes. Transitions are safe for concurrent use.
type connStateMgr struct {
	mu       sync.Mutex
	state    atomic.Uint32
	logger   logger.Logger
	handlers []ConnStateChangeHandler
}

func newConnStateMgr(l logger.Logger, handlers ...ConnStateChangeHandler) *connStateMgr {
	mgr := &connStateMgr{logger: l, handlers: handlers}
	mgr.state.Store(uint32(Disconnected))

	return mgr
}

// State returns the current connection state.
func (cs *connStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// toConnecting transitions to Connecting. Only allowed from Disconnected.
func (cs *connStateMgr) toConnecting() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState.IsConnecting() {
		return nil // no-op
	}

	if !curState.IsDisconnected() {
		return ErrInvalidTransition
	}

	cs.setState(curState, Connecting)

	return nil
}

// toConnected transitions to Connected. Only allowed from Connecting.
func (cs *connStateMgr) toConnected() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState.IsConnected() {
		return nil // no-op
	}

	if !curState.IsConnecting() {
		return ErrInvalidTransition
	}

	cs.setState(curState, Connected)

	return nil
}

// toDisconnected transitions to Disconnected. Allowed from any state; it
// represents a disconnect or a reset of the connection.
func (cs *connStateMgr) toDisconnected() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	curState := cs.State()
	if curState.IsDisconnected() {
		return
	}

	cs.setState(curState, Disconnected)
}

func (cs *connStateMgr) setState(prevState ConnState, newState ConnState) {
	cs.state.Store(uint32(newState))
	cs.logger.Debug("nextion: connection state changed",
		"prevState", prevState, "newState", newState)

	for _, handler := range cs.handlers {
		if handler != nil {
			handler(prevState, newState)
		}
	}
}
