package nextion

import (
	"sync"

	"github.com/arloliu/go-nextion/logger"
)

// EventHandler processes one device event. It runs on the event dispatch
// goroutine, decoupled from the command/response path: a slow or failing
// handler delays later events but never stalls frame ingestion or command
// round-trips.
type EventHandler func(eventType EventType, payload any)

// eventRouter delivers decoded event frames to the registered handler.
//
// The frame reader loop enqueues events without blocking; a dedicated
// dispatch goroutine invokes the handler in arrival order. When the queue is
// full the oldest pending event is discarded so that frame ingestion can
// never back up behind a stuck handler.
type eventRouter struct {
	mu      sync.RWMutex
	handler EventHandler
	queue   chan Event
	logger  logger.Logger
}

func newEventRouter(queueSize int, l logger.Logger) *eventRouter {
	return &eventRouter{
		queue:  make(chan Event, queueSize),
		logger: l,
	}
}

// setHandler registers the user event handler. A nil handler restores the
// default, which logs the event.
func (er *eventRouter) setHandler(handler EventHandler) {
	er.mu.Lock()
	defer er.mu.Unlock()

	er.handler = handler
}

// enqueue queues an event for dispatch. It never blocks: when the queue is
// full, the oldest pending event is dropped with a warning.
func (er *eventRouter) enqueue(ev Event) {
	for {
		select {
		case er.queue <- ev:
			return
		default:
		}

		select {
		case stale := <-er.queue:
			er.logger.Warn("nextion: event queue full, dropping oldest event",
				"type", stale.Type.String())
		default:
		}
	}
}

// dispatchOne delivers the next queued event to the handler. It returns
// false when the task manager shuts down. Handler panics are recovered and
// logged so a faulty handler cannot kill the dispatch loop.
func (er *eventRouter) dispatchOne(done <-chan struct{}) bool {
	select {
	case <-done:
		return false

	case ev := <-er.queue:
		er.mu.RLock()
		handler := er.handler
		er.mu.RUnlock()

		er.invoke(handler, ev)

		return true
	}
}

func (er *eventRouter) invoke(handler EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			er.logger.Error("nextion: event handler panicked",
				"type", ev.Type.String(), "panic", r)
		}
	}()

	if handler == nil {
		er.logger.Info("nextion: event", "type", ev.Type.String(), "payload", ev.Payload)
		return
	}

	handler(ev.Type, ev.Payload)
}
