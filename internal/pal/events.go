package pal

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventTransferStarted = "transfer_started"
	EventBlockWritten    = "block_written"
	EventTransferClosed  = "transfer_closed"
	EventTransferAborted = "transfer_aborted"
	EventImageState      = "image_state"
	EventActivating      = "activating"
)

// Event is one step of the update pipeline.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// TransferData is carried by transfer events.
type TransferData struct {
	Size   int64  `json:"size"`
	Offset int64  `json:"offset,omitempty"`
	Length int    `json:"length,omitempty"`
	Label  string `json:"label,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ImageStateData is carried by EventImageState.
type ImageStateData struct {
	State   string `json:"state"`
	Request string `json:"request,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans pipeline events out to subscribers.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe
// function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls the matching handlers synchronously. A panicking handler is
// logged and skipped.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	hs := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		hs = append(hs, h)
	}
	for _, h := range eb.allHandlers {
		hs = append(hs, h)
	}
	eb.mu.RUnlock()

	for _, h := range hs {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
