package node

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventState       = "state"
	EventJoin        = "join"
	EventUplink      = "uplink"
	EventTransaction = "transaction"
	EventDownlink    = "downlink"
	EventCompliance  = "compliance"
	EventSleep       = "sleep"
	EventReset       = "reset"
)

// Event represents a node event.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StateData accompanies EventState.
type StateData struct {
	State string `json:"state"`
}

// JoinData accompanies EventJoin.
type JoinData struct {
	Status  string `json:"status"`
	DevAddr uint32 `json:"dev_addr,omitempty"`
}

// UplinkData accompanies EventUplink.
type UplinkData struct {
	Port      uint8  `json:"port"`
	Confirmed bool   `json:"confirmed"`
	Datarate  uint8  `json:"datarate"`
	FCntUp    uint32 `json:"fcnt_up"`
	Payload   []byte `json:"payload"`
}

// TransactionData accompanies EventTransaction.
type TransactionData struct {
	Status string `json:"status"`
}

// DownlinkData accompanies EventDownlink.
type DownlinkData struct {
	Port     uint8  `json:"port"`
	FCntDown uint32 `json:"fcnt_down"`
	Payload  []byte `json:"payload"`
}

// ComplianceData accompanies EventCompliance.
type ComplianceData struct {
	Opcode string `json:"opcode"`
	Valid  bool   `json:"valid"`
}

// SleepData accompanies EventSleep.
type SleepData struct {
	SleptMs int64 `json:"slept_ms"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id        uint64
	eventType string // empty for every type
	fn        EventHandler
}

// EventBus fans node events out to subscribers in subscription order. The
// node emits from its loop goroutine, so handlers must not block.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger}
}

// On subscribes handler to one event type. The returned function removes
// the subscription.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll subscribes handler to every event type.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, fn EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, eventType: eventType, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { eb.unsubscribe(id) })
	}
}

func (eb *EventBus) unsubscribe(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Emit calls the matching handlers synchronously. A panicking handler is
// logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	targets := make([]EventHandler, 0, len(eb.subs))
	for _, s := range eb.subs {
		if s.eventType == "" || s.eventType == event.Type {
			targets = append(targets, s.fn)
		}
	}
	eb.mu.RUnlock()

	for _, fn := range targets {
		eb.deliver(fn, event)
	}
}

func (eb *EventBus) deliver(fn EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	fn(event)
}
