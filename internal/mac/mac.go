// Package mac defines the boundary to the LoRaWAN MAC/PHY engine and the
// radio, and provides backends for it.
//
// Backends: Sim (in-process simulator), RN2483 (Microchip module over a
// serial port).
package mac

import (
	"fmt"
	"strings"
)

// MAC is the LoRaWAN stack collaborator. Join and Send are asynchronous:
// a nil return means the request was accepted and completion arrives
// through the registered handlers, on a goroutine of the backend.
// Handlers must return promptly and must not call back into the MAC.
type MAC interface {
	Reset(band Band) error
	SetAttr(attr Attr, value any) error
	GetAttr(attr Attr) (any, error)
	Join(t ActivationType) error
	Send(req *SendRequest) error

	// ReadyToSleep reports whether the stack is idle enough to sleep.
	ReadyToSleep(deviceResetsForWakeup bool) bool

	OnJoinComplete(handler func(Status))
	OnData(handler func(DataEvent))

	Close() error
}

// Radio is the transceiver collaborator used outside of the MAC engine.
type Radio interface {
	SetFrequency(hz uint32) error
	SetOutputPower(dbm uint8) error
	TransmitCW() error
	StopCW() error
	Init() error
	Deinit() error
}

// ActivationType selects OTAA or ABP.
type ActivationType uint8

const (
	OTAA ActivationType = iota
	ABP
)

func (t ActivationType) String() string {
	if t == ABP {
		return "ABP"
	}
	return "OTAA"
}

// ParseActivation parses "otaa" or "abp".
func ParseActivation(s string) (ActivationType, error) {
	switch strings.ToLower(s) {
	case "otaa":
		return OTAA, nil
	case "abp":
		return ABP, nil
	}
	return 0, fmt.Errorf("unknown activation type %q", s)
}

// Class is the device class bitmask.
type Class uint8

const (
	ClassA Class = 1 << iota
	ClassB
	ClassC
)

func (c Class) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Multicast reports whether the class can receive multicast downlinks.
func (c Class) Multicast() bool {
	return c&(ClassB|ClassC) != 0
}

// ParseClass parses "A", "B" or "C".
func ParseClass(s string) (Class, error) {
	switch strings.ToUpper(s) {
	case "A":
		return ClassA, nil
	case "B":
		return ClassB, nil
	case "C":
		return ClassC, nil
	}
	return 0, fmt.Errorf("unknown device class %q", s)
}

// JoinNonceType selects how the join nonce is validated.
type JoinNonceType uint8

const (
	JoinNonceIncremental JoinNonceType = iota
	JoinNonceRandom
)

// SendRequest is one uplink.
type SendRequest struct {
	Port      uint8
	Confirmed bool
	Payload   []byte
}

// EventKind distinguishes data callback events.
type EventKind uint8

const (
	TransactionComplete EventKind = iota
	RxData
)

func (k EventKind) String() string {
	if k == RxData {
		return "rx_data"
	}
	return "transaction_complete"
}

// DataEvent is delivered to the OnData handler.
type DataEvent struct {
	Kind    EventKind
	Status  Status // TransactionComplete
	Port    uint8  // RxData
	Payload []byte // RxData, without the port byte
}

// Get reads attr and asserts its value type.
func Get[T any](m MAC, attr Attr) (T, error) {
	var zero T
	v, err := m.GetAttr(attr)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("attribute %s: unexpected type %T", attr, v)
	}
	return t, nil
}

// Joined reports whether the stack has joined a network.
func Joined(m MAC) bool {
	j, err := Get[bool](m, NetworkJoined)
	return err == nil && j
}
