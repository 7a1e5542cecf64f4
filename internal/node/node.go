// Package node is the application core of the end device.
//
// Everything runs on one loop goroutine: MAC completions, timer fires and
// wake-ups are posted onto it as closures, menu rendering and input
// processing are drained from a task.Queue, and operator input is only
// read while a prompt is waiting for it. Handlers never block the loop;
// anything that has to wait arms a timer or waits for the next callback.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"lorawan-node/internal/compliance"
	"lorawan-node/internal/keystore"
	"lorawan-node/internal/led"
	"lorawan-node/internal/mac"
	"lorawan-node/internal/pds"
	"lorawan-node/internal/power"
	"lorawan-node/internal/sensor"
	"lorawan-node/internal/task"
	"lorawan-node/internal/timer"
)

// ErrReset is returned by Run when the device asked for a reset. The
// caller builds a fresh Node over the same collaborators.
var ErrReset = errors.New("device reset requested")

const loopBuffer = 128

// Capabilities enumerates the optional features of a build.
type Capabilities struct {
	Bands           []mac.Band
	Compliance      bool
	Persistence     bool
	PowerManagement bool
	CryptoDevice    bool
	Multicast       bool
	LEDStatus       bool
}

// OTAAKeys are over-the-air activation parameters.
type OTAAKeys struct {
	DevEUI  [8]byte
	JoinEUI [8]byte
	AppKey  [16]byte
}

// ABPKeys are activation-by-personalization parameters.
type ABPKeys struct {
	DevAddr uint32
	AppSKey [16]byte
	NwkSKey [16]byte
}

// MulticastConfig describes the demo multicast group.
type MulticastConfig struct {
	Enabled   bool
	GroupID   uint8
	GroupAddr uint32
	AppSKey   [16]byte
	NwkSKey   [16]byte
}

// CertConfig holds the certification mode parameters.
type CertConfig struct {
	Activation mac.ActivationType
	Class      mac.Class
	Confirmed  bool
	AppPort    uint8
	Period     time.Duration
	OTAA       OTAAKeys
	ABP        ABPKeys

	Firmware compliance.Version
	LoRaWAN  compliance.Version
	Regional compliance.Version
}

// Config is the node configuration.
type Config struct {
	Capabilities Capabilities

	Activation mac.ActivationType
	Class      mac.Class
	Confirmed  bool
	Port       uint8
	JoinNonce  mac.JoinNonceType
	// SubBand restricts NA915/AU915 to one 8-channel sub-band (1..8).
	// Zero keeps every channel enabled.
	SubBand uint8

	OTAA      OTAAKeys
	ABP       ABPKeys
	Multicast MulticastConfig
	Cert      CertConfig

	PeriodicInterval  time.Duration
	SleepDuration     time.Duration
	SleepResetsDevice bool
	RestoreAttempts   int
	RestoreInterval   time.Duration
	RestoreKeyWait    time.Duration
	ResetDelay        time.Duration
	LEDBlink          time.Duration
	TimerPool         int

	StackVersion string
}

// DefaultConfig returns the demo application defaults.
func DefaultConfig() Config {
	return Config{
		Capabilities: Capabilities{
			Bands:       append([]mac.Band(nil), mac.AllBands...),
			Compliance:  true,
			Persistence: true,
			Multicast:   true,
		},
		Activation: mac.OTAA,
		Class:      mac.ClassA,
		Port:       1,
		JoinNonce:  mac.JoinNonceIncremental,
		SubBand:    1,
		OTAA: OTAAKeys{
			DevEUI:  [8]byte{0xDE, 0xAF, 0xFA, 0xCE, 0xDE, 0xAF, 0xFA, 0xCE},
			JoinEUI: [8]byte{0, 0, 0, 0, 0, 0, 0, 0x02},
			AppKey:  [16]byte{15: 0x02},
		},
		ABP: ABPKeys{
			DevAddr: 0x76897689,
			AppSKey: [16]byte{6: 0x76, 7: 0x89, 14: 0x76, 15: 0x89},
			NwkSKey: [16]byte{6: 0x89, 7: 0x76, 14: 0x89, 15: 0x76},
		},
		Multicast: MulticastConfig{
			Enabled:   true,
			GroupAddr: 0x0037CC56,
			AppSKey:   [16]byte{0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6, 0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6},
			NwkSKey:   [16]byte{0x3C, 0x8F, 0x26, 0x27, 0x39, 0xBF, 0xE3, 0xB7, 0xBC, 0x08, 0x26, 0x99, 0x1A, 0xD0, 0x50, 0x4D},
		},
		Cert: CertConfig{
			Activation: mac.OTAA,
			Class:      mac.ClassA,
			AppPort:    2,
			Period:     5 * time.Second,
			Firmware:   compliance.Version{Major: 1, Minor: 0, Patch: 4},
			LoRaWAN:    compliance.Version{Major: 1, Minor: 0, Patch: 4},
			Regional:   compliance.Version{Major: 1, Minor: 0, Patch: 4},
		},
		PeriodicInterval: 5 * time.Second,
		SleepDuration:    time.Second,
		RestoreAttempts:  5,
		RestoreInterval:  time.Second,
		ResetDelay:       time.Second,
		LEDBlink:         100 * time.Millisecond,
		TimerPool:        25,
		StackVersion:     "MLS_SDK_1_0_P_6",
	}
}

// Console is the transport collaborator.
type Console interface {
	io.Writer
	Input() <-chan byte
	ReadByteTimeout(d time.Duration) (byte, bool)
	Init()
	Deinit()
}

// Deps are the collaborators of a node. Store, Power, Keys and LED are
// optional and only used when the matching capability is enabled.
type Deps struct {
	MAC     mac.MAC
	Radio   mac.Radio
	Store   pds.Store
	Console Console
	Sensor  sensor.Temperature
	Power   power.Manager
	Keys    keystore.Device
	LED     led.Indicator
	Events  *EventBus
	Clock   timer.Clock
	Logger  *slog.Logger

	// ResetCause is printed in the boot banner.
	ResetCause string
}

// stateMarshaler is implemented by MAC backends whose session state can
// be persisted.
type stateMarshaler interface {
	MarshalState() ([]byte, error)
	UnmarshalState([]byte) error
}

// Node is the device application.
type Node struct {
	cfg    Config
	mac    mac.MAC
	radio  mac.Radio
	store  pds.Store
	con    Console
	sensor sensor.Temperature
	power  power.Manager
	keys   keystore.Device
	led    led.Indicator
	events *EventBus
	logger *slog.Logger

	loop      chan func()
	done      chan struct{}
	closeOnce sync.Once
	tasks     *task.Queue
	timers    *timer.Service

	appTimer     *timer.Timer
	certTimer    *timer.Timer
	restoreTimer *timer.Timer
	cwTimer      *timer.Timer
	resetTimer   *timer.Timer
	ledTimer     *timer.Timer

	state     State
	receiving bool
	choice    byte

	band        mac.Band
	joinType    mac.ActivationType
	joinRetried bool
	periodic    bool
	minDR       bool

	// Last values seen from the MAC, for status snapshots.
	joined   bool
	devAddr  uint32
	fcntUp   uint32
	fcntDown uint32

	certEnabled bool
	fport224Off bool
	cert        certSession

	restoreLeft  int
	resetPending bool
	resetCause   string

	status atomic.Pointer[Status]
}

// New creates a node. Failing to allocate its timers is fatal for the
// device and reported as an error.
func New(cfg Config, deps Deps) (*Node, error) {
	if deps.MAC == nil || deps.Console == nil {
		return nil, errors.New("node: mac and console are required")
	}
	if len(cfg.Capabilities.Bands) == 0 {
		return nil, errors.New("node: no bands configured")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := deps.Events
	if events == nil {
		events = NewEventBus(logger)
	}
	n := &Node{
		cfg:        cfg,
		mac:        deps.MAC,
		radio:      deps.Radio,
		store:      deps.Store,
		con:        deps.Console,
		sensor:     deps.Sensor,
		power:      deps.Power,
		keys:       deps.Keys,
		led:        deps.LED,
		events:     events,
		logger:     logger.With("component", "node"),
		loop:       make(chan func(), loopBuffer),
		done:       make(chan struct{}),
		tasks:      task.NewQueue(),
		band:       cfg.Capabilities.Bands[0],
		joinType:   cfg.Activation,
		resetCause: deps.ResetCause,
	}
	if !cfg.Capabilities.Persistence {
		n.store = nil
	}
	if !cfg.Capabilities.PowerManagement {
		n.power = nil
	}
	if !cfg.Capabilities.LEDStatus {
		n.led = nil
	}
	if n.resetCause == "" {
		n.resetCause = "Power-On Reset"
	}
	n.cert = newCertSession(cfg.Cert)

	if n.keys != nil && !cfg.Capabilities.CryptoDevice {
		if eui := n.keys.DevEUI(); eui != [8]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} {
			n.cfg.OTAA.DevEUI = eui
		}
	}

	n.timers = timer.NewService(deps.Clock, cfg.TimerPool, n.post, logger)
	for _, t := range []struct {
		dst  **timer.Timer
		name string
	}{
		{&n.appTimer, "app"},
		{&n.certTimer, "cert"},
		{&n.restoreTimer, "restore-prompt"},
		{&n.cwTimer, "cw"},
		{&n.resetTimer, "system-reset"},
		{&n.ledTimer, "led"},
	} {
		tm, err := n.timers.Create(t.name)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		*t.dst = tm
	}

	if err := n.registerItems(); err != nil {
		// Persistence errors degrade to fresh-state behavior.
		n.logger.Error("pds register failed", "err", err)
		n.store = nil
	}
	n.publishStatus()
	return n, nil
}

// Events returns the node event bus.
func (n *Node) Events() *EventBus {
	return n.events
}

// Run boots the node and runs its loop until ctx is done or the device
// requests a reset, in which case ErrReset is returned.
func (n *Node) Run(ctx context.Context) error {
	defer n.shutdown()
	n.boot()
	n.publishStatus()
	for {
		// A nil channel blocks, so input stays queued in the transport
		// until a prompt is waiting for it.
		var input <-chan byte
		if n.receiving {
			input = n.con.Input()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-n.loop:
			fn()
		case <-n.tasks.Ready():
			n.tasks.Dispatch(n.runTask)
		case b := <-input:
			n.handleInput(b)
		}
		n.publishStatus()
		if n.resetPending {
			return ErrReset
		}
	}
}

// drain runs posted work, tasks and waiting input until nothing is left.
func (n *Node) drain() {
	for !n.resetPending {
		select {
		case fn := <-n.loop:
			fn()
			continue
		default:
		}
		if n.tasks.Dispatch(n.runTask) {
			continue
		}
		if n.receiving {
			select {
			case b := <-n.con.Input():
				n.handleInput(b)
				continue
			default:
			}
		}
		break
	}
	n.publishStatus()
}

// post queues fn onto the loop goroutine. Safe from any goroutine.
func (n *Node) post(fn func()) {
	select {
	case n.loop <- fn:
	case <-n.done:
	}
}

func (n *Node) shutdown() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.timers.StopAll()
		n.mac.OnJoinComplete(nil)
		n.mac.OnData(nil)
	})
}

func (n *Node) runTask(id task.ID) {
	switch id {
	case task.Render:
		n.render()
	case task.Process:
		n.process()
	default:
		n.logger.Warn("unknown task", "task", id)
	}
}

// schedule switches to state s and posts task id.
func (n *Node) schedule(id task.ID, s State) {
	if s != n.state {
		n.logger.Debug("state change", "from", n.state, "to", s)
	}
	n.state = s
	n.tasks.Post(id)
}

// requestReset ends Run with ErrReset after the current handler.
func (n *Node) requestReset() {
	n.logger.Info("device reset")
	n.resetPending = true
	n.events.Emit(Event{Type: EventReset})
}

func (n *Node) armReset() {
	if err := n.resetTimer.Start(n.cfg.ResetDelay, n.requestReset); err != nil {
		n.logger.Error("arm reset timer", "err", err)
	}
}

func (n *Node) boot() {
	n.printf("\r\nLast reset cause: %s\r\n", n.resetCause)

	if n.cfg.Capabilities.CryptoDevice && n.keys != nil {
		n.printECCInfo()
	}

	n.mac.OnJoinComplete(func(s mac.Status) {
		n.post(func() { n.onJoinComplete(s) })
	})
	n.mac.OnData(func(ev mac.DataEvent) {
		n.post(func() { n.onData(ev) })
	})

	n.printf("\r\n")
	n.printf("Microchip LoRaWAN Stack - %s\r\n\r\n", n.cfg.StackVersion)
	n.printf("Init - Successful\r\n")

	if n.store != nil && n.store.IsRestorable() {
		n.startRestorePrompt()
		return
	}
	n.schedule(task.Render, InitMenu)
}
