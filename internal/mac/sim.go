package mac

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

var (
	_ MAC   = (*Sim)(nil)
	_ Radio = (*SimRadio)(nil)
)

// SimConfig tunes the simulated stack.
type SimConfig struct {
	JoinDelay time.Duration // join request to join-accept
	TxDelay   time.Duration // uplink to transaction complete
	// JoinFailures makes the next n OTAA joins end without a join-accept.
	JoinFailures int
}

// Sim is an in-process MAC engine. It models the observable behaviour the
// node relies on (attributes, join/tx completion, counters, downlinks in
// the receive windows) without a radio.
type Sim struct {
	cfg    SimConfig
	logger *slog.Logger

	mu          sync.Mutex
	st          simState
	joinPending bool
	txPending   bool
	downlinks   []DataEvent
	linkCheck   bool
	deviceTime  bool
	joinFails   int
	mcast       map[uint8]*simMcast

	handlerMu sync.RWMutex
	onJoin    func(Status)
	onData    func(DataEvent)

	closeOnce sync.Once
	done      chan struct{}
}

// simState is the part of the stack that survives a reset through PDS.
type simState struct {
	Band       Band           `json:"band"`
	Joined     bool           `json:"joined"`
	Activation ActivationType `json:"activation"`
	DevEUI     [8]byte        `json:"dev_eui"`
	JoinEUI    [8]byte        `json:"join_eui"`
	AppKey     [16]byte       `json:"app_key"`
	DevAddr    uint32         `json:"dev_addr"`
	AppSKey    [16]byte       `json:"apps_key"`
	NwkSKey    [16]byte       `json:"nwks_key"`
	KeysSet    uint8          `json:"keys_set"`
	JoinNonce  JoinNonceType  `json:"join_nonce_type"`
	ADR        bool           `json:"adr"`
	Datarate   uint8          `json:"datarate"`
	FCntUp     uint32         `json:"fcnt_up"`
	FCntDown   uint32         `json:"fcnt_down"`
	Class      Class          `json:"class"`
	Channels   []bool         `json:"channels"`
	RX2        RX2Params      `json:"rx2"`
	DutyCycle  bool           `json:"duty_cycle"`
	TestMode   bool           `json:"test_mode"`
	Backoff    bool           `json:"join_backoff"`
	CryptoDev  bool           `json:"crypto_device"`
}

type simMcast struct {
	appSKey, nwkSKey [16]byte
	addr             uint32
	enabled          bool
	datarate         uint8
	frequency        uint32
}

const (
	keyDevEUI uint8 = 1 << iota
	keyJoinEUI
	keyAppKey
	keyDevAddr
	keyAppSKey
	keyNwkSKey
)

var simDefaultDR = map[Band]uint8{
	EU868: 3, NA915: 2, AU915: 3, AS923: 3, JPN923: 3, KR920: 3, IND865: 3,
}

// NewSim creates a simulator reset to EU868.
func NewSim(cfg SimConfig, logger *slog.Logger) *Sim {
	s := &Sim{
		cfg:       cfg,
		logger:    logger.With("component", "mac-sim"),
		joinFails: cfg.JoinFailures,
		mcast:     make(map[uint8]*simMcast),
		done:      make(chan struct{}),
	}
	s.resetLocked(EU868)
	return s
}

func (s *Sim) resetLocked(band Band) {
	keys := s.st
	s.st = simState{
		Band:      band,
		Datarate:  simDefaultDR[band],
		Class:     ClassA,
		Channels:  make([]bool, band.Channels()),
		RX2:       band.RX2(),
		DutyCycle: band == EU868,
		Backoff:   true,
		// Key material is provisioning, not session state.
		DevEUI:  keys.DevEUI,
		JoinEUI: keys.JoinEUI,
		AppKey:  keys.AppKey,
		KeysSet: keys.KeysSet & (keyDevEUI | keyJoinEUI | keyAppKey),
	}
	for i := range s.st.Channels {
		s.st.Channels[i] = true
	}
	s.joinPending = false
	s.txPending = false
	s.downlinks = nil
	s.mcast = make(map[uint8]*simMcast)
}

func (s *Sim) Reset(band Band) error {
	if !band.Valid() {
		return UnsupportedBand
	}
	s.mu.Lock()
	s.resetLocked(band)
	s.mu.Unlock()
	s.logger.Debug("stack reset", "band", band)
	return nil
}

func (s *Sim) SetAttr(attr Attr, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.st
	ok := true
	switch attr {
	case DevEUI:
		ok = assign(&st.DevEUI, value, &st.KeysSet, keyDevEUI)
	case JoinEUI:
		ok = assign(&st.JoinEUI, value, &st.KeysSet, keyJoinEUI)
	case AppKey:
		ok = assign(&st.AppKey, value, &st.KeysSet, keyAppKey)
	case DevAddr:
		ok = assign(&st.DevAddr, value, &st.KeysSet, keyDevAddr)
	case AppSKey:
		ok = assign(&st.AppSKey, value, &st.KeysSet, keyAppSKey)
	case NwkSKey:
		ok = assign(&st.NwkSKey, value, &st.KeysSet, keyNwkSKey)
	case JoinNonceKind:
		ok = assign(&st.JoinNonce, value, nil, 0)
	case ADR:
		ok = assign(&st.ADR, value, nil, 0)
	case JoinBackoffEnable:
		ok = assign(&st.Backoff, value, nil, 0)
	case CryptoDeviceEnabled:
		ok = assign(&st.CryptoDev, value, nil, 0)
	case TestModeEnable:
		ok = assign(&st.TestMode, value, nil, 0)
	case RegionalDutyCycle:
		ok = assign(&st.DutyCycle, value, nil, 0)
	case ChannelStatus:
		var p ChannelParams
		p, ok = value.(ChannelParams)
		if ok {
			if int(p.ID) >= len(st.Channels) {
				return InvalidParameter
			}
			st.Channels[p.ID] = p.Enabled
		}
	case CurrentDatarate:
		var dr uint8
		dr, ok = value.(uint8)
		if ok {
			if _, valid := bands[st.Band].maxPayload[dr]; !valid {
				return InvalidParameter
			}
			st.Datarate = dr
		}
	case EDClass:
		var c Class
		c, ok = value.(Class)
		if ok {
			if c != ClassA && c != ClassB && c != ClassC {
				return InvalidParameter
			}
			st.Class = c
		}
	case SendLinkCheckCmd:
		s.linkCheck = true
	case SendDeviceTimeCmd:
		s.deviceTime = true
	case McastAppSKey:
		var k McastKey
		if k, ok = value.(McastKey); ok {
			s.group(k.Group).appSKey = k.Key
		}
	case McastNwkSKey:
		var k McastKey
		if k, ok = value.(McastKey); ok {
			s.group(k.Group).nwkSKey = k.Key
		}
	case McastGroupAddr:
		var a McastAddr
		if a, ok = value.(McastAddr); ok {
			s.group(a.Group).addr = a.Addr
		}
	case McastEnable:
		var m McastStatus
		if m, ok = value.(McastStatus); ok {
			s.group(m.Group).enabled = m.Enabled
		}
	case McastDatarate:
		var m McastDR
		if m, ok = value.(McastDR); ok {
			s.group(m.Group).datarate = m.Datarate
		}
	case McastFrequency:
		var m McastFreq
		if m, ok = value.(McastFreq); ok {
			s.group(m.Group).frequency = m.Frequency
		}
	default:
		return InvalidParameter
	}
	if !ok {
		return InvalidParameter
	}
	return nil
}

// assign stores v into dst when it has the right type and marks flag in set.
func assign[T any](dst *T, v any, set *uint8, flag uint8) bool {
	t, ok := v.(T)
	if !ok {
		return false
	}
	*dst = t
	if set != nil {
		*set |= flag
	}
	return true
}

func (s *Sim) group(id uint8) *simMcast {
	g, ok := s.mcast[id]
	if !ok {
		g = &simMcast{}
		s.mcast[id] = g
	}
	return g
}

func (s *Sim) GetAttr(attr Attr) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.st
	switch attr {
	case DevEUI:
		return st.DevEUI, nil
	case JoinEUI:
		return st.JoinEUI, nil
	case DevAddr:
		return st.DevAddr, nil
	case ADR:
		return st.ADR, nil
	case CurrentDatarate:
		return st.Datarate, nil
	case UplinkCounter:
		return st.FCntUp, nil
	case DownlinkCounter:
		return st.FCntDown, nil
	case NextPayloadSize:
		return uint16(st.Band.MaxPayload(st.Datarate)), nil
	case ISMBand:
		return st.Band, nil
	case TestModeEnable:
		return st.TestMode, nil
	case RegionalDutyCycle:
		return st.DutyCycle, nil
	case EDClass:
		return st.Class, nil
	case NetworkJoined:
		return st.Joined, nil
	case RX2WindowParams:
		return st.RX2, nil
	case PendingDutyCycleTime:
		return uint32(0), nil
	case JoinBackoffEnable:
		return st.Backoff, nil
	case CryptoDeviceEnabled:
		return st.CryptoDev, nil
	}
	return nil, InvalidParameter
}

func (s *Sim) Join(t ActivationType) error {
	s.mu.Lock()
	if s.joinPending {
		s.mu.Unlock()
		return NwkJoinInProgress
	}
	st := &s.st
	switch t {
	case OTAA:
		need := keyDevEUI | keyJoinEUI | keyAppKey
		if !st.CryptoDev && st.KeysSet&need != need {
			s.mu.Unlock()
			return KeysNotInitialized
		}
	case ABP:
		need := keyDevAddr | keyAppSKey | keyNwkSKey
		if st.KeysSet&need != need {
			s.mu.Unlock()
			return KeysNotInitialized
		}
	default:
		s.mu.Unlock()
		return InvalidParameter
	}
	s.joinPending = true
	st.Joined = false
	delay := s.cfg.JoinDelay
	if t == ABP {
		delay = 0
	}
	s.mu.Unlock()

	s.after(delay, func() { s.completeJoin(t) })
	return nil
}

func (s *Sim) completeJoin(t ActivationType) {
	s.mu.Lock()
	if !s.joinPending {
		s.mu.Unlock()
		return
	}
	s.joinPending = false
	status := Success
	st := &s.st
	switch {
	case t == OTAA && s.joinFails > 0:
		s.joinFails--
		status = RadioBusy
	case t == OTAA:
		st.DevAddr = simDevAddr(st.DevEUI, st.FCntUp)
		st.Joined = true
		st.Activation = OTAA
		st.FCntUp, st.FCntDown = 0, 0
	default:
		st.Joined = true
		st.Activation = ABP
	}
	s.mu.Unlock()

	s.logger.Debug("join complete", "type", t, "status", status)
	s.handlerMu.RLock()
	h := s.onJoin
	s.handlerMu.RUnlock()
	if h != nil {
		h(status)
	}
}

func simDevAddr(eui [8]byte, salt uint32) uint32 {
	h := fnv.New32a()
	h.Write(eui[:])
	fmt.Fprintf(h, "%d", salt)
	return 0x26000000 | h.Sum32()&0x01FFFFFF
}

func (s *Sim) Send(req *SendRequest) error {
	if req == nil {
		return InvalidParameter
	}
	s.mu.Lock()
	st := &s.st
	switch {
	case !st.Joined:
		s.mu.Unlock()
		return NwkNotJoined
	case s.txPending || s.joinPending:
		s.mu.Unlock()
		return Busy
	case req.Port == 0 || (req.Port >= 224 && !st.TestMode):
		s.mu.Unlock()
		return InvalidParameter
	case len(req.Payload) > st.Band.MaxPayload(st.Datarate):
		s.mu.Unlock()
		return InvalidBufferLength
	}
	s.txPending = true
	st.FCntUp++
	s.linkCheck, s.deviceTime = false, false
	s.mu.Unlock()

	s.after(s.cfg.TxDelay, s.completeTx)
	return nil
}

func (s *Sim) completeTx() {
	s.mu.Lock()
	if !s.txPending {
		s.mu.Unlock()
		return
	}
	s.txPending = false
	var rx []DataEvent
	if len(s.downlinks) > 0 {
		rx = append(rx, s.downlinks[0])
		s.downlinks = s.downlinks[1:]
		s.st.FCntDown++
	}
	s.mu.Unlock()

	for _, ev := range rx {
		s.deliver(ev)
	}
	s.deliver(DataEvent{Kind: TransactionComplete, Status: Success})
}

// Inject queues a downlink. Class A devices receive it in the receive
// windows of the next uplink; class C devices receive it immediately.
func (s *Sim) Inject(port uint8, payload []byte) error {
	ev := DataEvent{Kind: RxData, Port: port, Payload: append([]byte(nil), payload...)}
	s.mu.Lock()
	if !s.st.Joined {
		s.mu.Unlock()
		return NwkNotJoined
	}
	if s.st.Class == ClassC {
		s.st.FCntDown++
		s.mu.Unlock()
		s.after(0, func() { s.deliver(ev) })
		return nil
	}
	s.downlinks = append(s.downlinks, ev)
	s.mu.Unlock()
	return nil
}

func (s *Sim) deliver(ev DataEvent) {
	s.handlerMu.RLock()
	h := s.onData
	s.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (s *Sim) after(d time.Duration, fn func()) {
	run := func() {
		select {
		case <-s.done:
			return
		default:
		}
		fn()
	}
	if d <= 0 {
		go run()
		return
	}
	time.AfterFunc(d, run)
}

func (s *Sim) ReadyToSleep(bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.joinPending && !s.txPending
}

func (s *Sim) OnJoinComplete(handler func(Status)) {
	s.handlerMu.Lock()
	s.onJoin = handler
	s.handlerMu.Unlock()
}

func (s *Sim) OnData(handler func(DataEvent)) {
	s.handlerMu.Lock()
	s.onData = handler
	s.handlerMu.Unlock()
}

func (s *Sim) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// MarshalState encodes the session state for persistence.
func (s *Sim) MarshalState() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.st)
}

// UnmarshalState restores session state written by MarshalState.
func (s *Sim) UnmarshalState(data []byte) error {
	var st simState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode mac state: %w", err)
	}
	if !st.Band.Valid() {
		return fmt.Errorf("decode mac state: %w", UnsupportedBand)
	}
	s.mu.Lock()
	s.st = st
	if len(s.st.Channels) != st.Band.Channels() {
		s.st.Channels = make([]bool, st.Band.Channels())
		for i := range s.st.Channels {
			s.st.Channels[i] = true
		}
	}
	s.mu.Unlock()
	return nil
}

// EnabledChannels returns the ids of enabled channels.
func (s *Sim) EnabledChannels() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint8
	for i, on := range s.st.Channels {
		if on {
			ids = append(ids, uint8(i))
		}
	}
	return ids
}

// SimRadio is the radio half of the simulator.
type SimRadio struct {
	mu          sync.Mutex
	frequency   uint32
	power       uint8
	cw          bool
	initialized bool
	logger      *slog.Logger
}

// NewSimRadio creates an initialized simulated radio.
func NewSimRadio(logger *slog.Logger) *SimRadio {
	return &SimRadio{initialized: true, logger: logger.With("component", "radio-sim")}
}

func (r *SimRadio) SetFrequency(hz uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hz < 137000000 || hz > 1020000000 {
		return RadioOutOfRange
	}
	r.frequency = hz
	return nil
}

func (r *SimRadio) SetOutputPower(dbm uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = dbm
	return nil
}

func (r *SimRadio) TransmitCW() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return RadioInvalidReq
	}
	r.cw = true
	r.logger.Info("continuous wave on", "freq", r.frequency, "power", r.power)
	return nil
}

func (r *SimRadio) StopCW() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cw = false
	r.logger.Info("continuous wave off")
	return nil
}

func (r *SimRadio) Init() error {
	r.mu.Lock()
	r.initialized = true
	r.mu.Unlock()
	return nil
}

func (r *SimRadio) Deinit() error {
	r.mu.Lock()
	r.initialized = false
	r.cw = false
	r.mu.Unlock()
	return nil
}

// CW reports whether a continuous wave is being transmitted.
func (r *SimRadio) CW() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cw
}

// Settings returns the configured frequency and power.
func (r *SimRadio) Settings() (uint32, uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frequency, r.power
}
