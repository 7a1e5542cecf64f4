package mac

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var (
	_ MAC   = (*RN2483)(nil)
	_ Radio = rnRadio{}
)

// ErrTimeout is returned when the module does not answer a command.
var ErrTimeout = errors.New("mac: command timeout")

const rnCommandTimeout = 2 * time.Second

// RN2483 drives a Microchip RN2483/RN2903 LoRaWAN module over its ASCII
// command interface. Commands are answered with one line; join and tx
// are answered twice, the second line arriving when the exchange with
// the network completes.
type RN2483 struct {
	port    io.ReadWriteCloser
	reader  *bufio.Reader
	logger  *slog.Logger
	timeout time.Duration

	cmdMu  sync.Mutex // one command in flight
	respCh chan string

	mu          sync.Mutex
	current     string // verb of the command in flight
	awaiting    bool   // its first reply has not been read yet
	joinPending bool
	txPending   bool
	joined      bool
	band        Band
	class       Class
	testMode    bool
	dutyCycle   bool
	backoff     bool
	nonce       JoinNonceType

	handlerMu sync.RWMutex
	onJoin    func(Status)
	onData    func(DataEvent)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenRN2483 opens the module on a serial port.
func OpenRN2483(portName string, baudRate int, logger *slog.Logger) (*RN2483, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("rn2483: open %s: %w", portName, err)
	}
	return NewRN2483(port, logger), nil
}

// NewRN2483 drives a module connected through rw.
func NewRN2483(rw io.ReadWriteCloser, logger *slog.Logger) *RN2483 {
	r := &RN2483{
		port:      rw,
		reader:    bufio.NewReader(rw),
		logger:    logger.With("component", "rn2483"),
		timeout:   rnCommandTimeout,
		respCh:    make(chan string, 1),
		class:     ClassA,
		backoff:   true,
		dutyCycle: true,
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.readLoop()
	return r
}

// command sends one line and returns the first reply.
func (r *RN2483) command(format string, args ...any) (string, error) {
	line := fmt.Sprintf(format, args...)
	verb := commandVerb(line)

	r.cmdMu.Lock()
	defer r.cmdMu.Unlock()

	r.mu.Lock()
	r.current = verb
	r.awaiting = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current = ""
		r.awaiting = false
		r.mu.Unlock()
	}()

	// Drop a reply that arrived after its command timed out.
	select {
	case <-r.respCh:
	default:
	}

	if _, err := io.WriteString(r.port, line+"\r\n"); err != nil {
		return "", fmt.Errorf("rn2483 write %q: %w", verb, err)
	}
	r.logger.Debug("rn2483 TX", "cmd", line)

	t := time.NewTimer(r.timeout)
	defer t.Stop()
	select {
	case resp := <-r.respCh:
		r.logger.Debug("rn2483 RX", "cmd", verb, "resp", resp)
		return resp, nil
	case <-t.C:
		r.logger.Warn("rn2483 timeout", "cmd", verb)
		return "", fmt.Errorf("rn2483 %q: %w", verb, ErrTimeout)
	case <-r.done:
		return "", fmt.Errorf("rn2483 closed")
	}
}

// expectOK runs a command whose only success reply is "ok".
func (r *RN2483) expectOK(format string, args ...any) error {
	resp, err := r.command(format, args...)
	if err != nil {
		return err
	}
	return replyStatus(resp).Err()
}

func (r *RN2483) readLoop() {
	defer r.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if err == io.EOF {
				return
			}
			r.logger.Error("rn2483 read error", "err", err)
			select {
			case <-time.After(backoff):
			case <-r.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r.handleAsync(line) {
			continue
		}
		r.mu.Lock()
		r.awaiting = false
		r.mu.Unlock()
		select {
		case r.respCh <- line:
		default:
			r.logger.Warn("rn2483 unsolicited reply", "line", line)
		}
	}
}

// handleAsync consumes the second reply of join and tx.
func (r *RN2483) handleAsync(line string) bool {
	word, _, _ := strings.Cut(line, " ")

	r.mu.Lock()
	switch {
	case (word == "accepted" || word == "denied") && r.joinPending && !(r.awaiting && r.current == "mac join"):
		r.joinPending = false
		r.joined = word == "accepted"
		r.mu.Unlock()
		status := Success
		if word == "denied" {
			// No join-accept within the receive windows.
			status = RadioBusy
		}
		r.emitJoin(status)
		return true
	case (word == "mac_tx_ok" || word == "mac_rx" || word == "mac_err") && r.txPending:
		r.txPending = false
		r.mu.Unlock()
		r.completeTx(line)
		return true
	}
	r.mu.Unlock()
	return false
}

func (r *RN2483) completeTx(line string) {
	switch {
	case line == "mac_tx_ok":
		r.emitData(DataEvent{Kind: TransactionComplete, Status: Success})
	case line == "mac_err":
		r.emitData(DataEvent{Kind: TransactionComplete, Status: NoAck})
	default:
		port, payload, err := parseRx(line)
		if err != nil {
			r.logger.Warn("rn2483 bad downlink", "line", line, "err", err)
			r.emitData(DataEvent{Kind: TransactionComplete, Status: InvalidPacket})
			return
		}
		r.emitData(DataEvent{Kind: RxData, Port: port, Payload: payload})
		r.emitData(DataEvent{Kind: TransactionComplete, Status: Success})
	}
}

func (r *RN2483) emitJoin(s Status) {
	r.handlerMu.RLock()
	h := r.onJoin
	r.handlerMu.RUnlock()
	if h != nil {
		h(s)
	}
}

func (r *RN2483) emitData(ev DataEvent) {
	r.handlerMu.RLock()
	h := r.onData
	r.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (r *RN2483) Reset(band Band) error {
	var cmd string
	switch band {
	case EU868:
		cmd = "mac reset 868"
	case NA915:
		// RN2903 firmware: single band, no argument.
		cmd = "mac reset"
	default:
		return UnsupportedBand
	}
	if err := r.expectOK(cmd); err != nil {
		return err
	}
	r.mu.Lock()
	r.band = band
	r.joined = false
	r.joinPending = false
	r.txPending = false
	r.class = ClassA
	r.testMode = false
	r.mu.Unlock()
	return nil
}

func (r *RN2483) SetAttr(attr Attr, value any) error {
	switch v := value.(type) {
	case [8]byte:
		switch attr {
		case DevEUI:
			return r.expectOK("mac set deveui %X", v[:])
		case JoinEUI:
			return r.expectOK("mac set appeui %X", v[:])
		}
	case [16]byte:
		switch attr {
		case AppKey:
			return r.expectOK("mac set appkey %X", v[:])
		case AppSKey:
			return r.expectOK("mac set appskey %X", v[:])
		case NwkSKey:
			return r.expectOK("mac set nwkskey %X", v[:])
		}
	case uint32:
		if attr == DevAddr {
			return r.expectOK("mac set devaddr %08X", v)
		}
	case uint8:
		if attr == CurrentDatarate {
			return r.expectOK("mac set dr %d", v)
		}
	case bool:
		switch attr {
		case ADR:
			return r.expectOK("mac set adr %s", onOff(v))
		case TestModeEnable, RegionalDutyCycle, JoinBackoffEnable:
			r.mu.Lock()
			switch attr {
			case TestModeEnable:
				r.testMode = v
			case RegionalDutyCycle:
				r.dutyCycle = v
			default:
				r.backoff = v
			}
			r.mu.Unlock()
			return nil
		case CryptoDeviceEnabled:
			if v {
				return InvalidParameter
			}
			return nil
		}
	case ChannelParams:
		if attr == ChannelStatus {
			return r.expectOK("mac set ch status %d %s", v.ID, onOff(v.Enabled))
		}
	case Class:
		if attr == EDClass {
			if v != ClassA && v != ClassC {
				return InvalidParameter
			}
			if err := r.expectOK("mac set class %s", strings.ToLower(v.String())); err != nil {
				return err
			}
			r.mu.Lock()
			r.class = v
			r.mu.Unlock()
			return nil
		}
	case JoinNonceType:
		if attr == JoinNonceKind {
			r.mu.Lock()
			r.nonce = v
			r.mu.Unlock()
			return nil
		}
	case RX2Params:
		if attr == RX2WindowParams {
			return r.expectOK("mac set rx2 %d %d", v.Datarate, v.Frequency)
		}
	case nil:
		switch attr {
		case SendLinkCheckCmd:
			return r.expectOK("mac set linkchk 0")
		case SendDeviceTimeCmd:
			return nil
		}
	}
	return InvalidParameter
}

func (r *RN2483) GetAttr(attr Attr) (any, error) {
	switch attr {
	case DevEUI, JoinEUI:
		name := "deveui"
		if attr == JoinEUI {
			name = "appeui"
		}
		resp, err := r.command("mac get %s", name)
		if err != nil {
			return nil, err
		}
		var eui [8]byte
		if err := decodeHexInto(eui[:], resp); err != nil {
			return nil, err
		}
		return eui, nil
	case DevAddr:
		resp, err := r.command("mac get devaddr")
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(resp, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("rn2483 devaddr %q: %w", resp, err)
		}
		return uint32(v), nil
	case ADR:
		resp, err := r.command("mac get adr")
		if err != nil {
			return nil, err
		}
		return resp == "on", nil
	case CurrentDatarate:
		return r.getUint8("mac get dr")
	case UplinkCounter:
		return r.getUint32("mac get upctr")
	case DownlinkCounter:
		return r.getUint32("mac get dnctr")
	case NextPayloadSize:
		dr, err := r.getUint8("mac get dr")
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		band := r.band
		r.mu.Unlock()
		return uint16(band.MaxPayload(dr)), nil
	case RX2WindowParams:
		r.mu.Lock()
		band := r.band
		r.mu.Unlock()
		resp, err := r.command("mac get rx2 %s", strings.TrimLeft(band.String(), "EUNA"))
		if err != nil {
			return nil, err
		}
		return parseRX2(resp)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch attr {
	case ISMBand:
		return r.band, nil
	case NetworkJoined:
		return r.joined, nil
	case EDClass:
		return r.class, nil
	case TestModeEnable:
		return r.testMode, nil
	case RegionalDutyCycle:
		return r.dutyCycle, nil
	case JoinBackoffEnable:
		return r.backoff, nil
	case CryptoDeviceEnabled:
		return false, nil
	case PendingDutyCycleTime:
		return uint32(0), nil
	}
	return nil, InvalidParameter
}

func (r *RN2483) getUint8(cmd string) (uint8, error) {
	resp, err := r.command(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(resp, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("rn2483 %q: %w", cmd, err)
	}
	return uint8(v), nil
}

func (r *RN2483) getUint32(cmd string) (uint32, error) {
	resp, err := r.command(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(resp, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("rn2483 %q: %w", cmd, err)
	}
	return uint32(v), nil
}

func (r *RN2483) Join(t ActivationType) error {
	r.mu.Lock()
	if r.joinPending {
		r.mu.Unlock()
		return NwkJoinInProgress
	}
	r.joinPending = true
	r.joined = false
	r.mu.Unlock()

	err := r.expectOK("mac join %s", strings.ToLower(t.String()))
	if err != nil {
		r.mu.Lock()
		r.joinPending = false
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *RN2483) Send(req *SendRequest) error {
	if req == nil {
		return InvalidParameter
	}
	r.mu.Lock()
	if r.txPending {
		r.mu.Unlock()
		return Busy
	}
	r.txPending = true
	r.mu.Unlock()

	err := r.expectOK("%s", encodeTx(req))
	if err != nil {
		r.mu.Lock()
		r.txPending = false
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *RN2483) ReadyToSleep(bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.joinPending && !r.txPending
}

func (r *RN2483) OnJoinComplete(handler func(Status)) {
	r.handlerMu.Lock()
	r.onJoin = handler
	r.handlerMu.Unlock()
}

func (r *RN2483) OnData(handler func(DataEvent)) {
	r.handlerMu.Lock()
	r.onData = handler
	r.handlerMu.Unlock()
}

// Close stops the read loop and closes the port.
func (r *RN2483) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		err = r.port.Close()
		r.wg.Wait()
	})
	return err
}

// Radio returns the module's radio, driven with the MAC paused.
func (r *RN2483) Radio() Radio {
	return rnRadio{r}
}

type rnRadio struct{ r *RN2483 }

func (x rnRadio) SetFrequency(hz uint32) error {
	return x.r.expectOK("radio set freq %d", hz)
}

func (x rnRadio) SetOutputPower(dbm uint8) error {
	return x.r.expectOK("radio set pwr %d", dbm)
}

func (x rnRadio) TransmitCW() error {
	return x.r.expectOK("radio cw on")
}

func (x rnRadio) StopCW() error {
	return x.r.expectOK("radio cw off")
}

// Init resumes the MAC after radio-only use.
func (x rnRadio) Init() error {
	return x.r.expectOK("mac resume")
}

// Deinit pauses the MAC. The module answers with the pause length.
func (x rnRadio) Deinit() error {
	resp, err := x.r.command("mac pause")
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(resp, 10, 32); err != nil {
		return replyStatus(resp).Err()
	}
	return nil
}

// --- Wire helpers ---

var rnReplies = map[string]Status{
	"ok":                              Success,
	"invalid_param":                   InvalidParameter,
	"not_joined":                      NwkNotJoined,
	"no_free_ch":                      NoChannelsFound,
	"silent":                          SilentImmediatelyActive,
	"frame_counter_err_rejoin_needed": FcntrErrorRejoinNeeded,
	"busy":                            Busy,
	"mac_paused":                      MacPaused,
	"invalid_data_len":                InvalidBufferLength,
	"keys_not_init":                   KeysNotInitialized,
	"denied":                          RadioBusy,
	"mac_err":                         NoAck,
}

// replyStatus maps a first reply to a Status.
func replyStatus(line string) Status {
	if s, ok := rnReplies[strings.TrimSpace(line)]; ok {
		return s
	}
	return InvalidRequest
}

// encodeTx renders a send request as a mac tx command.
func encodeTx(req *SendRequest) string {
	kind := "uncnf"
	if req.Confirmed {
		kind = "cnf"
	}
	return fmt.Sprintf("mac tx %s %d %X", kind, req.Port, req.Payload)
}

// parseRx parses "mac_rx <port> <hexdata>".
func parseRx(line string) (uint8, []byte, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "mac_rx" {
		return 0, nil, fmt.Errorf("not a downlink: %q", line)
	}
	port, err := strconv.ParseUint(fields[1], 10, 8)
	if err != nil {
		return 0, nil, fmt.Errorf("downlink port %q: %w", fields[1], err)
	}
	var payload []byte
	if len(fields) > 2 {
		payload, err = hex.DecodeString(fields[2])
		if err != nil {
			return 0, nil, fmt.Errorf("downlink data: %w", err)
		}
	}
	return uint8(port), payload, nil
}

// parseRX2 parses the "<dr> <freq>" reply of mac get rx2.
func parseRX2(resp string) (RX2Params, error) {
	fields := strings.Fields(resp)
	if len(fields) != 2 {
		return RX2Params{}, fmt.Errorf("rx2 reply %q", resp)
	}
	dr, err := strconv.ParseUint(fields[0], 10, 8)
	if err != nil {
		return RX2Params{}, fmt.Errorf("rx2 datarate: %w", err)
	}
	freq, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return RX2Params{}, fmt.Errorf("rx2 frequency: %w", err)
	}
	return RX2Params{Frequency: uint32(freq), Datarate: uint8(dr)}, nil
}

func decodeHexInto(dst []byte, s string) error {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("hex %q: %w", s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("hex %q: want %d bytes, got %d", s, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}

// commandVerb returns the first two words of a command line.
func commandVerb(line string) string {
	f := strings.Fields(line)
	if len(f) > 2 {
		f = f[:2]
	}
	return strings.Join(f, " ")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
