package node

import (
	"time"

	"lorawan-node/internal/compliance"
	"lorawan-node/internal/mac"
)

// certPayloadMax is the largest answer the test protocol stages.
const certPayloadMax = 255

// certSession is the state of a compliance test run.
type certSession struct {
	rxCount       uint16
	fport         uint8
	confirmed     bool
	sentConfirmed bool
	// received is set when the current uplink got a downlink back.
	received bool
	payload  []byte
	period   time.Duration
}

func newCertSession(c CertConfig) certSession {
	return certSession{
		fport:     c.AppPort,
		confirmed: c.Confirmed,
		period:    c.Period,
		payload:   make([]byte, 0, certPayloadMax),
	}
}

// certRequest builds the next compliance uplink and restarts the test
// period.
func (n *Node) certRequest() *mac.SendRequest {
	c := &n.cert
	c.received = false
	if err := n.certTimer.Start(c.period, n.certTimerFired); err != nil {
		n.logger.Error("cert timer", "err", err)
	}

	switch c.fport {
	case n.cfg.Cert.AppPort:
		c.payload = append(c.payload[:0], compliance.AppCounterPayload(c.rxCount)...)
	case compliance.TestPort:
		// Staged by the last command.
	default:
		c.payload = c.payload[:0]
	}
	c.sentConfirmed = c.confirmed
	return &mac.SendRequest{
		Port:      c.fport,
		Confirmed: c.confirmed,
		Payload:   append([]byte(nil), c.payload...),
	}
}

func (n *Node) certTimerFired() {
	if !n.certEnabled {
		return
	}
	if err := n.certTimer.Start(n.cert.period, n.certTimerFired); err != nil {
		n.logger.Error("cert timer", "err", err)
	}
	n.send()
}

// stageReply queues p as the answer on the test port.
func (n *Node) stageReply(p []byte) {
	n.cert.payload = append(n.cert.payload[:0], p...)
	n.cert.fport = compliance.TestPort
}

// execCert runs a validated test command. Attributes applied before a
// failing step stay applied.
func (n *Node) execCert(cmd []byte) {
	c := &n.cert
	op := compliance.Opcode(cmd[0])
	clear(c.payload)

	n.printf("\r\nCertification command received\r\n")
	n.logger.Info("compliance command", "opcode", op, "len", len(cmd))
	n.events.Emit(Event{Type: EventCompliance, Data: ComplianceData{Opcode: op.String(), Valid: true}})

	switch op {
	case compliance.PackageVersionReq:
		n.stageReply(compliance.PackageVersionAns())

	case compliance.DutResetReq:
		for ch := 0; ch < n.band.Channels(); ch++ {
			n.setAttr(mac.ChannelStatus, mac.ChannelParams{ID: uint8(ch), Enabled: true})
		}
		if adr, err := mac.Get[bool](n.mac, mac.ADR); err == nil && adr {
			n.setAttr(mac.CurrentDatarate, uint8(0))
		}
		n.armReset()

	case compliance.DutJoinReq:
		if n.cfg.Capabilities.CryptoDevice {
			n.setAttr(mac.CryptoDeviceEnabled, true)
		}
		n.certTimer.Stop()
		n.restoreAll()
		k := n.cfg.Cert.OTAA
		n.setAttr(mac.TestModeEnable, true)
		n.setAttr(mac.DevEUI, k.DevEUI)
		n.setAttr(mac.JoinEUI, k.JoinEUI)
		n.setAttr(mac.AppKey, k.AppKey)
		n.setAttr(mac.ADR, true)
		n.sendJoinReq(mac.OTAA)

	case compliance.SwitchClassReq:
		class := compliance.ClassFromSelector(cmd[1])
		result := "NOT"
		if err := n.mac.SetAttr(mac.EDClass, class); err == nil {
			result = " "
		} else {
			n.logger.Warn("switch class failed", "class", class, "err", err)
		}
		letter := 'C'
		switch class {
		case mac.ClassA:
			letter = 'A'
		case mac.ClassB:
			letter = 'B'
		}
		n.printf("\nSwitch to class %c:%sOK\n\r", letter, result)

	case compliance.ADRBitChangeReq:
		n.setAttr(mac.ADR, cmd[1] != 0)
		adr, _ := mac.Get[bool](n.mac, mac.ADR)
		n.logger.Debug("adr changed", "adr", adr)

	case compliance.RegionalDutyCycleReq:
		n.setAttr(mac.RegionalDutyCycle, cmd[1] != 0)
		dc, _ := mac.Get[bool](n.mac, mac.RegionalDutyCycle)
		n.logger.Debug("regional duty cycle changed", "enabled", dc)

	case compliance.TxPeriodicityReq:
		d, ok := compliance.Periodicity(cmd[1])
		if !ok {
			n.logger.Debug("periodicity selector out of range", "selector", cmd[1])
			break
		}
		c.period = d
		if err := n.certTimer.Start(d, n.certTimerFired); err != nil {
			n.logger.Error("cert timer", "err", err)
		}

	case compliance.TxFramesCtrlReq:
		if len(cmd) > 1 {
			c.confirmed = compliance.FrameControl(cmd[1], c.confirmed)
		}

	case compliance.EchoIncPayloadReq:
		avail, _ := mac.Get[uint16](n.mac, mac.NextPayloadSize)
		c.payload = append(c.payload[:0], compliance.EchoIncrement(cmd, int(avail))...)
		if n.fport224Off {
			c.fport = n.cfg.Cert.AppPort
		} else {
			c.fport = compliance.TestPort
		}

	case compliance.RxAppCntReq:
		n.stageReply(compliance.RxAppCntAns(c.rxCount))

	case compliance.RxAppCntResetReq:
		c.rxCount = 0

	case compliance.LinkCheckReq:
		n.setAttr(mac.SendLinkCheckCmd, nil)

	case compliance.DeviceTimeReq:
		n.setAttr(mac.SendDeviceTimeCmd, nil)

	case compliance.PingSlotInfoReq:
		// Class B is not driven by the test harness.

	case compliance.TxCWReq:
		n.startCW(cmd)

	case compliance.DutFPort224DisableReq:
		n.fport224Off = true
		n.storeItem(itemFport224Off)
		n.setAttr(mac.TestModeEnable, false)
		n.armReset()

	case compliance.DutVersionsReq:
		v := n.cfg.Cert
		n.stageReply(compliance.VersionsAns(v.Firmware, v.LoRaWAN, v.Regional))
	}
}

func (n *Node) startCW(cmd []byte) {
	cw, err := compliance.ParseCW(cmd)
	if err != nil {
		n.logger.Warn("continuous wave", "err", err)
		return
	}
	if n.radio == nil {
		n.logger.Warn("continuous wave requested without a radio")
		return
	}
	if err := n.radio.SetFrequency(cw.Frequency); err != nil {
		n.logger.Warn("cw frequency", "hz", cw.Frequency, "err", err)
	}
	if err := n.radio.SetOutputPower(cw.Power); err != nil {
		n.logger.Warn("cw output power", "dbm", cw.Power, "err", err)
	}
	if err := n.cwTimer.Start(cw.Timeout, n.stopCW); err != nil {
		n.logger.Warn("continuous wave not started", "err", err)
		return
	}
	if err := n.radio.TransmitCW(); err != nil {
		n.logger.Error("transmit cw", "err", err)
	}
}

func (n *Node) stopCW() {
	if err := n.radio.StopCW(); err != nil {
		n.logger.Error("stop cw", "err", err)
	}
}
