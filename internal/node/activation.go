package node

import (
	"lorawan-node/internal/led"
	"lorawan-node/internal/mac"
	"lorawan-node/internal/task"
)

// attrSeq applies attributes in order and stops at the first rejection.
// Attributes set before the failure stay applied.
type attrSeq struct {
	m   mac.MAC
	err error
}

func (s *attrSeq) set(attr mac.Attr, v any, then func()) {
	if s.err != nil {
		return
	}
	s.err = s.m.SetAttr(attr, v)
	if s.err == nil && then != nil {
		then()
	}
}

// setAttr applies a best-effort attribute whose failure only gets logged.
func (n *Node) setAttr(attr mac.Attr, v any) {
	if err := n.mac.SetAttr(attr, v); err != nil {
		n.logger.Warn("set attribute failed", "attr", attr, "err", err)
	}
}

// backToApp reports err and returns control to the application menu.
func (n *Node) backToApp(err error) {
	n.printStatus(err)
	n.schedule(task.Render, AppMenu)
}

func (n *Node) setJoinParams(t mac.ActivationType) error {
	n.printf("\r\n========= Demo Join Parameters =========\r\n")
	n.setAttr(mac.JoinNonceKind, n.cfg.JoinNonce)

	seq := attrSeq{m: n.mac}
	switch {
	case t == mac.ABP:
		k := n.cfg.ABP
		seq.set(mac.DevAddr, k.DevAddr, nil)
		seq.set(mac.AppSKey, k.AppSKey, func() {
			n.printf("AppSessionKey : ")
			n.printArray(k.AppSKey[:])
		})
		seq.set(mac.NwkSKey, k.NwkSKey, func() {
			n.printf("NwkSessionKey : ")
			n.printArray(k.NwkSKey[:])
		})
	case !n.cfg.Capabilities.CryptoDevice:
		// With a crypto device the stack reads the identity from it.
		n.setOTAAKeys(&seq, n.cfg.OTAA)
	}
	return seq.err
}

func (n *Node) setCertJoinParams(t mac.ActivationType) error {
	if n.cfg.Capabilities.CryptoDevice {
		n.setAttr(mac.CryptoDeviceEnabled, true)
	}
	// A stack reset clears test mode; without it port 224 uplinks are refused.
	n.setAttr(mac.TestModeEnable, true)
	n.printf("\r\n==== Certification Join Parameters =====\r\n")

	seq := attrSeq{m: n.mac}
	seq.set(mac.CurrentDatarate, n.band.MinDatarate(), nil)
	if t == mac.ABP {
		k := n.cfg.Cert.ABP
		seq.set(mac.DevAddr, k.DevAddr, func() {
			n.printf("DevAddr : 0x%x\r\n", k.DevAddr)
		})
		seq.set(mac.AppSKey, k.AppSKey, func() {
			n.printf("AppSKey : ")
			n.printArray(k.AppSKey[:])
		})
		seq.set(mac.NwkSKey, k.NwkSKey, func() {
			n.printf("NwkSKey : ")
			n.printArray(k.NwkSKey[:])
		})
	} else {
		n.setOTAAKeys(&seq, n.cfg.Cert.OTAA)
	}
	return seq.err
}

func (n *Node) setOTAAKeys(seq *attrSeq, k OTAAKeys) {
	seq.set(mac.DevEUI, k.DevEUI, func() {
		n.printf("DevEUI  : ")
		n.printArray(k.DevEUI[:])
	})
	seq.set(mac.JoinEUI, k.JoinEUI, func() {
		n.printf("JoinEUI : ")
		n.printArray(k.JoinEUI[:])
	})
	seq.set(mac.AppKey, k.AppKey, func() {
		n.printf("AppKey  : ")
		n.printArray(k.AppKey[:])
	})
}

func (n *Node) setDeviceType(c mac.Class) error {
	if err := n.mac.SetAttr(mac.EDClass, c); err != nil {
		return err
	}
	if c.Multicast() && n.cfg.Capabilities.Multicast && n.cfg.Multicast.Enabled {
		if err := n.setMulticastParams(); err != nil {
			n.logger.Warn("multicast setup failed", "err", err)
		}
	}
	return nil
}

func (n *Node) setMulticastParams() error {
	m := n.cfg.Multicast
	n.printf("\r\n========= Multicast Parameters =========\r\n")

	rx2, err := mac.Get[mac.RX2Params](n.mac, mac.RX2WindowParams)
	if err != nil {
		rx2 = n.band.RX2()
	}

	seq := attrSeq{m: n.mac}
	seq.set(mac.McastAppSKey, mac.McastKey{Group: m.GroupID, Key: m.AppSKey}, func() {
		n.printf("McastAppSessionKey : ")
		n.printArray(m.AppSKey[:])
	})
	seq.set(mac.McastNwkSKey, mac.McastKey{Group: m.GroupID, Key: m.NwkSKey}, func() {
		n.printf("McastNwkSessionKey : ")
		n.printArray(m.NwkSKey[:])
	})
	seq.set(mac.McastGroupAddr, mac.McastAddr{Group: m.GroupID, Addr: m.GroupAddr}, func() {
		n.printf("McastGroupAddr : 0x%x\r\n", m.GroupAddr)
	})
	seq.set(mac.McastEnable, mac.McastStatus{Group: m.GroupID, Enabled: m.Enabled}, nil)
	seq.set(mac.McastDatarate, mac.McastDR{Group: m.GroupID, Datarate: rx2.Datarate}, nil)
	seq.set(mac.McastFrequency, mac.McastFreq{Group: m.GroupID, Frequency: rx2.Frequency}, nil)

	if seq.err == nil {
		n.printf("MulticastStatus : Enabled\r\n")
	} else {
		n.printf("MulticastStatus : Failed\r\n")
	}
	n.printf("========================================\r\n")
	return seq.err
}

// setBandParams resets the stack for band b, applies the channel plan,
// join parameters and device class, then starts a join.
func (n *Node) setBandParams(b mac.Band) {
	if err := n.mac.Reset(b); err != nil {
		n.backToApp(err)
		return
	}
	n.joined = false
	if b.HasSubBands() && n.cfg.SubBand != 0 {
		low, high, wide := mac.SubBandWindow(n.cfg.SubBand)
		for ch := 0; ch < b.Channels(); ch++ {
			id := uint8(ch)
			on := (id >= low && id <= high) || id == wide
			n.setAttr(mac.ChannelStatus, mac.ChannelParams{ID: id, Enabled: on})
		}
	}
	// Join backoff is relaxed for the demo.
	n.setAttr(mac.JoinBackoffEnable, false)
	if n.cfg.Capabilities.CryptoDevice {
		n.setAttr(mac.CryptoDeviceEnabled, true)
	}

	typ, class := n.cfg.Activation, n.cfg.Class
	if n.certEnabled {
		typ, class = n.cfg.Cert.Activation, n.cfg.Cert.Class
		if err := n.setCertJoinParams(typ); err != nil {
			n.printf("\nCertification Join parameters initialization failed\n\r")
			n.backToApp(err)
			return
		}
	} else if err := n.setJoinParams(typ); err != nil {
		n.printf("\nJoin parameters initialization failed\n\r")
		n.backToApp(err)
		return
	}

	if err := n.setDeviceType(class); err != nil {
		n.printf("\nUnsupported Device Type\n\r")
		n.backToApp(err)
		return
	}

	n.joinType = typ
	n.joinRetried = false
	if err := n.mac.Join(typ); err != nil {
		n.backToApp(err)
		return
	}
	n.printf("\nJoin Request Sent for %s\n\r", b)
}

func (n *Node) sendJoinReq(t mac.ActivationType) {
	if n.certEnabled {
		if err := n.setCertJoinParams(t); err != nil {
			n.printf("Certification Join parameters initialization failed\r\n")
		}
	} else if err := n.setJoinParams(t); err != nil {
		n.printf("\nJoin parameters initialization failed\r\n")
	}
	n.printf("\r\n%s Join Request In Progress...\r\n", t)

	err := n.mac.Join(t)
	n.joinType = t
	n.joinRetried = false
	n.ledSet(led.Green, false)
	if err != nil {
		n.backToApp(err)
		return
	}
	if !n.certEnabled {
		n.ledBlink()
	}
}

func (n *Node) onJoinComplete(s mac.Status) {
	n.ledTimer.Stop()
	n.ledSet(led.Green, false)
	n.ledSet(led.Amber, false)
	n.printf("Join response\r\n")

	if s == mac.RadioBusy {
		n.printf("OTAA Join Response NOT received\r\n")
	}
	if s != mac.Success {
		n.logger.Warn("join failed", "type", n.joinType, "status", s)
		n.events.Emit(Event{Type: EventJoin, Data: JoinData{Status: s.String()}})
		n.printf("Join failed\r\n")
		n.ledSet(led.Amber, true)
		if n.certEnabled && n.joinType == mac.OTAA && !n.joinRetried {
			n.joinRetried = true
			n.printf("\r\nOTAA Join Request...\r\n")
			err := n.mac.Join(mac.OTAA)
			n.printStatus(err)
			if err == nil {
				return
			}
		}
		n.schedule(task.Render, AppMenu)
		return
	}

	addr, _ := mac.Get[uint32](n.mac, mac.DevAddr)
	n.joined, n.devAddr = true, addr
	n.setAttr(mac.ADR, true)
	n.printf("Join success\r\n")
	n.printf("New device address : 0x%08x\r\n", addr)
	if n.cfg.Capabilities.Multicast && addr == n.cfg.Multicast.GroupAddr {
		n.logger.Warn("device address equals multicast group address", "addr", addr)
		n.printf("Warn - Address conflict b/w DevAddr and McGroupAddr\r\n")
	}
	n.printStatus(nil)
	n.logger.Info("joined", "type", n.joinType, "dev_addr", addr)
	n.events.Emit(Event{Type: EventJoin, Data: JoinData{Status: s.String(), DevAddr: addr}})
	n.storeAll()

	if n.certEnabled && n.joinType == mac.OTAA {
		n.send()
		return
	}
	n.printAppConfig()
	n.ledSet(led.Green, true)
	n.schedule(task.Render, AppMenu)
}

func (n *Node) toggleCertification() {
	n.certEnabled = !n.certEnabled
	n.fport224Off = false
	if n.certEnabled {
		n.printf("Certification mode (Fport#224): ENABLED\r\n")
		k := n.cfg.Cert.OTAA
		n.setAttr(mac.TestModeEnable, true)
		n.setAttr(mac.DevEUI, k.DevEUI)
		n.setAttr(mac.JoinEUI, k.JoinEUI)
		n.setAttr(mac.AppKey, k.AppKey)
		n.setAttr(mac.ADR, true)
	} else {
		n.printf("Certification mode (Fport#224): DISABLED\r\n")
		n.setAttr(mac.TestModeEnable, false)
	}
	n.storeItem(itemCertEnabled)
	n.storeItem(itemFport224Off)
}
