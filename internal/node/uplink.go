package node

import (
	"errors"
	"fmt"

	"lorawan-node/internal/compliance"
	"lorawan-node/internal/led"
	"lorawan-node/internal/mac"
	"lorawan-node/internal/sensor"
	"lorawan-node/internal/task"
)

// demoPayloadMax bounds the temperature string sent by the demo.
const demoPayloadMax = 24

var errNoSensor = errors.New("no temperature sensor")

func (n *Node) send() {
	if !mac.Joined(n.mac) {
		n.printf("Warn - Cannot uplink, device not joined\r\n")
		n.appTimer.Stop()
		n.periodic = false
		n.joined = false
		n.schedule(task.Render, AppMenu)
		return
	}

	var req *mac.SendRequest
	if n.certEnabled {
		req = n.certRequest()
	} else {
		r, err := n.demoRequest()
		if err != nil {
			n.logger.Error("temperature read failed", "err", err)
			n.printf("Warn - Cannot read temperature sensor\r\n")
			n.schedule(task.Render, AppMenu)
			return
		}
		req = r
	}

	if n.minDR {
		n.setAttr(mac.CurrentDatarate, uint8(0))
		n.minDR = false
	}

	fcnt, _ := mac.Get[uint32](n.mac, mac.UplinkCounter)
	dr, _ := mac.Get[uint8](n.mac, mac.CurrentDatarate)
	avail, _ := mac.Get[uint16](n.mac, mac.NextPayloadSize)

	if err := n.mac.Send(req); err != nil {
		n.logger.Warn("uplink rejected", "port", req.Port, "err", err)
		n.backToApp(err)
		return
	}
	n.fcntUp = fcnt

	n.printf("\r\n=== Uplink =============================\r\n")
	n.printf("DR     : %d\r\n", dr)
	if req.Confirmed {
		n.printf("Type   : Cnf\r\n")
	} else {
		n.printf("Type   : UnCnf\r\n")
	}
	n.printf("FPort  : %d\r\n", req.Port)
	if req.Port == compliance.TestPort {
		n.printf(" (reply for TEST port command)")
	}
	n.printf("FCntUp : %d\r\n", fcnt)
	if n.certEnabled {
		n.printf("SzAvl  : %d\r\n", avail)
		n.printf("DatLen : %d\r\n", len(req.Payload))
	}
	n.printf("Data   : ")
	if len(req.Payload) > 0 {
		n.printArray(req.Payload)
	} else {
		n.printf(" *** E M P T Y ***\r\n")
	}

	// DutVersionsAns is followed by an uplink at the lowest datarate.
	if len(req.Payload) > 0 && req.Payload[0] == compliance.MinDatarateMarker {
		n.minDR = true
	}

	n.logger.Debug("uplink sent", "port", req.Port, "confirmed", req.Confirmed, "dr", dr, "fcnt_up", fcnt)
	n.events.Emit(Event{Type: EventUplink, Data: UplinkData{
		Port:      req.Port,
		Confirmed: req.Confirmed,
		Datarate:  dr,
		FCntUp:    fcnt,
		Payload:   req.Payload,
	}})
	n.ledBlink()
}

func (n *Node) demoRequest() (*mac.SendRequest, error) {
	if n.sensor == nil {
		return nil, errNoSensor
	}
	c, err := n.sensor.Celsius()
	if err != nil {
		return nil, err
	}
	f := sensor.Fahrenheit(c)
	n.printf("Temperature: %.1f°C/%.1f°F\r\n", c, f)

	payload := []byte(fmt.Sprintf("%.1f°C %.1f°F", c, f))
	if len(payload) > demoPayloadMax {
		payload = payload[:demoPayloadMax]
	}
	return &mac.SendRequest{Port: n.cfg.Port, Confirmed: n.cfg.Confirmed, Payload: payload}, nil
}

func (n *Node) startPeriodic() {
	if !mac.Joined(n.mac) {
		n.printf("Warn - cannot start periodic uplink, not joined\r\n")
		n.schedule(task.Render, AppMenu)
		return
	}
	if n.periodic {
		n.printf("Periodic uplink already started\r\n")
		n.schedule(task.Render, AppMenu)
		return
	}
	n.periodic = true
	n.appTimer.Stop()
	n.send()
	if !n.periodic {
		return
	}
	if err := n.appTimer.Start(n.cfg.PeriodicInterval, n.appTimerFired); err != nil {
		n.printf("Failed to start periodic timer: %v\r\n", err)
	}
}

func (n *Node) stopPeriodic() {
	n.periodic = false
	n.appTimer.Stop()
	n.schedule(task.Render, AppMenu)
}

func (n *Node) appTimerFired() {
	if !n.periodic {
		return
	}
	n.send()
	if !n.periodic {
		return
	}
	if err := n.appTimer.Start(n.cfg.PeriodicInterval, n.appTimerFired); err != nil {
		n.logger.Error("periodic timer", "err", err)
		n.printf("Failed to restart periodic timer\r\n")
	}
}

func (n *Node) onData(ev mac.DataEvent) {
	switch ev.Kind {
	case mac.TransactionComplete:
		n.onTransactionComplete(ev.Status)
	case mac.RxData:
		n.onDownlink(ev.Port, ev.Payload)
	}
}

func (n *Node) onTransactionComplete(s mac.Status) {
	n.ledTimer.Stop()
	n.events.Emit(Event{Type: EventTransaction, Data: TransactionData{Status: s.String()}})

	if n.certEnabled {
		n.printf("\r\n--- Transaction Complete ---------------\r\n")
		if s == mac.Success && !n.cert.received {
			// A confirmed uplink may have been acked in an empty frame.
			if n.cert.sentConfirmed {
				n.cert.rxCount++
			}
			n.cert.fport = n.cfg.Cert.AppPort
		}
	} else {
		if s == mac.Success {
			n.printf("Transmission Success\r\n")
		} else {
			n.logger.Warn("transaction ended", "status", s)
			n.printf("\r\n--- Transaction Ended ------------------\r\n")
			if s == mac.NoChannelsFound {
				remaining, _ := mac.Get[uint32](n.mac, mac.PendingDutyCycleTime)
				n.printf("\r\nPending duty cycle time: %dms\r\n", remaining)
			}
		}
		n.printStatus(s.Err())
		n.schedule(task.Render, AppMenu)
	}

	n.ledSet(led.Green, false)
	if s != mac.Success {
		n.ledSet(led.Amber, true)
	}
}

func (n *Node) onDownlink(port uint8, payload []byte) {
	if n.certEnabled {
		n.cert.received = true
		n.cert.rxCount++
	}
	fcnt, _ := mac.Get[uint32](n.mac, mac.DownlinkCounter)
	n.fcntDown = fcnt

	n.printf("\r\n*** Received DL Data ***\r\n")
	n.printf("FPort  : %d\r\n", port)
	n.printf("FCntDn : %d\r\n", fcnt)
	if len(payload) > 0 {
		n.printf("Data   : ")
		n.printArray(payload)
	}
	n.events.Emit(Event{Type: EventDownlink, Data: DownlinkData{Port: port, FCntDown: fcnt, Payload: payload}})

	if port == compliance.TestPort && n.cfg.Capabilities.Compliance {
		if compliance.Valid(payload) {
			n.execCert(payload)
		} else {
			n.logger.Warn("invalid compliance command", "payload", fmt.Sprintf("% X", payload))
			n.printf("\r\nCertification command received with invalid payload\r\n")
			op := "empty"
			if len(payload) > 0 {
				op = compliance.Opcode(payload[0]).String()
			}
			n.events.Emit(Event{Type: EventCompliance, Data: ComplianceData{Opcode: op}})
		}
	}

	if !n.certEnabled {
		if class, err := mac.Get[mac.Class](n.mac, mac.EDClass); err == nil && class == mac.ClassC {
			n.schedule(task.Render, AppMenu)
		}
	}
}
