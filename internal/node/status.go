package node

import (
	"lorawan-node/internal/led"
)

// Status is a point-in-time snapshot of the node, safe to read from any
// goroutine.
type Status struct {
	State         string     `json:"state"`
	Band          string     `json:"band"`
	Activation    string     `json:"activation"`
	Joined        bool       `json:"joined"`
	DevAddr       uint32     `json:"dev_addr"`
	FCntUp        uint32     `json:"fcnt_up"`
	FCntDown      uint32     `json:"fcnt_down"`
	Periodic      bool       `json:"periodic"`
	AwaitingInput bool       `json:"awaiting_input"`
	Certification CertStatus `json:"certification"`
}

// CertStatus describes the certification session.
type CertStatus struct {
	Enabled         bool   `json:"enabled"`
	Port224Disabled bool   `json:"port224_disabled"`
	FPort           uint8  `json:"fport"`
	Confirmed       bool   `json:"confirmed"`
	RxAppCount      uint16 `json:"rx_app_count"`
	PeriodMs        int64  `json:"period_ms"`
}

// Status returns the latest snapshot.
func (n *Node) Status() Status {
	if s := n.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

// publishStatus snapshots node-owned state only; it never queries the MAC.
func (n *Node) publishStatus() {
	n.status.Store(&Status{
		State:         n.state.String(),
		Band:          n.band.String(),
		Activation:    n.joinType.String(),
		Joined:        n.joined,
		DevAddr:       n.devAddr,
		FCntUp:        n.fcntUp,
		FCntDown:      n.fcntDown,
		Periodic:      n.periodic,
		AwaitingInput: n.receiving,
		Certification: CertStatus{
			Enabled:         n.certEnabled,
			Port224Disabled: n.fport224Off,
			FPort:           n.cert.fport,
			Confirmed:       n.cert.confirmed,
			RxAppCount:      n.cert.rxCount,
			PeriodMs:        n.cert.period.Milliseconds(),
		},
	})
}

func (n *Node) ledSet(c led.Color, on bool) {
	if n.led != nil {
		n.led.Set(c, on)
	}
}

// ledBlink blinks green while a request is in flight.
func (n *Node) ledBlink() {
	if n.led == nil {
		return
	}
	n.led.Set(led.Green, true)
	if err := n.ledTimer.Start(n.cfg.LEDBlink, n.ledTick); err != nil {
		n.logger.Debug("led timer", "err", err)
	}
}

func (n *Node) ledTick() {
	n.led.Toggle(led.Green)
	if err := n.ledTimer.Start(n.cfg.LEDBlink, n.ledTick); err != nil {
		n.logger.Debug("led timer", "err", err)
	}
}
