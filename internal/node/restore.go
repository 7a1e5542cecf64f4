package node

import (
	"fmt"
	"slices"

	"lorawan-node/internal/led"
	"lorawan-node/internal/mac"
	"lorawan-node/internal/pds"
	"lorawan-node/internal/task"
)

// macStateSize bounds the encoded MAC session.
const macStateSize = 4096

var (
	itemMACState    = pds.MakeItemID(pds.FileMAC, 0)
	itemCertEnabled = pds.MakeItemID(pds.FileApp, 0)
	itemFport224Off = pds.MakeItemID(pds.FileApp, 1)
)

// registerItems declares the persisted files: the MAC session, when the
// backend can export it, and the two application flags.
func (n *Node) registerItems() error {
	if n.store == nil {
		return nil
	}
	if sm, ok := n.mac.(stateMarshaler); ok {
		err := n.store.Register(pds.File{
			ID:       pds.FileMAC,
			Name:     "mac",
			Critical: true,
			Items: pds.Layout([]pds.Item{{
				ID:   itemMACState,
				Size: macStateSize,
				Save: func() []byte {
					b, err := sm.MarshalState()
					if err != nil {
						n.logger.Error("encode mac state", "err", err)
						return nil
					}
					return b
				},
				Load: sm.UnmarshalState,
			}}),
		})
		if err != nil {
			return fmt.Errorf("register mac file: %w", err)
		}
	}
	err := n.store.Register(pds.File{
		ID:   pds.FileApp,
		Name: "app",
		Items: pds.Layout([]pds.Item{
			pds.Bool(itemCertEnabled, &n.certEnabled),
			pds.Bool(itemFport224Off, &n.fport224Off),
		}),
	})
	if err != nil {
		return fmt.Errorf("register app file: %w", err)
	}
	return nil
}

func (n *Node) storeItem(id pds.ItemID) {
	if n.store == nil {
		return
	}
	if err := n.store.Store(id); err != nil {
		n.logger.Error("pds store", "item", id, "err", err)
	}
}

func (n *Node) storeAll() {
	if n.store == nil {
		return
	}
	if err := n.store.StoreAll(); err != nil {
		n.logger.Error("pds store all", "err", err)
	}
}

func (n *Node) restoreAll() {
	if n.store == nil {
		return
	}
	if err := n.store.RestoreAll(); err != nil {
		n.logger.Error("pds restore", "err", err)
	}
}

// startRestorePrompt announces the stored band and counts down, giving
// the operator a chance to start over.
func (n *Node) startRestorePrompt() {
	n.restoreAll()
	band, err := mac.Get[mac.Band](n.mac, mac.ISMBand)
	if err != nil {
		n.logger.Warn("read stored band", "err", err)
		band = n.band
	}
	n.restoreLeft = n.cfg.RestoreAttempts

	n.printf("Last configured regional band %s\r\n", band)
	n.printf("Press a key ([A-Z;0-9]) to change band\r\n")
	n.printf("Continuing to %s in ", band)

	if err := n.restoreTimer.Start(n.cfg.RestoreInterval, n.restoreTick); err != nil {
		n.logger.Error("restore prompt timer", "err", err)
		n.schedule(task.Render, InitMenu)
	}
}

func (n *Node) restoreTick() {
	n.printf("%d..", n.restoreLeft)
	n.restoreLeft--

	if _, ok := n.con.ReadByteTimeout(n.cfg.RestoreKeyWait); ok {
		n.logger.Info("restore cancelled by operator")
		n.printf("\r\n")
		n.schedule(task.Render, InitMenu)
		return
	}
	if n.restoreLeft > 0 {
		if err := n.restoreTimer.Start(n.cfg.RestoreInterval, n.restoreTick); err != nil {
			n.logger.Error("restore prompt timer", "err", err)
		}
		return
	}
	n.printf("\r\nNo key pressed\r\n")
	n.schedule(task.Render, RestorePrompt)
}

// processRestore reloads the stored session and, in certification mode,
// resumes the test without operator input.
func (n *Node) processRestore() {
	n.restoreAll()
	band, err := mac.Get[mac.Band](n.mac, mac.ISMBand)
	if err == nil && !slices.Contains(n.cfg.Capabilities.Bands, band) {
		err = mac.UnsupportedBand
	}
	if err == nil {
		err = n.mac.Reset(band)
	}
	n.setAttr(mac.JoinBackoffEnable, false)

	if err != nil {
		n.logger.Warn("restore failed", "err", err)
		n.printf("Failed to restore settings from PDS\r\n")
		n.schedule(task.Render, AppMenu)
		return
	}

	n.band = band
	// The reset cleared the session, load it again.
	n.restoreAll()
	n.joined = mac.Joined(n.mac)
	n.devAddr, _ = mac.Get[uint32](n.mac, mac.DevAddr)
	n.logger.Info("session restored", "band", band, "joined", n.joined)

	n.printf("Successfully restored settings from PDS\r\n")
	if n.joined {
		n.printf("Device has joined already\r\n")
	} else {
		n.printf("Device has not joined previously\r\n")
		n.ledSet(led.Amber, true)
	}
	n.printf("Band : %s\r\n", band)
	n.printAppConfig()

	if !n.certEnabled {
		n.schedule(task.Render, AppMenu)
		return
	}
	n.setAttr(mac.TestModeEnable, true)
	if n.cfg.Cert.Activation == mac.ABP {
		n.send()
	} else {
		n.sendJoinReq(mac.OTAA)
	}
}
