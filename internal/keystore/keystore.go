// Package keystore models the secure element that holds the device
// identity and root key when the crypto device capability is enabled.
package keystore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Device is a key storage device. The root key never leaves it; only
// identity material can be read.
type Device interface {
	SerialNumber() [9]byte
	DevEUI() [8]byte
	JoinEUI() [8]byte
	// TKMInfo is the two SE info bytes followed by the first eight bytes
	// of the serial number.
	TKMInfo() [10]byte
}

// SimConfig describes a simulated secure element.
type SimConfig struct {
	Serial  [9]byte
	JoinEUI [8]byte
	Info    [2]byte

	// CustomDevEUI is the DevEUI provisioned in the element. When
	// SerialAsDevEUI is set the first eight serial bytes are used instead.
	CustomDevEUI   [8]byte
	SerialAsDevEUI bool

	// Root is the manufacturer secret the AppKey is derived from.
	Root []byte
}

// Sim is a software secure element. Its AppKey is derived from the root
// secret and the serial number, so every element carries a distinct key.
type Sim struct {
	cfg    SimConfig
	appKey [16]byte
}

// NewSim creates a simulated element.
func NewSim(cfg SimConfig) (*Sim, error) {
	if len(cfg.Root) == 0 {
		return nil, errors.New("keystore: empty root secret")
	}
	s := &Sim{cfg: cfg}
	r := hkdf.New(sha256.New, cfg.Root, cfg.Serial[:], []byte("lorawan appkey"))
	if _, err := io.ReadFull(r, s.appKey[:]); err != nil {
		return nil, fmt.Errorf("keystore: derive appkey: %w", err)
	}
	return s, nil
}

func (s *Sim) SerialNumber() [9]byte { return s.cfg.Serial }

func (s *Sim) DevEUI() [8]byte {
	if s.cfg.SerialAsDevEUI {
		var eui [8]byte
		copy(eui[:], s.cfg.Serial[:8])
		return eui
	}
	return s.cfg.CustomDevEUI
}

func (s *Sim) JoinEUI() [8]byte { return s.cfg.JoinEUI }

func (s *Sim) TKMInfo() [10]byte {
	var info [10]byte
	copy(info[:2], s.cfg.Info[:])
	copy(info[2:], s.cfg.Serial[:8])
	return info
}

// AppKey returns the derived root key. Only the simulated MAC, which
// plays the part of the element's crypto engine, may use it.
func (s *Sim) AppKey() [16]byte { return s.appKey }
