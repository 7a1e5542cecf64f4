// Package compliance is the codec of the LoRaWAN certification test
// protocol carried on the reserved test port: opcodes, length rules and
// the fixed-format answers. Executing commands against the MAC is the
// node's job.
package compliance

import (
	"fmt"
	"time"

	"lorawan-node/internal/mac"
)

const (
	// TestPort is the reserved application port of the test protocol.
	TestPort uint8 = 224

	PackageID      = 6
	PackageVersion = 1

	// MinDatarateMarker as the first byte of an uplink payload forces the
	// lowest datarate on the following uplink.
	MinDatarateMarker = 0x7F
)

// Opcode is the first byte of a test command.
type Opcode uint8

const (
	PackageVersionReq     Opcode = 0x00
	DutResetReq           Opcode = 0x01
	DutJoinReq            Opcode = 0x02
	SwitchClassReq        Opcode = 0x03
	ADRBitChangeReq       Opcode = 0x04
	RegionalDutyCycleReq  Opcode = 0x05
	TxPeriodicityReq      Opcode = 0x06
	TxFramesCtrlReq       Opcode = 0x07
	EchoIncPayloadReq     Opcode = 0x08
	RxAppCntReq           Opcode = 0x09
	RxAppCntResetReq      Opcode = 0x0A
	LinkCheckReq          Opcode = 0x20
	DeviceTimeReq         Opcode = 0x21
	PingSlotInfoReq       Opcode = 0x22
	TxCWReq               Opcode = 0x7D
	DutFPort224DisableReq Opcode = 0x7E
	DutVersionsReq        Opcode = 0x7F
)

type lengthRule struct {
	n       int
	atLeast bool
}

// Lengths include the opcode byte.
var rules = map[Opcode]lengthRule{
	PackageVersionReq:     {n: 1},
	DutResetReq:           {n: 1},
	DutJoinReq:            {n: 1},
	SwitchClassReq:        {n: 2},
	ADRBitChangeReq:       {n: 2},
	RegionalDutyCycleReq:  {n: 2},
	TxPeriodicityReq:      {n: 2},
	TxFramesCtrlReq:       {n: 1, atLeast: true},
	EchoIncPayloadReq:     {n: 1, atLeast: true},
	RxAppCntReq:           {n: 1},
	RxAppCntResetReq:      {n: 1},
	LinkCheckReq:          {n: 1},
	DeviceTimeReq:         {n: 1},
	PingSlotInfoReq:       {n: 2},
	TxCWReq:               {n: 7},
	DutFPort224DisableReq: {n: 1},
	DutVersionsReq:        {n: 1},
}

var opcodeNames = map[Opcode]string{
	PackageVersionReq:     "PackageVersionReq",
	DutResetReq:           "DutResetReq",
	DutJoinReq:            "DutJoinReq",
	SwitchClassReq:        "SwitchClassReq",
	ADRBitChangeReq:       "ADRBitChangeReq",
	RegionalDutyCycleReq:  "RegionalDutyCycleCtrlReq",
	TxPeriodicityReq:      "TxPeriodicityChangeReq",
	TxFramesCtrlReq:       "TxFramesCtrlReq",
	EchoIncPayloadReq:     "EchoIncPayloadReq",
	RxAppCntReq:           "RxAppCntReq",
	RxAppCntResetReq:      "RxAppCntResetReq",
	LinkCheckReq:          "LinkCheckReq",
	DeviceTimeReq:         "DeviceTimeReq",
	PingSlotInfoReq:       "PingSlotInfoReq",
	TxCWReq:               "TxCwReq",
	DutFPort224DisableReq: "DutFPort224DisableReq",
	DutVersionsReq:        "DutVersionsReq",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(o))
}

// Valid reports whether cmd is a known command of acceptable length.
func Valid(cmd []byte) bool {
	if len(cmd) == 0 {
		return false
	}
	r, ok := rules[Opcode(cmd[0])]
	if !ok {
		return false
	}
	if r.atLeast {
		return len(cmd) >= r.n
	}
	return len(cmd) == r.n
}

var periods = [...]time.Duration{
	5 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
	30 * time.Second, 40 * time.Second, 50 * time.Second, 60 * time.Second,
	120 * time.Second, 240 * time.Second, 480 * time.Second,
}

// Periodicity maps a TxPeriodicityChange selector to an uplink interval.
func Periodicity(sel byte) (time.Duration, bool) {
	if int(sel) >= len(periods) {
		return 0, false
	}
	return periods[sel], true
}

// FrameControl applies a TxFramesCtrl selector: 1 unconfirmed,
// 2 confirmed, anything else keeps the current mode.
func FrameControl(sel byte, confirmed bool) bool {
	switch sel {
	case 1:
		return false
	case 2:
		return true
	}
	return confirmed
}

// ClassFromSelector maps a SwitchClass selector (0 A, 1 B, 2 C) to a class.
func ClassFromSelector(sel byte) mac.Class {
	if sel > 7 {
		return 0
	}
	return mac.Class(1 << sel)
}

// EchoIncrement builds the echo answer: the opcode followed by every
// received byte plus one, truncated to the smaller of avail and the
// command length.
func EchoIncrement(cmd []byte, avail int) []byte {
	n := min(avail, len(cmd))
	if n <= 0 {
		return []byte{}
	}
	out := make([]byte, n)
	out[0] = byte(EchoIncPayloadReq)
	for i := 1; i < n; i++ {
		out[i] = cmd[i] + 1
	}
	return out
}

// CW is a continuous wave request.
type CW struct {
	Timeout   time.Duration
	Frequency uint32 // Hz
	Power     uint8
}

// ParseCW decodes a TxCw command: 16-bit timeout in seconds, 24-bit
// frequency in units of 100 Hz and the output power, all big-endian.
func ParseCW(cmd []byte) (CW, error) {
	if len(cmd) != 7 || Opcode(cmd[0]) != TxCWReq {
		return CW{}, fmt.Errorf("tx cw: malformed command % X", cmd)
	}
	timeout := uint16(cmd[1])<<8 | uint16(cmd[2])
	freq := uint32(cmd[3])<<16 | uint32(cmd[4])<<8 | uint32(cmd[5])
	return CW{
		Timeout:   time.Duration(timeout) * time.Second,
		Frequency: freq * 100,
		Power:     cmd[6],
	}, nil
}

// PackageVersionAns is the answer to PackageVersionReq.
func PackageVersionAns() []byte {
	return []byte{byte(PackageVersionReq), PackageID, PackageVersion}
}

// RxAppCntAns reports the downlink counter, little-endian.
func RxAppCntAns(n uint16) []byte {
	return []byte{byte(RxAppCntReq), byte(n), byte(n >> 8)}
}

// AppCounterPayload is the periodic uplink on the application port: the
// downlink counter, big-endian.
func AppCounterPayload(n uint16) []byte {
	return []byte{byte(n >> 8), byte(n)}
}

// Version is a major.minor.patch triplet.
type Version struct {
	Major, Minor, Patch uint8
}

// ParseVersion parses "1.0.4".
func ParseVersion(s string) (Version, error) {
	var v Version
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return Version{}, fmt.Errorf("version %q: %w", s, err)
	}
	return v, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// VersionsAns reports firmware, LoRaWAN and regional parameters versions.
func VersionsAns(fw, lrwan, rp Version) []byte {
	return []byte{
		byte(DutVersionsReq),
		fw.Major, fw.Minor, fw.Patch,
		lrwan.Major, lrwan.Minor, lrwan.Patch,
		rp.Major, rp.Minor, rp.Patch,
	}
}
