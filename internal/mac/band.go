package mac

import (
	"fmt"
	"strings"
)

// Band is a regional parameter set.
type Band uint8

const (
	EU868 Band = iota
	NA915
	AU915
	AS923
	JPN923
	KR920
	IND865
)

// AllBands lists every band in menu order.
var AllBands = []Band{EU868, NA915, AU915, AS923, JPN923, KR920, IND865}

type bandInfo struct {
	name       string
	channels   int
	rx2Freq    uint32
	rx2DR      uint8
	minDR      uint8
	maxPayload map[uint8]int
}

var bands = map[Band]bandInfo{
	EU868: {
		name: "EU868", channels: 16, rx2Freq: 869525000, rx2DR: 0,
		maxPayload: map[uint8]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222, 6: 222, 7: 222},
	},
	NA915: {
		name: "NA915", channels: 72, rx2Freq: 923300000, rx2DR: 8,
		maxPayload: map[uint8]int{0: 11, 1: 53, 2: 125, 3: 242, 4: 242},
	},
	AU915: {
		name: "AU915", channels: 72, rx2Freq: 923300000, rx2DR: 8,
		maxPayload: map[uint8]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222, 6: 222},
	},
	AS923: {
		name: "AS923", channels: 16, rx2Freq: 923200000, rx2DR: 2, minDR: 2,
		maxPayload: map[uint8]int{0: 0, 1: 0, 2: 11, 3: 53, 4: 125, 5: 242, 6: 242, 7: 242},
	},
	JPN923: {
		name: "JPN923", channels: 16, rx2Freq: 923200000, rx2DR: 2, minDR: 2,
		maxPayload: map[uint8]int{0: 0, 1: 0, 2: 11, 3: 53, 4: 125, 5: 242, 6: 242, 7: 242},
	},
	KR920: {
		name: "KR920", channels: 16, rx2Freq: 921900000, rx2DR: 0,
		maxPayload: map[uint8]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222},
	},
	IND865: {
		name: "IND865", channels: 16, rx2Freq: 866550000, rx2DR: 2,
		maxPayload: map[uint8]int{0: 51, 1: 51, 2: 51, 3: 115, 4: 222, 5: 222, 7: 222},
	},
}

func (b Band) String() string {
	if info, ok := bands[b]; ok {
		return info.name
	}
	return fmt.Sprintf("BAND_%d", uint8(b))
}

// Valid reports whether b is a known band.
func (b Band) Valid() bool {
	_, ok := bands[b]
	return ok
}

// Channels returns the number of uplink channels of the band.
func (b Band) Channels() int {
	return bands[b].channels
}

// HasSubBands reports whether the band uses the 64+8 channel plan that
// sub-band selection applies to.
func (b Band) HasSubBands() bool {
	return b == NA915 || b == AU915
}

// RX2 returns the default receive window 2 parameters of the band.
func (b Band) RX2() RX2Params {
	info := bands[b]
	return RX2Params{Frequency: info.rx2Freq, Datarate: info.rx2DR}
}

// MinDatarate returns the lowest datarate certification uplinks use.
func (b Band) MinDatarate() uint8 {
	return bands[b].minDR
}

// MaxPayload returns the maximum application payload at datarate dr.
func (b Band) MaxPayload(dr uint8) int {
	return bands[b].maxPayload[dr]
}

// ParseBand parses a band name such as "EU868" (case-insensitive).
func ParseBand(s string) (Band, error) {
	for b, info := range bands {
		if strings.EqualFold(info.name, s) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown band %q", s)
}

// SubBandWindow returns the enabled 125 kHz channel range [low, high] and
// the enabled 500 kHz channel for a one-based sub-band selector.
func SubBandWindow(subBand uint8) (low, high, wide uint8) {
	low = (subBand - 1) * 8
	high = low + 7
	wide = subBand + 63
	return low, high, wide
}
