package mac

import "fmt"

// Attr identifies a MAC attribute.
type Attr uint8

const (
	DevEUI Attr = iota
	JoinEUI
	AppKey
	DevAddr
	AppSKey
	NwkSKey
	JoinNonceKind
	ADR
	JoinBackoffEnable
	CryptoDeviceEnabled
	ChannelStatus
	CurrentDatarate
	UplinkCounter
	DownlinkCounter
	NextPayloadSize
	ISMBand
	TestModeEnable
	RegionalDutyCycle
	EDClass
	NetworkJoined
	RX2WindowParams
	PendingDutyCycleTime
	SendLinkCheckCmd
	SendDeviceTimeCmd
	McastAppSKey
	McastNwkSKey
	McastGroupAddr
	McastEnable
	McastDatarate
	McastFrequency
)

var attrNames = map[Attr]string{
	DevEUI:               "DEV_EUI",
	JoinEUI:              "JOIN_EUI",
	AppKey:               "APP_KEY",
	DevAddr:              "DEV_ADDR",
	AppSKey:              "APPS_KEY",
	NwkSKey:              "NWKS_KEY",
	JoinNonceKind:        "JOIN_NONCE_TYPE",
	ADR:                  "ADR",
	JoinBackoffEnable:    "JOIN_BACKOFF_ENABLE",
	CryptoDeviceEnabled:  "CRYPTODEVICE_ENABLED",
	ChannelStatus:        "CH_PARAM_STATUS",
	CurrentDatarate:      "CURRENT_DATARATE",
	UplinkCounter:        "UPLINK_COUNTER",
	DownlinkCounter:      "DOWNLINK_COUNTER",
	NextPayloadSize:      "NEXT_PAYLOAD_SIZE",
	ISMBand:              "ISMBAND",
	TestModeEnable:       "TEST_MODE_ENABLE",
	RegionalDutyCycle:    "REGIONAL_DUTY_CYCLE",
	EDClass:              "EDCLASS",
	NetworkJoined:        "LORAWAN_STATUS",
	RX2WindowParams:      "RX2_WINDOW_PARAMS",
	PendingDutyCycleTime: "PENDING_DUTY_CYCLE_TIME",
	SendLinkCheckCmd:     "SEND_LINK_CHECK_CMD",
	SendDeviceTimeCmd:    "SEND_DEVICE_TIME_CMD",
	McastAppSKey:         "MCAST_APPS_KEY",
	McastNwkSKey:         "MCAST_NWKS_KEY",
	McastGroupAddr:       "MCAST_GROUP_ADDR",
	McastEnable:          "MCAST_ENABLE",
	McastDatarate:        "MCAST_DATARATE",
	McastFrequency:       "MCAST_FREQUENCY",
}

func (a Attr) String() string {
	if n, ok := attrNames[a]; ok {
		return n
	}
	return fmt.Sprintf("ATTR_%d", uint8(a))
}

// Attribute value types. Scalar attributes use plain Go types:
//
//	DevEUI, JoinEUI         [8]byte
//	AppKey, AppSKey, NwkSKey [16]byte
//	DevAddr                 uint32
//	JoinNonceKind           JoinNonceType
//	ADR, JoinBackoffEnable, CryptoDeviceEnabled,
//	TestModeEnable, RegionalDutyCycle, NetworkJoined bool
//	CurrentDatarate         uint8
//	UplinkCounter, DownlinkCounter, PendingDutyCycleTime uint32 (ms for the latter)
//	NextPayloadSize         uint16
//	ISMBand                 Band
//	EDClass                 Class
//	SendLinkCheckCmd, SendDeviceTimeCmd  nil

// ChannelParams enables or disables one channel.
type ChannelParams struct {
	ID      uint8
	Enabled bool
}

// RX2Params are the receive window 2 parameters.
type RX2Params struct {
	Frequency uint32
	Datarate  uint8
}

// McastKey is a multicast group session key.
type McastKey struct {
	Group uint8
	Key   [16]byte
}

// McastAddr is a multicast group address.
type McastAddr struct {
	Group uint8
	Addr  uint32
}

// McastStatus enables or disables a multicast group.
type McastStatus struct {
	Group   uint8
	Enabled bool
}

// McastDR is the downlink datarate of a multicast group.
type McastDR struct {
	Group    uint8
	Datarate uint8
}

// McastFreq is the downlink frequency of a multicast group.
type McastFreq struct {
	Group     uint8
	Frequency uint32
}
