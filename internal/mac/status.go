package mac

import (
	"errors"
	"fmt"
)

// Status is a MAC stack return code. The numeric values index the
// operator-facing status table and must not be reordered.
type Status uint8

const (
	RadioSuccess Status = iota
	RadioNoData
	RadioDataSize
	RadioInvalidReq
	RadioBusy
	RadioOutOfRange
	RadioUnsupportedAttr
	RadioChannelBusy
	Success
	NwkNotJoined
	InvalidParameter
	KeysNotInitialized
	SilentImmediatelyActive
	FcntrErrorRejoinNeeded
	InvalidBufferLength
	MacPaused
	NoChannelsFound
	Busy
	NoAck
	NwkJoinInProgress
	ResourceUnavailable
	InvalidRequest
	UnsupportedBand
	FcntrError
	MicError
	InvalidMtype
	McastHdrInvalid
	TxTimeout
	RadioTxTimeout
	MaxMcastGroupReached
	InvalidPacket
	RxpktEncryptionFailed
	TxpktEncryptionFailed
	SkeyDerivationFailed
	MicCalculationFailed
	SkeyReadFailed
	JoinNonceError
)

var statusNames = [...]string{
	"RADIO_SUCCESS",
	"RADIO_NO_DATA",
	"RADIO_DATA_SIZE",
	"RADIO_INVALID_REQ",
	"RADIO_BUSY",
	"RADIO_OUT_OF_RANGE",
	"RADIO_UNSUPPORTED_ATTR",
	"RADIO_CHANNEL_BUSY",
	"SUCCESS",
	"NWK_NOT_JOINED",
	"INVALID_PARAMETER",
	"KEYS_NOT_INITIALIZED",
	"SILENT_IMMEDIATELY_ACTIVE",
	"FCNTR_ERROR_REJOIN_NEEDED",
	"INVALID_BUFFER_LENGTH",
	"MAC_PAUSED",
	"NO_CHANNELS_FOUND",
	"BUSY",
	"NO_ACK",
	"NWK_JOIN_IN_PROGRESS",
	"RESOURCE_UNAVAILABLE",
	"INVALID_REQUEST",
	"UNSUPPORTED_BAND",
	"FCNTR_ERROR",
	"MIC_ERROR",
	"INVALID_MTYPE",
	"MCAST_HDR_INVALID",
	"TX_TIMEOUT",
	"RADIO_TX_TIMEOUT",
	"MAX_MCAST_GROUP_REACHED",
	"INVALID_PACKET",
	"RXPKT_ENCRYPTION_FAILED",
	"TXPKT_ENCRYPTION_FAILED",
	"SKEY_DERIVATION_FAILED",
	"MIC_CALCULATION_FAILED",
	"SKEY_READ_FAILED",
	"JOIN_NONCE_ERROR",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS_%d", uint8(s))
}

// Error makes a non-success Status usable as an error value.
func (s Status) Error() string {
	return "lorawan: " + s.String()
}

// Err returns nil for Success and s otherwise.
func (s Status) Err() error {
	if s == Success {
		return nil
	}
	return s
}

// StatusOf maps an error returned by a collaborator to a Status.
// nil is Success; errors that carry no Status map to ResourceUnavailable.
func StatusOf(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ResourceUnavailable
}
