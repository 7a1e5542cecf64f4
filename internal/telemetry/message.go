// Package telemetry mirrors node events onto message brokers and feeds
// operator input received from them back into the console.
package telemetry

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"lorawan-node/internal/node"
)

// Input is where injected operator keys go.
type Input interface {
	Feed(p ...byte) int
}

// Message is the envelope of every published event.
type Message struct {
	ID     string    `json:"id"`
	Device string    `json:"device"`
	Type   string    `json:"type"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

// NewMessage wraps ev for device.
func NewMessage(device string, ev node.Event, now time.Time) Message {
	return Message{
		ID:     uuid.NewString(),
		Device: device,
		Type:   ev.Type,
		Time:   now.UTC(),
		Data:   ev.Data,
	}
}

// DeviceID formats an EUI the way topics and subjects carry it.
func DeviceID(eui [8]byte) string {
	return strings.ToUpper(hex.EncodeToString(eui[:]))
}

// ParseInput extracts operator keys from a broker payload: either the raw
// keys or a JSON object {"keys": "..."}.
func ParseInput(payload []byte) []byte {
	var req struct {
		Keys string `json:"keys"`
	}
	if json.Unmarshal(payload, &req) == nil && req.Keys != "" {
		return []byte(req.Keys)
	}
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		return nil
	}
	return []byte(trimmed)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
