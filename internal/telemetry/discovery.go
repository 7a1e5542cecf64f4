//go:build !no_mqtt

package telemetry

import (
	"fmt"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/lorawan_DEAFFACEDEAFFACE/fcnt_up/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	Device            haDevice `json:"device"`
}

type haEntity struct {
	component string
	object    string
	name      string
	template  string
	class     string
	stateCls  string
}

var statusEntities = []haEntity{
	{component: "binary_sensor", object: "joined", name: "Joined", template: "{{ 'ON' if value_json.joined else 'OFF' }}", class: "connectivity"},
	{component: "sensor", object: "state", name: "Menu State", template: "{{ value_json.state }}"},
	{component: "sensor", object: "band", name: "Band", template: "{{ value_json.band }}"},
	{component: "sensor", object: "fcnt_up", name: "Uplink Counter", template: "{{ value_json.fcnt_up }}", stateCls: "total_increasing"},
	{component: "sensor", object: "fcnt_down", name: "Downlink Counter", template: "{{ value_json.fcnt_down }}", stateCls: "total_increasing"},
	{component: "binary_sensor", object: "certification", name: "Certification Mode", template: "{{ 'ON' if value_json.certification.enabled else 'OFF' }}"},
}

// buildDiscovery returns the discovery messages of one node: status
// entities read from <prefix>/<device>/status and one button per
// application menu key.
func buildDiscovery(device, prefix string) []discoveryMsg {
	id := "lorawan_" + device
	base := prefix + "/" + device
	dev := haDevice{
		Identifiers:  []string{id},
		Manufacturer: "Microchip",
		Model:        "LoRaWAN End Device",
		Name:         "LoRaWAN " + device,
	}

	var msgs []discoveryMsg
	for _, e := range statusEntities {
		d := haDiscovery{
			Name:              e.name,
			UniqueID:          id + "_" + e.object,
			StateTopic:        base + "/status",
			AvailabilityTopic: base + "/bridge/state",
			ValueTemplate:     e.template,
			DeviceClass:       e.class,
			StateClass:        e.stateCls,
			Device:            dev,
		}
		if e.component == "binary_sensor" {
			d.PayloadOn, d.PayloadOff = "ON", "OFF"
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, id, e.object),
			Payload: mustJSON(d),
		})
	}

	for _, k := range []struct{ key, object, name string }{
		{"2", "send", "Send Data"},
		{"3", "start_periodic", "Start Periodic Data"},
		{"4", "stop_periodic", "Stop Periodic Data"},
	} {
		d := haDiscovery{
			Name:              k.name,
			UniqueID:          id + "_" + k.object,
			CommandTopic:      base + "/input",
			AvailabilityTopic: base + "/bridge/state",
			PayloadPress:      k.key,
			EntityCategory:    "config",
			Device:            dev,
		}
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/button/%s/%s/config", id, k.object),
			Payload: mustJSON(d),
		})
	}
	return msgs
}
