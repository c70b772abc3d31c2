package mqtt

import (
	"encoding/json"
	"strings"
)

// Topics groups the MQTT topics of one device.
type Topics struct {
	Availability string
	Status       string
	Command      string
}

// DeviceTopics returns the topics for thing under prefix.
func DeviceTopics(prefix, thing string) Topics {
	base := prefix + "/" + TopicName(thing) + "/ota"
	return Topics{
		Availability: base + "/availability",
		Status:       base + "/status",
		Command:      base + "/command",
	}
}

// TopicName sanitizes a thing name for use as a topic level.
func TopicName(thing string) string {
	name := strings.ToLower(thing)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// Status is the retained payload published on the status topic. Its field
// names follow the Home Assistant MQTT update entity.
type Status struct {
	InstalledVersion string `json:"installed_version"`
	LatestVersion    string `json:"latest_version"`
	ImageState       string `json:"image_state"`
	InProgress       bool   `json:"in_progress"`
	StagedSize       int64  `json:"staged_size,omitempty"`
}

// Command is the payload accepted on the command topic.
type Command struct {
	State    string `json:"state,omitempty"`
	Activate bool   `json:"activate,omitempty"`
}

// DiscoveryMsg is a Home Assistant MQTT discovery payload.
type DiscoveryMsg struct {
	Topic   string // e.g. "homeassistant/update/ota_gateway/firmware/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadInstall    string   `json:"payload_install,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// BuildDiscovery returns the HA discovery messages for the OTA agent of
// thing: a firmware update entity and an image state sensor.
func BuildDiscovery(thing, version string, topics Topics) []DiscoveryMsg {
	nodeID := "ota_" + TopicName(thing)
	dev := haDevice{
		Identifiers: []string{nodeID},
		Model:       "ota-device",
		Name:        thing,
		SWVersion:   version,
	}
	install, _ := json.Marshal(Command{Activate: true})

	update := haDiscovery{
		Name:              "Firmware",
		UniqueID:          nodeID + "_firmware",
		StateTopic:        topics.Status,
		CommandTopic:      topics.Command,
		AvailabilityTopic: topics.Availability,
		DeviceClass:       "firmware",
		EntityCategory:    "config",
		PayloadInstall:    string(install),
		Device:            dev,
	}
	state := haDiscovery{
		Name:              "Image state",
		UniqueID:          nodeID + "_image_state",
		StateTopic:        topics.Status,
		AvailabilityTopic: topics.Availability,
		ValueTemplate:     "{{ value_json.image_state }}",
		EntityCategory:    "diagnostic",
		Icon:              "mdi:chip",
		Device:            dev,
	}

	return []DiscoveryMsg{
		{Topic: "homeassistant/update/" + nodeID + "/firmware/config", Payload: mustJSON(update)},
		{Topic: "homeassistant/sensor/" + nodeID + "/image_state/config", Payload: mustJSON(state)},
	}
}

// BuildRemoveDiscovery returns messages that delete the discovery entries.
func BuildRemoveDiscovery(thing string) []DiscoveryMsg {
	nodeID := "ota_" + TopicName(thing)
	return []DiscoveryMsg{
		{Topic: "homeassistant/update/" + nodeID + "/firmware/config"},
		{Topic: "homeassistant/sensor/" + nodeID + "/image_state/config"},
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
