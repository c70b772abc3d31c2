package mqtt

import (
	"encoding/json"
	"testing"
)

func TestDeviceTopics(t *testing.T) {
	got := DeviceTopics("devices", "Gateway 01")
	want := Topics{
		Availability: "devices/gateway_01/ota/availability",
		Status:       "devices/gateway_01/ota/status",
		Command:      "devices/gateway_01/ota/command",
	}
	if got != want {
		t.Errorf("DeviceTopics() = %+v, want %+v", got, want)
	}
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gateway", "gateway"},
		{"Living Room", "living_room"},
		{"a/b+c#", "a_b_c_"},
		{"node-7_x", "node-7_x"},
	}
	for _, tt := range tests {
		if got := TopicName(tt.in); got != tt.want {
			t.Errorf("TopicName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDiscoveryUpdateEntity(t *testing.T) {
	topics := DeviceTopics("devices", "gw")
	msgs := BuildDiscovery("gw", "1.2.3", topics)
	if len(msgs) != 2 {
		t.Fatalf("got %d discovery messages, want 2", len(msgs))
	}

	var upd haDiscovery
	if msgs[0].Topic != "homeassistant/update/ota_gw/firmware/config" {
		t.Errorf("topic = %q", msgs[0].Topic)
	}
	if err := json.Unmarshal(msgs[0].Payload, &upd); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if upd.StateTopic != topics.Status || upd.CommandTopic != topics.Command {
		t.Errorf("topics = %q / %q", upd.StateTopic, upd.CommandTopic)
	}
	if upd.AvailabilityTopic != topics.Availability {
		t.Errorf("availability_topic = %q", upd.AvailabilityTopic)
	}
	if upd.DeviceClass != "firmware" {
		t.Errorf("device_class = %q", upd.DeviceClass)
	}
	if upd.Device.SWVersion != "1.2.3" {
		t.Errorf("sw_version = %q", upd.Device.SWVersion)
	}

	var cmd Command
	if err := json.Unmarshal([]byte(upd.PayloadInstall), &cmd); err != nil || !cmd.Activate {
		t.Errorf("payload_install = %q does not request activation", upd.PayloadInstall)
	}

	var st haDiscovery
	if err := json.Unmarshal(msgs[1].Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.ValueTemplate != "{{ value_json.image_state }}" {
		t.Errorf("value_template = %q", st.ValueTemplate)
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := BuildRemoveDiscovery("gw")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	for _, m := range msgs {
		if len(m.Payload) != 0 {
			t.Errorf("%s: removal payload should be empty", m.Topic)
		}
	}
}

func TestStatusPayload(t *testing.T) {
	b := mustJSON(Status{InstalledVersion: "1.0.0", LatestVersion: "1.0.0", ImageState: "valid"})
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"installed_version", "latest_version", "image_state", "in_progress"} {
		if _, ok := m[k]; !ok {
			t.Errorf("status payload missing %q", k)
		}
	}
	if _, ok := m["staged_size"]; ok {
		t.Error("staged_size should be omitted when zero")
	}
}

func TestMustJSON(t *testing.T) {
	if got := string(mustJSON(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("mustJSON = %s", got)
	}
	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("mustJSON(unmarshalable) = %s", got)
	}
}
