package mqtt

import (
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/jnap-presence/internal/presence"
)

func received(topic, payload string) paho.PublishReceived {
	return paho.PublishReceived{
		Packet: &paho.Publish{Topic: topic, Payload: []byte(payload)},
	}
}

func TestIsBirth(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
	}{
		{"online", true},
		{"online\n", true},
		{"offline", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isBirth([]byte(tt.payload)); got != tt.want {
			t.Errorf("isBirth(%q) = %v, want %v", tt.payload, got, tt.want)
		}
	}
}

func TestHandlePublish_OtherTopicIgnored(t *testing.T) {
	p, _ := newTestPublisher(t)
	handled, err := p.handlePublish(received("some/other/topic", "online"))
	if err != nil {
		t.Fatalf("handlePublish() error = %v", err)
	}
	if handled {
		t.Error("message on unrelated topic reported as handled")
	}
}

func TestHandlePublish_NilPacket(t *testing.T) {
	p, _ := newTestPublisher(t)
	if handled, _ := p.handlePublish(paho.PublishReceived{}); handled {
		t.Error("nil packet reported as handled")
	}
}

func TestHandlePublish_OfflineDoesNotAnnounce(t *testing.T) {
	p, rc := newTestPublisher(t)
	handled, err := p.handlePublish(received("homeassistant/status", "offline"))
	if err != nil || !handled {
		t.Fatalf("handlePublish() = %v, %v; want handled", handled, err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := rc.count(""); n != 0 {
		t.Errorf("published %d messages after HA went offline, want 0", n)
	}
}

func TestHandlePublish_BirthReannounces(t *testing.T) {
	p, rc := newTestPublisher(t)
	rec := presence.DeviceRecord{Key: "AA:00:00:00:00:01", DisplayName: "Phone", IsOnline: true}
	p.PresenceUpdated(t.Context(), testUpdate(rec))
	rc.reset()

	handled, err := p.handlePublish(received("homeassistant/status", "online"))
	if err != nil || !handled {
		t.Fatalf("handlePublish() = %v, %v; want handled", handled, err)
	}

	topic := p.discoveryTopic("device_tracker", "aa_00_00_00_00_01")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := rc.last(topic); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tracker discovery not republished after HA birth")
}
