package mqtt

import (
	"strings"

	"github.com/nugget/jnap-presence/internal/buildinfo"
	"github.com/nugget/jnap-presence/internal/hub"
)

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every entity published by
// this instance references the same device block so HA groups them
// under the router's device page.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name"`
	Manufacturer string      `json:"manufacturer"`
	Model        string      `json:"model"`
	HWVersion    string      `json:"hw_version,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	SerialNumber string      `json:"serial_number,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
}

// Origin identifies the software publishing the discovery payloads.
type Origin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	Origin              *Origin    `json:"origin,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// TrackerConfig is the JSON payload for an HA MQTT device_tracker
// discovery message, one per presence record.
type TrackerConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadHome         string     `json:"payload_home"`
	PayloadNotHome      string     `json:"payload_not_home"`
	SourceType          string     `json:"source_type"`
	Icon                string     `json:"icon,omitempty"`
	Device              DeviceInfo `json:"device"`
	Origin              *Origin    `json:"origin,omitempty"`
}

const (
	stateHome    = "home"
	stateNotHome = "not_home"
)

// NewDeviceInfo builds the router's device block. The entry ID is the
// primary identifier (stable across renames); the serial number is
// added when the router reports one so the device also matches HA's
// other Linksys integrations.
func NewDeviceInfo(entryID, deviceName string, r hub.Router) DeviceInfo {
	d := DeviceInfo{
		Identifiers:  []string{entryID},
		Name:         deviceName,
		Manufacturer: r.Info.Manufacturer,
		Model:        r.Info.ModelNumber,
		HWVersion:    r.Info.HardwareVersion,
		SWVersion:    r.Info.FirmwareVersion,
		SerialNumber: r.Info.SerialNumber,
	}
	if d.Manufacturer == "" {
		d.Manufacturer = "Linksys"
	}
	if d.Model == "" {
		d.Model = r.Name()
	}
	if r.Info.SerialNumber != "" {
		d.Identifiers = append(d.Identifiers, r.Info.SerialNumber)
	}
	if r.MAC != "" {
		d.Connections = [][2]string{{"mac", strings.ToLower(r.MAC)}}
	}
	return d
}

func newOrigin() *Origin {
	return &Origin{Name: "jnap-presence", SWVersion: buildinfo.Version}
}

// ObjectID turns a record key into a topic- and entity-ID-safe token:
// lower-case letters, digits and underscores.
func ObjectID(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
