// Package presence turns the router's device list and connection list
// into a stable, keyed set of presence records.
//
// The device list is authoritative for which devices exist; the
// connection list is only evidence that a device is active right now.
// A Registry merges one snapshot of each per poll and derives the
// online/offline state of every record it has ever seen.
package presence

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/jnap-presence/internal/jnap"
)

// userDeviceNameProperty is the device property holding the name the
// owner assigned in the router UI.
const userDeviceNameProperty = "userDeviceName"

// Attribute names retained from the device list. Anything the router
// reports outside this set is dropped.
const (
	AttrDeviceType         = "device_type"
	AttrManufacturer       = "manufacturer"
	AttrModelNumber        = "model_number"
	AttrModelDescription   = "model_description"
	AttrOperatingSystem    = "operating_system"
	AttrInterfaceType      = "interface_type"
	AttrNodeType           = "node_type"
	AttrIsAuthority        = "is_authority"
	AttrLastChangeRevision = "last_change_revision"
	AttrParentDeviceID     = "parent_device_id"
)

// Attribute names taken from the live connection. They are present only
// while the device is online.
const (
	AttrNegotiatedMbps = "negotiated_mbps"
	AttrBand           = "band"
	AttrSignalDecibels = "signal_decibels"
	AttrGuest          = "guest"
)

var connectionAttrs = []string{AttrNegotiatedMbps, AttrBand, AttrSignalDecibels, AttrGuest}

// DeviceRecord is the normalized view of one network client.
type DeviceRecord struct {
	// Key is the MAC address when one can be resolved unambiguously,
	// otherwise the router-assigned device ID.
	Key         string `json:"key"`
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`

	// MACAddress is set only when the router reports exactly one
	// interface for the device.
	MACAddress string `json:"mac_address,omitempty"`

	// IPAddress and IPv6Address are set only when the router reports
	// exactly one connection for the device, recomputed on every poll
	// that lists it. A device that drops out of the list keeps its last
	// address.
	IPAddress   string `json:"ip_address,omitempty"`
	IPv6Address string `json:"ipv6_address,omitempty"`

	// KnownMACs lists every interface MAC the router associates with
	// the device, whether or not one of them became the key.
	KnownMACs []string `json:"known_macs,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`

	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen,omitzero"`

	// Created is when this process first saw the record.
	Created time.Time `json:"-"`
}

// NewRecord builds a record from one device list entry. It never fails:
// missing optional fields leave the matching record fields empty.
func NewRecord(d jnap.Device) DeviceRecord {
	rec := DeviceRecord{
		DeviceID:    d.DeviceID,
		DisplayName: resolveName(d),
		Attributes:  deviceAttributes(d),
	}

	for _, ki := range d.KnownInterfaces {
		if mac := jnap.NormalizeMAC(ki.MACAddress); mac != "" && !slices.Contains(rec.KnownMACs, mac) {
			rec.KnownMACs = append(rec.KnownMACs, mac)
		}
	}

	if len(d.KnownInterfaces) == 1 {
		rec.MACAddress = jnap.NormalizeMAC(d.KnownInterfaces[0].MACAddress)
		if it := d.KnownInterfaces[0].InterfaceType; it != "" {
			rec.Attributes[AttrInterfaceType] = it
		}
	}

	if len(d.Connections) == 1 {
		c := d.Connections[0]
		rec.IPAddress = strings.TrimSpace(c.IPAddress)
		rec.IPv6Address = strings.TrimSpace(c.IPv6Address)
		if c.ParentDeviceID != "" {
			rec.Attributes[AttrParentDeviceID] = c.ParentDeviceID
		}
	}

	rec.Key = rec.MACAddress
	if rec.Key == "" {
		rec.Key = d.DeviceID
	}
	return rec
}

// resolveName picks the user-assigned name, then the router's friendly
// name, then the device ID.
func resolveName(d jnap.Device) string {
	for _, p := range d.Properties {
		if p.Name == userDeviceNameProperty && strings.TrimSpace(p.Value) != "" {
			return p.Value
		}
	}
	if strings.TrimSpace(d.FriendlyName) != "" {
		return d.FriendlyName
	}
	return d.DeviceID
}

func deviceAttributes(d jnap.Device) map[string]string {
	attrs := make(map[string]string)
	set := func(k, v string) {
		if v = strings.TrimSpace(v); v != "" {
			attrs[k] = v
		}
	}
	set(AttrDeviceType, d.Model.DeviceType)
	set(AttrManufacturer, d.Model.Manufacturer)
	set(AttrModelNumber, d.Model.ModelNumber)
	set(AttrModelDescription, d.Model.Description)
	set(AttrOperatingSystem, d.Unit.OperatingSystem)
	set(AttrNodeType, d.NodeType)
	if d.IsAuthority {
		attrs[AttrIsAuthority] = "true"
	}
	if d.LastChangeRevision > 0 {
		attrs[AttrLastChangeRevision] = strconv.FormatInt(d.LastChangeRevision, 10)
	}
	return attrs
}

// applyConnection copies live link diagnostics onto the record.
func (r *DeviceRecord) applyConnection(c jnap.Connection) {
	r.clearConnection()
	if c.NegotiatedMbps > 0 {
		r.Attributes[AttrNegotiatedMbps] = strconv.Itoa(c.NegotiatedMbps)
	}
	if w := c.Wireless; w != nil {
		if w.Band != "" {
			r.Attributes[AttrBand] = w.Band
		}
		if w.SignalDecibels != 0 {
			r.Attributes[AttrSignalDecibels] = strconv.Itoa(w.SignalDecibels)
		}
		if w.IsGuest {
			r.Attributes[AttrGuest] = "true"
		}
	}
}

func (r *DeviceRecord) clearConnection() {
	if r.Attributes == nil {
		r.Attributes = make(map[string]string)
	}
	for _, k := range connectionAttrs {
		delete(r.Attributes, k)
	}
}

// Connected reports whether the device should be shown as present: it
// is online now, or it was last seen no longer than detection ago.
func (r DeviceRecord) Connected(now time.Time, detection time.Duration) bool {
	if r.IsOnline {
		return true
	}
	if r.LastSeen.IsZero() || detection <= 0 {
		return false
	}
	return now.Sub(r.LastSeen) <= detection
}

// clone returns a deep copy that shares no maps or slices with r.
func (r DeviceRecord) clone() DeviceRecord {
	r.Attributes = maps.Clone(r.Attributes)
	r.KnownMACs = slices.Clone(r.KnownMACs)
	return r
}

// UniqueID composes the stable entity identifier for a record key
// within one configuration scope.
func UniqueID(scope, key string) string {
	return scope + "::device_tracker::" + key
}
