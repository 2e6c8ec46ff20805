package jnap

import (
	"encoding/json"
	"strings"
)

// Device is one entry of the devicelist/GetDevices3 response. Only
// DeviceID is guaranteed after validation; everything else is optional
// and routers omit fields freely depending on firmware and device type.
type Device struct {
	DeviceID           string             `json:"deviceID"`
	LastChangeRevision int64              `json:"lastChangeRevision,omitempty"`
	FriendlyName       string             `json:"friendlyName,omitempty"`
	IsAuthority        bool               `json:"isAuthority,omitempty"`
	NodeType           string             `json:"nodeType,omitempty"`
	Model              DeviceModel        `json:"model"`
	Unit               DeviceUnit         `json:"unit"`
	KnownInterfaces    []KnownInterface   `json:"knownInterfaces"`
	Connections        []DeviceConnection `json:"connections"`
	Properties         []Property         `json:"properties"`
}

// DeviceModel is the router's fingerprint of the client hardware.
type DeviceModel struct {
	DeviceType   string `json:"deviceType,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ModelNumber  string `json:"modelNumber,omitempty"`
	Description  string `json:"description,omitempty"`
}

// DeviceUnit carries operating system details when the router could
// identify them.
type DeviceUnit struct {
	OperatingSystem string `json:"operatingSystem,omitempty"`
	SerialNumber    string `json:"serialNumber,omitempty"`
}

// KnownInterface is a network interface the router has associated with
// a device.
type KnownInterface struct {
	MACAddress    string `json:"macAddress,omitempty"`
	InterfaceType string `json:"interfaceType,omitempty"` // "Wired", "Wireless", "Unknown"
	Band          string `json:"band,omitempty"`
}

// DeviceConnection is the device list's view of a current connection,
// used for address extraction.
type DeviceConnection struct {
	MACAddress     string `json:"macAddress,omitempty"`
	IPAddress      string `json:"ipAddress,omitempty"`
	IPv6Address    string `json:"ipv6Address,omitempty"`
	ParentDeviceID string `json:"parentDeviceID,omitempty"`
}

// Property is a user- or router-assigned key/value pair on a device.
// The "userDeviceName" property holds the name set in the router UI.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Connection is one entry of networkconnections/GetNetworkConnections:
// a link that is active right now.
type Connection struct {
	MACAddress     string        `json:"macAddress"`
	DeviceID       string        `json:"deviceID,omitempty"`
	NegotiatedMbps int           `json:"negotiatedMbps,omitempty"`
	Timestamp      string        `json:"timestamp,omitempty"`
	Wireless       *WirelessLink `json:"wireless,omitempty"`
}

// WirelessLink describes the radio side of a wireless connection.
type WirelessLink struct {
	BSSID          string `json:"bssid,omitempty"`
	IsGuest        bool   `json:"isGuest,omitempty"`
	RadioID        string `json:"radioID,omitempty"`
	Band           string `json:"band,omitempty"`
	SignalDecibels int    `json:"signalDecibels,omitempty"`
}

// RouterInfo is the output of core/GetDeviceInfo.
type RouterInfo struct {
	Manufacturer    string   `json:"manufacturer"`
	ModelNumber     string   `json:"modelNumber"`
	HardwareVersion string   `json:"hardwareVersion"`
	Description     string   `json:"description"`
	SerialNumber    string   `json:"serialNumber"`
	FirmwareVersion string   `json:"firmwareVersion"`
	FirmwareDate    string   `json:"firmwareDate"`
	Services        []string `json:"services"`
}

// WANStatus is the output of router/GetWANStatus. MACAddress is the
// router's own MAC, used to recognize the router in the device list.
type WANStatus struct {
	MACAddress      string         `json:"macAddress"`
	DetectedWANType string         `json:"detectedWANType"`
	WANStatus       string         `json:"wanStatus"`
	WANConnection   *WANConnection `json:"wanConnection,omitempty"`
}

// WANConnection describes the active upstream link.
type WANConnection struct {
	WANType             string `json:"wanType"`
	IPAddress           string `json:"ipAddress"`
	NetworkPrefixLength int    `json:"networkPrefixLength"`
	Gateway             string `json:"gateway"`
	DNSServer1          string `json:"dnsServer1,omitempty"`
	DNSServer2          string `json:"dnsServer2,omitempty"`
}

// NormalizeMAC returns mac trimmed and upper-cased so that addresses
// from the device list and the connection list compare equal. Routers
// report upper-case, colon-separated addresses; this only guards
// against firmware that does not.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// validDevices drops entries that cannot be keyed (no deviceID) and
// returns the survivors along with the number rejected.
func validDevices(in []Device) ([]Device, int) {
	out := make([]Device, 0, len(in))
	for _, d := range in {
		if strings.TrimSpace(d.DeviceID) == "" {
			continue
		}
		out = append(out, d)
	}
	return out, len(in) - len(out)
}

// validConnections drops entries without a MAC address; such an entry
// is not evidence of activity for any device.
func validConnections(in []Connection) ([]Connection, int) {
	out := make([]Connection, 0, len(in))
	for _, c := range in {
		if strings.TrimSpace(c.MACAddress) == "" {
			continue
		}
		out = append(out, c)
	}
	return out, len(in) - len(out)
}

// devicesOutput and connectionsOutput use pointers to slices so that a
// missing array can be told apart from an empty one.
type devicesOutput struct {
	Revision int64     `json:"revision"`
	Devices  *[]Device `json:"devices"`
}

type connectionsOutput struct {
	Connections *[]Connection `json:"connections"`
}

// envelope is the transaction-level response body.
type envelope struct {
	Result    string           `json:"result"`
	Responses []actionResponse `json:"responses"`
}

type actionResponse struct {
	Result string          `json:"result"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type actionRequest struct {
	Action  string `json:"action"`
	Request any    `json:"request"`
}
