package mqtt

import "github.com/nugget/behique/internal/buildinfo"

// DeviceInfo is the Home Assistant device registry block referenced by
// the discovery payload.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// NewDeviceInfo builds a DeviceInfo keyed by the persistent instance ID.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Behique",
		Model:        "Voice trigger relay",
		SWVersion:    buildinfo.Version,
	}
}

// TriggerConfig is the Home Assistant MQTT device trigger discovery
// payload. HA fires the automation trigger whenever a message arrives
// on Topic.
type TriggerConfig struct {
	AutomationType string     `json:"automation_type"`
	Topic          string     `json:"topic"`
	Type           string     `json:"type"`
	Subtype        string     `json:"subtype"`
	Device         DeviceInfo `json:"device"`
}
