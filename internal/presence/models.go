package presence

import "time"

// DeviceType identifies the client kind a heartbeat came from.
type DeviceType string

const (
	DeviceWeb     DeviceType = "web"
	DeviceMobile  DeviceType = "mobile"
	DeviceDesktop DeviceType = "desktop"
)

// ParseDeviceType maps client input to a known device type; unknown values fall back to web.
func ParseDeviceType(v string) DeviceType {
	switch DeviceType(v) {
	case DeviceMobile:
		return DeviceMobile
	case DeviceDesktop:
		return DeviceDesktop
	default:
		return DeviceWeb
	}
}

// Record is the ephemeral reachability state of one user.
// A missing record means "never seen" and is treated as offline.
type Record struct {
	UserID         string     `json:"user_id"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	IsOnline       bool       `json:"is_online"`
	DeviceType     DeviceType `json:"device_type"`
	ConnectionHint string     `json:"connection_hint,omitempty"`
}
