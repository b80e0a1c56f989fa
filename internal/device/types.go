package device

import (
	"time"
)

// Device is a single drying appliance known to the server. Devices are
// identified externally by DeviceID (the MQTT topic segment and BLE
// advertisement name), not by the numeric primary key.
type Device struct {
	ID              int64      `json:"id"`
	DeviceID        string     `json:"device_id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	FirmwareVersion *string    `json:"firmware_version,omitempty"`
	HardwareVersion *string    `json:"hardware_version,omitempty"`
	IPAddress       *string    `json:"ip_address,omitempty"`
	MACAddress      *string    `json:"mac_address,omitempty"`
	BLEAddress      *string    `json:"ble_address,omitempty"`
	IsOnline        bool       `json:"is_online"`
	LastSeen        *time.Time `json:"last_seen,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Known device types. The type influences which channels a device
// publishes on; unknown types are stored as-is.
const (
	TypeStandard = "standard"
	TypeK        = "k" // kiosk variant with display
	TypePico     = "pico"
)

// SensorReading is one telemetry sample from a device. All measurement
// fields are optional; devices without the corresponding sensor omit them.
type SensorReading struct {
	ID               int64     `json:"id"`
	DeviceID         int64     `json:"device_id"`
	Temperature      *float64  `json:"temperature,omitempty"`
	Humidity         *float64  `json:"humidity,omitempty"`
	Pressure         *float64  `json:"pressure,omitempty"`
	FanSpeed         *int      `json:"fan_speed,omitempty"`
	PowerConsumption *float64  `json:"power_consumption,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// DeviceLog is a log line reported by a device, either over the broker
// log channel or generated server-side for device lifecycle events.
type DeviceLog struct {
	ID        int64     `json:"id"`
	DeviceID  int64     `json:"device_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Log levels as reported by firmware.
const (
	LogLevelDebug   = "debug"
	LogLevelInfo    = "info"
	LogLevelWarning = "warning"
	LogLevelError   = "error"
)

// DeviceConfig holds the server-managed configuration for one device.
// UpdateInterval is in seconds.
type DeviceConfig struct {
	ID             int64     `json:"id"`
	DeviceID       int64     `json:"device_id"`
	MQTTTopic      *string   `json:"mqtt_topic,omitempty"`
	UpdateInterval int       `json:"update_interval"`
	DisplayType    *string   `json:"display_type,omitempty"`
	HasSensors     bool      `json:"has_sensors"`
	OTAEnabled     bool      `json:"ota_enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultUpdateInterval is applied when a device has no stored config.
const DefaultUpdateInterval = 60

// OTAUpdate describes a published firmware image for a device type.
type OTAUpdate struct {
	ID          int64     `json:"id"`
	Version     string    `json:"version"`
	DeviceType  string    `json:"device_type"`
	ReleaseDate time.Time `json:"release_date"`
	Description *string   `json:"description,omitempty"`
	URL         string    `json:"url"`
	MD5Hash     string    `json:"md5_hash"`
	IsActive    bool      `json:"is_active"`
}

// DeepCopy returns an independent copy of the device. Pointer fields are
// cloned so callers can mutate the copy freely.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	clone := *d
	clone.FirmwareVersion = copyStringPtr(d.FirmwareVersion)
	clone.HardwareVersion = copyStringPtr(d.HardwareVersion)
	clone.IPAddress = copyStringPtr(d.IPAddress)
	clone.MACAddress = copyStringPtr(d.MACAddress)
	clone.BLEAddress = copyStringPtr(d.BLEAddress)
	if d.LastSeen != nil {
		t := *d.LastSeen
		clone.LastSeen = &t
	}
	return &clone
}

func copyStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
