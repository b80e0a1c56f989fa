package mqtt

import "fmt"

// Topic prefixes for the SwissAirDry MQTT namespace.
//
// All device topics use the flat scheme: swissairdry/{device_id}/{channel}
// This matches the topic layout the device firmware publishes and subscribes on.
const (
	// TopicPrefix is the base for all SwissAirDry topics.
	TopicPrefix = "swissairdry"

	// TopicPrefixServer is the base for server-side topics.
	TopicPrefixServer = "swissairdry/server"
)

// Device channels published or consumed over the broker.
const (
	ChannelStatus    = "status"
	ChannelTelemetry = "telemetry"
	ChannelDiscovery = "discovery"
	ChannelLog       = "log"
	ChannelControl   = "control"
	ChannelConfig    = "config"
	ChannelCommand   = "command"
	ChannelTask      = "task"
	ChannelWelcome   = "welcome"
)

// OTA channels are nested one level below the device.
const (
	ChannelOTAUpdate   = "ota/update"
	ChannelOTAStatus   = "ota/status"
	ChannelOTAProgress = "ota/progress"
)

// Topics provides builders for SwissAirDry MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	controlTopic := topics.Device("dryer-001", mqtt.ChannelControl)
//	// Returns: "swissairdry/dryer-001/control"
type Topics struct{}

// ============================================================================
// Device Topics
// ============================================================================

// Device returns the topic for an arbitrary device channel.
//
// Example: swissairdry/dryer-001/telemetry
func (Topics) Device(deviceID, channel string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, deviceID, channel)
}

// DeviceStatus returns the topic a device publishes its online status on.
//
// Example: swissairdry/dryer-001/status
func (t Topics) DeviceStatus(deviceID string) string {
	return t.Device(deviceID, ChannelStatus)
}

// DeviceTelemetry returns the topic a device publishes sensor readings on.
//
// Example: swissairdry/dryer-001/telemetry
func (t Topics) DeviceTelemetry(deviceID string) string {
	return t.Device(deviceID, ChannelTelemetry)
}

// DeviceControl returns the topic for control commands to a device.
//
// Example: swissairdry/dryer-001/control
func (t Topics) DeviceControl(deviceID string) string {
	return t.Device(deviceID, ChannelControl)
}

// DeviceConfig returns the topic for configuration pushed to a device.
// Config messages are published retained so devices pick them up on connect.
//
// Example: swissairdry/dryer-001/config
func (t Topics) DeviceConfig(deviceID string) string {
	return t.Device(deviceID, ChannelConfig)
}

// DeviceCommand returns the topic for generic commands to a device.
//
// Example: swissairdry/dryer-001/command
func (t Topics) DeviceCommand(deviceID string) string {
	return t.Device(deviceID, ChannelCommand)
}

// DeviceTask returns the topic for task assignments to a device.
//
// Example: swissairdry/dryer-001/task
func (t Topics) DeviceTask(deviceID string) string {
	return t.Device(deviceID, ChannelTask)
}

// DeviceWelcome returns the topic for the server's reply to device discovery.
//
// Example: swissairdry/dryer-001/welcome
func (t Topics) DeviceWelcome(deviceID string) string {
	return t.Device(deviceID, ChannelWelcome)
}

// DeviceOTAUpdate returns the topic for pushing firmware update notices.
//
// Example: swissairdry/dryer-001/ota/update
func (t Topics) DeviceOTAUpdate(deviceID string) string {
	return t.Device(deviceID, ChannelOTAUpdate)
}

// ============================================================================
// Server Topics
// ============================================================================

// ServerStatus returns the server status topic, used for the online/offline
// announcements and the Last Will and Testament.
//
// Example: swissairdry/server/status
func (Topics) ServerStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixServer)
}

// ============================================================================
// Wildcard Patterns for Subscriptions
// ============================================================================

// AllStatus returns a pattern matching status updates from every device.
//
// Pattern: swissairdry/+/status
func (Topics) AllStatus() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelStatus)
}

// AllTelemetry returns a pattern matching telemetry from every device.
//
// Pattern: swissairdry/+/telemetry
func (Topics) AllTelemetry() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelTelemetry)
}

// AllDiscovery returns a pattern matching discovery announcements.
//
// Pattern: swissairdry/+/discovery
func (Topics) AllDiscovery() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelDiscovery)
}

// AllLogs returns a pattern matching log messages from every device.
//
// Pattern: swissairdry/+/log
func (Topics) AllLogs() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelLog)
}

// AllTasks returns a pattern matching task progress from every device.
//
// Pattern: swissairdry/+/task
func (Topics) AllTasks() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelTask)
}

// AllOTAStatus returns a pattern matching OTA status from every device.
//
// Pattern: swissairdry/+/ota/status
func (Topics) AllOTAStatus() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelOTAStatus)
}

// AllOTAProgress returns a pattern matching OTA progress from every device.
//
// Pattern: swissairdry/+/ota/progress
func (Topics) AllOTAProgress() string {
	return fmt.Sprintf("%s/+/%s", TopicPrefix, ChannelOTAProgress)
}

// AllTopics returns a pattern matching every SwissAirDry topic.
// Use with caution - this receives ALL traffic.
//
// Pattern: swissairdry/#
func (Topics) AllTopics() string {
	return "swissairdry/#"
}
