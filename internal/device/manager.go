package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/swissairdry/airdry-core/internal/infrastructure/mqtt"
)

// EventRegistry is the subset of the event registry the manager needs
// to hook device channels.
type EventRegistry interface {
	Register(pattern string, handler func(topic string, payload any) error) int64
}

// TelemetryWriter receives accepted sensor readings for time-series
// storage. A nil writer disables time-series export.
type TelemetryWriter interface {
	WriteSensorReading(ctx context.Context, deviceID string, r *SensorReading) error
}

// Manager maintains device state from inbound events and exposes the
// device-facing operations (power, fan speed, config push). Inbound
// events arrive via the event registry from both the broker and the
// local link; outbound commands go through the dispatcher.
type Manager struct {
	store      Store
	dispatcher *Dispatcher
	broker     BrokerPublisher
	telemetry  TelemetryWriter
	logger     Logger
}

// NewManager creates a manager. telemetry may be nil.
func NewManager(store Store, dispatcher *Dispatcher, broker BrokerPublisher, telemetry TelemetryWriter, logger Logger) *Manager {
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		broker:     broker,
		telemetry:  telemetry,
		logger:     logger,
	}
}

// RegisterHandlers hooks the manager into the event registry for all
// device channels it consumes.
func (m *Manager) RegisterHandlers(reg EventRegistry) {
	topics := mqtt.Topics{}
	reg.Register(topics.AllStatus(), m.handleStatus)
	reg.Register(topics.AllTelemetry(), m.handleTelemetry)
	reg.Register(topics.AllDiscovery(), m.handleDiscovery)
	reg.Register(topics.AllLogs(), m.handleLog)
	reg.Register("swissairdry/+/welcome", m.handleWelcome)
	reg.Register(topics.AllOTAStatus(), m.handleOTAStatus)
	reg.Register(topics.AllOTAProgress(), m.handleOTAProgress)
	reg.Register("ble/sensor_data", m.handleLocalReading)
}

// ====== Inbound event handlers ======

// handleStatus processes swissairdry/<id>/status. Payloads are either a
// bare string ("online"/"offline") or an object with an is_online or
// status field. Unknown devices are registered on first contact.
func (m *Manager) handleStatus(topic string, payload any) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed status topic %q", topic)
	}

	online, ok := parseOnlineState(payload)
	if !ok {
		return fmt.Errorf("unrecognised status payload for %q", deviceID)
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if err := m.ensureDevice(ctx, deviceID, payload); err != nil {
		return err
	}
	if err := m.store.SetOnline(ctx, deviceID, online, time.Now().UTC()); err != nil {
		return err
	}
	m.logger.Info("device status changed", "device_id", deviceID, "online", online)
	return nil
}

// handleTelemetry processes swissairdry/<id>/telemetry. Readings are
// persisted and, when a telemetry writer is configured, exported.
func (m *Manager) handleTelemetry(topic string, payload any) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed telemetry topic %q", topic)
	}

	reading, err := decodeReading(payload)
	if err != nil {
		return fmt.Errorf("telemetry from %q: %w", deviceID, err)
	}

	ctx, cancel := handlerContext()
	defer cancel()
	return m.recordReading(ctx, deviceID, reading)
}

// handleDiscovery processes swissairdry/<id>/discovery announcements,
// creating or refreshing the device record.
func (m *Manager) handleDiscovery(topic string, payload any) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed discovery topic %q", topic)
	}

	fields, _ := payload.(map[string]any)

	ctx, cancel := handlerContext()
	defer cancel()

	dev, err := m.store.GetByDeviceID(ctx, deviceID)
	if errors.Is(err, ErrNotFound) {
		dev = &Device{DeviceID: deviceID, Name: deviceID, Type: TypeStandard}
		applyDiscoveryFields(dev, fields)
		if err := m.store.Create(ctx, dev); err != nil && !errors.Is(err, ErrExists) {
			return err
		}
		m.logger.Info("device discovered", "device_id", deviceID, "type", dev.Type)
		return nil
	}
	if err != nil {
		return err
	}

	applyDiscoveryFields(dev, fields)
	if err := m.store.Update(ctx, dev); err != nil {
		return err
	}
	m.logger.Debug("device discovery refreshed", "device_id", deviceID)
	return nil
}

// handleLog processes swissairdry/<id>/log lines into device_logs.
func (m *Manager) handleLog(topic string, payload any) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed log topic %q", topic)
	}

	level := LogLevelInfo
	message := ""
	switch v := payload.(type) {
	case string:
		message = v
	case map[string]any:
		if s, ok := v["level"].(string); ok && s != "" {
			level = strings.ToLower(s)
		}
		if s, ok := v["message"].(string); ok {
			message = s
		}
	default:
		return fmt.Errorf("unrecognised log payload for %q", deviceID)
	}
	if message == "" {
		return nil
	}

	ctx, cancel := handlerContext()
	defer cancel()
	return m.store.AppendLog(ctx, deviceID, level, message)
}

// handleWelcome replies to a device hello with its stored config so
// freshly booted devices pick up server-side settings immediately.
func (m *Manager) handleWelcome(topic string, payload any) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed welcome topic %q", topic)
	}

	ctx, cancel := handlerContext()
	defer cancel()

	if err := m.ensureDevice(ctx, deviceID, payload); err != nil {
		return err
	}
	if err := m.store.SetOnline(ctx, deviceID, true, time.Now().UTC()); err != nil {
		return err
	}

	cfg, err := m.store.GetConfig(ctx, deviceID)
	if errors.Is(err, ErrConfigNotFound) {
		cfg = &DeviceConfig{UpdateInterval: DefaultUpdateInterval, HasSensors: true, OTAEnabled: true}
		if err := m.store.UpsertConfig(ctx, deviceID, cfg); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	reply := map[string]any{
		"update_interval": cfg.UpdateInterval,
		"has_sensors":     cfg.HasSensors,
		"ota_enabled":     cfg.OTAEnabled,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if m.broker == nil || !m.broker.IsConnected() {
		m.logger.Warn("welcome reply skipped, broker disconnected", "device_id", deviceID)
		return nil
	}
	if err := m.broker.PublishJSON(mqtt.Topics{}.DeviceConfig(deviceID), reply); err != nil {
		return fmt.Errorf("welcome reply to %q: %w", deviceID, err)
	}
	m.logger.Info("device welcomed", "device_id", deviceID)
	return nil
}

// handleOTAStatus records firmware update status reports as device logs.
func (m *Manager) handleOTAStatus(topic string, payload any) error {
	return m.recordOTAEvent(topic, payload, "ota status")
}

// handleOTAProgress records firmware update progress as device logs.
func (m *Manager) handleOTAProgress(topic string, payload any) error {
	return m.recordOTAEvent(topic, payload, "ota progress")
}

func (m *Manager) recordOTAEvent(topic string, payload any, kind string) error {
	deviceID, _, ok := mqtt.SplitDeviceTopic(topic)
	if !ok {
		return fmt.Errorf("malformed ota topic %q", topic)
	}

	var message string
	switch v := payload.(type) {
	case string:
		message = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", kind, err)
		}
		message = string(raw)
	}

	ctx, cancel := handlerContext()
	defer cancel()
	return m.store.AppendLog(ctx, deviceID, LogLevelInfo, kind+": "+message)
}

// handleLocalReading processes sensor data arriving over the local
// link. The payload is a typed *SensorReading published by the BLE
// service together with the device id.
func (m *Manager) handleLocalReading(_ string, payload any) error {
	r, ok := payload.(*LocalReading)
	if !ok {
		return fmt.Errorf("unexpected local reading payload %T", payload)
	}

	ctx, cancel := handlerContext()
	defer cancel()
	return m.recordReading(ctx, r.DeviceID, r.Reading)
}

// LocalReading pairs a decoded sensor sample with the device it came
// from. Published on the ble/sensor_data event pattern.
type LocalReading struct {
	DeviceID string
	Reading  *SensorReading
}

// ====== Device operations ======

// PowerOn sends a power-on command to the device.
func (m *Manager) PowerOn(ctx context.Context, deviceID string) error {
	return m.dispatcher.SendCommand(ctx, deviceID, map[string]any{"action": "power", "state": "on"})
}

// PowerOff sends a power-off command to the device.
func (m *Manager) PowerOff(ctx context.Context, deviceID string) error {
	return m.dispatcher.SendCommand(ctx, deviceID, map[string]any{"action": "power", "state": "off"})
}

// SetFanSpeed sends a fan speed command. Speed is a percentage 0-100.
func (m *Manager) SetFanSpeed(ctx context.Context, deviceID string, speed int) error {
	if speed < 0 || speed > 100 {
		return fmt.Errorf("fan speed %d out of range 0-100", speed)
	}
	return m.dispatcher.SendCommand(ctx, deviceID, map[string]any{"action": "fan", "speed": speed})
}

// RequestStatus asks the device to publish a fresh status report.
func (m *Manager) RequestStatus(ctx context.Context, deviceID string) error {
	return m.dispatcher.SendCommand(ctx, deviceID, map[string]any{"action": "status"})
}

// PushConfig stores and delivers a device configuration.
func (m *Manager) PushConfig(ctx context.Context, deviceID string, cfg *DeviceConfig) error {
	return m.dispatcher.SendConfig(ctx, deviceID, cfg)
}

// NotifyUpdate publishes the newest active firmware image for the
// device's type on its ota/update channel. Devices fetch the image
// themselves and report back on ota/status and ota/progress.
//
// The notice goes broker-only: firmware downloads need the network
// anyway, so a local-link-only device has nothing to fetch with.
func (m *Manager) NotifyUpdate(ctx context.Context, deviceID string) error {
	dev, err := m.store.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return err
	}

	cfg, err := m.store.GetConfig(ctx, deviceID)
	if err == nil && !cfg.OTAEnabled {
		return fmt.Errorf("device %q: %w", deviceID, ErrOTADisabled)
	}
	if err != nil && !errors.Is(err, ErrConfigNotFound) {
		return err
	}

	upd, err := m.store.ActiveOTAUpdate(ctx, dev.Type)
	if err != nil {
		return err
	}

	if m.broker == nil || !m.broker.IsConnected() {
		return fmt.Errorf("update notice for %q: %w", deviceID, ErrNoTransport)
	}

	notice := map[string]any{
		"version":      upd.Version,
		"url":          upd.URL,
		"md5_hash":     upd.MD5Hash,
		"release_date": upd.ReleaseDate.UTC().Format(time.RFC3339),
	}
	if upd.Description != nil {
		notice["description"] = *upd.Description
	}
	if err := m.broker.PublishJSON(mqtt.Topics{}.DeviceOTAUpdate(deviceID), notice); err != nil {
		return fmt.Errorf("update notice for %q: %w", deviceID, errors.Join(ErrTransport, err))
	}
	m.logger.Info("firmware update notified",
		"device_id", deviceID, "version", upd.Version)
	return nil
}

// ====== Helpers ======

func (m *Manager) recordReading(ctx context.Context, deviceID string, r *SensorReading) error {
	if err := m.store.AppendReading(ctx, deviceID, r); err != nil {
		return err
	}
	if m.telemetry != nil {
		if err := m.telemetry.WriteSensorReading(ctx, deviceID, r); err != nil {
			m.logger.Warn("time-series export failed", "device_id", deviceID, "error", err)
		}
	}
	return nil
}

// ensureDevice registers a device on first contact so status and
// welcome events never drop on the floor for unknown devices.
func (m *Manager) ensureDevice(ctx context.Context, deviceID string, payload any) error {
	_, err := m.store.GetByDeviceID(ctx, deviceID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	dev := &Device{DeviceID: deviceID, Name: deviceID, Type: TypeStandard}
	if fields, ok := payload.(map[string]any); ok {
		applyDiscoveryFields(dev, fields)
	}
	if err := m.store.Create(ctx, dev); err != nil && !errors.Is(err, ErrExists) {
		return err
	}
	m.logger.Info("device auto-registered", "device_id", deviceID)
	return nil
}

func applyDiscoveryFields(dev *Device, fields map[string]any) {
	if fields == nil {
		return
	}
	if s, ok := fields["name"].(string); ok && s != "" {
		dev.Name = s
	}
	if s, ok := fields["type"].(string); ok && s != "" {
		dev.Type = s
	}
	if s, ok := fields["firmware_version"].(string); ok && s != "" {
		dev.FirmwareVersion = &s
	}
	if s, ok := fields["hardware_version"].(string); ok && s != "" {
		dev.HardwareVersion = &s
	}
	if s, ok := fields["ip_address"].(string); ok && s != "" {
		dev.IPAddress = &s
	}
	if s, ok := fields["mac_address"].(string); ok && s != "" {
		dev.MACAddress = &s
	}
	if s, ok := fields["ble_address"].(string); ok && s != "" {
		dev.BLEAddress = &s
	}
}

func parseOnlineState(payload any) (online, ok bool) {
	switch v := payload.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "online", "connected":
			return true, true
		case "offline", "disconnected":
			return false, true
		}
	case map[string]any:
		if b, ok := v["is_online"].(bool); ok {
			return b, true
		}
		if s, ok := v["status"].(string); ok {
			return parseOnlineState(s)
		}
	}
	return false, false
}

// decodeReading converts a JSON-decoded telemetry payload into a
// SensorReading. Unknown fields are ignored; a payload with no known
// measurement at all is rejected.
func decodeReading(payload any) (*SensorReading, error) {
	fields, ok := payload.(map[string]any)
	if !ok {
		return nil, errors.New("telemetry payload is not an object")
	}

	var (
		r     SensorReading
		found bool
	)
	if f, ok := numericField(fields, "temperature"); ok {
		r.Temperature = &f
		found = true
	}
	if f, ok := numericField(fields, "humidity"); ok {
		r.Humidity = &f
		found = true
	}
	if f, ok := numericField(fields, "pressure"); ok {
		r.Pressure = &f
		found = true
	}
	if f, ok := numericField(fields, "fan_speed"); ok {
		speed := int(f)
		r.FanSpeed = &speed
		found = true
	}
	if f, ok := numericField(fields, "power_consumption"); ok {
		r.PowerConsumption = &f
		found = true
	}
	if !found {
		return nil, errors.New("telemetry payload has no known measurements")
	}

	if s, ok := fields["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			r.Timestamp = t
		}
	}
	return &r, nil
}

func numericField(fields map[string]any, key string) (float64, bool) {
	f, ok := fields[key].(float64)
	return f, ok
}

// handlerContext bounds the database work done inside event handlers.
func handlerContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}
