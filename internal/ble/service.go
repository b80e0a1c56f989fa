package ble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/swissairdry/airdry-core/internal/device"
)

// Event patterns fired through the event registry. Downstream
// consumers subscribe to these exactly like broker topics.
const (
	EventDeviceFound        = "ble/device_found"
	EventDeviceConnected    = "ble/device_connected"
	EventDeviceDisconnected = "ble/device_disconnected"
	EventSensorData         = "ble/sensor_data"
)

// ErrNotLinked indicates no live local connection to the device exists.
var ErrNotLinked = errors.New("device not linked")

// LinkState is the per-address connection state.
type LinkState string

const (
	StateUnknown    LinkState = "unknown"
	StateDiscovered LinkState = "discovered"
	StateConnecting LinkState = "connecting"
	StateConnected  LinkState = "connected"
	StateRetrying   LinkState = "retrying"
	StateAbandoned  LinkState = "abandoned"
)

// DeviceStore is the subset of the device store the service needs to
// reconcile identity records. Write failures are logged, never fatal.
type DeviceStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*device.Device, error)
	GetByBLEAddress(ctx context.Context, address string) (*device.Device, error)
	Create(ctx context.Context, d *device.Device) error
	Update(ctx context.Context, d *device.Device) error
	SetOnline(ctx context.Context, deviceID string, online bool, seen time.Time) error
}

// Events is the event sink for link lifecycle and sensor data.
type Events interface {
	DispatchValue(topic string, payload any)
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Options configures the Service.
type Options struct {
	// ScanInterval is the discovery loop period.
	ScanInterval time.Duration

	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts is the backoff retry budget after an
	// unexpected drop. Attempt n waits 2^n backoff units.
	MaxReconnectAttempts int

	// BackoffUnit is the base unit for exponential backoff. Production
	// uses the default second; tests shrink it.
	BackoffUnit time.Duration
}

// LinkEvent is the payload for link lifecycle events. RSSI carries the
// last scan's signal-strength hint and is only set on discovery events.
type LinkEvent struct {
	Address  string
	DeviceID string
	Name     string
	RSSI     int16
}

// link tracks one known address.
type link struct {
	address    string
	name       string
	deviceID   string
	state      LinkState
	peripheral Peripheral
	attempts   int
	lastSeen   time.Time
	rssi       int16
}

// Service is the local-link transport manager. It discovers devices
// advertising the SwissAirDry service, maintains one connection per
// address with exponential-backoff reconnection, and feeds sensor
// notifications into the event registry. Each device's state machine
// is independent; a stuck connect on one address never blocks the
// others.
type Service struct {
	adapter Adapter
	store   DeviceStore
	events  Events
	logger  Logger
	opts    Options

	mu    sync.Mutex
	links map[string]*link

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the local-link service. Run starts it.
func NewService(adapter Adapter, store DeviceStore, events Events, logger Logger, opts Options) *Service {
	if opts.ScanInterval < time.Second {
		opts.ScanInterval = 30 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	return &Service{
		adapter: adapter,
		store:   store,
		events:  events,
		logger:  logger,
		opts:    opts,
		links:   make(map[string]*link),
	}
}

// Run starts the discovery loop and blocks until ctx is cancelled or
// Stop is called. An immediate scan runs before the first tick.
func (s *Service) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.scanOnce(ctx)

	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

// scanOnce performs one discovery pass and triggers connection
// attempts for newly seen or abandoned addresses.
func (s *Service) scanOnce(ctx context.Context) {
	found, err := s.adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("local-link scan failed", "error", err)
		}
		return
	}

	now := time.Now().UTC()
	for _, adv := range found {
		s.sighting(ctx, adv, now)
	}
}

func (s *Service) sighting(ctx context.Context, adv Advertisement, now time.Time) {
	s.mu.Lock()
	l, known := s.links[adv.Address]
	if !known {
		l = &link{address: adv.Address, name: adv.Name, state: StateDiscovered, lastSeen: now, rssi: adv.RSSI}
		s.links[adv.Address] = l
	} else {
		l.lastSeen = now
		l.rssi = adv.RSSI
		if adv.Name != "" {
			l.name = adv.Name
		}
	}
	state := l.state
	s.mu.Unlock()

	if !known {
		s.logger.Info("local-link device found", "address", adv.Address, "name", adv.Name, "rssi", adv.RSSI)
		s.events.DispatchValue(EventDeviceFound, &LinkEvent{Address: adv.Address, Name: adv.Name, RSSI: adv.RSSI})
		s.spawnConnect(ctx, adv.Address)
		return
	}

	// A re-sighting resurrects abandoned devices; discovery is the
	// only way back from the abandoned state.
	if state == StateAbandoned || state == StateDiscovered {
		s.spawnConnect(ctx, adv.Address)
	}
}

func (s *Service) spawnConnect(ctx context.Context, address string) {
	s.mu.Lock()
	l, ok := s.links[address]
	if !ok || l.state == StateConnecting || l.state == StateConnected || l.state == StateRetrying {
		s.mu.Unlock()
		return
	}
	l.state = StateConnecting
	l.attempts = 0
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.connect(ctx, address) {
			s.setState(address, StateDiscovered)
		}
	}()
}

// connect runs one full connection sequence. Returns false on failure,
// leaving retry policy to the caller.
func (s *Service) connect(ctx context.Context, address string) bool {
	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	p, err := s.adapter.Connect(connectCtx, address)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("local-link connect failed", "address", address, "error", err)
		}
		return false
	}

	deviceID := s.reconcileIdentity(ctx, p)

	if err := p.Subscribe(ctx, func(data []byte) {
		s.handleNotification(address, deviceID, data)
	}); err != nil {
		s.logger.Warn("local-link subscribe failed", "address", address, "error", err)
		_ = p.Disconnect()
		return false
	}

	s.mu.Lock()
	l, ok := s.links[address]
	if !ok {
		s.mu.Unlock()
		_ = p.Disconnect()
		return false
	}
	l.state = StateConnected
	l.peripheral = p
	l.deviceID = deviceID
	l.attempts = 0
	name := l.name
	s.mu.Unlock()

	s.logger.Info("local-link connected", "address", address, "device_id", deviceID)
	s.events.DispatchValue(EventDeviceConnected, &LinkEvent{Address: address, DeviceID: deviceID, Name: name})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(ctx, address, p)
	}()
	return true
}

// reconcileIdentity reads the device-info record and creates or
// updates the device row. Failures leave the link usable; the device
// is then addressed by its Bluetooth address only.
func (s *Service) reconcileIdentity(ctx context.Context, p Peripheral) string {
	raw, err := p.ReadDeviceInfo(ctx)
	if err != nil {
		s.logger.Warn("device info read failed", "address", p.Address(), "error", err)
		return s.lookupByAddress(ctx, p.Address())
	}

	var info struct {
		DeviceID        string `json:"device_id"`
		Name            string `json:"name"`
		Type            string `json:"type"`
		FirmwareVersion string `json:"firmware_version"`
	}
	if err := json.Unmarshal(raw, &info); err != nil || info.DeviceID == "" {
		s.logger.Warn("device info record malformed", "address", p.Address())
		return s.lookupByAddress(ctx, p.Address())
	}

	addr := p.Address()
	dev, err := s.store.GetByDeviceID(ctx, info.DeviceID)
	switch {
	case errors.Is(err, device.ErrNotFound):
		dev = &device.Device{
			DeviceID:   info.DeviceID,
			Name:       info.Name,
			Type:       info.Type,
			BLEAddress: &addr,
		}
		if dev.Name == "" {
			dev.Name = info.DeviceID
		}
		if dev.Type == "" {
			dev.Type = device.TypeStandard
		}
		if info.FirmwareVersion != "" {
			dev.FirmwareVersion = &info.FirmwareVersion
		}
		if err := s.store.Create(ctx, dev); err != nil {
			s.logger.Warn("device record create failed", "device_id", info.DeviceID, "error", err)
		}
	case err != nil:
		s.logger.Warn("device record lookup failed", "device_id", info.DeviceID, "error", err)
	default:
		dev.BLEAddress = &addr
		if info.Name != "" {
			dev.Name = info.Name
		}
		if info.FirmwareVersion != "" {
			dev.FirmwareVersion = &info.FirmwareVersion
		}
		if err := s.store.Update(ctx, dev); err != nil {
			s.logger.Warn("device record update failed", "device_id", info.DeviceID, "error", err)
		}
	}

	if err := s.store.SetOnline(ctx, info.DeviceID, true, time.Now().UTC()); err != nil {
		s.logger.Warn("device online update failed", "device_id", info.DeviceID, "error", err)
	}
	return info.DeviceID
}

func (s *Service) lookupByAddress(ctx context.Context, address string) string {
	dev, err := s.store.GetByBLEAddress(ctx, address)
	if err != nil {
		return ""
	}
	return dev.DeviceID
}

// handleNotification decodes one sensor frame and publishes it. A
// malformed frame is logged and dropped; losing a single sample is
// acceptable.
func (s *Service) handleNotification(address, deviceID string, data []byte) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		s.logger.Warn("sensor frame decode failed", "address", address, "error", err)
		return
	}

	reading := &device.SensorReading{Timestamp: time.Now().UTC()}
	got := false
	if f, ok := fields["temperature"].(float64); ok {
		reading.Temperature = &f
		got = true
	}
	if f, ok := fields["humidity"].(float64); ok {
		reading.Humidity = &f
		got = true
	}
	if f, ok := fields["pressure"].(float64); ok {
		reading.Pressure = &f
		got = true
	}
	if f, ok := fields["fan_speed"].(float64); ok {
		speed := int(f)
		reading.FanSpeed = &speed
		got = true
	}
	if f, ok := fields["power_consumption"].(float64); ok {
		reading.PowerConsumption = &f
		got = true
	}
	if !got {
		s.logger.Warn("sensor frame has no measurements", "address", address)
		return
	}

	if deviceID == "" {
		s.logger.Warn("sensor frame from unidentified device dropped", "address", address)
		return
	}
	s.events.DispatchValue(EventSensorData, &device.LocalReading{DeviceID: deviceID, Reading: reading})
}

// watch waits for the connection to drop, then drives the
// exponential-backoff reconnect ladder.
func (s *Service) watch(ctx context.Context, address string, p Peripheral) {
	select {
	case <-ctx.Done():
		return
	case <-p.Done():
	}
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	l, ok := s.links[address]
	if !ok || l.peripheral != p {
		s.mu.Unlock()
		return
	}
	l.peripheral = nil
	l.state = StateRetrying
	deviceID := l.deviceID
	s.mu.Unlock()

	s.logger.Warn("local-link dropped", "address", address, "device_id", deviceID)
	s.events.DispatchValue(EventDeviceDisconnected, &LinkEvent{Address: address, DeviceID: deviceID})
	if deviceID != "" {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.SetOnline(offCtx, deviceID, false, time.Now().UTC()); err != nil {
			s.logger.Warn("device offline update failed", "device_id", deviceID, "error", err)
		}
		cancel()
	}

	s.reconnect(ctx, address)
}

// reconnect retries with waits of 2^n backoff units. After the retry
// budget is spent the device is abandoned until the discovery loop
// sees it again.
func (s *Service) reconnect(ctx context.Context, address string) {
	for attempt := 1; attempt <= s.opts.MaxReconnectAttempts; attempt++ {
		wait := time.Duration(1<<uint(attempt)) * s.opts.BackoffUnit
		s.logger.Debug("local-link reconnect scheduled",
			"address", address, "attempt", attempt, "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		s.mu.Lock()
		l, ok := s.links[address]
		if !ok {
			s.mu.Unlock()
			return
		}
		l.attempts = attempt
		s.mu.Unlock()

		if s.connect(ctx, address) {
			return
		}
	}

	s.setState(address, StateAbandoned)
	s.logger.Warn("local-link abandoned until next discovery", "address", address)
}

func (s *Service) setState(address string, state LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[address]; ok {
		l.state = state
	}
}

// ====== Dispatcher-facing surface ======

// IsLinked reports whether a live connection to the device exists.
func (s *Service) IsLinked(deviceID string) bool {
	_, err := s.linked(deviceID)
	return err == nil
}

// WriteCommand delivers a command payload over the local link.
func (s *Service) WriteCommand(ctx context.Context, deviceID string, payload []byte) error {
	p, err := s.linked(deviceID)
	if err != nil {
		return err
	}
	return p.WriteControl(ctx, payload)
}

// WriteConfig delivers a configuration payload over the local link.
func (s *Service) WriteConfig(ctx context.Context, deviceID string, payload []byte) error {
	p, err := s.linked(deviceID)
	if err != nil {
		return err
	}
	return p.WriteConfig(ctx, payload)
}

func (s *Service) linked(deviceID string) (Peripheral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if l.deviceID == deviceID && l.state == StateConnected && l.peripheral != nil {
			return l.peripheral, nil
		}
	}
	return nil, fmt.Errorf("device %q: %w", deviceID, ErrNotLinked)
}

// LinkStates returns a snapshot of every known address and its state.
func (s *Service) LinkStates() map[string]LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]LinkState, len(s.links))
	for addr, l := range s.links {
		out[addr] = l.state
	}
	return out
}

// Stop cancels the discovery loop and disconnects every live
// connection. Individual disconnect failures are logged so one
// stubborn device cannot block shutdown of the rest.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	var peripherals []Peripheral
	for _, l := range s.links {
		if l.peripheral != nil {
			peripherals = append(peripherals, l.peripheral)
			l.peripheral = nil
		}
		l.state = StateUnknown
	}
	s.mu.Unlock()

	for _, p := range peripherals {
		if err := p.Disconnect(); err != nil {
			s.logger.Warn("local-link disconnect failed", "address", p.Address(), "error", err)
		}
	}
	s.wg.Wait()
}
