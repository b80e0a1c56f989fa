package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/swissairdry/airdry-core/internal/infrastructure/mqtt"
)

// LocalLink is the subset of the BLE service the dispatcher needs.
// A nil LocalLink disables the local path entirely.
type LocalLink interface {
	// IsLinked reports whether a live local connection to the device exists.
	IsLinked(deviceID string) bool

	// WriteCommand delivers a command payload over the local link.
	WriteCommand(ctx context.Context, deviceID string, payload []byte) error

	// WriteConfig delivers a configuration payload over the local link.
	WriteConfig(ctx context.Context, deviceID string, payload []byte) error
}

// BrokerPublisher is the subset of the MQTT client the dispatcher needs.
type BrokerPublisher interface {
	IsConnected() bool
	PublishJSON(topic string, v any) error
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Command is one outbound message to a device. Channel selects the
// broker topic (and, for command/config channels, the local write
// characteristic) used for delivery.
type Command struct {
	DeviceID string
	Channel  string
	Payload  any
}

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan error
}

// Dispatcher routes outbound commands to devices over the preferred
// transport: the local link when one is live, falling back to the
// broker otherwise. Commands are processed by a fixed worker pool so
// slow transports cannot block callers beyond the send timeout.
type Dispatcher struct {
	store   Store
	link    LocalLink
	broker  BrokerPublisher
	logger  Logger
	timeout time.Duration

	queue chan request
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Workers is the number of concurrent delivery workers.
	Workers int

	// QueueSize bounds the number of pending commands.
	QueueSize int

	// SendTimeout bounds how long Send waits for queue space and for
	// the delivery result.
	SendTimeout time.Duration
}

// NewDispatcher creates a dispatcher and starts its worker pool.
// link may be nil when local transport is disabled.
func NewDispatcher(store Store, link LocalLink, broker BrokerPublisher, logger Logger, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		store:   store,
		link:    link,
		broker:  broker,
		logger:  logger,
		timeout: opts.SendTimeout,
		queue:   make(chan request, opts.QueueSize),
		done:    make(chan struct{}),
	}
	d.start(opts.Workers)
	return d
}

func (d *Dispatcher) start(workers int) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case req := <-d.queue:
			err := d.deliver(req.ctx, req.cmd)
			select {
			case req.reply <- err:
			case <-req.ctx.Done():
			}
		}
	}
}

// Send queues a command and waits for the delivery result. It returns
// ErrDispatcherClosed after Close, context errors when the caller's
// context or the send timeout expires, and otherwise the delivery error.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// The queue channel is never closed; Close signals through done so
	// a sender blocked on a full queue cannot hit a closed channel.
	req := request{ctx: ctx, cmd: cmd, reply: make(chan error, 1)}
	select {
	case d.queue <- req:
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return fmt.Errorf("command queue full: %w", ctx.Err())
	}

	select {
	case err := <-req.reply:
		return err
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand sends a payload on the device command channel.
func (d *Dispatcher) SendCommand(ctx context.Context, deviceID string, payload any) error {
	return d.Send(ctx, Command{DeviceID: deviceID, Channel: mqtt.ChannelCommand, Payload: payload})
}

// SendConfig persists the config and then pushes it to the device on
// the config channel. The config is stored even if delivery fails, so
// the device picks it up on its next welcome.
func (d *Dispatcher) SendConfig(ctx context.Context, deviceID string, cfg *DeviceConfig) error {
	if err := d.store.UpsertConfig(ctx, deviceID, cfg); err != nil {
		return err
	}

	payload := map[string]any{
		"update_interval": cfg.UpdateInterval,
		"has_sensors":     cfg.HasSensors,
		"ota_enabled":     cfg.OTAEnabled,
	}
	if cfg.MQTTTopic != nil {
		payload["mqtt_topic"] = *cfg.MQTTTopic
	}
	if cfg.DisplayType != nil {
		payload["display_type"] = *cfg.DisplayType
	}

	err := d.Send(ctx, Command{DeviceID: deviceID, Channel: mqtt.ChannelConfig, Payload: payload})
	if err != nil {
		d.logger.Warn("config stored but not delivered",
			"device_id", deviceID, "error", err)
		return err
	}
	return nil
}

// deliver attempts the local link first, then the broker.
func (d *Dispatcher) deliver(ctx context.Context, cmd Command) error {
	dev, err := d.store.GetByDeviceID(ctx, cmd.DeviceID)
	if err != nil {
		return err
	}

	// The link's own state decides the local path. A device can hold a
	// live connection before its address is persisted, so the stored
	// ble_address column is not consulted here.
	var localErr error
	if d.link != nil && d.link.IsLinked(dev.DeviceID) {
		localErr = d.deliverLocal(ctx, dev.DeviceID, cmd)
		if localErr == nil {
			d.logger.Debug("command delivered over local link",
				"device_id", dev.DeviceID, "channel", cmd.Channel)
			return nil
		}
		d.logger.Warn("local delivery failed, falling back to broker",
			"device_id", dev.DeviceID, "channel", cmd.Channel, "error", localErr)
	}

	if d.broker == nil || !d.broker.IsConnected() {
		if localErr != nil {
			return fmt.Errorf("local link failed and broker disconnected: %w", ErrTransport)
		}
		return fmt.Errorf("device %q: %w", dev.DeviceID, ErrNoTransport)
	}

	topic := mqtt.Topics{}.Device(dev.DeviceID, cmd.Channel)
	if err := d.broker.PublishJSON(topic, cmd.Payload); err != nil {
		return fmt.Errorf("broker publish to %s: %w", topic, errors.Join(ErrTransport, err))
	}
	d.logger.Debug("command delivered over broker",
		"device_id", dev.DeviceID, "channel", cmd.Channel)
	return nil
}

func (d *Dispatcher) deliverLocal(ctx context.Context, deviceID string, cmd Command) error {
	raw, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if cmd.Channel == mqtt.ChannelConfig {
		return d.link.WriteConfig(ctx, deviceID, raw)
	}
	return d.link.WriteCommand(ctx, deviceID, raw)
}

// Close stops accepting commands and waits for in-flight deliveries.
// Commands still queued when the workers stop are failed with
// ErrDispatcherClosed rather than left to time out.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	for {
		select {
		case req := <-d.queue:
			select {
			case req.reply <- ErrDispatcherClosed:
			default:
			}
		default:
			return
		}
	}
}
