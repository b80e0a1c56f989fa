package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// BlueZ DBus constants.
const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// BlueZAdapter implements Adapter on top of the BlueZ DBus API.
type BlueZAdapter struct {
	adapter        string
	scanDuration   time.Duration
	connectTimeout time.Duration

	mu   sync.Mutex
	conn *dbus.Conn
}

// BlueZOptions configures a BlueZAdapter.
type BlueZOptions struct {
	// Adapter is the hci device name, default "hci0".
	Adapter string

	// ScanDuration bounds one discovery pass.
	ScanDuration time.Duration

	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration
}

// NewBlueZAdapter creates an adapter backed by the system DBus.
func NewBlueZAdapter(opts BlueZOptions) *BlueZAdapter {
	if opts.Adapter == "" {
		opts.Adapter = "hci0"
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &BlueZAdapter{
		adapter:        opts.Adapter,
		scanDuration:   opts.ScanDuration,
		connectTimeout: opts.ConnectTimeout,
	}
}

// bus returns the shared system bus connection, opening it on first
// use. The connection is never closed: dbus.SystemBus returns a cached
// process-wide connection and closing it would break other users.
func (b *BlueZAdapter) bus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system dbus: %w", err)
	}
	b.conn = conn
	return conn, nil
}

// Scan performs one bounded discovery pass filtered to serviceUUID.
func (b *BlueZAdapter) Scan(ctx context.Context, serviceUUID string) ([]Advertisement, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}

	adapterPath := dbus.ObjectPath("/org/bluez/" + b.adapter)
	adapterObj := conn.Object(bluezBus, adapterPath)

	powered, err := getProperty[bool](conn, adapterPath, bluezAdapter1, "Powered")
	if err != nil {
		return nil, fmt.Errorf("adapter %s unavailable: %w", b.adapter, err)
	}
	if !powered {
		return nil, fmt.Errorf("adapter %s is not powered", b.adapter)
	}

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{serviceUUID}),
	}
	if call := adapterObj.Call(bluezAdapter1+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return nil, fmt.Errorf("setting discovery filter: %w", call.Err)
	}

	discoveryStarted := false
	if call := adapterObj.Call(bluezAdapter1+".StartDiscovery", 0); call.Err != nil {
		// Discovery may already be running; cached devices still count.
		if !strings.Contains(call.Err.Error(), "InProgress") {
			return nil, fmt.Errorf("starting discovery: %w", call.Err)
		}
	} else {
		discoveryStarted = true
	}

	scanCtx, cancel := context.WithTimeout(ctx, b.scanDuration)
	defer cancel()
	<-scanCtx.Done()
	if discoveryStarted {
		adapterObj.Call(bluezAdapter1+".StopDiscovery", 0)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return b.enumerate(conn, serviceUUID)
}

// enumerate lists known BlueZ devices advertising serviceUUID.
func (b *BlueZAdapter) enumerate(conn *dbus.Conn, serviceUUID string) ([]Advertisement, error) {
	root := conn.Object(bluezBus, "/")

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := root.Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("enumerating bluez objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decoding bluez objects: %w", err)
	}

	adapterPrefix := "/org/bluez/" + b.adapter + "/"
	var found []Advertisement
	for path, ifaces := range objects {
		devProps, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), adapterPrefix) {
			continue
		}
		uuidsVar, ok := devProps["UUIDs"]
		if !ok {
			continue
		}
		uuids, ok := uuidsVar.Value().([]string)
		if !ok {
			continue
		}

		matched := false
		for _, uuid := range uuids {
			if strings.EqualFold(uuid, serviceUUID) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		adv := Advertisement{}
		if v, ok := devProps["Address"]; ok {
			adv.Address, _ = v.Value().(string)
		}
		if v, ok := devProps["Name"]; ok {
			adv.Name, _ = v.Value().(string)
		}
		if v, ok := devProps["RSSI"]; ok {
			adv.RSSI, _ = v.Value().(int16)
		}
		if adv.Address != "" {
			found = append(found, adv)
		}
	}
	return found, nil
}

// Connect opens a connection and resolves the GATT characteristics.
func (b *BlueZAdapter) Connect(ctx context.Context, address string) (Peripheral, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}

	devicePath := devicePath(b.adapter, address)
	deviceObj := conn.Object(bluezBus, devicePath)

	connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	connected, err := getProperty[bool](conn, devicePath, bluezDevice1, "Connected")
	if err != nil || !connected {
		if call := deviceObj.CallWithContext(connectCtx, bluezDevice1+".Connect", 0); call.Err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", address, call.Err)
		}
	}

	if err := waitServicesResolved(connectCtx, conn, devicePath); err != nil {
		deviceObj.Call(bluezDevice1+".Disconnect", 0)
		return nil, fmt.Errorf("resolving services for %s: %w", address, err)
	}

	p := &bluezPeripheral{
		conn:       conn,
		address:    address,
		devicePath: devicePath,
		done:       make(chan struct{}),
	}
	if err := p.discoverCharacteristics(); err != nil {
		deviceObj.Call(bluezDevice1+".Disconnect", 0)
		return nil, fmt.Errorf("gatt discovery for %s: %w", address, err)
	}
	if err := p.watchConnection(); err != nil {
		deviceObj.Call(bluezDevice1+".Disconnect", 0)
		return nil, fmt.Errorf("watching connection for %s: %w", address, err)
	}
	return p, nil
}

// waitServicesResolved waits for BlueZ to finish GATT discovery.
func waitServicesResolved(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("service discovery timed out: %w", ctx.Err())
		case <-ticker.C:
			resolved, err := getProperty[bool](conn, path, bluezDevice1, "ServicesResolved")
			if err == nil && resolved {
				return nil
			}
		}
	}
}

// bluezPeripheral implements Peripheral over a live BlueZ connection.
type bluezPeripheral struct {
	conn       *dbus.Conn
	address    string
	devicePath dbus.ObjectPath

	infoPath    dbus.ObjectPath
	sensorPath  dbus.ObjectPath
	controlPath dbus.ObjectPath
	configPath  dbus.ObjectPath

	mu       sync.Mutex
	done     chan struct{}
	closed   bool
	signalCh chan *dbus.Signal
}

func (p *bluezPeripheral) Address() string { return p.address }

func (p *bluezPeripheral) Done() <-chan struct{} { return p.done }

// discoverCharacteristics maps the SwissAirDry characteristic UUIDs to
// their DBus object paths under this device.
func (p *bluezPeripheral) discoverCharacteristics() error {
	root := p.conn.Object(bluezBus, "/")

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := root.Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return fmt.Errorf("enumerating gatt objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return fmt.Errorf("decoding gatt objects: %w", err)
	}

	prefix := string(p.devicePath) + "/"
	for path, ifaces := range objects {
		charProps, ok := ifaces[bluezGattChar]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		uuidVar, ok := charProps["UUID"]
		if !ok {
			continue
		}
		uuid, ok := uuidVar.Value().(string)
		if !ok {
			continue
		}

		switch strings.ToLower(uuid) {
		case CharDeviceInfoUUID:
			p.infoPath = path
		case CharSensorDataUUID:
			p.sensorPath = path
		case CharControlUUID:
			p.controlPath = path
		case CharConfigUUID:
			p.configPath = path
		}
	}

	if p.infoPath == "" || p.sensorPath == "" || p.controlPath == "" || p.configPath == "" {
		return fmt.Errorf("device %s is missing required characteristics", p.address)
	}
	return nil
}

// watchConnection subscribes to PropertiesChanged on the device object
// and closes done when the Connected property flips to false. The watch
// goroutine exits on done as well, and unregisters its channel and match
// rule on every exit path: the signal channel lives on the shared system
// bus connection, so leaving it registered would pile up deliveries for
// the lifetime of the process.
func (p *bluezPeripheral) watchConnection() error {
	matchRule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, p.devicePath,
	)
	if call := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("adding signal match: %w", call.Err)
	}

	p.signalCh = make(chan *dbus.Signal, 16)
	p.conn.Signal(p.signalCh)

	go func() {
		p.watchLoop(p.signalCh)
		p.conn.RemoveSignal(p.signalCh)
		p.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule)
	}()
	return nil
}

// watchLoop consumes device signals until the connection drops or done
// is closed by a deliberate Disconnect.
func (p *bluezPeripheral) watchLoop(signals <-chan *dbus.Signal) {
	for {
		select {
		case <-p.done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if connectionLost(sig, p.devicePath) {
				p.markDone()
				return
			}
		}
	}
}

// connectionLost reports whether sig is a PropertiesChanged for the
// device flipping Connected to false.
func connectionLost(sig *dbus.Signal, devicePath dbus.ObjectPath) bool {
	if sig.Path != devicePath || sig.Name != dbusProperties+".PropertiesChanged" {
		return false
	}
	if len(sig.Body) < 2 {
		return false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false
	}
	v, has := changed["Connected"]
	if !has {
		return false
	}
	connected, _ := v.Value().(bool)
	return !connected
}

func (p *bluezPeripheral) markDone() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// ReadDeviceInfo reads the identity record characteristic.
func (p *bluezPeripheral) ReadDeviceInfo(_ context.Context) ([]byte, error) {
	return p.readCharacteristic(p.infoPath)
}

func (p *bluezPeripheral) readCharacteristic(path dbus.ObjectPath) ([]byte, error) {
	obj := p.conn.Object(bluezBus, path)
	call := obj.Call(bluezGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("gatt read: %w", call.Err)
	}
	var data []byte
	if err := call.Store(&data); err != nil {
		return nil, fmt.Errorf("decoding gatt read: %w", err)
	}
	return data, nil
}

// Subscribe enables sensor-data notifications.
func (p *bluezPeripheral) Subscribe(_ context.Context, fn func(data []byte)) error {
	matchRule := fmt.Sprintf(
		"type='signal',sender='%s',interface='%s',member='PropertiesChanged',path='%s'",
		bluezBus, dbusProperties, p.sensorPath,
	)
	if call := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule); call.Err != nil {
		return fmt.Errorf("adding notification match: %w", call.Err)
	}

	sensorObj := p.conn.Object(bluezBus, p.sensorPath)
	if call := sensorObj.Call(bluezGattChar+".StartNotify", 0); call.Err != nil {
		return fmt.Errorf("starting notifications: %w", call.Err)
	}

	sigCh := make(chan *dbus.Signal, 64)
	p.conn.Signal(sigCh)

	go func() {
		defer func() {
			p.conn.RemoveSignal(sigCh)
			p.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, matchRule)
		}()
		for {
			select {
			case <-p.done:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if sig.Path != p.sensorPath || sig.Name != dbusProperties+".PropertiesChanged" {
					continue
				}
				if len(sig.Body) < 2 {
					continue
				}
				changed, ok := sig.Body[1].(map[string]dbus.Variant)
				if !ok {
					continue
				}
				valueVar, has := changed["Value"]
				if !has {
					continue
				}
				if data, ok := valueVar.Value().([]byte); ok && len(data) > 0 {
					fn(data)
				}
			}
		}
	}()
	return nil
}

// WriteControl writes to the control characteristic.
func (p *bluezPeripheral) WriteControl(_ context.Context, data []byte) error {
	return p.writeCharacteristic(p.controlPath, data)
}

// WriteConfig writes to the config characteristic.
func (p *bluezPeripheral) WriteConfig(_ context.Context, data []byte) error {
	return p.writeCharacteristic(p.configPath, data)
}

func (p *bluezPeripheral) writeCharacteristic(path dbus.ObjectPath, data []byte) error {
	obj := p.conn.Object(bluezBus, path)
	call := obj.Call(bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
		"type": dbus.MakeVariant("request"),
	})
	if call.Err != nil {
		return fmt.Errorf("gatt write: %w", call.Err)
	}
	return nil
}

// Disconnect tears the connection down. The watch and notification
// goroutines exit via the done channel and unregister their own signal
// channels.
func (p *bluezPeripheral) Disconnect() error {
	p.markDone()

	obj := p.conn.Object(bluezBus, p.sensorPath)
	obj.Call(bluezGattChar+".StopNotify", 0)

	deviceObj := p.conn.Object(bluezBus, p.devicePath)
	if call := deviceObj.Call(bluezDevice1+".Disconnect", 0); call.Err != nil {
		return fmt.Errorf("disconnecting %s: %w", p.address, call.Err)
	}
	return nil
}

// devicePath converts a Bluetooth address to a BlueZ object path.
// "AA:BB:CC:DD:EE:FF" becomes "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func devicePath(adapter, address string) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s",
		adapter, strings.ReplaceAll(address, ":", "_")))
}

// getProperty reads one property from a BlueZ object.
func getProperty[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	variant, err := conn.Object(bluezBus, path).GetProperty(iface + "." + property)
	if err != nil {
		return zero, err
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
