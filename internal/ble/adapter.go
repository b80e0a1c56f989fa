package ble

import "context"

// SwissAirDry GATT profile. Devices advertise the service UUID; the
// characteristics carry identity, telemetry, and the two write paths.
const (
	ServiceUUID        = "8cc6d3c8-0000-4af8-a0a8-d942d46aa1c5"
	CharDeviceInfoUUID = "8cc6d3c8-0001-4af8-a0a8-d942d46aa1c5"
	CharSensorDataUUID = "8cc6d3c8-0002-4af8-a0a8-d942d46aa1c5"
	CharControlUUID    = "8cc6d3c8-0003-4af8-a0a8-d942d46aa1c5"
	CharConfigUUID     = "8cc6d3c8-0004-4af8-a0a8-d942d46aa1c5"
)

// Advertisement is one device seen during a scan. RSSI is zero when
// the platform stack did not report a signal strength.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int16
}

// Adapter abstracts the platform Bluetooth stack. The production
// implementation talks to BlueZ over DBus; tests substitute a fake.
type Adapter interface {
	// Scan performs one bounded discovery pass filtered to the given
	// service UUID and returns every matching advertisement seen.
	Scan(ctx context.Context, serviceUUID string) ([]Advertisement, error)

	// Connect opens a connection to the address and resolves the
	// SwissAirDry GATT characteristics.
	Connect(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is one live GATT connection.
type Peripheral interface {
	// Address returns the peer's Bluetooth address.
	Address() string

	// ReadDeviceInfo reads the identity record characteristic.
	ReadDeviceInfo(ctx context.Context) ([]byte, error)

	// Subscribe enables sensor-data notifications, invoking fn for
	// each inbound frame until the connection drops or Disconnect is
	// called. fn runs on the peripheral's notification goroutine.
	Subscribe(ctx context.Context, fn func(data []byte)) error

	// WriteControl writes to the control characteristic.
	WriteControl(ctx context.Context, data []byte) error

	// WriteConfig writes to the config characteristic.
	WriteConfig(ctx context.Context, data []byte) error

	// Done is closed when the connection is lost for any reason.
	Done() <-chan struct{}

	// Disconnect tears the connection down.
	Disconnect() error
}
