package device

import "errors"

// Sentinel errors for device operations. Callers match with errors.Is.
var (
	// ErrNotFound indicates the referenced device does not exist.
	ErrNotFound = errors.New("device not found")

	// ErrExists indicates a create collided with an existing device_id.
	ErrExists = errors.New("device already exists")

	// ErrNoTransport indicates no usable path to the device: no live
	// local link and the broker client is disconnected.
	ErrNoTransport = errors.New("no transport available")

	// ErrTransport indicates every attempted transport failed to
	// deliver the message.
	ErrTransport = errors.New("transport error")

	// ErrDispatcherClosed indicates a send was attempted after the
	// dispatcher shut down.
	ErrDispatcherClosed = errors.New("dispatcher closed")

	// ErrConfigNotFound indicates the device has no stored config row.
	ErrConfigNotFound = errors.New("device config not found")

	// ErrOTADisabled indicates the device config blocks firmware
	// update notifications.
	ErrOTADisabled = errors.New("ota disabled for device")
)

// Failure categories reported to callers and in dispatch results.
const (
	FailureNotFound    = "not_found"
	FailureNoTransport = "no_transport"
	FailureTransport   = "transport_error"
)

// FailureCategory maps a dispatch error to its reporting category.
// Unrecognized errors fall under transport_error.
func FailureCategory(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrNoTransport):
		return FailureNoTransport
	default:
		return FailureTransport
	}
}
