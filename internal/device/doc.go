// Package device holds the device model, its SQLite persistence, and
// the two components that move messages to and from devices:
//
//   - Manager consumes inbound events (status, telemetry, discovery,
//     logs, welcome, OTA reports, local-link readings) and keeps the
//     device records current.
//   - Dispatcher routes outbound commands, preferring a live local
//     link and falling back to the broker.
//
// Devices are identified externally by their device_id string; the
// numeric primary key stays internal to the store.
package device
