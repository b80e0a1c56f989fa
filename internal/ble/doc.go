// Package ble implements the local-link transport: discovery of
// SwissAirDry devices advertising the vendor GATT service, one managed
// connection per device with exponential-backoff reconnection, and the
// write path the command dispatcher prefers over the broker.
//
// The production Adapter talks to BlueZ over the system DBus; the
// Service itself is transport-agnostic and fully testable against a
// fake adapter.
package ble
