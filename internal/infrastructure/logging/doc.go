// Package logging provides the structured logger for the AirDry
// connectivity core, built on log/slog.
//
// Every record carries the service name and build version; subsystems
// add their own tag via Component so one combined stream can be
// filtered per transport:
//
//	log := logging.New(cfg.Logging, version)
//	bleLog := log.Component("ble")
//	bleLog.Info("adapter ready", "adapter", "hci0")
//
// Output format (json or text), level, and destination come from the
// logging section of config.yaml. Broker credentials and API tokens
// must never be logged.
package logging
