// Package events provides the shared callback registry for the AirDry core.
//
// The registry maps MQTT-style topic patterns to ordered handler lists and
// dispatches each event to every matching handler. It is transport-neutral:
// the broker client feeds it raw message payloads, while the local-link
// service feeds it already-decoded values under synthetic "ble/..." topics.
//
// # Usage
//
//	registry := events.NewRegistry(logger)
//
//	token := registry.Register("swissairdry/+/telemetry",
//	    func(topic string, payload any) error {
//	        // handle reading
//	        return nil
//	    })
//	defer registry.Unregister("swissairdry/+/telemetry", token)
//
//	registry.Dispatch("swissairdry/dryer-001/telemetry", rawPayload)
package events
