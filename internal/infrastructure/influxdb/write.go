package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/swissairdry/airdry-core/internal/device"
)

// WriteSensorReading exports an accepted sensor reading to InfluxDB.
//
// This is the primary export path: the device manager calls it for every
// reading it persists, from both broker telemetry and local-link
// notifications. Only the fields present on the reading become point
// fields, so partial frames (a humidity-only sensor, say) write cleanly.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Async failures surface through the SetOnError callback, not here.
//
// Parameters:
//   - ctx: Unused for the write itself (batched), kept for interface shape
//   - deviceID: External device identifier (e.g. "dryer-01")
//   - r: The reading to export; its timestamp is used when set
func (c *Client) WriteSensorReading(_ context.Context, deviceID string, r *device.SensorReading) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	fields := map[string]interface{}{}
	if r.Temperature != nil {
		fields["temperature_c"] = *r.Temperature
	}
	if r.Humidity != nil {
		fields["humidity_pct"] = *r.Humidity
	}
	if r.Pressure != nil {
		fields["pressure_hpa"] = *r.Pressure
	}
	if r.FanSpeed != nil {
		fields["fan_speed_pct"] = *r.FanSpeed
	}
	if r.PowerConsumption != nil {
		fields["power_w"] = *r.PowerConsumption
	}
	if len(fields) == 0 {
		return nil
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	point := write.NewPoint(
		"sensor_readings",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		ts,
	)

	c.writeAPI.WritePoint(point)
	return nil
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "core-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
