package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteHeartbeat records one device heartbeat.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Zero-valued optional stats are omitted so dashboards can distinguish
// "not reported" from "reported zero".
//
// Parameters:
//   - deviceID: The device the heartbeat came from
//   - uptimeSeconds: Agent process uptime
//   - memoryUsedMB: Reported memory use (0 = not reported)
//   - cpuPercent: Reported CPU use (0 = not reported)
func (c *Client) WriteHeartbeat(deviceID string, uptimeSeconds int64, memoryUsedMB int64, cpuPercent float64) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"uptime_seconds": uptimeSeconds,
	}
	if memoryUsedMB > 0 {
		fields["memory_used_mb"] = memoryUsedMB
	}
	if cpuPercent > 0 {
		fields["cpu_percent"] = cpuPercent
	}

	point := write.NewPoint(
		"heartbeat",
		map[string]string{
			"device_id": deviceID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteFleetGauge records fleet-wide status counts.
//
// Called after retention sweeps and periodically by the controller so
// dashboards can chart fleet health over time.
//
// Parameters:
//   - online, offline, stale, pending: Device counts per derived status
func (c *Client) WriteFleetGauge(online, offline, stale, pending int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"fleet_status",
		nil,
		map[string]interface{}{
			"online":  online,
			"offline": offline,
			"stale":   stale,
			"pending": pending,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
