package mqtt

// Topic scheme:
//
//	fleet/system/status                 - fleetd online/offline (retained, LWT)
//	fleet/devices/{id}/lifecycle        - device lifecycle events (retained)
//
// Lifecycle payloads carry the event name, device id, and a timestamp;
// subscribers needing full device state fetch it over the admin API.
const topicPrefix = "fleet"

// Topics builds MQTT topic strings for the fleet namespace.
//
// It is a zero-size struct so topic construction reads as
// Topics{}.DeviceLifecycle(id) without any shared state.
type Topics struct{}

// SystemStatus returns the fleetd controller status topic.
func (Topics) SystemStatus() string {
	return topicPrefix + "/system/status"
}

// DeviceLifecycle returns the lifecycle event topic for a device.
func (Topics) DeviceLifecycle(deviceID string) string {
	return topicPrefix + "/devices/" + deviceID + "/lifecycle"
}
