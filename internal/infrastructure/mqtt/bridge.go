package mqtt

import (
	"encoding/json"
	"time"

	"github.com/openkiosk/fleetd/internal/registry"
)

// EventBridge publishes registry lifecycle events to MQTT. It implements
// registry.EventPublisher.
//
// Publishing is best-effort: a broker outage must never fail a device
// operation, so errors are logged and dropped. The retained flag means a
// reconnecting subscriber still sees each device's latest state.
type EventBridge struct {
	client *Client
}

// NewEventBridge wraps a connected client as an event publisher.
func NewEventBridge(client *Client) *EventBridge {
	return &EventBridge{client: client}
}

// lifecycleEvent is the wire shape of a lifecycle message.
type lifecycleEvent struct {
	Event     string `json:"event"`
	DeviceID  string `json:"deviceId"`
	Name      string `json:"name,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (b *EventBridge) DeviceAnnounced(d *registry.Device) { b.publish("announced", d) }
func (b *EventBridge) DeviceAdopted(d *registry.Device)   { b.publish("adopted", d) }
func (b *EventBridge) DeviceOnline(d *registry.Device)    { b.publish("online", d) }
func (b *EventBridge) DeviceConfigChanged(d *registry.Device) {
	b.publish("config_changed", d)
}
func (b *EventBridge) DeviceArchived(d *registry.Device) { b.publish("archived", d) }
func (b *EventBridge) DeviceDeleted(d *registry.Device)  { b.publish("deleted", d) }

func (b *EventBridge) publish(event string, d *registry.Device) {
	payload, err := json.Marshal(lifecycleEvent{
		Event:     event,
		DeviceID:  d.ID,
		Name:      d.Config.Name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}

	topic := Topics{}.DeviceLifecycle(d.ID)
	if err := b.client.PublishRetained(topic, payload); err != nil {
		if logger := b.client.getLogger(); logger != nil {
			logger.Warn("lifecycle event publish failed",
				"topic", topic,
				"event", event,
				"error", err,
			)
		}
	}
}
