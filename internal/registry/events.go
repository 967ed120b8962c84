package registry

// EventPublisher receives device lifecycle notifications. The registry
// calls it after the state change has been committed, outside any device
// lock, so implementations may block briefly without stalling the
// registry.
//
// The MQTT bridge implements this in production; a nop implementation is
// used when MQTT is disabled.
type EventPublisher interface {
	// DeviceAnnounced fires when an unknown device first announces itself.
	// Re-announcements of known devices do not fire.
	DeviceAnnounced(d *Device)

	// DeviceAdopted fires when an operator adopts a pending device.
	DeviceAdopted(d *Device)

	// DeviceOnline fires when a silent device makes contact again, i.e.
	// its derived status transitions from offline or stale back to online.
	DeviceOnline(d *Device)

	// DeviceConfigChanged fires when an operator updates a device's
	// display config.
	DeviceConfigChanged(d *Device)

	// DeviceArchived fires when a device is archived by an operator or
	// the retention sweep.
	DeviceArchived(d *Device)

	// DeviceDeleted fires when a device row is removed entirely.
	DeviceDeleted(d *Device)
}

// NopEvents is an EventPublisher that discards everything.
type NopEvents struct{}

func (NopEvents) DeviceAnnounced(*Device)     {}
func (NopEvents) DeviceAdopted(*Device)       {}
func (NopEvents) DeviceOnline(*Device)        {}
func (NopEvents) DeviceConfigChanged(*Device) {}
func (NopEvents) DeviceArchived(*Device)      {}
func (NopEvents) DeviceDeleted(*Device)       {}
