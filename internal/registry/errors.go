package registry

import "errors"

// Domain errors for the registry package.
//
// Handlers map these to HTTP status codes via errors.Is(), so wrap rather
// than replace them when adding context.
var (
	// ErrDeviceNotFound is returned when no device matches the given id.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrAlreadyAdopted is returned when adopting a device that is not in
	// the pending state.
	ErrAlreadyAdopted = errors.New("registry: device already adopted")

	// ErrNotAdopted is returned when an operation requires an adopted
	// device (poll, heartbeat, command enqueue) but the device is pending
	// or archived.
	ErrNotAdopted = errors.New("registry: device not adopted")

	// ErrInvalidAnnouncement is returned when an announcement is missing
	// or carries a malformed public key.
	ErrInvalidAnnouncement = errors.New("registry: invalid announcement")

	// ErrDeviceArchived is returned when mutating an archived device.
	ErrDeviceArchived = errors.New("registry: device archived")
)
