package registry

import "time"

// Status is the derived, read-time classification of a device. It is
// computed from the adoption state and timestamps on every read and is
// never persisted, so a device's status can change purely by the passage
// of time.
type Status string

// Derived statuses.
const (
	// StatusPending: announced but not yet adopted.
	StatusPending Status = "pending"

	// StatusOnline: adopted and seen within the online window.
	StatusOnline Status = "online"

	// StatusOffline: adopted but silent beyond the online window.
	StatusOffline Status = "offline"

	// StatusStale: adopted but silent for a week or more. Stale devices
	// are reaper candidates.
	StatusStale Status = "stale"

	// StatusArchived: retired. Mirrors the persisted archived state.
	StatusArchived Status = "archived"
)

// Liveness thresholds.
const (
	// OnlineWindow is how recently a device must have been seen to count
	// as online. Agents heartbeat every minute, so three minutes tolerates
	// two missed beats before a device reads as offline.
	OnlineWindow = 3 * time.Minute

	// StaleAfter is how long a device must be silent before it is
	// classified stale rather than merely offline.
	StaleAfter = 7 * 24 * time.Hour
)

// Classify derives a device's status at the given instant.
//
// Adopted devices classify by lastSeenAt; pending devices classify by
// createdAt, so an announcement that was never adopted eventually reads
// as stale too. An adopted device that has never been seen classifies by
// its adoption time.
func Classify(d *Device, now time.Time) Status {
	switch d.AdoptionState {
	case StateArchived:
		return StatusArchived

	case StatePending:
		if now.Sub(d.CreatedAt) >= StaleAfter {
			return StatusStale
		}
		return StatusPending

	case StateAdopted:
		ref := d.CreatedAt
		if d.AdoptedAt != nil {
			ref = *d.AdoptedAt
		}
		if d.LastSeenAt != nil {
			ref = *d.LastSeenAt
		}
		silence := now.Sub(ref)
		switch {
		case silence >= StaleAfter:
			return StatusStale
		case silence >= OnlineWindow:
			return StatusOffline
		default:
			return StatusOnline
		}

	default:
		// Unknown states read as offline rather than panicking on
		// hand-edited database rows.
		return StatusOffline
	}
}
