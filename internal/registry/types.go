package registry

import (
	"time"
)

// AdoptionState is the persisted lifecycle state of a device. Everything
// else about a device's liveness (online, offline, stale) is derived from
// timestamps at read time and never stored.
type AdoptionState string

// Adoption states.
const (
	// StatePending means the device has announced itself but no operator
	// has adopted it. Pending devices cannot poll or heartbeat.
	StatePending AdoptionState = "pending"

	// StateAdopted means an operator has accepted the device into the
	// fleet. Adopted devices authenticate with their bound public key.
	StateAdopted AdoptionState = "adopted"

	// StateArchived means the device has been retired by the reaper or an
	// operator. Archived devices are kept for audit but excluded from
	// normal listings.
	StateArchived AdoptionState = "archived"
)

// Valid reports whether the state is a recognised value.
func (s AdoptionState) Valid() bool {
	switch s {
	case StatePending, StateAdopted, StateArchived:
		return true
	default:
		return false
	}
}

// DisplayConfig is the operator-controlled presentation config pushed to a
// device. Devices apply it on the next poll after a change.
type DisplayConfig struct {
	Name       string  `json:"name"`
	Location   string  `json:"location"`
	URL        string  `json:"url"`
	ZoomFactor float64 `json:"zoomFactor"`
	Fullscreen bool    `json:"fullscreen"`
	Frame      bool    `json:"frame"`
}

// DeviceStats is the device-reported runtime snapshot carried on
// heartbeats. All fields are advisory.
type DeviceStats struct {
	UptimeSeconds int64  `json:"uptimeSeconds,omitempty"`
	CurrentURL    string `json:"currentUrl,omitempty"`
	IP            string `json:"ip,omitempty"`
	MemoryUsedMB  int64  `json:"memoryUsedMb,omitempty"`
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
}

// Device is a registered kiosk. The public key is the authoritative
// identity; serial and mac are OS-reported and advisory only.
type Device struct {
	ID            string         `json:"id"`
	PublicKey     string         `json:"publicKey"`
	Serial        string         `json:"serial,omitempty"`
	Mac           string         `json:"mac,omitempty"`
	AdoptionState AdoptionState  `json:"adoptionState"`
	Status        Status         `json:"status"`
	Config        DisplayConfig  `json:"config"`
	SystemInfo    map[string]any `json:"systemInfo,omitempty"`
	Stats         DeviceStats    `json:"stats"`

	FlaggedAt          *time.Time `json:"flaggedAt,omitempty"`
	ScreenshotAt       *time.Time `json:"screenshotAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	AdoptedAt          *time.Time `json:"adoptedAt,omitempty"`
	LastSeenAt         *time.Time `json:"lastSeenAt,omitempty"`
	LastPollAt         *time.Time `json:"lastPollAt,omitempty"`
	LastConfigChangeAt *time.Time `json:"lastConfigChangeAt,omitempty"`
}

// Announcement is the self-reported identity a device presents when it
// first contacts the server (and on every re-announce).
type Announcement struct {
	PublicKey  string         `json:"publicKey"`
	Serial     string         `json:"serial,omitempty"`
	Mac        string         `json:"mac,omitempty"`
	SystemInfo map[string]any `json:"systemInfo,omitempty"`
}

// AdoptionRequest carries the initial config an operator assigns when
// adopting a pending device. Zero-value fields fall back to defaults.
type AdoptionRequest struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	URL      string `json:"url"`
}

// ConfigUpdate is a partial update to a device's display config. Nil
// fields are left unchanged, so operators can adjust a single setting
// without resending the whole config.
type ConfigUpdate struct {
	Name       *string  `json:"name,omitempty"`
	Location   *string  `json:"location,omitempty"`
	URL        *string  `json:"url,omitempty"`
	ZoomFactor *float64 `json:"zoomFactor,omitempty"`
	Fullscreen *bool    `json:"fullscreen,omitempty"`
	Frame      *bool    `json:"frame,omitempty"`
}

// ListFilter narrows device listings. Zero values mean "no filter".
type ListFilter struct {
	// Status filters on derived status (online, offline, stale, pending,
	// archived). Archived devices are excluded unless explicitly
	// requested.
	Status Status

	// LastSeenBefore matches devices whose lastSeenAt is older than the
	// given instant. Devices that have never been seen also match.
	LastSeenBefore time.Time
}

// Default display config values applied at adoption when the operator
// does not specify otherwise.
const (
	DefaultZoomFactor = 1.0
	DefaultFullscreen = true
	DefaultFrame      = false
)
