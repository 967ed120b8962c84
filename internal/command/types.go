package command

import (
	"encoding/json"
	"time"
)

// Command is one admin-issued instruction queued for asynchronous pickup by
// a device. A command stays in the pending queue until the device
// acknowledges it - not until it is delivered - giving at-least-once
// delivery across repeated polls. Devices must therefore execute
// idempotently per command id.
type Command struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"deviceId"`
	Action         Action          `json:"action"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	AcknowledgedAt *time.Time      `json:"acknowledgedAt,omitempty"`
}

// Action identifies what a command instructs the device to do.
type Action string

// Action constants.
const (
	ActionRefresh      Action = "refresh"
	ActionNavigate     Action = "navigate"
	ActionUpdateConfig Action = "updateConfig"
	ActionScreenshot   Action = "screenshot"
	ActionReboot       Action = "reboot"
	ActionIdentify     Action = "identify"
)

// AllActions returns all valid action values.
func AllActions() []Action {
	return []Action{
		ActionRefresh, ActionNavigate, ActionUpdateConfig,
		ActionScreenshot, ActionReboot, ActionIdentify,
	}
}

// Valid reports whether the action is a recognised value.
func (a Action) Valid() bool {
	switch a {
	case ActionRefresh, ActionNavigate, ActionUpdateConfig,
		ActionScreenshot, ActionReboot, ActionIdentify:
		return true
	default:
		return false
	}
}
