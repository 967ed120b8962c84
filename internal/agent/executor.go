package agent

import (
	"encoding/json"
	"fmt"

	"github.com/openkiosk/fleetd/internal/command"
	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
	"github.com/openkiosk/fleetd/internal/registry"
)

// Hooks are the platform integration points the executor dispatches to.
// Nil hooks mean the platform cannot perform that action; the command is
// then acknowledged as failed rather than left pending forever.
type Hooks struct {
	// Refresh reloads the current page.
	Refresh func() error

	// Navigate loads a new URL without changing the stored config.
	Navigate func(url string) error

	// ApplyConfig pushes a new display config to the renderer.
	ApplyConfig func(cfg registry.DisplayConfig) error

	// Capture takes a screenshot and returns PNG bytes.
	Capture func() ([]byte, error)

	// Reboot restarts the machine. Called after the ack is sent.
	Reboot func() error

	// Identify visually identifies the kiosk (flash border, show name).
	Identify func() error
}

// ackResult is the JSON body sent with a command ack.
type ackResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Executor runs commands delivered by poll and produces ack results.
//
// Every command produces an ack, including failures: the server's queue
// is at-least-once, and only an ack stops redelivery. A command the
// platform cannot execute is acked with status "failed" and the reason.
type Executor struct {
	hooks     Hooks
	store     *ConfigStore
	logger    *logging.Logger
	screenshot func(data []byte) error // Injected by the client: uploads the capture
}

// NewExecutor creates an executor.
func NewExecutor(hooks Hooks, store *ConfigStore, logger *logging.Logger) *Executor {
	return &Executor{
		hooks:  hooks,
		store:  store,
		logger: logger.With("component", "executor"),
	}
}

// Execute runs one command and returns the ack body to send. It never
// returns an error: failures become failed ack results.
func (e *Executor) Execute(cmd command.Command) json.RawMessage {
	err := e.run(cmd)
	if err != nil {
		e.logger.Warn("command failed",
			"command_id", cmd.ID,
			"action", string(cmd.Action),
			"error", err,
		)
		return mustJSON(ackResult{Status: "failed", Error: err.Error()})
	}

	e.logger.Info("command executed",
		"command_id", cmd.ID,
		"action", string(cmd.Action),
	)
	return mustJSON(ackResult{Status: "ok"})
}

// navigatePayload is the payload shape of a navigate command.
type navigatePayload struct {
	URL string `json:"url"`
}

func (e *Executor) run(cmd command.Command) error {
	switch cmd.Action {
	case command.ActionRefresh:
		if e.hooks.Refresh == nil {
			return fmt.Errorf("refresh not supported on this platform")
		}
		return e.hooks.Refresh()

	case command.ActionNavigate:
		var p navigatePayload
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.URL == "" {
			return fmt.Errorf("navigate command requires a url")
		}
		if e.hooks.Navigate == nil {
			return fmt.Errorf("navigate not supported on this platform")
		}
		return e.hooks.Navigate(p.URL)

	case command.ActionUpdateConfig:
		var cfg registry.DisplayConfig
		if err := json.Unmarshal(cmd.Payload, &cfg); err != nil {
			return fmt.Errorf("updateConfig command carries invalid config: %w", err)
		}
		return e.applyConfig(cfg)

	case command.ActionScreenshot:
		if e.hooks.Capture == nil {
			return fmt.Errorf("screenshot not supported on this platform")
		}
		if e.screenshot == nil {
			return fmt.Errorf("screenshot upload not wired")
		}
		data, err := e.hooks.Capture()
		if err != nil {
			return fmt.Errorf("capturing screen: %w", err)
		}
		return e.screenshot(data)

	case command.ActionReboot:
		if e.hooks.Reboot == nil {
			return fmt.Errorf("reboot not supported on this platform")
		}
		// The reboot itself runs after the ack goes out; see Client.
		return nil

	case command.ActionIdentify:
		if e.hooks.Identify == nil {
			return fmt.Errorf("identify not supported on this platform")
		}
		return e.hooks.Identify()

	default:
		return fmt.Errorf("unrecognised action %q", cmd.Action)
	}
}

// applyConfig persists and applies a delivered config.
func (e *Executor) applyConfig(cfg registry.DisplayConfig) error {
	if err := e.store.Save(cfg); err != nil {
		return err
	}
	if e.hooks.ApplyConfig != nil {
		return e.hooks.ApplyConfig(cfg)
	}
	return nil
}

// mustJSON marshals a value that cannot fail to marshal.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"status":"failed","error":"encoding result"}`)
	}
	return b
}
