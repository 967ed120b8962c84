// Package agent implements the device-side client: identity management,
// announce-and-wait adoption, authenticated polling, heartbeats, and
// command execution for a kiosk.
//
// The agent is a state machine:
//
//	unregistered      -> announce until the server assigns an id
//	awaiting adoption -> poll; 403 means "still pending", keep waiting
//	active            -> poll and heartbeat on jittered intervals
//
// A device that is deleted server-side stays in the active loop with its
// persisted id and logs authentication failures on every tick; it does
// not self-reprovision. Removing the device-id file from the state dir
// (the keypair stays) makes the agent announce afresh on restart, and the
// server recreates it as pending under the same key.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openkiosk/fleetd/internal/command"
	"github.com/openkiosk/fleetd/internal/identity"
	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
	"github.com/openkiosk/fleetd/internal/registry"
)

// Default cadences. Poll gets up to 100% jitter on top of the base so a
// site-wide power restore does not synchronise every kiosk's polls.
const (
	defaultPollInterval      = 30 * time.Second
	defaultHeartbeatInterval = 60 * time.Second
	defaultRequestTimeout    = 15 * time.Second

	// announceRetryInterval paces re-announcement while unregistered.
	announceRetryInterval = 30 * time.Second
)

// errAwaitingAdoption marks a poll refused because the device is still
// pending. Expected while waiting for an operator; not a failure.
var errAwaitingAdoption = errors.New("agent: awaiting adoption")

// Config configures the agent client.
type Config struct {
	// ServerURL is the fleetd base URL, e.g. "https://fleet.example.com".
	ServerURL string

	// StateDir holds the device keypair and assigned id.
	StateDir string

	// ConfigPath is where the delivered display config is persisted.
	ConfigPath string

	// PollInterval is the base poll cadence (jitter is added on top).
	// Zero means the default.
	PollInterval time.Duration

	// HeartbeatInterval is the heartbeat cadence. Zero means the default.
	HeartbeatInterval time.Duration
}

// Client is the device agent.
type Client struct {
	cfg      Config
	keys     *identity.KeyStore
	store    *ConfigStore
	executor *Executor
	hooks    Hooks
	logger   *logging.Logger
	http     *http.Client

	deviceID string

	// Busy guards: a slow tick is skipped by the next one, never queued
	// behind it.
	polling      atomic.Bool
	heartbeating atomic.Bool
}

// New creates an agent client.
func New(cfg Config, hooks Hooks, logger *logging.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	store := NewConfigStore(cfg.ConfigPath)
	c := &Client{
		cfg:      cfg,
		keys:     identity.NewKeyStore(cfg.StateDir),
		store:    store,
		executor: NewExecutor(hooks, store, logger),
		hooks:    hooks,
		logger:   logger.With("component", "agent"),
		http:     &http.Client{Timeout: defaultRequestTimeout},
	}
	c.executor.screenshot = c.uploadScreenshot
	return c
}

// Run drives the agent until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if _, _, err := c.keys.EnsureKeypair(); err != nil {
		return fmt.Errorf("loading device identity: %w", err)
	}

	id, err := c.keys.DeviceID()
	if err != nil {
		return fmt.Errorf("loading device id: %w", err)
	}
	c.deviceID = id

	if c.deviceID == "" {
		if err := c.announceUntilRegistered(ctx); err != nil {
			return err
		}
	}

	c.logger.Info("agent running",
		"device_id", c.deviceID,
		"server", c.cfg.ServerURL,
	)

	pollTicker := time.NewTicker(c.jitteredPoll())
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	// Poll immediately on start so a freshly adopted device picks up its
	// config without waiting a full interval.
	c.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			pollTicker.Reset(c.jitteredPoll())
			go c.pollOnce(ctx)
		case <-heartbeatTicker.C:
			go c.heartbeatOnce(ctx)
		}
	}
}

// announceUntilRegistered announces on an interval until the server
// assigns a device id.
func (c *Client) announceUntilRegistered(ctx context.Context) error {
	for {
		if err := c.announce(ctx); err != nil {
			c.logger.Warn("announce failed, retrying", "error", err)
		} else {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(announceRetryInterval):
		}
	}
}

// announce sends the self-signed announcement and persists the assigned id.
func (c *Client) announce(ctx context.Context) error {
	pub, err := c.keys.PublicKeyBase64()
	if err != nil {
		return err
	}

	body, err := json.Marshal(registry.Announcement{
		PublicKey:  pub,
		Serial:     serialNumber(),
		Mac:        primaryMAC(),
		SystemInfo: systemInfo(),
	})
	if err != nil {
		return fmt.Errorf("encoding announcement: %w", err)
	}

	var device registry.Device
	if err := c.doSigned(ctx, http.MethodPost, "/api/v1/devices/announce", body, &device); err != nil {
		return err
	}
	if device.ID == "" {
		return fmt.Errorf("server returned no device id")
	}

	if err := c.keys.SetDeviceID(device.ID); err != nil {
		return err
	}
	c.deviceID = device.ID

	c.logger.Info("announced to server",
		"device_id", device.ID,
		"state", string(device.AdoptionState),
	)
	return nil
}

// pollOnce runs a single poll cycle: fetch config and commands, apply,
// execute, ack. Skipped if the previous cycle is still running.
func (c *Client) pollOnce(ctx context.Context) {
	if !c.polling.CompareAndSwap(false, true) {
		return
	}
	defer c.polling.Store(false)

	result, err := c.poll(ctx)
	if errors.Is(err, errAwaitingAdoption) {
		c.logger.Info("awaiting adoption", "device_id", c.deviceID)
		return
	}
	if err != nil {
		c.logger.Warn("poll failed", "error", err)
		return
	}

	if result.ConfigChanged {
		c.logger.Info("config changed, applying",
			"url", result.Config.URL,
		)
		if err := c.store.Save(result.Config); err != nil {
			c.logger.Error("persisting config", "error", err)
		}
		if c.hooks.ApplyConfig != nil {
			if err := c.hooks.ApplyConfig(result.Config); err != nil {
				c.logger.Error("applying config", "error", err)
			}
		}
	}

	for _, cmd := range result.Commands {
		c.handleCommand(ctx, cmd)
	}
}

// handleCommand executes one command, acks it, and performs any deferred
// post-ack action (reboot).
func (c *Client) handleCommand(ctx context.Context, cmd command.Command) {
	result := c.executor.Execute(cmd)

	path := fmt.Sprintf("/api/v1/devices/%s/commands/%s/ack", c.deviceID, cmd.ID)
	if err := c.doSigned(ctx, http.MethodPost, path, result, nil); err != nil {
		// Not acked: the server redelivers on the next poll and the
		// executor runs it again. Commands must tolerate that.
		c.logger.Warn("command ack failed",
			"command_id", cmd.ID,
			"error", err,
		)
		return
	}

	// Reboot only after the ack landed, or the command would be
	// redelivered and executed again after every restart.
	if cmd.Action == command.ActionReboot && c.hooks.Reboot != nil {
		c.logger.Info("rebooting", "command_id", cmd.ID)
		if err := c.hooks.Reboot(); err != nil {
			c.logger.Error("reboot failed", "error", err)
		}
	}
}

// poll fetches config state and pending commands.
func (c *Client) poll(ctx context.Context) (*registry.PollResult, error) {
	var result registry.PollResult
	path := fmt.Sprintf("/api/v1/devices/%s/poll", c.deviceID)
	if err := c.doSigned(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// heartbeatOnce sends a single heartbeat. Skipped if the previous one is
// still in flight.
func (c *Client) heartbeatOnce(ctx context.Context) {
	if !c.heartbeating.CompareAndSwap(false, true) {
		return
	}
	defer c.heartbeating.Store(false)

	cfg, err := c.store.Load()
	if err != nil {
		c.logger.Warn("loading config for heartbeat", "error", err)
	}

	body, err := json.Marshal(registry.DeviceStats{
		UptimeSeconds: uptimeSeconds(),
		CurrentURL:    cfg.URL,
		IP:            localIP(),
	})
	if err != nil {
		c.logger.Error("encoding heartbeat", "error", err)
		return
	}

	path := fmt.Sprintf("/api/v1/devices/%s/heartbeat", c.deviceID)
	if err := c.doSigned(ctx, http.MethodPost, path, body, nil); err != nil && !errors.Is(err, errAwaitingAdoption) {
		c.logger.Warn("heartbeat failed", "error", err)
	}
}

// uploadScreenshot posts capture bytes to the server.
func (c *Client) uploadScreenshot(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	path := fmt.Sprintf("/api/v1/devices/%s/screenshot", c.deviceID)
	return c.doSigned(ctx, http.MethodPost, path, data, nil)
}

// doSigned sends a signed request and decodes the JSON response into out
// (if non-nil).
//
// The signature covers the exact body bytes sent, alongside method, path
// and a fresh timestamp.
func (c *Client) doSigned(ctx context.Context, method, path string, body []byte, out any) error {
	timestamp := identity.Timestamp(time.Now())
	signature, err := c.keys.Sign(identity.BuildPayload(method, path, timestamp, body))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Id", c.deviceID)
	req.Header.Set("X-Timestamp", timestamp)
	req.Header.Set("X-Signature", signature)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best effort cleanup

	if resp.StatusCode == http.StatusForbidden {
		return errAwaitingAdoption
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096)) //nolint:errcheck // Error body is advisory
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// jitteredPoll returns the base poll interval plus up to 100% jitter.
func (c *Client) jitteredPoll() time.Duration {
	return c.cfg.PollInterval + time.Duration(rand.Int63n(int64(c.cfg.PollInterval))) //nolint:gosec // Jitter needs no crypto randomness
}
