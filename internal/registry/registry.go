package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openkiosk/fleetd/internal/command"
	"github.com/openkiosk/fleetd/internal/identity"
	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
)

// HeartbeatSink receives heartbeat telemetry after each recorded
// heartbeat. Implementations must not block; the InfluxDB writer batches
// asynchronously.
type HeartbeatSink interface {
	RecordHeartbeat(deviceID string, stats DeviceStats)
}

// Registry is the device registry service. It owns every state transition
// in a device's lifecycle and serialises concurrent operations per device
// so that announce races, double adoptions, and poll/config-update
// interleavings cannot corrupt state.
//
// Locking model: a keyed mutex per device id guards all operations on a
// known device, and a keyed mutex per public key guards announcement,
// where no device id exists yet. A re-announce that resolves its key to
// an existing device additionally takes that device's id lock (key lock
// first, then id lock) so it serialises with adopt and poll. Operations
// on different devices never contend.
type Registry struct {
	repo      *SQLiteRepository
	queue     *command.Queue
	events    EventPublisher
	telemetry HeartbeatSink
	logger    *logging.Logger

	// now is injectable for tests.
	now func() time.Time

	byID  keyedMutex
	byKey keyedMutex
}

// New creates a registry.
//
// Parameters:
//   - repo: Device persistence
//   - queue: Command queue (shares the repo's database)
//   - events: Lifecycle event sink (use NopEvents to discard)
//   - logger: Structured logger
func New(repo *SQLiteRepository, queue *command.Queue, events EventPublisher, logger *logging.Logger) *Registry {
	if events == nil {
		events = NopEvents{}
	}
	return &Registry{
		repo:   repo,
		queue:  queue,
		events: events,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// PollResult is what a device receives from a poll: whether its config
// changed since its previous poll, the current config, and all pending
// commands oldest first.
type PollResult struct {
	ConfigChanged bool              `json:"configChanged"`
	Config        DisplayConfig     `json:"config"`
	Commands      []command.Command `json:"commands"`
}

// Announce registers a device or refreshes a known one.
//
// Identity resolution is by public key alone. If the key is unknown, a
// new pending device is created. If it is known, the existing device is
// returned with its advisory fields (serial, mac, systemInfo) refreshed
// from whatever the announcement reports non-empty, so an agent that
// cannot read its serial does not blank one an operator has already seen;
// adoption state is never touched, so a re-announcing adopted device
// stays adopted and a replayed announcement cannot create duplicates.
func (r *Registry) Announce(ctx context.Context, a Announcement) (*Device, error) {
	if a.PublicKey == "" {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidAnnouncement)
	}
	if _, err := identity.DecodePublicKey(a.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}

	// Lock on the public key: the device has no id yet on first contact,
	// and two racing announcements with the same key must serialise.
	unlock := r.byKey.lock(a.PublicKey)
	defer unlock()

	existing, err := r.repo.GetByPublicKey(ctx, a.PublicKey)
	if err == nil {
		// The key resolved to a known device, so its other operations
		// (adopt, poll, heartbeat) serialise on the id lock. Take it too,
		// always key first then id, and re-read under it: the full-row
		// Update below must not be built from a row another writer has
		// since replaced.
		unlockID := r.byID.lock(existing.ID)
		defer unlockID()
		existing, err = r.repo.GetByID(ctx, existing.ID)
		if err != nil {
			return nil, err
		}

		if a.Serial != "" {
			existing.Serial = a.Serial
		}
		if a.Mac != "" {
			existing.Mac = a.Mac
		}
		if a.SystemInfo != nil {
			existing.SystemInfo = a.SystemInfo
		}
		now := r.now().UTC()
		existing.LastSeenAt = &now
		if err := r.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		r.finishRead(existing)
		return existing, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	now := r.now().UTC()
	d := &Device{
		ID:            uuid.NewString(),
		PublicKey:     a.PublicKey,
		Serial:        a.Serial,
		Mac:           a.Mac,
		AdoptionState: StatePending,
		SystemInfo:    a.SystemInfo,
		Config: DisplayConfig{
			ZoomFactor: DefaultZoomFactor,
			Fullscreen: DefaultFullscreen,
			Frame:      DefaultFrame,
		},
		CreatedAt: now,
	}
	if err := r.repo.Create(ctx, d); err != nil {
		return nil, err
	}

	r.logger.Info("device announced",
		"device_id", d.ID,
		"serial", d.Serial,
	)
	r.events.DeviceAnnounced(d)
	r.finishRead(d)
	return d, nil
}

// Adopt transitions a pending device to adopted and assigns its initial
// config. Adopting a device that is not pending fails with
// ErrAlreadyAdopted (adopted) or ErrDeviceArchived (archived).
func (r *Registry) Adopt(ctx context.Context, deviceID string, req AdoptionRequest) (*Device, error) {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	switch d.AdoptionState {
	case StateAdopted:
		return nil, ErrAlreadyAdopted
	case StateArchived:
		return nil, ErrDeviceArchived
	}

	now := r.now().UTC()
	d.AdoptionState = StateAdopted
	d.AdoptedAt = &now
	d.LastConfigChangeAt = &now
	d.Config.Name = req.Name
	d.Config.Location = req.Location
	d.Config.URL = req.URL
	if d.Config.ZoomFactor == 0 {
		d.Config.ZoomFactor = DefaultZoomFactor
	}

	if err := r.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	r.logger.Info("device adopted",
		"device_id", d.ID,
		"name", d.Config.Name,
	)
	r.events.DeviceAdopted(d)
	r.finishRead(d)
	return d, nil
}

// UpdateConfig applies a partial display config update and bumps the
// config change marker so the device picks it up on its next poll.
func (r *Registry) UpdateConfig(ctx context.Context, deviceID string, upd ConfigUpdate) (*Device, error) {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.AdoptionState == StateArchived {
		return nil, ErrDeviceArchived
	}

	if upd.Name != nil {
		d.Config.Name = *upd.Name
	}
	if upd.Location != nil {
		d.Config.Location = *upd.Location
	}
	if upd.URL != nil {
		d.Config.URL = *upd.URL
	}
	if upd.ZoomFactor != nil {
		d.Config.ZoomFactor = *upd.ZoomFactor
	}
	if upd.Fullscreen != nil {
		d.Config.Fullscreen = *upd.Fullscreen
	}
	if upd.Frame != nil {
		d.Config.Frame = *upd.Frame
	}

	now := r.now().UTC()
	d.LastConfigChangeAt = &now

	if err := r.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	r.logger.Info("device config updated", "device_id", d.ID)
	r.events.DeviceConfigChanged(d)
	r.finishRead(d)
	return d, nil
}

// Poll handles an authenticated device poll. The config-changed flag
// compares the config change marker against the device's PREVIOUS poll,
// then both last-seen and last-poll move to now, all under the device
// lock so a config update can never fall between the comparison and the
// marker advance.
func (r *Registry) Poll(ctx context.Context, deviceID string) (*PollResult, error) {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.AdoptionState != StateAdopted {
		return nil, ErrNotAdopted
	}

	wasSilent := false
	now := r.now().UTC()
	switch Classify(d, now) {
	case StatusOffline, StatusStale:
		wasSilent = true
	}

	configChanged := d.LastConfigChangeAt != nil &&
		(d.LastPollAt == nil || d.LastConfigChangeAt.After(*d.LastPollAt))

	d.LastSeenAt = &now
	d.LastPollAt = &now
	if err := r.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	pending, err := r.queue.ListPending(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		pending = []command.Command{}
	}

	if wasSilent {
		r.logger.Info("device back online", "device_id", d.ID)
		r.events.DeviceOnline(d)
	}

	return &PollResult{
		ConfigChanged: configChanged,
		Config:        d.Config,
		Commands:      pending,
	}, nil
}

// Heartbeat records a device's liveness and runtime stats. Only adopted
// devices may heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string, stats DeviceStats) error {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.AdoptionState != StateAdopted {
		return ErrNotAdopted
	}

	wasSilent := false
	now := r.now().UTC()
	switch Classify(d, now) {
	case StatusOffline, StatusStale:
		wasSilent = true
	}

	d.Stats = stats
	d.LastSeenAt = &now
	if err := r.repo.Update(ctx, d); err != nil {
		return err
	}

	if wasSilent {
		r.logger.Info("device back online", "device_id", d.ID)
		r.events.DeviceOnline(d)
	}
	if r.telemetry != nil {
		r.telemetry.RecordHeartbeat(d.ID, stats)
	}
	return nil
}

// SetTelemetry attaches an optional heartbeat telemetry sink.
func (r *Registry) SetTelemetry(sink HeartbeatSink) {
	r.telemetry = sink
}

// EnqueueCommand queues a command for an adopted device.
func (r *Registry) EnqueueCommand(ctx context.Context, deviceID string, action command.Action, payload json.RawMessage) (*command.Command, error) {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.AdoptionState != StateAdopted {
		return nil, ErrNotAdopted
	}

	cmd, err := r.queue.Enqueue(ctx, deviceID, action, payload)
	if err != nil {
		return nil, err
	}

	r.logger.Info("command queued",
		"device_id", deviceID,
		"command_id", cmd.ID,
		"action", string(cmd.Action),
	)
	return cmd, nil
}

// Acknowledge records a device's command result and removes the command
// from its pending queue. Acks for unknown or already-acknowledged
// commands succeed silently; devices retry acks after dropped responses.
func (r *Registry) Acknowledge(ctx context.Context, deviceID, commandID string, result json.RawMessage) error {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.AdoptionState != StateAdopted {
		return ErrNotAdopted
	}

	now := r.now().UTC()
	d.LastSeenAt = &now
	if err := r.repo.Update(ctx, d); err != nil {
		return err
	}

	return r.queue.Acknowledge(ctx, deviceID, commandID, result)
}

// Get returns a single device with its derived status filled in.
func (r *Registry) Get(ctx context.Context, deviceID string) (*Device, error) {
	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	r.finishRead(d)
	return d, nil
}

// GetByPublicKey returns the device bound to a public key. Used by the
// authentication middleware to resolve signing identities.
func (r *Registry) GetByPublicKey(ctx context.Context, publicKey string) (*Device, error) {
	d, err := r.repo.GetByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	r.finishRead(d)
	return d, nil
}

// List returns devices matching the filter, newest first, each with its
// derived status. Archived devices are hidden unless the filter asks for
// them.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*Device, error) {
	all, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	devices := make([]*Device, 0, len(all))
	for _, d := range all {
		d.Status = Classify(d, now)

		if filter.Status == "" && d.AdoptionState == StateArchived {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if !filter.LastSeenBefore.IsZero() {
			if d.LastSeenAt != nil && !d.LastSeenAt.Before(filter.LastSeenBefore) {
				continue
			}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Delete removes a device and its commands entirely. Prefer Archive for
// adopted devices; Delete exists for pending junk and explicit operator
// removal.
func (r *Registry) Delete(ctx context.Context, deviceID string) error {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := r.repo.Delete(ctx, deviceID); err != nil {
		return err
	}

	r.logger.Info("device deleted", "device_id", deviceID)
	r.events.DeviceDeleted(d)
	return nil
}

// Archive transitions a device to the archived state. Archived devices
// keep their history but can no longer authenticate.
func (r *Registry) Archive(ctx context.Context, deviceID string) (*Device, error) {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.AdoptionState == StateArchived {
		r.finishRead(d)
		return d, nil // Idempotent
	}

	d.AdoptionState = StateArchived
	if err := r.repo.Update(ctx, d); err != nil {
		return nil, err
	}

	r.logger.Info("device archived", "device_id", deviceID)
	r.events.DeviceArchived(d)
	r.finishRead(d)
	return d, nil
}

// Flag marks a device for operator attention (set by the retention sweep
// on long-offline devices). Flagging is idempotent.
func (r *Registry) Flag(ctx context.Context, deviceID string) error {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if d.FlaggedAt != nil {
		return nil
	}

	now := r.now().UTC()
	d.FlaggedAt = &now
	return r.repo.Update(ctx, d)
}

// RecordScreenshot stamps the time a device last uploaded a screenshot.
func (r *Registry) RecordScreenshot(ctx context.Context, deviceID string) error {
	unlock := r.byID.lock(deviceID)
	defer unlock()

	d, err := r.repo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}

	now := r.now().UTC()
	d.ScreenshotAt = &now
	d.LastSeenAt = &now
	return r.repo.Update(ctx, d)
}

// SetClock overrides the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// finishRead fills derived fields before a device leaves the registry.
func (r *Registry) finishRead(d *Device) {
	d.Status = Classify(d, r.now().UTC())
}

// keyedMutex provides one mutex per string key. Entries are reference
// counted and removed when the last holder unlocks, so the map does not
// grow with fleet size.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
