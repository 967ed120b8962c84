// Package reaper implements the retention sweep: periodic cleanup of
// devices that have gone quiet for good.
//
// Three thresholds apply, all measured against last contact (or creation
// for devices that never made contact):
//
//   - pending devices older than the pending-delete threshold are removed,
//     clearing announcement junk that no operator ever adopted
//   - adopted devices silent past the flag threshold are flagged for
//     operator attention
//   - adopted devices silent past the archive threshold are archived
//
// The sweep is dry-run by default: it reports what it would do without
// touching anything. Destructive sweeps require the confirm flag in the
// retention config.
package reaper

import (
	"context"
	"time"

	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
	"github.com/openkiosk/fleetd/internal/registry"
)

// Config controls sweep cadence and thresholds.
type Config struct {
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// Confirm enables destructive actions. When false every sweep is a
	// dry run.
	Confirm bool

	// PendingDeleteAfter is how old an unadopted announcement must be
	// before deletion.
	PendingDeleteAfter time.Duration

	// OfflineFlagAfter is how long an adopted device must be silent
	// before it is flagged.
	OfflineFlagAfter time.Duration

	// ArchiveAfter is how long an adopted device must be silent before it
	// is archived.
	ArchiveAfter time.Duration
}

// Report summarises one sweep. In a dry run the slices list what WOULD
// have happened.
type Report struct {
	DryRun    bool      `json:"dryRun"`
	SweptAt   time.Time `json:"sweptAt"`
	Examined  int       `json:"examined"`
	Deleted   []string  `json:"deleted"`
	Flagged   []string  `json:"flagged"`
	Archived  []string  `json:"archived"`
}

// Reaper runs retention sweeps against the registry.
type Reaper struct {
	reg    *registry.Registry
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

// New creates a reaper.
func New(reg *registry.Registry, cfg Config, logger *logging.Logger) *Reaper {
	return &Reaper{
		reg:    reg,
		cfg:    cfg,
		logger: logger.With("component", "reaper"),
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
// The first sweep happens one interval after start, not immediately, so a
// crash-looping server does not hammer the cleanup path.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("retention sweep scheduled",
		"interval", r.cfg.SweepInterval.String(),
		"confirm", r.cfg.Confirm,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("retention sweep failed", "error", err)
				continue
			}
			r.logger.Info("retention sweep complete",
				"dry_run", report.DryRun,
				"examined", report.Examined,
				"deleted", len(report.Deleted),
				"flagged", len(report.Flagged),
				"archived", len(report.Archived),
			)
		}
	}
}

// Sweep runs one pass over the fleet and returns what was (or would be)
// done. Sweeping is idempotent: a second pass over the same fleet state
// finds nothing left to do.
func (r *Reaper) Sweep(ctx context.Context) (*Report, error) {
	now := r.now().UTC()
	report := &Report{
		DryRun:   !r.cfg.Confirm,
		SweptAt:  now,
		Deleted:  []string{},
		Flagged:  []string{},
		Archived: []string{},
	}

	devices, err := r.reg.List(ctx, registry.ListFilter{})
	if err != nil {
		return nil, err
	}
	report.Examined = len(devices)

	for _, d := range devices {
		silence := now.Sub(lastContact(d))

		switch d.AdoptionState {
		case registry.StatePending:
			if silence < r.cfg.PendingDeleteAfter {
				continue
			}
			report.Deleted = append(report.Deleted, d.ID)
			if r.cfg.Confirm {
				if err := r.reg.Delete(ctx, d.ID); err != nil {
					return nil, err
				}
			}

		case registry.StateAdopted:
			if silence >= r.cfg.ArchiveAfter {
				report.Archived = append(report.Archived, d.ID)
				if r.cfg.Confirm {
					if _, err := r.reg.Archive(ctx, d.ID); err != nil {
						return nil, err
					}
				}
				continue
			}
			if silence >= r.cfg.OfflineFlagAfter && d.FlaggedAt == nil {
				report.Flagged = append(report.Flagged, d.ID)
				if r.cfg.Confirm {
					if err := r.reg.Flag(ctx, d.ID); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	return report, nil
}

// CleanupRequest narrows an on-demand cleanup to devices matching
// explicit criteria instead of the configured thresholds.
type CleanupRequest struct {
	// OlderThan matches devices last seen before this instant (devices
	// never seen also match). Zero means no time cutoff.
	OlderThan time.Time `json:"olderThan"`

	// Status limits matching to these derived statuses. Empty means any.
	Status []registry.Status `json:"status"`

	// DryRun defaults to true when omitted: deletion must be asked for.
	DryRun *bool `json:"dryRun"`
}

// Cleanup deletes devices matching the request. Unlike Sweep, which
// applies the tiered retention thresholds, Cleanup is a targeted bulk
// delete: the dry-run report lists exactly the ids a confirmed run would
// remove, so operators can preview before committing.
func (r *Reaper) Cleanup(ctx context.Context, req CleanupRequest) (*Report, error) {
	now := r.now().UTC()
	dryRun := req.DryRun == nil || *req.DryRun
	report := &Report{
		DryRun:   dryRun,
		SweptAt:  now,
		Deleted:  []string{},
		Flagged:  []string{},
		Archived: []string{},
	}

	// One List per requested status: a device has exactly one derived
	// status, so the batches never overlap. Archived devices only appear
	// when status=archived is asked for, same as the admin list.
	var matched []*registry.Device
	if len(req.Status) == 0 {
		var err error
		matched, err = r.reg.List(ctx, registry.ListFilter{LastSeenBefore: req.OlderThan})
		if err != nil {
			return nil, err
		}
	} else {
		for _, st := range req.Status {
			batch, err := r.reg.List(ctx, registry.ListFilter{Status: st, LastSeenBefore: req.OlderThan})
			if err != nil {
				return nil, err
			}
			matched = append(matched, batch...)
		}
	}
	report.Examined = len(matched)

	for _, d := range matched {
		report.Deleted = append(report.Deleted, d.ID)
		if !dryRun {
			if err := r.reg.Delete(ctx, d.ID); err != nil {
				return nil, err
			}
		}
	}

	if !dryRun {
		r.logger.Info("targeted cleanup complete",
			"examined", report.Examined,
			"deleted", len(report.Deleted),
		)
	}
	return report, nil
}

// SetClock overrides the reaper's time source. Tests only.
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// lastContact returns the reference instant for silence measurement.
func lastContact(d *registry.Device) time.Time {
	if d.LastSeenAt != nil {
		return *d.LastSeenAt
	}
	if d.AdoptedAt != nil {
		return *d.AdoptedAt
	}
	return d.CreatedAt
}
