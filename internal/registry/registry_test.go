package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/openkiosk/fleetd/internal/command"
	"github.com/openkiosk/fleetd/internal/infrastructure/config"
	"github.com/openkiosk/fleetd/internal/infrastructure/database"
	"github.com/openkiosk/fleetd/internal/infrastructure/logging"
	_ "github.com/openkiosk/fleetd/migrations" // Register embedded migrations
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := database.Open(context.Background(), database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 1,
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")
	return New(NewSQLiteRepository(db.DB), command.NewQueue(db.DB), nil, logger)
}

// testPublicKey generates a fresh valid Ed25519 public key in wire form.
func testPublicKey(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pub)
}

func TestAnnounceCreatesPendingDevice(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{
		PublicKey:  testPublicKey(t),
		Serial:     "SN-001",
		Mac:        "aa:bb:cc:dd:ee:ff",
		SystemInfo: map[string]any{"os": "linux"},
	})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if d.ID == "" {
		t.Error("expected generated device id")
	}
	if d.AdoptionState != StatePending {
		t.Errorf("expected pending state, got %q", d.AdoptionState)
	}
	if d.Status != StatusPending {
		t.Errorf("expected pending status, got %q", d.Status)
	}
	if d.Config.ZoomFactor != DefaultZoomFactor {
		t.Errorf("expected default zoom factor, got %v", d.Config.ZoomFactor)
	}
}

func TestAnnounceRejectsBadKey(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Announce(context.Background(), Announcement{PublicKey: tt.key})
			if !errors.Is(err, ErrInvalidAnnouncement) {
				t.Errorf("expected ErrInvalidAnnouncement, got %v", err)
			}
		})
	}
}

func TestAnnounceIsIdempotentByPublicKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	key := testPublicKey(t)

	first, err := r.Announce(ctx, Announcement{PublicKey: key, Serial: "SN-001"})
	if err != nil {
		t.Fatalf("first Announce failed: %v", err)
	}

	// Same key, different advisory fields: same device, refreshed fields.
	second, err := r.Announce(ctx, Announcement{PublicKey: key, Serial: "SN-REFLASHED"})
	if err != nil {
		t.Fatalf("second Announce failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected same device id, got %q and %q", first.ID, second.ID)
	}
	if second.Serial != "SN-REFLASHED" {
		t.Errorf("expected refreshed serial, got %q", second.Serial)
	}

	devices, err := r.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 1 {
		t.Errorf("expected exactly one device, got %d", len(devices))
	}
}

func TestAnnounceAfterAdoptionKeepsState(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	key := testPublicKey(t)

	d, err := r.Announce(ctx, Announcement{PublicKey: key})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{Name: "lobby"}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	// Device reboots and re-announces. It must stay adopted.
	again, err := r.Announce(ctx, Announcement{PublicKey: key})
	if err != nil {
		t.Fatalf("re-Announce failed: %v", err)
	}
	if again.AdoptionState != StateAdopted {
		t.Errorf("expected device to remain adopted, got %q", again.AdoptionState)
	}
	if again.Config.Name != "lobby" {
		t.Errorf("expected config to survive re-announce, got %q", again.Config.Name)
	}
}

func TestAnnounceKeepsAdvisoryFieldsWhenOmitted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	key := testPublicKey(t)

	if _, err := r.Announce(ctx, Announcement{PublicKey: key, Serial: "SN-001", Mac: "aa:bb:cc:dd:ee:ff"}); err != nil {
		t.Fatalf("first Announce failed: %v", err)
	}

	// An agent that cannot read its serial re-announces without one. The
	// value the operator already saw must survive.
	again, err := r.Announce(ctx, Announcement{PublicKey: key})
	if err != nil {
		t.Fatalf("second Announce failed: %v", err)
	}
	if again.Serial != "SN-001" {
		t.Errorf("expected serial to survive empty re-announce, got %q", again.Serial)
	}
	if again.Mac != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("expected mac to survive empty re-announce, got %q", again.Mac)
	}
}

// TestAnnounceRacingAdoptNeverRevertsAdoption hammers re-announcement of
// a known device against its adoption. Announce serialises with Adopt on
// the device id lock, so whatever the interleaving, the adopted state
// written by Adopt must never be overwritten by an announce built from a
// pre-adoption read.
func TestAnnounceRacingAdoptNeverRevertsAdoption(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		key := testPublicKey(t)
		d, err := r.Announce(ctx, Announcement{PublicKey: key})
		if err != nil {
			t.Fatalf("Announce failed: %v", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 5; j++ {
				if _, err := r.Announce(ctx, Announcement{PublicKey: key}); err != nil {
					t.Errorf("re-Announce failed: %v", err)
					return
				}
			}
		}()

		if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{Name: "lobby"}); err != nil {
			t.Fatalf("Adopt failed: %v", err)
		}
		<-done

		got, err := r.Get(ctx, d.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.AdoptionState != StateAdopted {
			t.Fatalf("iteration %d: adoption reverted to %q by racing announce", i, got.AdoptionState)
		}
	}
}

func TestConcurrentAnnounceSameKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	key := testPublicKey(t)

	const n = 10
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.Announce(ctx, Announcement{PublicKey: key})
			if err != nil {
				t.Errorf("concurrent Announce failed: %v", err)
				return
			}
			ids[i] = d.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent announces produced different devices: %q vs %q", ids[0], ids[i])
		}
	}
}

func TestAdopt(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	adopted, err := r.Adopt(ctx, d.ID, AdoptionRequest{
		Name:     "lobby-north",
		Location: "Building A",
		URL:      "https://dashboard.example.com",
	})
	if err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if adopted.AdoptionState != StateAdopted {
		t.Errorf("expected adopted state, got %q", adopted.AdoptionState)
	}
	if adopted.AdoptedAt == nil {
		t.Error("expected adoptedAt to be set")
	}
	if adopted.Config.URL != "https://dashboard.example.com" {
		t.Errorf("unexpected config url %q", adopted.Config.URL)
	}
}

func TestAdoptTwiceFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{Name: "first"}); err != nil {
		t.Fatalf("first Adopt failed: %v", err)
	}

	_, err = r.Adopt(ctx, d.ID, AdoptionRequest{Name: "second"})
	if !errors.Is(err, ErrAlreadyAdopted) {
		t.Errorf("expected ErrAlreadyAdopted, got %v", err)
	}
}

func TestAdoptUnknownDevice(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Adopt(context.Background(), "no-such-id", AdoptionRequest{})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestPollRequiresAdoption(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	_, err = r.Poll(ctx, d.ID)
	if !errors.Is(err, ErrNotAdopted) {
		t.Errorf("expected ErrNotAdopted for pending device, got %v", err)
	}
}

func TestPollConfigChangedFlag(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{URL: "https://a.example.com"}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	// First poll after adoption: adoption set the config, so it changed.
	res, err := r.Poll(ctx, d.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !res.ConfigChanged {
		t.Error("expected configChanged on first poll after adoption")
	}

	// Nothing changed since: flag clears.
	res, err = r.Poll(ctx, d.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.ConfigChanged {
		t.Error("expected configChanged=false on quiet second poll")
	}

	// Operator updates config between polls.
	url := "https://b.example.com"
	if _, err := r.UpdateConfig(ctx, d.ID, ConfigUpdate{URL: &url}); err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	res, err = r.Poll(ctx, d.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !res.ConfigChanged {
		t.Error("expected configChanged after operator update")
	}
	if res.Config.URL != url {
		t.Errorf("expected new url in poll response, got %q", res.Config.URL)
	}
}

func TestPollDeliversPendingCommands(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	cmd, err := r.EnqueueCommand(ctx, d.ID, command.ActionNavigate,
		json.RawMessage(`{"url":"https://example.com"}`))
	if err != nil {
		t.Fatalf("EnqueueCommand failed: %v", err)
	}

	// Commands stay pending across polls until acknowledged.
	for i := 0; i < 2; i++ {
		res, err := r.Poll(ctx, d.ID)
		if err != nil {
			t.Fatalf("Poll %d failed: %v", i+1, err)
		}
		if len(res.Commands) != 1 || res.Commands[0].ID != cmd.ID {
			t.Fatalf("poll %d: expected the queued command, got %+v", i+1, res.Commands)
		}
	}

	if err := r.Acknowledge(ctx, d.ID, cmd.ID, json.RawMessage(`{"status":"ok"}`)); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	res, err := r.Poll(ctx, d.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(res.Commands) != 0 {
		t.Errorf("expected empty command list after ack, got %d", len(res.Commands))
	}
}

func TestUpdateConfigIsPartial(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{Name: "lobby", URL: "https://a.example.com"}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	zoom := 1.5
	updated, err := r.UpdateConfig(ctx, d.ID, ConfigUpdate{ZoomFactor: &zoom})
	if err != nil {
		t.Fatalf("UpdateConfig failed: %v", err)
	}
	if updated.Config.ZoomFactor != 1.5 {
		t.Errorf("expected zoom 1.5, got %v", updated.Config.ZoomFactor)
	}
	if updated.Config.Name != "lobby" || updated.Config.URL != "https://a.example.com" {
		t.Error("expected untouched fields to survive a partial update")
	}
}

func TestHeartbeatUpdatesLiveness(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	err = r.Heartbeat(ctx, d.ID, DeviceStats{
		UptimeSeconds: 3600,
		CurrentURL:    "https://example.com",
		IP:            "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	got, err := r.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusOnline {
		t.Errorf("expected online after heartbeat, got %q", got.Status)
	}
	if got.Stats.UptimeSeconds != 3600 || got.Stats.IP != "10.0.0.5" {
		t.Errorf("expected stats to persist, got %+v", got.Stats)
	}
}

func TestListFiltersByDerivedStatus(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	clock := base
	r.SetClock(func() time.Time { return clock })

	// One device heartbeats recently, one goes silent.
	fresh, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	silent, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	for _, id := range []string{fresh.ID, silent.ID} {
		if _, err := r.Adopt(ctx, id, AdoptionRequest{}); err != nil {
			t.Fatalf("Adopt failed: %v", err)
		}
		if err := r.Heartbeat(ctx, id, DeviceStats{}); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}

	clock = base.Add(time.Hour)
	if err := r.Heartbeat(ctx, fresh.ID, DeviceStats{}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	online, err := r.List(ctx, ListFilter{Status: StatusOnline})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(online) != 1 || online[0].ID != fresh.ID {
		t.Errorf("expected only the fresh device online, got %+v", online)
	}

	offline, err := r.List(ctx, ListFilter{Status: StatusOffline})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(offline) != 1 || offline[0].ID != silent.ID {
		t.Errorf("expected only the silent device offline, got %+v", offline)
	}
}

func TestArchiveHidesFromDefaultListing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	archived, err := r.Archive(ctx, d.ID)
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	if archived.Status != StatusArchived {
		t.Errorf("expected archived status, got %q", archived.Status)
	}

	// Archive is idempotent.
	if _, err := r.Archive(ctx, d.ID); err != nil {
		t.Fatalf("second Archive failed: %v", err)
	}

	devices, err := r.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("expected archived device hidden from default listing, got %d", len(devices))
	}

	shown, err := r.List(ctx, ListFilter{Status: StatusArchived})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(shown) != 1 {
		t.Errorf("expected archived device when asked for, got %d", len(shown))
	}
}

func TestDeleteRemovesDeviceAndCommands(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Announce(ctx, Announcement{PublicKey: testPublicKey(t)})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if _, err := r.EnqueueCommand(ctx, d.ID, command.ActionReboot, nil); err != nil {
		t.Fatalf("EnqueueCommand failed: %v", err)
	}

	if err := r.Delete(ctx, d.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, err = r.Get(ctx, d.ID)
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("expected ErrDeviceNotFound after delete, got %v", err)
	}
}

// TestAdoptionFlow walks the full lifecycle: announce, adopt, poll with
// config pickup, command round trip, heartbeat.
func TestAdoptionFlow(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	key := testPublicKey(t)

	// Device boots for the first time and announces.
	d, err := r.Announce(ctx, Announcement{PublicKey: key, Serial: "SN-42"})
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	// Polling before adoption is refused.
	if _, err := r.Poll(ctx, d.ID); !errors.Is(err, ErrNotAdopted) {
		t.Fatalf("expected ErrNotAdopted before adoption, got %v", err)
	}

	// Operator adopts with an initial config.
	if _, err := r.Adopt(ctx, d.ID, AdoptionRequest{Name: "foyer", URL: "https://kiosk.example.com"}); err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}

	// Device polls, sees its new config.
	res, err := r.Poll(ctx, d.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if !res.ConfigChanged || res.Config.URL != "https://kiosk.example.com" {
		t.Fatalf("expected config delivery on first poll, got %+v", res)
	}

	// Operator queues a navigate; device picks it up and acks.
	cmd, err := r.EnqueueCommand(ctx, d.ID, command.ActionNavigate, json.RawMessage(`{"url":"https://news.example.com"}`))
	if err != nil {
		t.Fatalf("EnqueueCommand failed: %v", err)
	}
	res, err = r.Poll(ctx, d.ID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("expected 1 pending command, got %d", len(res.Commands))
	}
	if err := r.Acknowledge(ctx, d.ID, cmd.ID, json.RawMessage(`{"status":"ok"}`)); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	// Heartbeat keeps it online.
	if err := r.Heartbeat(ctx, d.ID, DeviceStats{CurrentURL: "https://news.example.com"}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	got, err := r.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusOnline {
		t.Errorf("expected online at end of flow, got %q", got.Status)
	}
}
