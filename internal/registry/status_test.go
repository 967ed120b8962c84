package registry

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	ptr := func(t time.Time) *time.Time { return &t }

	tests := []struct {
		name   string
		device Device
		want   Status
	}{
		{
			name: "fresh announcement is pending",
			device: Device{
				AdoptionState: StatePending,
				CreatedAt:     now.Add(-time.Hour),
			},
			want: StatusPending,
		},
		{
			name: "week-old unadopted announcement is stale",
			device: Device{
				AdoptionState: StatePending,
				CreatedAt:     now.Add(-8 * 24 * time.Hour),
			},
			want: StatusStale,
		},
		{
			name: "adopted and recently seen is online",
			device: Device{
				AdoptionState: StateAdopted,
				LastSeenAt:    ptr(now.Add(-time.Minute)),
			},
			want: StatusOnline,
		},
		{
			name: "seen exactly at the online window boundary is offline",
			device: Device{
				AdoptionState: StateAdopted,
				LastSeenAt:    ptr(now.Add(-OnlineWindow)),
			},
			want: StatusOffline,
		},
		{
			name: "adopted and silent for an hour is offline",
			device: Device{
				AdoptionState: StateAdopted,
				LastSeenAt:    ptr(now.Add(-time.Hour)),
			},
			want: StatusOffline,
		},
		{
			name: "adopted and silent for a week is stale",
			device: Device{
				AdoptionState: StateAdopted,
				LastSeenAt:    ptr(now.Add(-StaleAfter)),
			},
			want: StatusStale,
		},
		{
			name: "adopted but never seen classifies by adoption time",
			device: Device{
				AdoptionState: StateAdopted,
				CreatedAt:     now.Add(-time.Hour),
				AdoptedAt:     ptr(now.Add(-10 * time.Minute)),
			},
			want: StatusOffline,
		},
		{
			name: "archived always reads archived regardless of liveness",
			device: Device{
				AdoptionState: StateArchived,
				LastSeenAt:    ptr(now.Add(-time.Second)),
			},
			want: StatusArchived,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&tt.device, now)
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	// The same device classifies differently as time advances, with no
	// writes involved.
	seen := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	d := Device{
		AdoptionState: StateAdopted,
		LastSeenAt:    &seen,
	}

	if got := Classify(&d, seen.Add(time.Minute)); got != StatusOnline {
		t.Errorf("at +1m got %q, want online", got)
	}
	if got := Classify(&d, seen.Add(10*time.Minute)); got != StatusOffline {
		t.Errorf("at +10m got %q, want offline", got)
	}
	if got := Classify(&d, seen.Add(8*24*time.Hour)); got != StatusStale {
		t.Errorf("at +8d got %q, want stale", got)
	}
}
