package cmd

import (
	"strings"
	"testing"
	"time"

	"go.olrik.dev/idlesync/internal/daemon"
)

func TestFormatAge(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{59*time.Second + 600*time.Millisecond, "1m"},
		{12 * time.Minute, "12m"},
		{3 * time.Hour, "3h"},
		{3*time.Hour + 5*time.Minute, "3h5m"},
		{48 * time.Hour, "2d"},
		{52 * time.Hour, "2d4h"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatAge(tt.in); got != tt.want {
				t.Errorf("formatAge(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStateLabel(t *testing.T) {
	tests := []struct {
		name   string
		status daemon.Status
		want   string
	}{
		{"no compositor", daemon.Status{}, "waiting for compositor"},
		{"one hold", daemon.Status{Compositor: true, Inhibited: true, Holds: 1}, "inhibited (1 hold)"},
		{"two holds", daemon.Status{Compositor: true, Inhibited: true, Holds: 2}, "inhibited (2 holds)"},
		{"idle", daemon.Status{Compositor: true, LastEvent: "idle"}, "idle"},
		{"resumed", daemon.Status{Compositor: true, LastEvent: "resume"}, "active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripANSI(stateLabel(tt.status)); got != tt.want {
				t.Errorf("stateLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatStatus(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastAt := now.Add(-90 * time.Second)
	status := daemon.Status{
		Version:       "1.2.0",
		PID:           4242,
		StartedAt:     now.Add(-2 * time.Hour),
		IdleTimeout:   "10m0s",
		Compositor:    true,
		Registered:    true,
		Pending:       1,
		Bridge:        "subscribed",
		BridgeHolding: true,
		Audio:         true,
		TV:            "192.168.1.50",
		LastEvent:     "resume",
		LastEventAt:   &lastAt,
	}

	out := stripANSI(formatStatus(status, now))
	for _, want := range []string{
		"idlesync 1.2.0 (PID 4242, up 2h)",
		"State:        active",
		"Idle timeout: 10m0s",
		"Pending:      1 superseded notification\n",
		"Inhibit:      subscribed (holding)",
		"Audio:        enabled",
		"TV:           192.168.1.50",
		"Last event:   resume (1m ago)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("formatStatus() missing %q in:\n%s", want, out)
		}
	}

	bare := stripANSI(formatStatus(daemon.Status{Bridge: "disabled"}, now))
	for _, want := range []string{"Audio:        disabled", "TV:           not configured"} {
		if !strings.Contains(bare, want) {
			t.Errorf("formatStatus() missing %q in:\n%s", want, bare)
		}
	}
	if strings.Contains(bare, "Pending") || strings.Contains(bare, "Last event") {
		t.Errorf("formatStatus() shows empty fields:\n%s", bare)
	}
}
