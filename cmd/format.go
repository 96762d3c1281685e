package cmd

import (
	"fmt"
	"strings"
	"time"

	"go.olrik.dev/idlesync/internal/daemon"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// formatAge renders a duration the way `status` and `history` show it:
// 45s, 12m, 3h5m, 2d4h
func formatAge(d time.Duration) string {
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) - h*60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		days := int(d.Hours()) / 24
		h := int(d.Hours()) - days*24
		if h == 0 {
			return fmt.Sprintf("%dd", days)
		}
		return fmt.Sprintf("%dd%dh", days, h)
	}
}

// stateLabel summarises what the daemon will do on the next idle edge
func stateLabel(s daemon.Status) string {
	switch {
	case !s.Compositor:
		return colorYellow + "waiting for compositor" + colorReset
	case s.Inhibited:
		return colorYellow + fmt.Sprintf("inhibited (%d %s)", s.Holds, plural(s.Holds, "hold", "holds")) + colorReset
	case s.LastEvent == "idle":
		return colorGray + "idle" + colorReset
	default:
		return colorGreen + "active" + colorReset
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// formatStatus renders the STATUS payload as text
func formatStatus(s daemon.Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%sidlesync%s %s %s(PID %d, up %s)%s\n",
		colorBold, colorReset, s.Version, colorDim, s.PID, formatAge(now.Sub(s.StartedAt)), colorReset)
	fmt.Fprintf(&b, "  State:        %s\n", stateLabel(s))
	fmt.Fprintf(&b, "  Idle timeout: %s\n", s.IdleTimeout)
	if s.Pending > 0 {
		fmt.Fprintf(&b, "  Pending:      %d superseded %s\n", s.Pending, plural(s.Pending, "notification", "notifications"))
	}

	bridge := s.Bridge
	switch {
	case bridge == "fatal":
		bridge = colorRed + bridge + colorReset
	case s.BridgeHolding:
		bridge += " (holding)"
	}
	fmt.Fprintf(&b, "  Inhibit:      %s\n", bridge)

	audio := "disabled"
	if s.Audio {
		audio = "enabled"
	}
	fmt.Fprintf(&b, "  Audio:        %s\n", audio)

	tv := "not configured"
	if s.TV != "" {
		tv = s.TV
	}
	fmt.Fprintf(&b, "  TV:           %s\n", tv)

	if s.LastEvent != "" && s.LastEventAt != nil {
		fmt.Fprintf(&b, "  Last event:   %s %s(%s ago)%s\n", s.LastEvent, colorDim, formatAge(now.Sub(*s.LastEventAt)), colorReset)
	}
	return b.String()
}
