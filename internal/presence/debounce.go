package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ActivityEvent is one event from a secondary activity source.
type ActivityEvent interface {
	// Qualifies reports whether the event proves someone is present.
	Qualifies() bool
}

// ActivitySource yields activity events. The channel is closed when the
// source is exhausted; a new Subscribe call starts a fresh stream.
type ActivitySource interface {
	Subscribe(ctx context.Context) (<-chan ActivityEvent, error)
}

// DebouncerConfig configures a Debouncer.
type DebouncerConfig struct {
	// Window is the minimum time between two accepted triggers
	Window time.Duration

	// Action runs for every accepted trigger
	Action Action

	// Now is the monotonic clock, time.Now when nil
	Now func() time.Time

	Logger *slog.Logger
}

// Debouncer rate-limits qualifying activity into a nudge. It is not an
// inhibitor participant.
type Debouncer struct {
	window time.Duration
	action Action
	now    func() time.Time
	logger *slog.Logger

	last  time.Time
	fired bool
}

// NewDebouncer creates a debouncer whose first qualifying event always
// fires.
func NewDebouncer(config DebouncerConfig) *Debouncer {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Action == nil {
		config.Action = func() error { return nil }
	}
	return &Debouncer{
		window: config.Window,
		action: config.Action,
		now:    config.Now,
		logger: config.Logger,
	}
}

// Trigger runs the action if more than the window has elapsed since the
// last accepted trigger. An event exactly on the boundary is dropped.
func (d *Debouncer) Trigger() (bool, error) {
	now := d.now()
	if d.fired && now.Sub(d.last) <= d.window {
		return false, nil
	}
	d.last = now
	d.fired = true
	return true, d.action()
}

// Run feeds qualifying events from source into Trigger until ctx is
// cancelled, the source is exhausted or the action fails.
func (d *Debouncer) Run(ctx context.Context, source ActivitySource) error {
	// The subscription ends with Run, whatever the reason
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := source.Subscribe(ctx)
	if err != nil {
		return err
	}

	d.logger.Info("Activity monitor started", "window", d.window)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: activity stream ended", ErrTransportLost)
			}
			if !ev.Qualifies() {
				continue
			}
			fired, err := d.Trigger()
			if err != nil {
				return err
			}
			if fired {
				d.logger.Debug("Activity detected while idle devices might be off")
			}
		}
	}
}
