package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/idlesync/internal/presence"
	"go.olrik.dev/idlesync/internal/wayland"
)

const (
	// socketRetryInterval bounds how long a missed socket event can delay
	// reconnecting to the compositor
	socketRetryInterval = 30 * time.Second

	// socketSettleDelay gives a compositor time to listen on a socket it
	// just created
	socketSettleDelay = 200 * time.Millisecond
)

// runTimer keeps the idle timer attached to the compositor. A lost
// connection is re-established once the socket comes back; holds taken
// meanwhile survive the swap.
func (d *Daemon) runTimer(ctx context.Context) error {
	for {
		source, err := d.dialIdle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("idle timer: %w", err)
		}

		if err := d.dispatcher.Do(func() error { return d.attach(source) }); err != nil {
			if errors.Is(err, presence.ErrTransportLost) {
				slog.Warn("Compositor went away while registering, retrying", "error", err)
				if err := d.dispatcher.Do(func() error {
					if d.binding == nil {
						return source.Close()
					}
					return d.binding.Detach()
				}); err != nil {
					slog.Debug("Failed to release compositor connection", "error", err)
				}
				continue
			}
			if closeErr := source.Close(); closeErr != nil {
				slog.Debug("Failed to close compositor connection", "error", closeErr)
			}
			return fmt.Errorf("idle timer: %w", err)
		}
		d.logDaemonEvent("compositor_connected", d.config.Idle.Timeout.String())

		err = d.binding.Run(ctx, &d.dispatcher)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, presence.ErrTransportLost) {
			return fmt.Errorf("idle timer: %w", err)
		}
		slog.Warn("Lost connection to the compositor", "error", err)
		d.logDaemonEvent("compositor_lost", err.Error())
	}
}

// attach hands source to the binding, creating it on first use. It must
// be called through the dispatcher.
func (d *Daemon) attach(source presence.IdleSource) error {
	if d.binding != nil {
		return d.binding.Attach(source)
	}

	binding, err := presence.NewTimerBinding(source, presence.BindingConfig{
		Timeout:      d.config.Idle.Timeout,
		IdleAction:   d.action("idle", d.idleAction),
		ResumeAction: d.action("resume", d.resumeAction),
		Observer:     d.observe,
		Logger:       slog.Default(),
	})
	if err != nil {
		return err
	}
	d.binding = binding
	close(d.ready)
	return nil
}

// connectCompositor is the default IdleDialer. It waits for the Wayland
// socket as long as it takes; only a compositor lacking the idle notifier
// or a seat is fatal.
func (d *Daemon) connectCompositor(ctx context.Context) (presence.IdleSource, error) {
	path := d.config.Idle.Socket
	if path == "" {
		path = wayland.SocketPath()
	}

	for {
		client, err := wayland.Connect(ctx, path, wayland.WithLogger(slog.Default()))
		if err == nil {
			slog.Info("Connected to compositor", "socket", path)
			return client, nil
		}
		if errors.Is(err, wayland.ErrNoIdleNotifier) || errors.Is(err, wayland.ErrNoSeat) || ctx.Err() != nil {
			return nil, err
		}

		slog.Warn("Compositor not available, waiting for its socket", "socket", path, "error", err)
		if err := waitForSocket(ctx, path, socketRetryInterval); err != nil {
			return nil, err
		}
	}
}

// waitForSocket returns once path is created in its directory, after
// interval, or with ctx's error.
func waitForSocket(ctx context.Context, path string, interval time.Duration) error {
	path = filepath.Clean(path)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("Failed to create socket watcher, polling instead", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			slog.Debug("Failed to watch socket directory, polling instead", "dir", filepath.Dir(path), "error", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Name != path || !event.Has(fsnotify.Create) {
				continue
			}
			slog.Debug("Compositor socket appeared", "socket", path)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(socketSettleDelay):
				return nil
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Debug("Socket watcher error", "error", err)
		}
	}
}

// runBridge mirrors the inhibition signal into a hold. A fatal protocol
// error only stops the bridge; idle handling goes on without it.
func (d *Daemon) runBridge(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ready:
	}

	var coord *presence.Coordinator
	d.dispatcher.Do(func() error {
		coord = d.binding.Coordinator()
		return nil
	})

	bridge := presence.NewBridge(d.inhibit, coord, &d.dispatcher, presence.BridgeConfig{
		Backoff: d.config.Inhibit.Backoff,
		Logger:  slog.Default(),
	})
	d.mu.Lock()
	d.bridge = bridge
	d.mu.Unlock()

	err := bridge.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		d.logDaemonEvent("bridge_stopped", err.Error())
	}
	return nil
}

// runActivity turns qualifying audio events into nudges, restarting the
// event stream after a backoff whenever it dies.
func (d *Daemon) runActivity(ctx context.Context) error {
	debouncer := presence.NewDebouncer(presence.DebouncerConfig{
		Window: d.config.Audio.MinInterval,
		Action: func() error {
			// Audio before the first compositor connection has nothing to nudge
			if err := d.nudge("audio")(); !errors.Is(err, errNotReady) {
				return err
			}
			return nil
		},
		Logger: slog.Default(),
	})

	for {
		err := debouncer.Run(ctx, d.activity)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff := d.config.Audio.RestartBackoff
		slog.Warn("Audio activity monitor stopped, restarting", "error", err, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nudge restarts the idle window and resumes the devices on behalf of
// source
func (d *Daemon) nudge(source string) presence.Action {
	return func() error {
		return d.dispatcher.Do(func() error {
			if d.binding == nil {
				return errNotReady
			}
			slog.Info("Activity nudge", "source", source)
			return d.binding.Nudge()
		})
	}
}

// action times fn, records its outcome and swallows its error: a failing
// TV must not tear down the idle timer.
func (d *Daemon) action(name string, fn presence.Action) presence.Action {
	if fn == nil {
		return nil
	}
	return func() error {
		start := time.Now()
		err := fn()
		duration := time.Since(start)

		if err != nil {
			slog.Error("Device action failed", "action", name, "duration", duration, "error", err)
		} else {
			slog.Info("Device action done", "action", name, "duration", duration)
		}
		if d.database != nil {
			if dbErr := d.database.LogActionEvent(name, duration, err); dbErr != nil {
				slog.Error("Failed to log action event", "action", name, "error", dbErr)
			}
		}
		return nil
	}
}

// observe records presence transitions. It runs inside the dispatcher.
func (d *Daemon) observe(kind presence.EventKind) {
	holds := 0
	if d.binding != nil {
		holds = d.binding.Coordinator().Holds()
	}

	d.mu.Lock()
	d.lastEvent = kind
	d.lastEventAt = time.Now()
	d.mu.Unlock()

	slog.Info("Presence changed", "event", kind, "holds", holds)
	if d.database != nil {
		if err := d.database.LogPresenceEvent(string(kind), eventSource(kind), holds); err != nil {
			slog.Error("Failed to log presence event", "event", kind, "error", err)
		}
	}
}

func eventSource(kind presence.EventKind) string {
	switch kind {
	case presence.EventIdle, presence.EventResume:
		return "compositor"
	case presence.EventInhibit, presence.EventUninhibit:
		return "inhibit"
	default:
		return "activity"
	}
}
