package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Registration is a transport-side watch for the next idle/resume edge.
type Registration interface {
	Destroy() error
}

// IdleSource is the compositor side of a TimerBinding.
type IdleSource interface {
	// Watch creates a registration that calls idled once the seat has been
	// inactive for timeout and resumed on the following activity.
	Watch(timeout time.Duration, idled, resumed func() error) (Registration, error)
	// Ready is signalled whenever Dispatch has events to deliver.
	Ready() <-chan struct{}
	// Dispatch delivers every queued event synchronously.
	Dispatch() error
	// Close releases the seat and the notifier and disconnects.
	Close() error
}

// Action is an externally supplied device action. Its errors are returned
// to whoever triggered it; the engine never retries.
type Action func() error

// EventKind names a presence transition for observers.
type EventKind string

const (
	EventIdle      EventKind = "idle"
	EventResume    EventKind = "resume"
	EventInhibit   EventKind = "inhibit"
	EventUninhibit EventKind = "uninhibit"
	EventReset     EventKind = "reset"
)

// BindingConfig configures a TimerBinding.
type BindingConfig struct {
	// Timeout is the inactivity window handed to the compositor
	Timeout time.Duration

	// IdleAction runs on an uninhibited idle edge
	IdleAction Action

	// ResumeAction runs on resume edges, on the first hold and on nudges
	ResumeAction Action

	// Observer, when set, is told about every transition after it happened
	Observer func(EventKind)

	Logger *slog.Logger
}

// TimerBinding binds a Coordinator to an IdleSource. It owns the current
// registration and the set of superseded registrations that cannot be
// destroyed yet because an event for them may still be in flight.
//
// All methods must be called through the Dispatcher shared with the other
// loops, except Run which takes the lock itself.
type TimerBinding struct {
	source   IdleSource
	coord    *Coordinator
	timeout  time.Duration
	idle     Action
	resume   Action
	observer func(EventKind)
	logger   *slog.Logger

	current Registration
	pending []Registration
}

// NewTimerBinding creates a binding on source and registers the first
// idle notification.
func NewTimerBinding(source IdleSource, config BindingConfig) (*TimerBinding, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: no idle source", ErrInitialization)
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("%w: idle timeout must be positive", ErrInitialization)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.IdleAction == nil {
		config.IdleAction = func() error { return nil }
	}
	if config.ResumeAction == nil {
		config.ResumeAction = func() error { return nil }
	}

	b := &TimerBinding{
		source:   source,
		timeout:  config.Timeout,
		idle:     config.IdleAction,
		resume:   config.ResumeAction,
		observer: config.Observer,
		logger:   config.Logger,
	}
	b.coord = NewCoordinator(b, config.Logger)

	if err := b.Register(); err != nil {
		return nil, err
	}
	return b, nil
}

// Coordinator returns the coordinator driven by this binding.
func (b *TimerBinding) Coordinator() *Coordinator {
	return b.coord
}

// Registered reports whether a current registration exists.
func (b *TimerBinding) Registered() bool {
	return b.current != nil
}

// Pending returns the number of superseded registrations awaiting
// destruction.
func (b *TimerBinding) Pending() int {
	return len(b.pending)
}

// Attached reports whether the binding currently has an idle source.
func (b *TimerBinding) Attached() bool {
	return b.source != nil
}

// Attach hands a fresh idle source to a detached binding, for example after
// the compositor restarted. Holds survive the swap: a new registration is
// only created while the coordinator is uninhibited.
func (b *TimerBinding) Attach(source IdleSource) error {
	if source == nil {
		return fmt.Errorf("%w: no idle source", ErrInitialization)
	}
	if b.source != nil {
		return errors.New("idle source already attached")
	}
	b.source = source
	if b.coord.Inhibited() {
		return nil
	}
	return b.Register()
}

// Register starts watching for idleness unless a registration exists. It
// is a no-op while detached.
func (b *TimerBinding) Register() error {
	if b.current != nil || b.source == nil {
		return nil
	}
	b.logger.Debug("Registering idle notification", "timeout", b.timeout)
	reg, err := b.source.Watch(b.timeout, b.coord.IdleEdge, b.coord.ResumeEdge)
	if err != nil {
		return fmt.Errorf("failed to register idle notification: %w", err)
	}
	b.current = reg
	return nil
}

// Deregister destroys the current registration and drains the pending set.
func (b *TimerBinding) Deregister() error {
	var errs []error
	if b.current != nil {
		b.logger.Debug("Deregistering idle notification")
		if err := b.current.Destroy(); err != nil {
			errs = append(errs, err)
		}
		b.current = nil
	}
	if err := b.drainPending(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reset restarts the idle window after out-of-band proof of activity. The
// current registration moves to the pending set first and is only
// destroyed on the next resume edge, since an event for it may already be
// queued.
func (b *TimerBinding) Reset() error {
	b.logger.Debug("Resetting idle notification", "pending", len(b.pending))
	if b.current != nil {
		b.pending = append(b.pending, b.current)
		b.current = nil
	}
	if err := b.Register(); err != nil {
		return err
	}
	b.notify(EventReset)
	return nil
}

// Nudge resets the idle window and runs the resume action. It does not
// take a hold.
func (b *TimerBinding) Nudge() error {
	if err := b.Reset(); err != nil {
		return err
	}
	return b.resume()
}

func (b *TimerBinding) drainPending() error {
	if len(b.pending) == 0 {
		return nil
	}
	b.logger.Debug("Destroying superseded idle notifications", "count", len(b.pending))
	var errs []error
	for _, reg := range b.pending {
		if err := reg.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	b.pending = nil
	return errors.Join(errs...)
}

// OnIdle implements Hooks.
func (b *TimerBinding) OnIdle() error {
	if err := b.idle(); err != nil {
		return err
	}
	b.notify(EventIdle)
	return nil
}

// OnResume implements Hooks.
func (b *TimerBinding) OnResume() error {
	if err := b.drainPending(); err != nil {
		return err
	}
	if err := b.resume(); err != nil {
		return err
	}
	b.notify(EventResume)
	if b.coord.Inhibited() {
		return b.Deregister()
	}
	return nil
}

// OnFirstInhibit implements Hooks. Entering inhibition counts as presence.
func (b *TimerBinding) OnFirstInhibit() error {
	if err := b.Deregister(); err != nil {
		return err
	}
	b.notify(EventInhibit)
	return b.resume()
}

// OnLastUninhibit implements Hooks.
func (b *TimerBinding) OnLastUninhibit() error {
	if err := b.Register(); err != nil {
		return err
	}
	b.notify(EventUninhibit)
	return nil
}

func (b *TimerBinding) notify(kind EventKind) {
	if b.observer != nil {
		b.observer(kind)
	}
}

// Run dispatches idle source events until ctx is cancelled or dispatch
// fails. The binding is detached on every exit path; Attach makes it
// runnable again.
func (b *TimerBinding) Run(ctx context.Context, d *Dispatcher) error {
	var source IdleSource
	if err := d.Do(func() error {
		if b.source == nil {
			return fmt.Errorf("%w: no idle source attached", ErrInitialization)
		}
		source = b.source
		return nil
	}); err != nil {
		return err
	}
	defer func() {
		if err := d.Do(b.Detach); err != nil {
			b.logger.Warn("Failed to release idle source", "error", err)
		}
	}()

	b.logger.Info("Idle timer started", "timeout", b.timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-source.Ready():
			if err := d.Do(source.Dispatch); err != nil {
				return err
			}
		}
	}
}

// Detach destroys every registration, then closes the idle source, in that
// order. Detaching a detached binding is a no-op.
func (b *TimerBinding) Detach() error {
	if b.source == nil {
		return nil
	}
	err := errors.Join(b.Deregister(), b.source.Close())
	b.source = nil
	return err
}
