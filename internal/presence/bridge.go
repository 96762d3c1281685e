package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultBridgeBackoff is the pause between reconnection attempts.
const DefaultBridgeBackoff = 5 * time.Second

// errCallback marks failures raised by coordinator hooks, which are
// returned to the caller of Run instead of being retried.
var errCallback = errors.New("inhibition callback failed")

// InhibitSignal is a remote boolean "inhibition requested" property.
type InhibitSignal interface {
	// Connect dials the transport and binds the remote object. Errors
	// wrapping ErrProtocol are fatal; anything else is retried.
	Connect(ctx context.Context) (InhibitSubscription, error)
}

// InhibitSubscription is a live binding to the remote property.
type InhibitSubscription interface {
	// Value reads the current property value.
	Value(ctx context.Context) (bool, error)
	// Changes delivers every change notification.
	Changes() <-chan bool
	// Done is closed when the transport disconnects.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
	// Close unsubscribes and disconnects.
	Close() error
}

// BridgeState is the connection state of a Bridge.
type BridgeState int32

const (
	BridgeDisconnected BridgeState = iota
	BridgeConnecting
	BridgeSubscribed
	BridgeFatal
)

func (s BridgeState) String() string {
	switch s {
	case BridgeDisconnected:
		return "disconnected"
	case BridgeConnecting:
		return "connecting"
	case BridgeSubscribed:
		return "subscribed"
	case BridgeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("BridgeState(%d)", int32(s))
	}
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Backoff is the fixed delay before reconnecting, DefaultBridgeBackoff
	// when zero
	Backoff time.Duration

	Logger *slog.Logger
}

// Bridge mirrors a remote inhibition property into coordinator holds: it
// holds exactly one token while the property is true.
type Bridge struct {
	signal     InhibitSignal
	coord      *Coordinator
	dispatcher *Dispatcher
	backoff    time.Duration
	logger     *slog.Logger

	state atomic.Int32

	// token is only touched inside the dispatcher
	token *Token
}

// NewBridge creates a bridge feeding coord. All coordinator calls go
// through dispatcher.
func NewBridge(signal InhibitSignal, coord *Coordinator, dispatcher *Dispatcher, config BridgeConfig) *Bridge {
	if config.Backoff <= 0 {
		config.Backoff = DefaultBridgeBackoff
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Bridge{
		signal:     signal,
		coord:      coord,
		dispatcher: dispatcher,
		backoff:    config.Backoff,
		logger:     config.Logger,
	}
}

// State returns the current connection state. Safe for concurrent use.
func (b *Bridge) State() BridgeState {
	return BridgeState(b.state.Load())
}

func (b *Bridge) setState(s BridgeState) {
	if old := BridgeState(b.state.Swap(int32(s))); old != s {
		b.logger.Debug("Inhibition bridge state changed", "from", old, "to", s)
	}
}

// Holding reports whether the bridge currently holds a token. It must be
// called through the dispatcher.
func (b *Bridge) Holding() bool {
	return b.token != nil
}

// Reconcile aligns the held token with value. Redundant values are no-ops.
// It must be called through the dispatcher.
func (b *Bridge) Reconcile(value bool) error {
	switch {
	case value && b.token == nil:
		b.logger.Info("Inhibition requested")
		token, err := b.coord.Inhibit()
		if token != nil {
			b.token = token
		}
		return err
	case !value && b.token != nil:
		b.logger.Info("Inhibition lifted")
		err := b.token.Release()
		// A re-entrant release leaves the hold live
		if !errors.Is(err, ErrReentrantDispatch) {
			b.token = nil
		}
		return err
	}
	return nil
}

func (b *Bridge) reconcile(value bool) error {
	return b.dispatcher.Do(func() error { return b.Reconcile(value) })
}

// Run keeps the bridge connected until ctx is cancelled or a fatal
// protocol error occurs. Transport failures are retried after the backoff.
// Any held token is released before Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	defer func() {
		if err := b.reconcile(false); err != nil {
			b.logger.Warn("Failed to release inhibition hold", "error", err)
		}
	}()

	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			b.setState(BridgeDisconnected)
			return ctx.Err()
		}
		if errors.Is(err, errCallback) {
			b.setState(BridgeDisconnected)
			return err
		}
		if errors.Is(err, ErrProtocol) {
			b.setState(BridgeFatal)
			b.logger.Error("Inhibition bridge stopped", "error", err)
			return err
		}

		b.setState(BridgeDisconnected)
		b.logger.Warn("Inhibition source disconnected, reconnecting", "error", err, "backoff", b.backoff)

		timer := time.NewTimer(b.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// session runs one connect/subscribe cycle and returns why it ended.
func (b *Bridge) session(ctx context.Context) error {
	b.setState(BridgeConnecting)
	sub, err := b.signal.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := sub.Close(); err != nil {
			b.logger.Debug("Failed to close inhibition subscription", "error", err)
		}
	}()

	value, err := sub.Value(ctx)
	if err != nil {
		return err
	}
	b.setState(BridgeSubscribed)
	b.logger.Info("Inhibition source subscribed", "inhibited", value)
	if err := b.reconcile(value); err != nil {
		return fmt.Errorf("%w: %w", errCallback, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: inhibition source closed", ErrTransportLost)
		case value, ok := <-sub.Changes():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%w: inhibition source closed", ErrTransportLost)
			}
			if err := b.reconcile(value); err != nil {
				return fmt.Errorf("%w: %w", errCallback, err)
			}
		}
	}
}
