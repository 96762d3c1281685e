// Package powermgmt follows the freedesktop PowerManagement inhibit flag
// on the session bus.
package powermgmt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"go.olrik.dev/idlesync/internal/presence"
)

const (
	BusName    = "org.freedesktop.PowerManagement.Inhibit"
	ObjectPath = dbus.ObjectPath("/org/freedesktop/PowerManagement/Inhibit")
	Interface  = "org.freedesktop.PowerManagement.Inhibit"

	methodHasInhibit        = "HasInhibit"
	signalHasInhibitChanged = "HasInhibitChanged"
)

// D-Bus error names that mean the service is missing or speaks something
// else
var protocolErrorNames = []string{
	"org.freedesktop.DBus.Error.ServiceUnknown",
	"org.freedesktop.DBus.Error.NameHasNoOwner",
	"org.freedesktop.DBus.Error.UnknownMethod",
	"org.freedesktop.DBus.Error.UnknownInterface",
	"org.freedesktop.DBus.Error.UnknownObject",
	"org.freedesktop.DBus.Error.InvalidArgs",
}

// Dialer opens a bus connection
type Dialer func(ctx context.Context) (*dbus.Conn, error)

// SessionBus dials a private session bus connection that delivers signals
// in order.
func SessionBus(ctx context.Context) (*dbus.Conn, error) {
	return dbus.ConnectSessionBus(
		dbus.WithContext(ctx),
		dbus.WithSignalHandler(dbus.NewSequentialSignalHandler()),
	)
}

// Signal implements presence.InhibitSignal on the PowerManagement
// inhibit service.
type Signal struct {
	dial   Dialer
	logger *slog.Logger
}

// Option configures a Signal
type Option func(*Signal)

// WithDialer replaces the session bus dialer
func WithDialer(dial Dialer) Option {
	return func(s *Signal) { s.dial = dial }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Signal) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Signal {
	s := &Signal{dial: SessionBus, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the bus, checks the service exposes the inhibit interface
// and subscribes to HasInhibitChanged. An unreachable bus is a transient
// error; a missing service or one without the expected interface is a
// protocol error.
func (s *Signal) Connect(ctx context.Context) (presence.InhibitSubscription, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}

	obj := conn.Object(BusName, ObjectPath)
	node, err := introspect.Call(obj)
	if err != nil {
		conn.Close()
		return nil, introspectError(err)
	}
	if err := checkInterface(node); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(ObjectPath),
		dbus.WithMatchInterface(Interface),
		dbus.WithMatchMember(signalHasInhibitChanged),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", signalHasInhibitChanged, err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)

	sub := newSubscription(conn, obj, signals)
	go sub.loop()
	s.logger.Debug("Subscribed to inhibit signal", "service", BusName)
	return sub, nil
}

// checkInterface verifies the introspected object carries HasInhibit and
// HasInhibitChanged.
func checkInterface(node *introspect.Node) error {
	if node == nil {
		return fmt.Errorf("%w: %s has no introspection data", presence.ErrProtocol, ObjectPath)
	}
	i := slices.IndexFunc(node.Interfaces, func(iface introspect.Interface) bool {
		return iface.Name == Interface
	})
	if i < 0 {
		return fmt.Errorf("%w: %s does not implement %s", presence.ErrProtocol, ObjectPath, Interface)
	}
	iface := node.Interfaces[i]
	if !slices.ContainsFunc(iface.Methods, func(m introspect.Method) bool { return m.Name == methodHasInhibit }) {
		return fmt.Errorf("%w: %s lacks method %s", presence.ErrProtocol, Interface, methodHasInhibit)
	}
	if !slices.ContainsFunc(iface.Signals, func(s introspect.Signal) bool { return s.Name == signalHasInhibitChanged }) {
		return fmt.Errorf("%w: %s lacks signal %s", presence.ErrProtocol, Interface, signalHasInhibitChanged)
	}
	return nil
}

// introspectError tags a failed introspection of the inhibit service. An
// absent service ends the bridge like any other protocol mismatch.
func introspectError(err error) error {
	return classify(fmt.Errorf("introspect %s: %w", BusName, err))
}

// classify tags call failures: a missing service or interface mismatch is a
// protocol error, everything else is treated as a lost transport.
func classify(err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && slices.Contains(protocolErrorNames, dbusErr.Name) {
		return fmt.Errorf("%w: %w", presence.ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", presence.ErrTransportLost, err)
}

// parseChanged decodes the HasInhibitChanged body
func parseChanged(sig *dbus.Signal) (bool, error) {
	if len(sig.Body) != 1 {
		return false, fmt.Errorf("%w: %s carries %d values, want 1", presence.ErrProtocol, signalHasInhibitChanged, len(sig.Body))
	}
	v, ok := sig.Body[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s carries %T, want bool", presence.ErrProtocol, signalHasInhibitChanged, sig.Body[0])
	}
	return v, nil
}

// Subscription is a live HasInhibitChanged subscription
type Subscription struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	signals chan *dbus.Signal
	changes chan bool
	done    chan struct{}
	quit    chan struct{}
	err     error
	once    sync.Once
}

func newSubscription(conn *dbus.Conn, obj dbus.BusObject, signals chan *dbus.Signal) *Subscription {
	return &Subscription{
		conn:    conn,
		obj:     obj,
		signals: signals,
		changes: make(chan bool),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// Value calls HasInhibit
func (s *Subscription) Value(ctx context.Context) (bool, error) {
	call := s.obj.CallWithContext(ctx, Interface+"."+methodHasInhibit, 0)
	if call.Err != nil {
		return false, classify(fmt.Errorf("call %s: %w", methodHasInhibit, call.Err))
	}
	var v bool
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("%w: decode %s reply: %w", presence.ErrProtocol, methodHasInhibit, err)
	}
	return v, nil
}

func (s *Subscription) Changes() <-chan bool  { return s.changes }
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is valid once Done is closed
func (s *Subscription) Err() error { return s.err }

// Close unsubscribes and closes the bus connection
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		if s.conn != nil {
			s.conn.RemoveSignal(s.signals)
			err = s.conn.Close()
		}
		<-s.done
	})
	return err
}

func (s *Subscription) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case sig, ok := <-s.signals:
			if !ok || sig == nil {
				s.err = fmt.Errorf("%w: session bus connection closed", presence.ErrTransportLost)
				return
			}
			if sig.Path != ObjectPath || sig.Name != Interface+"."+signalHasInhibitChanged {
				continue
			}
			v, err := parseChanged(sig)
			if err != nil {
				s.err = err
				return
			}
			select {
			case s.changes <- v:
			case <-s.quit:
				return
			}
		}
	}
}
