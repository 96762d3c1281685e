// Package wayland is a minimal Wayland client speaking just enough of the
// wire protocol to watch seat inactivity through ext_idle_notifier_v1.
package wayland

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go.olrik.dev/idlesync/internal/presence"
)

const (
	interfaceSeat     = "wl_seat"
	interfaceNotifier = "ext_idle_notifier_v1"

	handshakeTimeout = 5 * time.Second
)

var (
	ErrNoIdleNotifier = errors.New("compositor does not advertise " + interfaceNotifier)
	ErrNoSeat         = errors.New("compositor does not advertise " + interfaceSeat)
)

// SocketPath resolves the compositor socket the way libwayland does:
// WAYLAND_DISPLAY (default wayland-0), relative to XDG_RUNTIME_DIR unless
// absolute.
func SocketPath() string {
	display := os.Getenv("WAYLAND_DISPLAY")
	if display == "" {
		display = "wayland-0"
	}
	if filepath.IsAbs(display) {
		return display
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = fmt.Sprintf("/run/user/%d", unix.Getuid())
	}
	return filepath.Join(dir, display)
}

type global struct {
	name    uint32
	iface   string
	version uint32
}

type handler func(m message) error

// Client is a connection to the compositor with a bound idle notifier and
// seat. It implements presence.IdleSource.
//
// Events are read on a background goroutine and queued; handlers only run
// inside Dispatch, so every callback happens on the caller's goroutine.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	// owned by the dispatching goroutine
	nextID      uint32
	objects     map[uint32]handler
	globals     []global
	notifierID  uint32
	seatID      uint32
	seatVersion uint32
	closed      bool

	wmu sync.Mutex

	qmu     sync.Mutex
	queue   []message
	readErr error
	ready   chan struct{}
	done    chan struct{}
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the logger used for dropped and unexpected events
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Connect dials the compositor at path, performs the registry roundtrip
// and binds the idle notifier and the seat. A compositor missing either
// global yields presence.ErrInitialization.
func Connect(ctx context.Context, path string, opts ...Option) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %w", presence.ErrInitialization, path, err)
	}

	c := &Client{
		conn:    conn,
		logger:  slog.Default(),
		nextID:  displayID + 1,
		objects: make(map[uint32]handler),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.objects[displayID] = c.handleDisplay

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	registryID := c.newID()
	c.objects[registryID] = c.handleRegistry
	if err := c.send(newRequest(displayID, displayGetRegistry).uint(registryID)); err != nil {
		return fmt.Errorf("%w: get registry: %w", presence.ErrInitialization, err)
	}
	if err := c.roundtrip(); err != nil {
		return fmt.Errorf("%w: registry roundtrip: %w", presence.ErrInitialization, err)
	}

	notifier, ok := c.lookup(interfaceNotifier)
	if !ok {
		return fmt.Errorf("%w: %w", presence.ErrInitialization, ErrNoIdleNotifier)
	}
	seat, ok := c.lookup(interfaceSeat)
	if !ok {
		return fmt.Errorf("%w: %w", presence.ErrInitialization, ErrNoSeat)
	}

	c.notifierID = c.newID()
	c.objects[c.notifierID] = c.ignore
	if err := c.bind(registryID, notifier, 1, c.notifierID); err != nil {
		return fmt.Errorf("%w: bind %s: %w", presence.ErrInitialization, interfaceNotifier, err)
	}

	c.seatVersion = min(seat.version, seatReleaseVersion)
	c.seatID = c.newID()
	c.objects[c.seatID] = c.ignore
	if err := c.bind(registryID, seat, c.seatVersion, c.seatID); err != nil {
		return fmt.Errorf("%w: bind %s: %w", presence.ErrInitialization, interfaceSeat, err)
	}

	// Make sure the binds were accepted before handing out the client
	if err := c.roundtrip(); err != nil {
		return fmt.Errorf("%w: bind roundtrip: %w", presence.ErrInitialization, err)
	}
	return nil
}

// roundtrip sends wl_display.sync and handles events inline until the
// callback fires. Only used before the reader goroutine starts.
func (c *Client) roundtrip() error {
	id := c.newID()
	done := false
	c.objects[id] = func(m message) error {
		if m.opcode == callbackEventDone {
			done = true
			delete(c.objects, id)
		}
		return nil
	}
	if err := c.send(newRequest(displayID, displaySync).uint(id)); err != nil {
		return err
	}
	for !done {
		m, err := readMessage(c.conn)
		if err != nil {
			return err
		}
		if err := c.handle(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) bind(registryID uint32, g global, version, id uint32) error {
	return c.send(newRequest(registryID, registryBind).
		uint(g.name).
		string(g.iface).
		uint(version).
		uint(id))
}

func (c *Client) lookup(iface string) (global, bool) {
	for _, g := range c.globals {
		if g.iface == iface {
			return g, true
		}
	}
	return global{}, false
}

func (c *Client) newID() uint32 {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Client) send(r *request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(r.bytes())
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		m, err := readMessage(c.conn)
		c.qmu.Lock()
		if err != nil {
			c.readErr = err
		} else {
			c.queue = append(c.queue, m)
		}
		c.qmu.Unlock()

		select {
		case c.ready <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// Ready is signalled whenever events are queued or the connection ended.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Dispatch runs the handlers for every queued event. Events addressed to
// objects that were destroyed in the meantime are dropped. A compositor
// error maps to presence.ErrProtocol and a lost connection to
// presence.ErrTransportLost.
func (c *Client) Dispatch() error {
	c.qmu.Lock()
	queue := c.queue
	c.queue = nil
	readErr := c.readErr
	c.qmu.Unlock()

	for _, m := range queue {
		if err := c.handle(m); err != nil {
			return err
		}
	}
	if readErr != nil {
		return fmt.Errorf("%w: %w", presence.ErrTransportLost, readErr)
	}
	return nil
}

func (c *Client) handle(m message) error {
	h, ok := c.objects[m.sender]
	if !ok {
		c.logger.Debug("Dropping event for unknown object", "object", m.sender, "opcode", m.opcode)
		return nil
	}
	return h(m)
}

func (c *Client) handleDisplay(m message) error {
	d := &decoder{b: m.body}
	switch m.opcode {
	case displayEventError:
		object := d.uint()
		code := d.uint()
		msg := d.string()
		return fmt.Errorf("%w: compositor error on object %d (code %d): %s", presence.ErrProtocol, object, code, msg)
	case displayEventDelete:
		delete(c.objects, d.uint())
	}
	return nil
}

func (c *Client) handleRegistry(m message) error {
	d := &decoder{b: m.body}
	switch m.opcode {
	case registryEventGlobal:
		g := global{name: d.uint(), iface: d.string(), version: d.uint()}
		if d.err != nil {
			return fmt.Errorf("%w: registry global: %w", presence.ErrProtocol, d.err)
		}
		c.globals = append(c.globals, g)
	case registryEventRemoved:
		name := d.uint()
		for i, g := range c.globals {
			if g.name != name {
				continue
			}
			if g.iface == interfaceSeat || g.iface == interfaceNotifier {
				c.logger.Warn("Compositor removed a bound global", "interface", g.iface)
			}
			c.globals = append(c.globals[:i], c.globals[i+1:]...)
			break
		}
	}
	return nil
}

func (c *Client) ignore(message) error { return nil }

// Watch creates an ext_idle_notification_v1 for timeout on the bound seat.
func (c *Client) Watch(timeout time.Duration, idled, resumed func() error) (presence.Registration, error) {
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", presence.ErrTransportLost)
	}
	n := &Notification{client: c, id: c.newID(), timeout: timeout}
	c.objects[n.id] = func(m message) error {
		switch m.opcode {
		case notificationEventIdled:
			return idled()
		case notificationEventResume:
			return resumed()
		}
		return nil
	}
	ms := uint32(timeout / time.Millisecond)
	if err := c.send(newRequest(c.notifierID, notifierGetNotification).uint(n.id).uint(ms).uint(c.seatID)); err != nil {
		delete(c.objects, n.id)
		return nil, fmt.Errorf("%w: get idle notification: %w", presence.ErrTransportLost, err)
	}
	c.logger.Debug("Created idle notification", "object", n.id, "timeout", timeout)
	return n, nil
}

// Close releases the seat, destroys the notifier and disconnects. Safe to
// call more than once.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.seatVersion >= seatReleaseVersion {
		if err := c.send(newRequest(c.seatID, seatRelease)); err != nil {
			errs = append(errs, fmt.Errorf("release seat: %w", err))
		}
	}
	if err := c.send(newRequest(c.notifierID, notifierDestroy)); err != nil {
		errs = append(errs, fmt.Errorf("destroy notifier: %w", err))
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}
	<-c.done

	c.objects = map[uint32]handler{}
	c.globals = nil
	return errors.Join(errs...)
}

// Notification is one idle notification object on the compositor.
type Notification struct {
	client    *Client
	id        uint32
	timeout   time.Duration
	destroyed bool
}

// ID is the wire object id
func (n *Notification) ID() uint32 { return n.id }

// Destroy stops delivery for this notification. Events already queued for
// it are dropped by Dispatch.
func (n *Notification) Destroy() error {
	if n.destroyed {
		return nil
	}
	n.destroyed = true
	c := n.client
	if c.closed {
		return nil
	}
	delete(c.objects, n.id)
	if err := c.send(newRequest(n.id, notificationDestroy)); err != nil {
		return fmt.Errorf("%w: destroy notification %d: %w", presence.ErrTransportLost, n.id, err)
	}
	return nil
}
