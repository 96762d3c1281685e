package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"go.olrik.dev/idlesync/internal/audio"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/db"
	"go.olrik.dev/idlesync/internal/keyring"
	"go.olrik.dev/idlesync/internal/powermgmt"
	"go.olrik.dev/idlesync/internal/presence"
	"go.olrik.dev/idlesync/internal/tv"
)

// ErrAlreadyRunning is returned by Run when another daemon holds the lock
var ErrAlreadyRunning = errors.New("daemon is already running")

var errNotReady = errors.New("idle timer is not running yet, waiting for the compositor")

// IdleDialer connects to the compositor
type IdleDialer func(ctx context.Context) (presence.IdleSource, error)

// Daemon runs the presence engine: the compositor idle timer, the
// inhibition bridge and the audio activity nudge, plus the control socket.
type Daemon struct {
	config       *core.Configuration
	stderr       io.Writer
	logBroadcast *LogBroadcaster // For streaming logs to clients
	database     *db.DB          // Database for event history

	dialIdle     IdleDialer
	inhibit      presence.InhibitSignal
	activity     presence.ActivitySource
	idleAction   presence.Action
	resumeAction presence.Action
	tvHost       string

	dispatcher presence.Dispatcher
	binding    *presence.TimerBinding // guarded by dispatcher
	ready      chan struct{}          // closed once binding exists

	mu          sync.Mutex
	bridge      *presence.Bridge
	startedAt   time.Time
	lastEvent   presence.EventKind
	lastEventAt time.Time
	cancel      context.CancelFunc

	conns sync.WaitGroup
}

// Option configures a Daemon
type Option func(*Daemon)

// WithStderr redirects the console log output
func WithStderr(w io.Writer) Option {
	return func(d *Daemon) { d.stderr = w }
}

// WithIdleDialer replaces the Wayland compositor connection
func WithIdleDialer(dial IdleDialer) Option {
	return func(d *Daemon) { d.dialIdle = dial }
}

// WithInhibitSignal replaces the PowerManagement inhibition source
func WithInhibitSignal(signal presence.InhibitSignal) Option {
	return func(d *Daemon) { d.inhibit = signal }
}

// WithActivitySource replaces the audio event stream
func WithActivitySource(source presence.ActivitySource) Option {
	return func(d *Daemon) { d.activity = source }
}

// WithActions replaces the TV actions
func WithActions(idle, resume presence.Action) Option {
	return func(d *Daemon) {
		d.idleAction = idle
		d.resumeAction = resume
	}
}

func New(config *core.Configuration, opts ...Option) *Daemon {
	d := &Daemon{
		config:       config,
		stderr:       os.Stderr,
		logBroadcast: NewLogBroadcaster(DefaultLogHistory),
		ready:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewTVClient builds the TV client described by the tv block, with client
// keys kept in the system keyring
func NewTVClient(cfg core.TVConfig) *tv.Client {
	return tv.New(tv.Config{
		Host:        cfg.Host,
		MAC:         cfg.MAC,
		Broadcast:   cfg.Broadcast,
		Secure:      cfg.Secure,
		SoundOutput: cfg.SoundOutput,
		Timeout:     cfg.Timeout,
		Retry: tv.RetryPolicy{
			Attempts:       cfg.Retry.Attempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
			BackoffFactor:  cfg.Retry.BackoffFactor,
		},
		Logger: slog.Default(),
	}, keyring.Default())
}

// wireDefaults fills every collaborator not supplied as an option from the
// configuration. It runs after setupLogging so they pick up the handler.
func (d *Daemon) wireDefaults() {
	if d.dialIdle == nil {
		d.dialIdle = d.connectCompositor
	}
	if d.inhibit == nil && d.config.Inhibit.Enabled {
		d.inhibit = powermgmt.New(powermgmt.WithLogger(slog.Default()))
	}
	if d.activity == nil && d.config.Audio.Enabled {
		d.activity = audio.NewSource(d.config.Audio.Command, slog.Default())
	}
	if d.idleAction == nil && d.resumeAction == nil && d.config.TV.Host != "" {
		client := NewTVClient(d.config.TV)
		d.idleAction = client.Idle
		d.resumeAction = client.Resume
		d.tvHost = d.config.TV.Host
	}
}

func (d *Daemon) path(name string) string {
	return filepath.Join(d.config.ConfigPath, name)
}

// Run starts the daemon and blocks until ctx is cancelled, SIGTERM/SIGINT
// arrives, a STOP command is received or the idle timer fails for good.
func (d *Daemon) Run(ctx context.Context) error {
	d.setupLogging()

	if err := os.MkdirAll(d.config.ConfigPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	lock := flock.New(d.path(core.LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	d.openDatabase()
	defer d.closeDatabase()

	// The lock is ours, so a leftover socket belongs to a dead daemon
	socketPath := d.path(core.SocketName)
	if err := os.Remove(socketPath); err == nil {
		slog.Info("Removed stale socket file", "path", socketPath)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("could not create socket listener: %w", err)
	}
	defer os.Remove(socketPath)

	pidFilePath := d.path(core.PidFileName)
	if err := os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		slog.Warn("Failed to write pid file", "path", pidFilePath, "error", err)
	}
	defer os.Remove(pidFilePath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.cancel = cancel
	d.startedAt = time.Now()
	d.mu.Unlock()

	d.wireDefaults()

	version := core.FormatVersion(core.Version)
	slog.Info("Daemon started", "version", version, "pid", os.Getpid(), "socket", socketPath)
	d.logDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.runTimer(gctx) })
	if d.inhibit != nil {
		g.Go(func() error { return d.runBridge(gctx) })
	}
	if d.activity != nil {
		g.Go(func() error { return d.runActivity(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return nil
	})
	g.Go(func() error { return d.serve(gctx, listener) })

	err = g.Wait()
	d.conns.Wait()

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		slog.Error("Daemon stopped", "error", err)
		d.logDaemonEvent("stop", err.Error())
		return err
	}
	slog.Info("Daemon stopped")
	d.logDaemonEvent("stop", "daemon stopped")
	return nil
}

func (d *Daemon) openDatabase() {
	dbPath := d.path(core.DatabaseName)
	database, err := db.Open(dbPath)
	if err != nil {
		// History is best effort, the engine runs without it
		slog.Error("Failed to open database", "error", err, "path", dbPath)
		return
	}
	d.database = database
	slog.Debug("Database opened", "path", dbPath)
}

func (d *Daemon) closeDatabase() {
	if d.database == nil {
		return
	}
	if err := d.database.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

func (d *Daemon) logDaemonEvent(eventType, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogDaemonEvent(eventType, details); err != nil {
		slog.Error("Failed to log daemon event", "event", eventType, "error", err)
	}
}

// stop asks Run to return
func (d *Daemon) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) serve(ctx context.Context, listener net.Listener) error {
	slog.Debug("Accepting control connections", "socket", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("error accepting connection: %w", err)
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			d.handleConnection(ctx, conn)
		}()
	}
}

func (d *Daemon) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := strings.ToUpper(parts[0]), parts[1:]

	// STATUS and VERSION are polled by the CLI
	if command == "STATUS" || command == "VERSION" {
		slog.Debug("Executing command", "command", command)
	} else {
		slog.Info("Executing command", "command", command, "args", args)
	}

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus()
	case "VERSION":
		response = d.getVersion()
	case "RESET":
		response = d.reset()
	case "INHIBIT":
		d.handleInhibit(ctx, conn, strings.Join(args, " "))
		return
	case "LOGS":
		historyLines := 20
		showHistory := true
		for _, arg := range args {
			if arg == "no_history" {
				showHistory = false
			} else if n, err := strconv.Atoi(arg); err == nil {
				historyLines = n
			}
		}
		d.handleLogs(ctx, conn, showHistory, historyLines)
		return
	case "STOP":
		slog.Info("Stop command received. Shutting down daemon.")
		response.AddMessage("Daemon is shutting down", StatusInfo)
		conn.Write([]byte(response.ToJSON()))
		d.stop()
		return
	default:
		response.AddMessage("Unknown command.", StatusError)
	}
	conn.Write([]byte(response.ToJSON()))
}

// Status is the STATUS payload
type Status struct {
	Version       string     `json:"version"`
	PID           int        `json:"pid"`
	StartedAt     time.Time  `json:"started_at"`
	IdleTimeout   string     `json:"idle_timeout"`
	Compositor    bool       `json:"compositor"`
	Registered    bool       `json:"registered"`
	Pending       int        `json:"pending"`
	Inhibited     bool       `json:"inhibited"`
	Holds         int        `json:"holds"`
	Bridge        string     `json:"bridge"`
	BridgeHolding bool       `json:"bridge_holding"`
	Audio         bool       `json:"audio"`
	TV            string     `json:"tv,omitempty"`
	LastEvent     string     `json:"last_event,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
}

// VersionInfo is the VERSION payload
type VersionInfo struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

func (d *Daemon) getStatus() Response {
	d.mu.Lock()
	status := Status{
		Version:     core.Version,
		PID:         os.Getpid(),
		StartedAt:   d.startedAt,
		IdleTimeout: d.config.Idle.Timeout.String(),
		Bridge:      "disabled",
		Audio:       d.activity != nil,
		TV:          d.tvHost,
		LastEvent:   string(d.lastEvent),
	}
	if !d.lastEventAt.IsZero() {
		at := d.lastEventAt
		status.LastEventAt = &at
	}
	bridge := d.bridge
	d.mu.Unlock()

	if bridge != nil {
		status.Bridge = bridge.State().String()
	} else if d.inhibit != nil {
		status.Bridge = presence.BridgeDisconnected.String()
	}

	d.dispatcher.Do(func() error {
		if d.binding != nil {
			coord := d.binding.Coordinator()
			status.Compositor = d.binding.Attached()
			status.Registered = d.binding.Registered()
			status.Pending = d.binding.Pending()
			status.Inhibited = coord.Inhibited()
			status.Holds = coord.Holds()
		}
		if bridge != nil {
			status.BridgeHolding = bridge.Holding()
		}
		return nil
	})

	response := Response{}
	if status.Compositor {
		response.AddMessage("OK", StatusInfo)
	} else {
		response.AddMessage("Not connected to the compositor", StatusWarn)
	}
	response.AddData(status)
	return response
}

func (d *Daemon) getVersion() Response {
	response := Response{}
	response.AddMessage("OK", StatusInfo)
	response.AddData(VersionInfo{Version: core.Version, PID: os.Getpid()})
	return response
}

func (d *Daemon) reset() Response {
	response := Response{}
	if err := d.nudge("cli")(); err != nil {
		if errors.Is(err, errNotReady) {
			response.AddMessage(err.Error(), StatusWarn)
		} else {
			response.AddMessage(fmt.Sprintf("Failed to reset idle timer: %v", err), StatusError)
		}
		return response
	}
	response.AddMessage("Idle timer reset", StatusInfo)
	return response
}

// handleInhibit holds an inhibition until the client disconnects or the
// daemon stops. The acknowledgement is a single JSON line.
func (d *Daemon) handleInhibit(ctx context.Context, conn net.Conn, reason string) {
	if reason == "" {
		reason = "cli"
	}

	var token *presence.Token
	err := d.dispatcher.Do(func() error {
		if d.binding == nil {
			return errNotReady
		}
		t, err := d.binding.Coordinator().Inhibit()
		token = t
		return err
	})

	response := Response{}
	if token == nil {
		response.AddMessage(fmt.Sprintf("Failed to inhibit: %v", err), StatusError)
		conn.Write([]byte(response.ToJSON() + "\n"))
		return
	}
	if err != nil {
		slog.Warn("Inhibition taken but entering it failed", "reason", reason, "error", err)
	}

	slog.Info("Inhibition held", "reason", reason, "token", token.ID())
	defer func() {
		if err := d.dispatcher.Do(token.Release); err != nil {
			slog.Warn("Failed to release inhibition", "reason", reason, "error", err)
			return
		}
		slog.Info("Inhibition released", "reason", reason, "token", token.ID())
	}()

	response.AddMessage(fmt.Sprintf("Inhibiting idle actions (%s)", reason), StatusInfo)
	response.AddData(map[string]any{"token": token.ID()})
	if _, err := conn.Write([]byte(response.ToJSON() + "\n")); err != nil {
		return
	}

	select {
	case <-clientGone(conn):
	case <-ctx.Done():
	}
}
