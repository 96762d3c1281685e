// Package tv drives an LG webOS TV over its SSAP websocket API.
package tv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

const (
	URIGetPowerState     = "ssap://com.webos.service.tvpower/power/getPowerState"
	URITurnOnScreen      = "ssap://com.webos.service.tvpower/power/turnOnScreen"
	URITurnOffScreen     = "ssap://com.webos.service.tvpower/power/turnOffScreen"
	URIGetSoundOutput    = "ssap://audio/getSoundOutput"
	URIChangeSoundOutput = "ssap://audio/changeSoundOutput"

	PowerActive    = "Active"
	PowerScreenOn  = "Screen On"
	PowerScreenOff = "Screen Off"

	DefaultSoundOutput = "external_arc"
	DefaultTimeout     = 10 * time.Second
	PairingTimeout     = 60 * time.Second

	portPlain  = 3000
	portSecure = 3001
)

var (
	// ErrUnreachable means no SSAP session could be opened
	ErrUnreachable = errors.New("tv unreachable")
	// ErrNotPaired means no client key is stored for the TV
	ErrNotPaired = errors.New("tv not paired, run `idlesync pair`")
	// ErrRejected means the TV answered a request with an error
	ErrRejected = errors.New("tv rejected request")
)

// KeyStore persists the client key the TV hands out at pairing
type KeyStore interface {
	ClientKey(host string) (string, error)
	SetClientKey(host, key string) error
}

// Config describes one TV
type Config struct {
	Host        string // hostname or IP, optionally with port
	MAC         string // for Wake-on-LAN, optional
	Broadcast   string // Wake-on-LAN destination, defaults to DefaultBroadcast
	Secure      bool   // wss on 3001 instead of ws on 3000
	SoundOutput string // forced on resume, empty disables
	Timeout     time.Duration
	Retry       RetryPolicy
	Logger      *slog.Logger
}

// Client performs the idle and resume device actions.
type Client struct {
	cfg    Config
	keys   KeyStore
	wake   func(mac, addr string) error
	sleep  func(context.Context, time.Duration) error
	logger *slog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithWaker replaces the Wake-on-LAN sender
func WithWaker(wake func(mac, addr string) error) Option {
	return func(c *Client) { c.wake = wake }
}

// WithSleep replaces the wait between connection attempts
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func New(cfg Config, keys KeyStore, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()
	c := &Client{
		cfg:    cfg,
		keys:   keys,
		wake:   SendMagicPacket,
		sleep:  sleepContext,
		logger: cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("tv", cfg.Host)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// URL is the SSAP endpoint
func (c *Client) URL() string {
	scheme, port := "ws", portPlain
	if c.cfg.Secure {
		scheme, port = "wss", portSecure
	}
	host := c.cfg.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, strconv.Itoa(port))
	}
	return scheme + "://" + host + "/"
}

// Idle blanks the screen when it is on. An unreachable TV is already dark.
func (c *Client) Idle() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.budget())
	defer cancel()
	return c.IdleContext(ctx)
}

func (c *Client) IdleContext(ctx context.Context) error {
	err := c.withSession(ctx, func(s *session) error {
		state, err := s.powerState()
		if err != nil {
			return err
		}
		if !screenOn(state) {
			c.logger.Debug("Screen already off", "state", state)
			return nil
		}
		c.logger.Info("Turning screen off", "state", state)
		return s.request(URITurnOffScreen, nil, nil)
	})
	if errors.Is(err, ErrUnreachable) {
		c.logger.Debug("TV unreachable on idle, nothing to blank", "error", err)
		return nil
	}
	return err
}

// Resume lights the screen, waking the TV over the network when it does
// not answer, and then forces the configured sound output.
func (c *Client) Resume() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.budget())
	defer cancel()
	return c.ResumeContext(ctx)
}

func (c *Client) ResumeContext(ctx context.Context) error {
	err := c.withSession(ctx, func(s *session) error {
		state, err := s.powerState()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		if state == PowerScreenOff {
			c.logger.Info("Turning screen on")
			if err := s.request(URITurnOnScreen, nil, nil); err != nil {
				return err
			}
		}
		return c.ensureSoundOutput(s)
	})
	if !errors.Is(err, ErrUnreachable) || c.cfg.MAC == "" {
		return err
	}

	c.logger.Info("TV unreachable, sending Wake-on-LAN", "mac", c.cfg.MAC, "error", err)
	if err := c.wake(c.cfg.MAC, c.cfg.Broadcast); err != nil {
		return err
	}
	return c.withSession(ctx, c.ensureSoundOutput)
}

func (c *Client) ensureSoundOutput(s *session) error {
	if c.cfg.SoundOutput == "" {
		return nil
	}
	current, err := s.soundOutput()
	if err != nil {
		return err
	}
	if current == c.cfg.SoundOutput {
		return nil
	}
	c.logger.Info("Changing sound output", "from", current, "to", c.cfg.SoundOutput)
	return s.request(URIChangeSoundOutput, map[string]string{"output": c.cfg.SoundOutput}, nil)
}

// PowerState queries the TV power state
func (c *Client) PowerState(ctx context.Context) (string, error) {
	var state string
	err := c.withSession(ctx, func(s *session) error {
		var err error
		state, err = s.powerState()
		return err
	})
	return state, err
}

// Pair registers with the TV, which shows a prompt on screen, and stores
// the client key it hands out.
func (c *Client) Pair(ctx context.Context) (string, error) {
	s, err := c.open(ctx, "", PairingTimeout)
	if err != nil {
		return "", err
	}
	defer s.close()
	return s.clientKey, nil
}

// budget is the worst case time for one action including retries
func (c *Client) budget() time.Duration {
	total := time.Duration(c.cfg.Retry.Attempts) * c.cfg.Timeout
	for i := 0; i < c.cfg.Retry.Attempts-1; i++ {
		total += c.cfg.Retry.Backoff(i)
	}
	return total
}

// withSession opens a registered session, retrying unreachable TVs with
// backoff, and runs fn on it. Errors from fn are not retried.
func (c *Client) withSession(ctx context.Context, fn func(*session) error) error {
	key, err := c.keys.ClientKey(c.cfg.Host)
	if err != nil {
		return fmt.Errorf("load client key: %w", err)
	}
	if key == "" {
		return ErrNotPaired
	}

	var s *session
	for attempt := 0; ; attempt++ {
		s, err = c.open(ctx, key, c.cfg.Timeout)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrUnreachable) || attempt+1 >= c.cfg.Retry.Attempts {
			return err
		}
		backoff := c.cfg.Retry.Backoff(attempt)
		c.logger.Debug("TV connection failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		if serr := c.sleep(ctx, backoff); serr != nil {
			return fmt.Errorf("%w: %w", err, serr)
		}
	}
	defer s.close()
	return fn(s)
}

// message is an SSAP frame
type message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	URI     string          `json:"uri,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type session struct {
	ws        *websocket.Conn
	timeout   time.Duration
	clientKey string
}

func (c *Client) open(ctx context.Context, key string, registerTimeout time.Duration) (*session, error) {
	url := c.URL()
	wsCfg, err := websocket.NewConfig(url, "http://localhost/")
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	if c.cfg.Secure {
		// webOS ships a self-signed certificate
		wsCfg.TlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ws, err := wsCfg.DialContext(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnreachable, url, err)
	}

	s := &session{ws: ws, timeout: c.cfg.Timeout}
	newKey, err := s.register(key, registerTimeout)
	if err != nil {
		ws.Close()
		return nil, err
	}
	s.clientKey = newKey
	if newKey != "" && newKey != key {
		if err := c.keys.SetClientKey(c.cfg.Host, newKey); err != nil {
			ws.Close()
			return nil, fmt.Errorf("store client key: %w", err)
		}
		c.logger.Info("Stored new TV client key")
	}
	return s, nil
}

func (s *session) close() {
	s.ws.Close()
}

func (s *session) send(m message) error {
	s.ws.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := websocket.JSON.Send(s.ws, m); err != nil {
		return fmt.Errorf("%w: send %s: %w", ErrUnreachable, m.Type, err)
	}
	return nil
}

func (s *session) receive(deadline time.Time) (message, error) {
	s.ws.SetReadDeadline(deadline)
	var m message
	if err := websocket.JSON.Receive(s.ws, &m); err != nil {
		return message{}, fmt.Errorf("%w: receive: %w", ErrUnreachable, err)
	}
	return m, nil
}

func (s *session) register(key string, timeout time.Duration) (string, error) {
	payload := registration{
		ForcePairing: false,
		PairingType:  "PROMPT",
		ClientKey:    key,
		Manifest:     defaultManifest,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	if err := s.send(message{Type: "register", ID: "register_0", Payload: raw}); err != nil {
		return "", err
	}

	deadline := time.Now().Add(timeout)
	for {
		m, err := s.receive(deadline)
		if err != nil {
			return "", err
		}
		switch m.Type {
		case "registered":
			var reply struct {
				ClientKey string `json:"client-key"`
			}
			if err := json.Unmarshal(m.Payload, &reply); err != nil {
				return "", fmt.Errorf("decode registration: %w", err)
			}
			return reply.ClientKey, nil
		case "error":
			return "", fmt.Errorf("%w: register: %s", ErrRejected, m.Error)
		}
		// "response" with pairingType PROMPT while the user decides
	}
}

// request sends uri and decodes the matching response payload into out
func (s *session) request(uri string, payload any, out any) error {
	m := message{Type: "request", ID: uuid.NewString(), URI: uri}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		m.Payload = raw
	}
	if err := s.send(m); err != nil {
		return err
	}

	deadline := time.Now().Add(s.timeout)
	for {
		reply, err := s.receive(deadline)
		if err != nil {
			return err
		}
		if reply.ID != m.ID {
			continue
		}
		if reply.Type == "error" {
			return fmt.Errorf("%w: %s: %s", ErrRejected, uri, reply.Error)
		}

		var status struct {
			ReturnValue *bool  `json:"returnValue"`
			ErrorText   string `json:"errorText"`
		}
		if err := json.Unmarshal(reply.Payload, &status); err != nil {
			return fmt.Errorf("decode %s: %w", uri, err)
		}
		if status.ReturnValue != nil && !*status.ReturnValue {
			return fmt.Errorf("%w: %s: %s", ErrRejected, uri, status.ErrorText)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(reply.Payload, out); err != nil {
			return fmt.Errorf("decode %s: %w", uri, err)
		}
		return nil
	}
}

func (s *session) powerState() (string, error) {
	var reply struct {
		State string `json:"state"`
	}
	if err := s.request(URIGetPowerState, nil, &reply); err != nil {
		return "", err
	}
	if reply.State == "" {
		return "", fmt.Errorf("decode %s: missing state", URIGetPowerState)
	}
	return reply.State, nil
}

func (s *session) soundOutput() (string, error) {
	var reply struct {
		SoundOutput string `json:"soundOutput"`
	}
	if err := s.request(URIGetSoundOutput, nil, &reply); err != nil {
		return "", err
	}
	return reply.SoundOutput, nil
}

func screenOn(state string) bool {
	return state == PowerActive || state == PowerScreenOn
}

type registration struct {
	ForcePairing bool     `json:"forcePairing"`
	PairingType  string   `json:"pairingType"`
	ClientKey    string   `json:"client-key,omitempty"`
	Manifest     manifest `json:"manifest"`
}

type manifest struct {
	ManifestVersion int      `json:"manifestVersion"`
	AppVersion      string   `json:"appVersion"`
	Permissions     []string `json:"permissions"`
}

var defaultManifest = manifest{
	ManifestVersion: 1,
	AppVersion:      "1.1",
	Permissions: []string{
		"CONTROL_AUDIO",
		"CONTROL_POWER",
		"READ_POWER_STATE",
		"READ_SETTINGS",
		"WRITE_SETTINGS",
	},
}
