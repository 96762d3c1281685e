package tv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

// fakeTV speaks enough SSAP for the client
type fakeTV struct {
	mu             sync.Mutex
	state          string // empty means an undecodable power state
	output         string
	key            string
	rejectRegister bool
	uris           []string
	server         *httptest.Server
}

func newFakeTV(t *testing.T, state string, opts ...func(*fakeTV)) *fakeTV {
	t.Helper()
	tv := &fakeTV{state: state, output: "tv_speaker", key: "known-key"}
	for _, opt := range opts {
		opt(tv)
	}
	tv.server = httptest.NewServer(websocket.Handler(tv.serve))
	t.Cleanup(tv.server.Close)
	return tv
}

func (f *fakeTV) host() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

func (f *fakeTV) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uris...)
}

func (f *fakeTV) soundOutput() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output
}

func (f *fakeTV) reply(ws *websocket.Conn, typ, id string, payload any) {
	raw, _ := json.Marshal(payload)
	websocket.JSON.Send(ws, message{Type: typ, ID: id, Payload: raw})
}

func (f *fakeTV) serve(ws *websocket.Conn) {
	for {
		var m message
		if err := websocket.JSON.Receive(ws, &m); err != nil {
			return
		}
		f.mu.Lock()
		switch m.Type {
		case "register":
			var reg registration
			json.Unmarshal(m.Payload, &reg)
			switch {
			case f.rejectRegister:
				websocket.JSON.Send(ws, message{Type: "error", ID: m.ID, Error: "403 User denied access"})
			case reg.ClientKey == "":
				f.reply(ws, "response", m.ID, map[string]any{"pairingType": "PROMPT", "returnValue": true})
				f.key = "paired-key"
				f.reply(ws, "registered", m.ID, map[string]string{"client-key": f.key})
			case reg.ClientKey == f.key:
				f.reply(ws, "registered", m.ID, map[string]string{"client-key": f.key})
			default:
				websocket.JSON.Send(ws, message{Type: "error", ID: m.ID, Error: "401 insufficient permissions"})
			}
		case "request":
			f.uris = append(f.uris, m.URI)
			// unrelated chatter first
			f.reply(ws, "response", "other", map[string]bool{"returnValue": true})
			switch m.URI {
			case URIGetPowerState:
				if f.state == "" {
					f.reply(ws, "response", m.ID, map[string]bool{"returnValue": true})
				} else {
					f.reply(ws, "response", m.ID, map[string]any{"returnValue": true, "state": f.state})
				}
			case URITurnOffScreen:
				f.state = PowerScreenOff
				f.reply(ws, "response", m.ID, map[string]bool{"returnValue": true})
			case URITurnOnScreen:
				f.state = PowerActive
				f.reply(ws, "response", m.ID, map[string]bool{"returnValue": true})
			case URIGetSoundOutput:
				f.reply(ws, "response", m.ID, map[string]any{"returnValue": true, "soundOutput": f.output})
			case URIChangeSoundOutput:
				var p struct {
					Output string `json:"output"`
				}
				json.Unmarshal(m.Payload, &p)
				f.output = p.Output
				f.reply(ws, "response", m.ID, map[string]bool{"returnValue": true})
			default:
				f.reply(ws, "response", m.ID, map[string]any{"returnValue": false, "errorText": "no such service"})
			}
		}
		f.mu.Unlock()
	}
}

// memKeys is an in-memory KeyStore
type memKeys struct {
	keys map[string]string
}

func (k *memKeys) ClientKey(host string) (string, error) { return k.keys[host], nil }
func (k *memKeys) SetClientKey(host, key string) error {
	k.keys[host] = key
	return nil
}

func newClient(host string, keys *memKeys, opts ...Option) *Client {
	cfg := Config{
		Host:        host,
		SoundOutput: DefaultSoundOutput,
		Timeout:     2 * time.Second,
		Retry:       RetryPolicy{Attempts: 2, InitialBackoff: time.Millisecond},
	}
	noSleep := WithSleep(func(context.Context, time.Duration) error { return nil })
	return New(cfg, keys, append([]Option{noSleep}, opts...)...)
}

func pairedKeys(host string) *memKeys {
	return &memKeys{keys: map[string]string{host: "known-key"}}
}

func TestIdle_TurnsScreenOff(t *testing.T) {
	tv := newFakeTV(t, PowerActive)
	c := newClient(tv.host(), pairedKeys(tv.host()))

	if err := c.Idle(); err != nil {
		t.Fatalf("Idle() error = %v", err)
	}
	want := []string{URIGetPowerState, URITurnOffScreen}
	if got := tv.requested(); !slices.Equal(got, want) {
		t.Errorf("requests = %v, want %v", got, want)
	}
}

func TestIdle_ScreenAlreadyOff(t *testing.T) {
	tv := newFakeTV(t, PowerScreenOff)
	c := newClient(tv.host(), pairedKeys(tv.host()))

	if err := c.Idle(); err != nil {
		t.Fatalf("Idle() error = %v", err)
	}
	if got := tv.requested(); !slices.Equal(got, []string{URIGetPowerState}) {
		t.Errorf("requests = %v, want only the power state query", got)
	}
}

func TestIdle_UnreachableIsNotAnError(t *testing.T) {
	attempts := 0
	c := newClient("127.0.0.1:1", pairedKeys("127.0.0.1:1"), WithSleep(func(context.Context, time.Duration) error {
		attempts++
		return nil
	}))

	if err := c.Idle(); err != nil {
		t.Errorf("Idle() error = %v, want nil for an unreachable TV", err)
	}
	if attempts != 1 {
		t.Errorf("expected one backoff between two attempts, got %d", attempts)
	}
}

func TestResume_TurnsScreenOnAndFixesSound(t *testing.T) {
	tv := newFakeTV(t, PowerScreenOff)
	c := newClient(tv.host(), pairedKeys(tv.host()))

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	want := []string{URIGetPowerState, URITurnOnScreen, URIGetSoundOutput, URIChangeSoundOutput}
	if got := tv.requested(); !slices.Equal(got, want) {
		t.Errorf("requests = %v, want %v", got, want)
	}
	if got := tv.soundOutput(); got != DefaultSoundOutput {
		t.Errorf("sound output = %q, want %q", got, DefaultSoundOutput)
	}
}

func TestResume_SoundAlreadyPreferred(t *testing.T) {
	tv := newFakeTV(t, PowerActive, func(f *fakeTV) { f.output = DefaultSoundOutput })
	c := newClient(tv.host(), pairedKeys(tv.host()))

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	want := []string{URIGetPowerState, URIGetSoundOutput}
	if got := tv.requested(); !slices.Equal(got, want) {
		t.Errorf("requests = %v, want %v", got, want)
	}
}

func TestResume_UndecodablePowerStateWakes(t *testing.T) {
	tv := newFakeTV(t, "")
	var woken []string
	c := newClient(tv.host(), pairedKeys(tv.host()), WithWaker(func(mac, addr string) error {
		woken = append(woken, mac)
		return nil
	}))
	c.cfg.MAC = "aa:bb:cc:dd:ee:ff"

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if len(woken) != 1 || woken[0] != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("woken = %v, want one magic packet", woken)
	}
	if got := tv.soundOutput(); got != DefaultSoundOutput {
		t.Errorf("sound output = %q, want it fixed after waking", got)
	}
}

func TestResume_UnreachableWithoutMAC(t *testing.T) {
	c := newClient("127.0.0.1:1", pairedKeys("127.0.0.1:1"), WithWaker(func(string, string) error {
		t.Error("unexpected wake without a MAC")
		return nil
	}))

	if err := c.Resume(); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Resume() error = %v, want ErrUnreachable", err)
	}
}

func TestActions_NotPaired(t *testing.T) {
	tv := newFakeTV(t, PowerActive)
	c := newClient(tv.host(), &memKeys{keys: map[string]string{}})

	if err := c.Idle(); !errors.Is(err, ErrNotPaired) {
		t.Errorf("Idle() error = %v, want ErrNotPaired", err)
	}
	if err := c.Resume(); !errors.Is(err, ErrNotPaired) {
		t.Errorf("Resume() error = %v, want ErrNotPaired", err)
	}
	if len(tv.requested()) != 0 {
		t.Errorf("unexpected requests %v", tv.requested())
	}
}

func TestPair_StoresClientKey(t *testing.T) {
	tv := newFakeTV(t, PowerActive)
	keys := &memKeys{keys: map[string]string{}}
	c := newClient(tv.host(), keys)

	key, err := c.Pair(context.Background())
	if err != nil {
		t.Fatalf("Pair() error = %v", err)
	}
	if key != "paired-key" || keys.keys[tv.host()] != "paired-key" {
		t.Errorf("Pair() = %q, stored %q; want paired-key", key, keys.keys[tv.host()])
	}

	state, err := c.PowerState(context.Background())
	if err != nil || state != PowerActive {
		t.Errorf("PowerState() after pairing = %q, %v", state, err)
	}
}

func TestRegisterRejectedIsNotRetried(t *testing.T) {
	tv := newFakeTV(t, PowerActive, func(f *fakeTV) { f.rejectRegister = true })
	attempts := 0
	c := newClient(tv.host(), pairedKeys(tv.host()), WithSleep(func(context.Context, time.Duration) error {
		attempts++
		return nil
	}))

	if _, err := c.PowerState(context.Background()); !errors.Is(err, ErrRejected) {
		t.Errorf("PowerState() error = %v, want ErrRejected", err)
	}
	if attempts != 0 {
		t.Errorf("expected no retry after a rejection, got %d", attempts)
	}
}

func TestURL(t *testing.T) {
	tests := []struct {
		host   string
		secure bool
		want   string
	}{
		{"192.168.1.20", false, "ws://192.168.1.20:3000/"},
		{"lgtv.lan", true, "wss://lgtv.lan:3001/"},
		{"lgtv.lan:4000", false, "ws://lgtv.lan:4000/"},
	}
	for _, tt := range tests {
		c := New(Config{Host: tt.host, Secure: tt.secure}, &memKeys{})
		if got := c.URL(); got != tt.want {
			t.Errorf("URL(%q, %v) = %q, want %q", tt.host, tt.secure, got, tt.want)
		}
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{Attempts: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffFactor: 2}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestMagicPacket(t *testing.T) {
	packet, err := MagicPacket("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("MagicPacket() error = %v", err)
	}
	if len(packet) != 102 {
		t.Fatalf("len = %d, want 102", len(packet))
	}
	for i := 0; i < 6; i++ {
		if packet[i] != 0xff {
			t.Fatalf("byte %d = %#x, want 0xff", i, packet[i])
		}
	}
	if packet[6] != 0xaa || packet[101] != 0xff || packet[96] != 0xaa {
		t.Errorf("unexpected MAC repetition: % x", packet[6:18])
	}

	if _, err := MagicPacket("not-a-mac"); err == nil {
		t.Error("expected error for an invalid MAC")
	}
	if _, err := MagicPacket("00:00:5e:00:53:01:02:03"); err == nil {
		t.Error("expected error for an EUI-64 address")
	}
}
