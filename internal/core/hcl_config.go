package core

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete idlesync configuration
type Configuration struct {
	ConfigPath string // Directory containing config, socket, pid file and database
	Verbose    int    // Verbosity level
	Idle       IdleConfig
	Inhibit    InhibitConfig
	Audio      AudioConfig
	TV         TVConfig
}

// IdleConfig configures the compositor idle timer
type IdleConfig struct {
	Timeout time.Duration // Inactivity window before the idle edge
	Socket  string        // Compositor socket, empty means WAYLAND_DISPLAY
}

// InhibitConfig configures the PowerManagement inhibition bridge
type InhibitConfig struct {
	Enabled bool
	Backoff time.Duration // Fixed delay between reconnects
}

// AudioConfig configures the audio activity nudge
type AudioConfig struct {
	Enabled        bool
	MinInterval    time.Duration // Minimum time between accepted nudges
	Command        []string      // Event stream command
	RestartBackoff time.Duration // Delay before restarting a dead event stream
}

// TVConfig describes the LG webOS TV driven by the device actions
type TVConfig struct {
	Host        string // Empty disables the TV actions
	MAC         string
	Broadcast   string
	Secure      bool
	SoundOutput string
	Timeout     time.Duration
	Retry       RetryConfig
}

// RetryConfig represents the TV connection retry policy
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// HCL parsing structs

type hclConfig struct {
	Verbose int         `hcl:"verbose,optional"`
	Idle    *hclIdle    `hcl:"idle,block"`
	Inhibit *hclInhibit `hcl:"inhibit,block"`
	Audio   *hclAudio   `hcl:"audio,block"`
	TV      *hclTV      `hcl:"tv,block"`
}

type hclIdle struct {
	Timeout string `hcl:"timeout,optional"`
	Socket  string `hcl:"socket,optional"`
}

type hclInhibit struct {
	Enabled *bool  `hcl:"enabled,optional"`
	Backoff string `hcl:"backoff,optional"`
}

type hclAudio struct {
	Enabled        *bool    `hcl:"enabled,optional"`
	MinInterval    string   `hcl:"min_interval,optional"`
	Command        []string `hcl:"command,optional"`
	RestartBackoff string   `hcl:"restart_backoff,optional"`
}

type hclTV struct {
	Host        string    `hcl:"host"`
	MAC         string    `hcl:"mac,optional"`
	Broadcast   string    `hcl:"broadcast,optional"`
	Secure      *bool     `hcl:"secure,optional"`
	SoundOutput *string   `hcl:"sound_output,optional"`
	Timeout     string    `hcl:"timeout,optional"`
	Retry       *hclRetry `hcl:"retry,block"`
}

type hclRetry struct {
	Attempts       int     `hcl:"attempts,optional"`
	InitialBackoff string  `hcl:"initial_backoff,optional"`
	MaxBackoff     string  `hcl:"max_backoff,optional"`
	BackoffFactor  float64 `hcl:"backoff_factor,optional"`
}

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	// Start from defaults and overlay what the file sets
	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.Idle != nil {
		if err := parseDuration("idle.timeout", hclCfg.Idle.Timeout, &cfg.Idle.Timeout); err != nil {
			return nil, err
		}
		if cfg.Idle.Timeout < time.Second {
			return nil, fmt.Errorf("idle.timeout must be at least 1s, got %s", cfg.Idle.Timeout)
		}
		cfg.Idle.Socket = hclCfg.Idle.Socket
	}

	if hclCfg.Inhibit != nil {
		if hclCfg.Inhibit.Enabled != nil {
			cfg.Inhibit.Enabled = *hclCfg.Inhibit.Enabled
		}
		if err := parseDuration("inhibit.backoff", hclCfg.Inhibit.Backoff, &cfg.Inhibit.Backoff); err != nil {
			return nil, err
		}
	}

	if hclCfg.Audio != nil {
		if hclCfg.Audio.Enabled != nil {
			cfg.Audio.Enabled = *hclCfg.Audio.Enabled
		}
		if err := parseDuration("audio.min_interval", hclCfg.Audio.MinInterval, &cfg.Audio.MinInterval); err != nil {
			return nil, err
		}
		if err := parseDuration("audio.restart_backoff", hclCfg.Audio.RestartBackoff, &cfg.Audio.RestartBackoff); err != nil {
			return nil, err
		}
		if len(hclCfg.Audio.Command) > 0 {
			cfg.Audio.Command = hclCfg.Audio.Command
		}
	}

	if hclCfg.TV != nil {
		tv := hclCfg.TV
		cfg.TV.Host = tv.Host
		cfg.TV.MAC = tv.MAC
		cfg.TV.Broadcast = tv.Broadcast
		if tv.Secure != nil {
			cfg.TV.Secure = *tv.Secure
		}
		// An explicit empty string disables forcing the sound output
		if tv.SoundOutput != nil {
			cfg.TV.SoundOutput = *tv.SoundOutput
		}
		if err := parseDuration("tv.timeout", tv.Timeout, &cfg.TV.Timeout); err != nil {
			return nil, err
		}
		if tv.Retry != nil {
			if tv.Retry.Attempts > 0 {
				cfg.TV.Retry.Attempts = tv.Retry.Attempts
			}
			if tv.Retry.BackoffFactor > 0 {
				cfg.TV.Retry.BackoffFactor = tv.Retry.BackoffFactor
			}
			if err := parseDuration("tv.retry.initial_backoff", tv.Retry.InitialBackoff, &cfg.TV.Retry.InitialBackoff); err != nil {
				return nil, err
			}
			if err := parseDuration("tv.retry.max_backoff", tv.Retry.MaxBackoff, &cfg.TV.Retry.MaxBackoff); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

// parseDuration sets *dst from s unless s is empty
func parseDuration(field, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s %q: must be positive", field, s)
	}
	*dst = d
	return nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose: 0,
		Idle: IdleConfig{
			Timeout: 10 * time.Minute,
		},
		Inhibit: InhibitConfig{
			Enabled: true,
			Backoff: 5 * time.Second,
		},
		Audio: AudioConfig{
			Enabled:        true,
			MinInterval:    240 * time.Second,
			Command:        []string{"pactl", "subscribe"},
			RestartBackoff: 5 * time.Second,
		},
		TV: TVConfig{
			SoundOutput: "external_arc",
			Timeout:     10 * time.Second,
			Retry: RetryConfig{
				Attempts:       3,
				InitialBackoff: time.Second,
				MaxBackoff:     10 * time.Second,
				BackoffFactor:  2,
			},
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
