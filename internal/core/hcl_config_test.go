package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `# Test configuration
verbose = 1

idle {
  timeout = "15m"
}

inhibit {
  enabled = true
  backoff = "2s"
}

audio {
  min_interval = "2m"
  command      = ["pw-cli", "monitor"]
}

tv {
  host         = "192.168.1.20"
  mac          = "aa:bb:cc:dd:ee:ff"
  secure       = true
  sound_output = "tv_speaker"

  retry {
    attempts        = 5
    initial_backoff = "500ms"
    max_backoff     = "30s"
    backoff_factor  = 1.5
  }
}
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Verbose != 1 {
		t.Errorf("Expected verbose=1, got %d", cfg.Verbose)
	}
	if cfg.Idle.Timeout != 15*time.Minute {
		t.Errorf("Expected idle timeout 15m, got %s", cfg.Idle.Timeout)
	}
	if !cfg.Inhibit.Enabled || cfg.Inhibit.Backoff != 2*time.Second {
		t.Errorf("Unexpected inhibit config: %+v", cfg.Inhibit)
	}
	if !cfg.Audio.Enabled {
		t.Error("Expected audio enabled by default")
	}
	if cfg.Audio.MinInterval != 2*time.Minute {
		t.Errorf("Expected audio min interval 2m, got %s", cfg.Audio.MinInterval)
	}
	if strings.Join(cfg.Audio.Command, " ") != "pw-cli monitor" {
		t.Errorf("Unexpected audio command: %v", cfg.Audio.Command)
	}
	if cfg.Audio.RestartBackoff != 5*time.Second {
		t.Errorf("Expected default restart backoff, got %s", cfg.Audio.RestartBackoff)
	}

	tv := cfg.TV
	if tv.Host != "192.168.1.20" || tv.MAC != "aa:bb:cc:dd:ee:ff" || !tv.Secure {
		t.Errorf("Unexpected tv config: %+v", tv)
	}
	if tv.SoundOutput != "tv_speaker" {
		t.Errorf("Expected sound output tv_speaker, got %q", tv.SoundOutput)
	}
	if tv.Timeout != 10*time.Second {
		t.Errorf("Expected default tv timeout, got %s", tv.Timeout)
	}
	want := RetryConfig{Attempts: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, BackoffFactor: 1.5}
	if tv.Retry != want {
		t.Errorf("Retry = %+v, want %+v", tv.Retry, want)
	}
}

func TestLoadConfig_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	def := GetDefaultConfig()
	if cfg.Idle != def.Idle || cfg.Inhibit != def.Inhibit || cfg.TV.Retry != def.TV.Retry {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
	if cfg.TV.Host != "" {
		t.Errorf("Expected TV disabled by default, got host %q", cfg.TV.Host)
	}
	if cfg.Audio.MinInterval != 240*time.Second {
		t.Errorf("Expected 240s audio interval, got %s", cfg.Audio.MinInterval)
	}
}

func TestLoadConfig_DisableFeatures(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
inhibit {
  enabled = false
}

audio {
  enabled = false
}

tv {
  host         = "lgtv.lan"
  sound_output = ""
}
`))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Inhibit.Enabled || cfg.Audio.Enabled {
		t.Errorf("Expected inhibit and audio disabled, got %+v / %+v", cfg.Inhibit, cfg.Audio)
	}
	if cfg.TV.SoundOutput != "" {
		t.Errorf("Expected sound output forcing disabled, got %q", cfg.TV.SoundOutput)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", `idle { timeout = "soon" }`, "idle.timeout"},
		{"negative duration", `inhibit { backoff = "-1s" }`, "inhibit.backoff"},
		{"tiny timeout", `idle { timeout = "10ms" }`, "at least 1s"},
		{"tv without host", `tv { mac = "aa:bb:cc:dd:ee:ff" }`, "host"},
		{"bad retry", `
tv {
  host = "lgtv.lan"
  retry {
    max_backoff = "forever"
  }
}`, "tv.retry.max_backoff"},
		{"syntax", `idle {`, "failed to parse HCL config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestInitializeConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "idlesync")
	if err := InitializeConfig(dir, 2); err != nil {
		t.Fatalf("InitializeConfig() error = %v", err)
	}
	if Config.ConfigPath != dir || Config.Verbose != 2 {
		t.Errorf("Unexpected config: path=%q verbose=%d", Config.ConfigPath, Config.Verbose)
	}
	if GetSocketPath() != filepath.Join(dir, SocketName) {
		t.Errorf("GetSocketPath() = %q", GetSocketPath())
	}
	if GetDatabasePath() != filepath.Join(dir, DatabaseName) {
		t.Errorf("GetDatabasePath() = %q", GetDatabasePath())
	}

	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(`idle { timeout = "1m" }`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := InitializeConfig(dir, 0); err != nil {
		t.Fatalf("InitializeConfig() error = %v", err)
	}
	if Config.Idle.Timeout != time.Minute {
		t.Errorf("Expected file to be loaded, got timeout %s", Config.Idle.Timeout)
	}
}
