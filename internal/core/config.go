package core

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	BaseDirName    = ".config/idlesync"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	LockFileName   = "daemon.lock"
	SocketName     = "daemon.sock"
	DatabaseName   = "idlesync.db"
)

// DefaultConfigPath is ~/.config/idlesync
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return BaseDirName
	}
	return filepath.Join(homeDir, BaseDirName)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetLockFilePath() string {
	return filepath.Join(Config.ConfigPath, LockFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

// InitializeConfig loads config.hcl from configPath into Config. A missing
// file yields the defaults. Flags win over the file.
func InitializeConfig(configPath string, verbose int) error {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file := filepath.Join(configPath, ConfigFileName)
	var cfg *Configuration
	if ConfigExists(file) {
		loaded, err := LoadConfig(file)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = GetDefaultConfig()
	}

	cfg.ConfigPath = configPath
	if verbose > cfg.Verbose {
		cfg.Verbose = verbose
	}
	Config = cfg
	return nil
}
