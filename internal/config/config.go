package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	MUC     MUCConfig     `toml:"muc"`
	Plugins PluginsConfig `toml:"plugins"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
}

// MUCConfig contains groupchat engine settings
type MUCConfig struct {
	// DefaultNick is used when no nickname can be resolved for a room.
	DefaultNick string `toml:"default_nick"`

	// AutoNickFromJID derives a fallback nickname from the account
	// localpart and enables the -2/-3 retry suffix on nick conflicts.
	AutoNickFromJID bool `toml:"auto_nick_from_jid"`

	// HistoryMaxStanzas is the history hint sent in the join presence
	// when the archive is not available.
	HistoryMaxStanzas int `toml:"history_max_stanzas"`

	// PingIntervalSeconds is the self-ping liveness interval. Zero
	// disables periodic pings; reconnection still triggers one.
	PingIntervalSeconds int `toml:"ping_interval_seconds"`

	// RejoinDebounceMS quantizes near-simultaneous rejoin triggers.
	RejoinDebounceMS int `toml:"rejoin_debounce_ms"`

	// RequestTimeoutSeconds bounds IQ round-trips.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`

	// DanglingRetentionMinutes bounds how long a moderation placeholder
	// waits for its target message before being purged.
	DanglingRetentionMinutes int `toml:"dangling_retention_minutes"`

	// AutoAcceptConfig accepts provider defaults when creating a room
	// with no captured configuration, instead of requesting one.
	AutoAcceptConfig bool `toml:"auto_accept_config"`
}

// PluginsConfig contains hook-plugin settings
type PluginsConfig struct {
	Enabled   []string `toml:"enabled"`
	PluginDir string   `toml:"plugin_dir"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// SaveSessions enables/disables room session persistence
	SaveSessions bool `toml:"save_sessions"`

	// SaveBookmarks enables/disables the local bookmark cache
	SaveBookmarks bool `toml:"save_bookmarks"`

	// VacuumOnStartup runs database vacuum on startup
	VacuumOnStartup bool `toml:"vacuum_on_startup"`
}

// Account represents an XMPP account configuration
type Account struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`
	Server   string `toml:"server"`
	Port     int    `toml:"port"`
	Resource string `toml:"resource"`
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		MUC: MUCConfig{
			DefaultNick:              "",
			AutoNickFromJID:          true,
			HistoryMaxStanzas:        50,
			PingIntervalSeconds:      300,
			RejoinDebounceMS:         500,
			RequestTimeoutSeconds:    30,
			DanglingRetentionMinutes: 60,
			AutoAcceptConfig:         false,
		},
		Plugins: PluginsConfig{
			Enabled:   []string{},
			PluginDir: "",
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			SaveSessions:    true,
			SaveBookmarks:   true,
			VacuumOnStartup: false,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "palaver")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "palaver")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "palaver")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.General.DataDir = paths.DataDir
		cfg.Plugins.PluginDir = filepath.Join(paths.DataDir, "plugins")
		cfg.Logging.File = filepath.Join(paths.DataDir, "palaver.log")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Plugins.PluginDir == "" {
		cfg.Plugins.PluginDir = filepath.Join(cfg.General.DataDir, "plugins")
	} else {
		cfg.Plugins.PluginDir = expandPath(cfg.Plugins.PluginDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "palaver.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// LoadAccounts loads account configurations
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	for i := range accounts.Accounts {
		if accounts.Accounts[i].Port == 0 {
			accounts.Accounts[i].Port = 5222
		}
		if accounts.Accounts[i].Resource == "" {
			accounts.Accounts[i].Resource = "palaver"
		}
	}

	return &accounts, nil
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
