package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the config reads, e.g.
// MTFT_LOG_LEVEL or MTFT_TUNING_STALL_TIMEOUT.
const EnvPrefix = "MTFT"

const (
	MaxChunks  = 256
	MaxWorkers = 1024
)

// Config holds configuration shared by every mtft subcommand.
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Tuning     TuningConfig     `mapstructure:"tuning" yaml:"tuning"`
	History    HistoryConfig    `mapstructure:"history" yaml:"history"`
	Rendezvous RendezvousConfig `mapstructure:"rendezvous" yaml:"rendezvous"`

	ServerURL  string `mapstructure:"server_url" yaml:"server_url"`
	PeerID     string `mapstructure:"peer_id" yaml:"peer_id"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	OutDir     string `mapstructure:"out_dir" yaml:"out_dir"`
	Chunks     int    `mapstructure:"chunks" yaml:"chunks"`
	Workers    int    `mapstructure:"workers" yaml:"workers"`
	StatusAddr string `mapstructure:"status_addr" yaml:"status_addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// TuningConfig feeds transfer.Options.
type TuningConfig struct {
	BufferSize        int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout" yaml:"stall_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	HandshakeLimit    int           `mapstructure:"handshake_limit" yaml:"handshake_limit"`
}

type HistoryConfig struct {
	// DSN selects the store: a postgres:// URL or a sqlite file path.
	// Empty disables history.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type RendezvousConfig struct {
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"log-level":          "log.level",
	"server-url":         "server_url",
	"peer-id":            "peer_id",
	"listen-addr":        "listen_addr",
	"out-dir":            "out_dir",
	"chunks":             "chunks",
	"workers":            "workers",
	"status-addr":        "status_addr",
	"buffer-size":        "tuning.buffer_size",
	"stall-timeout":      "tuning.stall_timeout",
	"reconnect-interval": "tuning.reconnect_interval",
	"history-dsn":        "history.dsn",
	"addr":               "rendezvous.addr",
	"session-ttl":        "rendezvous.session_ttl",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server_url", "http://localhost:8080")
	v.SetDefault("peer_id", "")
	v.SetDefault("listen_addr", ":0")
	v.SetDefault("out_dir", ".")
	v.SetDefault("chunks", 8)
	v.SetDefault("workers", 0)
	v.SetDefault("status_addr", "")
	v.SetDefault("tuning.buffer_size", 64*1024)
	v.SetDefault("tuning.stall_timeout", 10*time.Second)
	v.SetDefault("tuning.reconnect_interval", time.Second)
	v.SetDefault("tuning.handshake_limit", 512)
	v.SetDefault("history.dsn", "")
	v.SetDefault("rendezvous.addr", ":8080")
	v.SetDefault("rendezvous.session_ttl", time.Hour)
}

// Load resolves configuration from, in increasing precedence: defaults, the
// YAML file at path (optional), MTFT_* environment variables and the flags
// in fs that were set explicitly. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.PeerID == "" {
		c.PeerID = generatePeerID()
	}
	if c.OutDir == "" {
		c.OutDir = "."
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":0"
	}

	if c.Chunks < 1 {
		c.Chunks = 1
	}
	if c.Chunks > MaxChunks {
		c.Chunks = MaxChunks
	}
	if c.Workers < 0 {
		c.Workers = 0
	}
	if c.Workers > MaxWorkers {
		c.Workers = MaxWorkers
	}

	if c.Tuning.BufferSize < 1024 {
		c.Tuning.BufferSize = 1024
	}
	if c.Tuning.StallTimeout < 100*time.Millisecond {
		return fmt.Errorf("tuning.stall_timeout too small: %s", c.Tuning.StallTimeout)
	}
	if c.Tuning.ReconnectInterval <= 0 {
		c.Tuning.ReconnectInterval = time.Second
	}
	if c.Tuning.HandshakeLimit < 64 {
		c.Tuning.HandshakeLimit = 64
	}
	if c.Rendezvous.SessionTTL <= 0 {
		c.Rendezvous.SessionTTL = time.Hour
	}
	return nil
}

// generatePeerID generates a random 10-character hex string for peer identification.
func generatePeerID() string {
	b := make([]byte, 5) // 5 bytes = 10 hex characters
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}
