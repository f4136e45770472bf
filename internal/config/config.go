// Package config loads the station configuration file.
//
// The file is TOML. Missing values get defaults, then the whole config is
// validated. XIRS_PASSPHRASE and XIRS_LOG_LEVEL override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/xirs/xirs/internal/certs"
	"github.com/xirs/xirs/internal/chunk"
	"github.com/xirs/xirs/internal/protocol"
)

// FileName is the config file inside the state directory.
const FileName = "config.toml"

const (
	EnvPassphrase = "XIRS_PASSPHRASE"
	EnvLogLevel   = "XIRS_LOG_LEVEL"
)

// Config is the full station configuration.
type Config struct {
	Station StationConfig `toml:"station"`
	Codec   CodecConfig   `toml:"codec"`
	Replay  ReplayConfig  `toml:"replay"`
	Pairing PairingConfig `toml:"pairing"`
	Carrier CarrierConfig `toml:"carrier"`
	Certs   CertsConfig   `toml:"certs"`
	Hub     HubConfig     `toml:"hub"`
	Log     LogConfig     `toml:"log"`

	// Passphrase unlocks the local database. Only ever read from the
	// environment.
	Passphrase string `toml:"-"`
}

type StationConfig struct {
	Role     protocol.StationType `toml:"role"`
	Database string               `toml:"database"`
}

type CodecConfig struct {
	ChunkSize int `toml:"chunk_size"`
}

type ReplayConfig struct {
	Retention Duration `toml:"retention"`
}

type PairingConfig struct {
	Timeout Duration `toml:"timeout"`
}

type CarrierConfig struct {
	AlertInterval Duration `toml:"alert_interval"`
}

type CertsConfig struct {
	// Policy is "verifier" or "verifier_and_claimed".
	Policy string `toml:"policy"`
}

type HubConfig struct {
	Listen      string   `toml:"listen"`
	PublicURL   string   `toml:"public_url"`
	CORSOrigins []string `toml:"cors_origins"`
	CodeTTL     Duration `toml:"code_ttl"`
	OfflineTTL  Duration `toml:"offline_ttl"`
	PairRate    Duration `toml:"pair_rate"`
	PairBurst   int      `toml:"pair_burst"`
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Duration is a time.Duration written as "90s" or "720h" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads path and applies defaults, env overrides and validation. A
// missing file is not an error; the defaults are used.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes c to path as TOML.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ChunkCodec builds the chunk codec for the configured budget.
func (c *Config) ChunkCodec() *chunk.Codec {
	return chunk.NewCodec(c.Codec.ChunkSize, nil)
}

// CertPolicy maps the configured policy name.
func (c *Config) CertPolicy() certs.TimePolicy {
	return certs.TimePolicy(c.Certs.Policy)
}

// DatabasePath resolves the database file against dir.
func (c *Config) DatabasePath(dir string) string {
	if filepath.IsAbs(c.Station.Database) {
		return c.Station.Database
	}
	return filepath.Join(dir, c.Station.Database)
}

func (c *Config) applyDefaults() {
	if c.Station.Database == "" {
		c.Station.Database = "station.db"
	}
	if c.Codec.ChunkSize == 0 {
		c.Codec.ChunkSize = chunk.DefaultBudget
	}
	if c.Replay.Retention.Duration == 0 {
		c.Replay.Retention.Duration = 30 * 24 * time.Hour
	}
	if c.Pairing.Timeout.Duration == 0 {
		c.Pairing.Timeout.Duration = 15 * time.Second
	}
	if c.Carrier.AlertInterval.Duration == 0 {
		c.Carrier.AlertInterval.Duration = 30 * time.Second
	}
	if c.Certs.Policy == "" {
		c.Certs.Policy = string(certs.PolicyVerifier)
	}
	if c.Hub.Listen == "" {
		c.Hub.Listen = ":8420"
	}
	if c.Hub.CodeTTL.Duration == 0 {
		c.Hub.CodeTTL.Duration = 10 * time.Minute
	}
	if c.Hub.OfflineTTL.Duration == 0 {
		c.Hub.OfflineTTL.Duration = 7 * 24 * time.Hour
	}
	if c.Hub.PairRate.Duration == 0 {
		c.Hub.PairRate.Duration = 6 * time.Second
	}
	if c.Hub.PairBurst == 0 {
		c.Hub.PairBurst = 5
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPassphrase); v != "" {
		c.Passphrase = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) validate() error {
	if c.Station.Role != "" && !c.Station.Role.Valid() {
		return fmt.Errorf("station.role: unknown role %q", c.Station.Role)
	}
	if c.Codec.ChunkSize < 100 || c.Codec.ChunkSize > 2000 {
		return fmt.Errorf("codec.chunk_size: %d is outside 100..2000", c.Codec.ChunkSize)
	}
	if c.Replay.Retention.Duration < 0 {
		return fmt.Errorf("replay.retention must not be negative")
	}
	if !certs.TimePolicy(c.Certs.Policy).Valid() {
		return fmt.Errorf("certs.policy: unknown policy %q", c.Certs.Policy)
	}
	if c.Hub.PairBurst < 1 {
		return fmt.Errorf("hub.pair_burst must be at least 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	return nil
}
