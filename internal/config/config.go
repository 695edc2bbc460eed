// Package config loads syncd configuration from an optional YAML file and
// the environment. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"collabtext/diffsync/internal/auth"
	"collabtext/diffsync/internal/diff"
	"collabtext/diffsync/internal/diffsync"
	"collabtext/diffsync/internal/store"
)

// Broker kinds.
const (
	BrokerHub   = "hub"
	BrokerRedis = "redis"
)

// Duration is a time.Duration written as "30s" or "10m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type Config struct {
	Addr string `yaml:"addr"`

	Store Store `yaml:"store"`

	Broker    string `yaml:"broker"`
	RedisAddr string `yaml:"redisAddr"`

	// ServiceName, when set, is advertised over mDNS.
	ServiceName string `yaml:"serviceName"`
	// GopsAddr, when set, starts a gops agent listening there.
	GopsAddr string `yaml:"gopsAddr"`

	Sync Sync        `yaml:"sync"`
	Diff Diff        `yaml:"diff"`
	Auth auth.Policy `yaml:"auth"`
}

type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Sync struct {
	IdleTimeout   Duration `yaml:"idleTimeout"`
	ReapInterval  Duration `yaml:"reapInterval"`
	FlushInterval Duration `yaml:"flushInterval"`
	ReplayWindow  int      `yaml:"replayWindow"`
	PendingLimit  int      `yaml:"pendingLimit"`
}

type Diff struct {
	MinSimilarity   float64  `yaml:"minSimilarity"`
	MatchRadius     int      `yaml:"matchRadius"`
	DeleteThreshold float64  `yaml:"deleteThreshold"`
	ReplaceBelow    float64  `yaml:"replaceBelow"`
	Margin          int      `yaml:"margin"`
	Timeout         Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	sc := diffsync.DefaultConfig()
	do := diff.DefaultOptions()
	return &Config{
		Addr:        ":8081",
		Store:       Store{Driver: store.DriverMemory},
		Broker:      BrokerHub,
		ServiceName: "_diffsync._tcp",
		Sync: Sync{
			IdleTimeout:   Duration(sc.IdleTimeout),
			ReapInterval:  Duration(sc.ReapInterval),
			FlushInterval: Duration(sc.FlushInterval),
			ReplayWindow:  sc.ReplayWindow,
			PendingLimit:  sc.PendingLimit,
		},
		Diff: Diff{
			MinSimilarity:   do.MinSimilarity,
			MatchRadius:     do.MatchRadius,
			DeleteThreshold: do.DeleteThreshold,
			ReplaceBelow:    do.ReplaceBelow,
			Margin:          do.Margin,
			Timeout:         Duration(do.Timeout),
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if any,
// and then with the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SYNCD_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store = Store{Driver: store.DriverPostgres, DSN: v}
	}
	if v, ok := lookup("SYNCD_STORE"); ok {
		c.Store.Driver = v
	}
	if v, ok := lookup("SYNCD_STORE_DSN"); ok {
		c.Store.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Broker = BrokerRedis
		c.RedisAddr = v
	}
	if v, ok := lookup("SYNCD_BROKER"); ok {
		c.Broker = v
	}
	if v, ok := lookup("SYNCD_MDNS"); ok {
		c.ServiceName = v
	}
	if v, ok := lookup("SYNCD_GOPS"); ok {
		c.GopsAddr = v
	}
	if v, ok := lookup("SYNCD_IDLE_TIMEOUT"); ok {
		if err := c.Sync.IdleTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("SYNCD_IDLE_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("SYNCD_MIN_SIMILARITY"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("SYNCD_MIN_SIMILARITY: %w", err)
		}
		c.Diff.MinSimilarity = f
	}
	return nil
}

// Validate reports settings no component can work with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case store.DriverMemory, "":
	case store.DriverPostgres, store.DriverSQLite, store.DriverBolt:
		if c.Store.DSN == "" {
			return fmt.Errorf("store %s needs a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Broker {
	case BrokerHub:
	case BrokerRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis broker needs redisAddr")
		}
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}
	if c.Diff.MinSimilarity <= 0 || c.Diff.MinSimilarity > 1 {
		return fmt.Errorf("diff.minSimilarity %v out of (0, 1]", c.Diff.MinSimilarity)
	}
	if c.Diff.ReplaceBelow < 0 || c.Diff.ReplaceBelow >= 1 {
		return fmt.Errorf("diff.replaceBelow %v out of [0, 1)", c.Diff.ReplaceBelow)
	}
	return nil
}

// SyncConfig returns the session manager settings.
func (c *Config) SyncConfig() diffsync.Config {
	return diffsync.Config{
		IdleTimeout:   time.Duration(c.Sync.IdleTimeout),
		ReapInterval:  time.Duration(c.Sync.ReapInterval),
		FlushInterval: time.Duration(c.Sync.FlushInterval),
		ReplayWindow:  c.Sync.ReplayWindow,
		PendingLimit:  c.Sync.PendingLimit,
	}
}

// DiffOptions returns the diff engine settings.
func (c *Config) DiffOptions() diff.Options {
	return diff.Options{
		MinSimilarity:   c.Diff.MinSimilarity,
		MatchRadius:     c.Diff.MatchRadius,
		DeleteThreshold: c.Diff.DeleteThreshold,
		ReplaceBelow:    c.Diff.ReplaceBelow,
		Margin:          c.Diff.Margin,
		Timeout:         time.Duration(c.Diff.Timeout),
	}
}
