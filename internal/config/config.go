// Package config loads maude-sync settings from a YAML file, the
// environment and an optional .env file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/eunmann/maude-sync/pkg/fetch"
	"github.com/eunmann/maude-sync/pkg/ingest"
	"github.com/eunmann/maude-sync/pkg/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAUDE_"

// Remote kinds.
const (
	RemoteHTTP = "http"
	RemoteS3   = "s3"
)

type RemoteConfig struct {
	Kind       string `yaml:"kind"`
	BaseURL    string `yaml:"base_url"`
	ListingURL string `yaml:"listing_url"`
	ListingTTL string `yaml:"listing_ttl"`
	S3URI      string `yaml:"s3_uri"`
	UserAgent  string `yaml:"user_agent"`

	listingTTL time.Duration
}

type FetchConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	AttemptTimeout string `yaml:"attempt_timeout"`
	ProbeTimeout   string `yaml:"probe_timeout"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`

	parsed fetch.Config
}

type StoreConfig struct {
	Synchronous string `yaml:"synchronous"`
	ChunkRows   int    `yaml:"chunk_rows"`
	BusyTimeout string `yaml:"busy_timeout"`

	busyTimeout time.Duration
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
	Human bool `yaml:"human"`
}

// Config is the full maude-sync configuration.
type Config struct {
	DBPath      string       `yaml:"db_path"`
	CacheDir    string       `yaml:"cache_dir"`
	Concurrency int          `yaml:"concurrency"`
	MemBudget   string       `yaml:"mem_budget"`
	Remote      RemoteConfig `yaml:"remote"`
	Fetch       FetchConfig  `yaml:"fetch"`
	Store       StoreConfig  `yaml:"store"`
	Log         LogConfig    `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DBPath:      "maude.db",
		CacheDir:    "maude_cache",
		Concurrency: ingest.DefaultConcurrency,
		Remote: RemoteConfig{
			Kind:       RemoteHTTP,
			BaseURL:    fetch.DefaultBaseURL,
			ListingTTL: "10m",
			UserAgent:  fetch.DefaultUserAgent,
		},
		Store: StoreConfig{Synchronous: "NORMAL"},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := Decode(f, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode reads YAML into cfg, rejecting unknown keys.
func Decode(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// LoadEnvFile exports the variables of a .env file that are not already
// set. An empty path tries ./.env and ignores its absence.
func LoadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from MAUDE_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
		}
		*dst = b
		return nil
	}

	str("DB_PATH", &c.DBPath)
	str("CACHE_DIR", &c.CacheDir)
	str("REMOTE_KIND", &c.Remote.Kind)
	str("BASE_URL", &c.Remote.BaseURL)
	str("LISTING_URL", &c.Remote.ListingURL)
	str("S3_URI", &c.Remote.S3URI)
	str("USER_AGENT", &c.Remote.UserAgent)
	str("SYNCHRONOUS", &c.Store.Synchronous)
	return errors.Join(
		num("CONCURRENCY", &c.Concurrency),
		num("MAX_ATTEMPTS", &c.Fetch.MaxAttempts),
		flag("DEBUG", &c.Log.Debug),
		flag("LOG_HUMAN", &c.Log.Human),
	)
}

func parseDuration(field, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	*dst = d
	return nil
}

// Validate checks values and parses durations.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	if c.CacheDir == "" {
		return errors.New("cache_dir is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Concurrency)
	}

	c.Remote.Kind = strings.ToLower(strings.TrimSpace(c.Remote.Kind))
	switch c.Remote.Kind {
	case "", RemoteHTTP:
		c.Remote.Kind = RemoteHTTP
		if c.Remote.BaseURL == "" {
			return errors.New("remote.base_url is required for the http remote")
		}
	case RemoteS3:
		if _, _, err := fetch.ParseS3URI(c.Remote.S3URI); err != nil {
			return fmt.Errorf("remote.s3_uri: %w", err)
		}
	default:
		return fmt.Errorf("invalid remote.kind %q: must be %s or %s", c.Remote.Kind, RemoteHTTP, RemoteS3)
	}

	fc := fetch.Config{MaxAttempts: c.Fetch.MaxAttempts}
	err := errors.Join(
		parseDuration("remote.listing_ttl", c.Remote.ListingTTL, &c.Remote.listingTTL),
		parseDuration("fetch.attempt_timeout", c.Fetch.AttemptTimeout, &fc.AttemptTimeout),
		parseDuration("fetch.probe_timeout", c.Fetch.ProbeTimeout, &fc.ProbeTimeout),
		parseDuration("fetch.initial_backoff", c.Fetch.InitialBackoff, &fc.InitialBackoff),
		parseDuration("fetch.max_backoff", c.Fetch.MaxBackoff, &fc.MaxBackoff),
		parseDuration("store.busy_timeout", c.Store.BusyTimeout, &c.Store.busyTimeout),
	)
	if err != nil {
		return err
	}
	if err := fc.Validate(); err != nil {
		return err
	}
	c.Fetch.parsed = fc

	sc := c.StoreConfig()
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// FetchConfig returns the validated retry policy.
func (c *Config) FetchConfig() fetch.Config {
	return c.Fetch.parsed
}

// ListingTTL returns how long a fetched listing page stays fresh.
func (c *Config) ListingTTL() time.Duration {
	return c.Remote.listingTTL
}

// StoreConfig returns the SQLite store settings.
func (c *Config) StoreConfig() store.Config {
	sc := store.DefaultConfig(c.DBPath)
	if c.Store.Synchronous != "" {
		sc.Synchronous = strings.ToUpper(c.Store.Synchronous)
	}
	if c.Store.ChunkRows != 0 {
		sc.ChunkRows = c.Store.ChunkRows
	}
	if c.Store.busyTimeout != 0 {
		sc.BusyTimeout = c.Store.busyTimeout
	}
	return sc
}
