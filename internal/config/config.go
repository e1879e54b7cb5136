package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/vango-dev/routeloader/internal/errors"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "routeloader.json"

	// DefaultStaleTime is the navigation stale time. Zero means always stale.
	DefaultStaleTime = 0

	// DefaultPreloadStaleTime is how long a preloaded entry satisfies another preload.
	DefaultPreloadStaleTime = 30 * time.Second

	// DefaultGCTime is the idle time after which an unreferenced entry is evicted.
	DefaultGCTime = 30 * time.Minute

	// DefaultSweepInterval is how often the cache janitor runs.
	DefaultSweepInterval = time.Minute

	// DefaultMaxRedirects bounds redirect chains.
	DefaultMaxRedirects = 10

	// DefaultAddr is the default address of the serve command.
	DefaultAddr = ":3000"
)

// Not-found attribution modes.
const (
	NotFoundFuzzy = "fuzzy"
	NotFoundRoot  = "root"
)

// Deferred settlement store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Duration is a time.Duration encoded as a Go duration string in JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are read as nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete routeloader.json configuration.
type Config struct {
	// Cache contains loader cache freshness and eviction settings.
	Cache CacheConfig `json:"cache"`

	// NotFoundMode is "fuzzy" (nearest capable ancestor) or "root".
	NotFoundMode string `json:"notFoundMode,omitempty"`

	// MaxRedirects bounds the number of redirects one navigation follows.
	MaxRedirects int `json:"maxRedirects,omitempty"`

	// Preload contains preload throttling settings.
	Preload PreloadConfig `json:"preload"`

	// Deferred contains deferred settlement storage settings.
	Deferred DeferredConfig `json:"deferred"`

	// Server contains settings for the serve command.
	Server ServerConfig `json:"server"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// CacheConfig contains loader cache settings.
type CacheConfig struct {
	// StaleTime is how long navigation results stay fresh.
	StaleTime Duration `json:"staleTime"`

	// PreloadStaleTime is how long preload results stay fresh for other preloads.
	PreloadStaleTime Duration `json:"preloadStaleTime"`

	// GCTime is the idle time before an unreferenced entry is evicted.
	GCTime Duration `json:"gcTime"`

	// SweepInterval is how often the janitor sweeps the cache.
	SweepInterval Duration `json:"sweepInterval"`
}

// PreloadConfig throttles preloads.
type PreloadConfig struct {
	// Rate is the sustained number of preloads per second.
	Rate float64 `json:"rate,omitempty"`

	// Burst is the token bucket size.
	Burst int `json:"burst,omitempty"`

	// Concurrency is the maximum number of preloads in flight.
	Concurrency int `json:"concurrency,omitempty"`
}

// DeferredConfig configures where settled deferred values are kept for replay.
type DeferredConfig struct {
	// Store is "memory" or "redis".
	Store string `json:"store,omitempty"`

	// RedisURL is the redis:// URL used when Store is "redis".
	RedisURL string `json:"redisUrl,omitempty"`

	// KeyPrefix prefixes every settlement key.
	KeyPrefix string `json:"keyPrefix,omitempty"`

	// TTL is how long settlements are kept for late subscribers.
	TTL Duration `json:"ttl"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `json:"addr,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Cache: CacheConfig{
			StaleTime:        Duration(DefaultStaleTime),
			PreloadStaleTime: Duration(DefaultPreloadStaleTime),
			GCTime:           Duration(DefaultGCTime),
			SweepInterval:    Duration(DefaultSweepInterval),
		},
		NotFoundMode: NotFoundFuzzy,
		MaxRedirects: DefaultMaxRedirects,
		Preload: PreloadConfig{
			Rate:        5,
			Burst:       5,
			Concurrency: 2,
		},
		Deferred: DeferredConfig{
			Store:     StoreMemory,
			KeyPrefix: "routeloader:deferred:",
			TTL:       Duration(5 * time.Minute),
		},
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for routeloader.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E161").
				WithDetail("No " + ConfigFileName + " found in " + filepath.Dir(path)).
				WithSuggestion("Create " + ConfigFileName + " or run without --config to use defaults")
		}
		return nil, errors.New("E161").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("E161").
			WithDetail("Failed to parse " + ConfigFileName + ": " + err.Error()).
			WithSuggestion("Check that the file is valid JSON and durations are strings like \"30s\"")
	}

	cfg.configPath = path
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("E161").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("E161").Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// applyDefaults fills in default values for empty fields.
// Zero is a meaningful stale time, so StaleTime is never defaulted here.
func (c *Config) applyDefaults() {
	if c.Cache.GCTime == 0 {
		c.Cache.GCTime = Duration(DefaultGCTime)
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = Duration(DefaultSweepInterval)
	}
	if c.NotFoundMode == "" {
		c.NotFoundMode = NotFoundFuzzy
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.Preload.Burst == 0 {
		c.Preload.Burst = 5
	}
	if c.Preload.Concurrency == 0 {
		c.Preload.Concurrency = 2
	}
	if c.Deferred.Store == "" {
		c.Deferred.Store = StoreMemory
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch {
	case c.Cache.StaleTime < 0 || c.Cache.PreloadStaleTime < 0:
		return errors.New("E160").WithDetail("stale times must not be negative")
	case c.Cache.GCTime < 0:
		return errors.New("E160").WithDetail("gcTime must not be negative")
	case c.NotFoundMode != NotFoundFuzzy && c.NotFoundMode != NotFoundRoot:
		return errors.New("E160").WithDetail("notFoundMode must be \"fuzzy\" or \"root\", got \"" + c.NotFoundMode + "\"")
	case c.MaxRedirects < 0:
		return errors.New("E160").WithDetail("maxRedirects must not be negative")
	case c.Preload.Rate < 0 || c.Preload.Burst < 0 || c.Preload.Concurrency < 0:
		return errors.New("E160").WithDetail("preload limits must not be negative")
	case c.Deferred.Store != StoreMemory && c.Deferred.Store != StoreRedis:
		return errors.New("E160").WithDetail("deferred.store must be \"memory\" or \"redis\"")
	case c.Deferred.Store == StoreRedis && c.Deferred.RedisURL == "":
		return errors.New("E160").
			WithDetail("deferred.redisUrl is required when deferred.store is \"redis\"").
			WithSuggestion("Set deferred.redisUrl, e.g. \"redis://localhost:6379/0\"")
	}
	return nil
}
