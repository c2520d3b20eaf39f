// Package config loads node and CLI settings from an optional TOML file with
// TT_* environment overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"trusttoken/internal/store"
	"trusttoken/internal/trusttoken"
	"trusttoken/pkg/proto"
)

const (
	defaultTopLevelOrigin    = "https://localhost"
	defaultRefillInterval    = 30
	defaultRequestTimeout    = 15
	defaultCommitmentTimeout = 10000
	defaultFetchesPerMinute  = 6
	defaultFetchBurst        = 2
	defaultRedisPrefix       = "tt:"
)

type Config struct {
	TopLevelOrigin string           `toml:"top_level_origin"`
	Env            string           `toml:"env"`
	LogLevel       string           `toml:"log_level"`
	Store          StoreConfig      `toml:"store"`
	Commitment     CommitmentConfig `toml:"commitment"`
	Refill         RefillConfig     `toml:"refill"`
	Metrics        MetricsConfig    `toml:"metrics"`
	Issuers        []IssuerConfig   `toml:"issuers"`
}

type StoreConfig struct {
	Backend       string `toml:"backend"`
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

type CommitmentConfig struct {
	TimeoutMS        int     `toml:"timeout_ms"`
	FetchesPerMinute float64 `toml:"fetches_per_minute"`
	Burst            int     `toml:"burst"`
}

type RefillConfig struct {
	IntervalSec       int `toml:"interval_sec"`
	Below             int `toml:"refill_below"`
	RequestTimeoutSec int `toml:"request_timeout_sec"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// IssuerConfig names one issuer to keep stocked. CommitmentFile pins the
// issuer's key commitment instead of fetching it.
type IssuerConfig struct {
	URL            string `toml:"url"`
	IssuancePath   string `toml:"issuance_path"`
	CommitmentFile string `toml:"commitment_file"`
}

func Default() *Config {
	return &Config{
		TopLevelOrigin: defaultTopLevelOrigin,
		LogLevel:       "info",
		Store: StoreConfig{
			Backend:     store.BackendMemory,
			RedisPrefix: defaultRedisPrefix,
		},
		Commitment: CommitmentConfig{
			TimeoutMS:        defaultCommitmentTimeout,
			FetchesPerMinute: defaultFetchesPerMinute,
			Burst:            defaultFetchBurst,
		},
		Refill: RefillConfig{
			IntervalSec:       defaultRefillInterval,
			Below:             trusttoken.PerIssuerTokenCapacity / 2,
			RequestTimeoutSec: defaultRequestTimeout,
		},
	}
}

// Load reads path when it is non-empty, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.TopLevelOrigin, "TT_TOP_LEVEL_ORIGIN")
	setString(&c.Env, "TT_ENV")
	setString(&c.LogLevel, "TT_LOG_LEVEL")
	setString(&c.Store.Backend, "TT_STORE_BACKEND")
	setString(&c.Store.Path, "TT_STORE_PATH")
	setString(&c.Store.RedisAddr, "TT_REDIS_ADDR")
	setString(&c.Store.RedisPassword, "TT_REDIS_PASSWORD")
	setString(&c.Store.RedisPrefix, "TT_REDIS_PREFIX")
	setString(&c.Metrics.Addr, "TT_METRICS_ADDR")
	for env, dst := range map[string]*int{
		"TT_REDIS_DB":                   &c.Store.RedisDB,
		"TT_COMMITMENT_TIMEOUT_MS":      &c.Commitment.TimeoutMS,
		"TT_REFILL_INTERVAL_SEC":        &c.Refill.IntervalSec,
		"TT_REFILL_BELOW":               &c.Refill.Below,
		"TT_REFILL_REQUEST_TIMEOUT_SEC": &c.Refill.RequestTimeoutSec,
	} {
		if err := setInt(dst, env); err != nil {
			return err
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TT_ISSUERS")); raw != "" {
		var issuers []IssuerConfig
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v != "" {
				issuers = append(issuers, IssuerConfig{URL: v})
			}
		}
		if len(issuers) > 0 {
			c.Issuers = issuers
		}
	}
	return nil
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) error {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: invalid integer %q", env, v)
	}
	*dst = parsed
	return nil
}

func (c *Config) Validate() error {
	if _, err := trusttoken.ParseSuitableOrigin(c.TopLevelOrigin); err != nil {
		return fmt.Errorf("top_level_origin: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case "", store.BackendMemory:
	case store.BackendLevelDB:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path required for leveldb backend")
		}
	case store.BackendRedis:
		if strings.TrimSpace(c.Store.RedisAddr) == "" {
			return fmt.Errorf("store.redis_addr required for redis backend")
		}
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Refill.Below < 0 || c.Refill.Below > trusttoken.PerIssuerTokenCapacity {
		return fmt.Errorf("refill.refill_below must be within [0, %d]", trusttoken.PerIssuerTokenCapacity)
	}
	if c.Refill.IntervalSec <= 0 {
		return fmt.Errorf("refill.interval_sec must be positive")
	}
	seen := make(map[trusttoken.Origin]struct{}, len(c.Issuers))
	for i, iss := range c.Issuers {
		o, err := trusttoken.ParseSuitableOrigin(iss.URL)
		if err != nil {
			return fmt.Errorf("issuers[%d]: %w", i, err)
		}
		if _, dup := seen[o]; dup {
			return fmt.Errorf("issuers[%d]: duplicate issuer %s", i, o)
		}
		seen[o] = struct{}{}
	}
	return nil
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:       c.Store.Backend,
		Path:          c.Store.Path,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		RedisPrefix:   c.Store.RedisPrefix,
	}
}

func (c *Config) CommitmentTimeout() time.Duration {
	return time.Duration(c.Commitment.TimeoutMS) * time.Millisecond
}

func (c *Config) RefillInterval() time.Duration {
	return time.Duration(c.Refill.IntervalSec) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	if c.Refill.RequestTimeoutSec <= 0 {
		return defaultRequestTimeout * time.Second
	}
	return time.Duration(c.Refill.RequestTimeoutSec) * time.Second
}

// IssuanceURL is where issuance requests for iss are sent.
func (iss IssuerConfig) IssuanceURL() string {
	path := strings.TrimSpace(iss.IssuancePath)
	if path == "" {
		path = proto.DefaultIssuancePath
	}
	base := strings.TrimRight(strings.TrimSpace(iss.URL), "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
