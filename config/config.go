// Package config loads pool and backend settings from YAML or TOML files
// and environment variables.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-i2p/go-connpool"
	"github.com/go-i2p/go-connpool/backend"
	"github.com/go-i2p/logger"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

// DefaultDialTimeout bounds TCP dials made by backend factories
const DefaultDialTimeout = 10 * time.Second

// File is the on-disk configuration
type File struct {
	Pool    PoolSection      `yaml:"pool" toml:"pool"`
	Backend backend.Settings `yaml:"backend" toml:"backend"`
	Metrics MetricsSection   `yaml:"metrics" toml:"metrics"`
}

// PoolSection mirrors connpool.Config
type PoolSection struct {
	Name            string   `yaml:"name" toml:"name"`
	CoreSize        int      `yaml:"core_size" toml:"core_size"`
	MaxOverflow     int      `yaml:"max_overflow" toml:"max_overflow"`
	CheckoutTimeout Duration `yaml:"checkout_timeout" toml:"checkout_timeout"`
	MaxLifetime     Duration `yaml:"max_lifetime" toml:"max_lifetime"`
	MaxIdleTime     Duration `yaml:"max_idle_time" toml:"max_idle_time"`
	ReapInterval    Duration `yaml:"reap_interval" toml:"reap_interval"`
	WaitOnClose     Duration `yaml:"wait_on_close" toml:"wait_on_close"`
	DialTimeout     Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// MetricsSection configures the Prometheus endpoint
type MetricsSection struct {
	// Addr is the listen address; empty disables the endpoint
	Addr string `yaml:"addr" toml:"addr"`
	Path string `yaml:"path" toml:"path"`
}

// Default returns the configuration used when no file or environment is
// given: the connpool defaults against a local Postgres.
func Default() *File {
	return &File{
		Pool: PoolSection{
			CoreSize:        connpool.DefaultCoreSize,
			MaxOverflow:     connpool.DefaultMaxOverflow,
			CheckoutTimeout: Duration(connpool.DefaultCheckoutTimeout),
			MaxLifetime:     Duration(connpool.DefaultMaxLifetime),
			DialTimeout:     Duration(DefaultDialTimeout),
		},
		Backend: backend.Settings{
			Driver: backend.DriverPostgres,
			Host:   "127.0.0.1",
		},
		Metrics: MetricsSection{
			Path: "/metrics",
		},
	}
}

// Load reads defaults, then path (if not empty), then the environment, and
// validates the result.
func Load(path string) (*File, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"path":    path,
		"driver":  cfg.Backend.Driver,
		"backend": cfg.Backend.String(),
	}).Debug("loaded configuration")

	return cfg, nil
}

// loadFromFile decodes path by extension: .yaml/.yml or .toml
func loadFromFile(path string, cfg *File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return oops.
			Code("CONFIG_READ_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "failed to read config file")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return oops.
			Code("UNSUPPORTED_FORMAT").
			In("config").
			With("path", path).
			Errorf("unsupported config file extension %q", ext)
	}

	if err != nil {
		return oops.
			Code("CONFIG_PARSE_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "failed to parse config file")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *File) error {
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		cfg.Backend.Driver = driver
	}

	if host := os.Getenv("INSTANCE_HOST"); host != "" {
		cfg.Backend.Host = host
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Backend.Host = host
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Backend.User = user
	}

	if pass := os.Getenv("DB_PASS"); pass != "" {
		cfg.Backend.Password = pass
	}

	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Backend.Database = name
	}

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"DB_PORT", &cfg.Backend.Port},
		{"POOL_SIZE", &cfg.Pool.CoreSize},
		{"POOL_MAX_OVERFLOW", &cfg.Pool.MaxOverflow},
	}
	for _, v := range ints {
		raw := os.Getenv(v.env)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return envError(v.env, raw, err)
		}
		*v.dst = n
	}

	durations := []struct {
		env string
		dst *Duration
	}{
		{"POOL_TIMEOUT", &cfg.Pool.CheckoutTimeout},
		{"POOL_RECYCLE", &cfg.Pool.MaxLifetime},
	}
	for _, v := range durations {
		raw := os.Getenv(v.env)
		if raw == "" {
			continue
		}
		d, err := ParseDuration(raw)
		if err != nil {
			return envError(v.env, raw, err)
		}
		*v.dst = Duration(d)
	}

	return nil
}

func envError(name, value string, err error) error {
	return oops.
		Code("INVALID_ENV").
		In("config").
		With("variable", name).
		With("value", value).
		Wrapf(err, "invalid value for %s", name)
}

// Validate checks the pool and backend sections
func (f *File) Validate() error {
	if err := f.PoolConfig().Validate(); err != nil {
		return err
	}
	if err := f.Backend.Validate(); err != nil {
		return err
	}
	if f.Pool.DialTimeout < 0 {
		return oops.
			Code("INVALID_DURATION").
			In("config").
			With("dial_timeout", f.Pool.DialTimeout.String()).
			Errorf("dial timeout must be non-negative")
	}
	return nil
}

// ToPoolConfig converts the section into a connpool.Config
func (s PoolSection) ToPoolConfig() *connpool.Config {
	return connpool.NewConfig().
		WithName(s.Name).
		WithCoreSize(s.CoreSize).
		WithMaxOverflow(s.MaxOverflow).
		WithCheckoutTimeout(s.CheckoutTimeout.Std()).
		WithMaxLifetime(s.MaxLifetime.Std()).
		WithMaxIdleTime(s.MaxIdleTime.Std()).
		WithReapInterval(s.ReapInterval.Std()).
		WithWaitOnClose(s.WaitOnClose.Std())
}

// PoolConfig returns the pool config, named after the backend fingerprint
// when no name is configured.
func (f *File) PoolConfig() *connpool.Config {
	cfg := f.Pool.ToPoolConfig()
	if cfg.Name == "" {
		cfg.Name = backend.PoolName(f.Backend)
	}
	return cfg
}

// Factory returns the connection factory for the backend section
func (f *File) Factory() (connpool.Factory, error) {
	return backend.New(f.Backend, f.Pool.DialTimeout.Std())
}

// NewPool builds a pool from the configuration
func (f *File) NewPool() (*connpool.Pool, error) {
	factory, err := f.Factory()
	if err != nil {
		return nil, err
	}
	return connpool.New(factory, f.PoolConfig())
}
