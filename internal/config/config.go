// Package config loads gitfix settings from a YAML file and GITFIX_*
// environment variables. Environment values override the file; defaults
// fill whatever is left.
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

	"gopkg.in/yaml.v3"

	"github.com/lorenzkrinner/gitfix/pkg/api"
)

// Storage and transport drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Store        StoreConfig      `yaml:"store"`
	Queue        QueueConfig      `yaml:"queue"`
	Stream       StreamConfig     `yaml:"stream"`
	Engine       EngineConfig     `yaml:"engine"`
	Workers      WorkersConfig    `yaml:"workers"`
	Token        TokenConfig      `yaml:"token"`
	Pacing       PacingConfig     `yaml:"pacing"`
	Tracing      TracingConfig    `yaml:"tracing"`
	Log          LogConfig        `yaml:"log"`
	GitHub       GitHubConfig     `yaml:"github"`
	Repositories []api.Repository `yaml:"repositories"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redisAddr"`
	MongoURI  string `yaml:"mongoURI"`
	MongoDB   string `yaml:"mongoDB"`
}

type QueueConfig struct {
	// Driver defaults to the store driver.
	Driver string `yaml:"driver"`
}

type StreamConfig struct {
	Driver string `yaml:"driver"`
	Buffer int    `yaml:"buffer"`
}

type EngineConfig struct {
	InlineSleepMax time.Duration `yaml:"inlineSleepMax"`
	LeaseTTL       time.Duration `yaml:"leaseTTL"`
	SweepSchedule  string        `yaml:"sweepSchedule"`
}

type WorkersConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type TokenConfig struct {
	Secret       string        `yaml:"secret"`
	TTL          time.Duration `yaml:"ttl"`
	RefreshRate  float64       `yaml:"refreshRate"`
	RefreshBurst int           `yaml:"refreshBurst"`
}

type PacingConfig struct {
	Enabled bool    `yaml:"enabled"`
	Scale   float64 `yaml:"scale"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GitHubConfig struct {
	Token  string `yaml:"token"`
	APIURL string `yaml:"apiURL"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (if not empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "GITFIX_ADDR")

	setString(&c.Store.Driver, "GITFIX_STORE_DRIVER")
	setString(&c.Store.DSN, "GITFIX_STORE_DSN")
	setString(&c.Store.RedisAddr, "GITFIX_REDIS_ADDR")
	setString(&c.Store.MongoURI, "GITFIX_MONGO_URI")
	setString(&c.Store.MongoDB, "GITFIX_MONGO_DB")
	setString(&c.Queue.Driver, "GITFIX_QUEUE_DRIVER")
	setString(&c.Stream.Driver, "GITFIX_STREAM_DRIVER")
	setString(&c.Engine.SweepSchedule, "GITFIX_SWEEP_SCHEDULE")
	setString(&c.Token.Secret, "GITFIX_TOKEN_SECRET")
	setString(&c.Tracing.Exporter, "GITFIX_TRACING_EXPORTER")
	setString(&c.Tracing.Endpoint, "GITFIX_TRACING_ENDPOINT")
	setString(&c.Log.Level, "GITFIX_LOG_LEVEL")
	setString(&c.Log.Format, "GITFIX_LOG_FORMAT")
	setString(&c.GitHub.Token, "GITFIX_GITHUB_TOKEN")
	setString(&c.GitHub.APIURL, "GITFIX_GITHUB_API_URL")

	return errors.Join(
		setInt(&c.Stream.Buffer, "GITFIX_STREAM_BUFFER"),
		setInt(&c.Workers.Concurrency, "GITFIX_WORKERS"),
		setDuration(&c.Engine.InlineSleepMax, "GITFIX_INLINE_SLEEP_MAX"),
		setDuration(&c.Engine.LeaseTTL, "GITFIX_LEASE_TTL"),
		setDuration(&c.Token.TTL, "GITFIX_TOKEN_TTL"),
		setBool(&c.Pacing.Enabled, "GITFIX_PACING"),
		setFloat(&c.Pacing.Scale, "GITFIX_PACING_SCALE"),
		setBool(&c.Tracing.Enabled, "GITFIX_TRACING"),
		setBool(&c.Tracing.Insecure, "GITFIX_TRACING_INSECURE"),
	)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.MongoDB == "" {
		c.Store.MongoDB = "gitfix"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = c.Store.Driver
	}
	if c.Stream.Driver == "" {
		c.Stream.Driver = DriverMemory
	}
	if c.Stream.Buffer <= 0 {
		c.Stream.Buffer = 256
	}
	if c.Engine.InlineSleepMax <= 0 {
		c.Engine.InlineSleepMax = 2 * time.Second
	}
	if c.Engine.LeaseTTL <= 0 {
		c.Engine.LeaseTTL = time.Minute
	}
	if c.Engine.SweepSchedule == "" {
		c.Engine.SweepSchedule = "@every 1m"
	}
	if c.Workers.Concurrency <= 0 {
		c.Workers.Concurrency = 4
	}
	if c.Token.TTL <= 0 {
		c.Token.TTL = 15 * time.Minute
	}
	if c.Pacing.Scale <= 0 {
		c.Pacing.Scale = 1
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	for i := range c.Repositories {
		if c.Repositories[i].Mode == "" {
			c.Repositories[i].Mode = api.ModeApproval
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	storeDrivers := []string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo}
	errs = append(errs,
		oneOf("store.driver", c.Store.Driver, storeDrivers...),
		oneOf("queue.driver", c.Queue.Driver, storeDrivers...),
		oneOf("stream.driver", c.Stream.Driver, DriverMemory, DriverRedis),
		oneOf("tracing.exporter", c.Tracing.Exporter, "stdout", "otlp-grpc", "otlp-http"),
		oneOf("log.level", strings.ToLower(c.Log.Level), "debug", "info", "warn", "error"),
		oneOf("log.format", c.Log.Format, "text", "json"),
	)

	uses := func(driver string) bool {
		return c.Store.Driver == driver || c.Queue.Driver == driver || c.Stream.Driver == driver
	}
	if (uses(DriverSQLite) || uses(DriverPostgres)) && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for sqlite and postgres"))
	}
	if uses(DriverSQLite) && uses(DriverPostgres) {
		errs = append(errs, errors.New("sqlite and postgres cannot share store.dsn"))
	}
	if uses(DriverRedis) && c.Store.RedisAddr == "" {
		errs = append(errs, errors.New("store.redisAddr is required for redis"))
	}
	if uses(DriverMongo) && c.Store.MongoURI == "" {
		errs = append(errs, errors.New("store.mongoURI is required for mongo"))
	}

	seen := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("repositories[%d]: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("repositories[%d]: duplicate id %q", i, r.ID))
		}
		seen[r.ID] = true
		if r.Mode != api.ModeApproval && r.Mode != api.ModeAuto {
			errs = append(errs, fmt.Errorf("repositories[%d]: mode must be approval or auto, got %q", i, r.Mode))
		}
		if r.MaxRetries != nil && *r.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("repositories[%d]: maxRetries must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// RepositoryMap indexes the configured repositories by id.
func (c *Config) RepositoryMap() api.StaticRepositories {
	out := make(api.StaticRepositories, len(c.Repositories))
	for _, r := range c.Repositories {
		out[r.ID] = r
	}
	return out
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", field, v, strings.Join(allowed, ", "))
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
