// Package config loads layered settings: defaults, an optional YAML file and
// IRIS_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/humblenginr/iris_pipeline/actor"
	"github.com/humblenginr/iris_pipeline/logger"
	"github.com/humblenginr/iris_pipeline/pipeline"
	"github.com/humblenginr/iris_pipeline/server"
)

const (
	EnvPrefix   = "IRIS"
	DefaultFile = "iris.yaml"

	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Store    StoreConfig    `mapstructure:"store"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Actor    ActorConfig    `mapstructure:"actor"`
	Train    TrainConfig    `mapstructure:"train"`
	Server   ServerConfig   `mapstructure:"server"`
	Reports  ReportsConfig  `mapstructure:"reports"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error or disabled
	JSON  bool   `mapstructure:"json"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "memory" or "sqlite"
	Path   string `mapstructure:"path"`
}

type ExecutorConfig struct {
	// Concurrency caps parallel nodes; zero uses the number of CPUs.
	Concurrency int `mapstructure:"concurrency"`
}

type ActorConfig struct {
	Name           string        `mapstructure:"name"`
	Replicas       int           `mapstructure:"replicas"`
	TTL            time.Duration `mapstructure:"ttl"`
	Lifetime       time.Duration `mapstructure:"lifetime"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	AcquireRetries uint64        `mapstructure:"acquire_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
	CacheSize      int           `mapstructure:"cache_size"`
}

type TrainConfig struct {
	NNeighbors int     `mapstructure:"n_neighbors"`
	TestSize   float64 `mapstructure:"test_size"`
	Seed       int64   `mapstructure:"seed"`
	// Source is a CSV url or path; empty uses the embedded iris data.
	Source   string `mapstructure:"source"`
	CacheDir string `mapstructure:"cache_dir"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type ReportsConfig struct {
	Dir string `mapstructure:"dir"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	pool := actor.DefaultConfig()
	return Config{
		Log:   LogConfig{Level: string(logger.InfoLevel)},
		Store: StoreConfig{Driver: DriverSQLite, Path: ".iris/artifacts.db"},
		Actor: ActorConfig{
			Name:           pool.Name,
			Replicas:       pool.Replicas,
			TTL:            pool.TTL,
			Lifetime:       pool.Lifetime,
			AcquireTimeout: pool.AcquireTimeout,
			AcquireRetries: pool.AcquireRetries,
			RetryInterval:  pool.RetryInterval,
			CacheSize:      pool.CacheSize,
		},
		Train: TrainConfig{
			NNeighbors: pipeline.DefaultNNeighbors,
			TestSize:   pipeline.DefaultTestSize,
			Seed:       pipeline.DefaultSeed,
			CacheDir:   ".iris/cache",
		},
		Server:  ServerConfig{Addr: server.DefaultConfig().Addr},
		Reports: ReportsConfig{Dir: "reports"},
	}
}

// SetDefaults registers every key with v so environment overrides are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("executor.concurrency", d.Executor.Concurrency)
	v.SetDefault("actor.name", d.Actor.Name)
	v.SetDefault("actor.replicas", d.Actor.Replicas)
	v.SetDefault("actor.ttl", d.Actor.TTL)
	v.SetDefault("actor.lifetime", d.Actor.Lifetime)
	v.SetDefault("actor.acquire_timeout", d.Actor.AcquireTimeout)
	v.SetDefault("actor.acquire_retries", d.Actor.AcquireRetries)
	v.SetDefault("actor.retry_interval", d.Actor.RetryInterval)
	v.SetDefault("actor.cache_size", d.Actor.CacheSize)
	v.SetDefault("train.n_neighbors", d.Train.NNeighbors)
	v.SetDefault("train.test_size", d.Train.TestSize)
	v.SetDefault("train.seed", d.Train.Seed)
	v.SetDefault("train.source", d.Train.Source)
	v.SetDefault("train.cache_dir", d.Train.CacheDir)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("reports.dir", d.Reports.Dir)
}

// Load reads path, or ./iris.yaml when path is empty and that file exists.
// A missing explicit file is an error; a missing default file is not.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch logger.LogLevel(c.Log.Level) {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel, logger.DisabledLevel:
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Executor.Concurrency < 0 {
		errs = append(errs, errors.New("executor.concurrency must not be negative"))
	}
	if c.Actor.Name == "" {
		errs = append(errs, errors.New("actor.name is required"))
	}
	if c.Actor.Replicas <= 0 {
		errs = append(errs, errors.New("actor.replicas must be greater than zero"))
	}
	if c.Actor.AcquireTimeout <= 0 {
		errs = append(errs, errors.New("actor.acquire_timeout must be greater than zero"))
	}
	if c.Actor.CacheSize <= 0 {
		errs = append(errs, errors.New("actor.cache_size must be greater than zero"))
	}
	if c.Train.NNeighbors <= 0 {
		errs = append(errs, errors.New("train.n_neighbors must be greater than zero"))
	}
	if c.Train.TestSize <= 0 || c.Train.TestSize >= 1 {
		errs = append(errs, fmt.Errorf("train.test_size must be in (0, 1), got %v", c.Train.TestSize))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	return errors.Join(errs...)
}

func (c Config) Logger() *logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = logger.LogLevel(c.Log.Level)
	lc.JSON = c.Log.JSON
	return lc
}

func (c Config) Pool() actor.Config {
	return actor.Config{
		Name:           c.Actor.Name,
		Replicas:       c.Actor.Replicas,
		TTL:            c.Actor.TTL,
		Lifetime:       c.Actor.Lifetime,
		AcquireTimeout: c.Actor.AcquireTimeout,
		AcquireRetries: c.Actor.AcquireRetries,
		RetryInterval:  c.Actor.RetryInterval,
		CacheSize:      c.Actor.CacheSize,
	}
}

func (c Config) Pipeline() pipeline.Options {
	return pipeline.Options{
		TestSize:   c.Train.TestSize,
		Seed:       c.Train.Seed,
		ReportsDir: c.Reports.Dir,
		Pool:       c.Actor.Name,
		Source:     pipeline.Source{Location: c.Train.Source, CacheDir: c.Train.CacheDir},
	}
}

func (c Config) HTTP() server.Config {
	sc := server.DefaultConfig()
	sc.Addr = c.Server.Addr
	return sc
}
