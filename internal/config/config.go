package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models hiveline.yml.
type Config struct {
	Datastore struct {
		Driver        string `yaml:"driver"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	} `yaml:"datastore"`
	Jobs struct {
		Threads                int           `yaml:"threads"`
		MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
		LeaseTTL               time.Duration `yaml:"lease_ttl"`
		ProgressInterval       time.Duration `yaml:"progress_interval"`
	} `yaml:"jobs"`
	Engine      EngineConfig      `yaml:"engine"`
	Delays      DelayConfig       `yaml:"delays"`
	Congestion  CongestionConfig  `yaml:"congestion"`
	Equilibrium EquilibriumConfig `yaml:"equilibrium"`
	Server      struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type EngineConfig struct {
	Backend        string        `yaml:"backend"`
	DataDir        string        `yaml:"data_dir"`
	MemoryGB       int           `yaml:"memory_gb"`
	Threads        int           `yaml:"threads"`
	APITimeout     time.Duration `yaml:"api_timeout"`
	ClientTimeout  time.Duration `yaml:"client_timeout"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	OTPJar         string        `yaml:"otp_jar"`
	BifrostBinary  string        `yaml:"bifrost_binary"`
	BaseURL        string        `yaml:"base_url"`
}

type DelayConfig struct {
	Enabled    bool  `yaml:"enabled"`
	MaxQueries int   `yaml:"max_queries"`
	Seed       int64 `yaml:"seed"`
}

type CongestionConfig struct {
	DefaultLanes          int     `yaml:"default_lanes"`
	MaxMotorcycleSlowdown float64 `yaml:"max_motorcycle_slowdown"`
	VehiclesPerJourney    float64 `yaml:"vehicles_per_journey"`
}

type EquilibriumConfig struct {
	NumCitizens          float64 `yaml:"num_citizens"`
	VehicleFactor        float64 `yaml:"vehicle_factor"`
	InitialCarUsage      float64 `yaml:"initial_car_usage"`
	MixFactor            float64 `yaml:"mix_factor"`
	MaxIterations        int     `yaml:"max_iterations"`
	Epsilon              float64 `yaml:"epsilon"`
	CarOwnershipOverride float64 `yaml:"car_ownership_override"`
	CarUsageOverride     float64 `yaml:"car_usage_override"`
	Seed                 int64   `yaml:"seed"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hiveline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config values are usable.
func (c *Config) Validate() error {
	switch c.Datastore.Driver {
	case "sqlite":
	case "mongo":
		if c.Datastore.MongoURI == "" {
			return fmt.Errorf("config.datastore.mongo_uri is required for the mongo driver")
		}
		if c.Datastore.MongoDatabase == "" {
			return fmt.Errorf("config.datastore.mongo_database is required for the mongo driver")
		}
	default:
		return fmt.Errorf("config.datastore.driver must be 'sqlite' or 'mongo'")
	}
	if c.Jobs.Threads < 1 {
		return fmt.Errorf("config.jobs.threads must be at least 1")
	}
	if c.Jobs.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("config.jobs.max_consecutive_failures must not be negative")
	}
	if c.Jobs.LeaseTTL <= 0 {
		return fmt.Errorf("config.jobs.lease_ttl must be positive")
	}
	switch c.Engine.Backend {
	case "otp", "bifrost":
	default:
		return fmt.Errorf("config.engine.backend must be 'otp' or 'bifrost'")
	}
	if c.Engine.ClientTimeout <= 0 {
		return fmt.Errorf("config.engine.client_timeout must be positive")
	}
	if c.Engine.StartupTimeout <= 0 {
		return fmt.Errorf("config.engine.startup_timeout must be positive")
	}
	if c.Delays.MaxQueries < 1 {
		return fmt.Errorf("config.delays.max_queries must be at least 1")
	}
	if c.Congestion.DefaultLanes < 1 {
		return fmt.Errorf("config.congestion.default_lanes must be at least 1")
	}
	if c.Congestion.MaxMotorcycleSlowdown <= 0 || c.Congestion.MaxMotorcycleSlowdown > 1 {
		return fmt.Errorf("config.congestion.max_motorcycle_slowdown must be in (0,1]")
	}
	eq := c.Equilibrium
	if eq.MixFactor <= 0 || eq.MixFactor > 1 {
		return fmt.Errorf("config.equilibrium.mix_factor must be in (0,1]")
	}
	if eq.Epsilon <= 0 {
		return fmt.Errorf("config.equilibrium.epsilon must be positive")
	}
	if eq.MaxIterations < 1 {
		return fmt.Errorf("config.equilibrium.max_iterations must be at least 1")
	}
	for name, p := range map[string]float64{
		"initial_car_usage":      eq.InitialCarUsage,
		"car_ownership_override": eq.CarOwnershipOverride,
		"car_usage_override":     eq.CarUsageOverride,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("config.equilibrium.%s must be a probability", name)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "hiveline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `datastore:
  driver: sqlite
  mongo_uri: ""
  mongo_database: hiveline

jobs:
  threads: 4
  # a worker gives up after more consecutive failures than this
  max_consecutive_failures: 5
  lease_ttl: 5m
  progress_interval: 1s

engine:
  backend: otp
  data_dir: cache/graphs
  memory_gb: 4
  threads: 4
  api_timeout: 20s
  client_timeout: 40s
  startup_timeout: 10m
  otp_jar: otp-2.4.0-shaded.jar
  bifrost_binary: bifrost
  base_url: ""

delays:
  enabled: false
  max_queries: 20
  seed: 0

congestion:
  default_lanes: 2
  max_motorcycle_slowdown: 0.7
  # 0 derives the value from equilibrium.vehicle_factor and num_citizens
  vehicles_per_journey: 0

equilibrium:
  num_citizens: 2000000
  vehicle_factor: 0.00007
  initial_car_usage: 0.5
  mix_factor: 0.1
  max_iterations: 100
  epsilon: 0.001
  car_ownership_override: 0
  car_usage_override: 0
  seed: 0

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
