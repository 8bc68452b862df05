// Package config loads service configuration from an optional YAML file,
// an optional .env file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/black76-engine/internal/forward"
)

// Config is the full service configuration.
type Config struct {
	Port         string        `yaml:"port"`
	DatabaseURL  string        `yaml:"database_url"` // empty: in-memory store
	RedisURL     string        `yaml:"redis_url"`    // cache on top of Postgres only
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	RiskFreeRate float64       `yaml:"risk_free_rate"`

	Batch    BatchConfig    `yaml:"batch"`
	Solver   SolverConfig   `yaml:"solver"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Deribit  DeribitConfig  `yaml:"deribit"`
	Exposure ExposureConfig `yaml:"exposure"`
}

type BatchConfig struct {
	Workers       int           `yaml:"workers"` // 0: GOMAXPROCS
	RecordTimeout time.Duration `yaml:"record_timeout"`
}

type SolverConfig struct {
	Tolerance     float64 `yaml:"tolerance"`
	StepTolerance float64 `yaml:"step_tolerance"`
	MaxIterations int     `yaml:"max_iterations"`
}

// Build returns the forward solver described by c.
func (c SolverConfig) Build() *forward.Solver {
	return &forward.Solver{
		Tolerance:     c.Tolerance,
		StepTolerance: c.StepTolerance,
		MaxIterations: c.MaxIterations,
	}
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"` // comma-separated; empty disables publishing
	Topic   string `yaml:"topic"`
}

type DeribitConfig struct {
	URL          string        `yaml:"url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Timeout      time.Duration `yaml:"timeout"`
}

type ExposureConfig struct {
	// MaxNetDelta caps |net delta| per underlying and expiry. 0 disables.
	MaxNetDelta float64 `yaml:"max_net_delta"`

	// MaxUnderlyingDelta caps the sum of |net delta| across expiries of one
	// underlying. 0 disables.
	MaxUnderlyingDelta float64 `yaml:"max_underlying_delta"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:     "8080",
		CacheTTL: 30 * time.Second,
		Batch: BatchConfig{
			RecordTimeout: 5 * time.Second,
		},
		Solver: SolverConfig{
			Tolerance:     forward.DefaultTolerance,
			StepTolerance: forward.DefaultStepTolerance,
			MaxIterations: forward.DefaultMaxIterations,
		},
		Kafka: KafkaConfig{
			Topic: "priced-records",
		},
		Deribit: DeribitConfig{
			URL:     "wss://www.deribit.com/ws/api/v2",
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
// A .env file in the working directory is loaded when present; variables
// already set in the environment win over it.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"PORT":                  &c.Port,
		"DATABASE_URL":          &c.DatabaseURL,
		"REDIS_URL":             &c.RedisURL,
		"KAFKA_BROKERS":         &c.Kafka.Brokers,
		"KAFKA_TOPIC":           &c.Kafka.Topic,
		"DERIBIT_WS_URL":        &c.Deribit.URL,
		"DERIBIT_CLIENT_ID":     &c.Deribit.ClientID,
		"DERIBIT_CLIENT_SECRET": &c.Deribit.ClientSecret,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	var errs []error
	durations := map[string]*time.Duration{
		"CACHE_TTL":      &c.CacheTTL,
		"RECORD_TIMEOUT": &c.Batch.RecordTimeout,
	}
	for key, dst := range durations {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = d
		}
	}

	floats := map[string]*float64{
		"SOLVER_TOLERANCE":      &c.Solver.Tolerance,
		"SOLVER_STEP_TOLERANCE": &c.Solver.StepTolerance,
		"RISK_FREE_RATE":        &c.RiskFreeRate,
		"MAX_NET_DELTA":         &c.Exposure.MaxNetDelta,
		"MAX_UNDERLYING_DELTA":  &c.Exposure.MaxUnderlyingDelta,
	}
	for key, dst := range floats {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = f
		}
	}

	ints := map[string]*int{
		"WORKERS":               &c.Batch.Workers,
		"SOLVER_MAX_ITERATIONS": &c.Solver.MaxIterations,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				continue
			}
			*dst = n
		}
	}

	return errors.Join(errs...)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must be set"))
	}
	if c.Solver.Tolerance <= 0 {
		errs = append(errs, fmt.Errorf("solver.tolerance must be > 0 (got %g)", c.Solver.Tolerance))
	}
	if c.Solver.StepTolerance <= 0 {
		errs = append(errs, fmt.Errorf("solver.step_tolerance must be > 0 (got %g)", c.Solver.StepTolerance))
	}
	if c.Solver.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("solver.max_iterations must be > 0 (got %d)", c.Solver.MaxIterations))
	}
	if c.Batch.Workers < 0 {
		errs = append(errs, fmt.Errorf("batch.workers must be >= 0 (got %d)", c.Batch.Workers))
	}
	if c.Batch.RecordTimeout < 0 {
		errs = append(errs, fmt.Errorf("batch.record_timeout must be >= 0 (got %s)", c.Batch.RecordTimeout))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must be > 0 (got %s)", c.CacheTTL))
	}
	if c.Exposure.MaxNetDelta < 0 {
		errs = append(errs, fmt.Errorf("exposure.max_net_delta must be >= 0 (got %g)", c.Exposure.MaxNetDelta))
	}
	if c.Exposure.MaxUnderlyingDelta < 0 {
		errs = append(errs, fmt.Errorf("exposure.max_underlying_delta must be >= 0 (got %g)", c.Exposure.MaxUnderlyingDelta))
	}
	if c.Kafka.Brokers != "" && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic must be set when kafka.brokers is"))
	}
	return errors.Join(errs...)
}
