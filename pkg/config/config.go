// Package config loads the application configuration from a YAML file, an
// optional .env file and environment variables, in increasing priority.
package config

import (
	"os"
	"strconv"
	"time"

	"fluent/pkg/picker"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const day = 24 * time.Hour

type Config struct {
	Listen      string     `yaml:"listen"`
	Environment string     `yaml:"environment"`
	LogLevel    string     `yaml:"log_level"`
	MetaPath    string     `yaml:"meta_path"`
	CatalogPath string     `yaml:"catalog_path"`
	Scheduling  Scheduling `yaml:"scheduling"`
}

// Scheduling holds the review algorithm settings.
type Scheduling struct {
	// Intervals is the Leitner box table, shortest first.
	Intervals  []time.Duration `yaml:"intervals"`
	SampleSize int             `yaml:"sample_size"`
	WarmupSize int             `yaml:"warmup_size"`
	FactorMax  float64         `yaml:"factor_max"`
}

func Default() *Config {
	return &Config{
		Listen:      "localhost:63411",
		Environment: "development",
		LogLevel:    "info",
		MetaPath:    "fluent.meta",
		CatalogPath: "fluent.catalog",
		Scheduling:  DefaultScheduling(),
	}
}

func DefaultScheduling() Scheduling {
	week := 7 * day
	return Scheduling{
		Intervals: []time.Duration{
			day, 2 * day, 3 * day,
			week, 2 * week, 3 * week, 4 * week, 4 * week, 4 * week,
			8 * week, 8 * week, 16 * week, 24 * week, 56 * week,
		},
		SampleSize: 3,
		WarmupSize: 2,
		FactorMax:  1.5,
	}
}

func (s Scheduling) Picker() picker.Config {
	return picker.Config{SampleSize: s.SampleSize, WarmupSize: s.WarmupSize, FactorMax: s.FactorMax}
}

func (s Scheduling) Validate() error {
	if len(s.Intervals) == 0 {
		return errors.New("scheduling: empty interval table")
	}
	for i, d := range s.Intervals {
		if d <= 0 {
			return errors.Errorf("scheduling: interval %d is not positive", i)
		}
	}
	return errors.Wrap(s.Picker().Validate(), "scheduling")
}

func (c *Config) Validate() error {
	if c.MetaPath == "" {
		return errors.New("meta_path is required")
	}
	if c.CatalogPath == "" {
		return errors.New("catalog_path is required")
	}
	return c.Scheduling.Validate()
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads path (skipped when empty or missing), then envFile (likewise),
// then the FLUENT_* environment variables.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrapf(err, "read config %q", path)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, errors.Wrapf(err, "parse config %q", path)
			}
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "load env file %q", envFile)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Listen, "FLUENT_LISTEN")
	setString(&c.Environment, "FLUENT_ENV")
	setString(&c.LogLevel, "FLUENT_LOG_LEVEL")
	setString(&c.MetaPath, "FLUENT_META_PATH")
	setString(&c.CatalogPath, "FLUENT_CATALOG_PATH")
	if err := setInt(&c.Scheduling.SampleSize, "FLUENT_SAMPLE_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.Scheduling.WarmupSize, "FLUENT_WARMUP_SIZE"); err != nil {
		return err
	}
	if v := os.Getenv("FLUENT_FACTOR_MAX"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, "parse FLUENT_FACTOR_MAX")
		}
		c.Scheduling.FactorMax = f
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "parse %s", key)
	}
	*dst = n
	return nil
}
