// Package config loads simulator settings from an optional YAML file and
// SIM_* environment variables.
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

	"github.com/signalsfoundry/tilesim/internal/observability"
	"github.com/signalsfoundry/tilesim/internal/simerr"
)

// Config is the full simulator configuration.
type Config struct {
	Sim     SimConfig     `yaml:"sim"`
	Grid    GridConfig    `yaml:"grid"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// SimConfig controls the scheduler and the driver loop.
type SimConfig struct {
	// TickSize is how much simulation time one tick covers.
	TickSize int64 `yaml:"tick_size"`
	// Interval is the wall-clock pause between ticks in realtime mode.
	Interval time.Duration `yaml:"interval"`
	// Mode is "realtime" or "accelerated".
	Mode string `yaml:"mode"`
	// Ticks is how many ticks to run; 0 runs until interrupted.
	Ticks int64 `yaml:"ticks"`
	// Seed feeds the demo world's random choices.
	Seed int64 `yaml:"seed"`
}

// GridConfig sizes the tile world.
type GridConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Name   string `yaml:"name"`
}

// LogConfig mirrors logging.Config.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig mirrors observability.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Observability converts the tracing section for observability.InitTracing.
func (t TracingConfig) Observability() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:     t.Enabled,
		ServiceName: t.ServiceName,
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		SampleRatio: t.SampleRatio,
	}
}

// Default returns a configuration that runs a short real-time demo.
func Default() Config {
	return Config{
		Sim: SimConfig{
			TickSize: 1,
			Interval: 500 * time.Millisecond,
			Mode:     "realtime",
			Ticks:    50,
			Seed:     1,
		},
		Grid: GridConfig{
			Width:  10,
			Height: 10,
			Name:   "Desert",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: observability.DefaultServiceName,
			SampleRatio: 1,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML from r into cfg. Unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

// ApplyEnv overrides cfg with any SIM_*, LOG_* and tracing variables that
// lookup finds.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	small := func(key string, dst *int) {
		n := int64(*dst)
		integer(key, &n)
		*dst = int(n)
	}

	integer("SIM_TICK_SIZE", &cfg.Sim.TickSize)
	integer("SIM_TICKS", &cfg.Sim.Ticks)
	integer("SIM_SEED", &cfg.Sim.Seed)
	str("SIM_MODE", &cfg.Sim.Mode)
	if v, ok := lookup("SIM_TICK_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SIM_TICK_INTERVAL: %w", err))
		} else {
			cfg.Sim.Interval = d
		}
	}

	small("SIM_GRID_WIDTH", &cfg.Grid.Width)
	small("SIM_GRID_HEIGHT", &cfg.Grid.Height)
	str("SIM_GRID_NAME", &cfg.Grid.Name)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("SIM_METRICS_ADDR", &cfg.Metrics.Addr)

	if v, ok := lookup("SIM_TRACING_ENABLED"); ok && v != "" {
		cfg.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("SIM_TRACING_EXPORTER"); ok && v != "" {
		cfg.Tracing.Exporter = strings.ToLower(v)
	}
	str("SIM_TRACING_SERVICE_NAME", &cfg.Tracing.ServiceName)
	str("SIM_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	if v, ok := lookup("SIM_TRACING_SAMPLE_RATIO"); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed >= 0 && parsed <= 1 {
			cfg.Tracing.SampleRatio = parsed
		}
	}

	return errors.Join(errs...)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Sim.TickSize <= 0 {
		errs = append(errs, fmt.Errorf("sim.tick_size must be positive, got %d", c.Sim.TickSize))
	}
	if c.Sim.Ticks < 0 {
		errs = append(errs, fmt.Errorf("sim.ticks must not be negative, got %d", c.Sim.Ticks))
	}
	if c.Sim.Interval < 0 {
		errs = append(errs, fmt.Errorf("sim.interval must not be negative, got %v", c.Sim.Interval))
	}
	switch c.Sim.Mode {
	case "realtime", "accelerated":
	default:
		errs = append(errs, fmt.Errorf("sim.mode must be realtime or accelerated, got %q", c.Sim.Mode))
	}
	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		errs = append(errs, fmt.Errorf("grid dimensions must be positive, got %dx%d", c.Grid.Width, c.Grid.Height))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0,1], got %v", c.Tracing.SampleRatio))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", simerr.ErrInvalidArgument, errors.Join(errs...))
}
