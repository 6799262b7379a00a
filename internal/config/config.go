// Package config provides configuration loading for dotsim.
// It supports loading from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all simulation and service settings.
type Config struct {
	// Population and arena.
	NumAgents     int     `json:"num_agents" yaml:"num_agents"`
	PopulationCap int     `json:"population_cap" yaml:"population_cap"`
	ArenaSize     float64 `json:"arena_size" yaml:"arena_size"`
	Speed         float64 `json:"speed" yaml:"speed"`

	// InteractionDistance is the strict upper bound on pair distance for a game.
	InteractionDistance float64 `json:"interaction_distance" yaml:"interaction_distance"`

	// Per-tick probabilities.
	NewAgentProbability            float64 `json:"new_agent_probability" yaml:"new_agent_probability"`
	MarketCrashProbability         float64 `json:"market_crash_probability" yaml:"market_crash_probability"`
	RecessionDepressionProbability float64 `json:"recession_depression_probability" yaml:"recession_depression_probability"`
	BailoutProbability             float64 `json:"bailout_probability" yaml:"bailout_probability"`

	// Policies.
	AntitrustThreshold float64 `json:"antitrust_threshold" yaml:"antitrust_threshold"` // share of total wealth
	ConsumptionRatio   float64 `json:"consumption_ratio" yaml:"consumption_ratio"`

	// Q-learning parameters.
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	DiscountFactor float64 `json:"discount_factor" yaml:"discount_factor"`

	// Seed for the shared random source. 0 picks one at startup.
	Seed int64 `json:"seed" yaml:"seed"`

	// Driver.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxTicks     uint64        `json:"max_ticks" yaml:"max_ticks"` // 0 = run until stopped

	// LegendEvery logs the legend every N ticks (0 disables).
	LegendEvery uint64 `json:"legend_every" yaml:"legend_every"`

	// Persistence.
	DBPath    string `json:"db_path" yaml:"db_path"` // empty disables persistence
	SaveEvery uint64 `json:"save_every" yaml:"save_every"`

	// HTTP API.
	APIAddr  string `json:"api_addr" yaml:"api_addr"` // empty disables the API
	AdminKey string `json:"-" yaml:"admin_key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Default returns a Config with the stock simulation parameters.
func Default() *Config {
	return &Config{
		NumAgents:                      4,
		PopulationCap:                  10,
		ArenaSize:                      3.0,
		Speed:                          0.1,
		InteractionDistance:            0.3,
		NewAgentProbability:            0.05,
		MarketCrashProbability:         0.03,
		RecessionDepressionProbability: 0.01,
		BailoutProbability:             0.5,
		AntitrustThreshold:             0.25,
		ConsumptionRatio:               2,
		LearningRate:                   0.1,
		DiscountFactor:                 0.9,
		TickInterval:                   50 * time.Millisecond,
		LegendEvery:                    100,
		DBPath:                         "data/dotsim.db",
		SaveEvery:                      500,
		APIAddr:                        ":8080",
		LogLevel:                       "info",
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// envResolver binds one environment variable to a config field.
type envResolver struct {
	name   string
	setter func(*Config, string) error
}

var envResolvers = []envResolver{
	{"DOTSIM_SEED", func(c *Config, v string) error { return parseInt(v, &c.Seed) }},
	{"DOTSIM_NUM_AGENTS", func(c *Config, v string) error { return parseIntField(v, &c.NumAgents) }},
	{"DOTSIM_POPULATION_CAP", func(c *Config, v string) error { return parseIntField(v, &c.PopulationCap) }},
	{"DOTSIM_MAX_TICKS", func(c *Config, v string) error { return parseUint(v, &c.MaxTicks) }},
	{"DOTSIM_TICK_INTERVAL", func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.TickInterval = d
		return nil
	}},
	{"DOTSIM_DB_PATH", func(c *Config, v string) error { c.DBPath = v; return nil }},
	{"DOTSIM_API_ADDR", func(c *Config, v string) error { c.APIAddr = v; return nil }},
	{"DOTSIM_ADMIN_KEY", func(c *Config, v string) error { c.AdminKey = v; return nil }},
	{"DOTSIM_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
}

// ApplyEnv overrides fields from DOTSIM_* environment variables.
func (c *Config) ApplyEnv() error {
	for _, r := range envResolvers {
		v, ok := os.LookupEnv(r.name)
		if !ok || v == "" {
			continue
		}
		if err := r.setter(c, v); err != nil {
			return fmt.Errorf("%s=%q: %w", r.name, v, err)
		}
	}
	return nil
}

// Validate checks ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.NumAgents < 0 {
		errs = append(errs, fmt.Errorf("num_agents must be >= 0, got %d", c.NumAgents))
	}
	if c.PopulationCap <= 0 {
		errs = append(errs, fmt.Errorf("population_cap must be > 0, got %d", c.PopulationCap))
	}
	if c.ArenaSize <= 0 {
		errs = append(errs, fmt.Errorf("arena_size must be > 0, got %g", c.ArenaSize))
	}
	if c.Speed < 0 {
		errs = append(errs, fmt.Errorf("speed must be >= 0, got %g", c.Speed))
	}
	if c.InteractionDistance <= 0 {
		errs = append(errs, fmt.Errorf("interaction_distance must be > 0, got %g", c.InteractionDistance))
	}
	probs := map[string]float64{
		"new_agent_probability":            c.NewAgentProbability,
		"market_crash_probability":         c.MarketCrashProbability,
		"recession_depression_probability": c.RecessionDepressionProbability,
		"bailout_probability":              c.BailoutProbability,
		"learning_rate":                    c.LearningRate,
		"discount_factor":                  c.DiscountFactor,
	}
	for _, name := range sortedKeys(probs) {
		if v := probs[name]; v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %g", name, v))
		}
	}
	if c.AntitrustThreshold <= 0 || c.AntitrustThreshold > 1 {
		errs = append(errs, fmt.Errorf("antitrust_threshold must be in (0,1], got %g", c.AntitrustThreshold))
	}
	if c.ConsumptionRatio < 1 {
		errs = append(errs, fmt.Errorf("consumption_ratio must be >= 1, got %g", c.ConsumptionRatio))
	}
	if c.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be >= 0, got %s", c.TickInterval))
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SlogLevel returns the configured level for log/slog.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func parseInt(v string, dst *int64) error {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseIntField(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseUint(v string, dst *uint64) error {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
