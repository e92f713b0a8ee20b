package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dork-labs/relay/pkg/breaker"
	"github.com/dork-labs/relay/pkg/ratelimit"
	"github.com/dork-labs/relay/pkg/relay"
	"github.com/dork-labs/relay/pkg/types"
)

// fileConfig is the relayd YAML configuration file.
type fileConfig struct {
	DataDir     string `yaml:"dataDir"`
	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJSON"`
	MetricsAddr string `yaml:"metricsAddr"`

	// AdapterConfig is the watched adapter definitions JSON file.
	AdapterConfig string `yaml:"adapterConfig"`

	// Endpoints are registered at startup.
	Endpoints []string `yaml:"endpoints"`

	AccessRules []accessRuleConfig `yaml:"accessRules"`

	MaxMailboxSize    int     `yaml:"maxMailboxSize"`
	PressureWarningAt float64 `yaml:"pressureWarningAt"`
	SweepIntervalSecs int     `yaml:"sweepIntervalSecs"`

	RateLimit rateLimitConfig `yaml:"rateLimit"`
	Breaker   breakerConfig   `yaml:"breaker"`

	Bindings bindingsConfig `yaml:"bindings"`
}

type accessRuleConfig struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	Action   string `yaml:"action"`
	Priority int    `yaml:"priority"`
}

type rateLimitConfig struct {
	Enabled      bool           `yaml:"enabled"`
	MaxPerWindow int            `yaml:"maxPerWindow"`
	WindowSecs   int            `yaml:"windowSecs"`
	Overrides    map[string]int `yaml:"overrides"`
}

type breakerConfig struct {
	FailureThreshold   int `yaml:"failureThreshold"`
	CooldownSecs       int `yaml:"cooldownSecs"`
	HalfOpenProbeCount int `yaml:"halfOpenProbeCount"`
	SuccessToClose     int `yaml:"successToClose"`
}

type bindingsConfig struct {
	File     string `yaml:"file"`
	Sessions string `yaml:"sessions"`
}

// loadConfig reads the YAML file at path. A missing path yields the
// defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{
		DataDir:  "/var/lib/relay",
		LogLevel: "info",
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// relayConfig maps the file onto the library config.
func (c *fileConfig) relayConfig() relay.Config {
	cfg := relay.DefaultConfig(c.DataDir)
	if c.MaxMailboxSize > 0 {
		cfg.MaxMailboxSize = c.MaxMailboxSize
	}
	if c.PressureWarningAt > 0 {
		cfg.PressureWarningAt = c.PressureWarningAt
	}
	if c.SweepIntervalSecs > 0 {
		cfg.SweepInterval = time.Duration(c.SweepIntervalSecs) * time.Second
	}
	if c.RateLimit.MaxPerWindow > 0 {
		cfg.RateLimit = ratelimit.Config{
			Enabled:      c.RateLimit.Enabled,
			MaxPerWindow: c.RateLimit.MaxPerWindow,
			WindowSecs:   c.RateLimit.WindowSecs,
			Overrides:    c.RateLimit.Overrides,
		}
	}
	if c.Breaker.FailureThreshold > 0 {
		cfg.Breaker = breaker.Config{
			FailureThreshold:   c.Breaker.FailureThreshold,
			Cooldown:           time.Duration(c.Breaker.CooldownSecs) * time.Second,
			HalfOpenProbeCount: c.Breaker.HalfOpenProbeCount,
			SuccessToClose:     c.Breaker.SuccessToClose,
		}
	}
	return cfg
}

func (c *accessRuleConfig) rule() types.AccessRule {
	action := types.RuleAllow
	if c.Action == "deny" {
		action = types.RuleDeny
	}
	return types.AccessRule{From: c.From, To: c.To, Action: action, Priority: c.Priority}
}
