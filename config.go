// SPDX-License-Identifier: GPL-3.0-or-later

package rttguard

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

// Config configures a [*Campaign] and the components it builds.
type Config struct {
	// Server is the trusted authoritative server endpoint.
	Server string `yaml:"server"`

	// Attacker is the other endpoint, which may be empty.
	Attacker string `yaml:"attacker"`

	// Listen is the local address of the shared race socket.
	Listen string `yaml:"listen"`

	// BaseName is the name from which query names are derived.
	BaseName string `yaml:"base_name"`

	// Count is the number of queries to arbitrate.
	Count int `yaml:"count"`

	// QueryType is the record type mnemonic, e.g. "A".
	QueryType string `yaml:"query_type"`

	// WarmupProbes is the number of probes used to seed the estimator.
	WarmupProbes int `yaml:"warmup_probes"`

	// ProbeTimeout is the timeout of each warm-up probe.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// MaxRetries bounds the sends while waiting for the first response.
	MaxRetries int `yaml:"max_retries"`

	// RescueRounds is the number of rescue rounds.
	RescueRounds int `yaml:"rescue_rounds"`

	// DrainBudget bounds the reads performed when draining.
	DrainBudget int `yaml:"drain_budget"`

	// FallbackTimeout is the first-response timeout while unseeded.
	FallbackTimeout time.Duration `yaml:"fallback_timeout"`

	// LookupTimeout bounds each arbitrated lookup. It must leave room
	// for MaxRetries sends waiting FallbackTimeout each.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`

	// LogLevel is the logrus level name.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default [*Config].
func DefaultConfig() *Config {
	return &Config{
		Server:          "127.0.0.1:5353",
		Attacker:        "",
		Listen:          "0.0.0.0:0",
		BaseName:        "www.uwo.ca",
		Count:           25,
		QueryType:       "A",
		WarmupProbes:    DefaultWarmupProbes,
		ProbeTimeout:    DefaultProbeTimeout,
		MaxRetries:      DefaultMaxRetries,
		RescueRounds:    DefaultRescueRounds,
		DrainBudget:     DefaultDrainBudget,
		FallbackTimeout: DefaultFallbackTimeout,
		LookupTimeout:   DefaultResolverTimeout,
		LogLevel:        "info",
	}
}

// LoadConfig reads a YAML file on top of [DefaultConfig] and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ErrInvalidConfig wraps every [*Config.Validate] failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, err := c.ServerAddrPort(); err != nil {
		return fmt.Errorf("%w: server: %w", ErrInvalidConfig, err)
	}
	if _, err := c.AttackerAddrPort(); err != nil {
		return fmt.Errorf("%w: attacker: %w", ErrInvalidConfig, err)
	}
	if _, err := c.Qtype(); err != nil {
		return err
	}
	if c.BaseName == "" {
		return fmt.Errorf("%w: empty base name", ErrInvalidConfig)
	}
	checks := []struct {
		name  string
		value int
	}{
		{"count", c.Count},
		{"warmup_probes", c.WarmupProbes},
		{"max_retries", c.MaxRetries},
		{"rescue_rounds", c.RescueRounds},
		{"drain_budget", c.DrainBudget},
	}
	for _, check := range checks {
		if check.value < 1 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, check.name, check.value)
		}
	}
	if c.ProbeTimeout <= 0 || c.FallbackTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if budget := time.Duration(c.MaxRetries) * c.FallbackTimeout; c.LookupTimeout <= budget {
		return fmt.Errorf("%w: lookup_timeout must exceed %s, got %s", ErrInvalidConfig, budget, c.LookupTimeout)
	}
	return nil
}

// ServerAddrPort parses the server endpoint.
func (c *Config) ServerAddrPort() (netip.AddrPort, error) {
	return netip.ParseAddrPort(c.Server)
}

// AttackerAddrPort parses the attacker endpoint, returning the zero
// value when it is empty.
func (c *Config) AttackerAddrPort() (netip.AddrPort, error) {
	if c.Attacker == "" {
		return netip.AddrPort{}, nil
	}
	return netip.ParseAddrPort(c.Attacker)
}

// Qtype maps QueryType to its numeric value.
func (c *Config) Qtype() (uint16, error) {
	qtype, found := dns.StringToType[c.QueryType]
	if !found || (qtype != dns.TypeA && qtype != dns.TypeAAAA) {
		return 0, fmt.Errorf("%w: unsupported query type %q", ErrInvalidConfig, c.QueryType)
	}
	return qtype, nil
}
