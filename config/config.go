// Package config provides configuration loading for Shipwright: defaults,
// an optional YAML file, then SHIPWRIGHT_* environment overrides, in that
// order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/shipwright/model"
	"github.com/c360studio/shipwright/runs"
)

// Config is the complete Shipwright configuration.
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	GitHost GitHostConfig `yaml:"githost"`
	Models  ModelsConfig  `yaml:"models"`
	Policy  PolicyConfig  `yaml:"policy"`
	Budget  runs.Budget   `yaml:"budget"`
	Agents  AgentsConfig  `yaml:"agents"`
	Serve   ServeConfig   `yaml:"serve"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded JetStream server.
	Embedded bool `yaml:"embedded"`
}

// GitHostConfig configures the code host client.
type GitHostConfig struct {
	// Token authenticates API calls. Required unless stub mode is on.
	Token string `yaml:"token"`
	// APIBase overrides the API base URL, e.g. for GitHub Enterprise.
	APIBase string `yaml:"api_base"`
	// RateLimitRPS caps outbound API calls per second.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

// ModelsConfig configures LLM endpoints and their capability chains.
type ModelsConfig struct {
	// Stub replaces every model call with the deterministic stub client.
	Stub bool `yaml:"stub"`
	// Endpoints names each reachable model endpoint.
	Endpoints map[string]model.EndpointConfig `yaml:"endpoints"`
	// Chains maps a capability (analysis, planning, writing, coding, fast)
	// to an ordered endpoint fallback chain.
	Chains map[string][]string `yaml:"chains"`
	// Timeout bounds a single model HTTP call.
	Timeout time.Duration `yaml:"timeout"`
	// AllowSummaryFallback lets the summary stage emit a hold document when
	// repair fails instead of failing the job.
	AllowSummaryFallback bool `yaml:"allow_summary_fallback"`
}

// PolicyConfig configures the policy gate.
type PolicyConfig struct {
	// File is the policy YAML path. Empty uses built-in defaults and
	// disables the file watcher.
	File string `yaml:"file"`
}

// AgentsConfig configures the coding agent coordinator.
type AgentsConfig struct {
	// Strategy is parallel, sequential, priority, or specialized.
	Strategy string `yaml:"strategy"`
	// Resolution is first-wins, last-wins, manual, or highest-confidence.
	Resolution string `yaml:"resolution"`
	// Threshold is the minimum candidate score (0-1).
	Threshold float64 `yaml:"threshold"`
}

// ServeConfig configures the serve command's HTTP surface.
type ServeConfig struct {
	// MetricsAddr is the listen address for the Prometheus endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns a Config with working local defaults: embedded NATS,
// stubbed models, and the built-in policy.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			Embedded: true,
		},
		Models: ModelsConfig{
			Stub:    true,
			Timeout: 5 * time.Minute,
		},
		Agents: AgentsConfig{
			Strategy:   "parallel",
			Resolution: "first-wins",
			Threshold:  0.55,
		},
		Serve: ServeConfig{
			MetricsAddr: ":9090",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file if
// path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides settings from SHIPWRIGHT_* environment variables.
// Secrets in particular belong in the environment, not the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("SHIPWRIGHT_NATS_URL"); v != "" {
		c.NATS.URL = v
		c.NATS.Embedded = false
	}
	if v := os.Getenv("SHIPWRIGHT_GITHUB_TOKEN"); v != "" {
		c.GitHost.Token = v
	}
	if v := os.Getenv("SHIPWRIGHT_GITHUB_API_BASE"); v != "" {
		c.GitHost.APIBase = v
	}
	if v := os.Getenv("SHIPWRIGHT_POLICY_FILE"); v != "" {
		c.Policy.File = v
	}
	if v := os.Getenv("SHIPWRIGHT_METRICS_ADDR"); v != "" {
		c.Serve.MetricsAddr = v
	}
	if v := os.Getenv("SHIPWRIGHT_STUB_MODELS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Models.Stub = b
		}
	}
}

// Validate checks the configuration for contradictions before anything is
// wired up.
func (c *Config) Validate() error {
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}

	if !c.Models.Stub {
		if len(c.Models.Endpoints) == 0 {
			return fmt.Errorf("models.endpoints is required when models.stub is false")
		}
		for capability, chain := range c.Models.Chains {
			if model.ParseCapability(capability) == "" {
				return fmt.Errorf("models.chains: unknown capability %q", capability)
			}
			for _, name := range chain {
				if _, ok := c.Models.Endpoints[name]; !ok {
					return fmt.Errorf("models.chains.%s references unknown endpoint %q", capability, name)
				}
			}
		}
		if c.GitHost.Token == "" {
			return fmt.Errorf("githost.token is required when models.stub is false")
		}
	}

	if c.Agents.Threshold < 0 || c.Agents.Threshold > 1 {
		return fmt.Errorf("agents.threshold must be between 0 and 1")
	}

	return nil
}

// CapabilityChains converts the configured chains to registry keys.
func (c *Config) CapabilityChains() map[model.Capability][]string {
	chains := make(map[model.Capability][]string, len(c.Models.Chains))
	for name, chain := range c.Models.Chains {
		if capability := model.ParseCapability(name); capability != "" {
			chains[capability] = chain
		}
	}
	return chains
}
