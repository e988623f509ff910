// Copyright 2025 Joevis
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"joevis/companion/gateway/budget"
)

// ProviderConfig configures one provider adapter. API keys never live in
// the YAML file; APIKeyEnv names the environment variable and defaults to
// <NAME>_API_KEY. A missing key leaves the provider disabled, it is never
// a startup failure.
type ProviderConfig struct {
	Name      string  `yaml:"name"`
	Rank      int     `yaml:"rank"`
	APIKeyEnv string  `yaml:"api_key_env"`
	BaseURL   string  `yaml:"base_url"`
	Model     string  `yaml:"model"`
	UnitRate  float64 `yaml:"unit_rate"`
	Region    string  `yaml:"region"` // bedrock only

	// APIKey is resolved from APIKeyEnv at load time.
	APIKey string `yaml:"-"`
}

// BreakerConfig configures the circuit breakers.
type BreakerConfig struct {
	ErrorThreshold int           `yaml:"error_threshold"`
	Cooldown       time.Duration `yaml:"cooldown"`
}

// StoreConfig selects the snapshot store backend.
type StoreConfig struct {
	// Driver is one of postgres, redis, mongo, memory.
	Driver string `yaml:"driver"`

	DSN           string `yaml:"dsn"`            // postgres
	RedisAddr     string `yaml:"redis_addr"`     // redis
	RedisPassword string `yaml:"redis_password"` // redis
	RedisDB       int    `yaml:"redis_db"`       // redis
	MongoURI      string `yaml:"mongo_uri"`      // mongo
	MongoDatabase string `yaml:"mongo_database"` // mongo
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Providers []ProviderConfig `yaml:"providers"`

	// TaskRouting maps task types to ordered provider lists. The "default"
	// entry is mandatory.
	TaskRouting map[string][]string `yaml:"task_routing"`

	Budget              budget.Policy       `yaml:"budget"`
	FailoverChains      map[string][]string `yaml:"failover_chains"`
	AIPreference        []string            `yaml:"ai_preference"`
	AuxiliaryPreference []string            `yaml:"auxiliary_preference"`
	AuxiliaryFallback   string              `yaml:"auxiliary_fallback"`

	Breaker       BreakerConfig `yaml:"breaker"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Store         StoreConfig   `yaml:"store"`
}

// DefaultConfig returns the built-in configuration: all four providers in
// rank order, the standard routing table and chains, memory store.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		Providers: []ProviderConfig{
			{Name: "openai", Rank: 1, UnitRate: 0.00002},
			{Name: "anthropic", Rank: 2, UnitRate: 0.00003},
			{Name: "gemini", Rank: 3, UnitRate: 0.00001},
			{Name: "bedrock", Rank: 4, UnitRate: 0.00003},
		},
		TaskRouting: map[string][]string{
			"default":      {"openai", "anthropic", "gemini", "bedrock"},
			"conversation": {"openai", "anthropic", "gemini"},
			"calendar":     {"openai", "gemini", "anthropic"},
			"assessment":   {"anthropic", "openai", "gemini"},
		},
		Budget: budget.Policy{
			PerService: map[string]float64{
				"openai":     50,
				"anthropic":  50,
				"gemini":     30,
				"bedrock":    30,
				"elevenlabs": 20,
				"whisper":    10,
			},
			Total: 200,
		},
		FailoverChains: map[string][]string{
			"openai":     {"anthropic", "gemini", "bedrock"},
			"anthropic":  {"openai", "gemini"},
			"gemini":     {"openai", "anthropic"},
			"bedrock":    {"openai", "anthropic"},
			"elevenlabs": {"browser_tts"},
		},
		AIPreference:        []string{"openai", "anthropic", "gemini", "bedrock"},
		AuxiliaryPreference: []string{"elevenlabs", "whisper"},
		AuxiliaryFallback:   "browser_tts",
		Breaker: BreakerConfig{
			ErrorThreshold: DefaultErrorThreshold,
			Cooldown:       DefaultCooldown,
		},
		FlushInterval: budget.DefaultFlushInterval,
		Store:         StoreConfig{Driver: "memory"},
	}
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and environment overrides, then validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv resolves provider API keys and the operational overrides.
func (c *Config) applyEnv() {
	for i := range c.Providers {
		p := &c.Providers[i]
		envName := p.APIKeyEnv
		if envName == "" {
			envName = strings.ToUpper(p.Name) + "_API_KEY"
		}
		p.APIKey = os.Getenv(envName)

		if p.Name == "bedrock" && p.Region == "" {
			p.Region = os.Getenv("BEDROCK_REGION")
		}
	}

	if v := os.Getenv("COMPANION_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("COMPANION_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("COMPANION_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("COMPANION_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("COMPANION_MONGO_URI"); v != "" {
		c.Store.MongoURI = v
	}
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	known := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if known[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		known[p.Name] = true
	}

	if _, ok := c.TaskRouting["default"]; !ok {
		return fmt.Errorf("task_routing must contain a %q entry", "default")
	}
	for task, list := range c.TaskRouting {
		if len(list) == 0 {
			return fmt.Errorf("task_routing entry %q is empty", task)
		}
		for _, name := range list {
			if !known[name] {
				return fmt.Errorf("task_routing entry %q references unknown provider %q", task, name)
			}
		}
	}

	switch c.Store.Driver {
	case "postgres", "redis", "mongo", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	return nil
}

// BudgetConfig assembles the ledger configuration.
func (c *Config) BudgetConfig() budget.Config {
	return budget.Config{
		Policy:              c.Budget,
		FailoverChains:      c.FailoverChains,
		AIPreference:        c.AIPreference,
		AuxiliaryPreference: c.AuxiliaryPreference,
		AuxiliaryFallback:   c.AuxiliaryFallback,
	}
}
