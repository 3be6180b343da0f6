package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/comosim/comosim/pkg/types"
)

// ServiceConfig is one simulator entry of a run configuration file
type ServiceConfig struct {
	Name     string         `yaml:"name"`
	Endpoint string         `yaml:"endpoint"`
	Setup    map[string]any `yaml:"setup"`
}

// RunConfig describes a whole co-simulation run: the broker, the horizon,
// the participating services and their setup blobs.
type RunConfig struct {
	Broker       string          `yaml:"broker"`
	Until        float64         `yaml:"until"`
	Output       string          `yaml:"output"`
	PollInterval int             `yaml:"poll_interval"` // seconds
	WriterURL    string          `yaml:"writer_url"`
	Services     []ServiceConfig `yaml:"services"`
}

// Interval returns the peek polling period
func (c *RunConfig) Interval() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// Load reads and validates a YAML run configuration
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("config has no broker endpoint")
	}
	if cfg.Until <= 0 {
		return nil, fmt.Errorf("config has no run horizon")
	}
	if len(cfg.Services) == 0 {
		return nil, fmt.Errorf("config has no services")
	}
	for i, svc := range cfg.Services {
		if svc.Name == "" || svc.Endpoint == "" {
			return nil, fmt.Errorf("service %d is missing name or endpoint", i)
		}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10
	}
	if cfg.Output == "" {
		cfg.Output = "events.txt"
	}
	return &cfg, nil
}

// Descriptors converts the configured services into broker descriptors,
// re-encoding each YAML setup blob as JSON.
func (c *RunConfig) Descriptors() ([]*types.ServiceDescriptor, error) {
	out := make([]*types.ServiceDescriptor, 0, len(c.Services))
	for _, svc := range c.Services {
		var setup json.RawMessage
		if svc.Setup != nil {
			raw, err := json.Marshal(svc.Setup)
			if err != nil {
				return nil, fmt.Errorf("failed to encode setup of %s: %w", svc.Name, err)
			}
			setup = raw
		}
		out = append(out, &types.ServiceDescriptor{
			Name:     svc.Name,
			Endpoint: svc.Endpoint,
			Setup:    setup,
		})
	}
	return out, nil
}
