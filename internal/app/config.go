package app

import (
	"errors"
	"fmt"

	"github.com/vk/deltastore"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ScenarioPath string // hcl scenario file

	LogFormat   string
	LogLevel    string
	DiffPolicy  string // "none", "sync" or "async"
	MetricsPort int
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ScenarioPath == "" {
		return nil, errors.New("ScenarioPath is a required configuration field and cannot be empty")
	}

	if _, err := diffPolicyFromString(cfg.DiffPolicy); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func diffPolicyFromString(s string) (deltastore.DiffPolicy, error) {
	switch s {
	case "", "sync":
		return deltastore.DiffSync, nil
	case "none":
		return deltastore.DiffNone, nil
	case "async":
		return deltastore.DiffAsync, nil
	default:
		return 0, fmt.Errorf("invalid diff policy %q: must be 'none', 'sync' or 'async'", s)
	}
}

func strategyFromString(s string) (deltastore.Strategy, error) {
	switch s {
	case "", "background":
		return deltastore.Background, nil
	case "sync", "synchronous":
		return deltastore.Synchronous, nil
	case "affinity":
		return deltastore.Affinity, nil
	default:
		return 0, fmt.Errorf("invalid strategy %q: must be 'synchronous', 'background' or 'affinity'", s)
	}
}
