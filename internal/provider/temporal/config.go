package temporal

import (
	"errors"
	"strings"

	"github.com/orchid-labs/orchid-go/internal/platform/env"
)

type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		HostPort:  env.String("TEMPORAL_ADDRESS", "localhost:7233"),
		Namespace: env.String("TEMPORAL_NAMESPACE", "default"),
		TaskQueue: env.String("TEMPORAL_TASK_QUEUE", "orchid-runs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HostPort) == "" {
		return errors.New("TEMPORAL_ADDRESS is required")
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("TEMPORAL_NAMESPACE is required")
	}
	if strings.TrimSpace(c.TaskQueue) == "" {
		return errors.New("TEMPORAL_TASK_QUEUE is required")
	}
	return nil
}
