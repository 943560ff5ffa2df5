package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for invalid values
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	switch cfg.Providers.Default {
	case "anthropic", "openai", "groq", "local":
	default:
		return fmt.Errorf("unknown default provider: %s", cfg.Providers.Default)
	}

	if cfg.Providers.DefaultModel == "" {
		return errors.New("default model is required")
	}

	if cfg.Providers.Temperature < 0 || cfg.Providers.Temperature > 1 {
		return fmt.Errorf("temperature must be between 0 and 1, got: %f", cfg.Providers.Temperature)
	}

	if cfg.Providers.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got: %d", cfg.Providers.MaxTokens)
	}

	if cfg.Executor.MaxStepRetries < 0 {
		return fmt.Errorf("max_step_retries must be non-negative, got: %d", cfg.Executor.MaxStepRetries)
	}

	if cfg.Executor.StepTimeout <= 0 {
		return errors.New("step_timeout must be positive")
	}

	if cfg.Executor.BackoffBase <= 0 || cfg.Executor.BackoffCap < cfg.Executor.BackoffBase {
		return errors.New("backoff_base must be positive and backoff_cap >= backoff_base")
	}

	if cfg.Executor.MaxPlanAttempts < 1 {
		return fmt.Errorf("max_plan_attempts must be at least 1, got: %d", cfg.Executor.MaxPlanAttempts)
	}

	if cfg.Memory.TokenBudget <= 0 {
		return fmt.Errorf("memory token_budget must be positive, got: %d", cfg.Memory.TokenBudget)
	}

	if cfg.Memory.LexicalWeight < 0 || cfg.Memory.KeywordWeight < 0 {
		return errors.New("memory ranking weights must be non-negative")
	}

	if cfg.Search.MaxResults < 1 {
		return fmt.Errorf("search max_results must be at least 1, got: %d", cfg.Search.MaxResults)
	}

	switch cfg.Sandbox.Runtime {
	case "host":
	case "docker":
		if cfg.Sandbox.Image == "" {
			return errors.New("sandbox image is required for docker runtime")
		}
	default:
		return fmt.Errorf("unknown sandbox runtime: %s", cfg.Sandbox.Runtime)
	}

	if cfg.Sandbox.Timeout <= 0 {
		return errors.New("sandbox timeout must be positive")
	}

	return nil
}
