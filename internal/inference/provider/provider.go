// Package provider builds the configured inference provider.
package provider

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/transchord/internal/config"
	"github.com/kiranshivaraju/transchord/internal/inference"
	"github.com/kiranshivaraju/transchord/internal/inference/gemini"
	"github.com/kiranshivaraju/transchord/internal/inference/ollama"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// New constructs the configured inference provider, wrapped in the configured retry policy.
// Called once at worker startup.
func New(ctx context.Context, cfg config.InferenceConfig) (models.InferenceProvider, error) {
	var p models.InferenceProvider
	switch cfg.Provider {
	case "ollama":
		p = ollama.NewProvider(cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.Timeout)
	case "gemini":
		g, err := gemini.NewProvider(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		p = g
	default:
		return nil, fmt.Errorf("unknown inference provider %q: must be one of ollama, gemini", cfg.Provider)
	}

	return inference.WithRetry(p, inference.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBackoff,
	}), nil
}
