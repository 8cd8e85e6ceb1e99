// Package models contains shared data models used across the transchord codebase.
package models

import "context"

// InferenceProvider is the core interface that all inference integrations must implement.
// Components receive this interface, never a concrete provider.
type InferenceProvider interface {
	// Generate sends a prompt and returns the generated text.
	Generate(ctx context.Context, prompt string) (string, error)
	// Name returns the provider identifier (e.g., "ollama", "gemini").
	Name() string
}
