// Package gemini generates text with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kiranshivaraju/transchord/internal/inference"
	"github.com/kiranshivaraju/transchord/pkg/models"
)

// Provider implements models.InferenceProvider using the Gemini API.
type Provider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// Option configures a Provider.
type Option func(*genai.ClientConfig)

// WithHTTPClient sends requests through c instead of the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *genai.ClientConfig) { cfg.HTTPClient = c }
}

// NewProvider creates a Gemini provider. Each Generate call is bounded by timeout when it
// is positive.
func NewProvider(ctx context.Context, apiKey, model string, timeout time.Duration, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	return &Provider{client: client, model: model, timeout: timeout}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := p.client.Models.GenerateContent(callCtx, p.model, genai.Text(prompt), nil)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: no response within %s", inference.ErrInferenceTimeout, p.timeout)
		}
		return "", inference.ClassifyError(err)
	}
	return extractText(resp)
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", inference.ErrInvalidResponse)
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", fmt.Errorf("%w: empty candidate (finish reason %q)", inference.ErrInvalidResponse, cand.FinishReason)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: no text in response", inference.ErrInvalidResponse)
	}
	return sb.String(), nil
}

var _ models.InferenceProvider = (*Provider)(nil)
