package credentials

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// verifier performs a cheap, non-billable capability check for one
// provider kind. Implementations must never echo the secret in errors.
type verifier interface {
	Verify(ctx context.Context, endpoint, secret string) error
}

func drainAndCheck(resp *http.Response) error {
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("provider rejected credential: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	return nil
}

// ── OpenAI / OpenAI-compatible ──────────────────────────────

type openAIVerifier struct {
	client *http.Client
}

func (v *openAIVerifier) Verify(ctx context.Context, endpoint, secret string) error {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	return drainAndCheck(resp)
}

// ── Anthropic ───────────────────────────────────────────────

type anthropicVerifier struct {
	client *http.Client
}

func (v *anthropicVerifier) Verify(ctx context.Context, endpoint, secret string) error {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", secret)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	return drainAndCheck(resp)
}

// ── Ollama ──────────────────────────────────────────────────

type ollamaVerifier struct {
	client *http.Client
}

func (v *ollamaVerifier) Verify(ctx context.Context, endpoint, secret string) error {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	// Ollama has no API keys; reachability is the capability check.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	return drainAndCheck(resp)
}
