package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ValidationResult reports the outcome of a credential probe.
type ValidationResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

const probeTimeout = 10 * time.Second

// Validate checks a credential against the provider's live API. Probes are
// read-only and never persist anything.
func (v *Vault) Validate(ctx context.Context, provider, value string) ValidationResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var status int
	var err error
	switch provider {
	case "claude", "anthropic":
		status, err = probeAnthropic(ctx, value)
	case "chatgpt", "openai":
		status, err = probeGET(ctx, "https://api.openai.com/v1/models", map[string]string{
			"Authorization": "Bearer " + value,
		})
	case "gemini", "google":
		status, err = probeGET(ctx, "https://generativelanguage.googleapis.com/v1beta/models?pageSize=1&key="+value, nil)
	case "github":
		status, err = probeGET(ctx, "https://api.github.com/user", map[string]string{
			"Authorization": "Bearer " + value,
		})
	default:
		return ValidationResult{Valid: false, Error: "no validation probe for provider: " + provider}
	}

	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ValidationResult{Valid: false, Error: fmt.Sprintf("%s rejected credentials (status %d)", provider, status)}
	case status >= 500:
		return ValidationResult{Valid: false, Error: fmt.Sprintf("%s unavailable (status %d)", provider, status)}
	default:
		return ValidationResult{Valid: true}
	}
}

// SetAndValidate probes the credential first and persists only when valid.
func (v *Vault) SetAndValidate(ctx context.Context, name, value, provider string) (ValidationResult, error) {
	result := v.Validate(ctx, provider, value)
	if !result.Valid {
		return result, nil
	}
	if err := v.Set(name, value, SetOptions{Type: TypeAPIKey, Provider: provider}); err != nil {
		return result, err
	}
	return result, nil
}

// probeAnthropic issues a minimal messages call. Anything but an auth error
// (including a model complaint) proves the key is accepted.
func probeAnthropic(ctx context.Context, key string) (int, error) {
	body := []byte(`{"model":"claude-3-5-haiku-latest","max_tokens":1,"messages":[{"role":"user","content":[{"type":"text","text":"ping"}]}]}`)
	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.anthropic.com/v1/messages", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", key)
	req.Header.Set("anthropic-version", "2023-06-01")
	return doProbe(req)
}

func probeGET(ctx context.Context, url string, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	return doProbe(req)
}

func doProbe(req *http.Request) (int, error) {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}
