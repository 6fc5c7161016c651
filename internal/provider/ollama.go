package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// OllamaProvider invokes Eyes through a local Ollama server. This is the
// on-premises option: prompts and verdicts never leave the deployment's
// network and there are no per-token API costs.
type OllamaProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaProvider creates a provider that calls Ollama's chat API.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Name returns the routing identifier.
func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Invoke sends the persona and payload to /api/chat and returns the
// assistant message content.
func (p *OllamaProvider) Invoke(ctx context.Context, req InvokeRequest) ([]byte, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal payload: %w", err)
	}

	body, err := json.Marshal(ollamaChatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Persona},
			{Role: "user", Content: string(payload)},
		},
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: p.Name(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &TransportError{Provider: p.Name(), Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(msg))}
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransportError{Provider: p.Name(), Err: fmt.Errorf("decode response: %w", err)}
	}
	if result.Message.Content == "" {
		return nil, &TransportError{Provider: p.Name(), Err: fmt.Errorf("empty message returned")}
	}

	return []byte(result.Message.Content), nil
}
