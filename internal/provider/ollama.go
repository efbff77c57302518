// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// OllamaName is the registry name for the local Ollama provider.
const OllamaName = "local"

// OllamaConfig holds configuration options for the Ollama client.
type OllamaConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434).
	// Note: Uses explicit IPv4 address instead of localhost to avoid IPv6
	// resolution issues on Windows.
	BaseURL string

	// GenerateModel is the model used for generation requests.
	GenerateModel string

	// EmbedModel is the model used for embedding requests.
	EmbedModel string

	// Timeout for requests (default: 120s).
	Timeout time.Duration
}

// DefaultOllamaConfig returns the default client configuration.
func DefaultOllamaConfig() *OllamaConfig {
	return &OllamaConfig{
		BaseURL:       "http://127.0.0.1:11434",
		GenerateModel: "llama3.2",
		EmbedModel:    "nomic-embed-text",
		Timeout:       120 * time.Second,
	}
}

// Ollama is the local inference client. All requests go to a local
// Ollama server over localhost HTTP; nothing leaves the machine.
//
// Ollama is safe for concurrent use.
type Ollama struct {
	config     *OllamaConfig
	httpClient *http.Client
}

// NewOllama creates an Ollama client with the given configuration.
// Zero-value fields are filled with defaults.
func NewOllama(config *OllamaConfig) *Ollama {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:11434"
	}
	if config.GenerateModel == "" {
		config.GenerateModel = "llama3.2"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &Ollama{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Describe implements Generator and Embedder.
func (o *Ollama) Describe() Descriptor {
	return Descriptor{
		Name:         OllamaName,
		Locality:     LocalityLocal,
		Capabilities: []Capability{CapabilityGenerate, CapabilityEmbed},
	}
}

// Available verifies the Ollama server is reachable.
func (o *Ollama) Available(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.config.BaseURL+"/api/tags", nil)
	if err != nil {
		return &Error{Provider: OllamaName, Kind: KindUnavailable, Message: "failed to create request", Cause: err}
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Provider: OllamaName, Kind: KindTimeout, Message: "availability check timed out", Cause: err}
		}
		return &Error{Provider: OllamaName, Kind: KindUnavailable, Message: "Ollama is not running", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &Error{
			Provider: OllamaName,
			Kind:     KindUnavailable,
			Message:  "unexpected status from Ollama: " + resp.Status,
		}
	}
	return nil
}

// ollamaGenerateRequest is the request body for /api/generate.
type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

// ollamaGenerateResponse is the response body for /api/generate.
type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// ollamaErrorResponse is the error body Ollama returns on failure.
type ollamaErrorResponse struct {
	Error string `json:"error"`
}

// Generate makes a single non-streaming generation attempt.
func (o *Ollama) Generate(ctx context.Context, genReq GenerateRequest) (*GenerateResult, error) {
	reqBody := ollamaGenerateRequest{
		Model:  o.config.GenerateModel,
		Prompt: genReq.Prompt,
		System: genReq.System,
		Stream: false,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: OllamaName, Kind: KindBadRequest, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: OllamaName, Kind: KindUnavailable, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Provider: OllamaName, Kind: KindTimeout, Message: "generate request timed out", Cause: err}
		}
		return nil, &Error{Provider: OllamaName, Kind: KindUnavailable, Message: "Ollama is not running", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, o.errorFromStatus(resp.StatusCode, resp.Body, "generate request failed")
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Provider: OllamaName, Kind: KindBadResponse, Message: "failed to decode response", Cause: err}
	}

	return &GenerateResult{
		Text:             result.Response,
		Model:            result.Model,
		PromptTokens:     result.PromptEvalCount,
		CompletionTokens: result.EvalCount,
	}, nil
}

// ollamaEmbedRequest is the request body for the batch /api/embed endpoint.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the response body for /api/embed.
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed returns one embedding vector per input text.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := ollamaEmbedRequest{
		Model: o.config.EmbedModel,
		Input: texts,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: OllamaName, Kind: KindBadRequest, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: OllamaName, Kind: KindUnavailable, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Provider: OllamaName, Kind: KindTimeout, Message: "embed request timed out", Cause: err}
		}
		return nil, &Error{Provider: OllamaName, Kind: KindUnavailable, Message: "Ollama is not running", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, o.errorFromStatus(resp.StatusCode, resp.Body, "embed request failed")
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &Error{Provider: OllamaName, Kind: KindBadResponse, Message: "failed to decode response", Cause: err}
	}

	if len(result.Embeddings) != len(texts) {
		return nil, &Error{
			Provider: OllamaName,
			Kind:     KindBadResponse,
			Message:  "embedding count does not match input count",
		}
	}

	return result.Embeddings, nil
}

// errorFromStatus maps a non-200 Ollama response to a classified error,
// decoding the error body when one is present.
func (o *Ollama) errorFromStatus(status int, body io.Reader, fallback string) error {
	msg := fallback
	var ollamaErr ollamaErrorResponse
	if err := json.NewDecoder(body).Decode(&ollamaErr); err == nil && ollamaErr.Error != "" {
		msg = ollamaErr.Error
	}

	kind := KindBadResponse
	switch {
	case status == http.StatusNotFound:
		kind = KindModelNotFound
	case status >= 500:
		kind = KindServer
	}

	return &Error{Provider: OllamaName, Kind: kind, Message: msg}
}
