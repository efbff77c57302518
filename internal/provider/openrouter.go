// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenRouterName is the registry name for the remote OpenRouter provider.
const OpenRouterName = "remote"

// Configuration constants for the OpenRouter API.
const (
	// DefaultOpenRouterURL is the base URL for the OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultOpenRouterTimeout is the default timeout for API requests.
	DefaultOpenRouterTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB
)

// sharedRemoteClient is the HTTP client shared by all OpenRouter
// instances. Connection pooling reduces TCP handshake overhead.
// SECURITY: TLS verification required for production.
var sharedRemoteClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
	Timeout: DefaultOpenRouterTimeout,
}

// OpenRouterConfig holds configuration options for the OpenRouter client.
type OpenRouterConfig struct {
	// BaseURL is the API base URL (default: DefaultOpenRouterURL).
	BaseURL string

	// APIKey is the OpenRouter API key ("sk-or-...").
	APIKey string

	// GenerateModel is the model used for generation requests.
	GenerateModel string

	// EmbedModel is the model used for embedding requests.
	EmbedModel string

	// Timeout for requests (default: 60s).
	Timeout time.Duration
}

// OpenRouter is the remote inference client. Every call crosses the
// network boundary, so callers must redact and validate payloads
// before handing them to this client.
//
// OpenRouter is safe for concurrent use.
type OpenRouter struct {
	config     *OpenRouterConfig
	httpClient *http.Client
}

// NewOpenRouter creates an OpenRouter client with the given
// configuration. Zero-value fields are filled with defaults.
func NewOpenRouter(config *OpenRouterConfig) *OpenRouter {
	if config == nil {
		config = &OpenRouterConfig{}
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultOpenRouterURL
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	config.APIKey = strings.TrimSpace(config.APIKey)
	if config.GenerateModel == "" {
		config.GenerateModel = "openrouter/auto"
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultOpenRouterTimeout
	}

	httpClient := sharedRemoteClient
	if config.Timeout != DefaultOpenRouterTimeout {
		httpClient = &http.Client{
			Transport: sharedRemoteClient.Transport,
			Timeout:   config.Timeout,
		}
	}

	return &OpenRouter{
		config:     config,
		httpClient: httpClient,
	}
}

// Describe implements Generator and Embedder.
func (c *OpenRouter) Describe() Descriptor {
	caps := []Capability{CapabilityGenerate}
	if c.config.EmbedModel != "" {
		caps = append(caps, CapabilityEmbed)
	}
	return Descriptor{
		Name:         OpenRouterName,
		Locality:     LocalityRemote,
		Capabilities: caps,
	}
}

// IsConfigured returns true if the client has an API key.
func (c *OpenRouter) IsConfigured() bool {
	return c.config.APIKey != ""
}

// KeyFingerprint returns a secure fingerprint of the API key for
// logging. SECURITY: Never expose key fragments; a SHA-256 prefix
// identifies the key without revealing it.
func (c *OpenRouter) KeyFingerprint() string {
	if c.config.APIKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.config.APIKey))
	return hex.EncodeToString(h[:4])
}

// Available verifies the API is reachable and the key is accepted.
func (c *OpenRouter) Available(ctx context.Context) error {
	if !c.IsConfigured() {
		return &Error{Provider: OpenRouterName, Kind: KindAuth, Message: "API key not configured", Cause: ErrNotConfigured}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/models", nil)
	if err != nil {
		return &Error{Provider: OpenRouterName, Kind: KindUnavailable, Message: "failed to create request", Cause: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Provider: OpenRouterName, Kind: KindTimeout, Message: "availability check timed out", Cause: err}
		}
		return &Error{Provider: OpenRouterName, Kind: KindUnavailable, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := readLimited(resp.Body)
		return c.errorFromStatus(resp.StatusCode, body)
	}
	return nil
}

// chatMessage is a single message in a chat completion request.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body for /chat/completions.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatResponse is the response body for /chat/completions.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// apiErrorResponse is an OpenAI-style error body.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate makes a single chat completion attempt. It never retries.
func (c *OpenRouter) Generate(ctx context.Context, genReq GenerateRequest) (*GenerateResult, error) {
	if !c.IsConfigured() {
		return nil, &Error{Provider: OpenRouterName, Kind: KindAuth, Message: "API key not configured", Cause: ErrNotConfigured}
	}

	messages := make([]chatMessage, 0, 2)
	if genReq.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: genReq.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: genReq.Prompt})

	reqBody := chatRequest{
		Model:    c.config.GenerateModel,
		Messages: messages,
		Stream:   false,
	}

	body, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadResponse, Message: "failed to parse response", Cause: err}
	}
	if len(chatResp.Choices) == 0 {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadResponse, Message: "response contained no choices"}
	}

	return &GenerateResult{
		Text:             chatResp.Choices[0].Message.Content,
		Model:            chatResp.Model,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}, nil
}

// embedRequest is the request body for /embeddings.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the response body for /embeddings.
type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one embedding vector per input text.
func (c *OpenRouter) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if !c.IsConfigured() {
		return nil, &Error{Provider: OpenRouterName, Kind: KindAuth, Message: "API key not configured", Cause: ErrNotConfigured}
	}
	if c.config.EmbedModel == "" {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadRequest, Message: "no embed model configured"}
	}
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := c.post(ctx, "/embeddings", embedRequest{
		Model: c.config.EmbedModel,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var embResp embedResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadResponse, Message: "failed to parse response", Cause: err}
	}
	if len(embResp.Data) != len(texts) {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadResponse, Message: "embedding count does not match input count"}
	}

	vectors := make([][]float64, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &Error{Provider: OpenRouterName, Kind: KindBadResponse, Message: "embedding index out of range"}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// post performs a single JSON POST and returns the response body.
// SECURITY: Clears the Authorization header after the request so it
// cannot leak through request logging.
func (c *OpenRouter) post(ctx context.Context, path string, reqBody any) ([]byte, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadRequest, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &Error{Provider: OpenRouterName, Kind: KindUnavailable, Message: "failed to create request", Cause: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &Error{Provider: OpenRouterName, Kind: KindTimeout, Message: "request timed out", Cause: err}
		}
		return nil, &Error{Provider: OpenRouterName, Kind: KindUnavailable, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body)
	if err != nil {
		return nil, &Error{Provider: OpenRouterName, Kind: KindBadResponse, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromStatus(resp.StatusCode, body)
	}
	return body, nil
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "enclave/0.1.0")
}

// errorFromStatus maps an HTTP error response to a classified error.
func (c *OpenRouter) errorFromStatus(status int, body []byte) error {
	msg := ""
	code := ""
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
		code = apiErr.Error.Code
	}
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	if code != "" {
		msg = "[" + code + "] " + msg
	}

	kind := KindBadResponse
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusPaymentRequired:
		kind = KindAuth
	case status == http.StatusNotFound:
		kind = KindModelNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status == http.StatusBadRequest:
		kind = KindBadRequest
	case status >= 500:
		kind = KindServer
	}

	return &Error{Provider: OpenRouterName, Kind: kind, Message: msg}
}

// readLimited reads a response body with a size cap.
// SECURITY: Response size limit prevents memory exhaustion.
func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, MaxResponseSize))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}
