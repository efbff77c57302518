// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", &Error{Kind: KindUnavailable}, true},
		{"timeout", &Error{Kind: KindTimeout}, true},
		{"rate limited", &Error{Kind: KindRateLimited}, true},
		{"server error", &Error{Kind: KindServer}, true},
		{"auth failure", &Error{Kind: KindAuth}, false},
		{"model not found", &Error{Kind: KindModelNotFound}, false},
		{"bad request", &Error{Kind: KindBadRequest}, false},
		{"bad response", &Error{Kind: KindBadResponse}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"wrapped transient", &Error{Kind: KindServer, Cause: errors.New("boom")}, true},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Provider: "local", Kind: KindUnavailable, Message: "request failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	if err.Error() != "local: request failed: connection refused" {
		t.Errorf("unexpected error string: %q", err.Error())
	}
}

func TestDescriptorHas(t *testing.T) {
	d := Descriptor{Name: "local", Capabilities: []Capability{CapabilityGenerate}}
	if !d.Has(CapabilityGenerate) {
		t.Error("expected generate capability")
	}
	if d.Has(CapabilityEmbed) {
		t.Error("did not expect embed capability")
	}
}

func TestOllamaGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:           req.Model,
			Response:        "echo: " + req.Prompt,
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       7,
		})
	}))
	defer srv.Close()

	client := NewOllama(&OllamaConfig{BaseURL: srv.URL, GenerateModel: "testmodel"})

	result, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Text != "echo: hello" {
		t.Errorf("got text %q", result.Text)
	}
	if result.Model != "testmodel" {
		t.Errorf("got model %q", result.Model)
	}
	if result.PromptTokens != 12 || result.CompletionTokens != 7 {
		t.Errorf("got tokens %d/%d", result.PromptTokens, result.CompletionTokens)
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		embeddings := make([][]float64, len(req.Input))
		for i := range req.Input {
			embeddings[i] = []float64{float64(i), 0.5}
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Model: req.Model, Embeddings: embeddings})
	}))
	defer srv.Close()

	client := NewOllama(&OllamaConfig{BaseURL: srv.URL})

	vectors, err := client.Embed(context.Background(), []string{"one", "two"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if vectors[1][0] != 1 {
		t.Errorf("vectors out of order: %v", vectors)
	}
}

func TestOllamaServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ollamaErrorResponse{Error: "model crashed"})
	}))
	defer srv.Close()

	client := NewOllama(&OllamaConfig{BaseURL: srv.URL})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if pe.Kind != KindServer {
		t.Errorf("got kind %v, want KindServer", pe.Kind)
	}
	if !IsTransient(err) {
		t.Error("server error should be transient")
	}
}

func TestOllamaUnavailable(t *testing.T) {
	// Port from a closed server so the connection is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewOllama(&OllamaConfig{BaseURL: url})

	err := client.Available(context.Background())
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Kind != KindUnavailable {
		t.Errorf("expected KindUnavailable, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("unavailable should be transient")
	}
}

func TestOpenRouterGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-or-test" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		resp := chatResponse{Model: req.Model}
		resp.Choices = append(resp.Choices, struct {
			Message      chatMessage `json:"message"`
			FinishReason string      `json:"finish_reason"`
		}{Message: chatMessage{Role: "assistant", Content: "answer"}})
		resp.Usage.PromptTokens = 20
		resp.Usage.CompletionTokens = 5
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOpenRouter(&OpenRouterConfig{
		BaseURL:       srv.URL,
		APIKey:        "sk-or-test",
		GenerateModel: "openrouter/auto",
	})

	result, err := client.Generate(context.Background(), GenerateRequest{Prompt: "question", System: "instructions"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if result.Text != "answer" {
		t.Errorf("got text %q", result.Text)
	}
	if result.PromptTokens != 20 || result.CompletionTokens != 5 {
		t.Errorf("got tokens %d/%d", result.PromptTokens, result.CompletionTokens)
	}
}

func TestOpenRouterErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  ErrorKind
		transient bool
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth, false},
		{"payment required", http.StatusPaymentRequired, KindAuth, false},
		{"not found", http.StatusNotFound, KindModelNotFound, false},
		{"rate limited", http.StatusTooManyRequests, KindRateLimited, true},
		{"bad request", http.StatusBadRequest, KindBadRequest, false},
		{"server error", http.StatusInternalServerError, KindServer, true},
		{"bad gateway", http.StatusBadGateway, KindServer, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				var resp apiErrorResponse
				resp.Error.Message = "nope"
				json.NewEncoder(w).Encode(resp)
			}))
			defer srv.Close()

			client := NewOpenRouter(&OpenRouterConfig{BaseURL: srv.URL, APIKey: "sk-or-test"})

			_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "q"})
			if err == nil {
				t.Fatal("expected error")
			}
			var pe *Error
			if !errors.As(err, &pe) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if pe.Kind != tt.wantKind {
				t.Errorf("got kind %v, want %v", pe.Kind, tt.wantKind)
			}
			if IsTransient(err) != tt.transient {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), tt.transient)
			}
		})
	}
}

func TestOpenRouterNotConfigured(t *testing.T) {
	client := NewOpenRouter(&OpenRouterConfig{})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "q"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if IsTransient(err) {
		t.Error("missing key is not transient")
	}
}

func TestOpenRouterEmbedOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		// Return data out of order; the client must restore input order.
		var resp embedResponse
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float64 `json:"embedding"`
			}{Index: i, Embedding: []float64{float64(i)}})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := NewOpenRouter(&OpenRouterConfig{
		BaseURL:    srv.URL,
		APIKey:     "sk-or-test",
		EmbedModel: "text-embedding-3-small",
	})

	vectors, err := client.Embed(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	for i, v := range vectors {
		if v[0] != float64(i) {
			t.Errorf("vector %d out of order: %v", i, v)
		}
	}
}

func TestKeyFingerprint(t *testing.T) {
	client := NewOpenRouter(&OpenRouterConfig{APIKey: "sk-or-secret"})

	fp := client.KeyFingerprint()
	if len(fp) != 8 {
		t.Errorf("fingerprint should be 8 hex chars, got %q", fp)
	}
	if fp == "sk-or-se" {
		t.Error("fingerprint must not contain key material")
	}

	empty := NewOpenRouter(&OpenRouterConfig{})
	if empty.KeyFingerprint() != "none" {
		t.Errorf("got %q for empty key", empty.KeyFingerprint())
	}
}
