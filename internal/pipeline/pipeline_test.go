// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/enclave/internal/config"
	"github.com/jeranaias/enclave/internal/ingest"
	"github.com/jeranaias/enclave/internal/ledger"
	"github.com/jeranaias/enclave/internal/policy"
	"github.com/jeranaias/enclave/internal/provider"
	"github.com/jeranaias/enclave/internal/retrieval"
	"github.com/jeranaias/enclave/internal/router"
	"github.com/jeranaias/enclave/internal/telemetry"
)

// =============================================================================
// FAKE PROVIDERS
// =============================================================================

// fakeOllama serves the local provider API. Embeddings are a fixed
// unit vector, so every chunk matches every query with equal score.
type fakeOllama struct {
	*httptest.Server
	lastPrompt atomic.Value // string
	lastSystem atomic.Value // string
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
			System string `json:"system"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.lastPrompt.Store(req.Prompt)
		f.lastSystem.Store(req.System)
		json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3",
			"response":          "the answer is 42",
			"done":              true,
			"prompt_eval_count": 10,
			"eval_count":        5,
		})
	})
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		embeddings := make([][]float64, len(req.Input))
		for i := range embeddings {
			embeddings[i] = []float64{1, 0, 0}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model":      "nomic-embed-text",
			"embeddings": embeddings,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOllama) prompt() string {
	v, _ := f.lastPrompt.Load().(string)
	return v
}

// fakeOpenRouter serves the remote provider API. The chat handler can
// be replaced per test to inject failures.
type fakeOpenRouter struct {
	*httptest.Server
	chat      atomic.Value // func(w http.ResponseWriter)
	lastBody  atomic.Value // string
	chatCalls atomic.Int64
}

func newFakeOpenRouter(t *testing.T) *fakeOpenRouter {
	t.Helper()
	f := &fakeOpenRouter{}
	f.chat.Store(func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "gen-1",
			"model": "openrouter/auto",
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "remote answer"}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
		})
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		f.lastBody.Store(string(raw))
		f.chatCalls.Add(1)
		f.chat.Load().(func(http.ResponseWriter))(w)
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOpenRouter) body() string {
	v, _ := f.lastBody.Load().(string)
	return v
}

// =============================================================================
// TEST HARNESS
// =============================================================================

type harness struct {
	pipeline *Pipeline
	ledger   *ledger.Store
	ollama   *fakeOllama
	remote   *fakeOpenRouter
	cfg      *config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	ollama := newFakeOllama(t)
	remote := newFakeOpenRouter(t)

	cfg := config.DefaultConfig()
	cfg.Local.URL = ollama.URL
	cfg.Remote.BaseURL = remote.URL
	cfg.Remote.APIKey = "sk-or-test"
	cfg.Policy.FullDocThreshold = 4 * cfg.Policy.MaxSnippetLength
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	log := zerolog.Nop()
	registry := provider.NewRegistry(cfg, log)
	rt := router.New(cfg.Mode(), registry, log)
	red := policy.New(cfg.Policy.MaxSnippetLength, cfg.Policy.FullDocThreshold, cfg.Policy.SentinelMarkers)
	store := retrieval.NewStore()

	led, err := ledger.Open(cfg.Ledger.Path)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	return &harness{
		pipeline: New(cfg, rt, red, store, led, telemetry.NewNop(), log),
		ledger:   led,
		ollama:   ollama,
		remote:   remote,
		cfg:      cfg,
	}
}

func docsOf(texts ...string) []*ingest.Document {
	docs := make([]*ingest.Document, len(texts))
	for i, text := range texts {
		docs[i] = &ingest.Document{
			Path:        "doc.txt",
			ContentHash: policy.Hash(text),
			Content:     text,
		}
	}
	return docs
}

// =============================================================================
// LOCAL MODE
// =============================================================================

func TestQueryLocalMode(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeLocal)
	})
	ctx := context.Background()

	content := "The capital of France is Paris. It sits on the Seine."
	idx, err := h.pipeline.Index(ctx, "ws1", docsOf(content))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, idx.Status)
	assert.Equal(t, 1, idx.DocumentCount)
	assert.NotEmpty(t, idx.RunID)

	res, err := h.pipeline.Query(ctx, "ws1", "What is the capital of France?")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "the answer is 42", res.Answer)
	assert.Equal(t, "local", res.Provider)
	require.Len(t, res.Citations, 1)

	// The local path sends the full excerpt, framed by hash prefix.
	prompt := h.ollama.prompt()
	assert.Contains(t, prompt, "The capital of France is Paris.")
	assert.Contains(t, prompt, "[Source: ")

	rec, err := h.ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunTypeQuery, rec.Type)
	assert.Equal(t, policy.Hash("What is the capital of France?"), rec.QueryHash)
	assert.False(t, rec.TruncationApplied)
	assert.False(t, rec.SentinelFlagged)
	assert.Equal(t, len(res.Answer), rec.AnswerLength)
}

func TestQueryLocalModeRejectsRemoteGenerator(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeLocal)
	})
	ctx := context.Background()

	_, err := h.pipeline.Index(ctx, "ws1", docsOf("Some content here."))
	require.NoError(t, err)

	// Simulate a routing config mutated after startup validation.
	h.cfg.Routing.GenerateProvider = config.ProviderRemote

	_, err = h.pipeline.Query(ctx, "ws1", "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, router.ErrModeViolation)
	assert.Equal(t, int64(0), h.remote.chatCalls.Load())

	// A run that never generated leaves no ledger record.
	runs, err := h.ledger.ListRuns(ctx, ledger.ListFilter{Type: ledger.RunTypeQuery})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// =============================================================================
// REMOTE PATH REDACTION
// =============================================================================

func TestQueryRemoteTruncatesExcerpt(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeHybrid)
		cfg.Routing.GenerateProvider = config.ProviderRemote
	})
	ctx := context.Background()

	// One long sentence chunks as a single excerpt.
	original := strings.Repeat("a", 9000)
	_, err := h.pipeline.Index(ctx, "ws1", docsOf(original))
	require.NoError(t, err)

	res, err := h.pipeline.Query(ctx, "ws1", "what does the document say?")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "remote answer", res.Answer)

	// The provider saw exactly the truncated excerpt, never the rest.
	body := h.remote.body()
	assert.Contains(t, body, strings.Repeat("a", h.cfg.Policy.MaxSnippetLength))
	assert.NotContains(t, body, strings.Repeat("a", h.cfg.Policy.MaxSnippetLength+1))

	// The ledger anchors on the pre-truncation hash.
	rec, err := h.ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, rec.TruncationApplied)
	require.Len(t, rec.Citations, 1)
	assert.Equal(t, policy.Hash(original), rec.Citations[0].ExcerptHash)
}

func TestQuerySentinelFlagIsAdvisory(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeHybrid)
		cfg.Routing.GenerateProvider = config.ProviderRemote
		cfg.Policy.SentinelMarkers = []string{"SECRET-MARK"}
	})
	ctx := context.Background()

	_, err := h.pipeline.Index(ctx, "ws1", docsOf("This file contains SECRET-MARK and normal text."))
	require.NoError(t, err)

	res, err := h.pipeline.Query(ctx, "ws1", "summarize")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)

	rec, err := h.ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.True(t, rec.SentinelFlagged)
}

// =============================================================================
// RETRY
// =============================================================================

func TestQueryRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeHybrid)
		cfg.Routing.GenerateProvider = config.ProviderRemote
	})
	ctx := context.Background()

	var delays []time.Duration
	h.pipeline.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	failures := atomic.Int64{}
	h.remote.chat.Store(func(w http.ResponseWriter) {
		if failures.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"message": "rate limited"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "third time lucky"}},
			},
		})
	})

	_, err := h.pipeline.Index(ctx, "ws1", docsOf("Some indexed content."))
	require.NoError(t, err)

	res, err := h.pipeline.Query(ctx, "ws1", "question")
	require.NoError(t, err)
	assert.Equal(t, "third time lucky", res.Answer)
	assert.Equal(t, int64(3), h.remote.chatCalls.Load())

	// Exponential growth with +/-25% jitter around 1ms then 2ms.
	require.Len(t, delays, 2)
	base := time.Duration(h.cfg.Retry.BaseDelayMs) * time.Millisecond
	assert.GreaterOrEqual(t, delays[0], time.Duration(float64(base)*0.75))
	assert.LessOrEqual(t, delays[0], time.Duration(float64(base)*1.25))
	assert.GreaterOrEqual(t, delays[1], time.Duration(float64(2*base)*0.75))
	assert.LessOrEqual(t, delays[1], time.Duration(float64(2*base)*1.25))
}

func TestQueryExhaustsRetries(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeHybrid)
		cfg.Routing.GenerateProvider = config.ProviderRemote
		cfg.Retry.MaxAttempts = 3
	})
	ctx := context.Background()

	h.remote.chat.Store(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := h.pipeline.Index(ctx, "ws1", docsOf("Some indexed content."))
	require.NoError(t, err)

	_, err = h.pipeline.Query(ctx, "ws1", "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderExhausted)
	assert.Equal(t, int64(3), h.remote.chatCalls.Load())

	// Failed runs are never recorded.
	runs, lerr := h.ledger.ListRuns(ctx, ledger.ListFilter{Type: ledger.RunTypeQuery})
	require.NoError(t, lerr)
	assert.Empty(t, runs)
}

func TestQueryPermanentErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Routing.Mode = string(config.ModeHybrid)
		cfg.Routing.GenerateProvider = config.ProviderRemote
	})
	ctx := context.Background()

	h.remote.chat.Store(func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "invalid key"},
		})
	})

	_, err := h.pipeline.Index(ctx, "ws1", docsOf("Some indexed content."))
	require.NoError(t, err)

	_, err = h.pipeline.Query(ctx, "ws1", "question")
	require.Error(t, err)
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.KindAuth, perr.Kind)
	assert.Equal(t, int64(1), h.remote.chatCalls.Load())
}

// =============================================================================
// AUDIT DEGRADATION
// =============================================================================

func TestQueryLedgerFailureDegradesToAuditWarning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.pipeline.Index(ctx, "ws1", docsOf("Some indexed content."))
	require.NoError(t, err)

	// Kill the audit store between index and query.
	require.NoError(t, h.ledger.Close())

	res, err := h.pipeline.Query(ctx, "ws1", "question")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccessAuditWarning, res.Status)
	assert.Equal(t, "the answer is 42", res.Answer)
	assert.Empty(t, res.RunID)
	require.Error(t, res.AuditError)
	assert.ErrorIs(t, res.AuditError, ledger.ErrWriteFailed)
}

// =============================================================================
// INDEX
// =============================================================================

func TestIndexRecordsRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	doc1 := "First sentence here. Second sentence here. Third one too."
	doc2 := "Another document entirely. With its own sentences."
	res, err := h.pipeline.Index(ctx, "ws1", docsOf(doc1, doc2))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 2, res.DocumentCount)
	assert.Greater(t, res.ChunkCount, 0)

	rec, err := h.ledger.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunTypeIndex, rec.Type)
	assert.Equal(t, res.ChunkCount, rec.ChunkCount)
	assert.ElementsMatch(t, []string{policy.Hash(doc1), policy.Hash(doc2)}, rec.DocumentHashes)
}

func TestIndexEmptyInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.pipeline.Index(ctx, "ws1", nil)
	assert.ErrorIs(t, err, ErrNoDocuments)

	_, err = h.pipeline.Index(ctx, "ws1", docsOf("   "))
	assert.ErrorIs(t, err, ErrNoDocuments)
}

// =============================================================================
// RETRIEVAL FAILURE
// =============================================================================

func TestQueryUnindexedWorkspaceReturnsNoCitations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Unknown workspaces retrieve nothing; the query still runs with an
	// empty context rather than failing.
	res, err := h.pipeline.Query(ctx, "nowhere", "question")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Citations)
}

func TestQueryEmbedderDownIsRetrievalFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.ollama.Close()

	_, err := h.pipeline.Query(ctx, "ws1", "question")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetrievalFailed)
}

// =============================================================================
// STATUS
// =============================================================================

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", StatusSuccess.String())
	assert.Equal(t, "success_audit_warning", StatusSuccessAuditWarning.String())
	assert.Equal(t, "failure", StatusFailure.String())
}

func TestBackoffCapped(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Retry.BaseDelayMs = 500
		cfg.Retry.MaxDelayMs = 10000
	})

	// Attempt 20 would overflow the shift; the cap plus jitter bounds it.
	d := h.pipeline.backoff(20)
	max := time.Duration(h.cfg.Retry.MaxDelayMs) * time.Millisecond
	assert.LessOrEqual(t, d, time.Duration(float64(max)*1.25))
	assert.GreaterOrEqual(t, d, time.Duration(float64(max)*0.75))
}
