// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline sequences the request flow: retrieve, route,
// redact when the provider is remote, generate with bounded retries,
// record, return.
//
// The ledger write is the last step and its failure is not a request
// failure: the caller already has a correct answer, so the result is
// reported as a degraded success instead. Failed attempts are never
// recorded; the ledger holds completed operations only.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

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
// ERRORS
// =============================================================================

var (
	// ErrRetrievalFailed means the retrieval step failed; nothing was
	// recorded.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrPolicyViolation means outbound validation refused the payload.
	// Never retried.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrProviderExhausted means every retry attempt failed on a
	// transient error.
	ErrProviderExhausted = errors.New("provider retries exhausted")

	// ErrNoDocuments means an index run found nothing to index.
	ErrNoDocuments = errors.New("no documents to index")
)

// =============================================================================
// RESULTS
// =============================================================================

// Status is the tri-state outcome of a run. Degraded success is
// deliberately distinct from both success and failure: the caller got
// a correct answer but the audit trail is incomplete, and operators
// must be able to see that.
type Status int

const (
	StatusSuccess Status = iota
	StatusSuccessAuditWarning
	StatusFailure
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSuccessAuditWarning:
		return "success_audit_warning"
	default:
		return "failure"
	}
}

// QueryResult is the outcome of one query run.
type QueryResult struct {
	Status    Status
	Answer    string
	Citations []ledger.Citation
	RunID     string
	Provider  string
	LatencyMs int64

	// AuditError is set only for StatusSuccessAuditWarning.
	AuditError error
}

// IndexResult is the outcome of one index run.
type IndexResult struct {
	Status        Status
	RunID         string
	DocumentCount int
	ChunkCount    int
	Provider      string

	// AuditError is set only for StatusSuccessAuditWarning.
	AuditError error
}

// =============================================================================
// PIPELINE
// =============================================================================

// Pipeline wires the collaborators together. All fields are set at
// construction and read-only afterwards; per-request state lives on
// the stack.
type Pipeline struct {
	cfg      *config.Config
	router   *router.Router
	redactor *policy.Redactor
	store    *retrieval.Store
	ledger   *ledger.Store
	chunker  *ingest.Chunker
	limiter  *rate.Limiter
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a pipeline from its collaborators.
func New(cfg *config.Config, rt *router.Router, red *policy.Redactor, store *retrieval.Store, led *ledger.Store, metrics *telemetry.Metrics, log zerolog.Logger) *Pipeline {
	limit, burst := rate.Inf, 1
	if rps := cfg.Retry.ProviderRPS; rps > 0 {
		limit = rate.Limit(rps)
		if burst = int(rps); burst < 1 {
			burst = 1
		}
	}
	return &Pipeline{
		cfg:      cfg,
		router:   rt,
		redactor: red,
		store:    store,
		ledger:   led,
		chunker:  ingest.NewChunker(cfg.Ingest.SentencesPerChunk, cfg.Ingest.OverlapSentences),
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  metrics,
		log:      log.With().Str("component", "pipeline").Logger(),
		sleep:    sleepCtx,
	}
}

// =============================================================================
// QUERY
// =============================================================================

// Query answers a question against a workspace's indexed documents.
func (p *Pipeline) Query(ctx context.Context, workspaceID, question string) (*QueryResult, error) {
	start := time.Now()
	log := p.log.With().Str("workspace", workspaceID).Logger()

	// 1. Retrieve. The query is embedded with the configured embedding
	// provider; if that provider is remote the question text itself is
	// outbound and passes the same policy gate as excerpts.
	hits, err := p.retrieve(ctx, workspaceID, question)
	if err != nil {
		p.countRun(ledger.RunTypeQuery, StatusFailure)
		return nil, err
	}

	// 2. Route generation. A rejection is surfaced as-is; nothing is
	// recorded for a run that never generated.
	genName := p.cfg.Routing.GenerateProvider
	gen, err := p.router.SelectGenerator(ctx, genName)
	if err != nil {
		p.countRejection(err)
		p.countRun(ledger.RunTypeQuery, StatusFailure)
		return nil, err
	}
	remote := gen.Describe().Locality == provider.LocalityRemote

	// 3. Redact. Payloads are always produced (they carry the hashes
	// the ledger needs); the outbound gate only applies on the remote
	// path.
	payloads := make([]policy.RedactedPayload, len(hits))
	citations := make([]ledger.Citation, len(hits))
	sentinelFlagged := false
	truncated := false
	for i, hit := range hits {
		payloads[i] = p.redactor.Redact(hit.Chunk.Text)
		citations[i] = ledger.Citation{
			SourceHash:  hit.Chunk.DocumentHash,
			ExcerptHash: payloads[i].OriginalHash,
			Rank:        hit.Rank,
		}
		if payloads[i].SentinelFlag {
			sentinelFlagged = true
			p.metrics.SentinelFlags.Inc()
			log.Warn().Str("excerpt_hash", payloads[i].OriginalHash[:12]).Msg("sentinel marker in excerpt")
		}
		if payloads[i].TruncationApplied {
			truncated = true
			p.metrics.Truncations.Inc()
		}
	}

	var contextText string
	if remote {
		if err := p.redactor.ValidateOutbound(payloads); err != nil {
			p.countRun(ledger.RunTypeQuery, StatusFailure)
			return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
		contextText = policy.BuildContext(payloads)
	} else {
		contextText = localContext(hits)
	}

	// 4. Generate with bounded retries.
	result, err := p.generateWithRetry(ctx, gen, provider.GenerateRequest{
		Prompt: buildPrompt(question, contextText),
		System: systemPrompt,
	})
	if err != nil {
		p.countRun(ledger.RunTypeQuery, StatusFailure)
		return nil, err
	}

	latency := time.Since(start)
	res := &QueryResult{
		Status:    StatusSuccess,
		Answer:    result.Text,
		Citations: citations,
		Provider:  genName,
		LatencyMs: latency.Milliseconds(),
	}

	// 5. Record. Run even if the caller's context was canceled after
	// generation: the provider call happened and must be auditable.
	runID, err := p.ledger.RecordQueryRun(context.WithoutCancel(ctx), ledger.QueryRun{
		WorkspaceID:       workspaceID,
		QueryHash:         policy.Hash(question),
		Provider:          genName,
		Citations:         citations,
		AnswerLength:      len(result.Text),
		Latency:           latency,
		SentinelFlagged:   sentinelFlagged,
		TruncationApplied: truncated,
	})
	if err != nil {
		p.metrics.LedgerWriteFailures.Inc()
		log.Error().Err(err).Msg("answer delivered but audit write failed")
		res.Status = StatusSuccessAuditWarning
		res.AuditError = fmt.Errorf("%w: %v", ledger.ErrWriteFailed, err)
	} else {
		res.RunID = runID
	}

	p.countRun(ledger.RunTypeQuery, res.Status)
	p.metrics.RequestDuration.WithLabelValues(string(ledger.RunTypeQuery)).Observe(latency.Seconds())
	log.Info().
		Str("run_id", res.RunID).
		Str("provider", genName).
		Str("status", res.Status.String()).
		Int("citations", len(citations)).
		Dur("latency", latency).
		Msg("query complete")
	return res, nil
}

// retrieve embeds the question and searches the workspace index.
func (p *Pipeline) retrieve(ctx context.Context, workspaceID, question string) ([]retrieval.Result, error) {
	embName := p.cfg.Routing.EmbedProvider
	emb, err := p.router.SelectEmbedder(ctx, embName)
	if err != nil {
		p.countRejection(err)
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	if emb.Describe().Locality == provider.LocalityRemote {
		qp := p.redactor.Redact(question)
		if err := p.redactor.ValidateOutbound([]policy.RedactedPayload{qp}); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPolicyViolation, err)
		}
	}

	vectors, err := p.embedWithRetry(ctx, emb, []string{question})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}

	hits, err := p.store.Search(workspaceID, vectors[0], p.cfg.Retrieval.TopK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	return hits, nil
}

// =============================================================================
// INDEX
// =============================================================================

// Index chunks and embeds documents into a workspace, then records
// the run. There is no redaction step for local embedding; when the
// embedding provider is remote, every outbound chunk passes the same
// policy gate as query context.
func (p *Pipeline) Index(ctx context.Context, workspaceID string, docs []*ingest.Document) (*IndexResult, error) {
	start := time.Now()
	log := p.log.With().Str("workspace", workspaceID).Logger()

	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	embName := p.cfg.Routing.EmbedProvider
	emb, err := p.router.SelectEmbedder(ctx, embName)
	if err != nil {
		p.countRejection(err)
		p.countRun(ledger.RunTypeIndex, StatusFailure)
		return nil, err
	}
	remote := emb.Describe().Locality == provider.LocalityRemote

	var chunks []retrieval.Chunk
	docHashes := make([]string, 0, len(docs))
	for _, doc := range docs {
		docHashes = append(docHashes, doc.ContentHash)
		for ord, text := range p.chunker.Chunk(doc.Content) {
			chunks = append(chunks, retrieval.Chunk{
				DocumentHash: doc.ContentHash,
				Ordinal:      ord,
				Text:         text,
			})
		}
	}
	if len(chunks) == 0 {
		return nil, ErrNoDocuments
	}

	if remote {
		payloads := make([]policy.RedactedPayload, len(chunks))
		for i, c := range chunks {
			payloads[i] = p.redactor.Redact(c.Text)
		}
		// Chunks are validated one at a time: the combined heuristic
		// is meant for a single generation context, not a whole
		// corpus upload, but each chunk must respect the bound.
		for i := range payloads {
			if err := p.redactor.ValidateOutbound(payloads[i : i+1]); err != nil {
				p.countRun(ledger.RunTypeIndex, StatusFailure)
				return nil, fmt.Errorf("%w: chunk %d: %v", ErrPolicyViolation, i, err)
			}
			chunks[i].Text = payloads[i].Text
		}
	}

	vectors, err := p.embedChunks(ctx, emb, chunks)
	if err != nil {
		p.countRun(ledger.RunTypeIndex, StatusFailure)
		return nil, err
	}

	if err := p.store.Upsert(workspaceID, chunks, vectors); err != nil {
		p.countRun(ledger.RunTypeIndex, StatusFailure)
		return nil, fmt.Errorf("failed to store vectors: %w", err)
	}

	res := &IndexResult{
		Status:        StatusSuccess,
		DocumentCount: len(docs),
		ChunkCount:    len(chunks),
		Provider:      embName,
	}

	runID, err := p.ledger.RecordIndexRun(context.WithoutCancel(ctx), workspaceID, docHashes, len(chunks), embName)
	if err != nil {
		p.metrics.LedgerWriteFailures.Inc()
		log.Error().Err(err).Msg("index complete but audit write failed")
		res.Status = StatusSuccessAuditWarning
		res.AuditError = fmt.Errorf("%w: %v", ledger.ErrWriteFailed, err)
	} else {
		res.RunID = runID
	}

	p.countRun(ledger.RunTypeIndex, res.Status)
	p.metrics.RequestDuration.WithLabelValues(string(ledger.RunTypeIndex)).Observe(time.Since(start).Seconds())
	log.Info().
		Str("run_id", res.RunID).
		Int("documents", res.DocumentCount).
		Int("chunks", res.ChunkCount).
		Str("status", res.Status.String()).
		Msg("index complete")
	return res, nil
}

// embedChunks embeds chunk texts in batches, a few batches in flight
// at a time.
func (p *Pipeline) embedChunks(ctx context.Context, emb provider.Embedder, chunks []retrieval.Chunk) ([][]float64, error) {
	batchSize := p.cfg.Ingest.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = 16
	}

	vectors := make([][]float64, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for startIdx := 0; startIdx < len(chunks); startIdx += batchSize {
		lo, hi := startIdx, startIdx+batchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		g.Go(func() error {
			texts := make([]string, hi-lo)
			for i := lo; i < hi; i++ {
				texts[i-lo] = chunks[i].Text
			}
			batch, err := p.embedWithRetry(gctx, emb, texts)
			if err != nil {
				return err
			}
			copy(vectors[lo:hi], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// =============================================================================
// RETRY
// =============================================================================

// generateWithRetry retries transient generation failures with
// exponential backoff and jitter. Permanent errors fail immediately.
func (p *Pipeline) generateWithRetry(ctx context.Context, gen provider.Generator, req provider.GenerateRequest) (*provider.GenerateResult, error) {
	name := gen.Describe().Name
	var lastErr error

	for attempt := 0; attempt < p.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			p.metrics.RetriesTotal.Inc()
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := gen.Generate(ctx, req)
		if err == nil {
			p.metrics.ProviderRequests.WithLabelValues(name, "ok").Inc()
			return result, nil
		}
		if !provider.IsTransient(err) {
			p.metrics.ProviderRequests.WithLabelValues(name, "error").Inc()
			return nil, err
		}

		p.metrics.ProviderRequests.WithLabelValues(name, "transient").Inc()
		p.log.Warn().Err(err).Int("attempt", attempt+1).Str("provider", name).Msg("transient provider error")
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderExhausted, p.cfg.Retry.MaxAttempts, lastErr)
}

// embedWithRetry applies the same retry policy to embedding calls.
func (p *Pipeline) embedWithRetry(ctx context.Context, emb provider.Embedder, texts []string) ([][]float64, error) {
	name := emb.Describe().Name
	var lastErr error

	for attempt := 0; attempt < p.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			p.metrics.RetriesTotal.Inc()
			if err := p.sleep(ctx, p.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vectors, err := emb.Embed(ctx, texts)
		if err == nil {
			p.metrics.ProviderRequests.WithLabelValues(name, "ok").Inc()
			return vectors, nil
		}
		if !provider.IsTransient(err) {
			p.metrics.ProviderRequests.WithLabelValues(name, "error").Inc()
			return nil, err
		}

		p.metrics.ProviderRequests.WithLabelValues(name, "transient").Inc()
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrProviderExhausted, p.cfg.Retry.MaxAttempts, lastErr)
}

// backoff returns the delay before the given attempt: exponential from
// the configured base, capped at the configured max, with +/-25%
// jitter so synchronized clients spread out.
func (p *Pipeline) backoff(attempt int) time.Duration {
	base := time.Duration(p.cfg.Retry.BaseDelayMs) * time.Millisecond
	max := time.Duration(p.cfg.Retry.MaxDelayMs) * time.Millisecond

	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// PROMPTS
// =============================================================================

const systemPrompt = "Answer using only the provided context. If the context does not contain the answer, say so. Cite sources by their bracketed identifiers."

func buildPrompt(question, contextText string) string {
	if contextText == "" {
		return question
	}
	return "Context:\n" + contextText + "\n\nQuestion: " + question
}

// localContext frames raw excerpts for the local path. The framing
// matches the remote path so answers cite sources the same way.
func localContext(hits []retrieval.Result) string {
	payloads := make([]policy.RedactedPayload, len(hits))
	for i, hit := range hits {
		payloads[i] = policy.RedactedPayload{
			OriginalHash: policy.Hash(hit.Chunk.Text),
			Text:         hit.Chunk.Text,
		}
	}
	return policy.BuildContext(payloads)
}

// =============================================================================
// METRIC HELPERS
// =============================================================================

func (p *Pipeline) countRun(t ledger.RunType, s Status) {
	p.metrics.RunsTotal.WithLabelValues(string(t), s.String()).Inc()
}

func (p *Pipeline) countRejection(err error) {
	var rej *router.Rejection
	if errors.As(err, &rej) {
		kind := "unknown"
		switch {
		case errors.Is(err, router.ErrModeViolation):
			kind = "mode_violation"
		case errors.Is(err, router.ErrCapabilityMismatch):
			kind = "capability_mismatch"
		case errors.Is(err, router.ErrProviderUnavailable):
			kind = "provider_unavailable"
		}
		p.metrics.RoutingRejections.WithLabelValues(kind).Inc()
	}
}
