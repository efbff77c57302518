// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the inference provider abstraction and the
// concrete clients for local (Ollama) and remote (OpenRouter) backends.
//
// Providers do not retry. Every call makes exactly one attempt and
// returns a classified error; the caller decides whether to retry based
// on IsTransient.
package provider

import (
	"context"
	"errors"
)

// =============================================================================
// CAPABILITIES AND LOCALITY
// =============================================================================

// Capability identifies an operation a provider can perform.
type Capability string

const (
	// CapabilityGenerate is text generation (chat completion).
	CapabilityGenerate Capability = "generate"

	// CapabilityEmbed is embedding vector generation.
	CapabilityEmbed Capability = "embed"
)

// Locality identifies where a provider's inference runs.
type Locality int

const (
	// LocalityLocal means inference stays on this machine.
	LocalityLocal Locality = iota

	// LocalityRemote means requests leave the machine over the network.
	LocalityRemote
)

// String returns the lowercase name of the locality.
func (l Locality) String() string {
	switch l {
	case LocalityLocal:
		return "local"
	case LocalityRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Descriptor describes a registered provider: its name, where it runs,
// and what it can do. Descriptors are immutable after registration.
type Descriptor struct {
	Name         string
	Locality     Locality
	Capabilities []Capability
}

// Has reports whether the descriptor advertises the given capability.
func (d Descriptor) Has(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// =============================================================================
// PROVIDER INTERFACES
// =============================================================================

// GenerateRequest carries the inputs for a generation call.
type GenerateRequest struct {
	// Prompt is the user-visible prompt, including any retrieved context.
	Prompt string

	// System is an optional system instruction.
	System string
}

// GenerateResult carries the output of a successful generation call.
type GenerateResult struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Generator produces text completions.
type Generator interface {
	// Describe returns the provider's descriptor.
	Describe() Descriptor

	// Available verifies the provider is reachable and ready.
	Available(ctx context.Context) error

	// Generate makes a single generation attempt. It never retries.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Embedder produces embedding vectors.
type Embedder interface {
	// Describe returns the provider's descriptor.
	Describe() Descriptor

	// Available verifies the provider is reachable and ready.
	Available(ctx context.Context) error

	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes provider errors for retry decisions.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnavailable
	KindTimeout
	KindAuth
	KindRateLimited
	KindModelNotFound
	KindBadRequest
	KindBadResponse
	KindServer
)

// String returns a short name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindModelNotFound:
		return "model_not_found"
	case KindBadRequest:
		return "bad_request"
	case KindBadResponse:
		return "bad_response"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is a classified provider error.
type Error struct {
	Provider string
	Kind     ErrorKind
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Provider + ": " + e.Message
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Sentinel errors for common conditions.
var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrUnavailable   = errors.New("provider unavailable")
)

// IsTransient reports whether an error is worth retrying. Timeouts,
// connection failures, rate limiting, and server-side errors are
// transient. Auth failures, unknown models, and malformed requests
// are permanent. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindUnavailable, KindTimeout, KindRateLimited, KindServer:
			return true
		}
		return false
	}

	return errors.Is(err, ErrUnavailable)
}
