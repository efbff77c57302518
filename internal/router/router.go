// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router selects an inference provider for a requested
// capability under the process-wide operating mode.
//
// SECURITY CRITICAL: The mode check is ALWAYS the first check, before
// capability or availability. There is no fallback of any kind: a
// request that cannot be served by the requested provider is rejected
// with a typed error, never silently re-routed. Silent substitution of
// a remote provider for a local one would defeat the entire boundary
// guarantee this package exists to enforce.
//
// Mode rules:
//   - LOCAL:  only the local provider, for both capabilities
//   - HYBRID: any provider; remote calls must pass outbound policy checks
//   - CLOUD:  any provider; remote calls must pass outbound policy checks
package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jeranaias/enclave/internal/config"
	"github.com/jeranaias/enclave/internal/provider"
)

// Sentinel errors for the three rejection categories.
var (
	// ErrModeViolation means the operating mode forbids the requested
	// provider. The request must not be retried with another provider.
	ErrModeViolation = errors.New("mode violation")

	// ErrCapabilityMismatch means the requested provider exists but
	// does not advertise the requested capability.
	ErrCapabilityMismatch = errors.New("capability mismatch")

	// ErrProviderUnavailable means the requested provider is permitted
	// and capable but not reachable right now.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// Rejection is a typed routing refusal. It wraps one of the sentinel
// errors above and carries the full decision context for the ledger.
type Rejection struct {
	Capability provider.Capability
	Provider   string
	Mode       config.Mode
	Reason     string
	kind       error
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: cannot route %s to %q in %s mode: %s",
		r.kind.Error(), r.Capability, r.Provider, r.Mode, r.Reason)
}

func (r *Rejection) Unwrap() error {
	return r.kind
}

// Router makes provider selection decisions. The mode is fixed at
// construction and never changes for the life of the process; there is
// deliberately no setter.
type Router struct {
	mode     config.Mode
	registry *provider.Registry
	log      zerolog.Logger
}

// New creates a router for the given mode and provider registry.
func New(mode config.Mode, registry *provider.Registry, log zerolog.Logger) *Router {
	return &Router{
		mode:     mode,
		registry: registry,
		log:      log.With().Str("component", "router").Logger(),
	}
}

// Mode returns the operating mode this router enforces.
func (r *Router) Mode() config.Mode {
	return r.mode
}

// SelectGenerator returns the named generation provider if the mode
// permits it, it advertises generation, and it is reachable.
//
// The check order is fixed (DO NOT REORDER):
//  1. Mode check (FIRST - the boundary guarantee)
//  2. Capability check
//  3. Availability probe
func (r *Router) SelectGenerator(ctx context.Context, name string) (provider.Generator, error) {
	desc, err := r.admit(provider.CapabilityGenerate, name)
	if err != nil {
		return nil, err
	}

	gen, ok := r.registry.Generator(name)
	if !ok {
		return nil, r.reject(ErrCapabilityMismatch, provider.CapabilityGenerate, name, "provider has no generation client")
	}
	if err := gen.Available(ctx); err != nil {
		return nil, r.reject(ErrProviderUnavailable, provider.CapabilityGenerate, name, err.Error())
	}

	r.log.Debug().
		Str("capability", string(provider.CapabilityGenerate)).
		Str("provider", name).
		Str("locality", desc.Locality.String()).
		Msg("routing decision")
	return gen, nil
}

// SelectEmbedder returns the named embedding provider under the same
// check order as SelectGenerator.
func (r *Router) SelectEmbedder(ctx context.Context, name string) (provider.Embedder, error) {
	desc, err := r.admit(provider.CapabilityEmbed, name)
	if err != nil {
		return nil, err
	}

	emb, ok := r.registry.Embedder(name)
	if !ok {
		return nil, r.reject(ErrCapabilityMismatch, provider.CapabilityEmbed, name, "provider has no embedding client")
	}
	if err := emb.Available(ctx); err != nil {
		return nil, r.reject(ErrProviderUnavailable, provider.CapabilityEmbed, name, err.Error())
	}

	r.log.Debug().
		Str("capability", string(provider.CapabilityEmbed)).
		Str("provider", name).
		Str("locality", desc.Locality.String()).
		Msg("routing decision")
	return emb, nil
}

// admit applies the mode and capability checks and returns the
// provider's descriptor on success.
func (r *Router) admit(cap provider.Capability, name string) (provider.Descriptor, error) {
	desc, ok := r.registry.Descriptor(name)
	if !ok {
		return provider.Descriptor{}, r.reject(ErrProviderUnavailable, cap, name, "unknown provider")
	}

	// CRITICAL CHECK #1: mode enforcement (MUST BE FIRST).
	// LOCAL mode never hands out a remote provider, regardless of what
	// the request asks for.
	if r.mode == config.ModeLocal && desc.Locality != provider.LocalityLocal {
		return provider.Descriptor{}, r.reject(ErrModeViolation, cap, name, "LOCAL mode permits only local providers")
	}

	// CHECK #2: capability.
	if !desc.Has(cap) {
		return provider.Descriptor{}, r.reject(ErrCapabilityMismatch, cap, name,
			fmt.Sprintf("provider does not advertise %s", cap))
	}

	return desc, nil
}

// reject builds a Rejection and logs it. Every refusal is logged at
// warn so operators can see boundary enforcement happening.
func (r *Router) reject(kind error, cap provider.Capability, name, reason string) *Rejection {
	rej := &Rejection{
		Capability: cap,
		Provider:   name,
		Mode:       r.mode,
		Reason:     reason,
		kind:       kind,
	}
	r.log.Warn().
		Str("capability", string(cap)).
		Str("provider", name).
		Str("mode", string(r.mode)).
		Str("rejection", kind.Error()).
		Str("reason", reason).
		Msg("routing rejected")
	return rej
}
