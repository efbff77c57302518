// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/jeranaias/enclave/internal/config"
)

// Registry holds the constructed provider clients and their
// descriptors. It is built once at startup and read-only afterwards.
type Registry struct {
	generators  map[string]Generator
	embedders   map[string]Embedder
	descriptors map[string]Descriptor
}

// NewRegistry constructs the provider clients from configuration.
// Both providers are always constructed; whether a given provider may
// be used for a given request is the router's decision, not the
// registry's.
func NewRegistry(cfg *config.Config, log zerolog.Logger) *Registry {
	r := &Registry{
		generators:  make(map[string]Generator),
		embedders:   make(map[string]Embedder),
		descriptors: make(map[string]Descriptor),
	}

	ollama := NewOllama(&OllamaConfig{
		BaseURL:       cfg.Local.URL,
		GenerateModel: cfg.Local.GenerateModel,
		EmbedModel:    cfg.Local.EmbedModel,
		Timeout:       cfg.LocalTimeout(),
	})
	r.register(ollama.Describe(), ollama, ollama)

	remote := NewOpenRouter(&OpenRouterConfig{
		BaseURL:       cfg.Remote.BaseURL,
		APIKey:        cfg.Remote.APIKey,
		GenerateModel: cfg.Remote.GenerateModel,
		EmbedModel:    cfg.Remote.EmbedModel,
		Timeout:       cfg.RemoteTimeout(),
	})
	var remoteEmbedder Embedder
	if remote.Describe().Has(CapabilityEmbed) {
		remoteEmbedder = remote
	}
	r.register(remote.Describe(), remote, remoteEmbedder)

	log.Debug().
		Str("local_url", cfg.Local.URL).
		Bool("remote_configured", remote.IsConfigured()).
		Str("remote_key_fingerprint", remote.KeyFingerprint()).
		Msg("provider registry built")

	return r
}

func (r *Registry) register(desc Descriptor, gen Generator, emb Embedder) {
	r.descriptors[desc.Name] = desc
	if gen != nil && desc.Has(CapabilityGenerate) {
		r.generators[desc.Name] = gen
	}
	if emb != nil && desc.Has(CapabilityEmbed) {
		r.embedders[desc.Name] = emb
	}
}

// Generator returns the named generation provider.
func (r *Registry) Generator(name string) (Generator, bool) {
	g, ok := r.generators[name]
	return g, ok
}

// Embedder returns the named embedding provider.
func (r *Registry) Embedder(name string) (Embedder, bool) {
	e, ok := r.embedders[name]
	return e, ok
}

// Descriptor returns the descriptor for the named provider.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Descriptors returns all registered descriptors, sorted by name.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
