// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for
// enclave.
//
// Configuration is read from a TOML file with sensible defaults and
// environment variable overrides, then validated. The operating mode and the
// provider table are fixed for the lifetime of the process: nothing in this
// package mutates a Config after Load returns it.
//
// Configuration file locations (in order of precedence):
//   - path passed explicitly (--config flag)
//   - ~/.enclave/config.toml
//   - Built-in defaults
package config
