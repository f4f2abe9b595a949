// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for erimtech.
//
// # Key Types
//
//   - Config: main configuration structure with all settings
//   - ServerConfig, AIConfig, StoreConfig: service wiring
//   - AuthConfig, QuotaConfig: sign-in rules and usage limits
//   - ValidationErrors: every problem Validate found
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (ERIMTECH_*, GEMINI_API_KEY, GOOGLE_API_KEY)
//   - ~/.erimtech/config.toml
//   - ~/.erimtech/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	go config.Watch(ctx, path, func(c *config.Config) { limiter.SetLimit(c.Quota.APIRequestsPerMinute) }, nil)
package config
