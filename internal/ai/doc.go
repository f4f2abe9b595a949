// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ai implements the prompt flows behind every ERIMTECH AI feature.
//
// A flow renders a prompt from the embedded catalog, sends it to a Generator
// with a JSON output schema, validates that every required field came back
// non-empty, and decodes the result. The production Generator is GenAI,
// which talks to the Gemini API.
//
// # Key Types
//
//   - Generator: one structured request in, JSON out
//   - GenAI: Generator backed by google.golang.org/genai
//   - Flows: GenerateChatResponse, ExplainCode, AnalyzeImage,
//     TranscribeAudio, SummarizeVideo
//   - FlowError: carries the message shown to the user when a flow fails
//
// # Usage
//
//	gen, err := ai.NewGenAI(ctx, cfg.AI.APIKey, cfg.AI.Model, cfg.AITimeout(), logger)
//	flows, err := ai.NewFlows(gen, ai.WithFetcher(fetcher))
//	out, err := flows.ExplainCode(ctx, ai.CodeInput{Code: src, Language: "go"})
package ai
