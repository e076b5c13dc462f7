// Package llm provides chat providers and per-user credential resolution.
//
// The factory creates a ports.ChatProvider from a provider name and API key.
// Currently supports:
//   - anthropic: Claude via anthropic-sdk-go, with streaming
//   - mock: deterministic offline responses for development and tests
//
// Resolver turns a user's stored credential into a ProviderHandle for the
// executor.
package llm
