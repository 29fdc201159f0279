// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger. The control API
// server stores a per-connection logger under it; handlers retrieve it to
// log with the connection's fields attached.
type LoggerKey struct{}
