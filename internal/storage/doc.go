package storage

// Package storage provides the optional persistence layer for the
// orchestrator.
//
// It currently supports:
//   - Operation audit appends (every routed operation outcome)
//   - Tripped-breaker state (so open circuits survive restarts)
