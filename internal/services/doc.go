// Package services defines shared utilities consumed by the workflow stage
// handlers and external collaborators.
//
// Key responsibilities:
//   - Structured error markers plus the Wrap helper that keep failure
//     classification (invalid input vs transient vs cancelled) uniform
//     across stages and providers.
//   - Context helpers that stamp project IDs and stage names for logging.
//   - A bounded exponential-backoff retry policy shared by every call site
//     that talks to an external capability.
package services
