// Package tools defines a strong identifier type for tool names. The full
// tool-execution plane (registry, idempotency, specs) is out of scope for
// this service: no MAICE agent calls external tools. runtime/agent/model
// has no tool-call structures, and nothing in this repository imports this
// package.
package tools

// Ident is the strong type for fully qualified tool identifiers
// (e.g., "service.toolset.tool"). Use this type when referencing
// tools in maps or APIs to avoid accidental mixing with free-form strings.
type Ident string
