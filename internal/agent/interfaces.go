package agent

import (
	"context"
)

// TraceRecord is one immutable entry of the per-cycle execution log.
type TraceRecord struct {
	EventID   string            `json:"event_id"`
	Cycle     int64             `json:"cycle"`
	MissionID string            `json:"mission_id"`
	Rationale string            `json:"rationale"`
	Actions   []string          `json:"actions"`
	Results   []ExecutionResult `json:"results"`
	Summary   string            `json:"summary,omitempty"`
}

// MemoryStore is the persistence contract the runtime depends on. The pgx
// implementation lives in internal/store; tests substitute an in-memory one.
type MemoryStore interface {
	// Load returns a fresh snapshot of the agent's mutable state. Each
	// handler loads its own copy.
	Load(ctx context.Context) (*MemorySnapshot, error)

	// Save persists the snapshot. Concurrent saves are last-writer-wins.
	Save(ctx context.Context, snap *MemorySnapshot) error

	// AppendEvent writes one record to the append-only trace log.
	AppendEvent(ctx context.Context, rec TraceRecord) error

	// SaveSnapshot records the cycle's conscious state.
	SaveSnapshot(ctx context.Context, state ConsciousState, cycle int64, sourceEventID string) error

	// UpdateDot runs one thought-graph maintenance cycle, persists the
	// result, and returns the refreshed long-term summary.
	UpdateDot(ctx context.Context, cycle int64, summary, globalSummary string, vitalSignals []string) (string, error)
}

// ConsciousnessUpdate is the payload pushed to connected observers after
// each reflected cycle.
type ConsciousnessUpdate struct {
	GlobalConsciousness string `json:"global_consciousness"`
	WorkingMemory       string `json:"working_memory"`
	Timestamp           int64  `json:"timestamp"`
	Cycle               int64  `json:"cycle"`
}

// Broadcaster pushes consciousness updates to observers. Failures are
// swallowed by the caller; broadcasting is never load-bearing.
type Broadcaster interface {
	Broadcast(update ConsciousnessUpdate)
}

// ToolInvoker is the capability surface the Executor consults. The concrete
// registry lives in internal/tools.
type ToolInvoker interface {
	// Has reports whether a tool with the given name is registered.
	Has(name string) bool

	// Invoke dispatches a call to the named tool.
	Invoke(ctx context.Context, name string, args map[string]interface{}) (string, error)

	// Describe renders the registered tools for inclusion in prompts.
	Describe() string
}
