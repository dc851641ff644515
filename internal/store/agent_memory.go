package store

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/agent"
	"github.com/cortexmind/cortex/internal/memory"
)

// stateKindSnapshot keys the serialized working snapshot in agent_memory.
const stateKindSnapshot = "snapshot"

// AgentMemory binds one agent's memory graphs and working snapshot to the
// relational store. It implements the runtime's MemoryStore contract.
type AgentMemory struct {
	store    *Store
	log      *zap.Logger
	agentID  string
	thoughts *memory.ThoughtGraph
	entities *memory.EntityGraph
	maint    memory.MaintenanceConfig

	// lazyLoad defers graph restoration to first access; a cold start can
	// skip the read entirely.
	lazyLoad bool
	mu       sync.Mutex
	loaded   bool
}

var _ agent.MemoryStore = (*AgentMemory)(nil)

// NewAgentMemory creates the persistence binding for one agent. When
// loadOnFirstAccess is false the graphs are expected to be warm-restored
// explicitly via Restore.
func NewAgentMemory(s *Store, logger *zap.Logger, agentID string, maint memory.MaintenanceConfig, loadOnFirstAccess bool) *AgentMemory {
	return &AgentMemory{
		store:    s,
		log:      logger.Named("agent_memory"),
		agentID:  agentID,
		thoughts: memory.NewThoughtGraph(logger),
		entities: memory.NewEntityGraph(logger),
		maint:    maint,
		lazyLoad: loadOnFirstAccess,
	}
}

// Thoughts exposes the agent's thought graph.
func (m *AgentMemory) Thoughts() *memory.ThoughtGraph { return m.thoughts }

// Entities exposes the agent's entity graph.
func (m *AgentMemory) Entities() *memory.EntityGraph { return m.entities }

// Restore loads both graphs from storage immediately (warm-restore path).
func (m *AgentMemory) Restore(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(ctx)
}

func (m *AgentMemory) restoreLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	if err := m.store.LoadMemory(ctx, m.agentID, m.thoughts, m.entities); err != nil {
		return fmt.Errorf("graph restore for %s: %w", m.agentID, err)
	}
	m.loaded = true
	m.log.Info("Memory graphs restored",
		zap.String("agent_id", m.agentID),
		zap.Int("thoughts", m.thoughts.NodeCount()),
		zap.Int("entities", m.entities.EntityCount()))
	return nil
}

func (m *AgentMemory) ensureLoaded(ctx context.Context) error {
	if !m.lazyLoad {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(ctx)
}

// Load returns a fresh working snapshot. Each call reads from storage so
// concurrent handlers hold independent copies.
func (m *AgentMemory) Load(ctx context.Context) (*agent.MemorySnapshot, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	snap := agent.NewMemorySnapshot()
	if _, err := m.store.LoadState(ctx, m.agentID, stateKindSnapshot, snap); err != nil {
		return nil, err
	}
	if snap.Facts == nil {
		snap.Facts = make(map[string]interface{})
	}
	return snap, nil
}

// Save persists the working snapshot. Last writer wins.
func (m *AgentMemory) Save(ctx context.Context, snap *agent.MemorySnapshot) error {
	return m.store.SaveState(ctx, m.agentID, stateKindSnapshot, snap)
}

// AppendEvent writes one trace record to the append-only log.
func (m *AgentMemory) AppendEvent(ctx context.Context, rec agent.TraceRecord) error {
	return m.store.AppendTrace(ctx, m.agentID, rec.Cycle, "cycle_trace", rec)
}

// SaveSnapshot records the cycle's conscious state.
func (m *AgentMemory) SaveSnapshot(ctx context.Context, state agent.ConsciousState, cycle int64, sourceEventID string) error {
	signals := append([]string{}, state.VitalSignals...)
	if sourceEventID != "" {
		signals = append(signals, "source:"+sourceEventID)
	}
	return m.store.SaveConsciousness(ctx, m.agentID, cycle, state.Summary, signals)
}

// UpdateDot runs one thought-graph maintenance cycle and persists the
// result, returning the refreshed long-term summary.
func (m *AgentMemory) UpdateDot(ctx context.Context, cycle int64, summary, globalSummary string, vitalSignals []string) (string, error) {
	if err := m.ensureLoaded(ctx); err != nil {
		return "", err
	}
	return m.store.Maintain(ctx, m.agentID, cycle, m.thoughts, m.entities, summary, globalSummary, vitalSignals, m.maint)
}
