// Package store persists the agent's memory graphs, conscious state, and
// event trace in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/memory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts the pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store provides the PostgreSQL implementation of agent persistence.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS agent_memory (
    agent_id   TEXT        NOT NULL,
    kind       TEXT        NOT NULL,
    snapshot   JSONB       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (agent_id, kind)
);
CREATE TABLE IF NOT EXISTS agent_consciousness (
    id         BIGSERIAL   PRIMARY KEY,
    agent_id   TEXT        NOT NULL,
    cycle      BIGINT      NOT NULL,
    global     TEXT        NOT NULL,
    working    JSONB       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_trace (
    id         BIGSERIAL   PRIMARY KEY,
    agent_id   TEXT        NOT NULL,
    cycle      BIGINT      NOT NULL,
    kind       TEXT        NOT NULL,
    payload    JSONB       NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the persistence tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

const (
	memoryKindThoughts = "thought_graph"
	memoryKindEntities = "entity_graph"

	sqlUpsertMemory = `
        INSERT INTO agent_memory (agent_id, kind, snapshot, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (agent_id, kind) DO UPDATE SET
            snapshot = EXCLUDED.snapshot,
            updated_at = EXCLUDED.updated_at;
    `
	sqlSelectMemory = `
        SELECT snapshot FROM agent_memory WHERE agent_id = $1 AND kind = $2;
    `
)

// SaveMemory persists both graphs atomically under the agent's id.
func (s *Store) SaveMemory(ctx context.Context, agentID string, tg *memory.ThoughtGraph, eg *memory.EntityGraph) error {
	thoughtData, err := tg.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to encode thought graph: %w", err)
	}
	entityData, err := eg.MarshalSnapshot()
	if err != nil {
		return fmt.Errorf("failed to encode entity graph: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, sqlUpsertMemory, agentID, memoryKindThoughts, thoughtData, now); err != nil {
		return fmt.Errorf("failed to upsert thought graph: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlUpsertMemory, agentID, memoryKindEntities, entityData, now); err != nil {
		return fmt.Errorf("failed to upsert entity graph: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadMemory restores both graphs for the agent. Missing rows are not an
// error: a fresh agent simply starts with empty graphs.
func (s *Store) LoadMemory(ctx context.Context, agentID string, tg *memory.ThoughtGraph, eg *memory.EntityGraph) error {
	if err := s.loadSnapshot(ctx, agentID, memoryKindThoughts, tg.UnmarshalSnapshot); err != nil {
		return fmt.Errorf("failed to load thought graph: %w", err)
	}
	if err := s.loadSnapshot(ctx, agentID, memoryKindEntities, eg.UnmarshalSnapshot); err != nil {
		return fmt.Errorf("failed to load entity graph: %w", err)
	}
	return nil
}

func (s *Store) loadSnapshot(ctx context.Context, agentID, kind string, restore func([]byte) error) error {
	var data []byte
	err := s.pool.QueryRow(ctx, sqlSelectMemory, agentID, kind).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	return restore(data)
}

// SaveState upserts an arbitrary JSON-encodable document under the agent's
// id and a kind tag, in the same keyspace as the graph snapshots.
func (s *Store) SaveState(ctx context.Context, agentID, kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s state: %w", kind, err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertMemory, agentID, kind, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert %s state: %w", kind, err)
	}
	return nil
}

// LoadState decodes the stored document into out, reporting whether a row
// existed.
func (s *Store) LoadState(ctx context.Context, agentID, kind string, out interface{}) (bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, sqlSelectMemory, agentID, kind).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query %s state: %w", kind, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s state: %w", kind, err)
	}
	return true, nil
}

const sqlInsertConsciousness = `
        INSERT INTO agent_consciousness (agent_id, cycle, global, working, created_at)
        VALUES ($1, $2, $3, $4, $5);
    `

// SaveConsciousness appends a conscious-state row for the cycle.
func (s *Store) SaveConsciousness(ctx context.Context, agentID string, cycle int64, global string, working []string) error {
	workingData, err := json.Marshal(working)
	if err != nil {
		return fmt.Errorf("failed to encode working memory: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlInsertConsciousness, agentID, cycle, global, workingData, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert conscious state: %w", err)
	}
	return nil
}

const sqlSelectConsciousness = `
        SELECT cycle, global, working FROM agent_consciousness
        WHERE agent_id = $1
        ORDER BY id DESC
        LIMIT 1;
    `

// LatestConsciousness returns the most recent conscious state, or zero values
// when none has been recorded yet.
func (s *Store) LatestConsciousness(ctx context.Context, agentID string) (int64, string, []string, error) {
	var (
		cycle       int64
		global      string
		workingData []byte
	)
	err := s.pool.QueryRow(ctx, sqlSelectConsciousness, agentID).Scan(&cycle, &global, &workingData)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil, nil
	}
	if err != nil {
		return 0, "", nil, fmt.Errorf("failed to query conscious state: %w", err)
	}
	var working []string
	if err := json.Unmarshal(workingData, &working); err != nil {
		return 0, "", nil, fmt.Errorf("failed to decode working memory: %w", err)
	}
	return cycle, global, working, nil
}

const sqlInsertTrace = `
        INSERT INTO agent_trace (agent_id, cycle, kind, payload, created_at)
        VALUES ($1, $2, $3, $4, $5);
    `

// AppendTrace records one entry in the append-only cycle trace.
func (s *Store) AppendTrace(ctx context.Context, agentID string, cycle int64, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode trace payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlInsertTrace, agentID, cycle, kind, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to insert trace entry: %w", err)
	}
	return nil
}

// Maintain runs one memory-maintenance cycle against the agent's thought
// graph and persists the result. The returned string is the refreshed
// long-term summary.
func (s *Store) Maintain(ctx context.Context, agentID string, cycle int64, tg *memory.ThoughtGraph, eg *memory.EntityGraph, summary, globalSummary string, vitals []string, cfg memory.MaintenanceConfig) (string, error) {
	longTerm := tg.RunMaintenance(cycle, summary, globalSummary, vitals, cfg)
	if err := s.SaveMemory(ctx, agentID, tg, eg); err != nil {
		return "", fmt.Errorf("failed to persist maintained memory: %w", err)
	}
	return longTerm, nil
}
