package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntityType classifies a node in the entity graph.
type EntityType string

const (
	EntityUser     EntityType = "user"
	EntityAsset    EntityType = "asset"
	EntityPattern  EntityType = "pattern"
	EntitySignal   EntityType = "signal"
	EntityDecision EntityType = "decision"
	EntityOutcome  EntityType = "outcome"
)

// RelationType labels a directed relation between two entities.
type RelationType string

const (
	RelOwns       RelationType = "OWNS"
	RelWatches    RelationType = "WATCHES"
	RelFollows    RelationType = "FOLLOWS"
	RelDecided    RelationType = "DECIDED"
	RelTriggered  RelationType = "TRIGGERED"
	RelResultedIn RelationType = "RESULTED_IN"
	RelBasedOn    RelationType = "BASED_ON"
)

// EntityNode is a typed entity with caller-assignable ids so canonical
// singletons (one node per user, per asset) keep a stable identity.
type EntityNode struct {
	ID            string                 `json:"id"`
	Type          EntityType             `json:"type"`
	Label         string                 `json:"label"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	Importance    float64                `json:"importance"`
	Tags          []string               `json:"tags,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	Consolidation float64                `json:"consolidation"`
}

// EntityRelation is a typed directed relation. Both endpoints must exist when
// the relation is created.
type EntityRelation struct {
	Source     string                 `json:"source"`
	Target     string                 `json:"target"`
	Type       RelationType           `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Strength   float64                `json:"strength"`
}

// Position is one holding derived from an OWNS relation joined against the
// asset's current price.
type Position struct {
	Asset        string  `json:"asset"`
	Amount       float64 `json:"amount"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price"`
	PnL          float64 `json:"pnl"`
	PnLPercent   float64 `json:"pnl_percent"`
}

// DecisionRecord is one decision with its grounding and outcome, derived from
// DECIDED, BASED_ON and RESULTED_IN chains.
type DecisionRecord struct {
	Decision EntityNode   `json:"decision"`
	BasedOn  []EntityNode `json:"based_on,omitempty"`
	Outcomes []EntityNode `json:"outcomes,omitempty"`
}

// PatternStats aggregates pattern occurrences per pattern type and asset.
type PatternStats struct {
	Pattern     string  `json:"pattern"`
	Asset       string  `json:"asset,omitempty"`
	Occurrences int     `json:"occurrences"`
	Triggered   int     `json:"triggered"`
	ResultedIn  int     `json:"resulted_in"`
	AvgStrength float64 `json:"avg_strength"`
}

// EntityGraph is the agent's typed entity/relation memory: users, assets,
// patterns, decisions and outcomes with importance scoring. All operations
// are safe for concurrent use.
type EntityGraph struct {
	logger *zap.Logger

	mu        sync.RWMutex
	entities  map[string]*EntityNode
	relations []EntityRelation
}

// NewEntityGraph creates an empty graph.
func NewEntityGraph(logger *zap.Logger) *EntityGraph {
	return &EntityGraph{
		logger:   logger.Named("entity_graph"),
		entities: make(map[string]*EntityNode),
	}
}

// AddEntity inserts or replaces an entity. An empty id is filled with a fresh
// uuid; callers keep fixed ids for canonical singletons.
func (g *EntityGraph) AddEntity(e EntityNode) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow()
	}
	g.entities[e.ID] = &e
	return e.ID
}

// UpdateAttributes merges the given attributes into an existing entity.
func (g *EntityGraph) UpdateAttributes(id string, attrs map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entities[id]
	if !ok {
		return fmt.Errorf("entity %q not found", id)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{}, len(attrs))
	}
	for k, v := range attrs {
		e.Attributes[k] = v
	}
	return nil
}

// AddRelation appends a relation after verifying both endpoints exist.
func (g *EntityGraph) AddRelation(r EntityRelation) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[r.Source]; !ok {
		return fmt.Errorf("relation source %q not found", r.Source)
	}
	if _, ok := g.entities[r.Target]; !ok {
		return fmt.Errorf("relation target %q not found", r.Target)
	}
	g.relations = append(g.relations, r)
	return nil
}

// Entity returns a copy of the entity with the given id.
func (g *EntityGraph) Entity(id string) (EntityNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	if !ok {
		return EntityNode{}, false
	}
	return *e, true
}

// Find returns every entity of the given type whose attributes match all of
// the provided filters. A nil filter map matches on type alone.
func (g *EntityGraph) Find(typ EntityType, filters map[string]interface{}) []EntityNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []EntityNode
	for _, e := range g.entities {
		if e.Type != typ {
			continue
		}
		matched := true
		for k, want := range filters {
			if got, ok := e.Attributes[k]; !ok || got != want {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Neighborhood expands breadth-first from the given entity, following
// relations in both directions, up to the given radius and bounded by
// maxEntities total nodes (the start node included).
func (g *EntityGraph) Neighborhood(id string, radius, maxEntities int) []EntityNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.entities[id]
	if !ok {
		return nil
	}
	if maxEntities <= 0 {
		maxEntities = 50
	}

	type item struct {
		id    string
		depth int
	}
	visited := map[string]struct{}{id: {}}
	result := []EntityNode{*start}
	queue := []item{{id: id, depth: 0}}

	for len(queue) > 0 && len(result) < maxEntities {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= radius {
			continue
		}
		for _, next := range g.adjacentLocked(cur.id) {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			if e, ok := g.entities[next]; ok {
				result = append(result, *e)
				if len(result) >= maxEntities {
					break
				}
				queue = append(queue, item{id: next, depth: cur.depth + 1})
			}
		}
	}
	return result
}

// PathsBetween returns every simple path from a to b up to maxDepth hops,
// following relations in both directions. Each path is the ordered list of
// entity ids including both endpoints.
func (g *EntityGraph) PathsBetween(a, b string, maxDepth int) [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[a]; !ok {
		return nil
	}
	if _, ok := g.entities[b]; !ok {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = 4
	}

	var paths [][]string
	onPath := map[string]struct{}{a: {}}

	var walk func(current string, path []string)
	walk = func(current string, path []string) {
		if current == b {
			paths = append(paths, append([]string(nil), path...))
			return
		}
		if len(path) > maxDepth {
			return
		}
		for _, next := range g.adjacentLocked(current) {
			if _, seen := onPath[next]; seen {
				continue
			}
			onPath[next] = struct{}{}
			walk(next, append(path, next))
			delete(onPath, next)
		}
	}
	walk(a, []string{a})
	return paths
}

// adjacentLocked returns the ids connected to the given id in either
// direction. Callers must hold at least a read lock.
func (g *EntityGraph) adjacentLocked(id string) []string {
	var out []string
	for _, r := range g.relations {
		switch id {
		case r.Source:
			out = append(out, r.Target)
		case r.Target:
			out = append(out, r.Source)
		}
	}
	return out
}

// PositionsForUser derives the user's holdings from OWNS relations to asset
// entities, joining each relation's amount and entry price against the
// asset's current price attribute to compute P&L.
func (g *EntityGraph) PositionsForUser(userID string) []Position {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var positions []Position
	for _, r := range g.relations {
		if r.Type != RelOwns || r.Source != userID {
			continue
		}
		asset, ok := g.entities[r.Target]
		if !ok || asset.Type != EntityAsset {
			continue
		}

		amount := floatAttr(r.Attributes, "amount")
		entry := floatAttr(r.Attributes, "entry_price")
		current := floatAttr(asset.Attributes, "price")

		pos := Position{
			Asset:        asset.Label,
			Amount:       amount,
			EntryPrice:   entry,
			CurrentPrice: current,
		}
		if entry > 0 && current > 0 {
			pos.PnL = (current - entry) * amount
			pos.PnLPercent = (current - entry) / entry * 100
		}
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Asset < positions[j].Asset })
	return positions
}

// DecisionHistory returns the user's decisions (DECIDED relations) newest
// first, each expanded with its BASED_ON grounding and RESULTED_IN outcomes.
func (g *EntityGraph) DecisionHistory(userID string, limit int) []DecisionRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var records []DecisionRecord
	for _, r := range g.relations {
		if r.Type != RelDecided || r.Source != userID {
			continue
		}
		decision, ok := g.entities[r.Target]
		if !ok {
			continue
		}
		rec := DecisionRecord{Decision: *decision}
		for _, rr := range g.relations {
			if rr.Source != decision.ID {
				continue
			}
			switch rr.Type {
			case RelBasedOn:
				if e, ok := g.entities[rr.Target]; ok {
					rec.BasedOn = append(rec.BasedOn, *e)
				}
			case RelResultedIn:
				if e, ok := g.entities[rr.Target]; ok {
					rec.Outcomes = append(rec.Outcomes, *e)
				}
			}
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Decision.CreatedAt.After(records[j].Decision.CreatedAt)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}

// PatternOccurrences aggregates FOLLOWS, TRIGGERED and RESULTED_IN chains per
// pattern entity, keyed by pattern label and the asset it was observed on.
func (g *EntityGraph) PatternOccurrences() []PatternStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	type key struct{ pattern, asset string }
	agg := make(map[key]*PatternStats)
	relCounts := make(map[key]int)

	keyFor := func(p *EntityNode) key {
		return key{pattern: p.Label, asset: stringAttr(p.Attributes, "asset")}
	}
	statFor := func(k key) *PatternStats {
		s, ok := agg[k]
		if !ok {
			s = &PatternStats{Pattern: k.pattern, Asset: k.asset}
			agg[k] = s
		}
		return s
	}

	for _, e := range g.entities {
		if e.Type == EntityPattern {
			statFor(keyFor(e)).Occurrences++
		}
	}

	for _, r := range g.relations {
		var pattern *EntityNode
		if p, ok := g.entities[r.Source]; ok && p.Type == EntityPattern {
			pattern = p
		} else if p, ok := g.entities[r.Target]; ok && p.Type == EntityPattern {
			pattern = p
		}
		if pattern == nil {
			continue
		}
		k := keyFor(pattern)
		s := statFor(k)
		switch r.Type {
		case RelTriggered:
			s.Triggered++
		case RelResultedIn:
			s.ResultedIn++
		case RelFollows:
			// Followed patterns count toward strength only.
		default:
			continue
		}
		s.AvgStrength += r.Strength
		relCounts[k]++
	}

	out := make([]PatternStats, 0, len(agg))
	for k, s := range agg {
		if n := relCounts[k]; n > 0 {
			s.AvgStrength /= float64(n)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pattern != out[j].Pattern {
			return out[i].Pattern < out[j].Pattern
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// EntityCount reports the number of entities.
func (g *EntityGraph) EntityCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities)
}

// RelationCount reports the number of relations.
func (g *EntityGraph) RelationCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relations)
}

func floatAttr(attrs map[string]interface{}, key string) float64 {
	switch v := attrs[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func stringAttr(attrs map[string]interface{}, key string) string {
	if s, ok := attrs[key].(string); ok {
		return s
	}
	return ""
}
