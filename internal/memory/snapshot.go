package memory

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ThoughtGraphSnapshot is the plain serializable form of a ThoughtGraph.
type ThoughtGraphSnapshot struct {
	Nodes []ThoughtNode     `json:"nodes"`
	Edges []ThoughtEdge     `json:"edges"`
	Tiers map[Tier][]string `json:"tiers"`
}

// Snapshot renders the full graph as a plain structure preserving nodes,
// edges, and the three tier lists.
func (g *ThoughtGraph) Snapshot() ThoughtGraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := ThoughtGraphSnapshot{
		Nodes: make([]ThoughtNode, 0, len(g.nodes)),
		Edges: append([]ThoughtEdge(nil), g.edges...),
		Tiers: make(map[Tier][]string, len(g.tiers)),
	}
	for _, n := range g.nodes {
		snap.Nodes = append(snap.Nodes, *n)
	}
	for tier, ids := range g.tiers {
		snap.Tiers[tier] = append([]string(nil), ids...)
	}
	return snap
}

// Restore replaces the graph's contents with the snapshot.
func (g *ThoughtGraph) Restore(snap ThoughtGraphSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = make(map[string]*ThoughtNode, len(snap.Nodes))
	for i := range snap.Nodes {
		n := snap.Nodes[i]
		g.nodes[n.ID] = &n
	}
	g.edges = append([]ThoughtEdge(nil), snap.Edges...)
	g.tiers = map[Tier][]string{
		TierScratchpad: {},
		TierWorking:    {},
		TierLongTerm:   {},
	}
	for tier, ids := range snap.Tiers {
		g.tiers[tier] = append([]string(nil), ids...)
	}
}

// MarshalSnapshot serializes the graph to JSON.
func (g *ThoughtGraph) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(g.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thought graph snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot loads graph contents from JSON produced by MarshalSnapshot.
func (g *ThoughtGraph) UnmarshalSnapshot(data []byte) error {
	var snap ThoughtGraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal thought graph snapshot: %w", err)
	}
	g.Restore(snap)
	return nil
}

// EntityGraphSnapshot is the plain serializable form of an EntityGraph.
type EntityGraphSnapshot struct {
	Entities  []EntityNode     `json:"entities"`
	Relations []EntityRelation `json:"relations"`
}

// Snapshot renders the full graph as a plain structure.
func (g *EntityGraph) Snapshot() EntityGraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := EntityGraphSnapshot{
		Entities:  make([]EntityNode, 0, len(g.entities)),
		Relations: append([]EntityRelation(nil), g.relations...),
	}
	for _, e := range g.entities {
		snap.Entities = append(snap.Entities, *e)
	}
	return snap
}

// Restore replaces the graph's contents with the snapshot.
func (g *EntityGraph) Restore(snap EntityGraphSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.entities = make(map[string]*EntityNode, len(snap.Entities))
	for i := range snap.Entities {
		e := snap.Entities[i]
		g.entities[e.ID] = &e
	}
	g.relations = append([]EntityRelation(nil), snap.Relations...)
}

// MarshalSnapshot serializes the graph to JSON.
func (g *EntityGraph) MarshalSnapshot() ([]byte, error) {
	data, err := json.Marshal(g.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity graph snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot loads graph contents from JSON produced by MarshalSnapshot.
func (g *EntityGraph) UnmarshalSnapshot(data []byte) error {
	var snap EntityGraphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal entity graph snapshot: %w", err)
	}
	g.Restore(snap)
	return nil
}
