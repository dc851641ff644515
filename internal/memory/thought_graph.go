package memory

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// timeNow is swapped out by tests that need to age nodes deterministically.
var timeNow = func() time.Time { return time.Now().UTC() }

// ThoughtType classifies a node in the thought graph.
type ThoughtType string

const (
	ThoughtGoal       ThoughtType = "goal"
	ThoughtPlan       ThoughtType = "plan"
	ThoughtHypothesis ThoughtType = "hypothesis"
	ThoughtEvidence   ThoughtType = "evidence"
	ThoughtCritique   ThoughtType = "critique"
	ThoughtIdea       ThoughtType = "idea"
	ThoughtDecision   ThoughtType = "decision"
	ThoughtMemory     ThoughtType = "memory"
)

// Relation labels a directed edge between two thoughts.
type Relation string

const (
	RelSupports    Relation = "supports"
	RelContradicts Relation = "contradicts"
	RelDerivesFrom Relation = "derives_from"
	RelLeadsTo     Relation = "leads_to"
	RelRefines     Relation = "refines"
	RelCites       Relation = "cites"
	RelSummarizes  Relation = "summarizes"
)

// Tier names one of the three memory tiers.
type Tier string

const (
	TierScratchpad Tier = "scratchpad"
	TierWorking    Tier = "working"
	TierLongTerm   Tier = "long_term"
)

// linkConsolidationBump is added to both endpoints of a new edge as a
// usage-reinforcement signal.
const linkConsolidationBump = 0.05

// maxDecayProtection caps how much accumulated consolidation can damp decay;
// even a fully consolidated node still takes ~20% of the undamped decay.
const maxDecayProtection = 0.8

// ThoughtNode is a single scored thought. Score is a utility estimate and
// Confidence a belief strength, both nominally in [0,1]. Consolidation
// accumulates with use and protects the node from decay and pruning.
type ThoughtNode struct {
	ID            string                 `json:"id"`
	Text          string                 `json:"text"`
	Type          ThoughtType            `json:"type"`
	Score         float64                `json:"score"`
	Confidence    float64                `json:"confidence"`
	Tags          []string               `json:"tags,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	Consolidation float64                `json:"consolidation"`
}

// ThoughtEdge is an append-only typed link; it is removed only when an
// endpoint is pruned.
type ThoughtEdge struct {
	Src        string   `json:"src"`
	Dst        string   `json:"dst"`
	Relation   Relation `json:"relation"`
	Confidence float64  `json:"confidence"`
}

// ThoughtGraph is the agent's diagram-of-thought memory: typed scored nodes,
// typed edges, and three membership tiers. All operations are safe for
// concurrent use.
type ThoughtGraph struct {
	logger *zap.Logger

	mu    sync.RWMutex
	nodes map[string]*ThoughtNode
	edges []ThoughtEdge
	tiers map[Tier][]string
}

// NewThoughtGraph creates an empty graph.
func NewThoughtGraph(logger *zap.Logger) *ThoughtGraph {
	return &ThoughtGraph{
		logger: logger.Named("thought_graph"),
		nodes:  make(map[string]*ThoughtNode),
		tiers: map[Tier][]string{
			TierScratchpad: {},
			TierWorking:    {},
			TierLongTerm:   {},
		},
	}
}

// AddThought creates a node and appends it to the requested tier. It returns
// the node id.
func (g *ThoughtGraph) AddThought(text string, typ ThoughtType, tags []string, score, confidence float64, meta map[string]interface{}, tier Tier) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := uuid.NewString()
	g.nodes[id] = &ThoughtNode{
		ID:         id,
		Text:       text,
		Type:       typ,
		Score:      score,
		Confidence: confidence,
		Tags:       append([]string(nil), tags...),
		CreatedAt:  timeNow(),
		Meta:       meta,
	}
	g.tiers[tier] = append(g.tiers[tier], id)
	return id
}

// Link appends an edge between two existing nodes and bumps the
// consolidation accumulator on both endpoints.
func (g *ThoughtGraph) Link(src, dst string, relation Relation, confidence float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from, ok := g.nodes[src]
	if !ok {
		return fmt.Errorf("link source %q not found", src)
	}
	to, ok := g.nodes[dst]
	if !ok {
		return fmt.Errorf("link target %q not found", dst)
	}

	g.edges = append(g.edges, ThoughtEdge{Src: src, Dst: dst, Relation: relation, Confidence: confidence})
	from.Consolidation += linkConsolidationBump
	to.Consolidation += linkConsolidationBump
	return nil
}

// Decay applies exponential temporal decay to every node. For each node,
// factor = 0.5^(age/halfLife); consolidation damps the decay without fully
// freezing it, and confidence relaxes toward 0.5 by the same factor.
func (g *ThoughtGraph) Decay(halfLife time.Duration) {
	if halfLife <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := timeNow()
	for _, n := range g.nodes {
		ageMinutes := now.Sub(n.CreatedAt).Minutes()
		if ageMinutes <= 0 {
			continue
		}
		factor := math.Pow(0.5, ageMinutes/halfLife.Minutes())
		protect := math.Min(maxDecayProtection, n.Consolidation)
		n.Score = n.Score*factor*(1-protect) + n.Score*protect
		n.Confidence = 0.5 + (n.Confidence-0.5)*factor
	}
}

// Consolidate promotes any node whose consolidation or score has reached the
// threshold into the long-term tier, re-typing and re-tagging it as memory.
func (g *ThoughtGraph) Consolidate(threshold float64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	longTerm := make(map[string]struct{}, len(g.tiers[TierLongTerm]))
	for _, id := range g.tiers[TierLongTerm] {
		longTerm[id] = struct{}{}
	}

	promoted := 0
	for id, n := range g.nodes {
		if n.Consolidation < threshold && n.Score < threshold {
			continue
		}
		if _, ok := longTerm[id]; !ok {
			g.tiers[TierLongTerm] = append(g.tiers[TierLongTerm], id)
			longTerm[id] = struct{}{}
			promoted++
		}
		n.Type = ThoughtMemory
		if !containsString(n.Tags, "memory") {
			n.Tags = append(n.Tags, "memory")
		}
	}

	if promoted > 0 {
		g.logger.Debug("Consolidated thoughts into long-term memory", zap.Int("promoted", promoted))
	}
	return promoted
}

// Prune removes nodes whose score and confidence are both below their
// thresholds, unless the node belongs to a protected tier (long-term by
// default). Every edge touching a removed node is removed with it.
func (g *ThoughtGraph) Prune(minScore, minConfidence float64, keepTiers ...Tier) int {
	if len(keepTiers) == 0 {
		keepTiers = []Tier{TierLongTerm}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	protected := make(map[string]struct{})
	for _, tier := range keepTiers {
		for _, id := range g.tiers[tier] {
			protected[id] = struct{}{}
		}
	}

	removed := make(map[string]struct{})
	for id, n := range g.nodes {
		if _, ok := protected[id]; ok {
			continue
		}
		if n.Score < minScore && n.Confidence < minConfidence {
			removed[id] = struct{}{}
			delete(g.nodes, id)
		}
	}
	if len(removed) == 0 {
		return 0
	}

	kept := g.edges[:0]
	for _, e := range g.edges {
		if _, srcGone := removed[e.Src]; srcGone {
			continue
		}
		if _, dstGone := removed[e.Dst]; dstGone {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept

	for tier, ids := range g.tiers {
		keptIDs := ids[:0]
		for _, id := range ids {
			if _, gone := removed[id]; !gone {
				keptIDs = append(keptIDs, id)
			}
		}
		g.tiers[tier] = keptIDs
	}

	g.logger.Debug("Pruned low-value thoughts", zap.Int("removed", len(removed)))
	return len(removed)
}

// SummarizeLongTerm ranks long-term nodes by score, then confidence, then
// consolidation, and renders the top limit entries as lines.
func (g *ThoughtGraph) SummarizeLongTerm(limit int) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*ThoughtNode, 0, len(g.tiers[TierLongTerm]))
	for _, id := range g.tiers[TierLongTerm] {
		if n, ok := g.nodes[id]; ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Score != nodes[j].Score {
			return nodes[i].Score > nodes[j].Score
		}
		if nodes[i].Confidence != nodes[j].Confidence {
			return nodes[i].Confidence > nodes[j].Confidence
		}
		return nodes[i].Consolidation > nodes[j].Consolidation
	})

	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}

	var sb strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&sb, "- [%.2f] %s\n", n.Score, n.Text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Node returns a copy of the node with the given id.
func (g *ThoughtGraph) Node(id string) (ThoughtNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return ThoughtNode{}, false
	}
	return *n, true
}

// TierIDs returns the node ids currently in a tier.
func (g *ThoughtGraph) TierIDs(tier Tier) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.tiers[tier]...)
}

// EdgeCount reports the number of edges.
func (g *ThoughtGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// NodeCount reports the number of nodes.
func (g *ThoughtGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
