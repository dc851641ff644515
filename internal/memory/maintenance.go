package memory

import (
	"fmt"
	"time"
)

// MaintenanceConfig carries the constants for one maintenance cycle.
type MaintenanceConfig struct {
	DecayHalfLife        time.Duration
	ConsolidateThreshold float64
	PruneMinScore        float64
	PruneMinConfidence   float64
	SummaryLimit         int
}

// DefaultMaintenanceConfig returns the constants used when none are configured.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		DecayHalfLife:        4 * time.Hour,
		ConsolidateThreshold: 0.75,
		PruneMinScore:        0.25,
		PruneMinConfidence:   0.3,
		SummaryLimit:         12,
	}
}

// RunMaintenance performs one full memory-management cycle: temporal decay,
// folding the cycle's summaries and vital signals in as fresh thoughts,
// consolidation into long-term memory, score/confidence-bounded pruning, and
// finally a ranked render of long-term memory. The returned string is the
// long-term summary to store back into working memory.
func (g *ThoughtGraph) RunMaintenance(cycle int64, summary, globalSummary string, vitalSignals []string, cfg MaintenanceConfig) string {
	g.Decay(cfg.DecayHalfLife)

	cycleTag := fmt.Sprintf("cycle:%d", cycle)

	var summaryID string
	if summary != "" {
		summaryID = g.AddThought(summary, ThoughtEvidence, []string{cycleTag}, 0.6, 0.6,
			map[string]interface{}{"cycle": cycle}, TierWorking)
	}
	if globalSummary != "" {
		globalID := g.AddThought(globalSummary, ThoughtIdea, []string{cycleTag, "consciousness"}, 0.7, 0.65,
			map[string]interface{}{"cycle": cycle}, TierWorking)
		if summaryID != "" {
			// Linking reinforces both endpoints via the consolidation bump.
			_ = g.Link(globalID, summaryID, RelSummarizes, 0.7)
		}
	}
	for _, signal := range vitalSignals {
		if signal == "" {
			continue
		}
		signalID := g.AddThought(signal, ThoughtEvidence, []string{cycleTag, "vital"}, 0.5, 0.55,
			map[string]interface{}{"cycle": cycle}, TierScratchpad)
		if summaryID != "" {
			_ = g.Link(summaryID, signalID, RelCites, 0.6)
		}
	}

	g.Consolidate(cfg.ConsolidateThreshold)
	g.Prune(cfg.PruneMinScore, cfg.PruneMinConfidence)

	return g.SummarizeLongTerm(cfg.SummaryLimit)
}
