package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/llmclient"
)

const (
	// lastEventsCapacity bounds the "last events" buffer.
	lastEventsCapacity = 10

	// dedupWindow is how many recent entries are checked for near-duplicates.
	dedupWindow = 3

	// dedupPrefixLen is the leading-substring length used for the
	// near-duplicate comparison.
	dedupPrefixLen = 50
)

// ConsciousnessBuilder maintains the agent's self-model inside working
// memory: the de-duplicated "last events" buffer and the natural-language
// global summary. It holds no state of its own; all mutation happens on the
// snapshot the caller owns.
type ConsciousnessBuilder struct {
	logger *zap.Logger
	llm    llmclient.Client
}

// NewConsciousnessBuilder creates a builder over the fast model tier.
func NewConsciousnessBuilder(logger *zap.Logger, llm llmclient.Client) *ConsciousnessBuilder {
	return &ConsciousnessBuilder{
		logger: logger.Named("consciousness"),
		llm:    llm,
	}
}

// Record appends an observation to the last-events buffer unless a
// near-duplicate (same class, same leading characters) appears within the
// most recent entries. It reports whether the entry was added.
func (b *ConsciousnessBuilder) Record(snap *MemorySnapshot, class, summary string) bool {
	events := snap.Working.LastEvents
	window := events
	if len(window) > dedupWindow {
		window = window[len(window)-dedupWindow:]
	}
	prefix := leading(summary, dedupPrefixLen)
	for _, ev := range window {
		if ev.Class == class && leading(ev.Summary, dedupPrefixLen) == prefix {
			b.logger.Debug("Skipping near-duplicate conscious event",
				zap.String("class", class), zap.String("summary", prefix))
			return false
		}
	}

	events = append(events, ConsciousEvent{
		Class:     class,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	})
	if len(events) > lastEventsCapacity {
		events = events[len(events)-lastEventsCapacity:]
	}
	snap.Working.LastEvents = events
	return true
}

// RefreshGlobal asks the model for a fresh global consciousness summary
// built from the recent events, storing it in working memory. Best-effort:
// on failure the previous summary is kept and the error returned for
// logging only.
func (b *ConsciousnessBuilder) RefreshGlobal(ctx context.Context, snap *MemorySnapshot) error {
	if len(snap.Working.LastEvents) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("Recent observations, oldest first:\n")
	for _, ev := range snap.Working.LastEvents {
		fmt.Fprintf(&sb, "- [%s] %s\n", ev.Class, ev.Summary)
	}
	sb.WriteString("\nIn two or three sentences, describe the current state of the world these observations imply.")

	text, err := b.llm.Generate(ctx, llmclient.Request{
		System:   "You condense an agent's recent observations into a running situational summary. Be factual and brief.",
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		return fmt.Errorf("global summary generation: %w", err)
	}
	if text = strings.TrimSpace(text); text != "" {
		snap.Working.GlobalConsciousness = text
	}
	return nil
}

// VitalSignals renders the recent events as short strings for the
// thought-graph maintenance cycle.
func (b *ConsciousnessBuilder) VitalSignals(snap *MemorySnapshot) []string {
	events := snap.Working.LastEvents
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, fmt.Sprintf("[%s] %s", ev.Class, ev.Summary))
	}
	return out
}

func leading(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
