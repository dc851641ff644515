package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/llmclient"
)

// cycleSummaryLimit bounds the reflective one-liner.
const cycleSummaryLimit = 100

// maxLastResults bounds how many execution results working memory retains.
const maxLastResults = 20

// Reflector folds the outcome of a handled event back into the agent's
// memory: it refreshes the conscious state, drives thought-graph
// maintenance, persists the trace and snapshot, and notifies observers.
type Reflector struct {
	logger        *zap.Logger
	llm           llmclient.Client
	store         MemoryStore
	broadcaster   Broadcaster
	consciousness *ConsciousnessBuilder

	// limiter throttles the reflective summaries for non-user events.
	limiter *rate.Limiter
}

// NewReflector creates a reflector. The llm client is the fast tier;
// summaries are cheap and frequent.
func NewReflector(logger *zap.Logger, llm llmclient.Client, memStore MemoryStore, broadcaster Broadcaster, consciousness *ConsciousnessBuilder, summaryMinInterval time.Duration) *Reflector {
	if summaryMinInterval <= 0 {
		summaryMinInterval = 8 * time.Second
	}
	return &Reflector{
		logger:        logger.Named("reflector"),
		llm:           llm,
		store:         memStore,
		broadcaster:   broadcaster,
		consciousness: consciousness,
		limiter:       rate.NewLimiter(rate.Every(summaryMinInterval), 1),
	}
}

// Reflect completes one cycle. Persistence failures propagate and fail the
// handler; summary generation and broadcasting are best-effort.
func (r *Reflector) Reflect(ctx context.Context, ectx *Context, ev bus.Event, plan Plan, results []ExecutionResult) error {
	snap := ectx.Snapshot
	r.mergeResults(snap, results)

	if ev.Topic != bus.TopicUser && r.limiter.Allow() {
		r.summarizeCycle(ctx, snap, ev, results)
	}

	vitals := r.consciousness.VitalSignals(snap)
	global := snap.Working.GlobalConsciousness
	summary := global
	if summary == "" {
		summary = snap.Working.LocalSummary
	}

	conscious := ConsciousState{
		Timestamp: time.Now().UTC(),
		Context: map[string]interface{}{
			"cycle":      ectx.Cycle,
			"mission_id": plan.MissionID,
		},
		VitalSignals: vitals,
		Summary:      summary,
	}
	snap.Conscious = &conscious

	longTerm, err := r.store.UpdateDot(ctx, ectx.Cycle, snap.Working.LocalSummary, global, vitals)
	if err != nil {
		return fmt.Errorf("memory maintenance: %w", err)
	}
	snap.Working.LongTermSummary = longTerm

	actions := make([]string, 0, len(plan.Actions))
	for _, a := range plan.Actions {
		actions = append(actions, a.Type())
	}
	trace := TraceRecord{
		EventID:   ev.ID,
		Cycle:     ectx.Cycle,
		MissionID: plan.MissionID,
		Rationale: plan.Rationale,
		Actions:   actions,
		Results:   results,
		Summary:   snap.Working.LocalSummary,
	}
	if err := r.store.AppendEvent(ctx, trace); err != nil {
		// Trace loss is tolerable; the snapshot still captures the state.
		r.logger.Warn("Failed to append trace record", zap.Error(err))
	}

	if err := r.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	if err := r.store.SaveSnapshot(ctx, conscious, ectx.Cycle, ev.ID); err != nil {
		return fmt.Errorf("conscious state save: %w", err)
	}

	r.broadcast(snap, ectx.Cycle)
	return nil
}

func (r *Reflector) mergeResults(snap *MemorySnapshot, results []ExecutionResult) {
	merged := append(snap.Working.LastResults, results...)
	if len(merged) > maxLastResults {
		merged = merged[len(merged)-maxLastResults:]
	}
	snap.Working.LastResults = merged
}

// summarizeCycle asks the fast model for a one-sentence account of the
// cycle. Failures are swallowed; the previous local summary stands.
func (r *Reflector) summarizeCycle(ctx context.Context, snap *MemorySnapshot, ev bus.Event, results []ExecutionResult) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Event %s/%s was handled with %d action(s):\n", ev.Topic, ev.Kind, len(results))
	for _, res := range results {
		status := "ok"
		if !res.OK {
			status = "failed"
		}
		fmt.Fprintf(&sb, "- %s (%s) %s\n", res.Action, status, leading(res.Output, 120))
	}
	sb.WriteString("\nDescribe what just happened in one sentence of under 100 characters.")

	text, err := r.llm.Generate(ctx, llmclient.Request{
		System:   "You narrate an autonomous agent's activity in terse, factual one-liners.",
		Messages: []llmclient.Message{{Role: llmclient.RoleUser, Content: sb.String()}},
	})
	if err != nil {
		r.logger.Debug("Cycle summary generation failed", zap.Error(err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	snap.Working.LocalSummary = leading(text, cycleSummaryLimit)
}

func (r *Reflector) broadcast(snap *MemorySnapshot, cycle int64) {
	if r.broadcaster == nil {
		return
	}
	working := snap.Working.LocalSummary
	if working == "" && len(snap.Working.LastEvents) > 0 {
		working = snap.Working.LastEvents[len(snap.Working.LastEvents)-1].Summary
	}
	r.broadcaster.Broadcast(ConsciousnessUpdate{
		GlobalConsciousness: snap.Working.GlobalConsciousness,
		WorkingMemory:       working,
		Timestamp:           time.Now().UTC().Unix(),
		Cycle:               cycle,
	})
}
