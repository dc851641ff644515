package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/config"
	"github.com/cortexmind/cortex/internal/llmclient"
)

// gatedLLM blocks every Generate call until released and tracks the
// concurrency high-water mark.
type gatedLLM struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	entered chan struct{}
	release chan struct{}
}

func newGatedLLM(capacity int) *gatedLLM {
	return &gatedLLM{
		entered: make(chan struct{}, capacity),
		release: make(chan struct{}),
	}
}

func (g *gatedLLM) Generate(ctx context.Context, _ llmclient.Request) (string, error) {
	g.mu.Lock()
	g.active++
	if g.active > g.maxSeen {
		g.maxSeen = g.active
	}
	g.mu.Unlock()
	g.entered <- struct{}{}

	select {
	case <-g.release:
	case <-ctx.Done():
	}

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return "All quiet on the market front.", nil
}

func (g *gatedLLM) GenerateStream(context.Context, llmclient.Request) (<-chan llmclient.Chunk, error) {
	panic("gatedLLM: GenerateStream not scripted")
}

func (g *gatedLLM) highWater() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

// panicOnceLLM panics on its first Generate call and answers normally
// afterwards.
type panicOnceLLM struct {
	mu       sync.Mutex
	panicked bool
}

func (p *panicOnceLLM) Generate(context.Context, llmclient.Request) (string, error) {
	p.mu.Lock()
	first := !p.panicked
	p.panicked = true
	p.mu.Unlock()
	if first {
		panic("scripted handler failure")
	}
	return "Recovered and answering.", nil
}

func (p *panicOnceLLM) GenerateStream(context.Context, llmclient.Request) (<-chan llmclient.Chunk, error) {
	panic("panicOnceLLM: GenerateStream not scripted")
}

type orchestratorHarness struct {
	orch   *Orchestrator
	bus    *bus.EventBus
	store  *fakeStore
	caster *fakeBroadcaster
}

func newOrchestratorHarness(t *testing.T, llm llmclient.Client, mutate func(*config.AgentConfig)) *orchestratorHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	cfg := config.NewDefaultConfig().Agent
	cfg.Persona = "Test persona."
	cfg.ToolsEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	eventBus := bus.New(logger, cfg.QueueCapacity)
	memStore := &fakeStore{}
	caster := &fakeBroadcaster{}
	consciousness := NewConsciousnessBuilder(logger, llm)

	planner := NewPlanner(logger)
	executor := NewExecutor(logger, cfg, llm, newFakeTools(nil), eventBus, consciousness)
	reflector := NewReflector(logger, llm, memStore, caster, consciousness, time.Hour)

	return &orchestratorHarness{
		orch:   NewOrchestrator(logger, cfg, eventBus, memStore, planner, executor, reflector),
		bus:    eventBus,
		store:  memStore,
		caster: caster,
	}
}

func userMessage(id, text string) bus.Event {
	return bus.Event{
		ID:       id,
		Topic:    bus.TopicUser,
		Kind:     bus.KindMessage,
		Payload:  map[string]interface{}{"text": text, "chat_id": "chat-1"},
		Source:   "chat-1",
		Priority: bus.PriorityHigh,
	}
}

func TestOrchestrator_BoundsConcurrentHandlers(t *testing.T) {
	const burst = 6
	llm := newGatedLLM(burst)
	h := newOrchestratorHarness(t, llm, nil)

	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	for i := 0; i < burst; i++ {
		require.NoError(t, h.bus.Publish(ctx, userMessage(string(rune('a'+i)), "hello")))
	}

	// Two handlers enter; the rest wait on permits.
	for i := 0; i < 2; i++ {
		select {
		case <-llm.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("handlers did not start")
		}
	}
	select {
	case <-llm.entered:
		t.Fatal("third handler ran before a permit was released")
	case <-time.After(100 * time.Millisecond):
	}

	close(llm.release)
	require.Eventually(t, func() bool {
		return h.caster.count() == burst
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, llm.highWater())
	assert.Equal(t, int64(burst), h.orch.Cycle())
}

func TestOrchestrator_StartStopLifecycle(t *testing.T) {
	h := newOrchestratorHarness(t, &fakeLLM{responses: []string{"hi"}}, nil)

	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	assert.ErrorIs(t, h.orch.Start(ctx), ErrAlreadyRunning)

	h.orch.Stop()
	h.orch.Stop() // idempotent

	require.NoError(t, h.orch.Start(ctx))
	h.orch.Stop()
}

func TestOrchestrator_StopDrainsInFlightHandlers(t *testing.T) {
	llm := newGatedLLM(1)
	h := newOrchestratorHarness(t, llm, nil)

	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	require.NoError(t, h.bus.Publish(ctx, userMessage("ev-1", "hello")))

	select {
	case <-llm.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not start")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.orch.Stop()
	}()

	// Stop must wait for the handler, not cancel it.
	select {
	case <-stopped:
		t.Fatal("Stop returned with a handler still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(llm.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}

	// The handler ran its full cycle: the model call completed instead of
	// degrading to the fallback, and the reflector persisted and broadcast.
	assert.Equal(t, 1, h.caster.count())
	history := h.store.latest().Working.ChatHistory
	require.Len(t, history, 2)
	assert.Equal(t, "All quiet on the market front.", history[1].Content)
}

func TestOrchestrator_RecoversFromHandlerPanic(t *testing.T) {
	h := newOrchestratorHarness(t, &panicOnceLLM{}, nil)

	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	require.NoError(t, h.bus.Publish(ctx, userMessage("ev-panic", "boom")))
	require.NoError(t, h.bus.Publish(ctx, userMessage("ev-after", "still there?")))

	// The second event is handled even though the first one panicked.
	require.Eventually(t, func() bool {
		return h.caster.count() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(2), h.orch.Cycle())
	// The surviving handler recorded its exchange.
	assert.Len(t, h.store.latest().Working.ChatHistory, 2)
}

func TestOrchestrator_HousekeepingExpiresIdleChat(t *testing.T) {
	h := newOrchestratorHarness(t, &fakeLLM{}, func(cfg *config.AgentConfig) {
		cfg.HousekeepingInterval = 20 * time.Millisecond
		cfg.IdleChatTTL = 10 * time.Millisecond
	})

	ctx := context.Background()
	stale := NewMemorySnapshot()
	stale.Working.ConversationID = "chat-1"
	stale.Working.ChatHistory = []llmclient.Message{
		{Role: llmclient.RoleUser, Content: "old question"},
		{Role: llmclient.RoleModel, Content: "old answer"},
	}
	stale.Working.LastActivity = time.Now().Add(-time.Hour)
	require.NoError(t, h.store.Save(ctx, stale))

	require.NoError(t, h.orch.Start(ctx))
	defer h.orch.Stop()

	require.Eventually(t, func() bool {
		snap := h.store.latest()
		return len(snap.Working.ChatHistory) == 0 && snap.Working.ConversationID == ""
	}, 5*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_HousekeepingKeepsActiveChat(t *testing.T) {
	h := newOrchestratorHarness(t, &fakeLLM{}, func(cfg *config.AgentConfig) {
		cfg.HousekeepingInterval = 10 * time.Millisecond
		cfg.IdleChatTTL = time.Hour
	})

	ctx := context.Background()
	active := NewMemorySnapshot()
	active.Working.ConversationID = "chat-1"
	active.Working.ChatHistory = []llmclient.Message{
		{Role: llmclient.RoleUser, Content: "recent question"},
	}
	active.Working.LastActivity = time.Now()
	require.NoError(t, h.store.Save(ctx, active))

	require.NoError(t, h.orch.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	h.orch.Stop()

	assert.Len(t, h.store.latest().Working.ChatHistory, 1)
}
