package cmd

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/agent"
	"github.com/cortexmind/cortex/internal/broadcast"
	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/llmclient"
	"github.com/cortexmind/cortex/internal/memory"
	"github.com/cortexmind/cortex/internal/observability"
	"github.com/cortexmind/cortex/internal/store"
	"github.com/cortexmind/cortex/internal/tools"
)

// worldTickInterval drives the periodic world-state refresh mission.
const worldTickInterval = 5 * time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent runtime",
	Long:  "Run starts the full cognitive runtime: event bus, planner/executor/reflector pipeline, persistence and the websocket consciousness feed.",
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.GetLogger()

	if cfg.Database.URL == "" {
		return errors.New("database.url is required (set CORTEX_DATABASE_URL or the config file)")
	}
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, logger)
	if err != nil {
		return err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	maint := memory.MaintenanceConfig{
		DecayHalfLife:        cfg.Agent.Memory.DecayHalfLife,
		ConsolidateThreshold: cfg.Agent.Memory.ConsolidateThreshold,
		PruneMinScore:        cfg.Agent.Memory.PruneMinScore,
		PruneMinConfidence:   cfg.Agent.Memory.PruneMinConfidence,
		SummaryLimit:         cfg.Agent.Memory.LongTermSummaryLimit,
	}
	agentMemory := store.NewAgentMemory(st, logger, cfg.Agent.ID, maint, false)
	if err := agentMemory.Restore(ctx); err != nil {
		return err
	}

	fast, err := llmclient.NewGeminiClient(ctx, cfg.LLM.Fast, logger)
	if err != nil {
		return err
	}
	powerful, err := llmclient.NewGeminiClient(ctx, cfg.LLM.Powerful, logger)
	if err != nil {
		return err
	}
	router, err := llmclient.NewRouter(logger,
		llmclient.NewResilientClient(fast, logger, cfg.LLM.CallTimeout),
		llmclient.NewResilientClient(powerful, logger, cfg.LLM.CallTimeout))
	if err != nil {
		return err
	}

	market := newSimulatedMarket()
	registry := tools.NewRegistry(logger)
	registry.Register(tools.NewCryptoPricesTool(market))
	registry.Register(tools.NewWalletStateTool(market))

	eventBus := bus.New(logger, cfg.Agent.QueueCapacity)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := broadcast.NewHub(logger, eventBus)
	go hub.Run(hubCtx)

	var server *http.Server
	if cfg.Broadcast.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", hub.HandleWS)
		server = &http.Server{Addr: cfg.Broadcast.ListenAddr, Handler: mux}
		go func() {
			logger.Info("Consciousness feed listening", zap.String("addr", cfg.Broadcast.ListenAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Websocket server failed", zap.Error(err))
			}
		}()
	}

	consciousness := agent.NewConsciousnessBuilder(logger, router.ForTier(llmclient.TierFast))
	planner := agent.NewPlanner(logger)
	executor := agent.NewExecutor(logger, cfg.Agent, router.ForTier(llmclient.TierPowerful), registry, eventBus, consciousness)
	reflector := agent.NewReflector(logger, router.ForTier(llmclient.TierFast), agentMemory, hub, consciousness, cfg.Agent.SummaryMinInterval)
	orchestrator := agent.NewOrchestrator(logger, cfg.Agent, eventBus, agentMemory, planner, executor, reflector)

	if err := orchestrator.Start(ctx); err != nil {
		return err
	}

	go worldTicker(ctx, logger, eventBus)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	orchestrator.Stop()
	eventBus.Close()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Websocket server shutdown failed", zap.Error(err))
		}
	}
	stopHub()

	logger.Info("Runtime stopped")
	return nil
}

// worldTicker publishes the periodic mission event that refreshes the
// agent's view of the market.
func worldTicker(ctx context.Context, logger *zap.Logger, eventBus *bus.EventBus) {
	ticker := time.NewTicker(worldTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev := bus.Event{
				ID:    uuid.New().String(),
				Topic: bus.TopicTimer,
				Kind:  bus.KindMissionTick,
				Payload: map[string]interface{}{
					"kind":       agent.PayloadWorldState,
					"mission_id": agent.MissionWorld,
				},
				Source:    "world_ticker",
				Priority:  bus.PriorityLow,
				Timestamp: time.Now().UTC(),
			}
			if err := eventBus.Publish(ctx, ev); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrClosed) {
					logger.Warn("World tick publish failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// simulatedMarket backs the built-in tools with a random walk around fixed
// reference prices. It stands in for a live exchange feed.
type simulatedMarket struct {
	reference map[string]float64
	holdings  map[string]float64
}

func newSimulatedMarket() *simulatedMarket {
	return &simulatedMarket{
		reference: map[string]float64{
			"BTC":  110000,
			"ETH":  4200,
			"SOL":  240,
			"ADA":  1.15,
			"DOT":  9.8,
			"LINK": 26.5,
		},
		holdings: map[string]float64{
			"BTC": 0.5,
			"ETH": 4,
			"SOL": 50,
		},
	}
}

func (m *simulatedMarket) Prices(_ context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		for sym := range m.reference {
			symbols = append(symbols, sym)
		}
	}
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		ref, ok := m.reference[sym]
		if !ok {
			continue
		}
		// Within two percent of the reference price.
		out[sym] = ref * (1 + (rand.Float64()-0.5)*0.04)
	}
	return out, nil
}

func (m *simulatedMarket) Holdings(context.Context) (map[string]float64, error) {
	out := make(map[string]float64, len(m.holdings))
	for sym, qty := range m.holdings {
		out[sym] = qty
	}
	return out, nil
}
