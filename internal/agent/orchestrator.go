package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/config"
)

// Lifecycle states.
type runState int32

const (
	stateStopped runState = iota
	stateRunning
	stateStopping
)

// ErrAlreadyRunning is returned by Start when the orchestrator is not
// stopped.
var ErrAlreadyRunning = errors.New("orchestrator already running")

// Orchestrator ties the runtime together: it pulls events from the bus,
// bounds concurrent handling with a permit pool, and runs the
// Planner-Executor-Reflector pipeline per event.
type Orchestrator struct {
	logger    *zap.Logger
	cfg       config.AgentConfig
	bus       *bus.EventBus
	store     MemoryStore
	planner   *Planner
	executor  *Executor
	reflector *Reflector
	profile   AgentProfile

	permits *semaphore.Weighted
	cycle   atomic.Int64
	state   atomic.Int32

	cancel   context.CancelFunc
	loops    sync.WaitGroup
	handlers sync.WaitGroup
}

// NewOrchestrator wires the pipeline components together.
func NewOrchestrator(logger *zap.Logger, cfg config.AgentConfig, eventBus *bus.EventBus, memStore MemoryStore, planner *Planner, executor *Executor, reflector *Reflector) *Orchestrator {
	concurrency := cfg.HandlerConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Orchestrator{
		logger:    logger.Named("orchestrator"),
		cfg:       cfg,
		bus:       eventBus,
		store:     memStore,
		planner:   planner,
		executor:  executor,
		reflector: reflector,
		profile: AgentProfile{
			ID:      cfg.ID,
			Name:    cfg.Name,
			Persona: cfg.Persona,
		},
		permits: semaphore.NewWeighted(int64(concurrency)),
	}
}

// Start launches the dispatch loop and the housekeeping task. It returns
// immediately; Stop shuts both down.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.state.CompareAndSwap(int32(stateStopped), int32(stateRunning)) {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.loops.Add(2)
	go o.dispatchLoop(loopCtx)
	go o.housekeepingLoop(loopCtx)

	o.logger.Info("Orchestrator started",
		zap.Int("handler_concurrency", o.cfg.HandlerConcurrency),
		zap.Duration("housekeeping_interval", o.cfg.HousekeepingInterval))
	return nil
}

// Stop cancels the dispatch and housekeeping loops and waits for them to
// terminate. In-flight handlers are not forcibly cancelled; they finish on
// their own and are awaited best-effort.
func (o *Orchestrator) Stop() {
	if !o.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return
	}
	o.logger.Info("Orchestrator stopping")
	o.cancel()
	o.loops.Wait()
	o.handlers.Wait()
	o.state.Store(int32(stateStopped))
	o.logger.Info("Orchestrator stopped")
}

// Cycle returns the number of events dispatched so far.
func (o *Orchestrator) Cycle() int64 {
	return o.cycle.Load()
}

// dispatchLoop is the single consumer of the bus. It never blocks on
// handler completion, only on permit acquisition.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	defer o.loops.Done()

	// Handlers already holding a permit run their cycle to completion even
	// while the runtime is stopping; only dispatch and permit acquisition
	// observe cancellation. Cancelling mid-cycle would degrade in-flight
	// model calls and lose that cycle's persistence.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		ev, err := o.bus.Get(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, bus.ErrClosed) {
				o.logger.Error("Dispatch loop stopping on bus error", zap.Error(err))
			}
			return
		}

		cycle := o.cycle.Add(1)
		if err := o.permits.Acquire(ctx, 1); err != nil {
			return
		}

		o.handlers.Add(1)
		go func() {
			defer o.handlers.Done()
			defer o.permits.Release(1)
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("Panic recovered in event handler",
						zap.Any("panic_value", r),
						zap.String("event_id", ev.ID),
						zap.Stack("stack"))
				}
			}()
			if err := o.handle(handlerCtx, ev, cycle); err != nil {
				o.logger.Error("Event handling failed",
					zap.String("event_id", ev.ID),
					zap.String("topic", string(ev.Topic)),
					zap.Int64("cycle", cycle),
					zap.Error(err))
			}
		}()
	}
}

// handle runs the full pipeline for one event. It loads its own snapshot;
// concurrent handlers do not share state.
func (o *Orchestrator) handle(ctx context.Context, ev bus.Event, cycle int64) error {
	snap, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("snapshot load: %w", err)
	}

	ectx := &Context{
		Snapshot: snap,
		Profile:  o.profile,
		Event:    &ev,
		Cycle:    cycle,
	}

	plan := o.planner.Plan(ectx, ev)
	ectx.MissionID = plan.MissionID

	results := o.executor.Execute(ctx, ectx, plan)
	if err := o.reflector.Reflect(ctx, ectx, ev, plan, results); err != nil {
		return fmt.Errorf("reflect: %w", err)
	}
	return nil
}

// housekeepingLoop periodically expires idle conversational state.
func (o *Orchestrator) housekeepingLoop(ctx context.Context) {
	defer o.loops.Done()

	interval := o.cfg.HousekeepingInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.expireIdleChat(ctx); err != nil {
				o.logger.Warn("Housekeeping pass failed", zap.Error(err))
			}
		}
	}
}

// expireIdleChat clears the chat transcript once the conversation has been
// idle past the configured TTL.
func (o *Orchestrator) expireIdleChat(ctx context.Context) error {
	snap, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("snapshot load: %w", err)
	}
	if len(snap.Working.ChatHistory) == 0 {
		return nil
	}
	ttl := o.cfg.IdleChatTTL
	if ttl <= 0 || time.Since(snap.Working.LastActivity) < ttl {
		return nil
	}

	o.logger.Info("Clearing idle chat history",
		zap.Int("messages", len(snap.Working.ChatHistory)),
		zap.Time("last_activity", snap.Working.LastActivity))
	snap.Working.ChatHistory = nil
	snap.Working.ConversationID = ""
	if err := o.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	return nil
}
