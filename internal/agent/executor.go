package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/config"
	"github.com/cortexmind/cortex/internal/llmclient"
)

// Canned user-facing answers for degraded paths. A raw error never reaches
// the end user.
const (
	fallbackAnswer    = "I'm having trouble forming a response right now. Please try again in a moment."
	unknownToolAnswer = "I tried to reach for a capability I don't actually have. Could you rephrase your request?"
	toolFailedAnswer  = "I couldn't use that tool just now, sorry. Please try again shortly."
)

// toolResultLimit bounds how much tool output is embedded in the pass-2
// prompt.
const toolResultLimit = 4000

// Executor interprets Plan actions. It owns the tool-call protocol over
// model output and the bounded chat history.
type Executor struct {
	logger        *zap.Logger
	cfg           config.AgentConfig
	llm           llmclient.Client
	tools         ToolInvoker
	bus           *bus.EventBus
	consciousness *ConsciousnessBuilder
}

// NewExecutor creates an executor. The llm client is the powerful tier,
// already wrapped with retry semantics.
func NewExecutor(logger *zap.Logger, cfg config.AgentConfig, llm llmclient.Client, tools ToolInvoker, eventBus *bus.EventBus, consciousness *ConsciousnessBuilder) *Executor {
	return &Executor{
		logger:        logger.Named("executor"),
		cfg:           cfg,
		llm:           llm,
		tools:         tools,
		bus:           eventBus,
		consciousness: consciousness,
	}
}

// Execute runs every action of the plan in order and returns one result per
// action. Individual action failures are captured in the results, never
// raised.
func (e *Executor) Execute(ctx context.Context, ectx *Context, plan Plan) []ExecutionResult {
	results := make([]ExecutionResult, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		switch act := action.(type) {
		case AnswerAction:
			results = append(results, e.answer(ctx, ectx, act))
		case ExecuteAction:
			results = append(results, e.runTool(ctx, ectx, act))
		case SleepAction:
			results = append(results, e.sleep(ctx, act))
		case EmitAction:
			results = append(results, e.emit(ctx, act))
		case UpdateConsciousnessAction:
			results = append(results, e.updateConsciousness(ctx, ectx, act))
		case PlanAction:
			results = append(results, ExecutionResult{Action: act.Type(), OK: true, Output: "noop"})
		default:
			e.logger.Warn("Unhandled action variant", zap.String("type", action.Type()))
			results = append(results, ExecutionResult{Action: action.Type(), Error: "unhandled action variant"})
		}
	}
	return results
}

// answer implements the two-pass protocol: ask the model, detect a tool
// call in the raw response, invoke the tool, then ask again with the result
// embedded. The second pass reuses the same system prompt and extends the
// first pass's messages to stay prompt-cache friendly.
func (e *Executor) answer(ctx context.Context, ectx *Context, act AnswerAction) ExecutionResult {
	snap := ectx.Snapshot
	system := e.systemPrompt(ectx)
	window := historyWindow(snap.Working.ChatHistory, e.cfg.PromptHistoryWindow)

	pass1 := append(append([]llmclient.Message{}, window...),
		llmclient.Message{Role: llmclient.RoleUser, Content: act.Question})

	raw, err := e.llm.Generate(ctx, llmclient.Request{System: system, Messages: pass1})
	if err != nil {
		e.logger.Warn("Model call failed, using fallback answer", zap.Error(err))
		raw = ""
	}

	result := ExecutionResult{Action: "ANSWER", OK: true}
	final := strings.TrimSpace(raw)

	if final == "" {
		final = fallbackAnswer
	} else if call, found := e.extractCall(raw); found {
		result.Tool = call.Name
		final = e.answerWithTool(ctx, system, pass1, raw, call)
	}

	e.appendChat(snap, act.Question, final)
	result.Answer = final
	return result
}

// extractCall scans raw model output for a tool call. The first pass runs
// without a name filter so unknown names in the explicit patterns still
// surface and earn the apology; the second pass adds the name-gated
// short-fence pattern for registered tools.
func (e *Executor) extractCall(raw string) (ToolCall, bool) {
	if call, found := ExtractToolCall(raw, nil); found {
		return call, true
	}
	return ExtractToolCall(raw, e.tools.Has)
}

func (e *Executor) answerWithTool(ctx context.Context, system string, pass1 []llmclient.Message, raw string, call ToolCall) string {
	if !e.cfg.ToolsEnabled || !e.tools.Has(call.Name) {
		e.logger.Warn("Model requested unknown or disabled tool", zap.String("tool", call.Name))
		return unknownToolAnswer
	}

	output, err := e.tools.Invoke(ctx, call.Name, call.Args)
	if err != nil {
		e.logger.Warn("Tool invocation failed", zap.String("tool", call.Name), zap.Error(err))
		return toolFailedAnswer
	}
	output = truncate(output, toolResultLimit)

	pass2 := append(append([]llmclient.Message{}, pass1...),
		llmclient.Message{Role: llmclient.RoleModel, Content: raw},
		llmclient.Message{
			Role:    llmclient.RoleUser,
			Content: fmt.Sprintf("Tool %s returned:\n%s\n\nUse this result to answer the original question. Do not call another tool.", call.Name, output),
		})

	final, err := e.llm.Generate(ctx, llmclient.Request{System: system, Messages: pass2})
	if err != nil || strings.TrimSpace(final) == "" {
		e.logger.Warn("Second-pass model call failed, using fallback answer", zap.Error(err))
		return fallbackAnswer
	}
	return strings.TrimSpace(final)
}

func (e *Executor) runTool(ctx context.Context, ectx *Context, act ExecuteAction) ExecutionResult {
	result := ExecutionResult{Action: "EXECUTE", Tool: act.Tool}
	if !e.cfg.ToolsEnabled {
		result.Error = "tools are disabled"
		return result
	}
	if !e.tools.Has(act.Tool) {
		result.Error = fmt.Sprintf("tool %q is not registered", act.Tool)
		return result
	}

	output, err := e.tools.Invoke(ctx, act.Tool, act.Params)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Output = truncate(output, toolResultLimit)
	result.OK = true
	ectx.Snapshot.Working.LastActivity = time.Now().UTC()
	return result
}

func (e *Executor) sleep(ctx context.Context, act SleepAction) ExecutionResult {
	timer := time.NewTimer(act.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return ExecutionResult{Action: "SLEEP", OK: true}
	case <-ctx.Done():
		return ExecutionResult{Action: "SLEEP", Error: ctx.Err().Error()}
	}
}

func (e *Executor) emit(ctx context.Context, act EmitAction) ExecutionResult {
	if err := e.bus.Publish(ctx, act.Event); err != nil {
		return ExecutionResult{Action: "EMIT", Error: err.Error()}
	}
	return ExecutionResult{Action: "EMIT", OK: true, Output: string(act.Event.Kind)}
}

func (e *Executor) updateConsciousness(ctx context.Context, ectx *Context, act UpdateConsciousnessAction) ExecutionResult {
	snap := ectx.Snapshot
	added := e.consciousness.Record(snap, act.Class, act.Summary)
	if added {
		if err := e.consciousness.RefreshGlobal(ctx, snap); err != nil {
			e.logger.Warn("Global consciousness refresh failed", zap.Error(err))
		}
	}
	snap.Working.LastActivity = time.Now().UTC()

	output := "recorded"
	if !added {
		output = "skipped near-duplicate"
	}
	return ExecutionResult{Action: "UPDATE_CONSCIOUSNESS", OK: true, Output: output}
}

func (e *Executor) systemPrompt(ectx *Context) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. %s\n", ectx.Profile.Name, ectx.Profile.Persona)

	if long := ectx.Snapshot.Working.LongTermSummary; long != "" {
		sb.WriteString("\nWhat you remember:\n")
		sb.WriteString(long)
		sb.WriteString("\n")
	}
	if global := ectx.Snapshot.Working.GlobalConsciousness; global != "" {
		sb.WriteString("\nCurrent situation:\n")
		sb.WriteString(global)
		sb.WriteString("\n")
	}

	if e.cfg.ToolsEnabled && e.tools != nil {
		desc := e.tools.Describe()
		if desc != "" {
			sb.WriteString("\nYou may call at most one tool per reply, by responding with exactly one of:\n")
			sb.WriteString("<tool>tool_name</tool>\n")
			sb.WriteString("<tool>tool_name: free text query</tool>\n")
			sb.WriteString("\nAvailable tools:\n")
			sb.WriteString(desc)
		}
	}
	return sb.String()
}

// appendChat appends a question/answer pair and trims the transcript to the
// configured bound.
func (e *Executor) appendChat(snap *MemorySnapshot, question, answer string) {
	history := append(snap.Working.ChatHistory,
		llmclient.Message{Role: llmclient.RoleUser, Content: question},
		llmclient.Message{Role: llmclient.RoleModel, Content: answer})
	if limit := e.cfg.ChatHistoryLimit; limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	snap.Working.ChatHistory = history
	snap.Working.LastActivity = time.Now().UTC()
}

func historyWindow(history []llmclient.Message, n int) []llmclient.Message {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}
