// Package agent implements the cognitive runtime: planning, action
// execution, reflection and the orchestration loop that binds them to the
// event bus.
package agent

import (
	"time"

	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/llmclient"
)

// Action is one step of a Plan. The concrete variants form a closed set;
// the Executor switches over them exhaustively.
type Action interface {
	// Type returns the action's wire name for logging and traces.
	Type() string
}

// PlanAction requests nested planning. Currently a no-op placeholder.
type PlanAction struct{}

// ExecuteAction invokes a named tool with structured parameters.
type ExecuteAction struct {
	Tool    string
	Params  map[string]interface{}
	Summary string
}

// AnswerAction answers a user message via the two-pass model protocol.
type AnswerAction struct {
	Question string
	ChatID   string
}

// SleepAction suspends the current handler for the given duration.
type SleepAction struct {
	Duration time.Duration
}

// EmitAction publishes a new event back onto the bus.
type EmitAction struct {
	Event bus.Event
}

// UpdateConsciousnessAction folds an observation into the agent's
// consciousness: the de-duplicated "last events" buffer and the global
// summary.
type UpdateConsciousnessAction struct {
	Class   string
	Summary string
	Data    map[string]interface{}
}

func (PlanAction) Type() string                { return "PLAN" }
func (ExecuteAction) Type() string             { return "EXECUTE" }
func (AnswerAction) Type() string              { return "ANSWER" }
func (SleepAction) Type() string               { return "SLEEP" }
func (EmitAction) Type() string                { return "EMIT" }
func (UpdateConsciousnessAction) Type() string { return "UPDATE_CONSCIOUSNESS" }

// Plan is the Planner's output for one event. It is produced once and never
// mutated.
type Plan struct {
	MissionID string
	Actions   []Action
	Rationale string
}

// AgentProfile is the static identity fed into prompts.
type AgentProfile struct {
	ID      string
	Name    string
	Persona string
}

// Context is the ephemeral per-event bundle handed through the
// Planner-Executor-Reflector pipeline.
type Context struct {
	Snapshot  *MemorySnapshot
	Profile   AgentProfile
	Event     *bus.Event
	Cycle     int64
	MissionID string
}

// ConsciousEvent is one entry of the bounded "last events" buffer.
type ConsciousEvent struct {
	Class     string    `json:"class"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionResult records the outcome of one Action.
type ExecutionResult struct {
	Action string `json:"action"`
	Tool   string `json:"tool,omitempty"`
	Output string `json:"output,omitempty"`
	Answer string `json:"answer,omitempty"`
	Error  string `json:"error,omitempty"`
	OK     bool   `json:"ok"`
}

// WorkingMemory is the mutable scratch state carried inside a snapshot. It
// is loaded fresh per event and saved at the end of that event's handling;
// concurrent handlers hold independent copies, so last-writer-wins applies.
type WorkingMemory struct {
	ConversationID      string              `json:"conversation_id,omitempty"`
	ChatHistory         []llmclient.Message `json:"chat_history,omitempty"`
	LastActivity        time.Time           `json:"last_activity"`
	LastResults         []ExecutionResult   `json:"last_results,omitempty"`
	LocalSummary        string              `json:"local_summary,omitempty"`
	GlobalConsciousness string              `json:"global_consciousness,omitempty"`
	LongTermSummary     string              `json:"long_term_summary,omitempty"`
	LastEvents          []ConsciousEvent    `json:"last_events,omitempty"`
}

// MemorySnapshot is the unit of persistence for the agent's mutable state.
type MemorySnapshot struct {
	Facts     map[string]interface{} `json:"facts,omitempty"`
	Working   WorkingMemory          `json:"working"`
	Conscious *ConsciousState        `json:"conscious,omitempty"`
}

// NewMemorySnapshot returns an empty snapshot ready for use.
func NewMemorySnapshot() *MemorySnapshot {
	return &MemorySnapshot{Facts: make(map[string]interface{})}
}

// ConsciousState is the agent's self-model for one cycle. The Reflector
// rebuilds it from scratch each cycle; it is replaced, never merged.
type ConsciousState struct {
	Timestamp    time.Time              `json:"timestamp"`
	Context      map[string]interface{} `json:"context,omitempty"`
	VitalSignals []string               `json:"vital_signals,omitempty"`
	Summary      string                 `json:"summary"`
}

// StreamEvent is one element of a streamed answer. The variants form a
// closed set consumed via type switch.
type StreamEvent interface {
	streamEvent()
}

// TokenEvent carries an increment of visible answer text.
type TokenEvent struct {
	Text string
}

// ToolCallEvent reports that a tool invocation was detected in the model
// output and is about to run.
type ToolCallEvent struct {
	Name string
	Args map[string]interface{}
}

// ToolResultEvent carries the (possibly truncated) result of the tool call.
type ToolResultEvent struct {
	Name   string
	Result string
}

// DoneEvent terminates a successful stream with the full assembled answer.
type DoneEvent struct {
	Answer string
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Err error
}

func (TokenEvent) streamEvent()      {}
func (ToolCallEvent) streamEvent()   {}
func (ToolResultEvent) streamEvent() {}
func (DoneEvent) streamEvent()       {}
func (ErrorEvent) streamEvent()      {}
