package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cortexmind/cortex/internal/bus"
	"github.com/cortexmind/cortex/internal/config"
	"github.com/cortexmind/cortex/internal/llmclient"
)

func newTestExecutor(t *testing.T, llm llmclient.Client, tools ToolInvoker) (*Executor, *bus.EventBus) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	eventBus := bus.New(logger, 16)
	t.Cleanup(eventBus.Close)

	cfg := config.NewDefaultConfig().Agent
	consciousness := NewConsciousnessBuilder(logger, llm)
	return NewExecutor(logger, cfg, llm, tools, eventBus, consciousness), eventBus
}

func chatContext() *Context {
	return &Context{
		Snapshot: NewMemorySnapshot(),
		Profile:  AgentProfile{Name: "Cortex", Persona: "You watch markets."},
		Cycle:    1,
	}
}

func TestExecutor_AnswerWithoutTool(t *testing.T) {
	llm := &fakeLLM{responses: []string{"BTC is holding above 110k."}}
	exec, _ := newTestExecutor(t, llm, newFakeTools(nil))
	ectx := chatContext()

	results := exec.Execute(context.Background(), ectx, Plan{
		MissionID: MissionChat,
		Actions:   []Action{AnswerAction{Question: "how is BTC?"}},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, "BTC is holding above 110k.", results[0].Answer)
	assert.Equal(t, 1, llm.requestCount())
	require.Len(t, ectx.Snapshot.Working.ChatHistory, 2)
	assert.Equal(t, llmclient.RoleUser, ectx.Snapshot.Working.ChatHistory[0].Role)
	assert.Equal(t, llmclient.RoleModel, ectx.Snapshot.Working.ChatHistory[1].Role)
}

func TestExecutor_AnswerTwoPassToolProtocol(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"<tool>get_crypto_prices: BTC</tool>",
		"BTC currently trades at 110,000 USD.",
	}}
	tools := newFakeTools(map[string]string{"get_crypto_prices": `{"BTC":110000}`})
	exec, _ := newTestExecutor(t, llm, tools)
	ectx := chatContext()

	results := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{AnswerAction{Question: "price of BTC?"}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, "BTC currently trades at 110,000 USD.", results[0].Answer)
	assert.Equal(t, "get_crypto_prices", results[0].Tool)
	assert.Equal(t, 1, tools.callCount())
	require.Equal(t, 2, llm.requestCount())

	// The second pass extends the first pass's messages with the raw model
	// reply and the tool result.
	pass2 := llm.request(1)
	require.Len(t, pass2.Messages, 3)
	assert.Equal(t, llmclient.RoleModel, pass2.Messages[1].Role)
	assert.Contains(t, pass2.Messages[1].Content, "<tool>")
	assert.Contains(t, pass2.Messages[2].Content, `{"BTC":110000}`)
	assert.Equal(t, llm.request(0).System, pass2.System)
}

func TestExecutor_ShortFencedToolCallRunsTool(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"```get_wallet_state\n{}\n```",
		"You hold 0.5 BTC and 4 ETH.",
	}}
	tools := newFakeTools(map[string]string{"get_wallet_state": `{"BTC":0.5,"ETH":4}`})
	exec, _ := newTestExecutor(t, llm, tools)
	ectx := chatContext()

	results := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{AnswerAction{Question: "what do I hold?"}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, "get_wallet_state", results[0].Tool)
	assert.Equal(t, "You hold 0.5 BTC and 4 ETH.", results[0].Answer)
	assert.Equal(t, 1, tools.callCount())
	assert.Equal(t, 2, llm.requestCount())
}

func TestExecutor_UnregisteredShortFenceIsPlainText(t *testing.T) {
	llm := &fakeLLM{responses: []string{"Run this:\n```bash\nls -la\n```"}}
	tools := newFakeTools(map[string]string{"get_wallet_state": `{}`})
	exec, _ := newTestExecutor(t, llm, tools)

	results := exec.Execute(context.Background(), chatContext(), Plan{
		Actions: []Action{AnswerAction{Question: "how do I list files?"}},
	})

	require.Len(t, results, 1)
	assert.Empty(t, results[0].Tool)
	assert.Contains(t, results[0].Answer, "ls -la")
	assert.Zero(t, tools.callCount())
}

func TestExecutor_UnknownToolYieldsApology(t *testing.T) {
	llm := &fakeLLM{responses: []string{"<tool>launch_rocket</tool>"}}
	exec, _ := newTestExecutor(t, llm, newFakeTools(nil))
	ectx := chatContext()

	results := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{AnswerAction{Question: "launch!"}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, unknownToolAnswer, results[0].Answer)
	assert.Equal(t, 1, llm.requestCount())
}

func TestExecutor_ToolFailureYieldsCannedAnswer(t *testing.T) {
	llm := &fakeLLM{responses: []string{"<tool>get_crypto_prices: BTC</tool>"}}
	tools := newFakeTools(nil)
	tools.errs["get_crypto_prices"] = errors.New("exchange unreachable")
	exec, _ := newTestExecutor(t, llm, tools)

	results := exec.Execute(context.Background(), chatContext(), Plan{
		Actions: []Action{AnswerAction{Question: "price of BTC?"}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, toolFailedAnswer, results[0].Answer)
}

func TestExecutor_ModelFailureYieldsFallback(t *testing.T) {
	llm := &fakeLLM{err: errors.New("model down")}
	exec, _ := newTestExecutor(t, llm, newFakeTools(nil))
	ectx := chatContext()

	results := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{AnswerAction{Question: "hello?"}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, fallbackAnswer, results[0].Answer)
	// The degraded exchange is still recorded.
	assert.Len(t, ectx.Snapshot.Working.ChatHistory, 2)
}

func TestExecutor_ChatHistoryBounded(t *testing.T) {
	responses := make([]string, 11)
	for i := range responses {
		responses[i] = fmt.Sprintf("answer %d", i)
	}
	llm := &fakeLLM{responses: responses}
	exec, _ := newTestExecutor(t, llm, newFakeTools(nil))
	ectx := chatContext()

	for i := 0; i < 11; i++ {
		exec.Execute(context.Background(), ectx, Plan{
			Actions: []Action{AnswerAction{Question: fmt.Sprintf("question %d", i)}},
		})
	}

	history := ectx.Snapshot.Working.ChatHistory
	require.Len(t, history, 20)
	// The oldest exchange has been evicted.
	assert.Equal(t, "question 1", history[0].Content)
	assert.Equal(t, "answer 10", history[19].Content)
}

func TestExecutor_PromptWindowBounded(t *testing.T) {
	llm := &fakeLLM{responses: []string{"latest answer"}}
	exec, _ := newTestExecutor(t, llm, newFakeTools(nil))
	ectx := chatContext()
	for i := 0; i < 16; i++ {
		role := llmclient.RoleUser
		if i%2 == 1 {
			role = llmclient.RoleModel
		}
		ectx.Snapshot.Working.ChatHistory = append(ectx.Snapshot.Working.ChatHistory,
			llmclient.Message{Role: role, Content: fmt.Sprintf("msg %d", i)})
	}

	exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{AnswerAction{Question: "latest question"}},
	})

	req := llm.request(0)
	// 8 trailing history messages plus the new question.
	require.Len(t, req.Messages, 9)
	assert.Equal(t, "msg 8", req.Messages[0].Content)
	assert.Equal(t, "latest question", req.Messages[8].Content)
}

func TestExecutor_RunToolRecordsResult(t *testing.T) {
	tools := newFakeTools(map[string]string{"get_wallet_state": `{"BTC":0.5}`})
	exec, _ := newTestExecutor(t, &fakeLLM{}, tools)
	ectx := chatContext()

	results := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{ExecuteAction{Tool: "get_wallet_state"}},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, `{"BTC":0.5}`, results[0].Output)
}

func TestExecutor_RunToolDisabledIsStructuredFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	eventBus := bus.New(logger, 16)
	t.Cleanup(eventBus.Close)
	cfg := config.NewDefaultConfig().Agent
	cfg.ToolsEnabled = false
	llm := &fakeLLM{}
	exec := NewExecutor(logger, cfg, llm, newFakeTools(nil), eventBus, NewConsciousnessBuilder(logger, llm))

	results := exec.Execute(context.Background(), chatContext(), Plan{
		Actions: []Action{ExecuteAction{Tool: "get_wallet_state"}},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "disabled")
}

func TestExecutor_RunToolUnknownIsStructuredFailure(t *testing.T) {
	exec, _ := newTestExecutor(t, &fakeLLM{}, newFakeTools(nil))

	results := exec.Execute(context.Background(), chatContext(), Plan{
		Actions: []Action{ExecuteAction{Tool: "missing"}},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "not registered")
}

func TestExecutor_SleepHonorsContext(t *testing.T) {
	exec, _ := newTestExecutor(t, &fakeLLM{}, newFakeTools(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := exec.Execute(ctx, chatContext(), Plan{
		Actions: []Action{SleepAction{Duration: time.Minute}},
	})

	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
}

func TestExecutor_EmitPublishesToBus(t *testing.T) {
	exec, eventBus := newTestExecutor(t, &fakeLLM{}, newFakeTools(nil))

	results := exec.Execute(context.Background(), chatContext(), Plan{
		Actions: []Action{EmitAction{Event: bus.Event{
			Topic:    bus.TopicTool,
			Kind:     bus.KindToolResult,
			Priority: bus.PriorityNormal,
			Payload:  map[string]interface{}{"tool": "get_wallet_state"},
		}}},
	})

	require.Len(t, results, 1)
	assert.True(t, results[0].OK)

	ev, err := eventBus.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, bus.KindToolResult, ev.Kind)
}

func TestExecutor_UpdateConsciousnessRecordsAndDedups(t *testing.T) {
	llm := &fakeLLM{responses: []string{"Markets are calm.", "Markets are still calm."}}
	exec, _ := newTestExecutor(t, llm, newFakeTools(nil))
	ectx := chatContext()

	first := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{UpdateConsciousnessAction{Class: "market", Summary: "BTC steady at 110k"}},
	})
	require.Len(t, first, 1)
	assert.Equal(t, "recorded", first[0].Output)
	assert.Len(t, ectx.Snapshot.Working.LastEvents, 1)
	assert.Equal(t, "Markets are calm.", ectx.Snapshot.Working.GlobalConsciousness)

	dup := exec.Execute(context.Background(), ectx, Plan{
		Actions: []Action{UpdateConsciousnessAction{Class: "market", Summary: "BTC steady at 110k"}},
	})
	require.Len(t, dup, 1)
	assert.Equal(t, "skipped near-duplicate", dup[0].Output)
	assert.Len(t, ectx.Snapshot.Working.LastEvents, 1)
}
