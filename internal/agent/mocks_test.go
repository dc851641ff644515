package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cortexmind/cortex/internal/llmclient"
)

// fakeLLM replays scripted responses and records every request it sees.
type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	streams   [][]string
	err       error
	streamErr error
	requests  []llmclient.Request
}

func (f *fakeLLM) Generate(_ context.Context, req llmclient.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("fakeLLM: no scripted response")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeLLM) GenerateStream(_ context.Context, req llmclient.Request) (<-chan llmclient.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.streams) == 0 {
		return nil, errors.New("fakeLLM: no scripted stream")
	}
	script := f.streams[0]
	f.streams = f.streams[1:]
	streamErr := f.streamErr

	out := make(chan llmclient.Chunk, len(script)+1)
	for _, text := range script {
		out <- llmclient.Chunk{Text: text}
	}
	if streamErr != nil {
		out <- llmclient.Chunk{Err: streamErr}
	}
	close(out)
	return out, nil
}

func (f *fakeLLM) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) request(i int) llmclient.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

// fakeTools is a scripted ToolInvoker.
type fakeTools struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []toolCallRecord
}

type toolCallRecord struct {
	name string
	args map[string]interface{}
}

func newFakeTools(outputs map[string]string) *fakeTools {
	return &fakeTools{outputs: outputs, errs: map[string]error{}}
}

func (f *fakeTools) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.outputs[name]
	if !ok {
		_, ok = f.errs[name]
	}
	return ok
}

func (f *fakeTools) Invoke(_ context.Context, name string, args map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolCallRecord{name: name, args: args})
	if err, ok := f.errs[name]; ok {
		return "", err
	}
	out, ok := f.outputs[name]
	if !ok {
		return "", fmt.Errorf("fakeTools: unknown tool %q", name)
	}
	return out, nil
}

func (f *fakeTools) Describe() string {
	return "- get_crypto_prices: fetch prices\n- get_wallet_state: report holdings\n"
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeStore is an in-memory MemoryStore. Snapshots round-trip through JSON
// so each Load returns an independent copy, matching the real store.
type fakeStore struct {
	mu        sync.Mutex
	saved     []byte
	traces    []TraceRecord
	conscious []ConsciousState
	dotCalls  int
	dotReturn string
	loadErr   error
	saveErr   error
}

func (f *fakeStore) Load(context.Context) (*MemorySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	snap := NewMemorySnapshot()
	if f.saved != nil {
		if err := json.Unmarshal(f.saved, snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (f *fakeStore) Save(_ context.Context, snap *MemorySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	f.saved = data
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, rec TraceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces = append(f.traces, rec)
	return nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, state ConsciousState, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conscious = append(f.conscious, state)
	return nil
}

func (f *fakeStore) UpdateDot(context.Context, int64, string, string, []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dotCalls++
	return f.dotReturn, nil
}

func (f *fakeStore) latest() *MemorySnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := NewMemorySnapshot()
	if f.saved != nil {
		_ = json.Unmarshal(f.saved, snap)
	}
	return snap
}

// fakeBroadcaster records every update.
type fakeBroadcaster struct {
	mu      sync.Mutex
	updates []ConsciousnessUpdate
}

func (f *fakeBroadcaster) Broadcast(update ConsciousnessUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}
