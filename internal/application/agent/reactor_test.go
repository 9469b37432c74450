package agent_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
	"github.com/rvelazquez/sectorwars-go/internal/application/agent"
)

// fakeSource delivers emitted events to per-name and wildcard handlers, the
// way the transport dispatcher does.
type fakeSource struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]ws.EventHandler
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string]map[int]ws.EventHandler)}
}

func (f *fakeSource) AddEventHandler(event string, handler ws.EventHandler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]ws.EventHandler)
	}
	f.handlers[event][f.next] = handler
	return f.next
}

func (f *fakeSource) RemoveEventHandler(event string, token int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[event], token)
}

func (f *fakeSource) emit(event string, payload map[string]interface{}) {
	f.mu.Lock()
	handlers := make([]ws.EventHandler, 0)
	for _, h := range f.handlers[event] {
		handlers = append(handlers, h)
	}
	for _, h := range f.handlers[ws.EventAny] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(&ws.Event{Name: event, Payload: payload})
	}
}

// scriptedLLM pops one prepared response per inference and records the
// context snapshot of every call. Once the script runs out it answers with
// tool-less filler.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*agent.ChatResponse
	snapshots [][]agent.ChatMessage
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []agent.ChatMessage, tools []agent.ToolDefinition) (*agent.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make([]agent.ChatMessage, len(messages))
	copy(snapshot, messages)
	s.snapshots = append(s.snapshots, snapshot)
	if len(s.responses) == 0 {
		return &agent.ChatResponse{Content: "nothing to do"}, nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *scriptedLLM) snapshot(i int) []agent.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots[i]
}

// recordingTool serves every tool name the tests script, recording the order
// of executions. onExecute runs before returning, standing in for side
// effects like server pushes that land during the RPC.
type recordingTool struct {
	mu        sync.Mutex
	executed  []string
	failWith  map[string]string
	onExecute func(name string)
}

func (r *recordingTool) Definitions() []agent.ToolDefinition {
	names := []string{"move", "attack", "local_map_region", "finished"}
	defs := make([]agent.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, agent.ToolDefinition{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object","properties":{}}`),
		})
	}
	return defs
}

func (r *recordingTool) Execute(ctx context.Context, name string, args json.RawMessage) (agent.ToolResult, error) {
	r.mu.Lock()
	r.executed = append(r.executed, name)
	hook := r.onExecute
	failure := r.failWith[name]
	r.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	if failure != "" {
		return agent.ToolResult{Error: failure}, nil
	}
	return agent.ToolResult{Content: `{"status":"ok"}`}, nil
}

func (r *recordingTool) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.executed...)
}

func toolCall(name, args string) agent.ToolCall {
	return agent.ToolCall{ID: "call-" + name, Name: name, Args: json.RawMessage(args)}
}

func startReactor(t *testing.T, source *fakeSource, llm *scriptedLLM, tool *recordingTool, cfg agent.ReactorConfig) <-chan string {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 20 * time.Millisecond
	}
	if cfg.CompletionTimeout == 0 {
		cfg.CompletionTimeout = 5 * time.Second
	}
	if cfg.NoToolTimeout == 0 {
		cfg.NoToolTimeout = 10 * time.Second
	}
	if cfg.InferencesPerSec == 0 {
		cfg.InferencesPerSec = 1000
	}
	registry := agent.NewToolRegistry()
	registry.Add(tool)
	reactor := agent.NewReactor(source, llm, registry, cfg)

	done := make(chan string, 1)
	go func() {
		reason, _ := reactor.Run(context.Background(), "You are a pilot.", "patrol sector 7")
		done <- reason
	}()
	return done
}

func waitForReason(t *testing.T, done <-chan string) string {
	t.Helper()
	select {
	case reason := <-done:
		return reason
	case <-time.After(5 * time.Second):
		t.Fatal("reactor never finished")
		return ""
	}
}

func TestReactor_FinishedCallEndsTask(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{ToolCalls: []agent.ToolCall{toolCall("finished", `{"reason":"patrol complete"}`)}},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{})

	assert.Equal(t, "patrol complete", waitForReason(t, done))
	assert.Equal(t, []string{"finished"}, tool.calls())
	assert.Equal(t, 1, llm.calls())
}

func TestReactor_AsyncToolGatesInferenceUntilCompletionEvent(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{ToolCalls: []agent.ToolCall{toolCall("move", `{"to_sector":3}`)}},
		{ToolCalls: []agent.ToolCall{toolCall("finished", `{"reason":"arrived"}`)}},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{})

	require.Eventually(t, func() bool { return llm.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	// No second inference while the movement is pending
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, llm.calls())

	source.emit(ws.EventMovementComplete, map[string]interface{}{"to_sector": float64(3)})

	assert.Equal(t, "arrived", waitForReason(t, done))
	assert.Equal(t, 2, llm.calls())
}

func TestReactor_FailedAsyncToolReleasesAwaitImmediately(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{ToolCalls: []agent.ToolCall{toolCall("move", `{"to_sector":3}`)}},
		{ToolCalls: []agent.ToolCall{toolCall("finished", `{"reason":"rerouted"}`)}},
	}}
	tool := &recordingTool{failWith: map[string]string{"move": "destination sector unreachable"}}

	// With a long completion timeout, the task only finishes in time if the
	// failed move releases the await instead of waiting for a movement
	// completion that will never come.
	start := time.Now()
	done := startReactor(t, source, llm, tool, agent.ReactorConfig{
		CompletionTimeout: 10 * time.Second,
	})

	assert.Equal(t, "rerouted", waitForReason(t, done))
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 2, llm.calls())

	// The model saw the tool error before its second inference
	var sawError bool
	for _, msg := range llm.snapshot(1) {
		if strings.Contains(msg.Content, "destination sector unreachable") {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestReactor_CompletionTimeoutReleasesExactlyOneInference(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{ToolCalls: []agent.ToolCall{toolCall("move", `{"to_sector":3}`)}},
		{ToolCalls: []agent.ToolCall{toolCall("finished", `{"reason":"gave up"}`)}},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{
		CompletionTimeout: 50 * time.Millisecond,
	})

	assert.Equal(t, "gave up", waitForReason(t, done))
	require.Equal(t, 2, llm.calls())

	// The model saw the timeout notice before its second inference
	var sawTimeout bool
	for _, msg := range llm.snapshot(1) {
		if strings.Contains(msg.Content, "<event name=timeout>") {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout)
}

func TestReactor_NoToolWatchdogExhaustsBudget(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{Content: "thinking"},
		{Content: "still thinking"},
		{Content: "hmm"},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{
		NoToolTimeout:   20 * time.Millisecond,
		MaxNoToolNudges: 2,
	})

	assert.Equal(t, "no_tool_budget_exhausted", waitForReason(t, done))
	// task.start plus one inference per nudge
	assert.Equal(t, 3, llm.calls())
	assert.Empty(t, tool.calls())
}

func TestReactor_ToolCallResetsNudgeBudget(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{Content: "thinking"},
		{ToolCalls: []agent.ToolCall{toolCall("attack", `{"commit":10,"target_id":"bob"}`)}},
		{Content: "thinking again"},
		{Content: "done thinking"},
		{Content: "really done"},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{
		NoToolTimeout:   20 * time.Millisecond,
		MaxNoToolNudges: 2,
	})

	// The attack after the first nudge resets the counter, so the budget
	// supports two more nudges before the forced finish.
	assert.Equal(t, "no_tool_budget_exhausted", waitForReason(t, done))
	assert.Equal(t, []string{"attack"}, tool.calls())
	assert.Equal(t, 5, llm.calls())
}

func TestReactor_ErrorEventStopsWhenConfigured(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{Content: "waiting"},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{StopOnError: true})

	require.Eventually(t, func() bool { return llm.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	source.emit(ws.EventError, map[string]interface{}{
		"status": "conflict", "detail": "combat over",
	})

	assert.Equal(t, "error_stop", waitForReason(t, done))
}

func TestReactor_SyncToolEventIsNotAppendedTwice(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{ToolCalls: []agent.ToolCall{toolCall("local_map_region", `{}`)}},
		{ToolCalls: []agent.ToolCall{toolCall("finished", `{"reason":"scanned"}`)}},
	}}
	tool := &recordingTool{}
	// The server pushes the map.region event while the RPC is in flight
	tool.onExecute = func(name string) {
		if name == "local_map_region" {
			source.emit(ws.EventMapRegion, map[string]interface{}{"sector": float64(7)})
		}
	}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{})

	assert.Equal(t, "scanned", waitForReason(t, done))
	require.Equal(t, 2, llm.calls())
	for _, msg := range llm.snapshot(1) {
		assert.NotContains(t, msg.Content, "<event name=map.region>")
	}
}

func TestReactor_EventBurstDebouncesToOneInference(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{
		{Content: "observing"},
		{ToolCalls: []agent.ToolCall{toolCall("finished", `{"reason":"saw everything"}`)}},
	}}
	tool := &recordingTool{}

	done := startReactor(t, source, llm, tool, agent.ReactorConfig{
		Debounce: 50 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return llm.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	// Let the first inference settle so the burst lands in a single window
	time.Sleep(50 * time.Millisecond)
	source.emit(ws.EventSectorUpdate, map[string]interface{}{"sector": float64(7)})
	source.emit(ws.EventSalvageCreated, map[string]interface{}{"salvage_id": "salvage-1"})
	source.emit(ws.EventCharacterMoved, map[string]interface{}{"movement": "arrive"})

	assert.Equal(t, "saw everything", waitForReason(t, done))
	require.Equal(t, 2, llm.calls())

	// All three events landed in the single debounced inference
	var joined strings.Builder
	for _, msg := range llm.snapshot(1) {
		joined.WriteString(msg.Content)
	}
	assert.Contains(t, joined.String(), "<event name=sector.update>")
	assert.Contains(t, joined.String(), "<event name=salvage.created>")
	assert.Contains(t, joined.String(), "<event name=character.moved>")
}

func TestReactor_CancelledContextReturnsCancelled(t *testing.T) {
	source := newFakeSource()
	llm := &scriptedLLM{responses: []*agent.ChatResponse{{Content: "waiting"}}}
	registry := agent.NewToolRegistry()
	registry.Add(&recordingTool{})
	reactor := agent.NewReactor(source, llm, registry, agent.ReactorConfig{
		Debounce:         20 * time.Millisecond,
		NoToolTimeout:    10 * time.Second,
		InferencesPerSec: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() {
		reason, _ := reactor.Run(ctx, "", "idle task")
		done <- reason
	}()

	require.Eventually(t, func() bool { return llm.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	assert.Equal(t, "cancelled", waitForReason(t, done))
}
