package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
)

const (
	// DefaultDebounce coalesces bursts of events into one inference.
	DefaultDebounce = time.Second
	// DefaultCompletionTimeout bounds the wait for an async tool's event.
	DefaultCompletionTimeout = 5 * time.Second
	// DefaultNoToolTimeout is the watchdog after a response without tools.
	DefaultNoToolTimeout = 5 * time.Second
	// MaxNoToolNudges bounds how often the model is prodded to act before
	// the task is forced to finish.
	MaxNoToolNudges = 3
)

const nudgeMessage = "You did not call a tool. Call a tool to act on the " +
	"latest events, or call finished if the task is done."

// EventSource is the transport surface the reactor subscribes on.
type EventSource interface {
	AddEventHandler(event string, handler ws.EventHandler) int
	RemoveEventHandler(event string, token int)
}

// ReactorConfig tunes the event-gated loop. Zero values take the defaults
// above.
type ReactorConfig struct {
	Debounce          time.Duration
	CompletionTimeout time.Duration
	NoToolTimeout     time.Duration
	MaxNoToolNudges   int
	StopOnError       bool
	InferencesPerSec  float64
}

// Reactor is the event-gated loop wrapping the LLM: inbound events append to
// the model context and schedule inference; tool calls issue RPCs; async
// tools defer inference until their completion event.
type Reactor struct {
	source  EventSource
	llm     LLMService
	tools   *ToolRegistry
	limiter *rate.Limiter

	debounce          time.Duration
	completionTimeout time.Duration
	noToolTimeout     time.Duration
	maxNudges         int
	stopOnError       bool

	mu            sync.Mutex
	ctx           context.Context
	messages      []ChatMessage
	syncSkips     map[string]int
	awaiting      string
	awaitTimer    *time.Timer
	debounceTimer *time.Timer
	noToolTimer   *time.Timer
	reasons       []string
	inFlight      bool
	nudges        int
	finished      bool
	finishReason  string
	done          chan struct{}
	token         int
}

// NewReactor builds the loop. Call Run to start it.
func NewReactor(source EventSource, llm LLMService, tools *ToolRegistry, cfg ReactorConfig) *Reactor {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = DefaultCompletionTimeout
	}
	if cfg.NoToolTimeout <= 0 {
		cfg.NoToolTimeout = DefaultNoToolTimeout
	}
	if cfg.MaxNoToolNudges <= 0 {
		cfg.MaxNoToolNudges = MaxNoToolNudges
	}
	if cfg.InferencesPerSec <= 0 {
		cfg.InferencesPerSec = 1
	}
	return &Reactor{
		source:            source,
		llm:               llm,
		tools:             tools,
		limiter:           rate.NewLimiter(rate.Limit(cfg.InferencesPerSec), 1),
		debounce:          cfg.Debounce,
		completionTimeout: cfg.CompletionTimeout,
		noToolTimeout:     cfg.NoToolTimeout,
		maxNudges:         cfg.MaxNoToolNudges,
		stopOnError:       cfg.StopOnError,
		syncSkips:         make(map[string]int),
		done:              make(chan struct{}),
	}
}

// Run executes the task until the model calls finished, the nudge budget is
// exhausted, an error event stops it, or the context is cancelled. Returns
// the finish reason.
func (r *Reactor) Run(ctx context.Context, systemPrompt, task string) (string, error) {
	r.mu.Lock()
	r.ctx = ctx
	if systemPrompt != "" {
		r.messages = append(r.messages, SystemMessage(systemPrompt))
	}
	r.messages = append(r.messages, UserMessage("<event name=task.start>"+task+"</event>"))
	r.reasons = append(r.reasons, "task.start")
	r.mu.Unlock()

	r.token = r.source.AddEventHandler(ws.EventAny, r.handleEvent)
	defer r.source.RemoveEventHandler(ws.EventAny, r.token)

	log.Printf("task started: %s", task)
	r.mu.Lock()
	r.scheduleInferenceLocked()
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		r.mu.Lock()
		r.finishLocked("cancelled")
		r.mu.Unlock()
		return "cancelled", ctx.Err()
	case <-r.done:
		r.mu.Lock()
		reason := r.finishReason
		r.mu.Unlock()
		return reason, nil
	}
}

// handleEvent is the wildcard transport handler. It appends the event to the
// model context (unless a sync tool already carried it), releases a pending
// async await, or debounces an inference.
func (r *Reactor) handleEvent(event *ws.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if n := r.syncSkips[event.Name]; n > 0 {
		r.syncSkips[event.Name] = n - 1
		return
	}

	r.messages = append(r.messages, UserMessage(renderEvent(event)))

	if event.Name == ws.EventError && r.stopOnError {
		log.Printf("error event received, stopping task: %s", event.Summary)
		r.finishLocked("error_stop")
		return
	}

	if r.awaiting != "" && event.Name == r.awaiting {
		r.clearAwaitLocked()
		r.reasons = append(r.reasons, event.Name)
		r.scheduleInferenceLocked()
		return
	}

	r.reasons = append(r.reasons, event.Name)
	r.refreshDebounceLocked()
}

// refreshDebounceLocked restarts the short watchdog so a burst of events
// yields one inference.
func (r *Reactor) refreshDebounceLocked() {
	if r.debounceTimer != nil {
		r.debounceTimer.Stop()
	}
	r.debounceTimer = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.scheduleInferenceLocked()
	})
}

// scheduleInferenceLocked starts an inference when one can run: not finished,
// not awaiting an async completion, none in flight, and at least one reason
// accumulated. Reasons left pending are picked up when the blocker clears.
func (r *Reactor) scheduleInferenceLocked() {
	if r.finished || r.awaiting != "" || r.inFlight || len(r.reasons) == 0 {
		return
	}
	if r.noToolTimer != nil {
		r.noToolTimer.Stop()
		r.noToolTimer = nil
	}
	r.reasons = nil
	r.inFlight = true
	go r.runInference()
}

func (r *Reactor) runInference() {
	r.mu.Lock()
	ctx := r.ctx
	snapshot := make([]ChatMessage, len(r.messages))
	copy(snapshot, r.messages)
	r.mu.Unlock()

	if err := r.limiter.Wait(ctx); err != nil {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
		return
	}

	response, err := r.llm.Chat(ctx, snapshot, r.tools.AllDefinitions())
	if err != nil {
		log.Printf("inference failed: %v", err)
		r.mu.Lock()
		r.inFlight = false
		r.reasons = append(r.reasons, "inference_retry")
		r.refreshDebounceLocked()
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.messages = append(r.messages, AssistantMessage(response))
	r.mu.Unlock()

	if len(response.ToolCalls) == 0 {
		r.mu.Lock()
		r.inFlight = false
		r.startNoToolWatchdogLocked()
		r.scheduleInferenceLocked()
		r.mu.Unlock()
		return
	}

	for _, call := range response.ToolCalls {
		if r.executeToolCall(ctx, call) {
			return
		}
	}

	r.mu.Lock()
	r.inFlight = false
	r.nudges = 0
	r.reasons = append(r.reasons, "tool_result")
	r.scheduleInferenceLocked()
	r.mu.Unlock()
}

// executeToolCall runs one tool, pre-arming async awaits and sync skips
// before the tool can suspend. Returns true when the task finished.
func (r *Reactor) executeToolCall(ctx context.Context, call ToolCall) bool {
	if completion, ok := AsyncToolCompletions[call.Name]; ok {
		r.mu.Lock()
		r.awaiting = completion
		r.armAwaitTimeoutLocked()
		r.mu.Unlock()
	}
	if skipped, ok := SyncToolEvents[call.Name]; ok {
		r.mu.Lock()
		r.syncSkips[skipped]++
		r.mu.Unlock()
	}

	result, err := r.tools.Execute(ctx, call.Name, call.Args)
	if err != nil {
		result = ToolResult{Error: err.Error()}
	}
	content := result.Content
	if result.Error != "" {
		content = fmt.Sprintf(`{"error":%q}`, result.Error)
		if _, async := AsyncToolCompletions[call.Name]; async {
			// A failed async tool never emits its completion event; drop
			// the await so the error result reaches the model immediately.
			r.mu.Lock()
			r.clearAwaitLocked()
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	r.messages = append(r.messages, ToolMessage(call.ID, content))
	r.mu.Unlock()

	if call.Name == "finished" {
		reason := finishReasonFrom(call.Args)
		r.mu.Lock()
		r.inFlight = false
		r.finishLocked(reason)
		r.mu.Unlock()
		return true
	}
	if call.Name == "wait_in_idle_state" && strings.Contains(result.Content, "no_events") {
		// Nothing happened during the wait; give the model something to
		// react to.
		go r.handleEvent(&ws.Event{
			Name:    ws.EventIdleComplete,
			Payload: map[string]interface{}{},
			Summary: "Idle wait elapsed with no new events",
		})
	}
	return false
}

// clearAwaitLocked drops a pending async await and its timeout timer.
func (r *Reactor) clearAwaitLocked() {
	r.awaiting = ""
	if r.awaitTimer != nil {
		r.awaitTimer.Stop()
		r.awaitTimer = nil
	}
}

// armAwaitTimeoutLocked schedules exactly one inference if the completion
// event never arrives.
func (r *Reactor) armAwaitTimeoutLocked() {
	if r.awaitTimer != nil {
		r.awaitTimer.Stop()
	}
	awaited := r.awaiting
	r.awaitTimer = time.AfterFunc(r.completionTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.awaiting != awaited {
			return
		}
		r.awaiting = ""
		r.awaitTimer = nil
		r.messages = append(r.messages, UserMessage(
			fmt.Sprintf("<event name=timeout>no %s event arrived in time</event>", awaited)))
		r.reasons = append(r.reasons, "completion_timeout")
		r.scheduleInferenceLocked()
	})
}

// startNoToolWatchdogLocked nudges the model after a tool-less response, up
// to the budget, then forces the task to finish.
func (r *Reactor) startNoToolWatchdogLocked() {
	if r.noToolTimer != nil {
		r.noToolTimer.Stop()
	}
	r.noToolTimer = time.AfterFunc(r.noToolTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.finished || r.inFlight {
			return
		}
		if r.nudges >= r.maxNudges {
			r.finishLocked("no_tool_budget_exhausted")
			return
		}
		r.nudges++
		r.messages = append(r.messages, UserMessage(nudgeMessage))
		r.reasons = append(r.reasons, "nudge")
		r.scheduleInferenceLocked()
	})
}

// finishLocked terminates the loop once. Caller holds the lock.
func (r *Reactor) finishLocked(reason string) {
	if r.finished {
		return
	}
	r.finished = true
	r.finishReason = reason
	for _, timer := range []*time.Timer{r.awaitTimer, r.debounceTimer, r.noToolTimer} {
		if timer != nil {
			timer.Stop()
		}
	}
	log.Printf("task finished: %s", reason)
	close(r.done)
}

// renderEvent formats one event for the model context, preferring the short
// summary over the raw payload.
func renderEvent(event *ws.Event) string {
	body := event.Summary
	if body == "" {
		if encoded, err := json.Marshal(event.Payload); err == nil {
			body = string(encoded)
		}
	}
	return fmt.Sprintf("<event name=%s>%s</event>", event.Name, body)
}

func finishReasonFrom(args json.RawMessage) string {
	var params struct {
		Reason string `json:"reason"`
	}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &params)
	}
	if params.Reason == "" {
		return "finished"
	}
	return params.Reason
}
