package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
	"github.com/rvelazquez/sectorwars-go/internal/application/session"
)

// SyncToolEvents maps sync tools to the event the server pushes alongside
// the RPC result. The reactor pre-marks one context skip per call so the
// event is not appended twice.
var SyncToolEvents = map[string]string{
	"local_map_region": "map.region",
}

// AsyncToolCompletions maps async tools to their completion event. The
// reactor pre-arms the await before the tool runs and defers inference until
// the event arrives or the timeout fires.
var AsyncToolCompletions = map[string]string{
	"move": "movement.complete",
}

// ToolResult is the outcome of one tool execution, returned to the model as
// a tool message.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Tool is one agent capability.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolRegistry dispatches tool calls by name.
type ToolRegistry struct {
	tools []Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

func (r *ToolRegistry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// GameClient is the slice of the transport the tools need.
type GameClient interface {
	Call(ctx context.Context, endpoint string, payload map[string]interface{}) (json.RawMessage, error)
	WaitForEvent(ctx context.Context, event string, predicate func(*ws.Event) bool, timeout time.Duration) (*ws.Event, error)
}

// GameTools exposes the game RPC surface to the model: movement, the four
// combat actions, salvage collection, local map lookup, idle waiting and the
// terminal finished call.
type GameTools struct {
	client  GameClient
	session *session.CombatSession
}

func NewGameTools(client GameClient, combatSession *session.CombatSession) *GameTools {
	return &GameTools{client: client, session: combatSession}
}

func (t *GameTools) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "move",
			Description: "Warp to an adjacent sector. Completion is reported by a movement.complete event.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"to_sector":{"type":"integer"}},"required":["to_sector"]}`),
		},
		{
			Name:        "attack",
			Description: "Commit fighters against a target in the current combat round.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"commit":{"type":"integer"},"target_id":{"type":"string"}},"required":["commit","target_id"]}`),
		},
		{
			Name:        "brace",
			Description: "Hold position defensively for the current combat round.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "flee",
			Description: "Attempt to escape combat into another sector.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"to_sector":{"type":"integer"}},"required":["to_sector"]}`),
		},
		{
			Name:        "pay",
			Description: "Pay the toll demanded by a garrison in the current combat.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "collect_salvage",
			Description: "Claim a salvage container in the current sector.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"salvage_id":{"type":"string"}},"required":["salvage_id"]}`),
		},
		{
			Name:        "local_map_region",
			Description: "Look up the current sector: occupants, garrisons and salvage.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "wait_in_idle_state",
			Description: "Wait up to the given seconds for something to happen.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"seconds":{"type":"integer","minimum":1,"maximum":60}},"required":["seconds"]}`),
		},
		{
			Name:        "finished",
			Description: "Declare the task complete and stop.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}}}`),
		},
	}
}

func (t *GameTools) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	switch name {
	case "move":
		return t.move(ctx, args)
	case "attack", "brace", "flee", "pay":
		return t.combatAction(ctx, name, args)
	case "collect_salvage":
		return t.collectSalvage(ctx, args)
	case "local_map_region":
		return t.localMapRegion(ctx)
	case "wait_in_idle_state":
		return t.waitInIdleState(ctx, args)
	case "finished":
		return ToolResult{Content: `{"status":"finished"}`}, nil
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

func (t *GameTools) move(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var params struct {
		ToSector int `json:"to_sector"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return ToolResult{Error: "malformed move arguments"}, nil
	}
	if _, err := t.client.Call(ctx, "move", map[string]interface{}{"to_sector": params.ToSector}); err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	// The placeholder acknowledges dispatch; arrival is announced by the
	// movement.complete event the reactor is already awaiting.
	return ToolResult{Content: `{"status":"Executed."}`}, nil
}

func (t *GameTools) combatAction(ctx context.Context, action string, args json.RawMessage) (ToolResult, error) {
	state := t.session.State()
	if state == nil || !state.Active {
		return ToolResult{Error: "not in combat"}, nil
	}
	var params struct {
		Commit   int    `json:"commit"`
		TargetID string `json:"target_id"`
		ToSector int    `json:"to_sector"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Error: "malformed combat arguments"}, nil
		}
	}

	payload := map[string]interface{}{
		"combat_id": state.CombatID,
		"action":    action,
		"round":     state.Round,
	}
	if action == "attack" {
		payload["commit"] = params.Commit
		payload["target_id"] = params.TargetID
	}
	if action == "flee" {
		payload["to_sector"] = params.ToSector
	}

	result, err := t.client.Call(ctx, "combat.action", payload)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	if action == "pay" && state.Garrison != nil {
		t.session.MarkTollPaid(state.Garrison.OwnerID)
	}
	return ToolResult{Content: string(result)}, nil
}

func (t *GameTools) collectSalvage(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var params struct {
		SalvageID string `json:"salvage_id"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.SalvageID == "" {
		return ToolResult{Error: "salvage_id is required"}, nil
	}
	result, err := t.client.Call(ctx, "salvage.collect", map[string]interface{}{"salvage_id": params.SalvageID})
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	return ToolResult{Content: string(result)}, nil
}

func (t *GameTools) localMapRegion(ctx context.Context) (ToolResult, error) {
	result, err := t.client.Call(ctx, "map.region", nil)
	if err != nil {
		return ToolResult{Error: err.Error()}, nil
	}
	return ToolResult{Content: string(result)}, nil
}

// waitInIdleState blocks for up to the requested seconds. The reactor
// translates a "no_events" result into a synthetic idle.complete event.
func (t *GameTools) waitInIdleState(ctx context.Context, args json.RawMessage) (ToolResult, error) {
	var params struct {
		Seconds int `json:"seconds"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return ToolResult{Error: "malformed wait arguments"}, nil
		}
	}
	if params.Seconds < 1 {
		params.Seconds = 1
	}
	if params.Seconds > 60 {
		params.Seconds = 60
	}

	event, err := t.client.WaitForEvent(ctx, ws.EventAny, nil, time.Duration(params.Seconds)*time.Second)
	if err != nil {
		return ToolResult{Content: `{"status":"no_events"}`}, nil
	}
	return ToolResult{Content: fmt.Sprintf(`{"status":"event_arrived","event":%q}`, event.Name)}, nil
}
