package ws

import (
	"context"
	"encoding/json"

	appcombat "github.com/rvelazquez/sectorwars-go/internal/application/combat"
	"github.com/rvelazquez/sectorwars-go/internal/application/common"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// RegisterGameEndpoints binds the RPC endpoint names to mediator commands.
// The connection's bound character always overrides any character_id in the
// payload. A non-nil ops logger is installed on every request context.
func RegisterGameEndpoints(server *Server, mediator common.Mediator, ops common.OperationLogger) {
	bind := func(endpoint string, handler EndpointHandler) {
		if ops != nil {
			inner := handler
			handler = func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
				return inner(common.WithLogger(ctx, ops), characterID, payload)
			}
		}
		server.RegisterEndpoint(endpoint, handler)
	}

	bind("combat.initiate", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.InitiateCombatCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("combat.action", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.SubmitActionCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("combat.leave_fighters", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.LeaveFightersCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("combat.collect_fighters", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.CollectFightersCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("combat.set_garrison_mode", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.SetGarrisonModeCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("salvage.collect", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.CollectSalvageCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("dump_cargo", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.DumpCargoCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("move", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		var cmd appcombat.MoveCommand
		if err := decodePayload(payload, &cmd); err != nil {
			return nil, err
		}
		cmd.CharacterID = characterID
		return mediator.Send(ctx, &cmd)
	})

	bind("status", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		return mediator.Send(ctx, &appcombat.StatusQuery{CharacterID: characterID})
	})

	bind("map.region", func(ctx context.Context, characterID string, payload json.RawMessage) (interface{}, error) {
		return mediator.Send(ctx, &appcombat.MapRegionQuery{CharacterID: characterID})
	})
}

func decodePayload(payload json.RawMessage, out interface{}) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return shared.NewValidationError("payload", "malformed request payload")
	}
	return nil
}
