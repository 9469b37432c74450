package combat

import (
	"context"
	"fmt"

	"github.com/rvelazquez/sectorwars-go/internal/application/common"
	"github.com/rvelazquez/sectorwars-go/internal/domain/garrison"
)

// Commands carried through the mediator. CharacterID is always overwritten
// by the transport with the connection's bound character.

type InitiateCombatCommand struct {
	CharacterID string `json:"character_id"`
	TargetID    string `json:"target_id"`
	TargetType  string `json:"target_type"`
}

type SubmitActionCommand struct {
	CombatID    string `json:"combat_id"`
	CharacterID string `json:"character_id"`
	Action      string `json:"action"`
	Commit      int    `json:"commit"`
	TargetID    string `json:"target_id"`
	ToSector    int    `json:"to_sector"`
	Round       int    `json:"round"`
}

type LeaveFightersCommand struct {
	CharacterID string `json:"character_id"`
	Sector      int    `json:"sector"`
	Quantity    int    `json:"quantity"`
	Mode        string `json:"mode"`
	TollAmount  int    `json:"toll_amount"`
}

type CollectFightersCommand struct {
	CharacterID string `json:"character_id"`
	Sector      int    `json:"sector"`
	Quantity    int    `json:"quantity"`
}

type SetGarrisonModeCommand struct {
	CharacterID string `json:"character_id"`
	Sector      int    `json:"sector"`
	Mode        string `json:"mode"`
	TollAmount  int    `json:"toll_amount"`
}

type CollectSalvageCommand struct {
	CharacterID string `json:"character_id"`
	SalvageID   string `json:"salvage_id"`
}

type DumpCargoCommand struct {
	CharacterID string      `json:"character_id"`
	Items       []CargoItem `json:"items"`
}

type MoveCommand struct {
	CharacterID string `json:"character_id"`
	ToSector    int    `json:"to_sector"`
}

type StatusQuery struct {
	CharacterID string `json:"character_id"`
}

type MapRegionQuery struct {
	CharacterID string `json:"character_id"`
}

// Handler adapts the service to the mediator contract.
type Handler struct {
	service *Service
}

// NewHandler wraps the service for mediator registration.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Register binds every command type to this handler.
func (h *Handler) Register(m common.Mediator) error {
	for _, register := range []func() error{
		func() error { return common.RegisterHandler[*InitiateCombatCommand](m, h) },
		func() error { return common.RegisterHandler[*SubmitActionCommand](m, h) },
		func() error { return common.RegisterHandler[*LeaveFightersCommand](m, h) },
		func() error { return common.RegisterHandler[*CollectFightersCommand](m, h) },
		func() error { return common.RegisterHandler[*SetGarrisonModeCommand](m, h) },
		func() error { return common.RegisterHandler[*CollectSalvageCommand](m, h) },
		func() error { return common.RegisterHandler[*DumpCargoCommand](m, h) },
		func() error { return common.RegisterHandler[*MoveCommand](m, h) },
		func() error { return common.RegisterHandler[*StatusQuery](m, h) },
		func() error { return common.RegisterHandler[*MapRegionQuery](m, h) },
	} {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}

// Handle dispatches a command to the matching service operation.
func (h *Handler) Handle(ctx context.Context, request common.Request) (common.Response, error) {
	switch cmd := request.(type) {
	case *InitiateCombatCommand:
		encounter, err := h.service.InitiateCombat(ctx, cmd.CharacterID, cmd.TargetID, cmd.TargetType)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"combat_id": encounter.CombatID,
			"round":     encounter.RoundNumber,
			"sector":    encounter.SectorID,
		}, nil

	case *SubmitActionCommand:
		outcome, err := h.service.SubmitCombatAction(ctx, cmd.CombatID, cmd.CharacterID, cmd.Action, cmd.Commit, cmd.TargetID, cmd.ToSector)
		if err != nil {
			return nil, err
		}
		response := map[string]interface{}{"accepted": true, "combat_id": cmd.CombatID}
		if outcome != nil {
			response["round"] = outcome.RoundNumber
			response["end"] = outcome.EndState
		}
		return response, nil

	case *LeaveFightersCommand:
		state, err := h.service.DeployFighters(ctx, cmd.CharacterID, cmd.Sector, cmd.Quantity, garrison.Mode(cmd.Mode), cmd.TollAmount)
		if err != nil {
			return nil, err
		}
		return garrisonStatePayload(state), nil

	case *CollectFightersCommand:
		state, err := h.service.CollectFighters(ctx, cmd.CharacterID, cmd.Sector, cmd.Quantity)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return map[string]interface{}{"removed": true}, nil
		}
		return garrisonStatePayload(state), nil

	case *SetGarrisonModeCommand:
		state, err := h.service.SetGarrisonMode(ctx, cmd.CharacterID, cmd.Sector, garrison.Mode(cmd.Mode), cmd.TollAmount)
		if err != nil {
			return nil, err
		}
		return garrisonStatePayload(state), nil

	case *CollectSalvageCommand:
		container, err := h.service.CollectSalvage(ctx, cmd.CharacterID, cmd.SalvageID)
		if err != nil {
			return nil, err
		}
		payload := salvagePayload(container)
		payload["fully_collected"] = true
		return payload, nil

	case *DumpCargoCommand:
		container, err := h.service.DumpCargo(ctx, cmd.CharacterID, cmd.Items)
		if err != nil {
			return nil, err
		}
		return salvagePayload(container), nil

	case *MoveCommand:
		return h.service.MoveCharacter(ctx, cmd.CharacterID, cmd.ToSector)

	case *StatusQuery:
		return h.service.Status(ctx, cmd.CharacterID)

	case *MapRegionQuery:
		return h.service.MapRegion(ctx, cmd.CharacterID)
	}
	return nil, fmt.Errorf("unsupported request type %T", request)
}

func garrisonStatePayload(state *garrison.State) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":    state.OwnerID,
		"fighters":    state.Fighters,
		"mode":        string(state.Mode),
		"toll_amount": state.TollAmount,
		"deployed_at": state.DeployedAt,
	}
}
