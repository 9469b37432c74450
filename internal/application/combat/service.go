package combat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rvelazquez/sectorwars-go/internal/application/common"
	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/garrison"
	"github.com/rvelazquez/sectorwars-go/internal/domain/salvage"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
	"github.com/rvelazquez/sectorwars-go/internal/domain/world"
)

// Event names pushed by the service. These match the wire taxonomy the
// transport adapter subscribes clients to.
const (
	eventCharacterMoved         = "character.moved"
	eventMovementComplete       = "movement.complete"
	eventCombatRoundWaiting     = "combat.round_waiting"
	eventCombatRoundResolved    = "combat.round_resolved"
	eventCombatEnded            = "combat.ended"
	eventCombatActionAccepted   = "combat.action_accepted"
	eventSalvageCreated         = "salvage.created"
	eventSalvageCollected       = "salvage.collected"
	eventGarrisonCombatAlert    = "garrison.combat_alert"
	eventGarrisonCharacterMoved = "garrison.character_moved"
)

// CharacterRepository is the world-state port the service needs.
type CharacterRepository interface {
	FindByID(ctx context.Context, characterID string) (*world.Character, error)
	ListInSector(ctx context.Context, sector int) ([]*world.Character, error)
	Save(ctx context.Context, character *world.Character) error
	FindShip(ctx context.Context, characterID string) (*world.Ship, error)
	SaveShip(ctx context.Context, ship *world.Ship) error
	CorporationMap(ctx context.Context) (map[string]string, error)
}

// GarrisonStore is the stationed-fighter port.
type GarrisonStore interface {
	ListSector(sector int) []*garrison.State
	Find(sector int, ownerID string) *garrison.State
	Deploy(sector int, ownerID string, fighters int, mode garrison.Mode, tollAmount int) (*garrison.State, error)
	AdjustFighters(sector int, ownerID string, delta int) (*garrison.State, error)
	SetMode(sector int, ownerID string, mode garrison.Mode, tollAmount int) (*garrison.State, error)
	Remove(sector int, ownerID string) (bool, error)
	Pop(sector int, ownerID string) (*garrison.State, error)
}

// SalvageStore is the loot-container port.
type SalvageStore interface {
	Create(sector int, victorID string, cargo shared.Cargo, scrap, credits int, ttl time.Duration) (*salvage.Container, error)
	Claim(salvageID, claimedBy string) *salvage.Container
	ListSector(sector int) []*salvage.Container
}

// EventSink pushes event frames to connected characters.
type EventSink interface {
	EmitToCharacter(characterID, event string, payload map[string]interface{})
	EmitToCharacters(characterIDs []string, event string, payload map[string]interface{})
}

// GarrisonSource links a garrison combatant id back to its stationed record
// so resolved losses can be written through. Carried on the encounter
// context.
type GarrisonSource struct {
	Sector  int
	OwnerID string
}

// ServiceConfig tunes the glue layer.
type ServiceConfig struct {
	SalvageTTL time.Duration
}

// Service wires sectors, encounters, garrisons and salvage together: it owns
// the manager callbacks, runs the garrison AI each round, writes resolved
// losses back to ships and stationed garrisons, and drops salvage on defeat.
type Service struct {
	manager    *Manager
	characters CharacterRepository
	garrisons  GarrisonStore
	salvage    SalvageStore
	events     EventSink
	clock      shared.Clock
	salvageTTL time.Duration
}

// NewService creates the glue service and installs itself as the manager's
// callback set.
func NewService(manager *Manager, characters CharacterRepository, garrisons GarrisonStore, salvageStore SalvageStore, events EventSink, clock shared.Clock, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = shared.NewRealClock()
	}
	s := &Service{
		manager:    manager,
		characters: characters,
		garrisons:  garrisons,
		salvage:    salvageStore,
		events:     events,
		clock:      clock,
		salvageTTL: cfg.SalvageTTL,
	}
	manager.SetCallbacks(Callbacks{
		RoundWaiting:  s.onRoundWaiting,
		RoundResolved: s.onRoundResolved,
		CombatEnded:   s.onCombatEnded,
	})
	return s
}

// InitiateCombat starts an encounter between the character and a target in
// the same sector. targetType is "character" (default) or "garrison", where
// targetID names the garrison's owner.
func (s *Service) InitiateCombat(ctx context.Context, characterID, targetID, targetType string) (*combat.Encounter, error) {
	if targetID == "" {
		return nil, shared.NewValidationError("target_id", "target id is required")
	}
	if targetID == characterID {
		return nil, shared.NewValidationError("target_id", "cannot attack yourself")
	}
	if existing := s.manager.FindEncounterFor(characterID); existing != nil {
		return nil, shared.NewDuplicateEncounterError(existing.CombatID)
	}

	attacker, err := s.characters.FindByID(ctx, characterID)
	if err != nil {
		return nil, err
	}
	attackerCombatant, err := s.combatantForCharacter(ctx, attacker)
	if err != nil {
		return nil, err
	}

	sources := make(map[string]GarrisonSource)
	var target *combat.Combatant
	switch targetType {
	case "garrison":
		stationed := s.garrisons.Find(attacker.Sector, targetID)
		if stationed == nil {
			return nil, shared.NewNotFoundError("garrison", targetID)
		}
		target, err = s.combatantForGarrison(ctx, stationed)
		if err != nil {
			return nil, err
		}
		sources[target.ID] = GarrisonSource{Sector: attacker.Sector, OwnerID: targetID}
	case "", "character":
		defender, err := s.characters.FindByID(ctx, targetID)
		if err != nil {
			return nil, err
		}
		if defender.Sector != attacker.Sector {
			return nil, shared.NewValidationError("target_id",
				fmt.Sprintf("%s is not in sector %d", defender.Name, attacker.Sector))
		}
		target, err = s.combatantForCharacter(ctx, defender)
		if err != nil {
			return nil, err
		}
	default:
		return nil, shared.NewValidationError("target_type", fmt.Sprintf("unknown target type %q", targetType))
	}

	encounter, err := combat.NewEncounter(newCombatID(), attacker.Sector, attackerCombatant, target)
	if err != nil {
		return nil, err
	}
	encounter.Context[combat.ContextGarrisonSources] = sources
	encounter.Context["initiator"] = characterID

	if err := s.manager.StartEncounter(encounter, true); err != nil {
		return nil, err
	}
	common.LoggerFromContext(ctx).Log("info", "encounter started", map[string]interface{}{
		"combat_id": encounter.CombatID,
		"sector":    attacker.Sector,
		"initiator": characterID,
		"target":    targetID,
	})
	s.recordTollDemands(encounter.CombatID, sources)
	return s.manager.FindEncounterFor(characterID), nil
}

// MoveResult reports a movement request's outcome to the caller.
type MoveResult struct {
	FromSector  int    `json:"from_sector"`
	ToSector    int    `json:"to_sector"`
	Intercepted bool   `json:"intercepted"`
	CombatID    string `json:"combat_id,omitempty"`
}

// MoveCharacter relocates a character and runs garrison interception in the
// destination sector. Hostile garrisons (offensive or toll mode, not allied
// with the mover) open an encounter on arrival.
func (s *Service) MoveCharacter(ctx context.Context, characterID string, toSector int) (*MoveResult, error) {
	if toSector <= 0 {
		return nil, shared.NewValidationError("to_sector", "destination sector must be positive")
	}
	if s.manager.FindEncounterFor(characterID) != nil {
		return nil, shared.NewStateError("cannot move while in combat; flee instead")
	}
	character, err := s.characters.FindByID(ctx, characterID)
	if err != nil {
		return nil, err
	}
	fromSector := character.Sector
	if fromSector == toSector {
		return nil, shared.NewValidationError("to_sector", "already in that sector")
	}

	s.emitMovement(ctx, character, "depart", fromSector, toSector)
	character.Sector = toSector
	if err := s.characters.Save(ctx, character); err != nil {
		return nil, err
	}
	s.emitMovement(ctx, character, "arrive", fromSector, toSector)

	result := &MoveResult{FromSector: fromSector, ToSector: toSector}
	combatID, err := s.interceptArrival(ctx, character)
	if err != nil {
		log.Printf("garrison interception failed for %s in sector %d: %v", characterID, toSector, err)
	} else if combatID != "" {
		result.Intercepted = true
		result.CombatID = combatID
		common.LoggerFromContext(ctx).Log("info", "arrival intercepted by garrison", map[string]interface{}{
			"combat_id": combatID,
			"character": characterID,
			"sector":    toSector,
		})
	}

	s.events.EmitToCharacter(characterID, eventMovementComplete, map[string]interface{}{
		"from_sector": fromSector,
		"to_sector":   toSector,
		"intercepted": result.Intercepted,
	})
	return result, nil
}

// SubmitCombatAction validates and forwards one participant action. The
// "pay" pseudo-action settles a toll instead of entering the round.
func (s *Service) SubmitCombatAction(ctx context.Context, combatID, characterID, action string, commit int, targetID string, toSector int) (*combat.RoundOutcome, error) {
	combatantID, err := s.combatantIDFor(combatID, characterID)
	if err != nil {
		return nil, err
	}
	if action == "pay" {
		if err := s.payToll(ctx, combatID, characterID); err != nil {
			return nil, err
		}
		action = string(combat.ActionBrace)
		commit = 0
		targetID = ""
	}

	var actionType combat.ActionType
	switch action {
	case string(combat.ActionAttack):
		actionType = combat.ActionAttack
	case string(combat.ActionBrace):
		actionType = combat.ActionBrace
	case string(combat.ActionFlee):
		actionType = combat.ActionFlee
	default:
		return nil, shared.NewValidationError("action", fmt.Sprintf("unknown action %q", action))
	}

	outcome, err := s.manager.SubmitAction(combatID, combatantID, actionType, commit, targetID, toSector)
	if err != nil {
		return nil, err
	}
	s.events.EmitToCharacter(characterID, eventCombatActionAccepted, map[string]interface{}{
		"combat_id": combatID,
		"action":    action,
		"commit":    commit,
	})
	return outcome, nil
}

// DeployFighters moves fighters from the character's ship into a stationed
// garrison in the character's current sector.
func (s *Service) DeployFighters(ctx context.Context, characterID string, sector, quantity int, mode garrison.Mode, tollAmount int) (*garrison.State, error) {
	if quantity <= 0 {
		return nil, shared.NewValidationError("quantity", "quantity must be positive")
	}
	character, ship, err := s.characterAndShip(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if sector == 0 {
		sector = character.Sector
	}
	if sector != character.Sector {
		return nil, shared.NewValidationError("sector", "fighters can only be deployed in the current sector")
	}
	if ship.Fighters < quantity {
		return nil, shared.NewValidationError("quantity",
			fmt.Sprintf("ship has %d fighters, cannot deploy %d", ship.Fighters, quantity))
	}

	state, err := s.garrisons.Deploy(sector, characterID, quantity, mode, tollAmount)
	if err != nil {
		return nil, err
	}
	ship.Fighters -= quantity
	if err := s.characters.SaveShip(ctx, ship); err != nil {
		return nil, err
	}
	return state, nil
}

// CollectFighters moves fighters from the character's garrison back onto the
// ship, bounded by the ship's remaining capacity.
func (s *Service) CollectFighters(ctx context.Context, characterID string, sector, quantity int) (*garrison.State, error) {
	character, ship, err := s.characterAndShip(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if sector == 0 {
		sector = character.Sector
	}
	if sector != character.Sector {
		return nil, shared.NewValidationError("sector", "fighters can only be collected in the current sector")
	}
	stationed := s.garrisons.Find(sector, characterID)
	if stationed == nil {
		return nil, shared.NewNotFoundError("garrison", characterID)
	}

	room := ship.MaxFighters - ship.Fighters
	take := quantity
	if take <= 0 || take > stationed.Fighters {
		take = stationed.Fighters
	}
	if take > room {
		take = room
	}
	if take <= 0 {
		return nil, shared.NewValidationError("quantity", "ship has no room for more fighters")
	}

	remaining, err := s.garrisons.AdjustFighters(sector, characterID, -take)
	if err != nil {
		return nil, err
	}
	ship.Fighters += take
	if err := s.characters.SaveShip(ctx, ship); err != nil {
		return nil, err
	}
	return remaining, nil
}

// SetGarrisonMode changes the stationed garrison's mode and toll amount.
func (s *Service) SetGarrisonMode(ctx context.Context, characterID string, sector int, mode garrison.Mode, tollAmount int) (*garrison.State, error) {
	if sector == 0 {
		character, err := s.characters.FindByID(ctx, characterID)
		if err != nil {
			return nil, err
		}
		sector = character.Sector
	}
	state, err := s.garrisons.SetMode(sector, characterID, mode, tollAmount)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, shared.NewNotFoundError("garrison", characterID)
	}
	return state, nil
}

// CollectSalvage claims a container and transfers its contents to the
// character.
func (s *Service) CollectSalvage(ctx context.Context, characterID, salvageID string) (*salvage.Container, error) {
	character, ship, err := s.characterAndShip(ctx, characterID)
	if err != nil {
		return nil, err
	}
	container := s.salvage.Claim(salvageID, characterID)
	if container == nil {
		return nil, shared.NewNotFoundError("salvage", salvageID)
	}

	if ship.Cargo == nil {
		ship.Cargo = shared.Cargo{}
	}
	for _, commodity := range container.Cargo.Commodities() {
		ship.Cargo.Add(commodity, container.Cargo.Units(commodity))
	}
	character.Credits += container.Credits + container.Scrap
	if err := s.characters.SaveShip(ctx, ship); err != nil {
		return nil, err
	}
	if err := s.characters.Save(ctx, character); err != nil {
		return nil, err
	}

	s.emitToSector(ctx, container.Sector, eventSalvageCollected, map[string]interface{}{
		"salvage_id":      container.SalvageID,
		"sector":          float64(container.Sector),
		"collected_by":    character.Name,
		"cargo":           cargoPayload(container.Cargo),
		"credits":         float64(container.Credits),
		"scrap":           float64(container.Scrap),
		"fully_collected": true,
	})
	return container, nil
}

// CargoItem is one dump_cargo line.
type CargoItem struct {
	Commodity string `json:"commodity"`
	Units     int    `json:"units"`
}

// DumpCargo jettisons cargo into a fresh salvage container in the
// character's sector.
func (s *Service) DumpCargo(ctx context.Context, characterID string, items []CargoItem) (*salvage.Container, error) {
	if len(items) == 0 {
		return nil, shared.NewValidationError("items", "nothing to dump")
	}
	character, ship, err := s.characterAndShip(ctx, characterID)
	if err != nil {
		return nil, err
	}

	dumped := shared.Cargo{}
	for _, item := range items {
		if item.Units <= 0 {
			return nil, shared.NewValidationError("items", "units must be positive")
		}
		if ship.Cargo.Units(item.Commodity) < item.Units {
			return nil, shared.NewValidationError("items",
				fmt.Sprintf("ship carries %d units of %s", ship.Cargo.Units(item.Commodity), item.Commodity))
		}
		dumped.Add(item.Commodity, item.Units)
	}
	for _, item := range items {
		if err := ship.Cargo.Remove(item.Commodity, item.Units); err != nil {
			return nil, err
		}
	}
	if err := s.characters.SaveShip(ctx, ship); err != nil {
		return nil, err
	}

	container, err := s.salvage.Create(character.Sector, "", dumped, 0, 0, s.salvageTTL)
	if err != nil {
		return nil, err
	}
	s.emitToSector(ctx, container.Sector, eventSalvageCreated, salvagePayload(container))
	return container, nil
}

// MapRegion builds a local snapshot of the character's sector: occupants,
// stationed garrisons and drifting salvage. The same payload is pushed to
// the caller as a map.region event so queue-based consumers see it too.
func (s *Service) MapRegion(ctx context.Context, characterID string) (map[string]interface{}, error) {
	character, err := s.characters.FindByID(ctx, characterID)
	if err != nil {
		return nil, err
	}

	occupants, err := s.characters.ListInSector(ctx, character.Sector)
	if err != nil {
		return nil, err
	}
	players := make([]interface{}, 0, len(occupants))
	for _, occupant := range occupants {
		players = append(players, map[string]interface{}{"id": occupant.ID, "name": occupant.Name})
	}

	garrisons := make([]interface{}, 0)
	for _, stationed := range s.garrisons.ListSector(character.Sector) {
		garrisons = append(garrisons, map[string]interface{}{
			"owner_id":    stationed.OwnerID,
			"fighters":    float64(stationed.Fighters),
			"mode":        string(stationed.Mode),
			"toll_amount": float64(stationed.TollAmount),
		})
	}

	containers := make([]interface{}, 0)
	for _, container := range s.salvage.ListSector(character.Sector) {
		containers = append(containers, salvagePayload(container))
	}

	payload := map[string]interface{}{
		"sector":    map[string]interface{}{"id": float64(character.Sector)},
		"players":   players,
		"garrisons": garrisons,
		"salvage":   containers,
	}
	s.events.EmitToCharacter(characterID, "map.region", payload)
	return payload, nil
}

// Status builds the character's player+ship+sector snapshot.
func (s *Service) Status(ctx context.Context, characterID string) (map[string]interface{}, error) {
	character, ship, err := s.characterAndShip(ctx, characterID)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"player": map[string]interface{}{
			"id":             character.ID,
			"name":           character.Name,
			"credits":        float64(character.Credits),
			"corporation_id": character.CorporationID,
		},
		"ship": map[string]interface{}{
			"ship_name":     ship.Name,
			"fighters":      float64(ship.Fighters),
			"shields":       float64(ship.Shields),
			"max_fighters":  float64(ship.MaxFighters),
			"max_shields":   float64(ship.MaxShields),
			"is_escape_pod": ship.IsEscapePod,
			"cargo":         cargoPayload(ship.Cargo),
		},
		"sector": map[string]interface{}{"id": float64(character.Sector)},
	}
	if encounter := s.manager.FindEncounterFor(characterID); encounter != nil {
		payload["combat_id"] = encounter.CombatID
	}
	return payload, nil
}

// Manager callbacks. All run outside the manager lock.

// onRoundWaiting announces the round to participating characters and lets
// stationed garrisons submit their actions.
func (s *Service) onRoundWaiting(encounter *combat.Encounter) error {
	ctx := context.Background()
	payload := s.roundWaitingPayload(encounter)
	s.events.EmitToCharacters(recipientsOf(encounter), eventCombatRoundWaiting, payload)
	s.runGarrisonAI(ctx, encounter)
	return nil
}

func (s *Service) onRoundResolved(encounter *combat.Encounter, outcome *combat.RoundOutcome) error {
	ctx := context.Background()
	s.writeBackLosses(ctx, encounter, outcome)
	payload := s.roundResolvedPayload(encounter, outcome)
	s.events.EmitToCharacters(recipientsOf(encounter), eventCombatRoundResolved, payload)
	return nil
}

func (s *Service) onCombatEnded(encounter *combat.Encounter, outcome *combat.RoundOutcome) error {
	ctx := context.Background()
	containers := s.dropSalvage(ctx, encounter, outcome)

	payload := s.roundResolvedPayload(encounter, outcome)
	payload["result"] = encounter.EndState
	payload["logs"] = logLines(encounter)
	salvageEntries := make([]interface{}, 0, len(containers))
	for _, container := range containers {
		salvageEntries = append(salvageEntries, salvagePayload(container))
	}
	payload["salvage"] = salvageEntries
	s.events.EmitToCharacters(recipientsOf(encounter), eventCombatEnded, payload)
	return nil
}

// runGarrisonAI decides and submits actions for every garrison participant.
func (s *Service) runGarrisonAI(ctx context.Context, encounter *combat.Encounter) {
	modes := make(map[string]garrison.Mode)
	for combatantID, source := range garrisonSourcesOf(encounter) {
		if stationed := s.garrisons.Find(source.Sector, source.OwnerID); stationed != nil {
			modes[combatantID] = stationed.Mode
		}
	}
	if len(modes) == 0 {
		return
	}
	corporations, err := s.characters.CorporationMap(ctx)
	if err != nil {
		log.Printf("combat %s: corporation lookup failed, garrisons treat everyone as hostile: %v", encounter.CombatID, err)
		corporations = nil
	}

	for combatantID, action := range garrison.Decide(encounter, modes, corporations) {
		if _, err := s.manager.SubmitAction(encounter.CombatID, combatantID, action.Action, action.Commit, action.TargetID, 0); err != nil {
			log.Printf("combat %s: garrison %s action rejected: %v", encounter.CombatID, combatantID, err)
		}
	}
}

// writeBackLosses pushes resolved fighters and shields into ships and
// stationed garrisons, and relocates successful fleers.
func (s *Service) writeBackLosses(ctx context.Context, encounter *combat.Encounter, outcome *combat.RoundOutcome) {
	sources := garrisonSourcesOf(encounter)
	for combatantID, remaining := range outcome.FightersRemaining {
		if source, ok := sources[combatantID]; ok {
			stationed := s.garrisons.Find(source.Sector, source.OwnerID)
			if stationed == nil {
				continue
			}
			if _, err := s.garrisons.AdjustFighters(source.Sector, source.OwnerID, remaining-stationed.Fighters); err != nil {
				log.Printf("combat %s: garrison writeback failed for %s: %v", encounter.CombatID, combatantID, err)
			}
			continue
		}

		ship, err := s.characters.FindShip(ctx, combatantID)
		if err != nil {
			log.Printf("combat %s: ship writeback failed for %s: %v", encounter.CombatID, combatantID, err)
			continue
		}
		ship.ApplyCombatLosses(remaining, outcome.ShieldsRemaining[combatantID])
		if err := s.characters.SaveShip(ctx, ship); err != nil {
			log.Printf("combat %s: ship save failed for %s: %v", encounter.CombatID, combatantID, err)
		}
	}

	for combatantID, flee := range outcome.FleeResults {
		if !flee.Success || flee.DestinationSector <= 0 {
			continue
		}
		if _, ok := sources[combatantID]; ok {
			continue
		}
		character, err := s.characters.FindByID(ctx, combatantID)
		if err != nil {
			continue
		}
		character.Sector = flee.DestinationSector
		if err := s.characters.Save(ctx, character); err != nil {
			log.Printf("combat %s: flee relocation failed for %s: %v", encounter.CombatID, combatantID, err)
		}
	}
}

// dropSalvage converts each defeated character's cargo and hull into a
// container in the sector, and swaps the wreck for an escape pod.
func (s *Service) dropSalvage(ctx context.Context, encounter *combat.Encounter, outcome *combat.RoundOutcome) []*salvage.Container {
	sources := garrisonSourcesOf(encounter)
	victorID := ""
	for combatantID, remaining := range outcome.FightersRemaining {
		if remaining <= 0 {
			continue
		}
		if flee, ok := outcome.FleeResults[combatantID]; ok && flee.Success {
			continue
		}
		if _, isGarrison := sources[combatantID]; !isGarrison {
			victorID = combatantID
		}
	}

	var containers []*salvage.Container
	for combatantID, remaining := range outcome.FightersRemaining {
		if remaining > 0 {
			continue
		}
		if _, isGarrison := sources[combatantID]; isGarrison {
			continue
		}
		if flee, ok := outcome.FleeResults[combatantID]; ok && flee.Success {
			continue
		}
		if !strings.HasSuffix(encounter.EndState, "_defeated") && encounter.EndState != combat.EndStateMutualDefeat && encounter.EndState != combat.EndStateVictory {
			continue
		}

		ship, err := s.characters.FindShip(ctx, combatantID)
		if err != nil {
			continue
		}
		if ship.Cargo.IsEmpty() && ship.ScrapValue == 0 {
			ship.ToEscapePod()
			if err := s.characters.SaveShip(ctx, ship); err != nil {
				log.Printf("combat %s: escape pod swap failed for %s: %v", encounter.CombatID, combatantID, err)
			}
			continue
		}

		container, err := s.salvage.Create(encounter.SectorID, victorID, ship.Cargo.Clone(), ship.ScrapValue, 0, s.salvageTTL)
		if err != nil {
			log.Printf("combat %s: salvage creation failed for %s: %v", encounter.CombatID, combatantID, err)
			continue
		}
		containers = append(containers, container)
		s.emitToSector(ctx, encounter.SectorID, eventSalvageCreated, salvagePayload(container))

		ship.ToEscapePod()
		if err := s.characters.SaveShip(ctx, ship); err != nil {
			log.Printf("combat %s: escape pod swap failed for %s: %v", encounter.CombatID, combatantID, err)
		}
	}
	return containers
}

// interceptArrival opens or joins an encounter when hostile garrisons hold
// the sector the character just entered.
func (s *Service) interceptArrival(ctx context.Context, character *world.Character) (string, error) {
	corporations, err := s.characters.CorporationMap(ctx)
	if err != nil {
		corporations = nil
	}

	var hostiles []*garrison.State
	for _, stationed := range s.garrisons.ListSector(character.Sector) {
		if stationed.Fighters <= 0 || stationed.OwnerID == character.ID {
			continue
		}
		if corporations != nil && corporations[stationed.OwnerID] != "" &&
			corporations[stationed.OwnerID] == corporations[character.ID] {
			continue
		}
		s.events.EmitToCharacter(stationed.OwnerID, eventGarrisonCharacterMoved, map[string]interface{}{
			"sector":         float64(character.Sector),
			"character_id":   character.ID,
			"character_name": character.Name,
		})
		if stationed.Mode == garrison.ModeOffensive || stationed.Mode == garrison.ModeToll {
			hostiles = append(hostiles, stationed)
		}
	}
	if len(hostiles) == 0 {
		return "", nil
	}

	arriving, err := s.combatantForCharacter(ctx, character)
	if err != nil {
		return "", err
	}

	if existing := s.manager.FindEncounterInSector(character.Sector); existing != nil && !existing.Ended {
		if err := s.manager.AddParticipant(existing.CombatID, arriving); err != nil {
			return "", err
		}
		return existing.CombatID, nil
	}

	participants := []*combat.Combatant{arriving}
	sources := make(map[string]GarrisonSource, len(hostiles))
	for _, stationed := range hostiles {
		combatant, err := s.combatantForGarrison(ctx, stationed)
		if err != nil {
			return "", err
		}
		participants = append(participants, combatant)
		sources[combatant.ID] = GarrisonSource{Sector: character.Sector, OwnerID: stationed.OwnerID}
	}

	encounter, err := combat.NewEncounter(newCombatID(), character.Sector, participants...)
	if err != nil {
		return "", err
	}
	encounter.Context[combat.ContextGarrisonSources] = sources

	for _, stationed := range hostiles {
		s.events.EmitToCharacter(stationed.OwnerID, eventGarrisonCombatAlert, map[string]interface{}{
			"sector":     float64(character.Sector),
			"owner_name": stationed.OwnerID,
			"intruder":   character.Name,
		})
	}
	if err := s.manager.StartEncounter(encounter, true); err != nil {
		return "", err
	}
	s.recordTollDemands(encounter.CombatID, sources)
	return encounter.CombatID, nil
}

// payToll settles every unpaid toll demand in the character's encounter:
// credits move to the garrison owner and the registry entry flips to paid.
func (s *Service) payToll(ctx context.Context, combatID, characterID string) error {
	encounter := s.manager.FindEncounterFor(characterID)
	if encounter == nil || encounter.CombatID != combatID {
		return shared.NewNotFoundError("encounter", combatID)
	}
	payer, err := s.characters.FindByID(ctx, characterID)
	if err != nil {
		return err
	}

	sources := garrisonSourcesOf(encounter)
	paidAny := false
	for combatantID, source := range sources {
		if !encounter.HasParticipant(combatantID) {
			continue
		}
		stationed := s.garrisons.Find(source.Sector, source.OwnerID)
		if stationed == nil || stationed.Mode != garrison.ModeToll {
			continue
		}
		amount := stationed.TollAmount
		if demand, ok := encounter.TollRegistry()[combatantID]; ok {
			if demand.Paid {
				continue
			}
			if demand.Amount > 0 {
				amount = demand.Amount
			}
		}
		if payer.Credits < amount {
			return shared.NewValidationError("credits",
				fmt.Sprintf("toll is %d credits, character has %d", amount, payer.Credits))
		}

		payer.Credits -= amount
		owner, err := s.characters.FindByID(ctx, source.OwnerID)
		if err == nil {
			owner.Credits += amount
			if err := s.characters.Save(ctx, owner); err != nil {
				return err
			}
		}
		if err := s.manager.MarkTollPaid(combatID, combatantID, characterID); err != nil {
			return err
		}
		paidAny = true
	}
	if !paidAny {
		return shared.NewStateError("no unpaid toll demand in this encounter")
	}
	return s.characters.Save(ctx, payer)
}

// recordTollDemands seeds the toll registry for toll-mode garrisons so the
// demand amount survives mode changes mid-encounter.
func (s *Service) recordTollDemands(combatID string, sources map[string]GarrisonSource) {
	for combatantID, source := range sources {
		stationed := s.garrisons.Find(source.Sector, source.OwnerID)
		if stationed == nil || stationed.Mode != garrison.ModeToll {
			continue
		}
		if err := s.manager.RecordTollDemand(combatID, combatantID, stationed.TollAmount, 1); err != nil {
			log.Printf("combat %s: toll demand record failed for %s: %v", combatID, combatantID, err)
		}
	}
}

// combatantIDFor maps a character to their combatant id in the encounter,
// covering garrison owners acting for their garrison.
func (s *Service) combatantIDFor(combatID, characterID string) (string, error) {
	encounter := s.manager.FindEncounterFor(characterID)
	if encounter != nil && encounter.CombatID == combatID {
		return characterID, nil
	}
	completed := s.manager.CompletedEncounter(combatID)
	if completed != nil && completed.HasParticipant(characterID) {
		return characterID, nil
	}
	if completed != nil {
		return "", shared.NewEncounterEndedError(combatID)
	}
	return "", shared.NewNotFoundError("encounter", combatID)
}

func (s *Service) characterAndShip(ctx context.Context, characterID string) (*world.Character, *world.Ship, error) {
	character, err := s.characters.FindByID(ctx, characterID)
	if err != nil {
		return nil, nil, err
	}
	ship, err := s.characters.FindShip(ctx, characterID)
	if err != nil {
		return nil, nil, err
	}
	return character, ship, nil
}

func (s *Service) combatantForCharacter(ctx context.Context, character *world.Character) (*combat.Combatant, error) {
	ship, err := s.characters.FindShip(ctx, character.ID)
	if err != nil {
		return nil, err
	}
	combatant, err := combat.NewCombatant(character.ID, combat.KindCharacter, character.Name,
		ship.Fighters, ship.Shields, ship.MaxFighters, ship.MaxShields, ship.TurnsPerWarp)
	if err != nil {
		return nil, err
	}
	combatant.IsEscapePod = ship.IsEscapePod
	return combatant, nil
}

func (s *Service) combatantForGarrison(ctx context.Context, stationed *garrison.State) (*combat.Combatant, error) {
	name := stationed.OwnerID
	if owner, err := s.characters.FindByID(ctx, stationed.OwnerID); err == nil {
		name = owner.Name
	}
	combatant, err := combat.NewCombatant("garrison-"+stationed.OwnerID, combat.KindGarrison,
		fmt.Sprintf("%s's garrison", name), stationed.Fighters, 0, stationed.Fighters, 0, 0)
	if err != nil {
		return nil, err
	}
	combatant.OwnerCharacterID = stationed.OwnerID
	return combatant, nil
}

// emitMovement pushes one character.moved leg to everyone in the affected
// sector. The mover's own client suppresses these.
func (s *Service) emitMovement(ctx context.Context, character *world.Character, movement string, fromSector, toSector int) {
	sector := fromSector
	if movement == "arrive" {
		sector = toSector
	}
	payload := map[string]interface{}{
		"player":      map[string]interface{}{"id": character.ID, "name": character.Name},
		"movement":    movement,
		"from_sector": float64(fromSector),
		"to_sector":   float64(toSector),
	}
	s.emitToSector(ctx, sector, eventCharacterMoved, payload)
}

func (s *Service) emitToSector(ctx context.Context, sector int, event string, payload map[string]interface{}) {
	occupants, err := s.characters.ListInSector(ctx, sector)
	if err != nil {
		log.Printf("sector %d: occupant lookup failed, dropping %s: %v", sector, event, err)
		return
	}
	ids := make([]string, 0, len(occupants))
	for _, occupant := range occupants {
		ids = append(ids, occupant.ID)
	}
	s.events.EmitToCharacters(ids, event, payload)
}

// Payload builders.

func (s *Service) roundWaitingPayload(encounter *combat.Encounter) map[string]interface{} {
	payload := map[string]interface{}{
		"combat_id":    encounter.CombatID,
		"sector":       map[string]interface{}{"id": float64(encounter.SectorID)},
		"round":        float64(encounter.RoundNumber),
		"current_time": s.clock.Now().UTC().Format(time.RFC3339),
		"deadline":     encounter.Deadline.UTC().Format(time.RFC3339),
		"participants": participantsPayload(encounter, nil),
		"garrison":     garrisonPayload(encounter),
	}
	if encounter.RoundNumber == 1 {
		if initiator, ok := encounter.Context["initiator"].(string); ok {
			payload["initiator"] = initiator
		}
	}
	return payload
}

func (s *Service) roundResolvedPayload(encounter *combat.Encounter, outcome *combat.RoundOutcome) map[string]interface{} {
	actions := make(map[string]interface{}, len(outcome.EffectiveActions))
	for id, action := range outcome.EffectiveActions {
		entry := map[string]interface{}{
			"action": string(action.Action),
			"commit": float64(action.Commit),
		}
		if action.TargetID != "" {
			entry["target_id"] = action.TargetID
		}
		if action.TimedOut {
			entry["timed_out"] = true
		}
		actions[id] = entry
	}

	fleeResults := make(map[string]interface{}, len(outcome.FleeResults))
	for id, flee := range outcome.FleeResults {
		fleeResults[id] = map[string]interface{}{
			"success":   flee.Success,
			"to_sector": float64(flee.DestinationSector),
		}
	}

	payload := map[string]interface{}{
		"combat_id":    encounter.CombatID,
		"sector":       map[string]interface{}{"id": float64(encounter.SectorID)},
		"round":        float64(outcome.RoundNumber),
		"participants": participantsPayload(encounter, outcome),
		"garrison":     garrisonPayload(encounter),
		"actions":      actions,
		"flee_results": fleeResults,
	}
	if outcome.EndState != "" {
		payload["end"] = outcome.EndState
	}
	return payload
}

// participantsPayload renders the participant array. With an outcome it adds
// the per-round loss deltas; fled participants are reconstructed from the
// outcome maps since they are already gone from the snapshot.
func participantsPayload(encounter *combat.Encounter, outcome *combat.RoundOutcome) []interface{} {
	entries := make([]interface{}, 0, len(encounter.Participants))
	appendEntry := func(id string, p *combat.Combatant) {
		entry := map[string]interface{}{
			"id":   id,
			"kind": "character",
		}
		if p != nil {
			entry["name"] = p.Name
			entry["kind"] = string(p.Kind)
			entry["fighters"] = float64(p.Fighters)
			entry["shields"] = float64(p.Shields)
			if p.OwnerCharacterID != "" {
				entry["owner_character_id"] = p.OwnerCharacterID
			}
		}
		if outcome != nil {
			entry["fighters"] = float64(outcome.FightersRemaining[id])
			entry["shields"] = float64(outcome.ShieldsRemaining[id])
			entry["fighter_loss"] = float64(outcome.OffensiveLosses[id] + outcome.DefensiveLosses[id])
			entry["shield_damage"] = float64(outcome.ShieldLoss[id])
			entry["hits"] = float64(outcome.Hits[id])
		}
		entries = append(entries, entry)
	}

	seen := make(map[string]bool, len(encounter.Participants))
	for _, id := range encounter.ParticipantIDs() {
		seen[id] = true
		appendEntry(id, encounter.Participants[id])
	}
	if outcome != nil {
		for id := range outcome.FightersRemaining {
			if !seen[id] {
				appendEntry(id, nil)
			}
		}
	}
	return entries
}

// garrisonPayload renders the first garrison participant, or nil.
func garrisonPayload(encounter *combat.Encounter) interface{} {
	for _, id := range encounter.ParticipantIDs() {
		p := encounter.Participants[id]
		if p.Kind != combat.KindGarrison {
			continue
		}
		entry := map[string]interface{}{
			"id":         id,
			"owner_id":   p.OwnerCharacterID,
			"owner_name": p.Name,
			"fighters":   float64(p.Fighters),
		}
		if demand, ok := encounter.TollRegistry()[id]; ok {
			entry["mode"] = string(garrison.ModeToll)
			entry["toll_amount"] = float64(demand.Amount)
			entry["toll_paid"] = demand.Paid
		}
		return entry
	}
	return nil
}

func salvagePayload(container *salvage.Container) map[string]interface{} {
	return map[string]interface{}{
		"salvage_id": container.SalvageID,
		"sector":     float64(container.Sector),
		"victor_id":  container.VictorID,
		"cargo":      cargoPayload(container.Cargo),
		"scrap":      float64(container.Scrap),
		"credits":    float64(container.Credits),
		"expires_at": container.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func cargoPayload(cargo shared.Cargo) map[string]interface{} {
	payload := make(map[string]interface{}, len(cargo))
	for _, commodity := range cargo.Commodities() {
		payload[commodity] = float64(cargo.Units(commodity))
	}
	return payload
}

func logLines(encounter *combat.Encounter) []interface{} {
	lines := make([]interface{}, 0, len(encounter.Logs))
	for _, entry := range encounter.Logs {
		suffix := ""
		if entry.Outcome.EndState != "" {
			suffix = ": " + entry.Outcome.EndState
		}
		lines = append(lines, fmt.Sprintf("round %d resolved%s", entry.Round, suffix))
	}
	return lines
}

func recipientsOf(encounter *combat.Encounter) []string {
	ids := make([]string, 0, len(encounter.Participants))
	for _, id := range encounter.ParticipantIDs() {
		p := encounter.Participants[id]
		if p.Kind == combat.KindGarrison {
			if p.OwnerCharacterID != "" {
				ids = append(ids, p.OwnerCharacterID)
			}
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func garrisonSourcesOf(encounter *combat.Encounter) map[string]GarrisonSource {
	if sources, ok := encounter.Context[combat.ContextGarrisonSources].(map[string]GarrisonSource); ok {
		return sources
	}
	return map[string]GarrisonSource{}
}

func newCombatID() string {
	return "combat-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
