package combat

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// Context keys carried on an encounter for higher layers.
const (
	ContextTollRegistry    = "toll_registry"
	ContextGarrisonSources = "garrison_sources"
)

// TollDemand records one toll-mode garrison's demand inside an encounter.
type TollDemand struct {
	GarrisonID  string
	Amount      int
	DemandRound int
	Paid        bool
	PaidBy      string
}

// RoundLog is one resolved round record, retained in memory for the life of
// the encounter.
type RoundLog struct {
	Round      int
	Outcome    *RoundOutcome
	ResolvedAt time.Time
}

// Encounter is the unit of combat coordination: all participants fighting in
// one sector under one combat id. The combat manager exclusively owns each
// Encounter; everyone else sees clones.
type Encounter struct {
	CombatID       string
	SectorID       int
	Participants   map[string]*Combatant
	RoundNumber    int
	Deadline       time.Time
	BaseSeed       int64
	PendingActions map[string]*RoundAction
	Logs           []*RoundLog
	Ended          bool
	EndState       string
	Context        map[string]interface{}
}

// NewEncounter creates an encounter in round 1 with no pending actions.
// BaseSeed is derived from the combat id so replays are deterministic.
func NewEncounter(combatID string, sectorID int, participants ...*Combatant) (*Encounter, error) {
	if combatID == "" {
		return nil, shared.NewValidationError("combat_id", "combat id cannot be empty")
	}
	if len(participants) < 2 {
		return nil, shared.NewValidationError("participants", "an encounter needs at least two participants")
	}

	byID := make(map[string]*Combatant, len(participants))
	for _, p := range participants {
		if _, dup := byID[p.ID]; dup {
			return nil, shared.NewValidationError("participants", fmt.Sprintf("duplicate combatant id %s", p.ID))
		}
		byID[p.ID] = p
	}

	return &Encounter{
		CombatID:       combatID,
		SectorID:       sectorID,
		Participants:   byID,
		RoundNumber:    1,
		BaseSeed:       SeedFromCombatID(combatID),
		PendingActions: make(map[string]*RoundAction),
		Context:        make(map[string]interface{}),
	}, nil
}

// SeedFromCombatID derives the deterministic base seed for an encounter.
func SeedFromCombatID(combatID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(combatID))
	return int64(h.Sum64())
}

// ParticipantIDs returns all combatant ids in ascending order.
func (e *Encounter) ParticipantIDs() []string {
	ids := make([]string, 0, len(e.Participants))
	for id := range e.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Opponents returns every participant other than the given one, in ascending
// id order.
func (e *Encounter) Opponents(combatantID string) []*Combatant {
	opponents := make([]*Combatant, 0, len(e.Participants))
	for _, id := range e.ParticipantIDs() {
		if id != combatantID {
			opponents = append(opponents, e.Participants[id])
		}
	}
	return opponents
}

// HasParticipant reports whether a combatant is part of the encounter.
func (e *Encounter) HasParticipant(combatantID string) bool {
	_, ok := e.Participants[combatantID]
	return ok
}

// TollRegistry returns the toll demands recorded on this encounter, creating
// the registry on first access.
func (e *Encounter) TollRegistry() map[string]*TollDemand {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	if registry, ok := e.Context[ContextTollRegistry].(map[string]*TollDemand); ok {
		return registry
	}
	registry := make(map[string]*TollDemand)
	e.Context[ContextTollRegistry] = registry
	return registry
}

// Clone returns a deep snapshot of the encounter. Logs share outcome values
// because outcomes are never mutated after resolution.
func (e *Encounter) Clone() *Encounter {
	participants := make(map[string]*Combatant, len(e.Participants))
	for id, p := range e.Participants {
		participants[id] = p.Clone()
	}
	pending := make(map[string]*RoundAction, len(e.PendingActions))
	for id, a := range e.PendingActions {
		pending[id] = a.Clone()
	}
	logs := make([]*RoundLog, len(e.Logs))
	copy(logs, e.Logs)
	context := make(map[string]interface{}, len(e.Context))
	for k, v := range e.Context {
		context[k] = v
	}

	return &Encounter{
		CombatID:       e.CombatID,
		SectorID:       e.SectorID,
		Participants:   participants,
		RoundNumber:    e.RoundNumber,
		Deadline:       e.Deadline,
		BaseSeed:       e.BaseSeed,
		PendingActions: pending,
		Logs:           logs,
		Ended:          e.Ended,
		EndState:       e.EndState,
		Context:        context,
	}
}
