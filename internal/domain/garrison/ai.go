package garrison

import (
	"sort"

	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
)

// Commit sizing floors per mode.
const (
	offensiveFloor = 50
	defensiveFloor = 25
	tollFloor      = 50
)

// Decide computes each garrison participant's action for the encounter's
// current round. It is pure: the encounter is never mutated, and the caller
// submits the returned actions through the combat manager.
//
// modes maps garrison combatant id -> stationed mode. corporationOf, when
// non-nil, maps character combatant id -> corporation id and widens the ally
// filter from same-owner to same-corporation.
func Decide(encounter *combat.Encounter, modes map[string]Mode, corporationOf map[string]string) map[string]*combat.RoundAction {
	decisions := make(map[string]*combat.RoundAction)

	for _, id := range encounter.ParticipantIDs() {
		g := encounter.Participants[id]
		if g.Kind != combat.KindGarrison {
			continue
		}
		mode, ok := modes[id]
		if !ok {
			mode = ModeDefensive
		}
		decisions[id] = decideOne(encounter, g, mode, corporationOf)
	}

	return decisions
}

func decideOne(encounter *combat.Encounter, g *combat.Combatant, mode Mode, corporationOf map[string]string) *combat.RoundAction {
	now := encounter.Deadline
	if g.Fighters == 0 {
		return &combat.RoundAction{Action: combat.ActionBrace, Commit: 0, SubmittedAt: now}
	}

	target := pickTarget(encounter, g, corporationOf)
	if target == nil {
		// No enemies present: stand down.
		return &combat.RoundAction{Action: combat.ActionBrace, Commit: 0, SubmittedAt: now}
	}

	if mode == ModeToll {
		return decideToll(encounter, g, target)
	}

	return &combat.RoundAction{
		Action:      combat.ActionAttack,
		Commit:      commitSize(mode, g.Fighters),
		TargetID:    target.ID,
		SubmittedAt: now,
	}
}

// decideToll braces on the demand round, braces once paid, and otherwise
// attacks with everything.
func decideToll(encounter *combat.Encounter, g *combat.Combatant, target *combat.Combatant) *combat.RoundAction {
	now := encounter.Deadline
	demand := encounter.TollRegistry()[g.ID]

	demandRound := 1
	if demand != nil && demand.DemandRound > 0 {
		demandRound = demand.DemandRound
	}
	if encounter.RoundNumber == demandRound {
		return &combat.RoundAction{Action: combat.ActionBrace, Commit: 0, SubmittedAt: now}
	}
	if demand != nil && demand.Paid {
		return &combat.RoundAction{Action: combat.ActionBrace, Commit: 0, SubmittedAt: now}
	}
	return &combat.RoundAction{
		Action:      combat.ActionAttack,
		Commit:      g.Fighters,
		TargetID:    target.ID,
		SubmittedAt: now,
	}
}

// pickTarget selects the enemy with the most fighters, ties broken by
// ascending combatant id. Allies (same owner, or same corporation when a
// corporation map is supplied) are never targeted.
func pickTarget(encounter *combat.Encounter, g *combat.Combatant, corporationOf map[string]string) *combat.Combatant {
	enemies := make([]*combat.Combatant, 0, len(encounter.Participants))
	for _, candidate := range encounter.Opponents(g.ID) {
		if isAlly(g, candidate, corporationOf) {
			continue
		}
		enemies = append(enemies, candidate)
	}
	if len(enemies) == 0 {
		return nil
	}
	sort.Slice(enemies, func(i, j int) bool {
		if enemies[i].Fighters != enemies[j].Fighters {
			return enemies[i].Fighters > enemies[j].Fighters
		}
		return enemies[i].ID < enemies[j].ID
	})
	return enemies[0]
}

func isAlly(g *combat.Combatant, candidate *combat.Combatant, corporationOf map[string]string) bool {
	if candidate.ID == g.OwnerCharacterID {
		return true
	}
	if candidate.Kind == combat.KindGarrison && candidate.OwnerCharacterID == g.OwnerCharacterID {
		return true
	}
	if corporationOf != nil {
		ownerCorp, ownerOK := corporationOf[g.OwnerCharacterID]
		candidateCorp, candidateOK := corporationOf[candidate.ID]
		if ownerOK && candidateOK && ownerCorp == candidateCorp {
			return true
		}
	}
	return false
}

// commitSize applies the per-mode sizing rules.
func commitSize(mode Mode, fighters int) int {
	var sized int
	switch mode {
	case ModeOffensive:
		sized = maxInt(offensiveFloor, fighters/2)
	case ModeDefensive:
		sized = maxInt(defensiveFloor, fighters/4)
	case ModeToll:
		sized = maxInt(tollFloor, fighters/3)
	default:
		sized = maxInt(defensiveFloor, fighters/4)
	}
	if sized > fighters {
		sized = fighters
	}
	if sized < 1 {
		sized = 1
	}
	return sized
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
