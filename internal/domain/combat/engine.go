package combat

import (
	"math"
	"math/rand"
	"sort"
)

// Hit and mitigation tuning. Mitigation is a fraction of incoming volleys
// absorbed by shields, boosted when bracing.
const (
	mitigationPerShield = 0.0005
	mitigationCap       = 0.5
	braceMitigationMul  = 1.2

	baseHitChance    = 0.5
	targetMitWeight  = 0.6
	selfMitWeight    = 0.1
	minHitChance     = 0.15
	maxHitChance     = 0.85

	baseFleeChance   = 0.5
	fleeAgilityStep  = 0.1
	minFleeChance    = 0.2
	maxFleeChance    = 0.9

	shieldLossPerHit = 0.5
	braceShieldMul   = 0.8
)

// ResolveRound resolves one combat round. It is a pure function of the
// encounter snapshot, the action map and the encounter's (seed, round): the
// same inputs always produce the same outcome. It never mutates its inputs
// and never fails; invalid actions are normalized to braces. Participants
// with no entry in actions default to a timed-out brace.
func ResolveRound(encounter *Encounter, actions map[string]*RoundAction) *RoundOutcome {
	rng := rand.New(rand.NewSource(encounter.BaseSeed + int64(encounter.RoundNumber)))
	outcome := newRoundOutcome(encounter.RoundNumber)

	ids := encounter.ParticipantIDs()

	// Working copies. The encounter itself stays untouched.
	fighters := make(map[string]int, len(ids))
	shields := make(map[string]int, len(ids))
	for _, id := range ids {
		p := encounter.Participants[id]
		fighters[id] = p.Fighters
		shields[id] = p.Shields
	}

	effective := normalizeActions(encounter, ids, actions, fighters)
	for id, action := range effective {
		outcome.EffectiveActions[id] = action
	}

	mitigation := make(map[string]float64, len(ids))
	for _, id := range ids {
		mitigation[id] = shieldMitigation(shields[id], effective[id].Action)
	}

	// Flee phase. Fled participants leave the active set immediately.
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}
	firstFleer := ""
	for _, id := range ids {
		action := effective[id]
		if action.Action != ActionFlee {
			continue
		}
		defender := largestOpponent(encounter, ids, active, id, fighters)
		chance := baseFleeChance
		if defender != nil {
			chance += fleeAgilityStep * float64(defender.TurnsPerWarp-encounter.Participants[id].TurnsPerWarp)
		}
		chance = clampFloat(chance, minFleeChance, maxFleeChance)
		success := rng.Float64() < chance
		outcome.FleeResults[id] = &FleeResult{Success: success, DestinationSector: action.DestinationSector}
		if success {
			active[id] = false
			if firstFleer == "" {
				firstFleer = id
			}
		}
	}

	// Attacks are void when the target left the active set.
	attackers := viableAttackers(ids, active, effective, fighters)

	if len(attackers) == 0 {
		finalize(outcome, ids, fighters, shields, effective)
		if firstFleer != "" {
			outcome.EndState = FledEndState(firstFleer)
		} else {
			outcome.EndState = EndStateStalemate
		}
		return outcome
	}

	// Volley interleaving: each pass, every attacker with commit left sends
	// one fighter at its target.
	sort.Slice(attackers, func(i, j int) bool {
		a, b := attackers[i], attackers[j]
		if fighters[a] != fighters[b] {
			return fighters[a] < fighters[b]
		}
		pa, pb := encounter.Participants[a], encounter.Participants[b]
		if pa.TurnsPerWarp != pb.TurnsPerWarp {
			return pa.TurnsPerWarp < pb.TurnsPerWarp
		}
		return a < b
	})

	remaining := make(map[string]int, len(attackers))
	for _, id := range attackers {
		remaining[id] = effective[id].Commit
	}

	for {
		volleyed := false
		for _, attacker := range attackers {
			if remaining[attacker] <= 0 || fighters[attacker] <= 0 || !active[attacker] {
				continue
			}
			target := effective[attacker].TargetID
			if !active[target] || fighters[target] <= 0 {
				remaining[attacker] = 0
				continue
			}
			remaining[attacker]--
			volleyed = true

			chance := clampFloat(
				baseHitChance-mitigation[target]*targetMitWeight+mitigation[attacker]*selfMitWeight,
				minHitChance, maxHitChance,
			)
			if rng.Float64() < chance {
				outcome.Hits[attacker]++
				outcome.DefensiveLosses[target]++
				fighters[target]--
			} else {
				outcome.OffensiveLosses[attacker]++
				fighters[attacker]--
			}
		}
		if !volleyed {
			break
		}
	}

	// Shield ablation from hits taken this round.
	for _, id := range ids {
		loss := ShieldAblation(outcome.DefensiveLosses[id], shields[id], effective[id].Action)
		outcome.ShieldLoss[id] = loss
		shields[id] -= loss
	}

	finalize(outcome, ids, fighters, shields, effective)
	outcome.EndState = classifyEndState(ids, active, fighters, outcome)
	return outcome
}

// normalizeActions fills defaults and rewrites invalid attacks to braces.
func normalizeActions(encounter *Encounter, ids []string, actions map[string]*RoundAction, fighters map[string]int) map[string]*RoundAction {
	effective := make(map[string]*RoundAction, len(ids))
	for _, id := range ids {
		submitted, ok := actions[id]
		if !ok || submitted == nil {
			effective[id] = NewBraceAction(true, encounter.Deadline)
			continue
		}
		action := submitted.Clone()
		if action.Action == ActionAttack {
			target, known := encounter.Participants[action.TargetID]
			if action.Commit <= 0 || !known || target.ID == id {
				action.Action = ActionBrace
				action.Commit = 0
				action.TargetID = ""
			} else if action.Commit > fighters[id] {
				action.Commit = fighters[id]
			}
			if action.Action == ActionAttack && action.Commit <= 0 {
				action.Action = ActionBrace
				action.TargetID = ""
			}
		}
		effective[id] = action
	}
	return effective
}

// ShieldAblation converts hits taken into shield loss: half a point per hit,
// rounded up, then the brace discount applied to the rounded loss and rounded
// up again. Loss never exceeds the shields available.
func ShieldAblation(defensiveLosses, shields int, action ActionType) int {
	loss := int(math.Ceil(float64(defensiveLosses) * shieldLossPerHit))
	if action == ActionBrace {
		loss = int(math.Ceil(float64(loss) * braceShieldMul))
	}
	if loss > shields {
		loss = shields
	}
	return loss
}

// shieldMitigation converts a shield count into the incoming-hit reduction
// fraction, boosted for braced participants.
func shieldMitigation(shields int, action ActionType) float64 {
	mit := clampFloat(mitigationPerShield*float64(shields), 0, mitigationCap)
	if action == ActionBrace {
		mit = clampFloat(mit*braceMitigationMul, 0, mitigationCap)
	}
	return mit
}

// largestOpponent picks the fleer's pursuer: the active opponent with the
// most fighters, ties broken by ascending combatant id.
func largestOpponent(encounter *Encounter, ids []string, active map[string]bool, fleerID string, fighters map[string]int) *Combatant {
	var best *Combatant
	for _, id := range ids {
		if id == fleerID || !active[id] {
			continue
		}
		candidate := encounter.Participants[id]
		if best == nil || fighters[id] > fighters[best.ID] {
			best = candidate
		}
	}
	return best
}

// viableAttackers lists active attackers whose commit and target both
// survived the flee phase, unsorted.
func viableAttackers(ids []string, active map[string]bool, effective map[string]*RoundAction, fighters map[string]int) []string {
	attackers := make([]string, 0, len(ids))
	for _, id := range ids {
		action := effective[id]
		if !active[id] || action.Action != ActionAttack || action.Commit <= 0 || fighters[id] <= 0 {
			continue
		}
		if !active[action.TargetID] {
			continue
		}
		attackers = append(attackers, id)
	}
	return attackers
}

func finalize(outcome *RoundOutcome, ids []string, fighters, shields map[string]int, effective map[string]*RoundAction) {
	for _, id := range ids {
		outcome.FightersRemaining[id] = fighters[id]
		outcome.ShieldsRemaining[id] = shields[id]
	}
}

// classifyEndState applies the terminal-state rules after volleys.
func classifyEndState(ids []string, active map[string]bool, fighters map[string]int, outcome *RoundOutcome) string {
	anyFled := false
	fledWithFighters := false
	livingNotFled := make([]string, 0, len(ids))
	for _, id := range ids {
		if !active[id] {
			anyFled = true
			if fighters[id] > 0 {
				fledWithFighters = true
			}
			continue
		}
		if fighters[id] > 0 {
			livingNotFled = append(livingNotFled, id)
		}
	}

	switch len(livingNotFled) {
	case 0:
		if anyFled && fledWithFighters {
			return EndStateStalemate
		}
		return EndStateMutualDefeat
	case 1:
		survivor := livingNotFled[0]
		others := make([]string, 0, len(ids)-1)
		allOthersFled := true
		for _, id := range ids {
			if id == survivor {
				continue
			}
			others = append(others, id)
			if active[id] {
				allOthersFled = false
			}
		}
		if allOthersFled {
			return EndStateStalemate
		}
		if len(others) == 1 {
			return DefeatedEndState(others[0])
		}
		return EndStateVictory
	default:
		return ""
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
