package combat_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
)

func newCombatant(t *testing.T, id string, fighters, shields int) *combat.Combatant {
	t.Helper()
	c, err := combat.NewCombatant(id, combat.KindCharacter, id, fighters, shields, fighters, shields, 3)
	require.NoError(t, err)
	return c
}

func newEncounter(t *testing.T, combatID string, participants ...*combat.Combatant) *combat.Encounter {
	t.Helper()
	enc, err := combat.NewEncounter(combatID, 7, participants...)
	require.NoError(t, err)
	enc.Deadline = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	return enc
}

func attack(commit int, targetID string) *combat.RoundAction {
	return &combat.RoundAction{Action: combat.ActionAttack, Commit: commit, TargetID: targetID}
}

func brace() *combat.RoundAction {
	return &combat.RoundAction{Action: combat.ActionBrace}
}

func TestResolveRound_DeterministicForSameInputs(t *testing.T) {
	// Arrange
	actions := map[string]*combat.RoundAction{
		"alice": attack(40, "bob"),
		"bob":   attack(35, "alice"),
	}

	// Act - resolve the identical snapshot twice
	first := combat.ResolveRound(
		newEncounter(t, "combat-det",
			newCombatant(t, "alice", 100, 200),
			newCombatant(t, "bob", 80, 150)),
		actions)
	second := combat.ResolveRound(
		newEncounter(t, "combat-det",
			newCombatant(t, "alice", 100, 200),
			newCombatant(t, "bob", 80, 150)),
		actions)

	// Assert
	assert.Equal(t, first.Hits, second.Hits)
	assert.Equal(t, first.FightersRemaining, second.FightersRemaining)
	assert.Equal(t, first.ShieldsRemaining, second.ShieldsRemaining)
	assert.Equal(t, first.EndState, second.EndState)
}

func TestResolveRound_DifferentSeedsDiverge(t *testing.T) {
	// Same forces, different combat ids. The per-volley rolls differ, so at
	// least one tally should differ.
	actions := map[string]*combat.RoundAction{
		"alice": attack(60, "bob"),
		"bob":   attack(60, "alice"),
	}
	first := combat.ResolveRound(
		newEncounter(t, "combat-seed-a",
			newCombatant(t, "alice", 100, 0),
			newCombatant(t, "bob", 100, 0)),
		actions)
	second := combat.ResolveRound(
		newEncounter(t, "combat-seed-b",
			newCombatant(t, "alice", 100, 0),
			newCombatant(t, "bob", 100, 0)),
		actions)

	identical := assert.ObjectsAreEqual(first.Hits, second.Hits) &&
		assert.ObjectsAreEqual(first.OffensiveLosses, second.OffensiveLosses) &&
		assert.ObjectsAreEqual(first.FightersRemaining, second.FightersRemaining)
	assert.False(t, identical, "different seeds should produce different volley outcomes")
}

func TestResolveRound_FighterConservation(t *testing.T) {
	// Every starting fighter is either remaining, lost attacking, or lost
	// defending.
	enc := newEncounter(t, "combat-conserve",
		newCombatant(t, "alice", 120, 50),
		newCombatant(t, "bob", 90, 40),
		newCombatant(t, "carol", 70, 0))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": attack(80, "bob"),
		"bob":   attack(50, "carol"),
		"carol": attack(70, "alice"),
	})

	for _, id := range enc.ParticipantIDs() {
		start := enc.Participants[id].Fighters
		total := outcome.FightersRemaining[id] + outcome.OffensiveLosses[id] + outcome.DefensiveLosses[id]
		assert.Equal(t, start, total, "fighters not conserved for %s", id)
	}
}

func TestResolveRound_NeverMutatesEncounter(t *testing.T) {
	enc := newEncounter(t, "combat-pure",
		newCombatant(t, "alice", 100, 50),
		newCombatant(t, "bob", 100, 50))

	combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": attack(100, "bob"),
		"bob":   attack(100, "alice"),
	})

	assert.Equal(t, 100, enc.Participants["alice"].Fighters)
	assert.Equal(t, 50, enc.Participants["alice"].Shields)
	assert.Equal(t, 100, enc.Participants["bob"].Fighters)
}

func TestResolveRound_NormalizesInvalidAttacks(t *testing.T) {
	tests := []struct {
		name   string
		action *combat.RoundAction
	}{
		{"zero commit", attack(0, "bob")},
		{"self target", attack(10, "alice")},
		{"unknown target", attack(10, "ghost")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc := newEncounter(t, "combat-norm",
				newCombatant(t, "alice", 50, 0),
				newCombatant(t, "bob", 50, 0))
			outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
				"alice": tc.action,
				"bob":   brace(),
			})

			assert.Equal(t, combat.ActionBrace, outcome.EffectiveActions["alice"].Action)
			assert.Equal(t, combat.EndStateStalemate, outcome.EndState)
		})
	}
}

func TestResolveRound_ClampsCommitToFighters(t *testing.T) {
	enc := newEncounter(t, "combat-clamp",
		newCombatant(t, "alice", 10, 0),
		newCombatant(t, "bob", 500, 500))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": attack(9999, "bob"),
		"bob":   brace(),
	})

	assert.Equal(t, combat.ActionAttack, outcome.EffectiveActions["alice"].Action)
	assert.Equal(t, 10, outcome.EffectiveActions["alice"].Commit)
}

func TestResolveRound_MissingActionDefaultsToTimedOutBrace(t *testing.T) {
	enc := newEncounter(t, "combat-default",
		newCombatant(t, "alice", 50, 0),
		newCombatant(t, "bob", 50, 0))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": brace(),
	})

	require.NotNil(t, outcome.EffectiveActions["bob"])
	assert.Equal(t, combat.ActionBrace, outcome.EffectiveActions["bob"].Action)
	assert.True(t, outcome.EffectiveActions["bob"].TimedOut)
}

func TestResolveRound_MutualBraceIsStalemate(t *testing.T) {
	enc := newEncounter(t, "combat-stale",
		newCombatant(t, "alice", 50, 10),
		newCombatant(t, "bob", 50, 10))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": brace(),
		"bob":   brace(),
	})

	assert.Equal(t, combat.EndStateStalemate, outcome.EndState)
	assert.Equal(t, 50, outcome.FightersRemaining["alice"])
	assert.Equal(t, 50, outcome.FightersRemaining["bob"])
}

func TestResolveRound_OverwhelmingAttackDefeatsTarget(t *testing.T) {
	enc := newEncounter(t, "combat-rout",
		newCombatant(t, "alice", 400, 0),
		newCombatant(t, "bob", 1, 0))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": attack(400, "bob"),
		"bob":   brace(),
	})

	assert.Equal(t, combat.DefeatedEndState("bob"), outcome.EndState)
	assert.Equal(t, 0, outcome.FightersRemaining["bob"])
	assert.True(t, combat.IsTerminalEndState(outcome.EndState))
}

func TestResolveRound_FleeAttemptIsRecorded(t *testing.T) {
	enc := newEncounter(t, "combat-flee",
		newCombatant(t, "alice", 100, 0),
		newCombatant(t, "bob", 20, 0))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": brace(),
		"bob":   {Action: combat.ActionFlee, DestinationSector: 12},
	})

	flee := outcome.FleeResults["bob"]
	require.NotNil(t, flee)
	assert.Equal(t, 12, flee.DestinationSector)
	if flee.Success {
		assert.Equal(t, combat.FledEndState("bob"), outcome.EndState)
	} else {
		assert.Equal(t, combat.EndStateStalemate, outcome.EndState)
	}
}

func TestResolveRound_ShieldsOnlyDecrease(t *testing.T) {
	enc := newEncounter(t, "combat-shields",
		newCombatant(t, "alice", 200, 300),
		newCombatant(t, "bob", 200, 300))
	outcome := combat.ResolveRound(enc, map[string]*combat.RoundAction{
		"alice": attack(150, "bob"),
		"bob":   attack(150, "alice"),
	})

	for _, id := range enc.ParticipantIDs() {
		assert.LessOrEqual(t, outcome.ShieldsRemaining[id], 300)
		assert.GreaterOrEqual(t, outcome.ShieldsRemaining[id], 0)
		assert.Equal(t, 300-outcome.ShieldsRemaining[id], outcome.ShieldLoss[id])
	}
}

func TestShieldAblation_BraceDiscountAppliesAfterRounding(t *testing.T) {
	// Half a point per hit, rounded up
	assert.Equal(t, 3, combat.ShieldAblation(5, 100, combat.ActionAttack))
	assert.Equal(t, 2, combat.ShieldAblation(4, 100, combat.ActionAttack))
	assert.Equal(t, 1, combat.ShieldAblation(1, 100, combat.ActionAttack))

	// The brace discount applies to the already-rounded loss and rounds up
	// again: ceil(5 * 0.5) = 3, then ceil(3 * 0.8) = 3
	assert.Equal(t, 3, combat.ShieldAblation(5, 100, combat.ActionBrace))
	assert.Equal(t, 2, combat.ShieldAblation(4, 100, combat.ActionBrace))
	assert.Equal(t, 1, combat.ShieldAblation(1, 100, combat.ActionBrace))
	assert.Equal(t, 0, combat.ShieldAblation(0, 100, combat.ActionBrace))

	// Loss is capped at the shields available
	assert.Equal(t, 1, combat.ShieldAblation(5, 1, combat.ActionBrace))
	assert.Equal(t, 0, combat.ShieldAblation(5, 0, combat.ActionAttack))
}

func TestIsTerminalEndState(t *testing.T) {
	assert.True(t, combat.IsTerminalEndState(combat.EndStateStalemate))
	assert.True(t, combat.IsTerminalEndState(combat.EndStateMutualDefeat))
	assert.True(t, combat.IsTerminalEndState(combat.EndStateVictory))
	assert.True(t, combat.IsTerminalEndState(combat.DefeatedEndState("bob")))
	assert.True(t, combat.IsTerminalEndState(combat.FledEndState("bob")))
	assert.False(t, combat.IsTerminalEndState(""))
	assert.False(t, combat.IsTerminalEndState("round_waiting"))
}

func TestSeedFromCombatID_Stable(t *testing.T) {
	assert.Equal(t, combat.SeedFromCombatID("combat-x"), combat.SeedFromCombatID("combat-x"))
	assert.NotEqual(t, combat.SeedFromCombatID("combat-x"), combat.SeedFromCombatID("combat-y"))
}
