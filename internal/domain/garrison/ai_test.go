package garrison_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/garrison"
)

func character(t *testing.T, id string, fighters int) *combat.Combatant {
	t.Helper()
	c, err := combat.NewCombatant(id, combat.KindCharacter, id, fighters, 50, fighters, 50, 3)
	require.NoError(t, err)
	return c
}

func garrisonCombatant(t *testing.T, id, ownerID string, fighters int) *combat.Combatant {
	t.Helper()
	g, err := combat.NewCombatant(id, combat.KindGarrison, id, fighters, 0, fighters, 0, 0)
	require.NoError(t, err)
	g.OwnerCharacterID = ownerID
	return g
}

func encounterWith(t *testing.T, participants ...*combat.Combatant) *combat.Encounter {
	t.Helper()
	enc, err := combat.NewEncounter("combat-ai", 9, participants...)
	require.NoError(t, err)
	return enc
}

func TestDecide_OffensiveCommitsHalfWithFloor(t *testing.T) {
	enc := encounterWith(t,
		garrisonCombatant(t, "garrison-owner", "owner", 1000),
		character(t, "intruder", 400))

	decisions := garrison.Decide(enc, map[string]garrison.Mode{"garrison-owner": garrison.ModeOffensive}, nil)

	action := decisions["garrison-owner"]
	require.NotNil(t, action)
	assert.Equal(t, combat.ActionAttack, action.Action)
	assert.Equal(t, 500, action.Commit)
	assert.Equal(t, "intruder", action.TargetID)
}

func TestDecide_CommitFloors(t *testing.T) {
	tests := []struct {
		name     string
		mode     garrison.Mode
		fighters int
		want     int
	}{
		{"offensive floor", garrison.ModeOffensive, 60, 50},
		{"offensive scales", garrison.ModeOffensive, 200, 100},
		{"defensive floor", garrison.ModeDefensive, 60, 25},
		{"defensive scales", garrison.ModeDefensive, 400, 100},
		{"commit never exceeds fighters", garrison.ModeOffensive, 30, 30},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			enc := encounterWith(t,
				garrisonCombatant(t, "garrison-owner", "owner", tc.fighters),
				character(t, "intruder", 100))

			decisions := garrison.Decide(enc, map[string]garrison.Mode{"garrison-owner": tc.mode}, nil)

			assert.Equal(t, tc.want, decisions["garrison-owner"].Commit)
		})
	}
}

func TestDecide_UnknownModeDefaultsToDefensive(t *testing.T) {
	enc := encounterWith(t,
		garrisonCombatant(t, "garrison-owner", "owner", 400),
		character(t, "intruder", 100))

	decisions := garrison.Decide(enc, map[string]garrison.Mode{}, nil)

	assert.Equal(t, combat.ActionAttack, decisions["garrison-owner"].Action)
	assert.Equal(t, 100, decisions["garrison-owner"].Commit)
}

func TestDecide_NeverTargetsOwnerOrAlliedGarrison(t *testing.T) {
	enc := encounterWith(t,
		garrisonCombatant(t, "garrison-owner", "owner", 300),
		character(t, "owner", 200))

	decisions := garrison.Decide(enc, map[string]garrison.Mode{"garrison-owner": garrison.ModeOffensive}, nil)

	// Only the owner is present: nothing to shoot at
	assert.Equal(t, combat.ActionBrace, decisions["garrison-owner"].Action)
	assert.Zero(t, decisions["garrison-owner"].Commit)
}

func TestDecide_CorporationMatesAreAllies(t *testing.T) {
	enc := encounterWith(t,
		garrisonCombatant(t, "garrison-owner", "owner", 300),
		character(t, "mate", 200))

	corporationOf := map[string]string{"owner": "corp-1", "mate": "corp-1"}
	decisions := garrison.Decide(enc, map[string]garrison.Mode{"garrison-owner": garrison.ModeOffensive}, corporationOf)

	assert.Equal(t, combat.ActionBrace, decisions["garrison-owner"].Action)
}

func TestDecide_TargetsLargestEnemy(t *testing.T) {
	enc := encounterWith(t,
		garrisonCombatant(t, "garrison-owner", "owner", 300),
		character(t, "small", 50),
		character(t, "big", 250))

	decisions := garrison.Decide(enc, map[string]garrison.Mode{"garrison-owner": garrison.ModeOffensive}, nil)

	assert.Equal(t, "big", decisions["garrison-owner"].TargetID)
}

func TestDecide_TollLifecycle(t *testing.T) {
	garrisonID := "garrison-owner"
	modes := map[string]garrison.Mode{garrisonID: garrison.ModeToll}

	// Round 1 (demand round): stand down while demanding
	enc := encounterWith(t,
		garrisonCombatant(t, garrisonID, "owner", 600),
		character(t, "intruder", 100))
	enc.TollRegistry()[garrisonID] = &combat.TollDemand{GarrisonID: garrisonID, Amount: 500, DemandRound: 1}

	decisions := garrison.Decide(enc, modes, nil)
	assert.Equal(t, combat.ActionBrace, decisions[garrisonID].Action)

	// Round 2, unpaid: attack with everything
	enc.RoundNumber = 2
	decisions = garrison.Decide(enc, modes, nil)
	assert.Equal(t, combat.ActionAttack, decisions[garrisonID].Action)
	assert.Equal(t, 600, decisions[garrisonID].Commit)
	assert.Equal(t, "intruder", decisions[garrisonID].TargetID)

	// Round 3, paid: stand down again
	enc.RoundNumber = 3
	enc.TollRegistry()[garrisonID].Paid = true
	decisions = garrison.Decide(enc, modes, nil)
	assert.Equal(t, combat.ActionBrace, decisions[garrisonID].Action)
}

func TestDecide_IgnoresCharacterParticipants(t *testing.T) {
	enc := encounterWith(t,
		character(t, "alice", 100),
		character(t, "bob", 100))

	decisions := garrison.Decide(enc, nil, nil)

	assert.Empty(t, decisions)
}
