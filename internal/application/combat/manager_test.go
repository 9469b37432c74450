package combat_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcombat "github.com/rvelazquez/sectorwars-go/internal/application/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// callbackRecorder captures the manager's lifecycle callbacks in order.
type callbackRecorder struct {
	mu     sync.Mutex
	events []string
	ended  chan struct{}
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{ended: make(chan struct{})}
}

func (r *callbackRecorder) callbacks() appcombat.Callbacks {
	return appcombat.Callbacks{
		RoundWaiting: func(enc *combat.Encounter) error {
			r.record("waiting")
			return nil
		},
		RoundResolved: func(enc *combat.Encounter, outcome *combat.RoundOutcome) error {
			r.record("resolved")
			return nil
		},
		CombatEnded: func(enc *combat.Encounter, outcome *combat.RoundOutcome) error {
			r.record("ended")
			close(r.ended)
			return nil
		},
	}
}

func (r *callbackRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *callbackRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func testCombatant(t *testing.T, id string, fighters int) *combat.Combatant {
	t.Helper()
	c, err := combat.NewCombatant(id, combat.KindCharacter, id, fighters, 100, fighters, 100, 3)
	require.NoError(t, err)
	return c
}

func testEncounter(t *testing.T, combatID string, participants ...*combat.Combatant) *combat.Encounter {
	t.Helper()
	enc, err := combat.NewEncounter(combatID, 5, participants...)
	require.NoError(t, err)
	return enc
}

func newTestManager(recorder *callbackRecorder, timeout time.Duration) *appcombat.Manager {
	return appcombat.NewManager(
		appcombat.ManagerConfig{RoundTimeout: timeout},
		recorder.callbacks(), nil, nil)
}

func TestManager_StartEncounter_RejectsDuplicate(t *testing.T) {
	m := newTestManager(newCallbackRecorder(), time.Minute)

	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-1", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), false))
	err := m.StartEncounter(
		testEncounter(t, "combat-1", testCombatant(t, "carol", 100), testCombatant(t, "dave", 100)), false)

	var dup *shared.DuplicateEncounterError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManager_SubmitAction_ResolvesOnQuorum(t *testing.T) {
	m := newTestManager(newCallbackRecorder(), time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-q", testCombatant(t, "alice", 1000), testCombatant(t, "bob", 1000)), false))

	// First submission does not resolve
	outcome, err := m.SubmitAction("combat-q", "alice", combat.ActionAttack, 1, "bob", 0)
	require.NoError(t, err)
	assert.Nil(t, outcome)

	// Second submission completes the quorum and resolves immediately
	outcome, err = m.SubmitAction("combat-q", "bob", combat.ActionAttack, 1, "alice", 0)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, 1, outcome.RoundNumber)

	// With one-fighter commits nobody can reach zero, so the encounter
	// continues into round 2
	enc := m.FindEncounterFor("alice")
	require.NotNil(t, enc)
	assert.Equal(t, 2, enc.RoundNumber)
}

func TestManager_SubmitAction_OverwriteBeforeQuorum(t *testing.T) {
	m := newTestManager(newCallbackRecorder(), time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-ow", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), false))

	_, err := m.SubmitAction("combat-ow", "alice", combat.ActionAttack, 50, "bob", 0)
	require.NoError(t, err)
	_, err = m.SubmitAction("combat-ow", "alice", combat.ActionBrace, 0, "", 0)
	require.NoError(t, err)

	outcome, err := m.SubmitAction("combat-ow", "bob", combat.ActionBrace, 0, "", 0)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	// Both ended up bracing, so the round is a terminal stalemate
	assert.Equal(t, combat.EndStateStalemate, outcome.EndState)
}

func TestManager_SubmitAction_InvalidTarget(t *testing.T) {
	m := newTestManager(newCallbackRecorder(), time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-it", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), false))

	_, err := m.SubmitAction("combat-it", "alice", combat.ActionAttack, 10, "alice", 0)
	var invalid *shared.InvalidTargetError
	require.ErrorAs(t, err, &invalid)

	_, err = m.SubmitAction("combat-it", "alice", combat.ActionAttack, 10, "ghost", 0)
	require.ErrorAs(t, err, &invalid)
}

func TestManager_SubmitAction_AfterEndReturnsEndedError(t *testing.T) {
	recorder := newCallbackRecorder()
	m := newTestManager(recorder, time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-end", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), false))

	// Mutual brace stalemates the encounter
	_, err := m.SubmitAction("combat-end", "alice", combat.ActionBrace, 0, "", 0)
	require.NoError(t, err)
	outcome, err := m.SubmitAction("combat-end", "bob", combat.ActionBrace, 0, "", 0)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.True(t, combat.IsTerminalEndState(outcome.EndState))

	_, err = m.SubmitAction("combat-end", "alice", combat.ActionBrace, 0, "", 0)
	var ended *shared.EncounterEndedError
	require.ErrorAs(t, err, &ended)

	// The encounter moved to the completed table
	assert.Equal(t, 0, m.ActiveCount())
	completed := m.CompletedEncounter("combat-end")
	require.NotNil(t, completed)
	assert.True(t, completed.Ended)

	select {
	case <-recorder.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("combat_ended callback never fired")
	}
}

func TestManager_DeadlineResolvesWithTimedOutBraces(t *testing.T) {
	recorder := newCallbackRecorder()
	m := newTestManager(recorder, 30*time.Millisecond)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-dl", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), true))

	// Nobody submits; the deadline defaults both to braces, which is a
	// terminal stalemate
	select {
	case <-recorder.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never resolved the round")
	}

	completed := m.CompletedEncounter("combat-dl")
	require.NotNil(t, completed)
	require.Len(t, completed.Logs, 1)
	outcome := completed.Logs[0].Outcome
	assert.True(t, outcome.EffectiveActions["alice"].TimedOut)
	assert.True(t, outcome.EffectiveActions["bob"].TimedOut)
	assert.Equal(t, combat.EndStateStalemate, outcome.EndState)
}

func TestManager_CallbackOrder(t *testing.T) {
	recorder := newCallbackRecorder()
	m := newTestManager(recorder, time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-cb", testCombatant(t, "alice", 1000), testCombatant(t, "bob", 1000)), true))

	_, err := m.SubmitAction("combat-cb", "alice", combat.ActionAttack, 1, "bob", 0)
	require.NoError(t, err)
	_, err = m.SubmitAction("combat-cb", "bob", combat.ActionAttack, 1, "alice", 0)
	require.NoError(t, err)

	// waiting(1) on start, resolved(1), then waiting(2) for the next round
	assert.Equal(t, []string{"waiting", "resolved", "waiting"}, recorder.snapshot())
}

func TestManager_AddParticipant_ReannouncesRound(t *testing.T) {
	recorder := newCallbackRecorder()
	m := newTestManager(recorder, time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-join", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), true))

	require.NoError(t, m.AddParticipant("combat-join", testCombatant(t, "carol", 100)))

	enc := m.FindEncounterFor("carol")
	require.NotNil(t, enc)
	assert.Len(t, enc.Participants, 3)
	assert.Equal(t, []string{"waiting", "waiting"}, recorder.snapshot())

	// Joining twice is a state error
	err := m.AddParticipant("combat-join", testCombatant(t, "carol", 100))
	var state *shared.StateError
	require.ErrorAs(t, err, &state)
}

func TestManager_TollDemandAndPayment(t *testing.T) {
	m := newTestManager(newCallbackRecorder(), time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-toll", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), false))

	require.NoError(t, m.RecordTollDemand("combat-toll", "garrison-bob", 500, 0))

	enc := m.FindEncounterFor("alice")
	require.NotNil(t, enc)
	demand := enc.TollRegistry()["garrison-bob"]
	require.NotNil(t, demand)
	assert.Equal(t, 500, demand.Amount)
	assert.Equal(t, 1, demand.DemandRound)
	assert.False(t, demand.Paid)

	require.NoError(t, m.MarkTollPaid("combat-toll", "garrison-bob", "alice"))
	demand = m.FindEncounterFor("alice").TollRegistry()["garrison-bob"]
	require.NotNil(t, demand)
	assert.True(t, demand.Paid)
	assert.Equal(t, "alice", demand.PaidBy)

	// Unknown encounters are rejected
	var notFound *shared.NotFoundError
	require.ErrorAs(t, m.RecordTollDemand("combat-miss", "g", 1, 1), &notFound)
	require.ErrorAs(t, m.MarkTollPaid("combat-miss", "g", "alice"), &notFound)
}

func TestManager_CancelEncounter(t *testing.T) {
	m := newTestManager(newCallbackRecorder(), time.Minute)
	require.NoError(t, m.StartEncounter(
		testEncounter(t, "combat-cx", testCombatant(t, "alice", 100), testCombatant(t, "bob", 100)), false))

	m.CancelEncounter("combat-cx")

	assert.Equal(t, 0, m.ActiveCount())
	assert.Nil(t, m.FindEncounterFor("alice"))
	var notFound *shared.NotFoundError
	_, err := m.SubmitAction("combat-cx", "alice", combat.ActionBrace, 0, "", 0)
	require.ErrorAs(t, err, &notFound)
}
