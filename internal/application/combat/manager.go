package combat

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// DefaultRoundTimeout is the per-round submission deadline when the config
// leaves it unset.
const DefaultRoundTimeout = 15 * time.Second

// Callbacks receive encounter lifecycle notifications. Every argument is a
// snapshot; callbacks run outside the manager lock and may call back into
// the manager. For one encounter the invocation order is strict:
// RoundWaiting(r), RoundResolved(r), then RoundWaiting(r+1) or CombatEnded.
type Callbacks struct {
	RoundWaiting  func(encounter *combat.Encounter) error
	RoundResolved func(encounter *combat.Encounter, outcome *combat.RoundOutcome) error
	CombatEnded   func(encounter *combat.Encounter, outcome *combat.RoundOutcome) error
}

// MetricsRecorder receives combat telemetry. Implementations must be safe
// for concurrent use. A nil recorder disables telemetry.
type MetricsRecorder interface {
	EncounterStarted(sectorID int)
	EncounterEnded(endState string)
	RoundResolved(duration time.Duration, timedOutActions int)
}

// ManagerConfig tunes the coordinator.
type ManagerConfig struct {
	RoundTimeout time.Duration
}

// roundTimer tracks the deadline goroutine for one encounter round.
type roundTimer struct {
	round  int
	cancel chan struct{}
}

// Manager owns every active encounter. One mutex guards the encounter
// tables and the timer map; it is held only around mutation, never across a
// callback or a sleep.
type Manager struct {
	mu        sync.Mutex
	active    map[string]*combat.Encounter
	completed map[string]*combat.Encounter
	timers    map[string]*roundTimer

	roundTimeout time.Duration
	clock        shared.Clock
	callbacks    Callbacks
	metrics      MetricsRecorder
}

// NewManager creates a combat manager. If clock is nil, uses RealClock.
func NewManager(cfg ManagerConfig, callbacks Callbacks, metrics MetricsRecorder, clock shared.Clock) *Manager {
	if clock == nil {
		clock = shared.NewRealClock()
	}
	timeout := cfg.RoundTimeout
	if timeout <= 0 {
		timeout = DefaultRoundTimeout
	}
	return &Manager{
		active:       make(map[string]*combat.Encounter),
		completed:    make(map[string]*combat.Encounter),
		timers:       make(map[string]*roundTimer),
		roundTimeout: timeout,
		clock:        clock,
		callbacks:    callbacks,
		metrics:      metrics,
	}
}

// SetCallbacks rewires the lifecycle callbacks. Intended for composition at
// startup, before any encounter is started.
func (m *Manager) SetCallbacks(callbacks Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = callbacks
}

// StartEncounter takes ownership of an encounter, starts its round-1
// deadline timer and, unless suppressed, emits the first round_waiting.
func (m *Manager) StartEncounter(encounter *combat.Encounter, emitWaiting bool) error {
	m.mu.Lock()
	if _, exists := m.active[encounter.CombatID]; exists {
		m.mu.Unlock()
		return shared.NewDuplicateEncounterError(encounter.CombatID)
	}
	delete(m.completed, encounter.CombatID)

	if encounter.BaseSeed == 0 {
		encounter.BaseSeed = combat.SeedFromCombatID(encounter.CombatID)
	}
	encounter.RoundNumber = 1
	encounter.PendingActions = make(map[string]*combat.RoundAction)
	encounter.Deadline = m.clock.Now().Add(m.roundTimeout)
	encounter.Ended = false
	encounter.EndState = ""

	m.active[encounter.CombatID] = encounter
	m.scheduleTimerLocked(encounter)
	snapshot := encounter.Clone()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.EncounterStarted(encounter.SectorID)
	}
	if emitWaiting {
		m.emitRoundWaiting(snapshot)
	}
	return nil
}

// SubmitAction records one participant's action for the current round,
// overwriting any prior submission. When the last participant submits, the
// round resolves immediately and the outcome is returned; otherwise the
// return is nil and the deadline timer remains armed.
func (m *Manager) SubmitAction(combatID, combatantID string, action combat.ActionType, commit int, targetID string, destinationSector int) (*combat.RoundOutcome, error) {
	m.mu.Lock()
	encounter, ok := m.active[combatID]
	if !ok {
		if _, ended := m.completed[combatID]; ended {
			m.mu.Unlock()
			return nil, shared.NewEncounterEndedError(combatID)
		}
		m.mu.Unlock()
		return nil, shared.NewNotFoundError("encounter", combatID)
	}
	if encounter.Ended {
		m.mu.Unlock()
		return nil, shared.NewEncounterEndedError(combatID)
	}
	if !encounter.HasParticipant(combatantID) {
		m.mu.Unlock()
		return nil, shared.NewNotFoundError("combatant", combatantID)
	}
	if action == combat.ActionAttack {
		if targetID == combatantID || !encounter.HasParticipant(targetID) {
			m.mu.Unlock()
			return nil, shared.NewInvalidTargetError(combatID, targetID)
		}
	}

	encounter.PendingActions[combatantID] = &combat.RoundAction{
		Action:            action,
		Commit:            commit,
		TargetID:          targetID,
		DestinationSector: destinationSector,
		SubmittedAt:       m.clock.Now(),
	}

	if len(encounter.PendingActions) < len(encounter.Participants) {
		m.mu.Unlock()
		return nil, nil
	}

	outcome, dispatch := m.resolveRoundLocked(encounter)
	m.mu.Unlock()
	dispatch()
	return outcome, nil
}

// CancelEncounter drops an encounter from both tables and disarms its timer.
func (m *Manager) CancelEncounter(combatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked(combatID)
	delete(m.active, combatID)
	delete(m.completed, combatID)
}

// AddParticipant joins a combatant to a live encounter and re-announces the
// current round.
func (m *Manager) AddParticipant(combatID string, state *combat.Combatant) error {
	m.mu.Lock()
	encounter, ok := m.active[combatID]
	if !ok || encounter.Ended {
		m.mu.Unlock()
		return shared.NewStateError(fmt.Sprintf("combat %s is not active", combatID))
	}
	if encounter.HasParticipant(state.ID) {
		m.mu.Unlock()
		return shared.NewStateError(fmt.Sprintf("combatant %s is already in combat %s", state.ID, combatID))
	}
	encounter.Participants[state.ID] = state
	snapshot := encounter.Clone()
	m.mu.Unlock()

	m.emitRoundWaiting(snapshot)
	return nil
}

// RecordTollDemand notes a toll garrison's demand on a live encounter. A
// non-positive demandRound defaults to the encounter's current round.
func (m *Manager) RecordTollDemand(combatID, garrisonID string, amount, demandRound int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	encounter, ok := m.active[combatID]
	if !ok || encounter.Ended {
		return shared.NewNotFoundError("encounter", combatID)
	}
	if demandRound <= 0 {
		demandRound = encounter.RoundNumber
	}
	encounter.TollRegistry()[garrisonID] = &combat.TollDemand{
		GarrisonID:  garrisonID,
		Amount:      amount,
		DemandRound: demandRound,
	}
	return nil
}

// MarkTollPaid flips a toll demand to paid so the garrison stands down from
// the next round on.
func (m *Manager) MarkTollPaid(combatID, garrisonID, paidBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	encounter, ok := m.active[combatID]
	if !ok || encounter.Ended {
		return shared.NewNotFoundError("encounter", combatID)
	}
	registry := encounter.TollRegistry()
	demand, ok := registry[garrisonID]
	if !ok {
		demand = &combat.TollDemand{GarrisonID: garrisonID, DemandRound: encounter.RoundNumber}
		registry[garrisonID] = demand
	}
	demand.Paid = true
	demand.PaidBy = paidBy
	return nil
}

// FindEncounterFor returns a snapshot of the active encounter containing the
// combatant, or nil.
func (m *Manager) FindEncounterFor(combatantID string) *combat.Encounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, encounter := range m.active {
		if encounter.HasParticipant(combatantID) {
			return encounter.Clone()
		}
	}
	return nil
}

// FindEncounterInSector returns a snapshot of the active encounter in the
// sector, or nil.
func (m *Manager) FindEncounterInSector(sectorID int) *combat.Encounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, encounter := range m.active {
		if encounter.SectorID == sectorID {
			return encounter.Clone()
		}
	}
	return nil
}

// CompletedEncounter returns a snapshot from the completed table, or nil.
func (m *Manager) CompletedEncounter(combatID string) *combat.Encounter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if encounter, ok := m.completed[combatID]; ok {
		return encounter.Clone()
	}
	return nil
}

// ActiveCount reports how many encounters are live.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// scheduleTimerLocked arms the deadline goroutine for the encounter's
// current round. Caller holds the lock.
func (m *Manager) scheduleTimerLocked(encounter *combat.Encounter) {
	m.cancelTimerLocked(encounter.CombatID)
	timer := &roundTimer{round: encounter.RoundNumber, cancel: make(chan struct{})}
	m.timers[encounter.CombatID] = timer

	combatID := encounter.CombatID
	round := encounter.RoundNumber
	deadline := encounter.Deadline
	go m.runDeadline(combatID, round, deadline, timer.cancel)
}

// runDeadline sleeps until the round deadline, then resolves the round with
// whatever actions arrived, unless the round already resolved or the
// encounter went away.
func (m *Manager) runDeadline(combatID string, round int, deadline time.Time, cancel chan struct{}) {
	wait := deadline.Sub(m.clock.Now())
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancel:
			return
		}
	}

	m.mu.Lock()
	encounter, ok := m.active[combatID]
	if !ok || encounter.Ended || encounter.RoundNumber != round {
		m.mu.Unlock()
		return
	}
	_, dispatch := m.resolveRoundLocked(encounter)
	m.mu.Unlock()
	dispatch()
}

func (m *Manager) cancelTimerLocked(combatID string) {
	if timer, ok := m.timers[combatID]; ok {
		close(timer.cancel)
		delete(m.timers, combatID)
	}
}

// resolveRoundLocked resolves the current round and commits the result to
// the encounter. Caller holds the lock. The returned dispatch function fires
// the prepared callbacks and must be called after the lock is released;
// state is already committed, so callback failures are logged and never roll
// anything back.
func (m *Manager) resolveRoundLocked(encounter *combat.Encounter) (*combat.RoundOutcome, func()) {
	started := m.clock.Now()
	m.cancelTimerLocked(encounter.CombatID)

	actions := make(map[string]*combat.RoundAction, len(encounter.Participants))
	timedOut := 0
	for _, id := range encounter.ParticipantIDs() {
		if submitted, ok := encounter.PendingActions[id]; ok {
			actions[id] = submitted
		} else {
			actions[id] = combat.NewBraceAction(true, started)
			timedOut++
		}
	}

	outcome := combat.ResolveRound(encounter, actions)

	encounter.Logs = append(encounter.Logs, &combat.RoundLog{
		Round:      encounter.RoundNumber,
		Outcome:    outcome,
		ResolvedAt: started,
	})
	for id, participant := range encounter.Participants {
		participant.Fighters = outcome.FightersRemaining[id]
		participant.Shields = outcome.ShieldsRemaining[id]
	}
	for id, flee := range outcome.FleeResults {
		if flee.Success {
			delete(encounter.Participants, id)
		}
	}
	encounter.PendingActions = make(map[string]*combat.RoundAction)

	terminal := combat.IsTerminalEndState(outcome.EndState)
	var resolvedSnapshot, nextSnapshot *combat.Encounter
	if terminal {
		encounter.Ended = true
		encounter.EndState = outcome.EndState
		delete(m.active, encounter.CombatID)
		m.completed[encounter.CombatID] = encounter
		resolvedSnapshot = encounter.Clone()
	} else {
		encounter.EndState = ""
		resolvedSnapshot = encounter.Clone()
		encounter.RoundNumber++
		encounter.Deadline = m.clock.Now().Add(m.roundTimeout)
		m.scheduleTimerLocked(encounter)
		nextSnapshot = encounter.Clone()
	}

	if m.metrics != nil {
		m.metrics.RoundResolved(m.clock.Now().Sub(started), timedOut)
		if terminal {
			m.metrics.EncounterEnded(outcome.EndState)
		}
	}

	dispatch := func() {
		if m.callbacks.RoundResolved != nil {
			if err := m.callbacks.RoundResolved(resolvedSnapshot, outcome); err != nil {
				log.Printf("combat %s: round_resolved callback failed: %v", encounter.CombatID, err)
			}
		}
		if terminal {
			// Fire-and-forget so downstream ledger writes cannot block the
			// next encounter.
			if m.callbacks.CombatEnded != nil {
				go func() {
					if err := m.callbacks.CombatEnded(resolvedSnapshot, outcome); err != nil {
						log.Printf("combat %s: combat_ended callback failed: %v", resolvedSnapshot.CombatID, err)
					}
				}()
			}
			return
		}
		m.emitRoundWaiting(nextSnapshot)
	}
	return outcome, dispatch
}

func (m *Manager) emitRoundWaiting(snapshot *combat.Encounter) {
	if m.callbacks.RoundWaiting == nil {
		return
	}
	if err := m.callbacks.RoundWaiting(snapshot); err != nil {
		log.Printf("combat %s: round_waiting callback failed: %v", snapshot.CombatID, err)
	}
}
