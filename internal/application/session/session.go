package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/ws"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// EventSource is the slice of the transport client the session needs.
type EventSource interface {
	AddEventHandler(event string, handler ws.EventHandler) int
	RemoveEventHandler(event string, token int)
}

// Participant is the session's view of one combatant, built from event
// payloads.
type Participant struct {
	ID               string
	Name             string
	Kind             string
	Fighters         int
	Shields          int
	OwnerCharacterID string
}

// GarrisonInfo is the session's view of the sector garrison in combat.
type GarrisonInfo struct {
	OwnerID    string
	OwnerName  string
	Fighters   int
	Mode       string
	TollAmount int
}

// CombatState is the session's snapshot of the character's current encounter.
type CombatState struct {
	CombatID          string
	SectorID          int
	Round             int
	Deadline          time.Time
	Participants      map[string]*Participant
	Garrison          *GarrisonInfo
	PlayerCombatantID string
	Active            bool
	LastEvent         string
	LastRound         int
	EndState          string
}

// CombatEvent is one entry of the session's combat event queue, consumed via
// NextCombatEvent.
type CombatEvent struct {
	Kind     string
	CombatID string
	Round    int
	Payload  map[string]interface{}
}

const (
	eventKindRoundWaiting  = "round_waiting"
	eventKindRoundResolved = "round_resolved"
	eventKindEnded         = "ended"
)

type handlerToken struct {
	event string
	token int
}

// CombatSession joins the event stream for one character into a consistent
// combat state machine and exposes blocking awaitables to agent code.
//
// One lock protects every field; handlers are idempotent under redelivery of
// the latest round snapshot because processed outcomes are deduplicated by
// (combat_id, round, kind).
type CombatSession struct {
	source        EventSource
	characterID   string
	characterName string

	mu              sync.Mutex
	changed         chan struct{}
	state           *CombatState
	sectorID        int
	occupants       map[string]string
	occupantVersion int
	tollPaid        map[string]bool
	processed       map[string]bool
	queue           []*CombatEvent
	tokens          []handlerToken
}

// NewCombatSession registers the session's handlers on the event source.
// Call Close to detach them.
func NewCombatSession(source EventSource, characterID, characterName string) *CombatSession {
	s := &CombatSession{
		source:        source,
		characterID:   characterID,
		characterName: characterName,
		changed:       make(chan struct{}),
		occupants:     make(map[string]string),
		tollPaid:      make(map[string]bool),
		processed:     make(map[string]bool),
	}
	s.subscribe(ws.EventStatusUpdate, s.handleStatus)
	s.subscribe(ws.EventStatusSnapshot, s.handleStatus)
	s.subscribe(ws.EventSectorUpdate, s.handleSectorUpdate)
	s.subscribe(ws.EventCharacterMoved, s.handleCharacterMoved)
	s.subscribe(ws.EventCombatRoundWaiting, s.handleRoundWaiting)
	s.subscribe(ws.EventCombatRoundResolved, s.handleRoundResolved)
	s.subscribe(ws.EventCombatEnded, s.handleCombatEnded)
	return s
}

func (s *CombatSession) subscribe(event string, handler ws.EventHandler) {
	token := s.source.AddEventHandler(event, handler)
	s.tokens = append(s.tokens, handlerToken{event: event, token: token})
}

// Close detaches every handler from the event source.
func (s *CombatSession) Close() {
	for _, t := range s.tokens {
		s.source.RemoveEventHandler(t.event, t.token)
	}
	s.tokens = nil
}

// InCombat reports whether the character has a live encounter.
func (s *CombatSession) InCombat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != nil && s.state.Active
}

// State returns a copy of the current combat state, or nil when idle.
func (s *CombatSession) State() *CombatState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneStateLocked()
}

// SectorID returns the character's last known sector.
func (s *CombatSession) SectorID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sectorID
}

// MarkTollPaid records that the character paid the garrison's toll so
// AvailableActions stops offering pay.
func (s *CombatSession) MarkTollPaid(garrisonID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tollPaid[garrisonID] = true
	s.notifyLocked()
}

// AvailableActions derives the action set from the current state. Brace and
// flee are always legal; attack requires fighters and an opponent; pay is
// prepended when an unpaid toll garrison opposes the character.
func (s *CombatSession) AvailableActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := []string{}
	if s.state == nil || !s.state.Active {
		return actions
	}
	if g := s.state.Garrison; g != nil && g.Mode == "toll" && g.Fighters > 0 &&
		g.OwnerID != s.characterID && !s.tollPaid[g.OwnerID] {
		actions = append(actions, "pay")
	}
	player := s.state.Participants[s.state.PlayerCombatantID]
	opponents := 0
	for id := range s.state.Participants {
		if id != s.state.PlayerCombatantID {
			opponents++
		}
	}
	if player != nil && player.Fighters > 0 && opponents > 0 {
		actions = append(actions, "attack")
	}
	actions = append(actions, "brace", "flee")
	return actions
}

// ApplyOutcomePayload injects an outcome the transport already yielded as an
// RPC response. Deduplication by (combat_id, round, kind) makes the later
// pushed event a no-op.
func (s *CombatSession) ApplyOutcomePayload(payload map[string]interface{}, ended bool) {
	if ended {
		s.applyEnded(payload)
		return
	}
	s.applyResolved(payload)
}

// WaitForCombatStart blocks until the character enters combat.
func (s *CombatSession) WaitForCombatStart(timeout time.Duration) (*CombatState, error) {
	var snapshot *CombatState
	err := s.waitUntil(timeout, func() bool {
		if s.state != nil && s.state.Active {
			snapshot = s.cloneStateLocked()
			return true
		}
		return false
	})
	return snapshot, err
}

// WaitForCombatEnd blocks until the current encounter reaches a terminal
// state. Returns immediately when the character is idle.
func (s *CombatSession) WaitForCombatEnd(timeout time.Duration) (*CombatState, error) {
	var snapshot *CombatState
	err := s.waitUntil(timeout, func() bool {
		if s.state == nil {
			return true
		}
		if !s.state.Active {
			snapshot = s.cloneStateLocked()
			return true
		}
		return false
	})
	return snapshot, err
}

// WaitForOtherPlayer blocks until another character is present in the sector.
func (s *CombatSession) WaitForOtherPlayer(timeout time.Duration) (string, error) {
	var other string
	err := s.waitUntil(timeout, func() bool {
		for id, name := range s.occupants {
			if id != s.characterID {
				other = name
				return true
			}
		}
		return false
	})
	return other, err
}

// WaitForOccupantChange blocks until the sector occupant set changes.
func (s *CombatSession) WaitForOccupantChange(timeout time.Duration) error {
	s.mu.Lock()
	version := s.occupantVersion
	s.mu.Unlock()
	return s.waitUntil(timeout, func() bool {
		return s.occupantVersion != version
	})
}

// NextCombatEvent pops the oldest queued combat event, blocking until one
// arrives.
func (s *CombatSession) NextCombatEvent(timeout time.Duration) (*CombatEvent, error) {
	var event *CombatEvent
	err := s.waitUntil(timeout, func() bool {
		if len(s.queue) == 0 {
			return false
		}
		event = s.queue[0]
		s.queue = s.queue[1:]
		return true
	})
	return event, err
}

// waitUntil re-evaluates pred under the lock each time the session state
// changes, until pred holds or the timeout elapses.
func (s *CombatSession) waitUntil(timeout time.Duration, pred func() bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	s.mu.Lock()
	for !pred() {
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-timer.C:
			return shared.NewTransientError("timed out waiting for session state")
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

func (s *CombatSession) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Event handlers. Each acquires the lock, mutates, notifies.

func (s *CombatSession) handleStatus(event *ws.Event) {
	sector, ok := numberField(event.Payload, "sector", "id")
	if !ok {
		sector, ok = numberField(event.Payload, "sector")
	}
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sectorID != int(sector) {
		s.sectorID = int(sector)
		s.occupants = map[string]string{s.characterID: s.characterName}
		s.occupantVersion++
	}
	s.notifyLocked()
}

func (s *CombatSession) handleSectorUpdate(event *ws.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sector, ok := numberField(event.Payload, "sector", "id"); ok {
		s.sectorID = int(sector)
	}
	if players, ok := event.Payload["players"].([]interface{}); ok {
		occupants := make(map[string]string, len(players))
		for _, raw := range players {
			entry, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			id, _ := entry["id"].(string)
			name, _ := entry["name"].(string)
			if id != "" {
				occupants[id] = name
			}
		}
		s.occupants = occupants
		s.occupantVersion++
	}
	s.notifyLocked()
}

func (s *CombatSession) handleCharacterMoved(event *ws.Event) {
	movement := stringField(event.Payload, "movement")
	id := stringField(event.Payload, "player", "id")
	name := stringField(event.Payload, "player", "name")
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch movement {
	case "arrive":
		if to, ok := numberField(event.Payload, "to_sector"); !ok || int(to) == s.sectorID {
			s.occupants[id] = name
			s.occupantVersion++
		}
	case "depart":
		if _, present := s.occupants[id]; present {
			delete(s.occupants, id)
			s.occupantVersion++
		}
	}
	s.notifyLocked()
}

func (s *CombatSession) handleRoundWaiting(event *ws.Event) {
	payload := event.Payload
	combatID := stringField(payload, "combat_id")
	if combatID == "" {
		return
	}
	participants := parseParticipants(payload["participants"])
	garrison := parseGarrison(payload["garrison"])

	s.mu.Lock()
	defer s.mu.Unlock()

	sameCombat := s.state != nil && s.state.CombatID == combatID
	if !sameCombat && !s.involves(participants, garrison) {
		return
	}

	round := 1
	if r, ok := numberField(payload, "round"); ok {
		round = int(r)
	}
	if !sameCombat {
		// New encounter replaces any stale state outright.
		s.state = &CombatState{CombatID: combatID, Participants: map[string]*Participant{}}
		s.tollPaid = make(map[string]bool)
	}
	if sector, ok := numberField(payload, "sector", "id"); ok {
		s.state.SectorID = int(sector)
	}
	s.state.Round = round
	s.state.Active = true
	s.state.LastEvent = eventKindRoundWaiting
	if deadline := stringField(payload, "deadline"); deadline != "" {
		if parsed, err := time.Parse(time.RFC3339, deadline); err == nil {
			s.state.Deadline = parsed
		}
	}
	for id, p := range participants {
		s.state.Participants[id] = p
	}
	s.state.Garrison = garrison
	s.state.PlayerCombatantID = s.playerCombatantIDLocked()

	s.enqueueLocked(&CombatEvent{Kind: eventKindRoundWaiting, CombatID: combatID, Round: round, Payload: payload})
	s.notifyLocked()
}

func (s *CombatSession) handleRoundResolved(event *ws.Event) {
	s.applyResolved(event.Payload)
}

func (s *CombatSession) handleCombatEnded(event *ws.Event) {
	s.applyEnded(event.Payload)
}

func (s *CombatSession) applyResolved(payload map[string]interface{}) {
	combatID := stringField(payload, "combat_id")
	round := 0
	if r, ok := numberField(payload, "round"); ok {
		round = int(r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.CombatID != combatID {
		return
	}
	if s.seenLocked(combatID, round, eventKindRoundResolved) {
		return
	}
	s.applyParticipantDeltasLocked(payload)
	s.state.LastRound = round
	s.state.LastEvent = eventKindRoundResolved
	s.enqueueLocked(&CombatEvent{Kind: eventKindRoundResolved, CombatID: combatID, Round: round, Payload: payload})
	s.notifyLocked()
}

func (s *CombatSession) applyEnded(payload map[string]interface{}) {
	combatID := stringField(payload, "combat_id")
	round := 0
	if r, ok := numberField(payload, "round"); ok {
		round = int(r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil || s.state.CombatID != combatID {
		return
	}
	if s.seenLocked(combatID, round, eventKindEnded) {
		return
	}
	s.applyParticipantDeltasLocked(payload)
	s.state.Active = false
	s.state.LastEvent = eventKindEnded
	s.state.LastRound = round
	if end := stringField(payload, "result"); end != "" {
		s.state.EndState = end
	} else if end := stringField(payload, "end"); end != "" {
		s.state.EndState = end
	}
	s.tollPaid = make(map[string]bool)
	s.enqueueLocked(&CombatEvent{Kind: eventKindEnded, CombatID: combatID, Round: round, Payload: payload})
	s.notifyLocked()
}

// applyParticipantDeltasLocked folds a resolved payload's participant array
// back into the tracked state.
func (s *CombatSession) applyParticipantDeltasLocked(payload map[string]interface{}) {
	for id, p := range parseParticipants(payload["participants"]) {
		if existing, ok := s.state.Participants[id]; ok {
			existing.Fighters = p.Fighters
			existing.Shields = p.Shields
		} else {
			s.state.Participants[id] = p
		}
	}
	if garrison := parseGarrison(payload["garrison"]); garrison != nil {
		s.state.Garrison = garrison
	}
}

func (s *CombatSession) seenLocked(combatID string, round int, kind string) bool {
	key := fmt.Sprintf("%s/%d/%s", combatID, round, kind)
	if s.processed[key] {
		return true
	}
	s.processed[key] = true
	return false
}

func (s *CombatSession) enqueueLocked(event *CombatEvent) {
	s.queue = append(s.queue, event)
}

// involves reports whether the character participates in the encounter the
// payload describes, directly or through an owned garrison.
func (s *CombatSession) involves(participants map[string]*Participant, garrison *GarrisonInfo) bool {
	for id, p := range participants {
		if id == s.characterID || p.OwnerCharacterID == s.characterID {
			return true
		}
	}
	return garrison != nil && garrison.OwnerID == s.characterID
}

func (s *CombatSession) playerCombatantIDLocked() string {
	if _, ok := s.state.Participants[s.characterID]; ok {
		return s.characterID
	}
	for id, p := range s.state.Participants {
		if p.OwnerCharacterID == s.characterID {
			return id
		}
	}
	return ""
}

func (s *CombatSession) cloneStateLocked() *CombatState {
	if s.state == nil {
		return nil
	}
	clone := *s.state
	clone.Participants = make(map[string]*Participant, len(s.state.Participants))
	for id, p := range s.state.Participants {
		copied := *p
		clone.Participants[id] = &copied
	}
	if s.state.Garrison != nil {
		garrison := *s.state.Garrison
		clone.Garrison = &garrison
	}
	return &clone
}

// Payload parsing helpers. Entries may arrive as full dicts or as bare id
// strings; bare ids get minimal synthesized entries.

func parseParticipants(raw interface{}) map[string]*Participant {
	participants := make(map[string]*Participant)
	entries, ok := raw.([]interface{})
	if !ok {
		return participants
	}
	for _, entry := range entries {
		switch v := entry.(type) {
		case string:
			participants[v] = &Participant{ID: v}
		case map[string]interface{}:
			id, _ := v["id"].(string)
			if id == "" {
				continue
			}
			p := &Participant{ID: id}
			p.Name, _ = v["name"].(string)
			p.Kind, _ = v["kind"].(string)
			p.OwnerCharacterID, _ = v["owner_character_id"].(string)
			if n, ok := v["fighters"].(float64); ok {
				p.Fighters = int(n)
			}
			if n, ok := v["shields"].(float64); ok {
				p.Shields = int(n)
			}
			participants[id] = p
		}
	}
	return participants
}

func parseGarrison(raw interface{}) *GarrisonInfo {
	entry, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	g := &GarrisonInfo{}
	g.OwnerID, _ = entry["owner_id"].(string)
	g.OwnerName, _ = entry["owner_name"].(string)
	g.Mode, _ = entry["mode"].(string)
	if n, ok := entry["fighters"].(float64); ok {
		g.Fighters = int(n)
	}
	if n, ok := entry["toll_amount"].(float64); ok {
		g.TollAmount = int(n)
	}
	return g
}

func stringField(payload map[string]interface{}, keys ...string) string {
	current := payload
	for i, key := range keys {
		if current == nil {
			return ""
		}
		value, ok := current[key]
		if !ok {
			return ""
		}
		if i == len(keys)-1 {
			s, _ := value.(string)
			return s
		}
		current, _ = value.(map[string]interface{})
	}
	return ""
}

func numberField(payload map[string]interface{}, keys ...string) (float64, bool) {
	current := payload
	for i, key := range keys {
		if current == nil {
			return 0, false
		}
		value, ok := current[key]
		if !ok {
			return 0, false
		}
		if i == len(keys)-1 {
			switch n := value.(type) {
			case float64:
				return n, true
			case int:
				return float64(n), true
			}
			return 0, false
		}
		current, _ = value.(map[string]interface{})
	}
	return 0, false
}
