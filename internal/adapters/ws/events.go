package ws

// Subscribable event names. Payload contracts follow the wire taxonomy: raw
// key/value payloads wrapped in an Event envelope with an optional summary.
const (
	EventStatusUpdate   = "status.update"
	EventStatusSnapshot = "status.snapshot"
	EventSectorUpdate   = "sector.update"
	EventCharacterMoved = "character.moved"

	EventCombatRoundWaiting   = "combat.round_waiting"
	EventCombatRoundResolved  = "combat.round_resolved"
	EventCombatEnded          = "combat.ended"
	EventCombatActionAccepted = "combat.action_accepted"

	EventSalvageCreated   = "salvage.created"
	EventSalvageCollected = "salvage.collected"

	EventGarrisonCombatAlert    = "garrison.combat_alert"
	EventGarrisonCharacterMoved = "garrison.character_moved"

	EventMovementComplete = "movement.complete"
	EventMapRegion        = "map.region"
	EventTradeExecuted    = "trade.executed"
	EventChatMessage      = "chat.message"
	EventError            = "error"
	EventTaskStart        = "task.start"
	EventTaskFinish       = "task.finish"
	EventIdleComplete     = "idle.complete"
)

// Event is the envelope every consumer sees: the raw payload plus a short
// human-readable summary when a formatter is registered for the name.
type Event struct {
	Name      string
	Payload   map[string]interface{}
	Summary   string
	RequestID string
}

// payloadString digs a string out of a payload, tolerating absence.
func payloadString(payload map[string]interface{}, keys ...string) string {
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
			if s, ok := value.(string); ok {
				return s
			}
			return ""
		}
		current, _ = value.(map[string]interface{})
	}
	return ""
}

// payloadNumber digs a numeric value out of a payload. JSON decoding yields
// float64 for all numbers.
func payloadNumber(payload map[string]interface{}, keys ...string) (float64, bool) {
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
