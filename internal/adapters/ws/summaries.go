package ws

import (
	"fmt"
	"sort"
	"strings"
)

// SummaryFormatter renders a short human-readable line for one event
// payload. Formatters must tolerate missing fields.
type SummaryFormatter func(payload map[string]interface{}) string

// SummaryRegistry maps event names to formatters. It is owned by the client
// instance and populated at configuration time.
type SummaryRegistry struct {
	formatters map[string]SummaryFormatter
}

// NewSummaryRegistry creates an empty registry.
func NewSummaryRegistry() *SummaryRegistry {
	return &SummaryRegistry{formatters: make(map[string]SummaryFormatter)}
}

// Register installs a formatter for an event name, replacing any prior one.
func (r *SummaryRegistry) Register(event string, formatter SummaryFormatter) {
	r.formatters[event] = formatter
}

// Summarize renders the summary for an event, or "" when no formatter is
// registered.
func (r *SummaryRegistry) Summarize(event string, payload map[string]interface{}) string {
	formatter, ok := r.formatters[event]
	if !ok || formatter == nil {
		return ""
	}
	return formatter(payload)
}

// DefaultSummaryRegistry builds the registry with formatters for the core
// event taxonomy.
func DefaultSummaryRegistry() *SummaryRegistry {
	r := NewSummaryRegistry()

	r.Register(EventCharacterMoved, func(p map[string]interface{}) string {
		name := payloadString(p, "player", "name")
		movement := payloadString(p, "movement")
		if movement == "arrive" {
			if to, ok := payloadNumber(p, "to_sector"); ok {
				return fmt.Sprintf("%s arrived in sector %d", name, int(to))
			}
			return fmt.Sprintf("%s arrived", name)
		}
		if from, ok := payloadNumber(p, "from_sector"); ok {
			return fmt.Sprintf("%s departed sector %d", name, int(from))
		}
		return fmt.Sprintf("%s departed", name)
	})

	r.Register(EventCombatRoundWaiting, func(p map[string]interface{}) string {
		round, _ := payloadNumber(p, "round")
		sector, _ := payloadNumber(p, "sector", "id")
		return fmt.Sprintf("Combat round %d waiting for actions in sector %d", int(round), int(sector))
	})

	r.Register(EventCombatRoundResolved, func(p map[string]interface{}) string {
		round, _ := payloadNumber(p, "round")
		if end := payloadString(p, "end"); end != "" {
			return fmt.Sprintf("Combat round %d resolved: %s", int(round), end)
		}
		return fmt.Sprintf("Combat round %d resolved", int(round))
	})

	r.Register(EventCombatEnded, func(p map[string]interface{}) string {
		result := payloadString(p, "result")
		if result == "" {
			result = payloadString(p, "end")
		}
		return fmt.Sprintf("Combat ended: %s", result)
	})

	r.Register(EventSalvageCreated, func(p map[string]interface{}) string {
		sector, _ := payloadNumber(p, "sector")
		return fmt.Sprintf("Salvage container drifting in sector %d", int(sector))
	})

	r.Register(EventSalvageCollected, func(p map[string]interface{}) string {
		name := payloadString(p, "collected_by")
		cargo, _ := p["cargo"].(map[string]interface{})
		if len(cargo) == 0 {
			return fmt.Sprintf("%s collected salvage", name)
		}
		parts := make([]string, 0, len(cargo))
		for commodity := range cargo {
			parts = append(parts, commodity)
		}
		sort.Strings(parts)
		return fmt.Sprintf("%s collected salvage (%s)", name, strings.Join(parts, ", "))
	})

	r.Register(EventGarrisonCombatAlert, func(p map[string]interface{}) string {
		sector, _ := payloadNumber(p, "sector")
		owner := payloadString(p, "owner_name")
		return fmt.Sprintf("Garrison of %s engaged in sector %d", owner, int(sector))
	})

	r.Register(EventError, func(p map[string]interface{}) string {
		detail := payloadString(p, "detail")
		status := payloadString(p, "status")
		if status == "" {
			return detail
		}
		return fmt.Sprintf("%s: %s", status, detail)
	})

	r.Register(EventMovementComplete, func(p map[string]interface{}) string {
		if to, ok := payloadNumber(p, "to_sector"); ok {
			return fmt.Sprintf("Arrived in sector %d", int(to))
		}
		return "Movement complete"
	})

	r.Register(EventIdleComplete, func(p map[string]interface{}) string {
		return "Idle wait elapsed with no new events"
	})

	return r
}
