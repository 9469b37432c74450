package combat

import (
	"fmt"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// CombatantKind distinguishes piloted ships from stationed garrisons.
type CombatantKind string

const (
	KindCharacter CombatantKind = "character"
	KindGarrison  CombatantKind = "garrison"
)

// Combatant is one participant in a single encounter. IDs are stable within
// the encounter; fighters and shields only decrease during it.
type Combatant struct {
	ID           string
	Kind         CombatantKind
	Name         string
	Fighters     int
	Shields      int
	MaxFighters  int
	MaxShields   int
	TurnsPerWarp int
	IsEscapePod  bool

	// OwnerCharacterID is set for garrisons: the deploying player.
	OwnerCharacterID string
}

// NewCombatant validates and creates a participant.
func NewCombatant(id string, kind CombatantKind, name string, fighters, shields, maxFighters, maxShields, turnsPerWarp int) (*Combatant, error) {
	if id == "" {
		return nil, shared.NewValidationError("id", "combatant id cannot be empty")
	}
	if fighters < 0 || shields < 0 {
		return nil, shared.NewValidationError(id, "fighters and shields cannot be negative")
	}
	if fighters > maxFighters {
		return nil, shared.NewValidationError(id, fmt.Sprintf("fighters %d exceed max %d", fighters, maxFighters))
	}
	return &Combatant{
		ID:           id,
		Kind:         kind,
		Name:         name,
		Fighters:     fighters,
		Shields:      shields,
		MaxFighters:  maxFighters,
		MaxShields:   maxShields,
		TurnsPerWarp: turnsPerWarp,
	}, nil
}

// Clone returns an independent copy.
func (c *Combatant) Clone() *Combatant {
	clone := *c
	return &clone
}

func (c *Combatant) String() string {
	return fmt.Sprintf("Combatant[%s, kind=%s, fighters=%d/%d, shields=%d/%d]",
		c.ID, c.Kind, c.Fighters, c.MaxFighters, c.Shields, c.MaxShields)
}
