package world

import (
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// Character is one player (human or agent-driven) in the universe.
type Character struct {
	ID            string
	Name          string
	CorporationID string
	Sector        int
	Credits       int
}

// Ship is the vessel a character flies. Fighters and shields here are the
// authoritative out-of-combat values; the combat manager writes resolved
// losses back through the repository.
type Ship struct {
	CharacterID  string
	Name         string
	Fighters     int
	Shields      int
	MaxFighters  int
	MaxShields   int
	TurnsPerWarp int
	IsEscapePod  bool
	Cargo        shared.Cargo
	ScrapValue   int
}

// ApplyCombatLosses clamps the ship to the post-round values.
func (s *Ship) ApplyCombatLosses(fightersRemaining, shieldsRemaining int) {
	if fightersRemaining < 0 {
		fightersRemaining = 0
	}
	if shieldsRemaining < 0 {
		shieldsRemaining = 0
	}
	s.Fighters = fightersRemaining
	s.Shields = shieldsRemaining
}

// ToEscapePod strips the ship after a defeat: cargo gone, token pod stats.
func (s *Ship) ToEscapePod() {
	s.IsEscapePod = true
	s.Fighters = 0
	s.Shields = 0
	s.Cargo = shared.Cargo{}
	s.ScrapValue = 0
	s.TurnsPerWarp = 10
}
