package garrison

import (
	"fmt"
	"time"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// Mode governs how a stationed garrison behaves when another character
// enters its sector.
type Mode string

const (
	// ModeOffensive attacks every non-allied arrival.
	ModeOffensive Mode = "offensive"

	// ModeDefensive fights back with a smaller commitment.
	ModeDefensive Mode = "defensive"

	// ModeToll demands payment on the first round, then attacks non-payers.
	ModeToll Mode = "toll"
)

// ValidMode reports whether a mode string is one of the known modes.
func ValidMode(mode Mode) bool {
	switch mode {
	case ModeOffensive, ModeDefensive, ModeToll:
		return true
	}
	return false
}

// State is one garrison record: fighters one owner has stationed in one
// sector. A State with zero fighters is removed from the store; at most one
// exists per (sector, owner).
type State struct {
	OwnerID    string    `json:"owner_id"`
	Fighters   int       `json:"fighters"`
	Mode       Mode      `json:"mode"`
	TollAmount int       `json:"toll_amount"`
	DeployedAt time.Time `json:"deployed_at"`
}

// NewState validates and creates a garrison record.
func NewState(ownerID string, fighters int, mode Mode, tollAmount int, deployedAt time.Time) (*State, error) {
	if ownerID == "" {
		return nil, shared.NewValidationError("owner_id", "garrison owner cannot be empty")
	}
	if fighters <= 0 {
		return nil, shared.NewValidationError("fighters", "a garrison needs at least one fighter")
	}
	if !ValidMode(mode) {
		return nil, shared.NewValidationError("mode", fmt.Sprintf("unknown garrison mode %q", mode))
	}
	if tollAmount < 0 {
		return nil, shared.NewValidationError("toll_amount", "toll amount cannot be negative")
	}
	return &State{
		OwnerID:    ownerID,
		Fighters:   fighters,
		Mode:       mode,
		TollAmount: tollAmount,
		DeployedAt: deployedAt,
	}, nil
}

// Clone returns an independent copy.
func (s *State) Clone() *State {
	clone := *s
	return &clone
}

func (s *State) String() string {
	return fmt.Sprintf("Garrison[owner=%s, fighters=%d, mode=%s]", s.OwnerID, s.Fighters, s.Mode)
}
