package salvage

import (
	"time"

	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// MinTTL is the floor for container lifetimes.
const MinTTL = time.Second

// Container is loot dropped into a sector, collectable until it expires.
// Once claimed it can never be claimed again.
type Container struct {
	SalvageID string
	Sector    int
	VictorID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	Cargo     shared.Cargo
	Scrap     int
	Credits   int
	Claimed   bool
	ClaimedBy string
	Metadata  map[string]interface{}
}

// NewContainer creates a container expiring ttl after now. TTLs below one
// second are raised to the floor.
func NewContainer(salvageID string, sector int, victorID string, cargo shared.Cargo, scrap, credits int, now time.Time, ttl time.Duration) (*Container, error) {
	if salvageID == "" {
		return nil, shared.NewValidationError("salvage_id", "salvage id cannot be empty")
	}
	if scrap < 0 || credits < 0 {
		return nil, shared.NewValidationError(salvageID, "scrap and credits cannot be negative")
	}
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if cargo == nil {
		cargo = shared.Cargo{}
	}
	return &Container{
		SalvageID: salvageID,
		Sector:    sector,
		VictorID:  victorID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Cargo:     cargo,
		Metadata:  make(map[string]interface{}),
		Scrap:     scrap,
		Credits:   credits,
	}, nil
}

// Expired reports whether the container is past its expiry.
func (c *Container) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Clone returns an independent copy.
func (c *Container) Clone() *Container {
	clone := *c
	clone.Cargo = c.Cargo.Clone()
	clone.Metadata = make(map[string]interface{}, len(c.Metadata))
	for k, v := range c.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}
