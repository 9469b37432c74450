package shared

import (
	"fmt"
	"sort"
)

// Cargo is a commodity -> units manifest. It is the hold of a ship and the
// contents of a salvage container.
type Cargo map[string]int

// NewCargo builds a manifest from a raw map, rejecting negative units.
func NewCargo(items map[string]int) (Cargo, error) {
	c := make(Cargo, len(items))
	for commodity, units := range items {
		if commodity == "" {
			return nil, NewValidationError("commodity", "commodity cannot be empty")
		}
		if units < 0 {
			return nil, NewValidationError(commodity, "cargo units cannot be negative")
		}
		if units > 0 {
			c[commodity] = units
		}
	}
	return c, nil
}

// Units returns the units held for a commodity (0 if absent).
func (c Cargo) Units(commodity string) int {
	return c[commodity]
}

// TotalUnits sums all commodities.
func (c Cargo) TotalUnits() int {
	total := 0
	for _, units := range c {
		total += units
	}
	return total
}

// IsEmpty reports whether the manifest holds nothing.
func (c Cargo) IsEmpty() bool {
	return c.TotalUnits() == 0
}

// Add merges units of a commodity into the manifest.
func (c Cargo) Add(commodity string, units int) {
	if units <= 0 {
		return
	}
	c[commodity] = c[commodity] + units
}

// Remove takes units of a commodity out of the manifest, deleting the entry
// when it reaches zero. Returns an error if the hold has fewer units.
func (c Cargo) Remove(commodity string, units int) error {
	have := c[commodity]
	if units > have {
		return NewValidationError(commodity, fmt.Sprintf("cannot remove %d units, only %d held", units, have))
	}
	if have-units == 0 {
		delete(c, commodity)
	} else {
		c[commodity] = have - units
	}
	return nil
}

// Clone returns an independent copy of the manifest.
func (c Cargo) Clone() Cargo {
	out := make(Cargo, len(c))
	for commodity, units := range c {
		out[commodity] = units
	}
	return out
}

// Commodities lists held commodities in stable order.
func (c Cargo) Commodities() []string {
	names := make([]string, 0, len(c))
	for commodity := range c {
		names = append(names, commodity)
	}
	sort.Strings(names)
	return names
}
