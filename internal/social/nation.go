// Package social provides nations: the factions islands pledge to and whose
// treasuries collect tax on island commerce.
package social

import "github.com/talgya/archipelago/internal/economy"

// DefaultTaxRateBps applies to a nation created on first use.
const DefaultTaxRateBps = 1000

// NationKind categorizes the nature of a nation.
type NationKind uint8

const (
	NationMaritime   NationKind = iota // Trade and shipping
	NationMilitary                     // Martial power
	NationReligious                    // Keepers of sacred islands
	NationFrontier                     // Loose settler confederation
)

// Nation is a faction with a treasury. TaxRateBps is the share of island
// commerce routed into the treasury, in basis points.
type Nation struct {
	ID   string     `json:"id" db:"id"`
	Name string     `json:"name" db:"name"`
	Kind NationKind `json:"kind" db:"kind"`

	TreasuryAmount  int64   `json:"treasury_amount" db:"treasury_amount"`
	TaxRateBps      int     `json:"tax_rate_bps" db:"tax_rate_bps"`
	GrantMultiplier float64 `json:"grant_multiplier" db:"grant_multiplier"` // Scales treasury grants; 1.0 is neutral
}

// NewNation returns the record created the first time an unknown nation is
// referenced.
func NewNation(id string) *Nation {
	return &Nation{
		ID:              id,
		Name:            id,
		Kind:            NationFrontier,
		TaxRateBps:      DefaultTaxRateBps,
		GrantMultiplier: 1,
	}
}

// EffectiveTaxBps is the stored rate clamped to the allowed range.
func (n *Nation) EffectiveTaxBps() int {
	return economy.ClampTaxBps(n.TaxRateBps)
}

// Deposit adds tax proceeds to the treasury.
func (n *Nation) Deposit(amount int64) {
	n.TreasuryAmount += amount
}

// SeedNations creates the initial nations of a fresh world.
func SeedNations() []*Nation {
	return []*Nation{
		{
			ID:              "azure",
			Name:            "Azure Thalassocracy",
			Kind:            NationMaritime,
			TaxRateBps:      800,
			GrantMultiplier: 1.1,
		},
		{
			ID:              "ember",
			Name:            "Ember Dominion",
			Kind:            NationMilitary,
			TaxRateBps:      1500,
			GrantMultiplier: 0.9,
		},
		{
			ID:              "tide",
			Name:            "Order of the Tide",
			Kind:            NationReligious,
			TaxRateBps:      1200,
			GrantMultiplier: 1.0,
		},
		{
			ID:              "drift",
			Name:            "Driftwood League",
			Kind:            NationFrontier,
			TaxRateBps:      500,
			GrantMultiplier: 1.2,
		},
	}
}
