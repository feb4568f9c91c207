package social

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNationDefaults(t *testing.T) {
	n := NewNation("reef")
	assert.Equal(t, "reef", n.ID)
	assert.Equal(t, DefaultTaxRateBps, n.TaxRateBps)
	assert.Equal(t, int64(0), n.TreasuryAmount)
	assert.Equal(t, 1.0, n.GrantMultiplier)
}

func TestEffectiveTaxBpsClamps(t *testing.T) {
	n := &Nation{TaxRateBps: 9000}
	assert.Equal(t, 5000, n.EffectiveTaxBps())
	n.TaxRateBps = -3
	assert.Equal(t, 0, n.EffectiveTaxBps())
}

func TestSeedNationsUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, n := range SeedNations() {
		assert.False(t, seen[n.ID], "duplicate nation %s", n.ID)
		seen[n.ID] = true
		assert.LessOrEqual(t, n.TaxRateBps, 5000)
	}
	assert.Len(t, seen, 4)
}
