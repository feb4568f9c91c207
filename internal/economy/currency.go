// Package economy provides currencies, costs, shop pricing, tax splitting and
// the contract of the identity/virtual-economy service the engine pays through.
package economy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownCurrency is returned when a currency code has no canonical mapping.
var ErrUnknownCurrency = errors.New("unknown currency")

// Currency is a canonical currency code.
type Currency string

const (
	Gold     Currency = "gold"
	Obsidian Currency = "obsidian"
	Ore      Currency = "ore"
	Timber   Currency = "timber"
	Crystal  Currency = "crystal"
	Pearl    Currency = "pearl"
)

// canonical lists every currency the economy service settles in.
var canonical = map[Currency]struct{}{
	Gold: {}, Obsidian: {}, Ore: {}, Timber: {}, Crystal: {}, Pearl: {},
}

// aliases maps raw codes seen in catalogs and clients to canonical codes.
var aliases = map[string]Currency{
	"gp":       Gold,
	"coin":     Gold,
	"coins":    Gold,
	"money":    Gold,
	"glass":    Obsidian,
	"iron":     Ore,
	"iron_ore": Ore,
	"wood":     Timber,
	"lumber":   Timber,
	"log":      Timber,
	"ice":      Crystal,
	"shell":    Pearl,
}

// Canonical resolves a raw code (case-insensitive, alias-aware).
func Canonical(code string) (Currency, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	if _, ok := canonical[Currency(c)]; ok {
		return Currency(c), nil
	}
	if a, ok := aliases[c]; ok {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
}

// Cost is an amount owed per currency.
type Cost map[Currency]int64

// Canonicalize folds aliased codes together and rejects unknown codes and
// negative amounts. Zero amounts are dropped.
func (c Cost) Canonicalize() (Cost, error) {
	out := make(Cost, len(c))
	for code, amount := range c {
		cur, err := Canonical(string(code))
		if err != nil {
			return nil, err
		}
		if amount < 0 {
			return nil, fmt.Errorf("negative amount %d for %s", amount, code)
		}
		if amount == 0 {
			continue
		}
		out[cur] += amount
	}
	return out, nil
}

// Currencies returns the currencies of c in a stable order.
func (c Cost) Currencies() []Currency {
	out := make([]Currency, 0, len(c))
	for cur := range c {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsZero reports whether nothing is owed.
func (c Cost) IsZero() bool {
	for _, v := range c {
		if v != 0 {
			return false
		}
	}
	return true
}

// Currencies lists every canonical currency in a stable order.
func Currencies() []Currency {
	out := make([]Currency, 0, len(canonical))
	for c := range canonical {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
