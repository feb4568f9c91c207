// Resource harvest: per-player accrual of the island's biome currency,
// capped by the player's cargo capacity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/island"
)

// biomeCurrency maps harvestable biomes to the currency they yield.
var biomeCurrency = map[island.Biome]economy.Currency{
	island.BiomeVolcanic: economy.Obsidian,
	island.BiomeRocky:    economy.Ore,
	island.BiomeForest:   economy.Timber,
	island.BiomeIcy:      economy.Crystal,
	island.BiomeCoral:    economy.Pearl,
}

// HarvestCurrency returns the currency an island biome yields.
func HarvestCurrency(b island.Biome) (economy.Currency, bool) {
	c, ok := biomeCurrency[b]
	return c, ok
}

// HarvestStatus is the accrual state of one player on one island.
type HarvestStatus struct {
	MapID           string           `json:"map_id"`
	IslandID        string           `json:"island_id"`
	Player          string           `json:"player"`
	Currency        economy.Currency `json:"currency"`
	Capacity        int              `json:"capacity"`
	Available       int64            `json:"available"`
	Capped          bool             `json:"capped"`
	Interval        time.Duration    `json:"interval_ns"`
	LastCollectedAt time.Time        `json:"last_collected_at"`
	NextUnitAt      *time.Time       `json:"next_unit_at,omitempty"` // Nil while capped
}

// HarvestResult is returned by Collect.
type HarvestResult struct {
	Currency        economy.Currency `json:"currency"`
	Units           int64            `json:"units"`
	LastCollectedAt time.Time        `json:"last_collected_at"`
}

// accrual is the pure harvest computation.
type accrual struct {
	units   int64
	advance time.Duration // How far the cursor moves on collection
	capped  bool
}

// computeAccrual derives available units from the cursor. When more whole
// intervals elapsed than the capacity allows, the cursor moves past all of
// them and the excess is forfeited; otherwise it moves by exactly the units
// collected, keeping the sub-interval remainder.
func computeAccrual(last, now time.Time, interval time.Duration, capacity int) accrual {
	elapsed := now.Sub(last)
	if elapsed < interval || capacity <= 0 {
		return accrual{}
	}
	whole := int64(elapsed / interval)
	if whole > int64(capacity) {
		return accrual{units: int64(capacity), advance: time.Duration(whole) * interval, capped: true}
	}
	return accrual{units: whole, advance: time.Duration(whole) * interval, capped: whole == int64(capacity)}
}

// harvestTarget validates the island and the actor's capacity.
func (e *Engine) harvestTarget(ctx context.Context, mapID, islandID, actor string) (economy.Currency, int, error) {
	is, err := e.islands.Island(ctx, mapID, islandID)
	if err != nil {
		if errors.Is(err, ErrIslandNotFound) {
			return "", 0, failf(ErrIslandNotFound, "island %s/%s not found", mapID, islandID)
		}
		return "", 0, internal("load island", err)
	}
	cur, ok := HarvestCurrency(is.Biome)
	if !ok {
		return "", 0, failf(ErrIslandNotHarvestable, "island %s biome %q yields nothing", is.Key(), is.Biome)
	}
	capacity, err := e.transport.CargoCapacity(ctx, actor)
	if err != nil {
		return "", 0, internal("cargo capacity", err)
	}
	if capacity <= 0 {
		return "", 0, failf(ErrNoCapacity, "%s has no cargo capacity", actor)
	}
	return cur, capacity, nil
}

// loadCursor returns the stored cursor or, on first access, a new one set one
// interval in the past. The new cursor is not yet persisted (Version 0).
func (e *Engine) loadCursor(ctx context.Context, mapID, islandID, actor string, now time.Time) (*Cursor, error) {
	c, found, err := e.cursors.Cursor(ctx, mapID, islandID, actor)
	if err != nil {
		return nil, internal("load cursor", err)
	}
	if found {
		return c, nil
	}
	return &Cursor{
		MapID:           mapID,
		IslandID:        islandID,
		PlayerID:        actor,
		LastCollectedAt: now.Add(-e.settings.HarvestInterval),
	}, nil
}

// GetStatus reports how many units actor can collect now. The first query
// creates the player's cursor.
func (e *Engine) GetStatus(ctx context.Context, mapID, islandID, actor string) (*HarvestStatus, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	cur, capacity, err := e.harvestTarget(ctx, mapID, islandID, actor)
	if err != nil {
		return nil, err
	}

	var c *Cursor
	for attempt := 0; attempt < e.settings.CommitRetries; attempt++ {
		c, err = e.loadCursor(ctx, mapID, islandID, actor, e.now())
		if err != nil {
			return nil, err
		}
		if c.Version != 0 {
			break
		}
		err = e.cursors.SaveCursor(ctx, c)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrStale) {
			return nil, internal("create cursor", err)
		}
		c = nil
	}
	if c == nil {
		return nil, failf(ErrConflict, "harvest cursor for %s on %s/%s is contended, try again", actor, mapID, islandID)
	}

	now := e.now()
	interval := e.settings.HarvestInterval
	a := computeAccrual(c.LastCollectedAt, now, interval, capacity)
	st := &HarvestStatus{
		MapID:           mapID,
		IslandID:        islandID,
		Player:          actor,
		Currency:        cur,
		Capacity:        capacity,
		Available:       a.units,
		Capped:          a.capped,
		Interval:        interval,
		LastCollectedAt: c.LastCollectedAt,
	}
	if !a.capped {
		elapsed := now.Sub(c.LastCollectedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		next := c.LastCollectedAt.Add(time.Duration(int64(elapsed/interval)+1) * interval)
		st.NextUnitAt = &next
	}
	return st, nil
}

// Collect credits every available unit to actor exactly once. The cursor is
// advanced with a compare-and-swap before the credit; a failed credit moves
// it back.
func (e *Engine) Collect(ctx context.Context, mapID, islandID, actor string) (*HarvestResult, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	cur, capacity, err := e.harvestTarget(ctx, mapID, islandID, actor)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < e.settings.CommitRetries; attempt++ {
		now := e.now()
		c, err := e.loadCursor(ctx, mapID, islandID, actor, now)
		if err != nil {
			return nil, err
		}
		a := computeAccrual(c.LastCollectedAt, now, e.settings.HarvestInterval, capacity)
		if a.units == 0 {
			return nil, failf(ErrNothingToCollect, "next %s unit on %s/%s is not ready", cur, mapID, islandID)
		}

		prev := *c
		next := *c
		next.LastCollectedAt = c.LastCollectedAt.Add(a.advance)

		saga := economy.NewSaga("collect harvest", e.journal)
		err = saga.Do(ctx, fmt.Sprintf("advance cursor %s %s/%s", actor, mapID, islandID),
			func(ctx context.Context) error { return e.cursors.SaveCursor(ctx, &next) },
			func(ctx context.Context) error {
				restore := prev
				restore.Version = next.Version
				return e.cursors.SaveCursor(ctx, &restore)
			},
		)
		if errors.Is(err, ErrStale) {
			slog.Debug("harvest cursor conflict, retrying", "player", actor, "island", islandID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, internal("advance cursor", err)
		}

		if err := e.wallet.Credit(ctx, actor, cur, a.units); err != nil {
			saga.Compensate(ctx, err)
			return nil, internal("credit harvest", err)
		}
		saga.Commit()

		e.publish(ctx, Event{
			Type:     EventHarvestCollected,
			MapID:    mapID,
			IslandID: islandID,
			Actor:    actor,
			At:       now,
			Detail:   map[string]any{"currency": cur, "units": a.units, "capped": a.capped},
		})
		slog.Info("harvest collected", "island", mapID+"/"+islandID, "player", actor, "currency", cur, "units", a.units)
		return &HarvestResult{Currency: cur, Units: a.units, LastCollectedAt: next.LastCollectedAt}, nil
	}
	return nil, failf(ErrConflict, "harvest on %s/%s is contended, try again", mapID, islandID)
}
