package engine

import (
	"context"
	"log/slog"

	"github.com/talgya/archipelago/internal/catalog"
	"github.com/talgya/archipelago/internal/island"
)

// UpgradeLevel raises the island one level, replacing the slot occupant with
// a completed home building at the new level.
func (e *Engine) UpgradeLevel(ctx context.Context, mapID, islandID, actor string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	is, err := e.commit(ctx, "upgrade level", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if err := requireOwner(is, actor); err != nil {
			return err
		}
		nation, err := e.nationOf(ctx, actor)
		if err != nil {
			return err
		}
		if nation != is.Nation {
			return failf(ErrNationMismatch, "%s belongs to %q, island %s to %q", actor, nation, is.Key(), is.Nation)
		}
		if is.IslandLevel >= island.MaxLevel {
			return failf(ErrMaxLevel, "island %s is level %d", is.Key(), is.IslandLevel)
		}
		if _, ok := is.Constructing(); ok {
			return failf(ErrConstructionInProgress, "island %s is under construction", is.Key())
		}
		if err := e.clearDemolished(t); err != nil {
			return err
		}

		next := is.IslandLevel + 1
		if next < 1 {
			next = 1
		}
		spec, ok := e.catalog.Spec(catalog.HomeBuildingID, next)
		if !ok {
			return failf(ErrMaxLevel, "no %s variant for level %d", catalog.HomeBuildingID, next)
		}
		if err := e.charge(ctx, t, actor, spec.Cost); err != nil {
			return err
		}

		is.Buildings = []island.Building{newEntry(spec, t.now, island.StatusCompleted)}
		is.IslandLevel = next
		t.emit(EventUpgraded, actor, map[string]any{"level": next, "cost": spec.Cost})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("island upgraded", "island", is.Key(), "level", is.IslandLevel, "actor", actor)
	return is, nil
}
