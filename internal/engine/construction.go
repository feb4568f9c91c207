// Construction slot state machine:
// empty -> constructing -> completed -> (demolished -> cooldown -> empty).
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/talgya/archipelago/internal/catalog"
	"github.com/talgya/archipelago/internal/island"
)

// StartConstruction debits the building's cost from actor and places a
// constructing entry in the island's empty slot. Building on an unowned
// island claims it.
func (e *Engine) StartConstruction(ctx context.Context, mapID, islandID, actor, buildingID string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor, "building", buildingID); err != nil {
		return nil, err
	}
	spec, ok := e.catalog.Spec(buildingID, 1)
	if !ok {
		return nil, failf(ErrUnknownBuilding, "unknown building %q", buildingID)
	}
	if spec.UpgradeOnly {
		return nil, failf(ErrNotConstructible, "%q is placed by island upgrades only", buildingID)
	}

	is, err := e.commit(ctx, "start construction", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if is.Protected() {
			return failf(ErrProtectedIsland, "island %s is %s", is.Key(), is.OccupationStatus)
		}
		if is.OwnerID != "" && is.OwnerID != actor {
			return failf(ErrNotOwner, "island %s belongs to another player", is.Key())
		}
		if b, ok := is.Active(); ok {
			return failf(ErrAlreadyBuilt, "island %s already has %s (%s)", is.Key(), b.BuildingID, b.Status)
		}
		if err := e.clearDemolished(t); err != nil {
			return err
		}
		if spec.SizeTag != is.Size {
			return failf(ErrSizeMismatch, "%s needs a %s island, %s is %s", spec.ID, spec.SizeTag, is.Key(), is.Size)
		}

		if err := e.charge(ctx, t, actor, spec.Cost); err != nil {
			return err
		}

		if is.OwnerID == "" {
			nation, err := e.nationOf(ctx, actor)
			if err != nil {
				return err
			}
			is.OwnerID = actor
			is.OwnerNation = nation
			is.OccupationStatus = island.OccupationOccupied
		}

		is.Buildings = append(is.Buildings, newEntry(spec, t.now, island.StatusConstructing))
		if spec.Commerce && is.ShopPricing == nil {
			is.ShopPricing = &island.ShopPricing{}
		}
		if spec.HotSpring && is.HotSpringPrice == 0 {
			is.HotSpringPrice = e.settings.DefaultHotSpringPrice
		}

		t.emit(EventConstructionStarted, actor, map[string]any{
			"building":        spec.ID,
			"cost":            spec.Cost,
			"completion_time": t.now.Add(spec.BuildTime),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("construction started", "island", is.Key(), "building", spec.ID, "actor", actor, "cost", describeCost(spec.Cost))
	return is, nil
}

// HelpConstruction records actor as a helper and shortens the remaining
// build time. Helping twice is a no-op.
func (e *Engine) HelpConstruction(ctx context.Context, mapID, islandID, actor string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	return e.commit(ctx, "help construction", mapID, islandID, func(ctx context.Context, t *txn) error {
		b, ok := t.is.Constructing()
		if !ok {
			return failf(ErrNotConstructing, "island %s has no construction in progress", t.is.Key())
		}
		if actor == t.is.OwnerID {
			return failf(ErrSelfHelp, "%s owns island %s", actor, t.is.Key())
		}
		if b.HasHelper(actor) {
			t.noWrite = true
			return nil
		}
		b.Helpers = append(b.Helpers, actor)
		b.CompletionTime = e.helpedCompletion(b, t.now)
		t.emit(EventConstructionHelped, actor, map[string]any{
			"helpers":         len(b.Helpers),
			"completion_time": b.CompletionTime,
		})
		return nil
	})
}

// helpedCompletion computes start + duration*(1 - min(cap, step*helpers)),
// never earlier than now.
func (e *Engine) helpedCompletion(b *island.Building, now time.Time) time.Time {
	reduction := e.settings.HelperStepPct * len(b.Helpers)
	if reduction > e.settings.HelperCapPct {
		reduction = e.settings.HelperCapPct
	}
	ms := b.DurationMs * int64(100-reduction) / 100
	c := b.StartTime.Add(time.Duration(ms) * time.Millisecond)
	if c.Before(now) {
		return now
	}
	return c
}

// CompletionState reports the outcome of CheckCompletion.
type CompletionState string

const (
	CompletionCompleted        CompletionState = "completed"
	CompletionAlreadyCompleted CompletionState = "already_completed"
	CompletionPending          CompletionState = "pending"
)

// CompletionResult is returned by CheckCompletion.
type CompletionResult struct {
	State     CompletionState `json:"state"`
	Remaining time.Duration   `json:"remaining_ns,omitempty"`
	Island    *island.Island  `json:"island"`
}

// CheckCompletion completes a construction whose time has come. Repeating it
// afterwards reports already_completed without writing.
func (e *Engine) CheckCompletion(ctx context.Context, mapID, islandID string) (*CompletionResult, error) {
	if err := required("map", mapID, "island", islandID); err != nil {
		return nil, err
	}
	res := &CompletionResult{}
	is, err := e.commit(ctx, "check completion", mapID, islandID, func(ctx context.Context, t *txn) error {
		if t.advanced {
			res.State = CompletionCompleted
			return nil
		}
		t.noWrite = true
		if b, ok := t.is.Constructing(); ok {
			res.State = CompletionPending
			res.Remaining = b.CompletionTime.Sub(t.now)
			return nil
		}
		if b, ok := t.is.Active(); ok && b.Status == island.StatusCompleted {
			res.State = CompletionAlreadyCompleted
			return nil
		}
		return failf(ErrNotConstructing, "island %s has no construction", t.is.Key())
	})
	if err != nil {
		return nil, err
	}
	if res.State == CompletionCompleted {
		b, _ := is.Active()
		slog.Info("construction completed", "island", is.Key(), "building", b.BuildingID, "level", b.Level)
	}
	res.Island = is
	return res, nil
}

// Demolish marks the active building demolished and starts the rebuild
// cooldown.
func (e *Engine) Demolish(ctx context.Context, mapID, islandID, actor string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	return e.commit(ctx, "demolish", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if err := requireOwner(is, actor); err != nil {
			return err
		}
		if is.Protected() {
			return failf(ErrProtectedIsland, "island %s is %s", is.Key(), is.OccupationStatus)
		}
		b, ok := is.Active()
		if !ok {
			return failf(ErrNothingToDemolish, "island %s has no standing building", is.Key())
		}
		b.Status = island.StatusDemolished
		b.CurrentHP = 0
		at := t.now
		is.DemolishedAt = &at
		is.OccupationStatus = island.OccupationDemolished
		t.emit(EventDemolished, actor, map[string]any{
			"building":      b.BuildingID,
			"rebuild_after": at.Add(e.settings.RebuildCooldown),
		})
		return nil
	})
}

// Rebuild clears a demolished slot back to empty once the cooldown elapsed.
func (e *Engine) Rebuild(ctx context.Context, mapID, islandID, actor string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor); err != nil {
		return nil, err
	}
	return e.commit(ctx, "rebuild", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if err := requireOwner(is, actor); err != nil {
			return err
		}
		if is.OccupationStatus != island.OccupationDemolished || is.DemolishedAt == nil {
			return failf(ErrNotDemolished, "island %s was not demolished", is.Key())
		}
		if err := e.clearDemolished(t); err != nil {
			return err
		}
		t.emit(EventRebuilt, actor, nil)
		return nil
	})
}

// clearDemolished empties a demolished slot, or rejects while the rebuild
// cooldown is running. Islands without a demolition are left untouched.
func (e *Engine) clearDemolished(t *txn) error {
	is := t.is
	if is.DemolishedAt == nil {
		return nil
	}
	ready := is.DemolishedAt.Add(e.settings.RebuildCooldown)
	if t.now.Before(ready) {
		return failf(ErrRebuildCooldown, "island %s can be rebuilt in %s", is.Key(), ready.Sub(t.now).Round(time.Second))
	}
	is.Buildings = []island.Building{}
	is.DemolishedAt = nil
	if is.OccupationStatus == island.OccupationDemolished {
		is.OccupationStatus = island.OccupationNone
		if is.OwnerID != "" {
			is.OccupationStatus = island.OccupationOccupied
		}
	}
	return nil
}

// newEntry builds a slot occupant from a resolved spec.
func newEntry(spec catalog.BuildingSpec, now time.Time, status island.BuildingStatus) island.Building {
	hp := spec.HP()
	b := island.Building{
		BuildingID:     spec.ID,
		Level:          spec.Level,
		Status:         status,
		StartTime:      now,
		CompletionTime: now,
		Helpers:        []string{},
		Width:          spec.Width,
		Height:         spec.Height,
		VisualWidth:    spec.VisualWidth,
		VisualHeight:   spec.VisualHeight,
		TileIndex:      spec.TileIndex,
		MaxHP:          hp,
		CurrentHP:      hp,
	}
	if status == island.StatusConstructing {
		b.DurationMs = spec.BuildTime.Milliseconds()
		b.CompletionTime = now.Add(spec.BuildTime)
	}
	return b
}
