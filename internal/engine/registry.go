package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/talgya/archipelago/internal/island"
)

// Island returns one island with due completions applied. Nothing is written.
func (e *Engine) Island(ctx context.Context, mapID, islandID string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID); err != nil {
		return nil, err
	}
	is, err := e.islands.Island(ctx, mapID, islandID)
	if err != nil {
		if errors.Is(err, ErrIslandNotFound) {
			return nil, failf(ErrIslandNotFound, "island %s/%s not found", mapID, islandID)
		}
		return nil, internal("load island", err)
	}
	Advance(is, e.now())
	return is, nil
}

// Islands returns every island of a map partition.
func (e *Engine) Islands(ctx context.Context, mapID string) ([]*island.Island, error) {
	if err := required("map", mapID); err != nil {
		return nil, err
	}
	list, err := e.islands.Islands(ctx, mapID)
	if err != nil {
		return nil, internal("list islands", err)
	}
	now := e.now()
	for _, is := range list {
		Advance(is, now)
	}
	return list, nil
}

// IslandsOwnedBy returns the islands owned by player across all maps.
func (e *Engine) IslandsOwnedBy(ctx context.Context, player string) ([]*island.Island, error) {
	if err := required("player", player); err != nil {
		return nil, err
	}
	list, err := e.islands.IslandsOwnedBy(ctx, player)
	if err != nil {
		return nil, internal("list owned islands", err)
	}
	now := e.now()
	for _, is := range list {
		Advance(is, now)
	}
	return list, nil
}

// Place stores freshly generated islands.
func (e *Engine) Place(ctx context.Context, islands []*island.Island) error {
	seen := make(map[string]bool, len(islands))
	for _, is := range islands {
		if is.MapID == "" || is.ID == "" {
			return failf(ErrInvalidInput, "island needs a map and an id")
		}
		if !is.Size.Valid() {
			return failf(ErrInvalidInput, "island %s has unknown size %q", is.Key(), is.Size)
		}
		if seen[is.Key()] {
			return failf(ErrInvalidInput, "duplicate island %s", is.Key())
		}
		seen[is.Key()] = true
		if err := is.CheckSlot(); err != nil {
			return failf(ErrInvalidInput, "%v", err)
		}
		is.SyncConstructionStatus()
	}
	if err := e.islands.InsertIslands(ctx, islands); err != nil {
		return internal("insert islands", err)
	}
	slog.Info("islands placed", "count", len(islands))
	return nil
}

// TransferOwnership hands an island to another player. A construction in
// progress carries over to the new owner.
func (e *Engine) TransferOwnership(ctx context.Context, mapID, islandID, actor, newOwner string) (*island.Island, error) {
	if err := required("map", mapID, "island", islandID, "actor", actor, "new owner", newOwner); err != nil {
		return nil, err
	}
	if actor == newOwner {
		return nil, failf(ErrSelfTransfer, "%s already owns the island", actor)
	}
	return e.commit(ctx, "transfer ownership", mapID, islandID, func(ctx context.Context, t *txn) error {
		is := t.is
		if err := requireOwner(is, actor); err != nil {
			return err
		}
		nation, err := e.nationOf(ctx, newOwner)
		if err != nil {
			return err
		}
		is.OwnerID = newOwner
		is.OwnerNation = nation
		if b, ok := is.Constructing(); ok && b.HasHelper(newOwner) {
			// Owners do not count as helpers on their own build.
			b.Helpers = removeHelper(b.Helpers, newOwner)
			b.CompletionTime = e.helpedCompletion(b, t.now)
		}
		t.emit(EventOwnershipTransferred, actor, map[string]any{
			"from":   actor,
			"to":     newOwner,
			"nation": nation,
		})
		return nil
	})
}

func removeHelper(helpers []string, player string) []string {
	out := helpers[:0]
	for _, h := range helpers {
		if h != player {
			out = append(out, h)
		}
	}
	return out
}

// Summary counts islands per map for status reporting.
func Summary(islands []*island.Island) map[string]any {
	owned, constructing := 0, 0
	for _, is := range islands {
		if is.OwnerID != "" {
			owned++
		}
		if is.ConstructionStatus == island.ConstructionActive {
			constructing++
		}
	}
	return map[string]any{
		"islands":      len(islands),
		"owned":        owned,
		"constructing": constructing,
		"unclaimed":    len(islands) - owned,
	}
}
