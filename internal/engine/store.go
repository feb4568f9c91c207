package engine

import (
	"context"
	"time"

	"github.com/talgya/archipelago/internal/island"
)

// IslandStore is the document store holding per-map island partitions.
// Reads return copies; SaveIsland is a compare-and-swap on Version and
// bumps it on success, returning ErrStale when the stored version moved.
type IslandStore interface {
	Island(ctx context.Context, mapID, id string) (*island.Island, error)
	Islands(ctx context.Context, mapID string) ([]*island.Island, error)
	IslandsOwnedBy(ctx context.Context, player string) ([]*island.Island, error)
	ListConstructing(ctx context.Context) ([]*island.Island, error)
	InsertIslands(ctx context.Context, islands []*island.Island) error
	SaveIsland(ctx context.Context, is *island.Island) error
}

// Cursor is the per-(island, player) harvest cursor.
type Cursor struct {
	MapID           string    `json:"map_id" db:"map_id"`
	IslandID        string    `json:"island_id" db:"island_id"`
	PlayerID        string    `json:"player_id" db:"player_id"`
	LastCollectedAt time.Time `json:"last_collected_at" db:"last_collected_at"`
	Version         int64     `json:"-" db:"version"`
}

// CursorStore persists harvest cursors. SaveCursor inserts when Version is
// zero and compare-and-swaps otherwise; both report ErrStale on a lost race.
type CursorStore interface {
	Cursor(ctx context.Context, mapID, islandID, player string) (*Cursor, bool, error)
	SaveCursor(ctx context.Context, c *Cursor) error
}

// Governance owns nation treasuries and their tax rates.
type Governance interface {
	TaxRateBps(ctx context.Context, nation string) (int, error)
	AddTreasury(ctx context.Context, nation string, amount int64) error
}

// Transport reports the cargo capacity of a player's active vehicle.
type Transport interface {
	CargoCapacity(ctx context.Context, player string) (int, error)
}

// Profiles resolves player profile attributes.
type Profiles interface {
	Nation(ctx context.Context, player string) (string, error)
}

// EventSink receives committed state transitions.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// Sinks fans events out to several sinks.
type Sinks []EventSink

// Publish implements EventSink.
func (s Sinks) Publish(ctx context.Context, ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ctx, ev)
		}
	}
}
