package persistence

import (
	"context"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/social"
)

// Store is the persistence surface used by the server: everything the
// engine consumes plus administration and world metadata.
type Store interface {
	engine.IslandStore
	engine.CursorStore
	engine.Governance
	engine.Transport
	engine.EventSink
	economy.Wallet
	economy.Inventory

	Profiles() engine.Profiles
	EnsureNations(ctx context.Context, nations []*social.Nation) error
	Nation(ctx context.Context, id string) (*social.Nation, error)
	Nations(ctx context.Context) ([]*social.Nation, error)
	SetTaxRate(ctx context.Context, nation string, bps int) error
	ItemCount(ctx context.Context, player, itemID string) (int, error)
	UpsertPlayer(ctx context.Context, p Player) error
	RecentEvents(ctx context.Context, limit int) ([]engine.Event, error)
	SaveMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, bool, error)
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*MemoryStore)(nil)
)

// EngineDeps fills the store-backed fields of engine.Deps.
func EngineDeps(s Store) engine.Deps {
	return engine.Deps{
		Islands:    s,
		Cursors:    s,
		Wallet:     s,
		Inventory:  s,
		Governance: s,
		Transport:  s,
		Profiles:   s.Profiles(),
		Events:     s,
	}
}
