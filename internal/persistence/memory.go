package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/island"
	"github.com/talgya/archipelago/internal/social"
)

// MemoryStore is an in-process implementation of every store the engine
// consumes. Reads return copies, so it enforces the same version checks as DB.
type MemoryStore struct {
	mu       sync.Mutex
	islands  map[string]*island.Island
	cursors  map[string]engine.Cursor
	nations  map[string]*social.Nation
	balances map[string]map[economy.Currency]int64
	items    map[string]map[string]int
	players  map[string]Player
	events   []engine.Event
	meta     map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		islands:  make(map[string]*island.Island),
		cursors:  make(map[string]engine.Cursor),
		nations:  make(map[string]*social.Nation),
		balances: make(map[string]map[economy.Currency]int64),
		items:    make(map[string]map[string]int),
		players:  make(map[string]Player),
		meta:     make(map[string]string),
	}
}

func islandKey(mapID, id string) string { return mapID + "/" + id }

func (m *MemoryStore) sorted(match func(*island.Island) bool) []*island.Island {
	var out []*island.Island
	for _, is := range m.islands {
		if match(is) {
			out = append(out, is.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Island implements engine.IslandStore.
func (m *MemoryStore) Island(_ context.Context, mapID, id string) (*island.Island, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	is, ok := m.islands[islandKey(mapID, id)]
	if !ok {
		return nil, engine.ErrIslandNotFound
	}
	return is.Clone(), nil
}

// Islands implements engine.IslandStore.
func (m *MemoryStore) Islands(_ context.Context, mapID string) ([]*island.Island, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(is *island.Island) bool { return is.MapID == mapID }), nil
}

// IslandsOwnedBy implements engine.IslandStore.
func (m *MemoryStore) IslandsOwnedBy(_ context.Context, player string) ([]*island.Island, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(is *island.Island) bool { return is.OwnerID == player }), nil
}

// ListConstructing implements engine.IslandStore.
func (m *MemoryStore) ListConstructing(_ context.Context) ([]*island.Island, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(is *island.Island) bool { return is.ConstructionStatus == island.ConstructionActive }), nil
}

// InsertIslands implements engine.IslandStore.
func (m *MemoryStore) InsertIslands(_ context.Context, islands []*island.Island) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, is := range islands {
		if _, ok := m.islands[is.Key()]; ok {
			return fmt.Errorf("insert island %s: already exists", is.Key())
		}
	}
	for _, is := range islands {
		is.Version = 1
		m.islands[is.Key()] = is.Clone()
	}
	return nil
}

// SaveIsland implements engine.IslandStore.
func (m *MemoryStore) SaveIsland(_ context.Context, is *island.Island) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.islands[is.Key()]
	if !ok || cur.Version != is.Version {
		return engine.ErrStale
	}
	is.Version++
	m.islands[is.Key()] = is.Clone()
	return nil
}

func cursorKey(mapID, islandID, player string) string {
	return mapID + "/" + islandID + "/" + player
}

// Cursor implements engine.CursorStore.
func (m *MemoryStore) Cursor(_ context.Context, mapID, islandID, player string) (*engine.Cursor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[cursorKey(mapID, islandID, player)]
	if !ok {
		return nil, false, nil
	}
	return &c, true, nil
}

// SaveCursor implements engine.CursorStore.
func (m *MemoryStore) SaveCursor(_ context.Context, c *engine.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cursorKey(c.MapID, c.IslandID, c.PlayerID)
	cur, ok := m.cursors[key]
	switch {
	case c.Version == 0 && ok:
		return engine.ErrStale
	case c.Version != 0 && (!ok || cur.Version != c.Version):
		return engine.ErrStale
	}
	c.Version++
	m.cursors[key] = *c
	return nil
}

// EnsureNations inserts nations that do not exist yet.
func (m *MemoryStore) EnsureNations(_ context.Context, nations []*social.Nation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range nations {
		if _, ok := m.nations[n.ID]; !ok {
			c := *n
			m.nations[n.ID] = &c
		}
	}
	return nil
}

func (m *MemoryStore) nationLocked(id string) *social.Nation {
	n, ok := m.nations[id]
	if !ok {
		n = social.NewNation(id)
		m.nations[id] = n
	}
	return n
}

// Nation returns a nation, creating it with defaults on first use.
func (m *MemoryStore) Nation(_ context.Context, id string) (*social.Nation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.nationLocked(id)
	return &c, nil
}

// Nations lists every nation.
func (m *MemoryStore) Nations(_ context.Context) ([]*social.Nation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*social.Nation, 0, len(m.nations))
	for _, n := range m.nations {
		c := *n
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TaxRateBps implements engine.Governance.
func (m *MemoryStore) TaxRateBps(_ context.Context, nation string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nationLocked(nation).EffectiveTaxBps(), nil
}

// AddTreasury implements engine.Governance.
func (m *MemoryStore) AddTreasury(_ context.Context, nation string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nationLocked(nation).Deposit(amount)
	return nil
}

// SetTaxRate stores a nation's tax rate, clamped to the allowed range.
func (m *MemoryStore) SetTaxRate(_ context.Context, nation string, bps int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nationLocked(nation).TaxRateBps = economy.ClampTaxBps(bps)
	return nil
}

// Balance implements economy.Wallet.
func (m *MemoryStore) Balance(_ context.Context, player string, c economy.Currency) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[player][c], nil
}

// Credit implements economy.Wallet.
func (m *MemoryStore) Credit(_ context.Context, player string, c economy.Currency, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d %s: negative amount", amount, c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[player] == nil {
		m.balances[player] = make(map[economy.Currency]int64)
	}
	m.balances[player][c] += amount
	return nil
}

// Debit implements economy.Wallet.
func (m *MemoryStore) Debit(_ context.Context, player string, c economy.Currency, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit %d %s: negative amount", amount, c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[player][c] < amount {
		return fmt.Errorf("%w: %s needs %d %s", economy.ErrInsufficientFunds, player, amount, c)
	}
	if amount > 0 {
		m.balances[player][c] -= amount
	}
	return nil
}

// GrantItem implements economy.Inventory.
func (m *MemoryStore) GrantItem(_ context.Context, player, itemID string, n int) error {
	if n < 0 {
		return fmt.Errorf("grant %d %s: negative count", n, itemID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[player] == nil {
		m.items[player] = make(map[string]int)
	}
	m.items[player][itemID] += n
	return nil
}

// TakeItem implements economy.Inventory.
func (m *MemoryStore) TakeItem(_ context.Context, player, itemID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items[player][itemID] < n {
		return fmt.Errorf("%w: %s has fewer than %d %s", economy.ErrInsufficientItems, player, n, itemID)
	}
	m.items[player][itemID] -= n
	return nil
}

// ItemCount returns how many units of itemID player holds.
func (m *MemoryStore) ItemCount(_ context.Context, player, itemID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[player][itemID], nil
}

// UpsertPlayer stores a player's profile.
func (m *MemoryStore) UpsertPlayer(_ context.Context, p Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[p.ID] = p
	return nil
}

// CargoCapacity implements engine.Transport.
func (m *MemoryStore) CargoCapacity(_ context.Context, player string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.players[player].CargoCapacity, nil
}

// Profiles adapts the player records to engine.Profiles.
func (m *MemoryStore) Profiles() engine.Profiles { return memProfiles{m} }

type memProfiles struct{ m *MemoryStore }

func (p memProfiles) Nation(_ context.Context, player string) (string, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	return p.m.players[player].Nation, nil
}

// Publish implements engine.EventSink.
func (m *MemoryStore) Publish(_ context.Context, ev engine.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// RecentEvents returns the most recent N events, newest first.
func (m *MemoryStore) RecentEvents(_ context.Context, limit int) ([]engine.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []engine.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.events[i])
	}
	return out, nil
}

// SaveMeta stores a key-value pair in world metadata.
func (m *MemoryStore) SaveMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// GetMeta retrieves a metadata value.
func (m *MemoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	return v, ok, nil
}
