package persistence

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/island"
	"github.com/talgya/archipelago/internal/social"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openTestDB(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
}

func testIsland(id string) *island.Island {
	return &island.Island{
		MapID:            "m1",
		ID:               id,
		Name:             "Isle " + id,
		Size:             island.SizeSmall,
		Nation:           "azure",
		Biome:            island.BiomeForest,
		IslandLevel:      1,
		OccupationStatus: island.OccupationNone,
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "x")
	assert.Error(t, err)
}

func TestIslandRoundTripAndCAS(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := testIsland("a"), testIsland("b")
		require.NoError(t, s.InsertIslands(ctx, []*island.Island{a, b}))
		assert.Equal(t, int64(1), a.Version)

		got, err := s.Island(ctx, "m1", "a")
		require.NoError(t, err)
		assert.Equal(t, "Isle a", got.Name)
		assert.Equal(t, int64(1), got.Version)

		// Two readers at the same version: only the first write lands.
		first, _ := s.Island(ctx, "m1", "a")
		second, _ := s.Island(ctx, "m1", "a")
		first.OwnerID = "p1"
		require.NoError(t, s.SaveIsland(ctx, first))
		assert.Equal(t, int64(2), first.Version)

		second.OwnerID = "p2"
		assert.ErrorIs(t, s.SaveIsland(ctx, second), engine.ErrStale)

		got, err = s.Island(ctx, "m1", "a")
		require.NoError(t, err)
		assert.Equal(t, "p1", got.OwnerID)

		owned, err := s.IslandsOwnedBy(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, owned, 1)
		assert.Equal(t, "a", owned[0].ID)

		all, err := s.Islands(ctx, "m1")
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, err = s.Island(ctx, "m1", "missing")
		assert.ErrorIs(t, err, engine.ErrIslandNotFound)
	})
}

func TestListConstructing(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		is := testIsland("a")
		require.NoError(t, s.InsertIslands(ctx, []*island.Island{is, testIsland("b")}))

		is.Buildings = []island.Building{{BuildingID: "watchtower", Level: 1, Status: island.StatusConstructing}}
		is.SyncConstructionStatus()
		require.NoError(t, s.SaveIsland(ctx, is))

		list, err := s.ListConstructing(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "a", list[0].ID)
		assert.Equal(t, island.StatusConstructing, list[0].Buildings[0].Status)
	})
}

func TestCursorInsertAndCAS(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, found, err := s.Cursor(ctx, "m1", "a", "p1")
		require.NoError(t, err)
		assert.False(t, found)

		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		c := &engine.Cursor{MapID: "m1", IslandID: "a", PlayerID: "p1", LastCollectedAt: at}
		require.NoError(t, s.SaveCursor(ctx, c))
		assert.Equal(t, int64(1), c.Version)

		dup := &engine.Cursor{MapID: "m1", IslandID: "a", PlayerID: "p1", LastCollectedAt: at}
		assert.ErrorIs(t, s.SaveCursor(ctx, dup), engine.ErrStale)

		stale := *c
		c.LastCollectedAt = at.Add(time.Hour)
		require.NoError(t, s.SaveCursor(ctx, c))
		stale.LastCollectedAt = at.Add(2 * time.Hour)
		assert.ErrorIs(t, s.SaveCursor(ctx, &stale), engine.ErrStale)

		got, found, err := s.Cursor(ctx, "m1", "a", "p1")
		require.NoError(t, err)
		require.True(t, found)
		assert.True(t, got.LastCollectedAt.Equal(at.Add(time.Hour)))
		assert.Equal(t, int64(2), got.Version)
	})
}

func TestWalletDebitNeverOverdraws(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Credit(ctx, "p1", economy.Gold, 100))

		var wg sync.WaitGroup
		var ok atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if s.Debit(ctx, "p1", economy.Gold, 30) == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(3), ok.Load())
		bal, err := s.Balance(ctx, "p1", economy.Gold)
		require.NoError(t, err)
		assert.Equal(t, int64(10), bal)

		assert.ErrorIs(t, s.Debit(ctx, "p1", economy.Gold, 11), economy.ErrInsufficientFunds)
		assert.ErrorIs(t, s.Debit(ctx, "nobody", economy.Gold, 1), economy.ErrInsufficientFunds)
	})
}

func TestInventory(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.GrantItem(ctx, "p1", "fish", 2))
		require.NoError(t, s.TakeItem(ctx, "p1", "fish", 1))
		assert.ErrorIs(t, s.TakeItem(ctx, "p1", "fish", 2), economy.ErrInsufficientItems)

		n, err := s.ItemCount(ctx, "p1", "fish")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestNationsAndGovernance(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.EnsureNations(ctx, social.SeedNations()))
		// Seeding twice keeps existing treasuries.
		require.NoError(t, s.AddTreasury(ctx, "azure", 50))
		require.NoError(t, s.EnsureNations(ctx, social.SeedNations()))

		n, err := s.Nation(ctx, "azure")
		require.NoError(t, err)
		assert.Equal(t, int64(50), n.TreasuryAmount)
		assert.Equal(t, 800, n.TaxRateBps)

		rate, err := s.TaxRateBps(ctx, "unheard")
		require.NoError(t, err)
		assert.Equal(t, social.DefaultTaxRateBps, rate)

		require.NoError(t, s.SetTaxRate(ctx, "azure", 99999))
		rate, err = s.TaxRateBps(ctx, "azure")
		require.NoError(t, err)
		assert.Equal(t, economy.MaxTaxRateBps, rate)

		all, err := s.Nations(ctx)
		require.NoError(t, err)
		assert.Len(t, all, len(social.SeedNations())+1)
	})
}

func TestPlayers(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.UpsertPlayer(ctx, Player{ID: "p1", Nation: "ember", CargoCapacity: 6}))

		capacity, err := s.CargoCapacity(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 6, capacity)

		nation, err := s.Profiles().Nation(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "ember", nation)

		capacity, err = s.CargoCapacity(ctx, "stranger")
		require.NoError(t, err)
		assert.Zero(t, capacity)
	})
}

func TestEventsAndMeta(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		s.Publish(ctx, engine.Event{Type: engine.EventDemolished, MapID: "m1", IslandID: "a", Actor: "p1", At: at})
		s.Publish(ctx, engine.Event{Type: engine.EventRebuilt, MapID: "m1", IslandID: "a", Actor: "p1", At: at.Add(time.Hour)})

		evs, err := s.RecentEvents(ctx, 1)
		require.NoError(t, err)
		require.Len(t, evs, 1)
		assert.Equal(t, engine.EventRebuilt, evs[0].Type)

		_, found, err := s.GetMeta(ctx, "seed")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, s.SaveMeta(ctx, "seed", "1"))
		require.NoError(t, s.SaveMeta(ctx, "seed", "2"))
		v, found, err := s.GetMeta(ctx, "seed")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "2", v)
	})
}
