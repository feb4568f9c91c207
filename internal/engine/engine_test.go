package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/archipelago/internal/catalog"
	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/island"
	"github.com/talgya/archipelago/internal/persistence"
)

const testCatalog = `
buildings:
  - id: home
    size: small
    upgrade_only: true
    cost: { gold: 100 }
    build_time: 10m
    levels:
      - { level: 2, cost: { gold: 200 } }
      - { level: 3, cost: { gold: 300 } }
      - { level: 4, cost: { gold: 400 } }
      - { level: 5, cost: { gold: 500 } }
  - id: hut
    size: small
    cost: { gold: 100 }
    build_time: 1h
    commerce: true
    shop_categories: [food]
  - id: spa
    size: small
    cost: { gold: 50 }
    build_time: 30m
    hot_spring: true
  - id: hall
    size: medium
    cost: { gold: 100, wood: 10 }
    build_time: 1h
items:
  - { id: fish, category: food, buy_price: 100, sell_price: 50 }
  - { id: rope, category: goods, buy_price: 10, sell_price: 5 }
`

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *persistence.MemoryStore
	eng   *engine.Engine

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

// newFixtureWith builds an engine over a fresh MemoryStore; wrap may replace
// store-backed dependencies.
func newFixtureWith(t *testing.T, wrap func(d *engine.Deps, s *persistence.MemoryStore)) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	f := &fixture{t: t, ctx: context.Background(), store: persistence.NewMemoryStore(), now: t0}
	d := persistence.EngineDeps(f.store)
	d.Catalog = cat
	d.Clock = f.clock
	if wrap != nil {
		wrap(&d, f.store)
	}
	f.eng = engine.New(d, engine.DefaultSettings())

	f.insert(
		&island.Island{MapID: "m1", ID: "small", Size: island.SizeSmall, Nation: "azure", Biome: island.BiomeForest, IslandLevel: 1},
		&island.Island{MapID: "m1", ID: "medium", Size: island.SizeMedium, Nation: "azure", Biome: island.BiomeGrassland, IslandLevel: 1},
		&island.Island{MapID: "m1", ID: "volcano", Size: island.SizeSmall, Nation: "ember", Biome: island.BiomeVolcanic, IslandLevel: 1},
		&island.Island{MapID: "m1", ID: "capital", Size: island.SizeGiant, Nation: "azure", Biome: island.BiomeGrassland,
			IslandLevel: 5, OccupationStatus: island.OccupationCapital},
	)
	f.player("alice", "azure", 3)
	f.player("bob", "ember", 3)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) insert(islands ...*island.Island) {
	f.t.Helper()
	require.NoError(f.t, f.store.InsertIslands(f.ctx, islands))
}

func (f *fixture) player(id, nation string, capacity int) {
	f.t.Helper()
	require.NoError(f.t, f.store.UpsertPlayer(f.ctx, persistence.Player{ID: id, Nation: nation, CargoCapacity: capacity}))
}

func (f *fixture) fund(player string, c economy.Currency, amount int64) {
	f.t.Helper()
	require.NoError(f.t, f.store.Credit(f.ctx, player, c, amount))
}

func (f *fixture) balance(player string, c economy.Currency) int64 {
	f.t.Helper()
	b, err := f.store.Balance(f.ctx, player, c)
	require.NoError(f.t, err)
	return b
}

func (f *fixture) island(id string) *island.Island {
	f.t.Helper()
	is, err := f.store.Island(f.ctx, "m1", id)
	require.NoError(f.t, err)
	return is
}

// built inserts an island owned by owner with a completed building.
func (f *fixture) built(id, buildingID, owner, nation string) {
	f.t.Helper()
	is := &island.Island{
		MapID:            "m1",
		ID:               id,
		Size:             island.SizeSmall,
		Nation:           nation,
		Biome:            island.BiomeCoral,
		IslandLevel:      1,
		OwnerID:          owner,
		OwnerNation:      nation,
		OccupationStatus: island.OccupationOccupied,
		Buildings: []island.Building{{
			BuildingID: buildingID,
			Level:      1,
			Status:     island.StatusCompleted,
			StartTime:  t0.Add(-time.Hour),
			Helpers:    []string{},
			MaxHP:      100,
			CurrentHP:  100,
		}},
		ShopPricing: &island.ShopPricing{},
	}
	f.insert(is)
}

func TestStartConstruction(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 150)

	is, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)

	assert.Equal(t, int64(50), f.balance("alice", economy.Gold))
	b, ok := is.Active()
	require.True(t, ok)
	assert.Equal(t, island.StatusConstructing, b.Status)
	assert.Equal(t, t0.Add(time.Hour), b.CompletionTime)
	assert.Equal(t, time.Hour.Milliseconds(), b.DurationMs)
	assert.Equal(t, "alice", is.OwnerID)
	assert.Equal(t, "azure", is.OwnerNation)
	assert.Equal(t, island.OccupationOccupied, is.OccupationStatus)
	assert.Equal(t, island.ConstructionActive, is.ConstructionStatus)
	assert.NotNil(t, is.ShopPricing)

	stored := f.island("small")
	assert.Equal(t, is.Version, stored.Version)
	assert.Equal(t, "alice", stored.OwnerID)

	evs, err := f.store.RecentEvents(f.ctx, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, engine.EventConstructionStarted, evs[0].Type)
}

func TestStartConstructionRejections(t *testing.T) {
	tests := []struct {
		name     string
		islandID string
		actor    string
		building string
		want     error
	}{
		{"unknown building", "small", "alice", "castle", engine.ErrUnknownBuilding},
		{"upgrade only", "small", "alice", catalog.HomeBuildingID, engine.ErrNotConstructible},
		{"size mismatch", "small", "alice", "hall", engine.ErrSizeMismatch},
		{"protected", "capital", "alice", "hut", engine.ErrProtectedIsland},
		{"missing island", "nowhere", "alice", "hut", engine.ErrIslandNotFound},
		{"blank actor", "small", " ", "hut", engine.ErrInvalidInput},
		{"insufficient funds", "small", "bob", "hut", engine.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund("alice", economy.Gold, 500)
			f.fund("bob", economy.Gold, 99)

			_, err := f.eng.StartConstruction(f.ctx, "m1", tt.islandID, tt.actor, tt.building)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int64(500), f.balance("alice", economy.Gold))
			assert.Equal(t, int64(99), f.balance("bob", economy.Gold))
		})
	}
}

func TestStartConstructionSlotRules(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 500)
	f.fund("bob", economy.Gold, 500)

	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)

	_, err = f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "spa")
	assert.ErrorIs(t, err, engine.ErrAlreadyBuilt)

	_, err = f.eng.StartConstruction(f.ctx, "m1", "small", "bob", "spa")
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	assert.Equal(t, int64(400), f.balance("alice", economy.Gold))
	assert.Equal(t, int64(500), f.balance("bob", economy.Gold))
	require.NoError(t, f.island("small").CheckSlot())
}

func TestConcurrentStartConstructionSingleWinner(t *testing.T) {
	f := newFixture(t)
	players := []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6", "p7"}
	for _, p := range players {
		f.player(p, "azure", 1)
		f.fund(p, economy.Gold, 100)
	}

	var wg sync.WaitGroup
	var wins atomic.Int32
	for _, p := range players {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := f.eng.StartConstruction(f.ctx, "m1", "small", p, "hut")
			if err == nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, engine.ErrNotOwner) || errors.Is(err, engine.ErrAlreadyBuilt) || errors.Is(err, engine.ErrConflict), "unexpected error %v", err)
		}(p)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	is := f.island("small")
	require.NoError(t, is.CheckSlot())
	require.Len(t, is.Buildings, 1)

	// Only the winner paid; every losing debit was refunded.
	var total int64
	for _, p := range players {
		bal := f.balance(p, economy.Gold)
		if p == is.OwnerID {
			assert.Zero(t, bal)
		} else {
			assert.Equal(t, int64(100), bal, p)
		}
		total += bal
	}
	assert.Equal(t, int64(100*len(players)-100), total)
}

func TestHelpConstruction(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 100)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)

	for _, h := range []string{"h1", "h2", "h3"} {
		_, err := f.eng.HelpConstruction(f.ctx, "m1", "small", h)
		require.NoError(t, err)
	}
	// A repeat helper changes nothing.
	is, err := f.eng.HelpConstruction(f.ctx, "m1", "small", "h1")
	require.NoError(t, err)

	b, _ := is.Active()
	assert.Len(t, b.Helpers, 3)
	assert.Equal(t, t0.Add(42*time.Minute), b.CompletionTime)

	_, err = f.eng.HelpConstruction(f.ctx, "m1", "small", "alice")
	assert.ErrorIs(t, err, engine.ErrSelfHelp)

	_, err = f.eng.HelpConstruction(f.ctx, "m1", "medium", "h1")
	assert.ErrorIs(t, err, engine.ErrNotConstructing)
}

func TestHelpConstructionReductionIsCapped(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 100)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)

	var is *island.Island
	for _, h := range []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7"} {
		is, err = f.eng.HelpConstruction(f.ctx, "m1", "small", h)
		require.NoError(t, err)
	}
	b, _ := is.Active()
	assert.Equal(t, t0.Add(30*time.Minute), b.CompletionTime)
}

func TestHelpNeverMovesCompletionIntoThePast(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 100)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)

	f.advance(55 * time.Minute)
	is, err := f.eng.HelpConstruction(f.ctx, "m1", "small", "h1")
	require.NoError(t, err)
	b, _ := is.Active()
	assert.Equal(t, t0.Add(55*time.Minute), b.CompletionTime)
}

func TestLazyCompletion(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 100)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)

	res, err := f.eng.CheckCompletion(f.ctx, "m1", "small")
	require.NoError(t, err)
	assert.Equal(t, engine.CompletionPending, res.State)
	assert.Equal(t, time.Hour, res.Remaining)

	f.advance(time.Hour)

	// Reads see the completed building without writing it.
	is, err := f.eng.Island(f.ctx, "m1", "small")
	require.NoError(t, err)
	b, _ := is.Active()
	assert.Equal(t, island.StatusCompleted, b.Status)
	assert.Equal(t, island.StatusConstructing, f.island("small").Buildings[0].Status)

	res, err = f.eng.CheckCompletion(f.ctx, "m1", "small")
	require.NoError(t, err)
	assert.Equal(t, engine.CompletionCompleted, res.State)
	assert.Equal(t, island.StatusCompleted, f.island("small").Buildings[0].Status)
	assert.Empty(t, f.island("small").ConstructionStatus)

	res, err = f.eng.CheckCompletion(f.ctx, "m1", "small")
	require.NoError(t, err)
	assert.Equal(t, engine.CompletionAlreadyCompleted, res.State)

	_, err = f.eng.CheckCompletion(f.ctx, "m1", "medium")
	assert.ErrorIs(t, err, engine.ErrNotConstructing)
}

func TestAdvance(t *testing.T) {
	is := &island.Island{Buildings: []island.Building{{
		Status:         island.StatusConstructing,
		CompletionTime: t0,
		MaxHP:          100,
	}}}
	is.SyncConstructionStatus()

	assert.False(t, engine.Advance(is, t0.Add(-time.Second)))
	assert.True(t, engine.Advance(is, t0))
	assert.Equal(t, island.StatusCompleted, is.Buildings[0].Status)
	assert.Equal(t, 100, is.Buildings[0].CurrentHP)
	assert.Empty(t, is.ConstructionStatus)
	assert.False(t, engine.Advance(is, t0.Add(time.Hour)))
}

func TestDemolishAndRebuildCooldown(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 200)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)
	f.advance(time.Hour)

	_, err = f.eng.Rebuild(f.ctx, "m1", "small", "alice")
	assert.ErrorIs(t, err, engine.ErrNotDemolished)

	_, err = f.eng.Demolish(f.ctx, "m1", "small", "bob")
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	is, err := f.eng.Demolish(f.ctx, "m1", "small", "alice")
	require.NoError(t, err)
	demolishedAt := f.clock()
	assert.Equal(t, island.OccupationDemolished, is.OccupationStatus)
	assert.Equal(t, island.StatusDemolished, is.Buildings[0].Status)
	assert.Zero(t, is.Buildings[0].CurrentHP)
	require.NotNil(t, is.DemolishedAt)
	assert.Equal(t, demolishedAt, *is.DemolishedAt)

	_, err = f.eng.Rebuild(f.ctx, "m1", "small", "alice")
	assert.ErrorIs(t, err, engine.ErrRebuildCooldown)
	_, err = f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "spa")
	assert.ErrorIs(t, err, engine.ErrRebuildCooldown)
	assert.Equal(t, int64(100), f.balance("alice", economy.Gold))

	f.advance(24*time.Hour - time.Second)
	_, err = f.eng.Rebuild(f.ctx, "m1", "small", "alice")
	assert.ErrorIs(t, err, engine.ErrRebuildCooldown)

	f.advance(time.Second)
	is, err = f.eng.Rebuild(f.ctx, "m1", "small", "alice")
	require.NoError(t, err)
	assert.Empty(t, is.Buildings)
	assert.Nil(t, is.DemolishedAt)
	assert.Equal(t, island.OccupationOccupied, is.OccupationStatus)
	assert.Equal(t, "alice", is.OwnerID)

	_, err = f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "spa")
	require.NoError(t, err)
}

func TestDemolishRejections(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Demolish(f.ctx, "m1", "capital", "alice")
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	f.built("owned", "hut", "alice", "azure")
	_, err = f.eng.Demolish(f.ctx, "m1", "owned", "alice")
	require.NoError(t, err)
	_, err = f.eng.Demolish(f.ctx, "m1", "owned", "alice")
	assert.ErrorIs(t, err, engine.ErrNothingToDemolish)
}

func TestUpgradeLevel(t *testing.T) {
	f := newFixture(t)
	f.built("home", catalog.HomeBuildingID, "alice", "azure")
	f.fund("alice", economy.Gold, 250)

	is, err := f.eng.UpgradeLevel(f.ctx, "m1", "home", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, is.IslandLevel)
	require.Len(t, is.Buildings, 1)
	assert.Equal(t, catalog.HomeBuildingID, is.Buildings[0].BuildingID)
	assert.Equal(t, 2, is.Buildings[0].Level)
	assert.Equal(t, island.StatusCompleted, is.Buildings[0].Status)
	assert.Equal(t, int64(50), f.balance("alice", economy.Gold))

	_, err = f.eng.UpgradeLevel(f.ctx, "m1", "home", "alice")
	assert.ErrorIs(t, err, engine.ErrInsufficientFunds)
	assert.Equal(t, 2, f.island("home").IslandLevel)

	_, err = f.eng.UpgradeLevel(f.ctx, "m1", "home", "bob")
	assert.ErrorIs(t, err, engine.ErrNotOwner)
}

func TestUpgradeLevelPreconditions(t *testing.T) {
	f := newFixture(t)
	f.fund("bob", economy.Gold, 10000)
	f.fund("alice", economy.Gold, 10000)

	f.built("foreign", "hut", "bob", "azure")
	_, err := f.eng.UpgradeLevel(f.ctx, "m1", "foreign", "bob")
	assert.ErrorIs(t, err, engine.ErrNationMismatch)

	f.built("top", catalog.HomeBuildingID, "alice", "azure")
	top := f.island("top")
	top.IslandLevel = island.MaxLevel
	require.NoError(t, f.store.SaveIsland(f.ctx, top))
	_, err = f.eng.UpgradeLevel(f.ctx, "m1", "top", "alice")
	assert.ErrorIs(t, err, engine.ErrMaxLevel)

	_, err = f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)
	_, err = f.eng.UpgradeLevel(f.ctx, "m1", "small", "alice")
	assert.ErrorIs(t, err, engine.ErrConstructionInProgress)

	assert.Equal(t, int64(10000), f.balance("bob", economy.Gold))
	assert.Equal(t, int64(9900), f.balance("alice", economy.Gold))
}

func TestTransferOwnership(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 100)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)
	_, err = f.eng.HelpConstruction(f.ctx, "m1", "small", "bob")
	require.NoError(t, err)

	_, err = f.eng.TransferOwnership(f.ctx, "m1", "small", "alice", "alice")
	assert.ErrorIs(t, err, engine.ErrSelfTransfer)
	_, err = f.eng.TransferOwnership(f.ctx, "m1", "small", "bob", "carol")
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	is, err := f.eng.TransferOwnership(f.ctx, "m1", "small", "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", is.OwnerID)
	assert.Equal(t, "ember", is.OwnerNation)

	// The new owner no longer counts as a helper.
	b, ok := is.Constructing()
	require.True(t, ok)
	assert.Empty(t, b.Helpers)
	assert.Equal(t, t0.Add(time.Hour), b.CompletionTime)

	owned, err := f.eng.IslandsOwnedBy(f.ctx, "bob")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "small", owned[0].ID)
}

func TestPlaceValidates(t *testing.T) {
	f := newFixture(t)
	err := f.eng.Place(f.ctx, []*island.Island{
		{MapID: "m2", ID: "a", Size: island.SizeSmall},
		{MapID: "m2", ID: "a", Size: island.SizeSmall},
	})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	err = f.eng.Place(f.ctx, []*island.Island{{MapID: "m2", ID: "b", Size: "huge"}})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	require.NoError(t, f.eng.Place(f.ctx, []*island.Island{{MapID: "m2", ID: "c", Size: island.SizeLarge}}))
	list, err := f.eng.Islands(f.ctx, "m2")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	summary := engine.Summary(list)
	assert.Equal(t, 1, summary["unclaimed"])
}

func TestSweepCompletesDueConstructions(t *testing.T) {
	f := newFixture(t)
	f.fund("alice", economy.Gold, 200)
	_, err := f.eng.StartConstruction(f.ctx, "m1", "small", "alice", "hut")
	require.NoError(t, err)
	_, err = f.eng.StartConstruction(f.ctx, "m1", "volcano", "alice", "spa")
	require.NoError(t, err)

	sweeper := engine.NewSweeper(f.eng)
	f.advance(30 * time.Minute)
	stats := sweeper.SweepOnce(f.ctx)
	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Completed)

	f.advance(30 * time.Minute)
	stats = sweeper.SweepOnce(f.ctx)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Completed)

	constructing, err := f.store.ListConstructing(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, constructing)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	sweeps := make(chan engine.SweepStats, 4)
	s := &engine.Sweeper{Engine: f.eng, Interval: time.Millisecond, OnSweep: func(st engine.SweepStats) {
		select {
		case sweeps <- st:
		default:
		}
	}}

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	<-sweeps
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestAsError(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Demolish(f.ctx, "m1", "small", "alice")
	e := engine.AsError(err)
	assert.Equal(t, engine.KindPrecondition, e.Kind)
	assert.Equal(t, "E_NOT_OWNER", e.Code)

	assert.Equal(t, engine.ErrInternal, engine.AsError(errors.New("boom")))
}
