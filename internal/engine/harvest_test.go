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

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/island"
	"github.com/talgya/archipelago/internal/persistence"
)

func TestHarvestCurrency(t *testing.T) {
	tests := map[island.Biome]economy.Currency{
		island.BiomeVolcanic: economy.Obsidian,
		island.BiomeRocky:    economy.Ore,
		island.BiomeForest:   economy.Timber,
		island.BiomeIcy:      economy.Crystal,
		island.BiomeCoral:    economy.Pearl,
	}
	for biome, want := range tests {
		got, ok := engine.HarvestCurrency(biome)
		assert.True(t, ok, biome)
		assert.Equal(t, want, got, biome)
	}
	_, ok := engine.HarvestCurrency(island.BiomeGrassland)
	assert.False(t, ok)
}

func TestHarvestAccrualAndRemainder(t *testing.T) {
	f := newFixture(t)

	st, err := f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, economy.Obsidian, st.Currency)
	assert.Equal(t, int64(1), st.Available)
	assert.Equal(t, t0.Add(-10*time.Minute), st.LastCollectedAt)

	// Cursor now sits 25 minutes in the past.
	f.advance(15 * time.Minute)
	st, err = f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Available)
	assert.False(t, st.Capped)
	require.NotNil(t, st.NextUnitAt)
	assert.Equal(t, t0.Add(20*time.Minute), *st.NextUnitAt)

	res, err := f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Units)
	assert.Equal(t, t0.Add(10*time.Minute), res.LastCollectedAt)
	assert.Equal(t, int64(2), f.balance("alice", economy.Obsidian))

	// Five minutes of remainder carry over.
	st, err = f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Zero(t, st.Available)
	assert.Equal(t, t0.Add(20*time.Minute), *st.NextUnitAt)

	_, err = f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	assert.ErrorIs(t, err, engine.ErrNothingToCollect)

	f.advance(5 * time.Minute)
	res, err = f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Units)
}

func TestHarvestCapacityCap(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	st, err := f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Available)
	assert.True(t, st.Capped)
	assert.Nil(t, st.NextUnitAt)

	res, err := f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Units)
	assert.Equal(t, t0.Add(2*time.Hour), res.LastCollectedAt)

	st, err = f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Zero(t, st.Available)
	assert.False(t, st.Capped)
}

func TestHarvestCursorsArePerPlayer(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)

	res, err := f.eng.Collect(f.ctx, "m1", "volcano", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Units)
	assert.Equal(t, int64(1), f.balance("alice", economy.Obsidian))
	assert.Equal(t, int64(1), f.balance("bob", economy.Obsidian))
}

func TestHarvestConservation(t *testing.T) {
	f := newFixture(t)
	f.player("hauler", "azure", 1000)

	st, err := f.eng.GetStatus(f.ctx, "m1", "volcano", "hauler")
	require.NoError(t, err)
	origin := st.LastCollectedAt

	var collected int64
	for _, step := range []time.Duration{7, 13, 25, 1, 9, 31, 4, 60, 2, 18} {
		f.advance(step * time.Minute)
		res, err := f.eng.Collect(f.ctx, "m1", "volcano", "hauler")
		if errors.Is(err, engine.ErrNothingToCollect) {
			continue
		}
		require.NoError(t, err)
		collected += res.Units
	}

	st, err = f.eng.GetStatus(f.ctx, "m1", "volcano", "hauler")
	require.NoError(t, err)
	whole := int64(f.clock().Sub(origin) / (10 * time.Minute))
	assert.Equal(t, whole, collected+st.Available)
	assert.Equal(t, collected, f.balance("hauler", economy.Obsidian))
}

func TestHarvestRejections(t *testing.T) {
	f := newFixture(t)
	f.player("walker", "azure", 0)

	_, err := f.eng.GetStatus(f.ctx, "m1", "medium", "alice")
	assert.ErrorIs(t, err, engine.ErrIslandNotHarvestable)

	_, err = f.eng.Collect(f.ctx, "m1", "volcano", "walker")
	assert.ErrorIs(t, err, engine.ErrNoCapacity)

	_, err = f.eng.Collect(f.ctx, "m1", "volcano", "stranger")
	assert.ErrorIs(t, err, engine.ErrNoCapacity)

	_, err = f.eng.GetStatus(f.ctx, "m1", "nowhere", "alice")
	assert.ErrorIs(t, err, engine.ErrIslandNotFound)
}

func TestConcurrentCollectCreditsOnce(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	f.advance(15 * time.Minute)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.eng.Collect(f.ctx, "m1", "volcano", "alice")
			if err == nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, engine.ErrNothingToCollect) || errors.Is(err, engine.ErrConflict), "unexpected error %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int64(2), f.balance("alice", economy.Obsidian))
}

// flakyWallet fails credits while fail is set.
type flakyWallet struct {
	economy.Wallet
	fail atomic.Bool
}

func (w *flakyWallet) Credit(ctx context.Context, player string, c economy.Currency, amount int64) error {
	if w.fail.Load() {
		return errors.New("ledger unavailable")
	}
	return w.Wallet.Credit(ctx, player, c, amount)
}

func TestCollectRestoresCursorWhenCreditFails(t *testing.T) {
	wallet := &flakyWallet{}
	journal := &recordingJournal{}
	f := newFixtureWith(t, func(d *engine.Deps, s *persistence.MemoryStore) {
		wallet.Wallet = s
		d.Wallet = wallet
		d.Journal = journal
	})

	_, err := f.eng.GetStatus(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	f.advance(15 * time.Minute)

	wallet.fail.Store(true)
	_, err = f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	assert.ErrorIs(t, err, engine.ErrInternal)
	assert.Zero(t, f.balance("alice", economy.Obsidian))

	c, found, err := f.store.Cursor(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, t0.Add(-10*time.Minute), c.LastCollectedAt)
	assert.Equal(t, 1, journal.count(economy.KindCompensated))

	wallet.fail.Store(false)
	res, err := f.eng.Collect(f.ctx, "m1", "volcano", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Units)
}

type recordingJournal struct {
	mu      sync.Mutex
	entries []economy.Entry
}

func (j *recordingJournal) Record(e economy.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *recordingJournal) count(kind string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
