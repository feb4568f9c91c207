// Command islandd runs the island lifecycle server: the HTTP API, the
// completion sweeper and the event stream over a SQL or in-memory store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/archipelago/internal/api"
	"github.com/talgya/archipelago/internal/catalog"
	"github.com/talgya/archipelago/internal/config"
	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/entropy"
	"github.com/talgya/archipelago/internal/persistence"
	"github.com/talgya/archipelago/internal/social"
	"github.com/talgya/archipelago/internal/world"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var (
		configPath = flag.String("config", "", "path to islands.yaml (empty uses built-in defaults)")
		dataDir    = flag.String("data", "data", "directory for the sqlite database and journal")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		slog.Error("invalid environment override", "error", err)
		os.Exit(1)
	}
	relocate(&cfg, *dataDir)

	slog.Info("Archipelago island server",
		"store", cfg.Store.Driver,
		"maps", len(cfg.Maps),
		"harvest_interval", cfg.Engine.HarvestInterval,
		"rebuild_cooldown", cfg.Engine.RebuildCooldown,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ─────────────────────────────────────────────────────────
	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	nations := social.SeedNations()
	for _, id := range cfg.Nations() {
		nations = append(nations, social.NewNation(id))
	}
	if err := store.EnsureNations(ctx, nations); err != nil {
		slog.Error("failed to seed nations", "error", err)
		os.Exit(1)
	}

	// ── Catalog ───────────────────────────────────────────────────────
	var cat *catalog.Catalog
	if cfg.Catalog != "" {
		cat, err = catalog.Load(cfg.Catalog)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		slog.Error("failed to load catalog", "path", cfg.Catalog, "error", err)
		os.Exit(1)
	}
	slog.Info("catalog loaded", "buildings", len(cat.Buildings()), "items", len(cat.Items()), "digest", cat.Digest())

	// ── Engine ────────────────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Journal.Dir, 0o755); err != nil {
		slog.Error("failed to create journal directory", "dir", cfg.Journal.Dir, "error", err)
		os.Exit(1)
	}
	journal := economy.NewZstdJournal(cfg.Journal.Dir, cfg.Journal.Prefix)
	defer journal.Close()

	hub := api.NewHub()
	deps := persistence.EngineDeps(store)
	deps.Catalog = cat
	deps.Journal = journal
	deps.Events = engine.Sinks{store, hub}
	eng := engine.New(deps, cfg.EngineSettings())

	// ── World Maps (generated once, then loaded from the store) ──────
	seeder := entropy.NewClient(cfg.RandomOrgKey)
	if seeder.Enabled() {
		slog.Info("random.org seeding enabled")
	}
	mapIDs, err := ensureMaps(ctx, store, eng, cfg.Maps, seeder.Seed)
	if err != nil {
		slog.Error("failed to prepare maps", "error", err)
		os.Exit(1)
	}

	// ── Sweeper ───────────────────────────────────────────────────────
	sweeper := engine.NewSweeper(eng)
	sweeper.Interval = cfg.Engine.SweepInterval
	go sweeper.Run(ctx)

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.AdminKey == "" {
		slog.Warn("ISLAND_ADMIN_KEY not set, admin endpoints will be disabled")
	}
	limiter := api.NewRateLimiter(cfg.API.RatePerSecond, cfg.API.Burst)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := limiter.Cleanup(); n > 0 {
					slog.Debug("rate limiter buckets dropped", "count", n)
				}
			}
		}
	}()

	apiServer := &api.Server{
		Engine:      eng,
		Store:       store,
		Hub:         hub,
		Maps:        mapIDs,
		Port:        cfg.API.Port,
		AdminKey:    cfg.AdminKey,
		CORSOrigins: cfg.API.CORSOrigins,
		Limiter:     limiter,
	}
	apiServer.Start()

	fmt.Printf("\nArchipelago is open: %d maps.\n", len(mapIDs))
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.API.Port)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	fmt.Println("Server stopped.")
}

// relocate places relative sqlite and journal paths under dataDir.
func relocate(cfg *config.Config, dataDir string) {
	def := config.Defaults()
	if dataDir == "" || dataDir == "data" {
		return
	}
	if cfg.Store.Driver == config.DriverSQLite && cfg.Store.DSN == def.Store.DSN {
		cfg.Store.DSN = filepath.Join(dataDir, filepath.Base(def.Store.DSN))
	}
	if cfg.Journal.Dir == def.Journal.Dir {
		cfg.Journal.Dir = filepath.Join(dataDir, filepath.Base(def.Journal.Dir))
	}
}

func openStore(sc config.StoreConfig) (persistence.Store, func(), error) {
	switch sc.Driver {
	case config.DriverMemory:
		slog.Warn("using in-memory store, state is lost on exit")
		return persistence.NewMemoryStore(), func() {}, nil
	case config.DriverSQLite:
		if dir := filepath.Dir(sc.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, err
			}
		}
	}
	db, err := persistence.Open(sc.Driver, sc.DSN)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("database opened", "driver", sc.Driver)
	return db, func() { db.Close() }, nil
}

// ensureMaps generates every layout not yet recorded in world metadata and
// returns the map IDs in layout order. A layout without a fixed seed draws
// one from seed.
func ensureMaps(ctx context.Context, store persistence.Store, eng *engine.Engine, layouts []world.MapLayout, seed func() int64) ([]string, error) {
	ids := make([]string, 0, len(layouts))
	for _, layout := range layouts {
		ids = append(ids, layout.MapID)
		key := "map:" + layout.MapID

		if v, found, err := store.GetMeta(ctx, key); err != nil {
			return nil, err
		} else if found {
			slog.Info("map loaded", "map", layout.MapID, "seed", v)
			continue
		}

		if layout.Seed == 0 {
			layout.Seed = seed()
		}
		islands := world.Generate(layout)
		if err := eng.Place(ctx, islands); err != nil {
			return nil, fmt.Errorf("place map %s: %w", layout.MapID, err)
		}
		if err := store.SaveMeta(ctx, key, strconv.FormatInt(layout.Seed, 10)); err != nil {
			return nil, err
		}
		slog.Info("map generated", "map", layout.MapID, "nation", layout.Nation, "islands", len(islands), "seed", layout.Seed)
	}
	return ids, nil
}
