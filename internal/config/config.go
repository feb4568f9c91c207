// Package config loads the island server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/island"
	"github.com/talgya/archipelago/internal/world"
)

// Config is the complete server configuration.
type Config struct {
	Engine  EngineConfig      `yaml:"engine"`
	Store   StoreConfig       `yaml:"store"`
	API     APIConfig         `yaml:"api"`
	Journal JournalConfig     `yaml:"journal"`
	Catalog string            `yaml:"catalog"` // Empty uses the embedded catalog
	Maps    []world.MapLayout `yaml:"maps"`

	// Secrets come from the environment only.
	AdminKey     string `yaml:"-"`
	RandomOrgKey string `yaml:"-"`
}

// EngineConfig holds the game timing rules.
type EngineConfig struct {
	HarvestInterval       time.Duration `yaml:"harvest_interval"`
	RebuildCooldown       time.Duration `yaml:"rebuild_cooldown"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	CommitRetries         int           `yaml:"commit_retries"`
	HelperStepPct         int           `yaml:"helper_step_pct"`
	HelperCapPct          int           `yaml:"helper_cap_pct"`
	DefaultHotSpringPrice int64         `yaml:"default_hot_spring_price"`
	MaxMultiplier         float64       `yaml:"max_multiplier"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres or memory
	DSN    string `yaml:"dsn"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Port          int      `yaml:"port"`
	RatePerSecond float64  `yaml:"rate_per_second"`
	Burst         int      `yaml:"burst"`
	CORSOrigins   []string `yaml:"cors_origins"`
}

// JournalConfig places the reconciliation journal.
type JournalConfig struct {
	Dir    string `yaml:"dir"`
	Prefix string `yaml:"prefix"`
}

// Drivers accepted in StoreConfig.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	s := engine.DefaultSettings()
	return Config{
		Engine: EngineConfig{
			HarvestInterval:       s.HarvestInterval,
			RebuildCooldown:       s.RebuildCooldown,
			SweepInterval:         engine.DefaultSweepInterval,
			CommitRetries:         s.CommitRetries,
			HelperStepPct:         s.HelperStepPct,
			HelperCapPct:          s.HelperCapPct,
			DefaultHotSpringPrice: s.DefaultHotSpringPrice,
			MaxMultiplier:         s.MaxMultiplier,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			DSN:    "data/archipelago.db",
		},
		API: APIConfig{
			Port:          8080,
			RatePerSecond: 5,
			Burst:         10,
			CORSOrigins:   []string{"http://localhost:5173"},
		},
		Journal: JournalConfig{
			Dir:    "data/journal",
			Prefix: "reconcile",
		},
		Maps: []world.MapLayout{
			world.DefaultLayout("azure-sea", "azure"),
			world.DefaultLayout("ember-reach", "ember"),
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// normalized defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read through
// getenv (os.Getenv in production).
func (c *Config) ApplyEnv(getenv func(string) string) error {
	c.AdminKey = getenv("ISLAND_ADMIN_KEY")
	c.RandomOrgKey = getenv("RANDOM_ORG_API_KEY")
	if v := getenv("DB_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
		if getenv("DB_DRIVER") == "" && (strings.HasPrefix(v, "postgres://") || strings.HasPrefix(v, "postgresql://")) {
			c.Store.Driver = DriverPostgres
		}
	}
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.API.Port = port
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.API.CORSOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.API.CORSOrigins = append(c.API.CORSOrigins, o)
			}
		}
	}
	c.Normalize()
	return c.Validate()
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	def := Defaults()
	if c.Engine.HarvestInterval <= 0 {
		c.Engine.HarvestInterval = def.Engine.HarvestInterval
	}
	if c.Engine.RebuildCooldown <= 0 {
		c.Engine.RebuildCooldown = def.Engine.RebuildCooldown
	}
	if c.Engine.SweepInterval <= 0 {
		c.Engine.SweepInterval = def.Engine.SweepInterval
	}
	if c.Engine.CommitRetries <= 0 {
		c.Engine.CommitRetries = def.Engine.CommitRetries
	}
	if c.Engine.HelperStepPct <= 0 {
		c.Engine.HelperStepPct = def.Engine.HelperStepPct
	}
	if c.Engine.HelperCapPct <= 0 {
		c.Engine.HelperCapPct = def.Engine.HelperCapPct
	}
	if c.Engine.DefaultHotSpringPrice <= 0 {
		c.Engine.DefaultHotSpringPrice = def.Engine.DefaultHotSpringPrice
	}
	if c.Engine.MaxMultiplier <= 0 {
		c.Engine.MaxMultiplier = def.Engine.MaxMultiplier
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.DSN == "" && c.Store.Driver == DriverSQLite {
		c.Store.DSN = def.Store.DSN
	}

	if c.API.Port == 0 {
		c.API.Port = def.API.Port
	}
	if c.API.RatePerSecond <= 0 {
		c.API.RatePerSecond = def.API.RatePerSecond
	}
	if c.API.Burst <= 0 {
		c.API.Burst = def.API.Burst
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = def.Journal.Dir
	}
	if c.Journal.Prefix == "" {
		c.Journal.Prefix = def.Journal.Prefix
	}

	for i := range c.Maps {
		m := &c.Maps[i]
		m.MapID = strings.TrimSpace(m.MapID)
		d := world.DefaultLayout(m.MapID, m.Nation)
		if m.Width <= 0 {
			m.Width = d.Width
		}
		if m.Height <= 0 {
			m.Height = d.Height
		}
		if m.Counts == nil {
			m.Counts = d.Counts
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Driver == DriverPostgres && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required for postgres"))
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port: %d out of range", c.API.Port))
	}
	if c.Engine.HelperCapPct > 100 {
		errs = append(errs, fmt.Errorf("engine.helper_cap_pct: %d exceeds 100", c.Engine.HelperCapPct))
	}

	seen := make(map[string]bool, len(c.Maps))
	for i, m := range c.Maps {
		if m.MapID == "" {
			errs = append(errs, fmt.Errorf("maps[%d]: id is required", i))
			continue
		}
		if seen[m.MapID] {
			errs = append(errs, fmt.Errorf("maps[%d]: duplicate id %q", i, m.MapID))
		}
		seen[m.MapID] = true
		if m.Nation == "" {
			errs = append(errs, fmt.Errorf("maps[%d]: nation is required", i))
		}
		for j, sp := range m.Specials {
			if !sp.Size.Valid() {
				errs = append(errs, fmt.Errorf("maps[%d].specials[%d]: unknown size %q", i, j, sp.Size))
			}
		}
		for size, n := range m.Counts {
			if !size.Valid() || n < 0 {
				errs = append(errs, fmt.Errorf("maps[%d].counts: bad entry %s=%d", i, size, n))
			}
		}
	}
	return errors.Join(errs...)
}

// EngineSettings converts the engine section.
func (c Config) EngineSettings() engine.Settings {
	return engine.Settings{
		HarvestInterval:       c.Engine.HarvestInterval,
		RebuildCooldown:       c.Engine.RebuildCooldown,
		CommitRetries:         c.Engine.CommitRetries,
		HelperStepPct:         c.Engine.HelperStepPct,
		HelperCapPct:          c.Engine.HelperCapPct,
		DefaultHotSpringPrice: c.Engine.DefaultHotSpringPrice,
		MaxMultiplier:         c.Engine.MaxMultiplier,
	}
}

// Nations lists the distinct nations referenced by the map layouts.
func (c Config) Nations() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range c.Maps {
		if !seen[m.Nation] {
			seen[m.Nation] = true
			out = append(out, m.Nation)
		}
	}
	return out
}

// IslandCount is the number of islands a layout generates.
func IslandCount(m world.MapLayout) int {
	n := len(m.Specials)
	for _, size := range []island.Size{island.SizeGiant, island.SizeLarge, island.SizeMedium, island.SizeSmall} {
		n += m.Counts[size]
	}
	return n
}
