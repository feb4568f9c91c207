// Package engine implements the island lifecycle: construction, harvest,
// shop commerce and the registry operations, all committed through
// optimistic compare-and-swap writes against the island store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talgya/archipelago/internal/catalog"
	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/island"
)

// Settings holds the tunable timing and retry parameters.
type Settings struct {
	HarvestInterval       time.Duration
	RebuildCooldown       time.Duration
	CommitRetries         int
	HelperStepPct         int     // Reduction per distinct helper
	HelperCapPct          int     // Maximum total reduction
	DefaultHotSpringPrice int64   // Used until the owner sets a price
	MaxMultiplier         float64 // Upper bound on owner-set shop multipliers
}

// DefaultSettings returns the standard game rules.
func DefaultSettings() Settings {
	return Settings{
		HarvestInterval:       10 * time.Minute,
		RebuildCooldown:       24 * time.Hour,
		CommitRetries:         4,
		HelperStepPct:         10,
		HelperCapPct:          50,
		DefaultHotSpringPrice: 25,
		MaxMultiplier:         10,
	}
}

// Deps are the collaborators the engine consumes.
type Deps struct {
	Islands    IslandStore
	Cursors    CursorStore
	Wallet     economy.Wallet
	Inventory  economy.Inventory
	Governance Governance
	Transport  Transport
	Profiles   Profiles
	Catalog    *catalog.Catalog
	Journal    economy.Journal // Optional
	Events     EventSink       // Optional
	Clock      func() time.Time
}

// Engine runs island operations. It holds no mutable state of its own; all
// consistency is enforced by the stores.
type Engine struct {
	islands    IslandStore
	cursors    CursorStore
	wallet     economy.Wallet
	inventory  economy.Inventory
	governance Governance
	transport  Transport
	profiles   Profiles
	catalog    *catalog.Catalog
	journal    economy.Journal
	events     EventSink
	clock      func() time.Time
	settings   Settings
}

// New creates an engine. Zero settings fields fall back to DefaultSettings.
func New(d Deps, s Settings) *Engine {
	def := DefaultSettings()
	if s.HarvestInterval <= 0 {
		s.HarvestInterval = def.HarvestInterval
	}
	if s.RebuildCooldown <= 0 {
		s.RebuildCooldown = def.RebuildCooldown
	}
	if s.CommitRetries <= 0 {
		s.CommitRetries = def.CommitRetries
	}
	if s.HelperStepPct <= 0 {
		s.HelperStepPct = def.HelperStepPct
	}
	if s.HelperCapPct <= 0 || s.HelperCapPct > 100 {
		s.HelperCapPct = def.HelperCapPct
	}
	if s.DefaultHotSpringPrice <= 0 {
		s.DefaultHotSpringPrice = def.DefaultHotSpringPrice
	}
	if s.MaxMultiplier <= 0 {
		s.MaxMultiplier = def.MaxMultiplier
	}
	clock := d.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		islands:    d.Islands,
		cursors:    d.Cursors,
		wallet:     economy.CanonicalWallet{Inner: d.Wallet},
		inventory:  d.Inventory,
		governance: d.Governance,
		transport:  d.Transport,
		profiles:   d.Profiles,
		catalog:    d.Catalog,
		journal:    d.Journal,
		events:     d.Events,
		clock:      clock,
		settings:   s,
	}
}

// Settings returns the effective settings.
func (e *Engine) Settings() Settings { return e.settings }

// Catalog returns the immutable building and item catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

func (e *Engine) now() time.Time { return e.clock().UTC() }

// Event types published after a successful commit.
const (
	EventConstructionStarted   = "construction_started"
	EventConstructionHelped    = "construction_helped"
	EventConstructionCompleted = "construction_completed"
	EventDemolished            = "demolished"
	EventRebuilt               = "rebuilt"
	EventUpgraded              = "upgraded"
	EventHarvestCollected      = "harvest_collected"
	EventShopSale              = "shop_sale"
	EventShopPurchase          = "shop_purchase"
	EventHotSpringUsed         = "hot_spring_used"
	EventPricingUpdated        = "pricing_updated"
	EventOwnershipTransferred  = "ownership_transferred"
)

// Event is a committed state transition.
type Event struct {
	Type     string         `json:"type"`
	MapID    string         `json:"map_id"`
	IslandID string         `json:"island_id"`
	Actor    string         `json:"actor,omitempty"`
	At       time.Time      `json:"at"`
	Detail   map[string]any `json:"detail,omitempty"`
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, ev)
}

// txn is one attempt of a read-modify-write on an island.
type txn struct {
	is       *island.Island
	now      time.Time
	saga     *economy.Saga
	advanced bool // Advance completed a construction on this read
	noWrite  bool // Set by apply when nothing needs saving
	events   []Event
}

func (t *txn) emit(typ, actor string, detail map[string]any) {
	t.events = append(t.events, Event{
		Type:     typ,
		MapID:    t.is.MapID,
		IslandID: t.is.ID,
		Actor:    actor,
		At:       t.now,
		Detail:   detail,
	})
}

// commit loads the island, applies lazy completion, runs apply and writes
// the result with a version check. Side effects registered on t.saga are
// reversed when apply fails or the write loses a race; stale writes are
// retried up to CommitRetries times.
func (e *Engine) commit(ctx context.Context, op, mapID, islandID string, apply func(ctx context.Context, t *txn) error) (*island.Island, error) {
	for attempt := 0; attempt < e.settings.CommitRetries; attempt++ {
		is, err := e.islands.Island(ctx, mapID, islandID)
		if err != nil {
			if errors.Is(err, ErrIslandNotFound) {
				return nil, failf(ErrIslandNotFound, "island %s/%s not found", mapID, islandID)
			}
			return nil, internal("load island", err)
		}

		t := &txn{is: is, now: e.now(), saga: economy.NewSaga(op, e.journal)}
		t.advanced = Advance(is, t.now)
		if t.advanced {
			b, _ := is.Active()
			t.emit(EventConstructionCompleted, is.OwnerID, map[string]any{"building": b.BuildingID, "level": b.Level})
		}

		if err := apply(ctx, t); err != nil {
			t.saga.Compensate(ctx, err)
			return nil, err
		}
		if t.noWrite && !t.advanced {
			t.saga.Commit()
			return is, nil
		}

		is.SyncConstructionStatus()
		if err := is.CheckSlot(); err != nil {
			t.saga.Compensate(ctx, err)
			return nil, internal(op, err)
		}

		if err := e.islands.SaveIsland(ctx, is); err != nil {
			t.saga.Compensate(ctx, err)
			if errors.Is(err, ErrStale) {
				slog.Debug("island commit conflict, retrying", "op", op, "island", is.Key(), "attempt", attempt+1)
				continue
			}
			return nil, internal("save island", err)
		}
		t.saga.Commit()

		for _, ev := range t.events {
			e.publish(ctx, ev)
		}
		return is, nil
	}
	slog.Warn("island commit retries exhausted", "op", op, "map", mapID, "island", islandID)
	return nil, failf(ErrConflict, "%s on %s/%s: too many concurrent updates, try again", op, mapID, islandID)
}

// Advance applies every time-driven transition due at now: a construction
// whose completion time has passed becomes completed. It mutates is in place,
// performs no I/O, and reports whether anything changed.
func Advance(is *island.Island, now time.Time) bool {
	b, ok := is.Constructing()
	if !ok || now.Before(b.CompletionTime) {
		return false
	}
	b.Status = island.StatusCompleted
	b.CurrentHP = b.MaxHP
	is.SyncConstructionStatus()
	return true
}

// charge debits cost from player inside the transaction's saga.
func (e *Engine) charge(ctx context.Context, t *txn, player string, cost economy.Cost) error {
	if err := economy.CheckAffordable(ctx, e.wallet, player, cost); err != nil {
		return e.walletErr("check balance", err)
	}
	if err := economy.Charge(ctx, t.saga, e.wallet, player, cost); err != nil {
		return e.walletErr("debit", err)
	}
	return nil
}

// walletErr maps economy service failures onto engine errors.
func (e *Engine) walletErr(op string, err error) error {
	switch {
	case errors.Is(err, economy.ErrInsufficientFunds):
		return failf(ErrInsufficientFunds, "%v", err)
	case errors.Is(err, economy.ErrInsufficientItems):
		return failf(ErrInsufficientItems, "%v", err)
	default:
		return internal(op, err)
	}
}

func (e *Engine) nationOf(ctx context.Context, player string) (string, error) {
	n, err := e.profiles.Nation(ctx, player)
	if err != nil {
		return "", internal("profile lookup", err)
	}
	return n, nil
}

// required checks name/value pairs for blank values.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return failf(ErrInvalidInput, "%s is required", pairs[i])
		}
	}
	return nil
}

func requireOwner(is *island.Island, actor string) error {
	if is.OwnerID != actor {
		return failf(ErrNotOwner, "%s does not own island %s", actor, is.Key())
	}
	return nil
}

func describeCost(c economy.Cost) string {
	parts := make([]string, 0, len(c))
	for _, cur := range c.Currencies() {
		parts = append(parts, fmt.Sprintf("%d %s", c[cur], cur))
	}
	return strings.Join(parts, ", ")
}
