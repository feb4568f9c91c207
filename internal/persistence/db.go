// Package persistence provides the SQL-backed island store, harvest cursors,
// nation treasuries and the player ledger, plus an in-memory equivalent.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/island"
	"github.com/talgya/archipelago/internal/social"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB wraps a SQL connection for world state persistence.
type DB struct {
	conn   *sqlx.DB
	driver string
}

// Open opens or creates the database and migrates the schema. For SQLite,
// dsn is a file path.
func Open(driver, dsn string) (*DB, error) {
	var (
		conn *sqlx.DB
		err  error
	)
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		conn, err = sqlx.Open(DriverSQLite, dsn+sep+"_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err == nil {
			// One writer keeps SQLite from returning SQLITE_BUSY under load.
			conn.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		conn, err = sqlx.Open(DriverPostgres, dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate() error {
	eventID := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == DriverPostgres {
		eventID = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS islands (
			map_id TEXT NOT NULL,
			id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			constructing INTEGER NOT NULL DEFAULT 0,
			version BIGINT NOT NULL,
			doc TEXT NOT NULL,
			PRIMARY KEY (map_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS harvest_cursors (
			map_id TEXT NOT NULL,
			island_id TEXT NOT NULL,
			player_id TEXT NOT NULL,
			last_collected_ms BIGINT NOT NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (map_id, island_id, player_id)
		)`,
		`CREATE TABLE IF NOT EXISTS nations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind INTEGER NOT NULL DEFAULT 0,
			treasury_amount BIGINT NOT NULL DEFAULT 0,
			tax_rate_bps INTEGER NOT NULL,
			grant_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			player_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount BIGINT NOT NULL,
			PRIMARY KEY (player_id, currency)
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			player_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			count BIGINT NOT NULL,
			PRIMARY KEY (player_id, item_id)
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id TEXT PRIMARY KEY,
			nation TEXT NOT NULL DEFAULT '',
			cargo_capacity INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			` + eventID + `,
			at_ms BIGINT NOT NULL,
			type TEXT NOT NULL,
			map_id TEXT NOT NULL,
			island_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			detail TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS world_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_islands_owner ON islands(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_islands_constructing ON islands(constructing)`,
		`CREATE INDEX IF NOT EXISTS idx_events_island ON events(map_id, island_id)`,
	}
	for _, s := range stmts {
		if _, err := db.conn.Exec(s); err != nil {
			return fmt.Errorf("%s: %w", firstLine(s), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '('); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func (db *DB) q(query string) string { return db.conn.Rebind(query) }

// --- islands ---

type islandRow struct {
	Doc     string `db:"doc"`
	Version int64  `db:"version"`
}

func decodeIsland(r islandRow) (*island.Island, error) {
	var is island.Island
	if err := json.Unmarshal([]byte(r.Doc), &is); err != nil {
		return nil, fmt.Errorf("decode island: %w", err)
	}
	is.Version = r.Version
	return &is, nil
}

func (db *DB) selectIslands(ctx context.Context, query string, args ...any) ([]*island.Island, error) {
	var rows []islandRow
	if err := db.conn.SelectContext(ctx, &rows, db.q(query), args...); err != nil {
		return nil, err
	}
	out := make([]*island.Island, 0, len(rows))
	for _, r := range rows {
		is, err := decodeIsland(r)
		if err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, nil
}

// Island implements engine.IslandStore.
func (db *DB) Island(ctx context.Context, mapID, id string) (*island.Island, error) {
	var r islandRow
	err := db.conn.GetContext(ctx, &r, db.q("SELECT doc, version FROM islands WHERE map_id = ? AND id = ?"), mapID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrIslandNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeIsland(r)
}

// Islands implements engine.IslandStore.
func (db *DB) Islands(ctx context.Context, mapID string) ([]*island.Island, error) {
	return db.selectIslands(ctx, "SELECT doc, version FROM islands WHERE map_id = ? ORDER BY id", mapID)
}

// IslandsOwnedBy implements engine.IslandStore.
func (db *DB) IslandsOwnedBy(ctx context.Context, player string) ([]*island.Island, error) {
	return db.selectIslands(ctx, "SELECT doc, version FROM islands WHERE owner_id = ? ORDER BY map_id, id", player)
}

// ListConstructing implements engine.IslandStore.
func (db *DB) ListConstructing(ctx context.Context) ([]*island.Island, error) {
	return db.selectIslands(ctx, "SELECT doc, version FROM islands WHERE constructing = 1 ORDER BY map_id, id")
}

// InsertIslands implements engine.IslandStore. All islands are written in
// one transaction at version 1.
func (db *DB) InsertIslands(ctx context.Context, islands []*island.Island) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := db.q(`INSERT INTO islands (map_id, id, owner_id, constructing, version, doc)
		VALUES (?, ?, ?, ?, 1, ?)`)
	for _, is := range islands {
		doc, err := json.Marshal(is)
		if err != nil {
			return fmt.Errorf("encode island %s: %w", is.Key(), err)
		}
		if _, err := tx.ExecContext(ctx, query, is.MapID, is.ID, is.OwnerID, constructingFlag(is), string(doc)); err != nil {
			return fmt.Errorf("insert island %s: %w", is.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, is := range islands {
		is.Version = 1
	}
	return nil
}

// SaveIsland implements engine.IslandStore with a version check.
func (db *DB) SaveIsland(ctx context.Context, is *island.Island) error {
	doc, err := json.Marshal(is)
	if err != nil {
		return fmt.Errorf("encode island %s: %w", is.Key(), err)
	}
	res, err := db.conn.ExecContext(ctx, db.q(`UPDATE islands
		SET doc = ?, owner_id = ?, constructing = ?, version = version + 1
		WHERE map_id = ? AND id = ? AND version = ?`),
		string(doc), is.OwnerID, constructingFlag(is), is.MapID, is.ID, is.Version)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return engine.ErrStale
	}
	is.Version++
	return nil
}

func constructingFlag(is *island.Island) int {
	if is.ConstructionStatus == island.ConstructionActive {
		return 1
	}
	return 0
}

// --- harvest cursors ---

type cursorRow struct {
	MapID    string `db:"map_id"`
	IslandID string `db:"island_id"`
	PlayerID string `db:"player_id"`
	LastMs   int64  `db:"last_collected_ms"`
	Version  int64  `db:"version"`
}

// Cursor implements engine.CursorStore.
func (db *DB) Cursor(ctx context.Context, mapID, islandID, player string) (*engine.Cursor, bool, error) {
	var r cursorRow
	err := db.conn.GetContext(ctx, &r, db.q(`SELECT map_id, island_id, player_id, last_collected_ms, version
		FROM harvest_cursors WHERE map_id = ? AND island_id = ? AND player_id = ?`), mapID, islandID, player)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &engine.Cursor{
		MapID:           r.MapID,
		IslandID:        r.IslandID,
		PlayerID:        r.PlayerID,
		LastCollectedAt: time.UnixMilli(r.LastMs).UTC(),
		Version:         r.Version,
	}, true, nil
}

// SaveCursor implements engine.CursorStore.
func (db *DB) SaveCursor(ctx context.Context, c *engine.Cursor) error {
	var (
		res sql.Result
		err error
	)
	if c.Version == 0 {
		res, err = db.conn.ExecContext(ctx, db.q(`INSERT INTO harvest_cursors
			(map_id, island_id, player_id, last_collected_ms, version) VALUES (?, ?, ?, ?, 1)
			ON CONFLICT (map_id, island_id, player_id) DO NOTHING`),
			c.MapID, c.IslandID, c.PlayerID, c.LastCollectedAt.UnixMilli())
	} else {
		res, err = db.conn.ExecContext(ctx, db.q(`UPDATE harvest_cursors
			SET last_collected_ms = ?, version = version + 1
			WHERE map_id = ? AND island_id = ? AND player_id = ? AND version = ?`),
			c.LastCollectedAt.UnixMilli(), c.MapID, c.IslandID, c.PlayerID, c.Version)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return engine.ErrStale
	}
	c.Version++
	return nil
}

// --- nations ---

// EnsureNations inserts nations that do not exist yet.
func (db *DB) EnsureNations(ctx context.Context, nations []*social.Nation) error {
	for _, n := range nations {
		if err := db.ensureNation(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) ensureNation(ctx context.Context, n *social.Nation) error {
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO nations
		(id, name, kind, treasury_amount, tax_rate_bps, grant_multiplier) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`),
		n.ID, n.Name, n.Kind, n.TreasuryAmount, n.TaxRateBps, n.GrantMultiplier)
	if err != nil {
		return fmt.Errorf("ensure nation %s: %w", n.ID, err)
	}
	return nil
}

// Nation returns a nation, creating it with defaults on first use.
func (db *DB) Nation(ctx context.Context, id string) (*social.Nation, error) {
	if err := db.ensureNation(ctx, social.NewNation(id)); err != nil {
		return nil, err
	}
	var n social.Nation
	err := db.conn.GetContext(ctx, &n, db.q(`SELECT id, name, kind, treasury_amount, tax_rate_bps, grant_multiplier
		FROM nations WHERE id = ?`), id)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Nations lists every nation.
func (db *DB) Nations(ctx context.Context) ([]*social.Nation, error) {
	var out []*social.Nation
	err := db.conn.SelectContext(ctx, &out, `SELECT id, name, kind, treasury_amount, tax_rate_bps, grant_multiplier
		FROM nations ORDER BY id`)
	return out, err
}

// TaxRateBps implements engine.Governance.
func (db *DB) TaxRateBps(ctx context.Context, nation string) (int, error) {
	n, err := db.Nation(ctx, nation)
	if err != nil {
		return 0, err
	}
	return n.EffectiveTaxBps(), nil
}

// AddTreasury implements engine.Governance. Negative amounts reverse a deposit.
func (db *DB) AddTreasury(ctx context.Context, nation string, amount int64) error {
	if err := db.ensureNation(ctx, social.NewNation(nation)); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx, db.q("UPDATE nations SET treasury_amount = treasury_amount + ? WHERE id = ?"), amount, nation)
	return err
}

// SetTaxRate stores a nation's tax rate, clamped to the allowed range.
func (db *DB) SetTaxRate(ctx context.Context, nation string, bps int) error {
	if err := db.ensureNation(ctx, social.NewNation(nation)); err != nil {
		return err
	}
	_, err := db.conn.ExecContext(ctx, db.q("UPDATE nations SET tax_rate_bps = ? WHERE id = ?"), economy.ClampTaxBps(bps), nation)
	return err
}

// --- wallet and inventory ---

// Balance implements economy.Wallet.
func (db *DB) Balance(ctx context.Context, player string, c economy.Currency) (int64, error) {
	var amount int64
	err := db.conn.GetContext(ctx, &amount, db.q("SELECT amount FROM balances WHERE player_id = ? AND currency = ?"), player, string(c))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return amount, err
}

// Credit implements economy.Wallet.
func (db *DB) Credit(ctx context.Context, player string, c economy.Currency, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit %d %s: negative amount", amount, c)
	}
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO balances (player_id, currency, amount) VALUES (?, ?, ?)
		ON CONFLICT (player_id, currency) DO UPDATE SET amount = balances.amount + excluded.amount`),
		player, string(c), amount)
	return err
}

// Debit implements economy.Wallet. The balance check and the decrement are
// one statement, so concurrent debits cannot overdraw.
func (db *DB) Debit(ctx context.Context, player string, c economy.Currency, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit %d %s: negative amount", amount, c)
	}
	res, err := db.conn.ExecContext(ctx, db.q(`UPDATE balances SET amount = amount - ?
		WHERE player_id = ? AND currency = ? AND amount >= ?`), amount, player, string(c), amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if amount == 0 {
			return nil
		}
		return fmt.Errorf("%w: %s needs %d %s", economy.ErrInsufficientFunds, player, amount, c)
	}
	return nil
}

// GrantItem implements economy.Inventory.
func (db *DB) GrantItem(ctx context.Context, player, itemID string, n int) error {
	if n < 0 {
		return fmt.Errorf("grant %d %s: negative count", n, itemID)
	}
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO items (player_id, item_id, count) VALUES (?, ?, ?)
		ON CONFLICT (player_id, item_id) DO UPDATE SET count = items.count + excluded.count`),
		player, itemID, n)
	return err
}

// TakeItem implements economy.Inventory.
func (db *DB) TakeItem(ctx context.Context, player, itemID string, n int) error {
	res, err := db.conn.ExecContext(ctx, db.q(`UPDATE items SET count = count - ?
		WHERE player_id = ? AND item_id = ? AND count >= ?`), n, player, itemID, n)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return fmt.Errorf("%w: %s has fewer than %d %s", economy.ErrInsufficientItems, player, n, itemID)
	}
	return nil
}

// ItemCount returns how many units of itemID player holds.
func (db *DB) ItemCount(ctx context.Context, player, itemID string) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, db.q("SELECT count FROM items WHERE player_id = ? AND item_id = ?"), player, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

// --- players ---

// Player is the profile and transport record of a player.
type Player struct {
	ID            string `json:"id" db:"id"`
	Nation        string `json:"nation" db:"nation"`
	CargoCapacity int    `json:"cargo_capacity" db:"cargo_capacity"`
}

// UpsertPlayer stores a player's profile.
func (db *DB) UpsertPlayer(ctx context.Context, p Player) error {
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO players (id, nation, cargo_capacity) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET nation = excluded.nation, cargo_capacity = excluded.cargo_capacity`),
		p.ID, p.Nation, p.CargoCapacity)
	return err
}

func (db *DB) playerNation(ctx context.Context, player string) (string, error) {
	var nation string
	err := db.conn.GetContext(ctx, &nation, db.q("SELECT nation FROM players WHERE id = ?"), player)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return nation, err
}

// CargoCapacity implements engine.Transport. Unknown players have none.
func (db *DB) CargoCapacity(ctx context.Context, player string) (int, error) {
	var c int
	err := db.conn.GetContext(ctx, &c, db.q("SELECT cargo_capacity FROM players WHERE id = ?"), player)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return c, err
}

// Profiles adapts the players table to engine.Profiles.
func (db *DB) Profiles() engine.Profiles { return dbProfiles{db} }

type dbProfiles struct{ db *DB }

func (p dbProfiles) Nation(ctx context.Context, player string) (string, error) {
	return p.db.playerNation(ctx, player)
}

// --- events and metadata ---

// Publish implements engine.EventSink. Write failures are logged; events
// are an audit trail, not part of the transaction.
func (db *DB) Publish(ctx context.Context, ev engine.Event) {
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		detail = []byte("{}")
	}
	_, err = db.conn.ExecContext(ctx, db.q(`INSERT INTO events (at_ms, type, map_id, island_id, actor, detail)
		VALUES (?, ?, ?, ?, ?, ?)`), ev.At.UnixMilli(), ev.Type, ev.MapID, ev.IslandID, ev.Actor, string(detail))
	if err != nil {
		slog.Warn("event write failed", "type", ev.Type, "island", ev.MapID+"/"+ev.IslandID, "error", err)
	}
}

type eventRow struct {
	AtMs     int64  `db:"at_ms"`
	Type     string `db:"type"`
	MapID    string `db:"map_id"`
	IslandID string `db:"island_id"`
	Actor    string `db:"actor"`
	Detail   string `db:"detail"`
}

// RecentEvents returns the most recent N events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]engine.Event, error) {
	var rows []eventRow
	err := db.conn.SelectContext(ctx, &rows,
		db.q("SELECT at_ms, type, map_id, island_id, actor, detail FROM events ORDER BY id DESC LIMIT ?"),
		limit,
	)
	if err != nil {
		return nil, err
	}
	out := make([]engine.Event, 0, len(rows))
	for _, r := range rows {
		ev := engine.Event{
			Type:     r.Type,
			MapID:    r.MapID,
			IslandID: r.IslandID,
			Actor:    r.Actor,
			At:       time.UnixMilli(r.AtMs).UTC(),
		}
		_ = json.Unmarshal([]byte(r.Detail), &ev.Detail)
		out = append(out, ev)
	}
	return out, nil
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO world_meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`), key, value)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, db.q("SELECT value FROM world_meta WHERE key = ?"), key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}
