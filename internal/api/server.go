// Package api provides the HTTP API for the island engine.
// GET endpoints are public. Player actions identify the actor with the
// X-Player-ID header and are rate limited per player. Admin endpoints
// require a bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/archipelago/internal/economy"
	"github.com/talgya/archipelago/internal/engine"
	"github.com/talgya/archipelago/internal/persistence"
)

// PlayerHeader carries the acting player on every action request.
const PlayerHeader = "X-Player-ID"

const maxBodyBytes = 64 << 10

// Server serves the island engine over HTTP.
type Server struct {
	Engine      *engine.Engine
	Store       persistence.Store
	Hub         *Hub
	Maps        []string // Map IDs reported by /status
	Port        int
	AdminKey    string // Bearer token for admin endpoints. Empty = admin disabled.
	CORSOrigins []string
	Limiter     *RateLimiter // Nil disables rate limiting

	started time.Time
	srv     *http.Server
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	act := func(h http.HandlerFunc) http.HandlerFunc {
		h = s.playerOnly(h)
		if s.Limiter != nil {
			h = RateLimitMiddleware(s.Limiter, h)
		}
		return h
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/catalog", s.handleCatalog)
	mux.HandleFunc("GET /api/v1/nations", s.handleNations)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/maps/{map}/islands", s.handleIslands)
	mux.HandleFunc("GET /api/v1/maps/{map}/islands/{id}", s.handleIsland)
	mux.HandleFunc("GET /api/v1/maps/{map}/islands/{id}/shop", s.handleQuote)
	mux.HandleFunc("GET /api/v1/players/{player}/islands", s.handlePlayerIslands)
	mux.HandleFunc("GET /api/v1/players/{player}/wallet", s.handleWallet)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	// Construction lifecycle.
	const island = "/api/v1/maps/{map}/islands/{id}"
	mux.HandleFunc("POST "+island+"/construction", act(s.handleStartConstruction))
	mux.HandleFunc("POST "+island+"/construction/help", act(s.handleHelp))
	mux.HandleFunc("POST "+island+"/construction/check", s.handleCheck)
	mux.HandleFunc("POST "+island+"/demolish", act(s.handleDemolish))
	mux.HandleFunc("POST "+island+"/rebuild", act(s.handleRebuild))
	mux.HandleFunc("POST "+island+"/upgrade", act(s.handleUpgrade))
	mux.HandleFunc("POST "+island+"/transfer", act(s.handleTransfer))

	// Harvest and commerce.
	mux.HandleFunc("GET "+island+"/harvest", s.playerOnly(s.handleHarvestStatus))
	mux.HandleFunc("POST "+island+"/harvest", act(s.handleCollect))
	mux.HandleFunc("PUT "+island+"/shop/pricing", act(s.handlePricing))
	mux.HandleFunc("POST "+island+"/shop/sell", act(s.handleSell))
	mux.HandleFunc("POST "+island+"/shop/buy", act(s.handleBuy))
	mux.HandleFunc("POST "+island+"/hotspring", act(s.handleHotSpring))

	// Admin endpoints (require bearer token).
	mux.HandleFunc("PUT /api/v1/admin/players/{player}", s.adminOnly(s.handleUpsertPlayer))
	mux.HandleFunc("POST /api/v1/admin/players/{player}/grant", s.adminOnly(s.handleGrant))
	mux.HandleFunc("PUT /api/v1/admin/nations/{nation}/tax", s.adminOnly(s.handleSetTax))

	return corsMiddleware(s.CORSOrigins, mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "rate_limited", s.Limiter != nil)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowedOrigins[origin] = true
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+PlayerHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeErrorBody(w, http.StatusForbidden, "E_ADMIN_DISABLED", "admin endpoints disabled (no ISLAND_ADMIN_KEY set)")
			return
		}
		if !s.checkBearerToken(r) {
			writeErrorBody(w, http.StatusUnauthorized, "E_UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// playerOnly rejects requests without an acting player.
func (s *Server) playerOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if playerID(r) == "" {
			writeErrorBody(w, http.StatusUnauthorized, "E_NO_PLAYER", PlayerHeader+" header is required")
			return
		}
		next(w, r)
	}
}

func playerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(PlayerHeader))
}

// ── Read endpoints ──────────────────────────────────────────────────────

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	maps := make(map[string]any, len(s.Maps))
	for _, id := range s.Maps {
		islands, err := s.Engine.Islands(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		maps[id] = engine.Summary(islands)
	}
	settings := s.Engine.Settings()
	streamClients := 0
	if s.Hub != nil {
		streamClients = s.Hub.Clients()
	}
	writeJSON(w, map[string]any{
		"name":             "Archipelago",
		"time":             time.Now().UTC(),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"catalog_digest":   s.Engine.Catalog().Digest(),
		"harvest_interval": settings.HarvestInterval.String(),
		"rebuild_cooldown": settings.RebuildCooldown.String(),
		"maps":             maps,
		"stream_clients":   streamClients,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat := s.Engine.Catalog()
	writeJSON(w, map[string]any{
		"digest":    cat.Digest(),
		"buildings": cat.Buildings(),
		"items":     cat.Items(),
	})
}

func (s *Server) handleNations(w http.ResponseWriter, r *http.Request) {
	nations, err := s.Store.Nations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nations)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeErrorBody(w, http.StatusBadRequest, engine.ErrInvalidInput.Code, "limit must be 1-500")
			return
		}
		limit = n
	}
	events, err := s.Store.RecentEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleIslands(w http.ResponseWriter, r *http.Request) {
	islands, err := s.Engine.Islands(r.Context(), r.PathValue("map"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, islands)
}

func (s *Server) handleIsland(w http.ResponseWriter, r *http.Request) {
	is, err := s.Engine.Island(r.Context(), r.PathValue("map"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, is)
}

func (s *Server) handlePlayerIslands(w http.ResponseWriter, r *http.Request) {
	islands, err := s.Engine.IslandsOwnedBy(r.Context(), r.PathValue("player"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, islands)
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	player := r.PathValue("player")
	balances := make(map[economy.Currency]int64)
	for _, c := range economy.Currencies() {
		n, err := s.Store.Balance(r.Context(), player, c)
		if err != nil {
			writeError(w, err)
			return
		}
		if n != 0 {
			balances[c] = n
		}
	}
	writeJSON(w, map[string]any{"player": player, "balances": balances})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.Engine.Quote(r.Context(), r.PathValue("map"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, q)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeErrorBody(w, http.StatusServiceUnavailable, "E_STREAM_DISABLED", "event stream disabled")
		return
	}
	backlog, err := s.Store.RecentEvents(r.Context(), streamBacklog)
	if err != nil {
		slog.Warn("stream backlog unavailable", "error", err)
		backlog = nil
	}
	s.Hub.serve(w, r, backlog)
}

// ── Island actions ──────────────────────────────────────────────────────

func (s *Server) handleStartConstruction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuildingID string `json:"building_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	is, err := s.Engine.StartConstruction(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r), req.BuildingID)
	respond(w, is, err)
}

func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	is, err := s.Engine.HelpConstruction(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, is, err)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.CheckCompletion(r.Context(), r.PathValue("map"), r.PathValue("id"))
	respond(w, res, err)
}

func (s *Server) handleDemolish(w http.ResponseWriter, r *http.Request) {
	is, err := s.Engine.Demolish(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, is, err)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	is, err := s.Engine.Rebuild(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, is, err)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	is, err := s.Engine.UpgradeLevel(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, is, err)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewOwner string `json:"new_owner"`
	}
	if !decode(w, r, &req) {
		return
	}
	is, err := s.Engine.TransferOwnership(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r), req.NewOwner)
	respond(w, is, err)
}

func (s *Server) handleHarvestStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Engine.GetStatus(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, st, err)
}

func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Collect(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, res, err)
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	var req engine.PricingUpdate
	if !decode(w, r, &req) {
		return
	}
	is, err := s.Engine.SetShopPricing(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r), req)
	respond(w, is, err)
}

type itemRequest struct {
	ItemID string `json:"item_id"`
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Engine.SellToShop(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r), req.ItemID)
	respond(w, res, err)
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Engine.BuyFromShop(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r), req.ItemID)
	respond(w, res, err)
}

func (s *Server) handleHotSpring(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.UseHotSpring(r.Context(), r.PathValue("map"), r.PathValue("id"), playerID(r))
	respond(w, res, err)
}

// ── Admin ───────────────────────────────────────────────────────────────

func (s *Server) handleUpsertPlayer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Nation        string `json:"nation"`
		CargoCapacity int    `json:"cargo_capacity"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Nation == "" || req.CargoCapacity < 0 {
		writeErrorBody(w, http.StatusBadRequest, engine.ErrInvalidInput.Code, "nation is required and cargo_capacity must be >= 0")
		return
	}
	p := persistence.Player{ID: r.PathValue("player"), Nation: req.Nation, CargoCapacity: req.CargoCapacity}
	if err := s.Store.UpsertPlayer(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("player updated", "player", p.ID, "nation", p.Nation, "cargo_capacity", p.CargoCapacity)
	writeJSON(w, p)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency string `json:"currency,omitempty"`
		Amount   int64  `json:"amount,omitempty"`
		ItemID   string `json:"item_id,omitempty"`
		Count    int    `json:"count,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}
	player := r.PathValue("player")
	ctx := r.Context()

	switch {
	case req.Currency != "" && req.Amount > 0:
		c, err := economy.Canonical(req.Currency)
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, engine.ErrInvalidInput.Code, err.Error())
			return
		}
		if err := s.Store.Credit(ctx, player, c, req.Amount); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("currency granted", "player", player, "currency", c, "amount", req.Amount)
	case req.ItemID != "" && req.Count > 0:
		if _, ok := s.Engine.Catalog().Item(req.ItemID); !ok {
			writeErrorBody(w, http.StatusBadRequest, engine.ErrUnknownItem.Code, "unknown item "+req.ItemID)
			return
		}
		if err := s.Store.GrantItem(ctx, player, req.ItemID, req.Count); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("item granted", "player", player, "item", req.ItemID, "count", req.Count)
	default:
		writeErrorBody(w, http.StatusBadRequest, engine.ErrInvalidInput.Code, "grant needs currency+amount or item_id+count")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetTax(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaxRateBps int `json:"tax_rate_bps"`
	}
	if !decode(w, r, &req) {
		return
	}
	nation := r.PathValue("nation")
	if err := s.Store.SetTaxRate(r.Context(), nation, req.TaxRateBps); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.Store.Nation(r.Context(), nation)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("tax rate changed", "nation", nation, "bps", n.TaxRateBps)
	writeJSON(w, n)
}

// ── Encoding ────────────────────────────────────────────────────────────

// decode reads a JSON body into v. An empty body leaves v zeroed.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorBody(w, http.StatusBadRequest, engine.ErrInvalidInput.Code, "invalid json: "+err.Error())
		return false
	}
	return true
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, v)
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(e *engine.Error) int {
	if e.Code == engine.ErrNotOwner.Code {
		return http.StatusForbidden
	}
	switch e.Kind {
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindPrecondition:
		return http.StatusConflict
	case engine.KindFunds:
		return http.StatusPaymentRequired
	case engine.KindConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := engine.AsError(err)
	status := StatusFor(e)
	msg := e.Message
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = engine.ErrInternal.Message
	}
	if e.Kind == engine.KindConflict {
		w.Header().Set("Retry-After", "1")
	}
	writeErrorBody(w, status, e.Code, msg)
}

func writeErrorBody(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": code, "message": msg})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
