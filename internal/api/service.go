// Package api exposes games over HTTP and WebSocket. Identity comes from
// headers set by the surrounding system; see Identify.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/asset"
	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/leaderboard"
	"github.com/econlab/odyssey/internal/ledger"
	"github.com/econlab/odyssey/internal/metrics"
	"github.com/econlab/odyssey/internal/model"
)

// Service handles game operations. Each controller serializes its own
// operations, so the service holds no lock.
type Service struct {
	games   *game.Registry
	board   *leaderboard.Aggregator
	limiter *TradeLimiter
	hub     *Hub
}

// NewService creates a new game service. Pass nil for hub if WebSocket
// broadcasting is not needed, and nil for limiter to disable throttling.
func NewService(reg *game.Registry, board *leaderboard.Aggregator, limiter *TradeLimiter, hub *Hub) *Service {
	return &Service{games: reg, board: board, limiter: limiter, hub: hub}
}

// Routes mounts the API under r.
func (s *Service) Routes(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	r.Get("/leaderboard", s.GetLeaderboard)

	r.Group(func(r chi.Router) {
		r.Use(Identify)
		r.Get("/games", s.ListGames)
		r.Post("/games", s.CreateGame)
		r.Route("/games/{gameID}", func(r chi.Router) {
			r.Get("/", s.GetGame)
			r.Post("/join", s.JoinGame)
			r.Post("/start", s.StartGame)
			r.Post("/advance", s.AdvanceGame)
			r.Post("/end", s.EndGame)
			r.Get("/rounds/{round}", s.GetRound)
			r.Post("/trades", s.ExecuteTrade)
			r.Post("/distribute", s.Distribute)
			r.Post("/liquidate", s.Liquidate)
			r.Get("/portfolio", s.GetPortfolio)
			r.Get("/leaderboard", s.GetGameLeaderboard)
		})
	})
}

// --- Request/Response types ---

// CreateGameRequest is the JSON body for game creation.
type CreateGameRequest struct {
	Section string `json:"section"`
	Seed    uint64 `json:"seed"` // 0 draws a random seed
}

// JoinRequest is the JSON body for POST /join.
type JoinRequest struct {
	Section string `json:"section"` // defaults to the game's section
}

// TradeRequest is the JSON body for POST /trades.
type TradeRequest struct {
	Asset    string          `json:"asset"`  // ticker or display name
	Action   string          `json:"action"` // "buy" or "sell"
	Quantity decimal.Decimal `json:"quantity"`
}

// DistributeRequest is the JSON body for POST /distribute. An empty asset
// list spreads cash across every asset.
type DistributeRequest struct {
	Assets []string `json:"assets"`
}

// TradeResponse is returned by every trading endpoint.
type TradeResponse struct {
	Trades    []ledger.Trade     `json:"trades"`
	Portfolio *model.PlayerState `json:"portfolio"`
}

// LeaderboardResponse is returned by GET /leaderboard.
type LeaderboardResponse struct {
	Section string              `json:"section,omitempty"`
	Entries []leaderboard.Entry `json:"entries"`
	Stats   leaderboard.Stats   `json:"stats"`
	Player  *PlayerStanding     `json:"player,omitempty"`
}

// PlayerStanding is one player's best result and rank.
type PlayerStanding struct {
	Best leaderboard.Entry `json:"best"`
	Rank int               `json:"rank"`
}

// --- HTTP Handlers ---

// CreateGame handles POST /api/v1/games
func (s *Service) CreateGame(w http.ResponseWriter, r *http.Request) {
	var req CreateGameRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, err := s.games.Create(r.Context(), identityFrom(r), req.Section, req.Seed)
	if err != nil {
		fail(w, err)
		return
	}
	sum, err := c.Summary(r.Context())
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

// ListGames handles GET /api/v1/games
func (s *Service) ListGames(w http.ResponseWriter, r *http.Request) {
	games, err := s.games.List(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	if games == nil {
		games = []model.Game{}
	}
	writeJSON(w, http.StatusOK, games)
}

// GetGame handles GET /api/v1/games/{gameID}
func (s *Service) GetGame(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	sum, err := c.Summary(r.Context())
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// JoinGame handles POST /api/v1/games/{gameID}/join
func (s *Service) JoinGame(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	ps, err := c.Join(r.Context(), identityFrom(r), req.Section)
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ps)
}

// StartGame handles POST /api/v1/games/{gameID}/start
func (s *Service) StartGame(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	out, err := c.Start(r.Context(), identityFrom(r))
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// AdvanceGame handles POST /api/v1/games/{gameID}/advance
func (s *Service) AdvanceGame(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	out, err := c.Advance(r.Context(), identityFrom(r))
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// EndGame handles POST /api/v1/games/{gameID}/end
func (s *Service) EndGame(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	results, err := c.End(r.Context(), identityFrom(r))
	if !applied(err) {
		fail(w, err)
		return
	}
	if results == nil {
		results = []leaderboard.Entry{}
	}
	writeJSON(w, http.StatusOK, results)
}

// GetRound handles GET /api/v1/games/{gameID}/rounds/{round}
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	round, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil || round < 0 {
		writeError(w, "round must be a non-negative integer", http.StatusBadRequest)
		return
	}
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	view, err := c.ViewRound(r.Context(), round)
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ExecuteTrade handles POST /api/v1/games/{gameID}/trades
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	name, err := asset.Resolve(req.Asset)
	if err != nil {
		fail(w, err)
		return
	}
	action := ledger.Action(req.Action)
	if action != ledger.Buy && action != ledger.Sell {
		writeError(w, "action must be buy or sell", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	s.trade(w, r, func(c *game.Controller, userID string) ([]ledger.Trade, error) {
		t, err := c.Trade(r.Context(), userID, name, action, req.Quantity)
		if t.ID == "" {
			return nil, err
		}
		return []ledger.Trade{t}, err
	})
}

// Distribute handles POST /api/v1/games/{gameID}/distribute
// Assets may also be given as ?assets=SPX,GLD.
func (s *Service) Distribute(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	assets, err := asset.ResolveAll(req.Assets)
	if err != nil {
		fail(w, err)
		return
	}
	if len(assets) == 0 {
		if assets, err = asset.ParseList(r.URL.Query().Get("assets")); err != nil {
			fail(w, err)
			return
		}
	}

	s.trade(w, r, func(c *game.Controller, userID string) ([]ledger.Trade, error) {
		if len(assets) == 0 {
			return c.DistributeEvenly(r.Context(), userID)
		}
		return c.DistributeAcross(r.Context(), userID, assets)
	})
}

// Liquidate handles POST /api/v1/games/{gameID}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, func(c *game.Controller, userID string) ([]ledger.Trade, error) {
		return c.LiquidateAll(r.Context(), userID)
	})
}

// GetPortfolio handles GET /api/v1/games/{gameID}/portfolio
// Facilitators may inspect any participant with ?user=<id>.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	who := identityFrom(r)
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	userID := who.UserID
	if u := r.URL.Query().Get("user"); u != "" && u != who.UserID {
		if who.Role != model.RoleFacilitator || c.Game().FacilitatorID != who.UserID {
			writeError(w, "only the facilitator may view other portfolios", http.StatusForbidden)
			return
		}
		userID = u
	}
	ps, err := c.Portfolio(r.Context(), userID)
	if !applied(err) {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// GetGameLeaderboard handles GET /api/v1/games/{gameID}/leaderboard
// Returns the submitted results of a completed game, best first.
func (s *Service) GetGameLeaderboard(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	results := c.Results()
	if results == nil {
		results = []leaderboard.Entry{}
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{
		Section: c.Game().Section,
		Entries: results,
		Stats:   leaderboard.Summarize(results),
	})
}

// GetLeaderboard handles GET /api/v1/leaderboard
// Supports ?section=<name> and ?user=<id> for a player's best entry and rank.
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	section := r.URL.Query().Get("section")
	resp := LeaderboardResponse{Section: section, Stats: s.board.Stats(section)}
	if section == "" {
		resp.Entries = s.board.Global()
	} else {
		resp.Entries = s.board.Section(section)
	}
	if resp.Entries == nil {
		resp.Entries = []leaderboard.Entry{}
	}
	if user := r.URL.Query().Get("user"); user != "" {
		best, ok := s.board.Best(user)
		if !ok {
			writeError(w, "no results for user: "+user, http.StatusNotFound)
			return
		}
		rank, _ := s.board.Rank(user)
		resp.Player = &PlayerStanding{Best: best, Rank: rank}
	}
	writeJSON(w, http.StatusOK, resp)
}

// trade runs a ledger operation for the caller after rate limiting.
func (s *Service) trade(w http.ResponseWriter, r *http.Request, op func(*game.Controller, string) ([]ledger.Trade, error)) {
	who := identityFrom(r)
	if s.limiter != nil && !s.limiter.Allow(who.UserID) {
		metrics.RateLimited.Inc()
		writeError(w, "too many trades, slow down", http.StatusTooManyRequests)
		return
	}
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	trades, err := op(c, who.UserID)
	if !applied(err) {
		if len(trades) == 0 {
			fail(w, err)
			return
		}
		slog.Warn("trade partially applied", "game", c.Game().ID, "user", who.UserID, "err", err)
	}
	ps, perr := c.Portfolio(r.Context(), who.UserID)
	if !applied(perr) {
		fail(w, perr)
		return
	}
	if trades == nil {
		trades = []ledger.Trade{}
	}
	writeJSON(w, http.StatusOK, TradeResponse{Trades: trades, Portfolio: ps})
}

func (s *Service) controller(w http.ResponseWriter, r *http.Request) (*game.Controller, bool) {
	c, err := s.games.Get(r.Context(), chi.URLParam(r, "gameID"))
	if err != nil {
		fail(w, err)
		return nil, false
	}
	return c, true
}

// decodeOptional decodes a JSON body into v, accepting an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
