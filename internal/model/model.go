// Package model defines the records exchanged with persistence and clients.
// Money and quantities use shopspring/decimal; market prices stay float64
// because they come straight out of the return model.
package model

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/leaderboard"
	"github.com/econlab/odyssey/internal/ledger"
	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/returns"
)

// Role is what an identity may do in a game.
type Role string

const (
	RoleFacilitator Role = "facilitator"
	RoleParticipant Role = "participant"
)

// Identity is supplied by the surrounding system; the engine never
// authenticates anyone itself.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// GameStatus is the round controller's state.
type GameStatus string

const (
	StatusIdle      GameStatus = "idle"
	StatusActive    GameStatus = "active"
	StatusCompleted GameStatus = "completed"
)

// Game is the metadata of one game instance.
type Game struct {
	ID            string     `json:"id" db:"id"`
	Section       string     `json:"section" db:"section"`
	FacilitatorID string     `json:"facilitator_id" db:"facilitator_id"`
	Seed          uint64     `json:"seed" db:"seed"`
	MaxRounds     int        `json:"max_rounds" db:"max_rounds"`
	Status        GameStatus `json:"status" db:"status"`
	Round         int        `json:"round" db:"round"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// GameRound is the committed market state after one round. Once written it
// never changes.
type GameRound struct {
	GameID       string               `json:"game_id" db:"game_id"`
	RoundNumber  int                  `json:"round_number" db:"round_number"`
	AssetPrices  map[string]float64   `json:"asset_prices" db:"asset_prices"`
	PriceHistory map[string][]float64 `json:"price_history" db:"price_history"`
	CPI          float64              `json:"cpi" db:"cpi"`
	CPIHistory   []float64            `json:"cpi_history" db:"cpi_history"`
	PrevReturns  map[string]float64   `json:"prev_returns" db:"prev_returns"`
	Bitcoin      returns.BitcoinBook  `json:"bitcoin" db:"bitcoin"`
	CommittedAt  time.Time            `json:"committed_at" db:"committed_at"`
}

// RoundFromState captures a market state as a round record.
func RoundFromState(gameID string, s *market.State, at time.Time) *GameRound {
	snap := s.Snapshot()
	return &GameRound{
		GameID:       gameID,
		RoundNumber:  snap.Round,
		AssetPrices:  snap.Prices,
		PriceHistory: snap.History,
		CPI:          snap.CPI,
		CPIHistory:   snap.CPIHistory,
		PrevReturns:  snap.PrevReturns,
		Bitcoin:      snap.Bitcoin,
		CommittedAt:  at,
	}
}

// Snapshot converts the record back into the market's serializable form.
func (r *GameRound) Snapshot() market.Snapshot {
	return market.Snapshot{
		Round:       r.RoundNumber,
		Prices:      r.AssetPrices,
		History:     r.PriceHistory,
		CPI:         r.CPI,
		CPIHistory:  r.CPIHistory,
		PrevReturns: r.PrevReturns,
		Bitcoin:     r.Bitcoin,
	}
}

// PlayerState is one participant's ledger as of a round. Version drives
// compare-and-swap saves: it is the version the writer last read, and the
// store bumps it on success.
type PlayerState struct {
	GameID                string                     `json:"game_id" db:"game_id"`
	UserID                string                     `json:"user_id" db:"user_id"`
	Name                  string                     `json:"name" db:"name"`
	Section               string                     `json:"section" db:"section"`
	RoundNumber           int                        `json:"round_number" db:"round_number"`
	InitialCash           decimal.Decimal            `json:"initial_cash" db:"initial_cash"`
	Cash                  decimal.Decimal            `json:"cash" db:"cash"`
	Portfolio             map[string]decimal.Decimal `json:"portfolio" db:"portfolio"`
	TradeHistory          []ledger.Trade             `json:"trade_history" db:"trade_history"`
	PortfolioValue        decimal.Decimal            `json:"portfolio_value" db:"portfolio_value"`
	PortfolioValueHistory map[int]decimal.Decimal    `json:"portfolio_value_history" db:"portfolio_value_history"`
	TotalCashInjected     decimal.Decimal            `json:"total_cash_injected" db:"total_cash_injected"`
	LastCashInjection     decimal.Decimal            `json:"last_cash_injection" db:"last_cash_injection"`
	CashJournal           []ledger.CashEntry         `json:"cash_journal" db:"cash_journal"`
	Version               int64                      `json:"version" db:"version"`
	UpdatedAt             time.Time                  `json:"updated_at" db:"updated_at"`
}

// PlayerStateFromBook captures a ledger as a player record.
func PlayerStateFromBook(gameID string, who Identity, section string, round int, b ledger.Book, value decimal.Decimal) *PlayerState {
	history := make(map[int]decimal.Decimal, len(b.Valuations))
	for _, v := range b.Valuations {
		history[v.Round] = v.Value
	}
	return &PlayerState{
		GameID:                gameID,
		UserID:                who.UserID,
		Name:                  who.Name,
		Section:               section,
		RoundNumber:           round,
		InitialCash:           b.InitialCash,
		Cash:                  b.Cash,
		Portfolio:             b.Holdings,
		TradeHistory:          b.Trades,
		PortfolioValue:        value,
		PortfolioValueHistory: history,
		TotalCashInjected:     b.TotalInjected,
		LastCashInjection:     b.LastInjection,
		CashJournal:           b.Journal,
	}
}

// Book converts the record back into the ledger's serializable form.
func (p *PlayerState) Book() ledger.Book {
	vals := make([]ledger.Valuation, 0, len(p.PortfolioValueHistory))
	for r, v := range p.PortfolioValueHistory {
		vals = append(vals, ledger.Valuation{Round: r, Value: v})
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i].Round < vals[j].Round })
	return ledger.Book{
		InitialCash:   p.InitialCash,
		Cash:          p.Cash,
		Holdings:      p.Portfolio,
		Trades:        p.TradeHistory,
		Valuations:    vals,
		Journal:       p.CashJournal,
		TotalInjected: p.TotalCashInjected,
		LastInjection: p.LastCashInjection,
	}
}

// LeaderboardEntry is the persisted form of a ranked result.
type LeaderboardEntry = leaderboard.Entry
