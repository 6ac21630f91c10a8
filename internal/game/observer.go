package game

import (
	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/leaderboard"
	"github.com/econlab/odyssey/internal/ledger"
	"github.com/econlab/odyssey/internal/market"
)

// RoundEvent is published after a round is generated and settled.
type RoundEvent struct {
	GameID    string             `json:"game_id"`
	Round     int                `json:"round"`
	Prices    map[string]float64 `json:"prices"`
	CPI       float64            `json:"cpi"`
	Injection decimal.Decimal    `json:"injection"`
	Outcome   market.Outcome     `json:"outcome"`
}

// TradeEvent is published for every executed trade.
type TradeEvent struct {
	GameID string          `json:"game_id"`
	UserID string          `json:"user_id"`
	Trade  ledger.Trade    `json:"trade"`
	Cash   decimal.Decimal `json:"cash"`
}

// CompletionEvent is published once, when the final results are submitted.
type CompletionEvent struct {
	GameID  string              `json:"game_id"`
	Round   int                 `json:"round"`
	Results []leaderboard.Entry `json:"results"`
}

// Observer receives controller events. Callbacks run while the controller
// holds its lock, so they must not call back into it and should not block.
type Observer interface {
	OnRoundAdvanced(RoundEvent)
	OnTradeExecuted(TradeEvent)
	OnGameCompleted(CompletionEvent)
}
