// Package sim runs games and market studies without a server: a headless
// full game with scripted participants, and a Monte Carlo study of the
// Bitcoin regime machine.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/leaderboard"
	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/model"
	"github.com/econlab/odyssey/internal/returns"
)

// Strategy is how a scripted participant trades each round.
type Strategy string

const (
	HoldCash  Strategy = "cash"      // never trades
	Even      Strategy = "even"      // spreads new cash across every asset
	AllIn     Strategy = "bitcoin"   // puts all cash into Bitcoin
	Rebalance Strategy = "rebalance" // sells everything and spreads it evenly
)

var ErrInvalidOptions = errors.New("sim: invalid options")

// ParseStrategy accepts a strategy name in any case.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case HoldCash, Even, AllIn, Rebalance:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidOptions, s)
}

// Player is one scripted participant.
type Player struct {
	Name     string   `json:"name" yaml:"name"`
	Strategy Strategy `json:"strategy" yaml:"strategy"`
}

// GameOptions configures RunGame.
type GameOptions struct {
	Seed    uint64
	Section string
	Players []Player
}

// RoundRow summarizes one generated round.
type RoundRow struct {
	Round     int                `json:"round" yaml:"round"`
	Prices    map[string]float64 `json:"prices" yaml:"prices"`
	CPI       float64            `json:"cpi" yaml:"cpi"`
	Injection decimal.Decimal    `json:"injection" yaml:"injection"`
	Bitcoin   returns.Kind       `json:"bitcoin_regime" yaml:"bitcoin_regime"`
	Crashed   bool               `json:"bitcoin_crashed" yaml:"bitcoin_crashed"`
}

// Standing is one participant's final result.
type Standing struct {
	Rank              int             `json:"rank" yaml:"rank"`
	Name              string          `json:"name" yaml:"name"`
	Strategy          Strategy        `json:"strategy" yaml:"strategy"`
	FinalValue        decimal.Decimal `json:"final_value" yaml:"final_value"`
	NominalReturnPct  decimal.Decimal `json:"nominal_return_pct" yaml:"nominal_return_pct"`
	AdjustedReturnPct decimal.Decimal `json:"adjusted_return_pct" yaml:"adjusted_return_pct"`
	TotalCashInjected decimal.Decimal `json:"total_cash_injected" yaml:"total_cash_injected"`
}

// GameReport is the outcome of RunGame.
type GameReport struct {
	Seed      uint64     `json:"seed" yaml:"seed"`
	Rounds    []RoundRow `json:"rounds" yaml:"rounds"`
	Standings []Standing `json:"standings" yaml:"standings"`
}

// roundLog records round events.
type roundLog struct{ rows []RoundRow }

func (l *roundLog) OnRoundAdvanced(ev game.RoundEvent) {
	row := RoundRow{Round: ev.Round, Prices: ev.Prices, CPI: ev.CPI, Injection: ev.Injection}
	if m, ok := ev.Outcome.Move(returns.Bitcoin); ok {
		row.Bitcoin, row.Crashed = m.Regime, m.Crashed
	}
	l.rows = append(l.rows, row)
}

func (l *roundLog) OnTradeExecuted(game.TradeEvent)      {}
func (l *roundLog) OnGameCompleted(game.CompletionEvent) {}

// RunGame plays a full game with scripted participants and returns the round
// history and final standings. The same seed always yields the same report.
func RunGame(ctx context.Context, adv *market.Advancer, cfg game.Config, opts GameOptions) (*GameReport, error) {
	if len(opts.Players) == 0 {
		return nil, fmt.Errorf("%w: no players", ErrInvalidOptions)
	}
	facilitator := model.Identity{UserID: "facilitator", Name: "Facilitator", Role: model.RoleFacilitator}
	g := model.Game{
		ID:            uuid.New().String(),
		Section:       opts.Section,
		FacilitatorID: facilitator.UserID,
		Seed:          opts.Seed,
		MaxRounds:     cfg.MaxRounds,
		Status:        model.StatusIdle,
		CreatedAt:     time.Now().UTC(),
	}
	history := &roundLog{}
	c, err := game.New(g, cfg, adv, game.WithObserver(history))
	if err != nil {
		return nil, err
	}

	strategies := make(map[string]Strategy, len(opts.Players))
	ids := make([]string, len(opts.Players))
	for i, p := range opts.Players {
		st, err := ParseStrategy(string(p.Strategy))
		if err != nil {
			return nil, err
		}
		ids[i] = fmt.Sprintf("player-%d", i+1)
		strategies[ids[i]] = st
		who := model.Identity{UserID: ids[i], Name: p.Name, Role: model.RoleParticipant}
		if _, err := c.Join(ctx, who, ""); err != nil {
			return nil, fmt.Errorf("join %s: %w", p.Name, err)
		}
	}

	if _, err := c.Start(ctx, facilitator); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, id := range ids {
			if err := play(ctx, c, id, strategies[id]); err != nil {
				return nil, fmt.Errorf("round %d, %s: %w", c.Game().Round, id, err)
			}
		}
		_, err := c.Advance(ctx, facilitator)
		if errors.Is(err, game.ErrGameComplete) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("advance: %w", err)
		}
	}

	results, err := c.End(ctx, facilitator)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	return &GameReport{Seed: opts.Seed, Rounds: history.rows, Standings: standings(results, strategies)}, nil
}

func play(ctx context.Context, c *game.Controller, id string, st Strategy) error {
	var err error
	switch st {
	case Even:
		_, err = c.DistributeEvenly(ctx, id)
	case AllIn:
		_, err = c.DistributeAcross(ctx, id, []string{returns.Bitcoin})
	case Rebalance:
		if _, err = c.LiquidateAll(ctx, id); err == nil {
			_, err = c.DistributeEvenly(ctx, id)
		}
	}
	return err
}

func standings(results []leaderboard.Entry, strategies map[string]Strategy) []Standing {
	out := make([]Standing, len(results))
	for i, e := range results {
		out[i] = Standing{
			Rank:              i + 1,
			Name:              e.Name,
			Strategy:          strategies[e.UserID],
			FinalValue:        e.FinalValue,
			NominalReturnPct:  e.NominalReturnPct,
			AdjustedReturnPct: e.AdjustedReturnPct,
			TotalCashInjected: e.TotalCashInjected,
		}
	}
	return out
}
