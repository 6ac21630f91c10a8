package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/ledger"
	"github.com/econlab/odyssey/internal/model"
	"github.com/econlab/odyssey/internal/store"
)

// Join opens a ledger for a participant with the configured cash endowment
// and records its valuation at the current round. Participants may join
// until the game completes.
func (c *Controller) Join(ctx context.Context, who model.Identity, section string) (*model.PlayerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if who.UserID == "" {
		return nil, ErrInvalidIdentity
	}
	if who.Role == model.RoleFacilitator {
		return nil, fmt.Errorf("%w: facilitators do not trade", ErrForbidden)
	}
	if c.game.Status == model.StatusCompleted {
		return nil, ErrGameComplete
	}
	if _, ok := c.players[who.UserID]; ok {
		return nil, ErrAlreadyJoined
	}

	var errs []error
	if err := c.ensureCurrent(ctx); err != nil {
		if !errors.Is(err, ErrPersist) {
			return nil, err
		}
		errs = append(errs, err)
	}

	book, err := ledger.New(c.adv.Model().Names(), c.cfg.InitialCash, ledger.WithClock(c.now))
	if err != nil {
		return nil, err
	}
	if _, err := book.RecordValuation(c.state.Round(), c.prices()); err != nil {
		return nil, err
	}
	if section == "" {
		section = c.game.Section
	}
	who.Role = model.RoleParticipant
	p := &player{who: who, section: section, book: book, round: c.state.Round()}

	if err := c.save(ctx, p); err != nil {
		if errors.Is(err, store.ErrStaleVersion) {
			// Joined through another server; adopt that ledger.
			if rerr := c.reload(ctx, p); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			c.add(p)
			return c.record(p), ErrAlreadyJoined
		}
		errs = append(errs, err)
	}
	c.add(p)

	slog.Info("participant joined", "game", c.game.ID, "user", who.UserID, "section", section, "round", p.round)
	return c.record(p), errors.Join(errs...)
}

func (c *Controller) add(p *player) {
	c.players[p.who.UserID] = p
	c.order = append(c.order, p.who.UserID)
}

// Portfolio returns a participant's ledger valued at current prices.
func (c *Controller) Portfolio(ctx context.Context, userID string) (*model.PlayerState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.players[userID]
	if !ok {
		return nil, ErrNotParticipant
	}
	err := c.ensureCurrent(ctx)
	if err != nil && !errors.Is(err, ErrPersist) {
		return nil, err
	}
	return c.record(p), err
}

// Players returns every participant's ledger in join order.
func (c *Controller) Players() []model.PlayerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PlayerState, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.record(c.players[id]))
	}
	return out
}

// Trade executes one order at the current round's price.
func (c *Controller) Trade(ctx context.Context, userID, asset string, action ledger.Action, qty decimal.Decimal) (ledger.Trade, error) {
	trades, err := c.transact(ctx, userID, func(p *player, prices map[string]decimal.Decimal) ([]ledger.Trade, error) {
		price, ok := prices[asset]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ledger.ErrUnknownAsset, asset)
		}
		t, err := p.book.Trade(c.game.Round, asset, action, qty, price)
		if err != nil {
			return nil, err
		}
		return []ledger.Trade{t}, nil
	})
	if len(trades) == 0 {
		return ledger.Trade{}, err
	}
	return trades[0], err
}

// DistributeEvenly spends a participant's cash equally across every asset.
func (c *Controller) DistributeEvenly(ctx context.Context, userID string) ([]ledger.Trade, error) {
	return c.transact(ctx, userID, func(p *player, prices map[string]decimal.Decimal) ([]ledger.Trade, error) {
		return p.book.DistributeEvenly(c.game.Round, prices)
	})
}

// DistributeAcross spends a participant's cash equally across the chosen
// assets.
func (c *Controller) DistributeAcross(ctx context.Context, userID string, assets []string) ([]ledger.Trade, error) {
	return c.transact(ctx, userID, func(p *player, prices map[string]decimal.Decimal) ([]ledger.Trade, error) {
		return p.book.DistributeAcross(c.game.Round, assets, prices)
	})
}

// LiquidateAll sells every holding a participant has.
func (c *Controller) LiquidateAll(ctx context.Context, userID string) ([]ledger.Trade, error) {
	return c.transact(ctx, userID, func(p *player, prices map[string]decimal.Decimal) ([]ledger.Trade, error) {
		return p.book.LiquidateAll(c.game.Round, prices)
	})
}

// transact runs a ledger operation for an active participant and saves the
// result. If another server saved a newer ledger first, the local change is
// discarded in favour of the stored one and ErrConflict is returned.
func (c *Controller) transact(ctx context.Context, userID string, op func(*player, map[string]decimal.Decimal) ([]ledger.Trade, error)) ([]ledger.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.players[userID]
	if !ok {
		return nil, ErrNotParticipant
	}
	switch c.game.Status {
	case model.StatusIdle:
		return nil, ErrNotActive
	case model.StatusCompleted:
		return nil, ErrGameComplete
	}

	var errs []error
	if err := c.ensureCurrent(ctx); err != nil {
		if !errors.Is(err, ErrPersist) {
			return nil, err
		}
		errs = append(errs, err)
	}

	before := p.book.Book()
	trades, err := op(p, c.prices())
	if err != nil && len(trades) == 0 {
		return nil, err
	}
	errs = append(errs, err)

	if serr := c.save(ctx, p); serr != nil {
		if errors.Is(serr, store.ErrStaleVersion) {
			if rerr := c.reload(ctx, p); rerr != nil {
				c.rollback(p, before)
				slog.Warn("reload after conflict failed", "game", c.game.ID, "user", userID, "err", rerr)
			}
			return nil, fmt.Errorf("%w: %w", ErrConflict, serr)
		}
		errs = append(errs, serr)
	}

	for _, t := range trades {
		ev := TradeEvent{GameID: c.game.ID, UserID: userID, Trade: t, Cash: p.book.Cash()}
		for _, o := range c.observers {
			o.OnTradeExecuted(ev)
		}
		slog.Info("trade executed",
			"game", c.game.ID,
			"user", userID,
			"round", t.Round,
			"asset", t.Asset,
			"action", t.Action,
			"qty", t.Quantity.String(),
			"price", t.Price.String(),
		)
	}
	return trades, errors.Join(errs...)
}

// reload replaces p's ledger with the latest stored state.
func (c *Controller) reload(ctx context.Context, p *player) error {
	states, err := c.store.ListPlayerStates(ctx, c.game.ID)
	if err != nil {
		return err
	}
	var fresh *player
	for i := range states {
		if states[i].UserID == p.who.UserID {
			if fresh, err = c.restorePlayer(&states[i]); err != nil {
				return err
			}
		}
	}
	if fresh == nil {
		return fmt.Errorf("player %s: %w", p.who.UserID, store.ErrNotFound)
	}
	// The stored ledger may lag the market.
	if _, err := c.settle(fresh, c.state.Round()); err != nil {
		return err
	}
	p.book, p.round, p.version, p.section = fresh.book, fresh.round, fresh.version, fresh.section
	return nil
}

func (c *Controller) rollback(p *player, b ledger.Book) {
	book, err := ledger.Restore(c.adv.Model().Names(), b, ledger.WithClock(c.now))
	if err != nil {
		slog.Error("rollback failed", "game", c.game.ID, "user", p.who.UserID, "err", err)
		return
	}
	p.book = book
}
