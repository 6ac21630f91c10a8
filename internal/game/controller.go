// Package game drives one Investment Odyssey game: the Idle → Active →
// Completed state machine, round advancement with cash injections, the
// participants' ledgers and the final leaderboard submission.
//
// A Controller is the single author of its game inside a process; every
// operation takes its mutex. Across processes, rounds are committed with a
// conditional write and player states with a versioned compare-and-swap, so
// two servers driving the same game converge on one history.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/leaderboard"
	"github.com/econlab/odyssey/internal/ledger"
	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/model"
	"github.com/econlab/odyssey/internal/rng"
	"github.com/econlab/odyssey/internal/store"
)

var (
	ErrNotActive       = errors.New("game: game is not active")
	ErrAlreadyStarted  = errors.New("game: game already started")
	ErrGameComplete    = errors.New("game: game complete")
	ErrNotParticipant  = errors.New("game: not a participant")
	ErrAlreadyJoined   = errors.New("game: already joined")
	ErrForbidden       = errors.New("game: forbidden")
	ErrInvalidIdentity = errors.New("game: identity has no user id")
	ErrConflict        = errors.New("game: portfolio changed concurrently")
	ErrUnknownGame     = errors.New("game: unknown game")

	// ErrPersist marks a persistence failure. The operation it is attached to
	// has been applied in memory, which stays authoritative.
	ErrPersist = errors.New("game: persistence failed")
)

// PricePlaces is the precision market prices are traded at.
const PricePlaces = 2

type player struct {
	who     model.Identity
	section string
	book    *ledger.Portfolio
	round   int // last round whose injection and valuation are applied
	version int64
}

// Controller runs one game.
type Controller struct {
	mu        sync.Mutex
	game      model.Game
	cfg       Config
	adv       *market.Advancer
	state     *market.State
	players   map[string]*player
	order     []string
	results   []leaderboard.Entry
	store     store.Store
	board     *leaderboard.Aggregator
	observers []Observer
	now       func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore persists rounds, player states, status and results.
func WithStore(st store.Store) Option {
	return func(c *Controller) { c.store = st }
}

// WithLeaderboard submits final results to an aggregator.
func WithLeaderboard(agg *leaderboard.Aggregator) Option {
	return func(c *Controller) { c.board = agg }
}

// WithObserver registers an event observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func newController(g model.Game, cfg Config, adv *market.Advancer, opts []Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if g.MaxRounds == 0 {
		g.MaxRounds = cfg.MaxRounds
	}
	if g.Status == "" {
		g.Status = model.StatusIdle
	}
	c := &Controller{
		game:    g,
		cfg:     cfg,
		adv:     adv,
		players: make(map[string]*player),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// New creates a controller for a fresh game at round 0.
func New(g model.Game, cfg Config, adv *market.Advancer, opts ...Option) (*Controller, error) {
	c, err := newController(g, cfg, adv, opts)
	if err != nil {
		return nil, err
	}
	c.game.Status = model.StatusIdle
	c.game.Round = 0
	c.state, err = adv.Genesis(cfg.SeedPrices, cfg.InitialCPI)
	if err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	return c, nil
}

// Resume rebuilds a controller from its persisted records. Rounds the store
// is missing are regenerated from the seed before the next read or advance.
func Resume(ctx context.Context, g model.Game, cfg Config, adv *market.Advancer, opts ...Option) (*Controller, error) {
	c, err := newController(g, cfg, adv, opts)
	if err != nil {
		return nil, err
	}
	if c.store == nil {
		return nil, fmt.Errorf("%w: resume needs a store", ErrInvalidConfig)
	}

	rec, err := c.store.LatestRound(ctx, g.ID)
	switch {
	case err == nil:
		c.state, err = market.FromSnapshot(adv.Model().Names(), rec.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("restore round %d: %w", rec.RoundNumber, err)
		}
	case errors.Is(err, store.ErrNotFound):
		c.state, err = adv.Genesis(cfg.SeedPrices, cfg.InitialCPI)
		if err != nil {
			return nil, fmt.Errorf("genesis: %w", err)
		}
	default:
		return nil, fmt.Errorf("load latest round: %w", err)
	}
	if c.state.Round() > c.game.Round {
		c.game.Round = c.state.Round()
	}

	states, err := c.store.ListPlayerStates(ctx, g.ID)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	for i := range states {
		p, err := c.restorePlayer(&states[i])
		if err != nil {
			return nil, err
		}
		c.players[p.who.UserID] = p
		c.order = append(c.order, p.who.UserID)
	}

	if c.game.Status == model.StatusCompleted {
		entries, err := c.store.ListLeaderboardEntries(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("load results: %w", err)
		}
		for _, e := range entries {
			if e.GameID == g.ID {
				c.results = append(c.results, e)
			}
		}
		leaderboard.Sort(c.results)
	}

	slog.Info("game resumed",
		"game", g.ID,
		"status", c.game.Status,
		"round", c.game.Round,
		"committed_round", c.state.Round(),
		"players", len(c.players),
	)
	return c, nil
}

func (c *Controller) restorePlayer(ps *model.PlayerState) (*player, error) {
	book, err := ledger.Restore(c.adv.Model().Names(), ps.Book(), ledger.WithClock(c.now))
	if err != nil {
		return nil, fmt.Errorf("restore player %s: %w", ps.UserID, err)
	}
	return &player{
		who:     model.Identity{UserID: ps.UserID, Name: ps.Name, Role: model.RoleParticipant},
		section: ps.Section,
		book:    book,
		round:   ps.RoundNumber,
		version: ps.Version,
	}, nil
}

// --- Read side ---

// Game returns a copy of the game record.
func (c *Controller) Game() model.Game {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.game
}

// Summary is the public view of a game.
type Summary struct {
	Game         model.Game         `json:"game"`
	Prices       map[string]float64 `json:"prices"`
	CPI          float64            `json:"cpi"`
	Participants int                `json:"participants"`
	Injection    decimal.Decimal    `json:"last_injection"`
}

// Summary reports status, current prices and participant count.
func (c *Controller) Summary(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.ensureCurrent(ctx)
	return Summary{
		Game:         c.game,
		Prices:       c.state.Prices(),
		CPI:          c.state.CPI(),
		Participants: len(c.players),
		Injection:    c.cfg.Injection(c.game.Seed, c.game.Round),
	}, err
}

// ViewRound returns the market as of round r, 0 ≤ r ≤ current round. Missing
// rounds are regenerated in order first.
func (c *Controller) ViewRound(ctx context.Context, r int) (market.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	perr := c.ensureCurrent(ctx)
	if perr != nil && !errors.Is(perr, ErrPersist) {
		return market.View{}, perr
	}
	if r > c.game.Round {
		return market.View{}, fmt.Errorf("%w: %d (current %d)", market.ErrRoundOutOfRange, r, c.game.Round)
	}
	v, err := c.state.At(r)
	if err != nil {
		return market.View{}, err
	}
	return v, perr
}

// Results returns the submitted leaderboard entries, best first.
func (c *Controller) Results() []leaderboard.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]leaderboard.Entry(nil), c.results...)
}

// --- Facilitator operations ---

func (c *Controller) authorize(who model.Identity) error {
	if who.Role != model.RoleFacilitator {
		return fmt.Errorf("%w: %s is not a facilitator", ErrForbidden, who.UserID)
	}
	if c.game.FacilitatorID != "" && who.UserID != c.game.FacilitatorID {
		return fmt.Errorf("%w: %s does not run game %s", ErrForbidden, who.UserID, c.game.ID)
	}
	return nil
}

// Start moves Idle → Active and generates round 1. Round 1 pays no
// injection; every participant's valuation is recorded.
func (c *Controller) Start(ctx context.Context, who model.Identity) (market.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorize(who); err != nil {
		return market.Outcome{}, err
	}
	switch c.game.Status {
	case model.StatusActive:
		return market.Outcome{}, ErrAlreadyStarted
	case model.StatusCompleted:
		return market.Outcome{}, ErrGameComplete
	}

	out, err := c.step(ctx)
	if err != nil && !errors.Is(err, ErrPersist) {
		return market.Outcome{}, err
	}
	c.game.Status = model.StatusActive
	c.game.Round = c.state.Round()
	errs := []error{err, c.settleAll(ctx), c.saveStatus(ctx)}

	c.publishRound(out)
	slog.Info("game started", "game", c.game.ID, "players", len(c.players))
	return out, errors.Join(errs...)
}

// Advance generates the next round, credits the round's injection to every
// participant and records their valuations. At the final round it moves the
// game to Completed and returns ErrGameComplete without touching history.
func (c *Controller) Advance(ctx context.Context, who model.Identity) (market.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorize(who); err != nil {
		return market.Outcome{}, err
	}
	switch c.game.Status {
	case model.StatusIdle:
		return market.Outcome{}, ErrNotActive
	case model.StatusCompleted:
		return market.Outcome{}, ErrGameComplete
	}

	var errs []error
	if err := c.ensureCurrent(ctx); err != nil {
		if !errors.Is(err, ErrPersist) {
			return market.Outcome{}, err
		}
		errs = append(errs, err)
	}

	if c.game.Round >= c.game.MaxRounds {
		c.game.Status = model.StatusCompleted
		if err := c.saveStatus(ctx); err != nil {
			slog.Warn("save completed status", "game", c.game.ID, "err", err)
		}
		slog.Info("final round reached", "game", c.game.ID, "round", c.game.Round)
		return market.Outcome{}, ErrGameComplete
	}

	out, err := c.step(ctx)
	if err != nil && !errors.Is(err, ErrPersist) {
		return market.Outcome{}, err
	}
	c.game.Round = c.state.Round()
	errs = append(errs, err, c.settleAll(ctx), c.saveStatus(ctx))

	c.publishRound(out)
	slog.Info("round advanced",
		"game", c.game.ID,
		"round", c.game.Round,
		"cpi", out.CPI,
		"injection", c.cfg.Injection(c.game.Seed, c.game.Round).String(),
	)
	return out, errors.Join(errs...)
}

// End freezes the game and submits every participant's result once. Calling
// it again returns the same results.
func (c *Controller) End(ctx context.Context, who model.Identity) ([]leaderboard.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.authorize(who); err != nil {
		return nil, err
	}
	if c.game.Status == model.StatusIdle {
		return nil, ErrNotActive
	}
	if c.results != nil {
		return append([]leaderboard.Entry(nil), c.results...), nil
	}

	var errs []error
	if err := c.ensureCurrent(ctx); err != nil {
		if !errors.Is(err, ErrPersist) {
			return nil, err
		}
		errs = append(errs, err)
	}
	c.game.Status = model.StatusCompleted

	prices := c.prices()
	at := c.now()
	entries := make([]leaderboard.Entry, 0, len(c.order))
	for _, id := range c.order {
		p := c.players[id]
		value, err := p.book.Valuation(prices)
		if err != nil {
			return nil, fmt.Errorf("value %s: %w", id, err)
		}
		entries = append(entries, leaderboard.NewEntry(leaderboard.Result{
			ID:            uuid.New().String(),
			UserID:        id,
			Name:          p.who.Name,
			Section:       p.section,
			GameID:        c.game.ID,
			InitialCash:   p.book.InitialCash(),
			FinalValue:    value,
			TotalInjected: p.book.TotalInjected(),
			Timestamp:     at,
		}))
	}
	leaderboard.Sort(entries)

	for i := range entries {
		if c.board != nil {
			c.board.Submit(entries[i])
		}
		if c.store != nil {
			if err := c.store.InsertLeaderboardEntry(ctx, &entries[i]); err != nil {
				errs = append(errs, fmt.Errorf("%w: submit %s: %w", ErrPersist, entries[i].UserID, err))
			}
		}
	}
	c.results = entries
	errs = append(errs, c.saveStatus(ctx))

	ev := CompletionEvent{GameID: c.game.ID, Round: c.game.Round, Results: append([]leaderboard.Entry(nil), entries...)}
	for _, o := range c.observers {
		o.OnGameCompleted(ev)
	}
	slog.Info("game ended", "game", c.game.ID, "round", c.game.Round, "results", len(entries))
	return append([]leaderboard.Entry(nil), entries...), errors.Join(errs...)
}

// --- Round machinery ---

// step generates round state.Round()+1 from its per-round source and commits
// it. When another writer already committed that round, its record wins.
func (c *Controller) step(ctx context.Context) (market.Outcome, error) {
	round := c.state.Round() + 1
	next, out, err := c.adv.Advance(c.state, rng.ForRound(c.game.Seed, round))
	if err != nil {
		return market.Outcome{}, fmt.Errorf("generate round %d: %w", round, err)
	}
	committed, err := c.commit(ctx, next)
	if err != nil {
		c.state = next
		return out, err
	}
	if committed != next {
		// Report the round the store holds, not the one generated here.
		if out, err = c.adv.Describe(c.state, committed); err != nil {
			return market.Outcome{}, fmt.Errorf("describe adopted round %d: %w", round, err)
		}
	}
	c.state = committed
	return out, nil
}

func (c *Controller) commit(ctx context.Context, s *market.State) (*market.State, error) {
	if c.store == nil {
		return s, nil
	}
	err := c.store.CommitRound(ctx, model.RoundFromState(c.game.ID, s, c.now()))
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, store.ErrRoundCommitted):
		rec, err := c.store.LoadRound(ctx, c.game.ID, s.Round())
		if err != nil {
			return s, fmt.Errorf("%w: load committed round %d: %w", ErrPersist, s.Round(), err)
		}
		adopted, err := market.FromSnapshot(c.adv.Model().Names(), rec.Snapshot())
		if err != nil {
			return s, fmt.Errorf("%w: adopt round %d: %w", ErrPersist, s.Round(), err)
		}
		slog.Info("adopted committed round", "game", c.game.ID, "round", s.Round())
		return adopted, nil
	default:
		return s, fmt.Errorf("%w: commit round %d: %w", ErrPersist, s.Round(), err)
	}
}

// ensureCurrent regenerates rounds the market state is missing (after a
// resume from a store that lost commits) and settles lagging participants.
func (c *Controller) ensureCurrent(ctx context.Context) error {
	var errs []error
	for c.state.Round() < c.game.Round {
		if _, err := c.step(ctx); err != nil {
			if !errors.Is(err, ErrPersist) {
				return err
			}
			errs = append(errs, err)
		}
		slog.Info("regenerated round", "game", c.game.ID, "round", c.state.Round())
	}
	errs = append(errs, c.settleAll(ctx))
	return errors.Join(errs...)
}

// settle applies injections and valuations from p.round+1 through target.
func (c *Controller) settle(p *player, target int) (bool, error) {
	changed := false
	for r := p.round + 1; r <= target; r++ {
		view, err := c.state.At(r)
		if err != nil {
			return changed, err
		}
		if amt := c.cfg.Injection(c.game.Seed, r); amt.IsPositive() {
			if err := p.book.Inject(r, amt); err != nil {
				return changed, err
			}
		}
		if _, err := p.book.RecordValuation(r, ledgerPrices(view.Prices)); err != nil {
			return changed, err
		}
		p.round = r
		changed = true
	}
	return changed, nil
}

func (c *Controller) settleAll(ctx context.Context) error {
	var errs []error
	for _, id := range c.order {
		p := c.players[id]
		changed, err := c.settle(p, c.state.Round())
		if err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", id, err))
			continue
		}
		if changed {
			errs = append(errs, c.save(ctx, p))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) publishRound(out market.Outcome) {
	ev := RoundEvent{
		GameID:    c.game.ID,
		Round:     c.state.Round(),
		Prices:    c.state.Prices(),
		CPI:       c.state.CPI(),
		Injection: c.cfg.Injection(c.game.Seed, c.state.Round()),
		Outcome:   out,
	}
	for _, o := range c.observers {
		o.OnRoundAdvanced(ev)
	}
}

// --- Persistence helpers ---

func (c *Controller) saveStatus(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.UpdateGameStatus(ctx, c.game.ID, c.game.Status, c.game.Round); err != nil {
		return fmt.Errorf("%w: game status: %w", ErrPersist, err)
	}
	return nil
}

func (c *Controller) record(p *player) *model.PlayerState {
	value, err := p.book.Valuation(c.prices())
	if err != nil {
		value = p.book.Cash()
	}
	ps := model.PlayerStateFromBook(c.game.ID, p.who, p.section, p.round, p.book.Book(), value)
	ps.Version = p.version
	ps.UpdatedAt = c.now()
	return ps
}

func (c *Controller) save(ctx context.Context, p *player) error {
	if c.store == nil {
		return nil
	}
	ps := c.record(p)
	if err := c.store.SavePlayerState(ctx, ps); err != nil {
		return fmt.Errorf("%w: player %s: %w", ErrPersist, p.who.UserID, err)
	}
	p.version = ps.Version
	return nil
}

// prices returns the current market prices as ledger prices.
func (c *Controller) prices() map[string]decimal.Decimal {
	return ledgerPrices(c.state.Prices())
}

// ledgerPrices rounds model prices to cents. A price too small to survive
// rounding is kept at full precision so it stays tradable.
func ledgerPrices(prices map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(prices))
	for name, p := range prices {
		d := decimal.NewFromFloat(p).Round(PricePlaces)
		if !d.IsPositive() {
			d = decimal.NewFromFloat(p)
		}
		out[name] = d
	}
	return out
}
