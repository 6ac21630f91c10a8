package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/model"
	"github.com/econlab/odyssey/internal/store"
)

// Registry owns the controllers of every game this process serves. Games
// not yet loaded are resumed from the store on first use.
type Registry struct {
	mu    sync.Mutex
	games map[string]*Controller
	loads singleflight.Group
	adv   *market.Advancer
	cfg   Config
	store store.Store
	opts  []Option
	now   func() time.Time
}

// NewRegistry creates a registry. st may be nil for a purely in-memory
// server; opts are applied to every controller.
func NewRegistry(adv *market.Advancer, cfg Config, st store.Store, opts ...Option) *Registry {
	if st != nil {
		opts = append([]Option{WithStore(st)}, opts...)
	}
	return &Registry{
		games: make(map[string]*Controller),
		adv:   adv,
		cfg:   cfg,
		store: st,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a new game run by who. A zero seed draws a random one.
func (r *Registry) Create(ctx context.Context, who model.Identity, section string, seed uint64) (*Controller, error) {
	if who.Role != model.RoleFacilitator {
		return nil, fmt.Errorf("%w: only facilitators create games", ErrForbidden)
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	g := model.Game{
		ID:            uuid.New().String(),
		Section:       section,
		FacilitatorID: who.UserID,
		Seed:          seed,
		MaxRounds:     r.cfg.MaxRounds,
		Status:        model.StatusIdle,
		CreatedAt:     r.now(),
	}
	c, err := New(g, r.cfg, r.adv, r.opts...)
	if err != nil {
		return nil, err
	}
	if r.store != nil {
		if err := r.store.CreateGame(ctx, &g); err != nil {
			return nil, fmt.Errorf("create game: %w", err)
		}
	}

	r.mu.Lock()
	r.games[g.ID] = c
	r.mu.Unlock()

	slog.Info("game created", "game", g.ID, "facilitator", who.UserID, "section", section, "max_rounds", g.MaxRounds)
	return c, nil
}

// Get returns a game's controller, resuming it from the store if needed.
// Concurrent lookups of the same unloaded game share one resume; other games
// are never blocked by it.
func (r *Registry) Get(ctx context.Context, id string) (*Controller, error) {
	if c, ok := r.lookup(id); ok {
		return c, nil
	}
	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
	}
	v, err, _ := r.loads.Do(id, func() (any, error) {
		if c, ok := r.lookup(id); ok {
			return c, nil
		}
		g, err := r.store.GetGame(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGame, id)
		}
		if err != nil {
			return nil, fmt.Errorf("load game %s: %w", id, err)
		}
		c, err := Resume(ctx, *g, r.cfg, r.adv, r.opts...)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if loaded, ok := r.games[id]; ok {
			return loaded, nil
		}
		r.games[id] = c
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Controller), nil
}

func (r *Registry) lookup(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.games[id]
	return c, ok
}

// List returns every known game, newest first.
func (r *Registry) List(ctx context.Context) ([]model.Game, error) {
	if r.store != nil {
		return r.store.ListGames(ctx)
	}
	r.mu.Lock()
	ctrls := make([]*Controller, 0, len(r.games))
	for _, c := range r.games {
		ctrls = append(ctrls, c)
	}
	r.mu.Unlock()

	games := make([]model.Game, 0, len(ctrls))
	for _, c := range ctrls {
		games = append(games, c.Game())
	}
	sortNewestFirst(games)
	return games, nil
}

// ResumeActive loads every active game from the store so a restarted
// server picks up where it left off. It returns how many were resumed.
func (r *Registry) ResumeActive(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	games, err := r.store.ListGames(ctx)
	if err != nil {
		return 0, fmt.Errorf("list games: %w", err)
	}
	n := 0
	for _, g := range games {
		if g.Status != model.StatusActive {
			continue
		}
		if _, err := r.Get(ctx, g.ID); err != nil {
			slog.Error("resume game failed", "game", g.ID, "err", err)
			continue
		}
		n++
	}
	return n, nil
}

func sortNewestFirst(games []model.Game) {
	sort.Slice(games, func(i, j int) bool { return games[i].CreatedAt.After(games[j].CreatedAt) })
}
