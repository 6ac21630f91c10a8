package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/econlab/odyssey/internal/model"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("store: backend unavailable")

// BreakerSettings tunes GuardedStore.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	Interval            time.Duration
	Timeout             time.Duration
	OnStateChange       func(name string, from, to gobreaker.State)
}

// DefaultBreakerSettings trips after three straight backend failures and
// probes again after thirty seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:                "store",
		ConsecutiveFailures: 3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
	}
}

// GuardedStore fails fast while the wrapped store is failing. Domain outcomes
// (not found, lost races) are answers, not failures, and never trip it.
type GuardedStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// NewGuardedStore wraps inner with a circuit breaker.
func NewGuardedStore(inner Store, st BreakerSettings) *GuardedStore {
	settings := gobreaker.Settings{
		Name:     st.Name,
		Interval: st.Interval,
		Timeout:  st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= st.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrNotFound) ||
				errors.Is(err, ErrRoundCommitted) ||
				errors.Is(err, ErrStaleVersion) ||
				errors.Is(err, ErrGameExists) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("store breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			if st.OnStateChange != nil {
				st.OnStateChange(name, from, to)
			}
		},
	}
	return &GuardedStore{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state.
func (s *GuardedStore) State() gobreaker.State { return s.cb.State() }

func guard[T any](s *GuardedStore, fn func() (T, error)) (T, error) {
	out, err := s.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out == nil {
		var zero T
		return zero, err
	}
	return out.(T), err
}

func guardErr(s *GuardedStore, fn func() error) error {
	_, err := guard(s, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

func (s *GuardedStore) CreateGame(ctx context.Context, g *model.Game) error {
	return guardErr(s, func() error { return s.inner.CreateGame(ctx, g) })
}

func (s *GuardedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	return guard(s, func() (*model.Game, error) { return s.inner.GetGame(ctx, id) })
}

func (s *GuardedStore) ListGames(ctx context.Context) ([]model.Game, error) {
	return guard(s, func() ([]model.Game, error) { return s.inner.ListGames(ctx) })
}

func (s *GuardedStore) UpdateGameStatus(ctx context.Context, id string, status model.GameStatus, round int) error {
	return guardErr(s, func() error { return s.inner.UpdateGameStatus(ctx, id, status, round) })
}

func (s *GuardedStore) CommitRound(ctx context.Context, r *model.GameRound) error {
	return guardErr(s, func() error { return s.inner.CommitRound(ctx, r) })
}

func (s *GuardedStore) LoadRound(ctx context.Context, gameID string, round int) (*model.GameRound, error) {
	return guard(s, func() (*model.GameRound, error) { return s.inner.LoadRound(ctx, gameID, round) })
}

func (s *GuardedStore) LatestRound(ctx context.Context, gameID string) (*model.GameRound, error) {
	return guard(s, func() (*model.GameRound, error) { return s.inner.LatestRound(ctx, gameID) })
}

func (s *GuardedStore) SavePlayerState(ctx context.Context, ps *model.PlayerState) error {
	return guardErr(s, func() error { return s.inner.SavePlayerState(ctx, ps) })
}

func (s *GuardedStore) LoadPlayerState(ctx context.Context, gameID, userID string, round int) (*model.PlayerState, error) {
	return guard(s, func() (*model.PlayerState, error) { return s.inner.LoadPlayerState(ctx, gameID, userID, round) })
}

func (s *GuardedStore) ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerState, error) {
	return guard(s, func() ([]model.PlayerState, error) { return s.inner.ListPlayerStates(ctx, gameID) })
}

func (s *GuardedStore) InsertLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	return guardErr(s, func() error { return s.inner.InsertLeaderboardEntry(ctx, e) })
}

func (s *GuardedStore) ListLeaderboardEntries(ctx context.Context, section string) ([]model.LeaderboardEntry, error) {
	return guard(s, func() ([]model.LeaderboardEntry, error) { return s.inner.ListLeaderboardEntries(ctx, section) })
}
