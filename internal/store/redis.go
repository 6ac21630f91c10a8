package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/econlab/odyssey/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Committed rounds never change, so they are cached on commit and on
// first read. Everything mutable is invalidated on write.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache or invalidate) ---

func (s *CachedStore) CreateGame(ctx context.Context, g *model.Game) error {
	if err := s.primary.CreateGame(ctx, g); err != nil {
		return err
	}
	s.set(ctx, gameKey(g.ID), g)
	return nil
}

func (s *CachedStore) UpdateGameStatus(ctx context.Context, id string, status model.GameStatus, round int) error {
	if err := s.primary.UpdateGameStatus(ctx, id, status, round); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, gameKey(id))
	return nil
}

func (s *CachedStore) CommitRound(ctx context.Context, r *model.GameRound) error {
	if err := s.primary.CommitRound(ctx, r); err != nil {
		return err
	}
	s.set(ctx, roundKey(r.GameID, r.RoundNumber), r)
	s.rdb.Del(ctx, latestKey(r.GameID))
	return nil
}

func (s *CachedStore) SavePlayerState(ctx context.Context, ps *model.PlayerState) error {
	if err := s.primary.SavePlayerState(ctx, ps); err != nil {
		return err
	}
	s.rdb.Del(ctx, playerKeyFor(ps.GameID, ps.UserID, ps.RoundNumber))
	return nil
}

func (s *CachedStore) InsertLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	if err := s.primary.InsertLeaderboardEntry(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, boardKey(""), boardKey(e.Section))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	var g model.Game
	if s.get(ctx, gameKey(id), &g) {
		return &g, nil
	}
	got, err := s.primary.GetGame(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, gameKey(id), got)
	return got, nil
}

func (s *CachedStore) LoadRound(ctx context.Context, gameID string, round int) (*model.GameRound, error) {
	var r model.GameRound
	if s.get(ctx, roundKey(gameID, round), &r) {
		return &r, nil
	}
	got, err := s.primary.LoadRound(ctx, gameID, round)
	if err != nil {
		return nil, err
	}
	s.set(ctx, roundKey(gameID, round), got)
	return got, nil
}

func (s *CachedStore) LatestRound(ctx context.Context, gameID string) (*model.GameRound, error) {
	// Try cache via game→latest round mapping.
	if n, err := s.rdb.Get(ctx, latestKey(gameID)).Int(); err == nil {
		return s.LoadRound(ctx, gameID, n)
	}

	got, err := s.primary.LatestRound(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, roundKey(gameID, got.RoundNumber), got)
	s.rdb.Set(ctx, latestKey(gameID), got.RoundNumber, s.ttl)
	return got, nil
}

func (s *CachedStore) LoadPlayerState(ctx context.Context, gameID, userID string, round int) (*model.PlayerState, error) {
	key := playerKeyFor(gameID, userID, round)
	var ps model.PlayerState
	if s.get(ctx, key, &ps) {
		return &ps, nil
	}
	got, err := s.primary.LoadPlayerState(ctx, gameID, userID, round)
	if err != nil {
		return nil, err
	}
	s.set(ctx, key, got)
	return got, nil
}

func (s *CachedStore) ListLeaderboardEntries(ctx context.Context, section string) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	if s.get(ctx, boardKey(section), &entries) {
		return entries, nil
	}
	entries, err := s.primary.ListLeaderboardEntries(ctx, section)
	if err != nil {
		return nil, err
	}
	s.set(ctx, boardKey(section), entries)
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListGames(ctx context.Context) ([]model.Game, error) {
	return s.primary.ListGames(ctx)
}

func (s *CachedStore) ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerState, error) {
	return s.primary.ListPlayerStates(ctx, gameID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func gameKey(id string) string             { return fmt.Sprintf("odyssey:game:%s", id) }
func roundKey(id string, round int) string { return fmt.Sprintf("odyssey:round:%s:%d", id, round) }
func latestKey(id string) string           { return fmt.Sprintf("odyssey:latest:%s", id) }
func boardKey(section string) string       { return fmt.Sprintf("odyssey:board:%s", section) }

func playerKeyFor(gameID, userID string, round int) string {
	return fmt.Sprintf("odyssey:player:%s:%s:%d", gameID, userID, round)
}
