package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/econlab/odyssey/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	games       map[string]*model.Game
	rounds      map[string]map[int][]byte // gameID → round → JSON
	players     map[playerKey]map[int][]byte
	versions    map[playerKey]int64
	leaderboard []model.LeaderboardEntry
}

type playerKey struct{ game, user string }

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:    make(map[string]*model.Game),
		rounds:   make(map[string]map[int][]byte),
		players:  make(map[playerKey]map[int][]byte),
		versions: make(map[playerKey]int64),
	}
}

func (s *MemoryStore) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.games[g.ID]; ok {
		return fmt.Errorf("%w: %s", ErrGameExists, g.ID)
	}
	copy := *g
	s.games[g.ID] = &copy
	return nil
}

func (s *MemoryStore) GetGame(_ context.Context, id string) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.games[id]
	if !ok {
		return nil, fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	copy := *g
	return &copy, nil
}

func (s *MemoryStore) ListGames(_ context.Context) ([]model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	games := make([]model.Game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, *g)
	}
	sort.Slice(games, func(i, j int) bool { return games[i].CreatedAt.After(games[j].CreatedAt) })
	return games, nil
}

func (s *MemoryStore) UpdateGameStatus(_ context.Context, id string, status model.GameStatus, round int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.games[id]
	if !ok {
		return fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	g.Status = status
	g.Round = round
	return nil
}

// Rounds and player states are stored as JSON so callers can never alias
// the maps and slices inside a committed record.

func (s *MemoryStore) CommitRound(_ context.Context, r *model.GameRound) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode round: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rounds, ok := s.rounds[r.GameID]
	if !ok {
		rounds = make(map[int][]byte)
		s.rounds[r.GameID] = rounds
	}
	if _, exists := rounds[r.RoundNumber]; exists {
		return fmt.Errorf("game %s round %d: %w", r.GameID, r.RoundNumber, ErrRoundCommitted)
	}
	rounds[r.RoundNumber] = data
	return nil
}

func (s *MemoryStore) LoadRound(_ context.Context, gameID string, round int) (*model.GameRound, error) {
	s.mu.RLock()
	data, ok := s.rounds[gameID][round]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("game %s round %d: %w", gameID, round, ErrNotFound)
	}
	return decodeRound(data)
}

func (s *MemoryStore) LatestRound(_ context.Context, gameID string) (*model.GameRound, error) {
	s.mu.RLock()
	latest, found := -1, false
	for r := range s.rounds[gameID] {
		if r > latest {
			latest, found = r, true
		}
	}
	data := s.rounds[gameID][latest]
	s.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf("game %s: no rounds: %w", gameID, ErrNotFound)
	}
	return decodeRound(data)
}

func (s *MemoryStore) SavePlayerState(_ context.Context, ps *model.PlayerState) error {
	key := playerKey{ps.GameID, ps.UserID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.versions[key]; current != ps.Version {
		return fmt.Errorf("player %s: have version %d, stored %d: %w", ps.UserID, ps.Version, current, ErrStaleVersion)
	}

	saved := *ps
	saved.Version++
	data, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("encode player state: %w", err)
	}
	byRound, ok := s.players[key]
	if !ok {
		byRound = make(map[int][]byte)
		s.players[key] = byRound
	}
	byRound[ps.RoundNumber] = data
	s.versions[key] = saved.Version
	ps.Version = saved.Version
	return nil
}

func (s *MemoryStore) LoadPlayerState(_ context.Context, gameID, userID string, round int) (*model.PlayerState, error) {
	s.mu.RLock()
	data, ok := s.players[playerKey{gameID, userID}][round]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("player %s round %d: %w", userID, round, ErrNotFound)
	}
	var ps model.PlayerState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("decode player state: %w", err)
	}
	return &ps, nil
}

func (s *MemoryStore) ListPlayerStates(_ context.Context, gameID string) ([]model.PlayerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []model.PlayerState
	for key, byRound := range s.players {
		if key.game != gameID {
			continue
		}
		// The most recent save wins, whatever round it was made in.
		var latest model.PlayerState
		for _, data := range byRound {
			var ps model.PlayerState
			if err := json.Unmarshal(data, &ps); err != nil {
				return nil, fmt.Errorf("decode player state: %w", err)
			}
			if ps.Version > latest.Version {
				latest = ps
			}
		}
		states = append(states, latest)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].UserID < states[j].UserID })
	return states, nil
}

func (s *MemoryStore) InsertLeaderboardEntry(_ context.Context, e *model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaderboard = append(s.leaderboard, *e)
	return nil
}

func (s *MemoryStore) ListLeaderboardEntries(_ context.Context, section string) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LeaderboardEntry
	for _, e := range s.leaderboard {
		if section == "" || e.Section == section {
			result = append(result, e)
		}
	}
	return result, nil
}

func decodeRound(data []byte) (*model.GameRound, error) {
	var r model.GameRound
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode round: %w", err)
	}
	return &r, nil
}
