// Package store defines the persistence interface for game records.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), a circuit-breaking guard, and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/econlab/odyssey/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrRoundCommitted is returned when another writer already committed the
	// round. The caller should load and adopt the committed record.
	ErrRoundCommitted = errors.New("store: round already committed")

	// ErrStaleVersion is returned when a player state save loses a
	// compare-and-swap race.
	ErrStaleVersion = errors.New("store: stale player state version")

	// ErrGameExists is returned when a game ID is reused.
	ErrGameExists = errors.New("store: game already exists")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Games ---

	// CreateGame persists a new game.
	CreateGame(ctx context.Context, g *model.Game) error

	// GetGame retrieves a game by ID.
	GetGame(ctx context.Context, id string) (*model.Game, error)

	// ListGames returns every game, newest first.
	ListGames(ctx context.Context) ([]model.Game, error)

	// UpdateGameStatus records the controller's state and round.
	UpdateGameStatus(ctx context.Context, id string, status model.GameStatus, round int) error

	// --- Rounds (immutable, conditional write) ---

	// CommitRound writes a round only if no record exists for it yet.
	CommitRound(ctx context.Context, r *model.GameRound) error

	// LoadRound retrieves one committed round.
	LoadRound(ctx context.Context, gameID string, round int) (*model.GameRound, error)

	// LatestRound retrieves the highest committed round.
	LatestRound(ctx context.Context, gameID string) (*model.GameRound, error)

	// --- Player state (compare-and-swap) ---

	// SavePlayerState stores ps if the participant's stored version equals
	// ps.Version, then bumps ps.Version.
	SavePlayerState(ctx context.Context, ps *model.PlayerState) error

	// LoadPlayerState retrieves a participant's state as of a round.
	LoadPlayerState(ctx context.Context, gameID, userID string, round int) (*model.PlayerState, error)

	// ListPlayerStates returns the latest state of every participant in a game.
	ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerState, error)

	// --- Leaderboard ---

	// InsertLeaderboardEntry appends an immutable result.
	InsertLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error

	// ListLeaderboardEntries returns results, optionally for one section.
	ListLeaderboardEntries(ctx context.Context, section string) ([]model.LeaderboardEntry, error)
}
