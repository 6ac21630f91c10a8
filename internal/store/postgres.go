package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/model"
)

// Schema creates the tables PostgresStore expects. Round and player payloads
// are JSONB; money columns that are queried directly are NUMERIC.
const Schema = `
CREATE TABLE IF NOT EXISTS games (
	id             TEXT PRIMARY KEY,
	section        TEXT NOT NULL DEFAULT '',
	facilitator_id TEXT NOT NULL,
	seed           BIGINT NOT NULL,
	max_rounds     INT NOT NULL,
	status         TEXT NOT NULL,
	round          INT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS game_rounds (
	game_id      TEXT NOT NULL REFERENCES games(id),
	round_number INT NOT NULL,
	payload      JSONB NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (game_id, round_number)
);

CREATE TABLE IF NOT EXISTS player_versions (
	game_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	PRIMARY KEY (game_id, user_id)
);

CREATE TABLE IF NOT EXISTS player_states (
	game_id         TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	round_number    INT NOT NULL,
	cash            NUMERIC NOT NULL,
	portfolio_value NUMERIC NOT NULL,
	payload         JSONB NOT NULL,
	version         BIGINT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (game_id, user_id, round_number)
);

CREATE TABLE IF NOT EXISTS leaderboard_entries (
	id                  TEXT PRIMARY KEY,
	user_id             TEXT NOT NULL,
	name                TEXT NOT NULL,
	section             TEXT NOT NULL DEFAULT '',
	game_id             TEXT NOT NULL,
	final_value         NUMERIC NOT NULL,
	nominal_return_pct  NUMERIC NOT NULL,
	adjusted_return_pct NUMERIC NOT NULL,
	total_cash_injected NUMERIC NOT NULL,
	timestamp           TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Games ---

func (s *PostgresStore) CreateGame(ctx context.Context, g *model.Game) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO games (id, section, facilitator_id, seed, max_rounds, status, round, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		g.ID, g.Section, g.FacilitatorID, int64(g.Seed), g.MaxRounds, string(g.Status), g.Round, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create game %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrGameExists, g.ID)
	}
	return nil
}

func (s *PostgresStore) GetGame(ctx context.Context, id string) (*model.Game, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, section, facilitator_id, seed, max_rounds, status, round, created_at
		 FROM games WHERE id = $1`, id)
	g, err := scanGame(row)
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", id, notFound(err))
	}
	return g, nil
}

func (s *PostgresStore) ListGames(ctx context.Context) ([]model.Game, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, section, facilitator_id, seed, max_rounds, status, round, created_at
		 FROM games ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		games = append(games, *g)
	}
	return games, rows.Err()
}

func (s *PostgresStore) UpdateGameStatus(ctx context.Context, id string, status model.GameStatus, round int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE games SET status = $2, round = $3 WHERE id = $1`,
		id, string(status), round,
	)
	if err != nil {
		return fmt.Errorf("update game %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Rounds ---

func (s *PostgresStore) CommitRound(ctx context.Context, r *model.GameRound) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode round: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO game_rounds (game_id, round_number, payload, committed_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (game_id, round_number) DO NOTHING`,
		r.GameID, r.RoundNumber, payload, r.CommittedAt,
	)
	if err != nil {
		return fmt.Errorf("commit round %d: %w", r.RoundNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("game %s round %d: %w", r.GameID, r.RoundNumber, ErrRoundCommitted)
	}
	return nil
}

func (s *PostgresStore) LoadRound(ctx context.Context, gameID string, round int) (*model.GameRound, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM game_rounds WHERE game_id = $1 AND round_number = $2`,
		gameID, round).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load round %d: %w", round, notFound(err))
	}
	return decodeRound(payload)
}

func (s *PostgresStore) LatestRound(ctx context.Context, gameID string) (*model.GameRound, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM game_rounds WHERE game_id = $1
		 ORDER BY round_number DESC LIMIT 1`, gameID).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("latest round for %s: %w", gameID, notFound(err))
	}
	return decodeRound(payload)
}

// --- Player state ---

// SavePlayerState bumps the participant's version row and writes the state in
// one transaction. A version mismatch rolls both back.
func (s *PostgresStore) SavePlayerState(ctx context.Context, ps *model.PlayerState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if ps.Version == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO player_versions (game_id, user_id, version) VALUES ($1, $2, 1)
			 ON CONFLICT (game_id, user_id) DO NOTHING`,
			ps.GameID, ps.UserID)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE player_versions SET version = version + 1
			 WHERE game_id = $1 AND user_id = $2 AND version = $3`,
			ps.GameID, ps.UserID, ps.Version)
	}
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("player %s at version %d: %w", ps.UserID, ps.Version, ErrStaleVersion)
	}

	saved := *ps
	saved.Version++
	payload, err := json.Marshal(&saved)
	if err != nil {
		return fmt.Errorf("encode player state: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO player_states (game_id, user_id, round_number, cash, portfolio_value, payload, version, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (game_id, user_id, round_number) DO UPDATE
		 SET cash = EXCLUDED.cash, portfolio_value = EXCLUDED.portfolio_value,
		     payload = EXCLUDED.payload, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		saved.GameID, saved.UserID, saved.RoundNumber,
		saved.Cash.String(), saved.PortfolioValue.String(),
		payload, saved.Version, saved.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save player state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	ps.Version = saved.Version
	return nil
}

func (s *PostgresStore) LoadPlayerState(ctx context.Context, gameID, userID string, round int) (*model.PlayerState, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM player_states
		 WHERE game_id = $1 AND user_id = $2 AND round_number = $3`,
		gameID, userID, round).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("load player %s round %d: %w", userID, round, notFound(err))
	}
	var ps model.PlayerState
	if err := json.Unmarshal(payload, &ps); err != nil {
		return nil, fmt.Errorf("decode player state: %w", err)
	}
	return &ps, nil
}

func (s *PostgresStore) ListPlayerStates(ctx context.Context, gameID string) ([]model.PlayerState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (user_id) payload FROM player_states
		 WHERE game_id = $1
		 ORDER BY user_id, version DESC`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []model.PlayerState
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ps model.PlayerState
		if err := json.Unmarshal(payload, &ps); err != nil {
			return nil, fmt.Errorf("decode player state: %w", err)
		}
		states = append(states, ps)
	}
	return states, rows.Err()
}

// --- Leaderboard ---

func (s *PostgresStore) InsertLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leaderboard_entries (id, user_id, name, section, game_id, final_value,
		        nominal_return_pct, adjusted_return_pct, total_cash_injected, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		e.ID, e.UserID, e.Name, e.Section, e.GameID,
		e.FinalValue.String(), e.NominalReturnPct.String(),
		e.AdjustedReturnPct.String(), e.TotalCashInjected.String(),
		e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListLeaderboardEntries(ctx context.Context, section string) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, section, game_id,
		        final_value::TEXT, nominal_return_pct::TEXT,
		        adjusted_return_pct::TEXT, total_cash_injected::TEXT, timestamp
		 FROM leaderboard_entries
		 WHERE $1 = '' OR section = $1
		 ORDER BY adjusted_return_pct DESC, timestamp, user_id`, section)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var finalS, nominalS, adjustedS, injectedS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &e.Section, &e.GameID,
			&finalS, &nominalS, &adjustedS, &injectedS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FinalValue, _ = decimal.NewFromString(finalS)
		e.NominalReturnPct, _ = decimal.NewFromString(nominalS)
		e.AdjustedReturnPct, _ = decimal.NewFromString(adjustedS)
		e.TotalCashInjected, _ = decimal.NewFromString(injectedS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func scanGame(row pgx.Row) (*model.Game, error) {
	var g model.Game
	var seed int64
	var status string
	if err := row.Scan(&g.ID, &g.Section, &g.FacilitatorID, &seed, &g.MaxRounds, &status, &g.Round, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.Seed = uint64(seed)
	g.Status = model.GameStatus(status)
	return &g, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
