package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"

	"github.com/econlab/odyssey/internal/model"
)

const cacheTTL = 10 * time.Minute

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestCachedStore_LoadRoundHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cs := NewCachedStore(NewMemoryStore(), db, cacheTTL)

	r := testRound("g1", 4)
	mock.ExpectGet(roundKey("g1", 4)).SetVal(string(mustJSON(t, r)))

	got, err := cs.LoadRound(context.Background(), "g1", 4)
	if err != nil {
		t.Fatalf("expected cache hit, got %v", err)
	}
	if got.RoundNumber != 4 || got.CPI != r.CPI {
		t.Errorf("unexpected round %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_LoadRoundMissPopulates(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ms := NewMemoryStore()
	cs := NewCachedStore(ms, db, cacheTTL)
	ctx := context.Background()

	ms.CommitRound(ctx, testRound("g1", 2))
	stored, _ := ms.LoadRound(ctx, "g1", 2)

	mock.ExpectGet(roundKey("g1", 2)).RedisNil()
	mock.ExpectSet(roundKey("g1", 2), mustJSON(t, stored), cacheTTL).SetVal("OK")

	got, err := cs.LoadRound(ctx, "g1", 2)
	if err != nil || got.RoundNumber != 2 {
		t.Fatalf("unexpected result %+v (%v)", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_LoadRoundMissNotFound(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cs := NewCachedStore(NewMemoryStore(), db, cacheTTL)

	mock.ExpectGet(roundKey("g1", 9)).RedisNil()
	if _, err := cs.LoadRound(context.Background(), "g1", 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_CommitRoundCachesAndInvalidatesLatest(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cs := NewCachedStore(NewMemoryStore(), db, cacheTTL)

	r := testRound("g1", 1)
	mock.ExpectSet(roundKey("g1", 1), mustJSON(t, r), cacheTTL).SetVal("OK")
	mock.ExpectDel(latestKey("g1")).SetVal(1)

	if err := cs.CommitRound(context.Background(), r); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_CommitConflictSkipsCache(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ms := NewMemoryStore()
	cs := NewCachedStore(ms, db, cacheTTL)
	ctx := context.Background()
	ms.CommitRound(ctx, testRound("g1", 1))

	if err := cs.CommitRound(ctx, testRound("g1", 1)); !errors.Is(err, ErrRoundCommitted) {
		t.Fatalf("expected ErrRoundCommitted, got %v", err)
	}
	// No Redis traffic is expected on a lost race.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_LatestRoundViaMapping(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cs := NewCachedStore(NewMemoryStore(), db, cacheTTL)

	r := testRound("g1", 3)
	mock.ExpectGet(latestKey("g1")).SetVal("3")
	mock.ExpectGet(roundKey("g1", 3)).SetVal(string(mustJSON(t, r)))

	got, err := cs.LatestRound(context.Background(), "g1")
	if err != nil || got.RoundNumber != 3 {
		t.Fatalf("unexpected result %+v (%v)", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_UpdateGameStatusInvalidates(t *testing.T) {
	db, mock := redismock.NewClientMock()
	ms := NewMemoryStore()
	cs := NewCachedStore(ms, db, cacheTTL)
	ctx := context.Background()
	ms.CreateGame(ctx, &model.Game{ID: "g1", CreatedAt: t0})

	mock.ExpectDel(gameKey("g1")).SetVal(1)
	if err := cs.UpdateGameStatus(ctx, "g1", model.StatusCompleted, 20); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_LeaderboardInvalidation(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cs := NewCachedStore(NewMemoryStore(), db, cacheTTL)

	e := &model.LeaderboardEntry{ID: "e1", UserID: "u1", Section: "am", Timestamp: t0}
	mock.ExpectDel(boardKey(""), boardKey("am")).SetVal(0)

	if err := cs.InsertLeaderboardEntry(context.Background(), e); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCachedStore_SavePlayerStateInvalidates(t *testing.T) {
	db, mock := redismock.NewClientMock()
	cs := NewCachedStore(NewMemoryStore(), db, cacheTTL)

	ps := testPlayer("g1", "u1", 2)
	mock.ExpectDel(playerKeyFor("g1", "u1", 2)).SetVal(0)
	if err := cs.SavePlayerState(context.Background(), ps); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
