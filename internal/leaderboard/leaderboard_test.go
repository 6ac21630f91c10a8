package leaderboard

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func entry(user string, adjusted float64, offset time.Duration) Entry {
	return Entry{
		ID:                "e-" + user,
		UserID:            user,
		Name:              "Player " + user,
		AdjustedReturnPct: d(adjusted),
		FinalValue:        d(10000 + adjusted*100),
		Timestamp:         t0.Add(offset),
	}
}

func users(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UserID
	}
	return out
}

func assertOrder(t *testing.T, got []Entry, want ...string) {
	t.Helper()
	ids := users(got)
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("expected order %v, got %v", want, ids)
	}
}

// --- Metrics ---

func TestReturns(t *testing.T) {
	if got := NominalReturn(d(7500), d(5000)); !got.Equal(d(50)) {
		t.Errorf("expected nominal 50, got %s", got)
	}
	// 7500 against 5000 + 2500 paid in is flat.
	if got := AdjustedReturn(d(7500), d(5000), d(2500)); !got.IsZero() {
		t.Errorf("expected adjusted 0, got %s", got)
	}
	if got := AdjustedReturn(d(6000), d(5000), d(3000)); !got.Equal(d(-25)) {
		t.Errorf("expected adjusted -25, got %s", got)
	}
	if got := NominalReturn(d(1), decimal.Zero); !got.IsZero() {
		t.Errorf("expected zero for zero basis, got %s", got)
	}
}

func TestNewEntry(t *testing.T) {
	e := NewEntry(Result{
		UserID:        "u1",
		InitialCash:   d(5000),
		FinalValue:    d(12000),
		TotalInjected: d(5000),
		Timestamp:     t0,
	})
	if !e.NominalReturnPct.Equal(d(140)) || !e.AdjustedReturnPct.Equal(d(20)) {
		t.Errorf("unexpected returns: %s / %s", e.NominalReturnPct, e.AdjustedReturnPct)
	}
	if !e.TotalCashInjected.Equal(d(5000)) {
		t.Errorf("expected injected 5000, got %s", e.TotalCashInjected)
	}
}

// --- Board ---

func TestBoard_SortedAndBounded(t *testing.T) {
	b := NewBoard(3)
	b.Insert(entry("a", 5, 0))
	b.Insert(entry("b", 15, 0))
	b.Insert(entry("c", 10, 0))
	b.Insert(entry("d", 12, 0))
	assertOrder(t, b.Entries(), "b", "d", "c")
}

func TestBoard_LowEntryLeavesBoardUnchanged(t *testing.T) {
	b := NewBoard(GlobalLimit)
	for i := 0; i < GlobalLimit; i++ {
		b.Insert(entry(fmt.Sprintf("u%02d", i), float64(10+i), 0))
	}
	before := users(b.Entries())

	if pos := b.Insert(entry("late", 1, 0)); pos != 0 {
		t.Errorf("expected entry to miss the board, got position %d", pos)
	}
	if fmt.Sprint(users(b.Entries())) != fmt.Sprint(before) {
		t.Errorf("board changed: %v -> %v", before, users(b.Entries()))
	}
	if b.Len() != GlobalLimit {
		t.Errorf("expected %d entries, got %d", GlobalLimit, b.Len())
	}
}

func TestBoard_TieBreaks(t *testing.T) {
	b := NewBoard(5)
	b.Insert(entry("zed", 10, time.Minute))
	b.Insert(entry("bob", 10, 0))
	b.Insert(entry("amy", 10, 0))
	b.Insert(entry("kim", 10, 2*time.Minute))
	// Earlier timestamp first, then user ID ascending.
	assertOrder(t, b.Entries(), "amy", "bob", "zed", "kim")
}

func TestBoard_InsertPosition(t *testing.T) {
	b := NewBoard(5)
	b.Insert(entry("a", 10, 0))
	b.Insert(entry("b", 5, 0))
	if pos := b.Insert(entry("c", 7, 0)); pos != 2 {
		t.Errorf("expected position 2, got %d", pos)
	}
	if !b.Eligible(entry("x", -100, 0)) {
		t.Error("expected eligibility while the board has room")
	}
}

// --- Aggregator ---

func TestAggregator_GlobalAndSections(t *testing.T) {
	a := NewAggregator(GlobalLimit, SectionLimit)
	for i := 0; i < 8; i++ {
		e := entry(fmt.Sprintf("m%d", i), float64(i), 0)
		e.Section = "morning"
		a.Submit(e)
	}
	for i := 0; i < 4; i++ {
		e := entry(fmt.Sprintf("e%d", i), float64(20+i), 0)
		e.Section = "evening"
		a.Submit(e)
	}

	if got := len(a.Global()); got != GlobalLimit {
		t.Errorf("expected %d global entries, got %d", GlobalLimit, got)
	}
	assertOrder(t, a.Section("morning"), "m7", "m6", "m5", "m4", "m3")
	assertOrder(t, a.Section("evening"), "e3", "e2", "e1", "e0")
	if a.Section("night") != nil {
		t.Error("expected nil for an unknown section")
	}
	if a.Global()[0].UserID != "e3" {
		t.Errorf("expected e3 on top, got %s", a.Global()[0].UserID)
	}
}

func TestAggregator_BestAndRank(t *testing.T) {
	a := NewAggregator(GlobalLimit, SectionLimit)
	a.Submit(entry("alice", 5, 0))
	a.Submit(entry("alice", 25, time.Hour))
	a.Submit(entry("bob", 30, 0))
	a.Submit(entry("carol", 10, 0))

	best, ok := a.Best("alice")
	if !ok || !best.AdjustedReturnPct.Equal(d(25)) {
		t.Errorf("expected alice's best of 25, got %+v", best)
	}
	if rank, _ := a.Rank("alice"); rank != 2 {
		t.Errorf("expected alice rank 2, got %d", rank)
	}
	if rank, _ := a.Rank("carol"); rank != 3 {
		t.Errorf("expected carol rank 3, got %d", rank)
	}
	if _, ok := a.Rank("dave"); ok {
		t.Error("expected no rank for an unknown player")
	}
	if _, ok := a.Best("dave"); ok {
		t.Error("expected no best for an unknown player")
	}
}

func TestAggregator_Stats(t *testing.T) {
	a := NewAggregator(GlobalLimit, SectionLimit)
	vals := []float64{10, -5, 20, 3}
	for i, v := range vals {
		e := entry(fmt.Sprintf("u%d", i), v, 0)
		e.Section = "s1"
		if i == 3 {
			e.Section = "s2"
		}
		a.Submit(e)
	}

	st := a.Stats("")
	if st.Count != 4 {
		t.Fatalf("expected 4 entries, got %d", st.Count)
	}
	if !st.AverageAdjustedReturn.Equal(d(7)) {
		t.Errorf("expected average 7, got %s", st.AverageAdjustedReturn)
	}
	// sorted: -5, 3, 10, 20
	if !st.MedianAdjustedReturn.Equal(d(6.5)) {
		t.Errorf("expected median 6.5, got %s", st.MedianAdjustedReturn)
	}
	if !st.HighestAdjustedReturn.Equal(d(20)) || !st.HighestValue.Equal(d(12000)) {
		t.Errorf("unexpected highs: %s / %s", st.HighestAdjustedReturn, st.HighestValue)
	}
	if !st.AverageFinalValue.Equal(d(10700)) {
		t.Errorf("expected average value 10700, got %s", st.AverageFinalValue)
	}

	s1 := a.Stats("s1")
	if s1.Count != 3 || !s1.MedianAdjustedReturn.Equal(d(10)) {
		t.Errorf("unexpected section stats %+v", s1)
	}
	if empty := a.Stats("none"); empty.Count != 0 || !empty.AverageFinalValue.IsZero() {
		t.Errorf("expected zero stats, got %+v", empty)
	}
}

func TestAggregator_LoadReplays(t *testing.T) {
	a := NewAggregator(2, 2)
	a.Load([]Entry{entry("a", 1, 0), entry("b", 3, 0), entry("c", 2, 0)})
	assertOrder(t, a.Global(), "b", "c")
	if a.Stats("").Count != 3 {
		t.Error("expected every loaded entry in the stats")
	}
}
