// Package leaderboard ranks finished games by injection-adjusted return.
//
// Nominal return is inflated by the cash injections every participant
// receives, so boards sort by adjusted return: the final value measured
// against the initial cash plus every injection. Ties go to the earlier
// entry, then to the lower user ID.
package leaderboard

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Default board sizes.
const (
	GlobalLimit  = 10
	SectionLimit = 5
)

// PercentPlaces is the precision returns are stored at.
const PercentPlaces = 4

var hundred = decimal.NewFromInt(100)

// Entry is one finished game. Entries are read-only once created.
type Entry struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Name              string          `json:"name"`
	Section           string          `json:"section,omitempty"`
	GameID            string          `json:"game_id"`
	FinalValue        decimal.Decimal `json:"final_value"`
	NominalReturnPct  decimal.Decimal `json:"nominal_return_pct"`
	AdjustedReturnPct decimal.Decimal `json:"adjusted_return_pct"`
	TotalCashInjected decimal.Decimal `json:"total_cash_injected"`
	Timestamp         time.Time       `json:"timestamp"`
}

// Result is what a finished participant hands to NewEntry.
type Result struct {
	ID            string
	UserID        string
	Name          string
	Section       string
	GameID        string
	InitialCash   decimal.Decimal
	FinalValue    decimal.Decimal
	TotalInjected decimal.Decimal
	Timestamp     time.Time
}

// NominalReturn is (final - initial) / initial × 100.
func NominalReturn(final, initial decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() {
		return decimal.Zero
	}
	return final.Sub(initial).Div(initial).Mul(hundred).Round(PercentPlaces)
}

// AdjustedReturn measures the final value against everything paid in.
func AdjustedReturn(final, initial, injected decimal.Decimal) decimal.Decimal {
	return NominalReturn(final, initial.Add(injected))
}

// NewEntry derives the ranked figures for a finished participant.
func NewEntry(r Result) Entry {
	return Entry{
		ID:                r.ID,
		UserID:            r.UserID,
		Name:              r.Name,
		Section:           r.Section,
		GameID:            r.GameID,
		FinalValue:        r.FinalValue,
		NominalReturnPct:  NominalReturn(r.FinalValue, r.InitialCash),
		AdjustedReturnPct: AdjustedReturn(r.FinalValue, r.InitialCash, r.TotalInjected),
		TotalCashInjected: r.TotalInjected,
		Timestamp:         r.Timestamp,
	}
}

// Ahead reports whether a ranks above b.
func Ahead(a, b Entry) bool {
	if c := a.AdjustedReturnPct.Cmp(b.AdjustedReturnPct); c != 0 {
		return c > 0
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.UserID < b.UserID
}

// Sort orders entries best first.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return Ahead(entries[i], entries[j]) })
}

// Board is a bounded top-N list. Not safe for concurrent use on its own.
type Board struct {
	limit   int
	entries []Entry
}

// NewBoard creates a board that keeps at most limit entries.
func NewBoard(limit int) *Board {
	if limit < 1 {
		limit = 1
	}
	return &Board{limit: limit}
}

// Eligible reports whether e would make the board.
func (b *Board) Eligible(e Entry) bool {
	return len(b.entries) < b.limit || Ahead(e, b.entries[len(b.entries)-1])
}

// Insert places e and evicts the lowest entry once the board overflows. It
// returns e's 1-based position, or 0 if e did not make the board.
func (b *Board) Insert(e Entry) int {
	if !b.Eligible(e) {
		return 0
	}
	i := sort.Search(len(b.entries), func(i int) bool { return Ahead(e, b.entries[i]) })
	b.entries = append(b.entries, Entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
	if len(b.entries) > b.limit {
		b.entries = b.entries[:b.limit]
	}
	return i + 1
}

// Entries returns the board best first.
func (b *Board) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// Len is the number of retained entries.
func (b *Board) Len() int { return len(b.entries) }

// Stats summarizes a set of entries.
type Stats struct {
	Count                 int             `json:"count"`
	AverageFinalValue     decimal.Decimal `json:"average_final_value"`
	AverageAdjustedReturn decimal.Decimal `json:"average_adjusted_return_pct"`
	MedianAdjustedReturn  decimal.Decimal `json:"median_adjusted_return_pct"`
	HighestValue          decimal.Decimal `json:"highest_value"`
	HighestAdjustedReturn decimal.Decimal `json:"highest_adjusted_return_pct"`
}

// Summarize computes board statistics. An empty input yields zero stats.
func Summarize(entries []Entry) Stats {
	st := Stats{Count: len(entries)}
	if len(entries) == 0 {
		return st
	}

	n := decimal.NewFromInt(int64(len(entries)))
	sumValue, sumAdj := decimal.Zero, decimal.Zero
	adj := make([]decimal.Decimal, len(entries))
	st.HighestValue = entries[0].FinalValue
	st.HighestAdjustedReturn = entries[0].AdjustedReturnPct
	for i, e := range entries {
		sumValue = sumValue.Add(e.FinalValue)
		sumAdj = sumAdj.Add(e.AdjustedReturnPct)
		adj[i] = e.AdjustedReturnPct
		st.HighestValue = decimal.Max(st.HighestValue, e.FinalValue)
		st.HighestAdjustedReturn = decimal.Max(st.HighestAdjustedReturn, e.AdjustedReturnPct)
	}
	st.AverageFinalValue = sumValue.Div(n).Round(2)
	st.AverageAdjustedReturn = sumAdj.Div(n).Round(PercentPlaces)

	sort.Slice(adj, func(i, j int) bool { return adj[i].LessThan(adj[j]) })
	mid := len(adj) / 2
	if len(adj)%2 == 1 {
		st.MedianAdjustedReturn = adj[mid]
	} else {
		st.MedianAdjustedReturn = adj[mid-1].Add(adj[mid]).Div(decimal.NewFromInt(2)).Round(PercentPlaces)
	}
	return st
}

// Aggregator keeps the global board, one board per section, and every
// submitted entry for statistics and per-player lookups.
type Aggregator struct {
	mu           sync.RWMutex
	sectionLimit int
	global       *Board
	sections     map[string]*Board
	all          []Entry
}

// NewAggregator creates an aggregator with the given board sizes.
func NewAggregator(globalLimit, sectionLimit int) *Aggregator {
	return &Aggregator{
		sectionLimit: sectionLimit,
		global:       NewBoard(globalLimit),
		sections:     make(map[string]*Board),
	}
}

// Submit records an entry on every board it qualifies for and returns its
// global position (0 if it missed the global board).
func (a *Aggregator) Submit(e Entry) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.all = append(a.all, e)
	if e.Section != "" {
		b, ok := a.sections[e.Section]
		if !ok {
			b = NewBoard(a.sectionLimit)
			a.sections[e.Section] = b
		}
		b.Insert(e)
	}
	return a.global.Insert(e)
}

// Global returns the global board best first.
func (a *Aggregator) Global() []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.global.Entries()
}

// Section returns one section's board best first.
func (a *Aggregator) Section(section string) []Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	b, ok := a.sections[section]
	if !ok {
		return nil
	}
	return b.Entries()
}

// Best is a player's highest-ranked entry.
func (a *Aggregator) Best(userID string) (Entry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var best Entry
	found := false
	for _, e := range a.all {
		if e.UserID == userID && (!found || Ahead(e, best)) {
			best, found = e, true
		}
	}
	return best, found
}

// Rank is the 1-based position of a player's best entry among every
// player's best entry.
func (a *Aggregator) Rank(userID string) (int, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	bests := make(map[string]Entry)
	for _, e := range a.all {
		if cur, ok := bests[e.UserID]; !ok || Ahead(e, cur) {
			bests[e.UserID] = e
		}
	}
	mine, ok := bests[userID]
	if !ok {
		return 0, false
	}
	rank := 1
	for uid, e := range bests {
		if uid != userID && Ahead(e, mine) {
			rank++
		}
	}
	return rank, true
}

// Stats summarizes every entry, or one section's entries when section is set.
func (a *Aggregator) Stats(section string) Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if section == "" {
		return Summarize(a.all)
	}
	var subset []Entry
	for _, e := range a.all {
		if e.Section == section {
			subset = append(subset, e)
		}
	}
	return Summarize(subset)
}

// Load replays persisted entries, for example after a restart.
func (a *Aggregator) Load(entries []Entry) {
	sorted := append([]Entry(nil), entries...)
	Sort(sorted)
	for _, e := range sorted {
		a.Submit(e)
	}
}
