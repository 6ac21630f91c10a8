// Package market holds the shared market state of one game and the advancer
// that moves it forward one round at a time.
//
// A State is an immutable value. Advancing never touches the input state; it
// returns a brand-new State, so a round's prices, CPI and regime bookkeeping
// become visible together or not at all.
package market

import (
	"errors"
	"fmt"

	"github.com/econlab/odyssey/internal/returns"
)

// InitialCPI is the price index at round 0.
const InitialCPI = 100.0

var (
	ErrMissingSeed       = errors.New("market: missing seed price")
	ErrNonPositivePrice  = errors.New("market: prices must be positive")
	ErrRoundOutOfRange   = errors.New("market: round out of range")
	ErrInconsistentState = errors.New("market: inconsistent snapshot")
)

// DefaultSeedPrices returns the round-0 prices the game ships with.
func DefaultSeedPrices() map[string]float64 {
	return map[string]float64{
		returns.SP500:       100,
		returns.Bonds:       100,
		returns.RealEstate:  5000,
		returns.Gold:        3000,
		returns.Commodities: 100,
		returns.Bitcoin:     50000,
	}
}

// State is the market at the end of some round.
type State struct {
	names   []string
	round   int
	history [][]float64 // [asset][round]
	cpi     []float64   // [round]
	prev    []float64   // last realized return per asset
	book    returns.BitcoinBook
}

// NewState builds the round-0 state from seed prices.
func NewState(names []string, seed map[string]float64, cpi float64) (*State, error) {
	if cpi <= 0 {
		return nil, fmt.Errorf("%w: cpi %v", ErrNonPositivePrice, cpi)
	}
	s := &State{
		names:   append([]string(nil), names...),
		history: make([][]float64, len(names)),
		cpi:     []float64{cpi},
		prev:    make([]float64, len(names)),
		book:    returns.NewBitcoinBook(),
	}
	for i, name := range names {
		p, ok := seed[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSeed, name)
		}
		if p <= 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrNonPositivePrice, name, p)
		}
		s.history[i] = []float64{p}
	}
	return s, nil
}

// Round is the latest generated round.
func (s *State) Round() int { return s.round }

// Names lists assets in model order.
func (s *State) Names() []string { return append([]string(nil), s.names...) }

// Price is the current price of an asset.
func (s *State) Price(name string) (float64, bool) {
	i := s.index(name)
	if i < 0 {
		return 0, false
	}
	h := s.history[i]
	return h[len(h)-1], true
}

// Prices returns a copy of the current prices.
func (s *State) Prices() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for i, name := range s.names {
		out[name] = s.history[i][s.round]
	}
	return out
}

// History returns a copy of one asset's price history, indexed by round.
func (s *State) History(name string) []float64 {
	i := s.index(name)
	if i < 0 {
		return nil
	}
	return append([]float64(nil), s.history[i]...)
}

// CPI is the current price index.
func (s *State) CPI() float64 { return s.cpi[s.round] }

// CPIHistory returns a copy of the price index history, indexed by round.
func (s *State) CPIHistory() []float64 { return append([]float64(nil), s.cpi...) }

// PrevReturn is the return an asset realized in the latest round.
func (s *State) PrevReturn(name string) float64 {
	i := s.index(name)
	if i < 0 {
		return 0
	}
	return s.prev[i]
}

// Bitcoin returns the regime bookkeeping.
func (s *State) Bitcoin() returns.BitcoinBook { return s.book }

// View is the market as it stood at the end of one round.
type View struct {
	Round  int                `json:"round"`
	Prices map[string]float64 `json:"prices"`
	CPI    float64            `json:"cpi"`
}

// At projects the state onto a past round. It never mutates the state.
func (s *State) At(round int) (View, error) {
	if round < 0 || round > s.round {
		return View{}, fmt.Errorf("%w: %d (latest %d)", ErrRoundOutOfRange, round, s.round)
	}
	v := View{Round: round, Prices: make(map[string]float64, len(s.names)), CPI: s.cpi[round]}
	for i, name := range s.names {
		v.Prices[name] = s.history[i][round]
	}
	return v, nil
}

// Snapshot is the full, serializable form of a State.
type Snapshot struct {
	Round       int                  `json:"round"`
	Prices      map[string]float64   `json:"prices"`
	History     map[string][]float64 `json:"history"`
	CPI         float64              `json:"cpi"`
	CPIHistory  []float64            `json:"cpi_history"`
	PrevReturns map[string]float64   `json:"prev_returns"`
	Bitcoin     returns.BitcoinBook  `json:"bitcoin"`
}

// Snapshot copies the state out.
func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Round:       s.round,
		Prices:      s.Prices(),
		History:     make(map[string][]float64, len(s.names)),
		CPI:         s.CPI(),
		CPIHistory:  s.CPIHistory(),
		PrevReturns: make(map[string]float64, len(s.names)),
		Bitcoin:     s.book,
	}
	for i, name := range s.names {
		snap.History[name] = append([]float64(nil), s.history[i]...)
		snap.PrevReturns[name] = s.prev[i]
	}
	return snap
}

// FromSnapshot rebuilds a State, checking that every history is gap-free and
// ends at the recorded price.
func FromSnapshot(names []string, snap Snapshot) (*State, error) {
	if len(snap.CPIHistory) != snap.Round+1 {
		return nil, fmt.Errorf("%w: cpi history has %d entries for round %d", ErrInconsistentState, len(snap.CPIHistory), snap.Round)
	}
	s := &State{
		names:   append([]string(nil), names...),
		round:   snap.Round,
		history: make([][]float64, len(names)),
		cpi:     append([]float64(nil), snap.CPIHistory...),
		prev:    make([]float64, len(names)),
		book:    snap.Bitcoin,
	}
	for i, name := range names {
		h, ok := snap.History[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSeed, name)
		}
		if len(h) != snap.Round+1 {
			return nil, fmt.Errorf("%w: %s has %d entries for round %d", ErrInconsistentState, name, len(h), snap.Round)
		}
		if p, ok := snap.Prices[name]; ok && p != h[len(h)-1] {
			return nil, fmt.Errorf("%w: %s current price differs from history", ErrInconsistentState, name)
		}
		s.history[i] = append([]float64(nil), h...)
		s.prev[i] = snap.PrevReturns[name]
	}
	return s, nil
}

func (s *State) index(name string) int {
	for i, n := range s.names {
		if n == name {
			return i
		}
	}
	return -1
}

// next returns a copy with one more round appended. Only the advancer calls it.
func (s *State) next(prices, realized []float64, cpi float64, book returns.BitcoinBook) *State {
	n := &State{
		names:   s.names,
		round:   s.round + 1,
		history: make([][]float64, len(s.names)),
		cpi:     append(append(make([]float64, 0, len(s.cpi)+1), s.cpi...), cpi),
		prev:    append([]float64(nil), realized...),
		book:    book,
	}
	for i := range s.history {
		h := make([]float64, 0, len(s.history[i])+1)
		n.history[i] = append(append(h, s.history[i]...), prices[i])
	}
	return n
}
