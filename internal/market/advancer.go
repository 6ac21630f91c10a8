package market

import (
	"errors"
	"fmt"
	"math"

	"github.com/econlab/odyssey/internal/correlation"
	"github.com/econlab/odyssey/internal/returns"
	"github.com/econlab/odyssey/internal/rng"
)

var ErrEngineSize = errors.New("market: correlation engine does not match asset table")

// CPIParams drives the price index. When Clamp is set the drawn increase is
// bounded to [Min, Max].
type CPIParams struct {
	Mean   float64 `json:"mean" mapstructure:"mean"`
	StdDev float64 `json:"std_dev" mapstructure:"std_dev"`
	Min    float64 `json:"min" mapstructure:"min"`
	Max    float64 `json:"max" mapstructure:"max"`
	Clamp  bool    `json:"clamp" mapstructure:"clamp"`
}

// DefaultCPI is 2.5% ± 1.5% a round, bounded to [-1%, +6%].
func DefaultCPI() CPIParams {
	return CPIParams{Mean: 0.025, StdDev: 0.015, Min: -0.01, Max: 0.06, Clamp: true}
}

// Increase turns one standard-normal draw into a CPI growth rate.
func (p CPIParams) Increase(z float64) float64 {
	inc := p.Mean + p.StdDev*z
	if p.Clamp {
		inc = math.Max(p.Min, math.Min(p.Max, inc))
	}
	return inc
}

// AssetMove is what happened to one asset in one round.
type AssetMove struct {
	Asset    string       `json:"asset"`
	From     float64      `json:"from"`
	To       float64      `json:"to"`
	Return   float64      `json:"return"`
	Regime   returns.Kind `json:"regime"`
	Crashed  bool         `json:"crashed,omitempty"`
	Boundary bool         `json:"boundary,omitempty"`
}

// Outcome describes one advance.
type Outcome struct {
	Round       int         `json:"round"`
	Moves       []AssetMove `json:"moves"`
	CPIIncrease float64     `json:"cpi_increase"`
	CPI         float64     `json:"cpi"`
}

// Move looks up the move for an asset.
func (o Outcome) Move(asset string) (AssetMove, bool) {
	for _, m := range o.Moves {
		if m.Asset == asset {
			return m, true
		}
	}
	return AssetMove{}, false
}

// Advancer computes round transitions. It holds no per-game state and is safe
// for concurrent use.
type Advancer struct {
	model  *returns.Model
	engine *correlation.Engine
	cpi    CPIParams
}

// NewAdvancer pairs a return model with a correlation engine of the same size.
func NewAdvancer(model *returns.Model, engine *correlation.Engine, cpi CPIParams) (*Advancer, error) {
	if engine.Size() != len(model.Specs()) {
		return nil, fmt.Errorf("%w: %d assets, %dx%d matrix", ErrEngineSize, len(model.Specs()), engine.Size(), engine.Size())
	}
	return &Advancer{model: model, engine: engine, cpi: cpi}, nil
}

// Model returns the asset table the advancer prices with.
func (a *Advancer) Model() *returns.Model { return a.model }

// Genesis builds the round-0 state for this advancer's asset table.
func (a *Advancer) Genesis(seed map[string]float64, cpi float64) (*State, error) {
	return NewState(a.model.Names(), seed, cpi)
}

// Advance generates round s.Round()+1 and returns it as a new State.
//
// Random draws are consumed in a fixed order: six standard normals for the
// correlated vector, then each asset's regime draws in model order, then one
// standard normal for CPI. Replaying the same source reproduces the round.
func (a *Advancer) Advance(s *State, src rng.Source) (*State, Outcome, error) {
	specs := a.model.Specs()
	if len(specs) != len(s.names) {
		return nil, Outcome{}, fmt.Errorf("%w: state has %d assets", ErrEngineSize, len(s.names))
	}

	btcPrice, _ := s.Price(returns.Bitcoin)
	means, stdDevs := a.model.DrawParams(btcPrice)
	draws, err := a.engine.Draw(src, means, stdDevs)
	if err != nil {
		return nil, Outcome{}, fmt.Errorf("correlated draw: %w", err)
	}

	round := s.round + 1
	book := s.book
	prices := make([]float64, len(specs))
	realized := make([]float64, len(specs))
	out := Outcome{Round: round, Moves: make([]AssetMove, len(specs))}

	for i, spec := range specs {
		price := s.history[i][s.round]
		res := returns.Select(spec, price, book).NextReturn(returns.Input{
			Spec:  spec,
			Round: round,
			Price: price,
			Draw:  draws[i],
			Prev:  s.prev[i],
			Book:  book,
			Src:   src,
		})
		book = res.Book
		realized[i] = res.Return
		prices[i] = price * (1 + res.Return)
		out.Moves[i] = AssetMove{
			Asset:    spec.Name,
			From:     price,
			To:       prices[i],
			Return:   res.Return,
			Regime:   res.Kind,
			Crashed:  res.Crashed,
			Boundary: res.Boundary,
		}
	}

	out.CPIIncrease = a.cpi.Increase(src.NormFloat64())
	out.CPI = s.CPI() * (1 + out.CPIIncrease)

	return s.next(prices, realized, out.CPI, book), out, nil
}

// Describe rebuilds the outcome that took prev to next, for rounds generated
// elsewhere. Boundary handling leaves no trace in a state, so Boundary is
// never set.
func (a *Advancer) Describe(prev, next *State) (Outcome, error) {
	specs := a.model.Specs()
	if len(prev.names) != len(specs) || len(next.names) != len(specs) {
		return Outcome{}, fmt.Errorf("%w: state has %d assets", ErrEngineSize, len(next.names))
	}
	if next.round != prev.round+1 {
		return Outcome{}, fmt.Errorf("%w: round %d does not follow round %d", ErrInconsistentState, next.round, prev.round)
	}

	out := Outcome{Round: next.round, Moves: make([]AssetMove, len(specs))}
	for i, spec := range specs {
		from := prev.history[i][prev.round]
		m := AssetMove{
			Asset:  spec.Name,
			From:   from,
			To:     next.history[i][next.round],
			Return: next.prev[i],
			Regime: returns.Select(spec, from, prev.book).Kind(),
		}
		if spec.IsBitcoin() && m.Regime == returns.BitcoinNormal {
			m.Crashed = next.book.LastCrashRound == next.round
		}
		out.Moves[i] = m
	}
	out.CPI = next.CPI()
	out.CPIIncrease = out.CPI/prev.CPI() - 1
	return out, nil
}

// CatchUp advances s until it reaches target, drawing each round from
// sourceFor(round). With a deterministic sourceFor the generated rounds are
// identical to the ones an uninterrupted game would have produced.
func (a *Advancer) CatchUp(s *State, target int, sourceFor func(round int) rng.Source) (*State, []Outcome, error) {
	var outcomes []Outcome
	for s.round < target {
		next, out, err := a.Advance(s, sourceFor(s.round+1))
		if err != nil {
			return s, outcomes, fmt.Errorf("regenerate round %d: %w", s.round+1, err)
		}
		s = next
		outcomes = append(outcomes, out)
	}
	return s, outcomes, nil
}
