package market

import (
	"errors"
	"math"
	"testing"

	"github.com/econlab/odyssey/internal/correlation"
	"github.com/econlab/odyssey/internal/returns"
	"github.com/econlab/odyssey/internal/rng"
)

func identity(n int) correlation.Matrix {
	m := make(correlation.Matrix, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = 1
	}
	return m
}

func newAdvancer(t *testing.T, specs []returns.AssetSpec, matrix correlation.Matrix) *Advancer {
	t.Helper()
	model, err := returns.NewModel(specs)
	if err != nil {
		t.Fatalf("model: %v", err)
	}
	engine, err := correlation.NewEngine(matrix)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	a, err := NewAdvancer(model, engine, DefaultCPI())
	if err != nil {
		t.Fatalf("advancer: %v", err)
	}
	return a
}

func defaultAdvancer(t *testing.T) *Advancer {
	t.Helper()
	return newAdvancer(t, returns.DefaultAssets(), correlation.DefaultMatrix())
}

func genesis(t *testing.T, a *Advancer, seed map[string]float64) *State {
	t.Helper()
	s, err := a.Genesis(seed, InitialCPI)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	return s
}

// quiet never fires reversion, shocks or crashes and draws zero normals.
func quiet() *rng.Scripted {
	return &rng.Scripted{Uniforms: []float64{0.99}}
}

// zeroSpecs zeroes every mean and deviation and lets the clamp admit a zero
// return.
func zeroSpecs() []returns.AssetSpec {
	specs := returns.DefaultAssets()
	for i := range specs {
		specs[i].Mean, specs[i].StdDev = 0, 0
		specs[i].Min = math.Min(specs[i].Min, 0)
	}
	return specs
}

// --- State ---

func TestNewState_Errors(t *testing.T) {
	names := []string{returns.SP500}
	if _, err := NewState(names, map[string]float64{}, 100); !errors.Is(err, ErrMissingSeed) {
		t.Errorf("expected ErrMissingSeed, got %v", err)
	}
	if _, err := NewState(names, map[string]float64{returns.SP500: 0}, 100); !errors.Is(err, ErrNonPositivePrice) {
		t.Errorf("expected ErrNonPositivePrice, got %v", err)
	}
	if _, err := NewState(names, map[string]float64{returns.SP500: 1}, 0); !errors.Is(err, ErrNonPositivePrice) {
		t.Errorf("expected ErrNonPositivePrice for cpi, got %v", err)
	}
}

func TestNewState_RoundZero(t *testing.T) {
	s := genesis(t, defaultAdvancer(t), DefaultSeedPrices())
	if s.Round() != 0 || s.CPI() != 100 {
		t.Fatalf("expected round 0 at CPI 100, got round %d CPI %v", s.Round(), s.CPI())
	}
	if p, _ := s.Price(returns.Bitcoin); p != 50000 {
		t.Errorf("expected bitcoin seed 50000, got %v", p)
	}
	if len(s.History(returns.Gold)) != 1 {
		t.Errorf("expected one history entry")
	}
}

func TestState_AccessorsReturnCopies(t *testing.T) {
	s := genesis(t, defaultAdvancer(t), DefaultSeedPrices())
	s.History(returns.Gold)[0] = 1
	s.CPIHistory()[0] = 1
	s.Prices()[returns.Gold] = 1
	if p, _ := s.Price(returns.Gold); p != 3000 {
		t.Errorf("state mutated through a copy: %v", p)
	}
	if s.CPI() != 100 {
		t.Errorf("cpi mutated through a copy: %v", s.CPI())
	}
}

func TestAt_OutOfRange(t *testing.T) {
	s := genesis(t, defaultAdvancer(t), DefaultSeedPrices())
	for _, r := range []int{-1, 1} {
		if _, err := s.At(r); !errors.Is(err, ErrRoundOutOfRange) {
			t.Errorf("round %d: expected ErrRoundOutOfRange, got %v", r, err)
		}
	}
}

// --- Advance ---

func TestNewAdvancer_SizeMismatch(t *testing.T) {
	model, _ := returns.NewModel(returns.DefaultAssets())
	engine, _ := correlation.NewEngine(identity(2))
	if _, err := NewAdvancer(model, engine, DefaultCPI()); !errors.Is(err, ErrEngineSize) {
		t.Errorf("expected ErrEngineSize, got %v", err)
	}
}

func TestAdvance_AppendsAndLeavesInputUntouched(t *testing.T) {
	a := defaultAdvancer(t)
	s0 := genesis(t, a, DefaultSeedPrices())
	before := s0.Snapshot()

	s1, out, err := a.Advance(s0, rng.ForRound(42, 1))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if s1.Round() != 1 || out.Round != 1 {
		t.Fatalf("expected round 1, got state %d outcome %d", s1.Round(), out.Round)
	}
	if s0.Round() != 0 || len(s0.CPIHistory()) != 1 {
		t.Fatal("input state was mutated")
	}
	for _, name := range s0.Names() {
		h := s1.History(name)
		if len(h) != 2 {
			t.Fatalf("%s: expected 2 history entries, got %d", name, len(h))
		}
		if h[0] != before.History[name][0] {
			t.Errorf("%s: round 0 rewritten", name)
		}
		cur, _ := s1.Price(name)
		if cur != h[1] {
			t.Errorf("%s: current price %v differs from latest history %v", name, cur, h[1])
		}
		m, ok := out.Move(name)
		if !ok || m.To != cur || math.Abs(m.From*(1+m.Return)-m.To) > 1e-9 {
			t.Errorf("%s: move does not match state: %+v", name, m)
		}
	}
	if len(s1.CPIHistory()) != 2 || s1.CPI() != out.CPI {
		t.Errorf("cpi history not appended consistently")
	}
}

func TestAdvance_HistoryIsAppendOnly(t *testing.T) {
	a := defaultAdvancer(t)
	s := genesis(t, a, DefaultSeedPrices())
	var snaps []Snapshot
	for r := 1; r <= 20; r++ {
		next, _, err := a.Advance(s, rng.ForRound(7, r))
		if err != nil {
			t.Fatalf("round %d: %v", r, err)
		}
		snaps = append(snaps, s.Snapshot())
		s = next
	}
	final := s.Snapshot()
	for _, snap := range snaps {
		for name, h := range snap.History {
			for r, p := range h {
				if final.History[name][r] != p {
					t.Fatalf("%s round %d changed from %v to %v", name, r, p, final.History[name][r])
				}
			}
		}
		for r, c := range snap.CPIHistory {
			if final.CPIHistory[r] != c {
				t.Fatalf("cpi round %d changed", r)
			}
		}
	}
}

func TestAdvance_CPIScenario(t *testing.T) {
	a := defaultAdvancer(t)
	s, out, err := a.Advance(genesis(t, a, DefaultSeedPrices()), quiet())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.CPIIncrease != 0.025 {
		t.Errorf("expected increase 0.025, got %v", out.CPIIncrease)
	}
	h := s.CPIHistory()
	if math.Abs(h[1]-102.5) > 1e-9 {
		t.Errorf("expected CPI 102.5, got %v", h[1])
	}
}

func TestAdvance_CPIClamped(t *testing.T) {
	a := defaultAdvancer(t)
	hot := &rng.Scripted{Uniforms: []float64{0.99}, Normals: []float64{0, 0, 0, 0, 0, 0, 10}}
	_, out, err := a.Advance(genesis(t, a, DefaultSeedPrices()), hot)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.CPIIncrease != 0.06 {
		t.Errorf("expected clamp to 0.06, got %v", out.CPIIncrease)
	}

	cold := &rng.Scripted{Uniforms: []float64{0.99}, Normals: []float64{0, 0, 0, 0, 0, 0, -10}}
	_, out, _ = a.Advance(genesis(t, a, DefaultSeedPrices()), cold)
	if out.CPIIncrease != -0.01 {
		t.Errorf("expected clamp to -0.01, got %v", out.CPIIncrease)
	}
}

func TestCPIParams_Unclamped(t *testing.T) {
	p := DefaultCPI()
	p.Clamp = false
	if got := p.Increase(10); math.Abs(got-0.175) > 1e-12 {
		t.Errorf("expected 0.175, got %v", got)
	}
}

func TestAdvance_ZeroParametersKeepPricesFlat(t *testing.T) {
	a := newAdvancer(t, zeroSpecs(), identity(6))
	s := genesis(t, a, DefaultSeedPrices())
	seed := s.Prices()
	src := quiet()
	for r := 1; r <= 12; r++ {
		next, out, err := a.Advance(s, src)
		if err != nil {
			t.Fatalf("round %d: %v", r, err)
		}
		for _, m := range out.Moves {
			if m.Return != 0 {
				t.Fatalf("round %d %s: expected 0 return, got %v", r, m.Asset, m.Return)
			}
		}
		s = next
	}
	for name, p := range s.Prices() {
		if p != seed[name] {
			t.Errorf("%s drifted from %v to %v", name, seed[name], p)
		}
	}
}

func TestAdvance_BitcoinLowPriceRally(t *testing.T) {
	a := defaultAdvancer(t)
	seed := DefaultSeedPrices()
	seed[returns.Bitcoin] = 5000
	for i := uint64(0); i < 200; i++ {
		s, out, err := a.Advance(genesis(t, a, seed), rng.New(i, 1))
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		m, _ := out.Move(returns.Bitcoin)
		if m.Regime != returns.BitcoinLow || m.Return < 2 || m.Return > 4 {
			t.Fatalf("expected forced rally in [2, 4], got %+v", m)
		}
		if p, _ := s.Price(returns.Bitcoin); p < 15000 || p > 25000 {
			t.Fatalf("unexpected bitcoin price %v", p)
		}
	}
}

func TestAdvance_ReturnsWithinBounds(t *testing.T) {
	a := defaultAdvancer(t)
	model := a.Model()
	for game := uint64(0); game < 30; game++ {
		s := genesis(t, a, DefaultSeedPrices())
		for r := 1; r <= 20; r++ {
			next, out, err := a.Advance(s, rng.ForRound(game, r))
			if err != nil {
				t.Fatalf("advance: %v", err)
			}
			for _, m := range out.Moves {
				spec, _ := model.Spec(m.Asset)
				if m.Boundary {
					if m.Return >= spec.Min+returns.BoundaryMargin && m.Return <= spec.Max-returns.BoundaryMargin {
						t.Fatalf("%s boundary return %v inside margins", m.Asset, m.Return)
					}
					continue
				}
				if m.Regime == returns.BitcoinLow {
					continue
				}
				if m.Return < spec.Min || m.Return > spec.Max {
					t.Fatalf("%s return %v outside [%v, %v]", m.Asset, m.Return, spec.Min, spec.Max)
				}
			}
			s = next
		}
	}
}

func TestAdvance_DeterministicPerRound(t *testing.T) {
	a := defaultAdvancer(t)
	s0 := genesis(t, a, DefaultSeedPrices())
	x, _, _ := a.Advance(s0, rng.ForRound(99, 1))
	y, _, _ := a.Advance(s0, rng.ForRound(99, 1))
	for name, p := range x.Prices() {
		if q, _ := y.Price(name); q != p {
			t.Errorf("%s: %v != %v", name, p, q)
		}
	}
}

// --- CatchUp / snapshots ---

func TestCatchUp_MatchesSequentialAdvance(t *testing.T) {
	a := defaultAdvancer(t)
	source := func(r int) rng.Source { return rng.ForRound(5, r) }

	seq := genesis(t, a, DefaultSeedPrices())
	for r := 1; r <= 8; r++ {
		seq, _, _ = a.Advance(seq, source(r))
	}

	caught, outs, err := a.CatchUp(genesis(t, a, DefaultSeedPrices()), 8, source)
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if len(outs) != 8 || caught.Round() != 8 {
		t.Fatalf("expected 8 regenerated rounds, got %d (round %d)", len(outs), caught.Round())
	}
	for _, name := range seq.Names() {
		want, got := seq.History(name), caught.History(name)
		for r := range want {
			if want[r] != got[r] {
				t.Fatalf("%s round %d: %v != %v", name, r, want[r], got[r])
			}
		}
	}
}

func TestDescribe_MatchesAdvance(t *testing.T) {
	a := defaultAdvancer(t)
	s := genesis(t, a, DefaultSeedPrices())
	for r := 1; r <= 20; r++ {
		next, out, err := a.Advance(s, rng.ForRound(3, r))
		if err != nil {
			t.Fatalf("round %d: %v", r, err)
		}
		got, err := a.Describe(s, next)
		if err != nil {
			t.Fatalf("describe round %d: %v", r, err)
		}
		if got.Round != out.Round || math.Abs(got.CPI-out.CPI) > 1e-9 || math.Abs(got.CPIIncrease-out.CPIIncrease) > 1e-9 {
			t.Errorf("round %d: got %+v, want %+v", r, got, out)
		}
		for i, m := range out.Moves {
			g := got.Moves[i]
			if g.Asset != m.Asset || g.From != m.From || g.To != m.To || g.Return != m.Return || g.Regime != m.Regime || g.Crashed != m.Crashed {
				t.Errorf("round %d %s: got %+v, want %+v", r, m.Asset, g, m)
			}
		}
		s = next
	}
}

func TestDescribe_RejectsNonConsecutive(t *testing.T) {
	a := defaultAdvancer(t)
	s := genesis(t, a, DefaultSeedPrices())
	two, _, _ := a.CatchUp(s, 2, func(r int) rng.Source { return rng.ForRound(1, r) })
	if _, err := a.Describe(s, two); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("expected ErrInconsistentState, got %v", err)
	}
}

func TestCatchUp_NoopWhenCurrent(t *testing.T) {
	a := defaultAdvancer(t)
	s := genesis(t, a, DefaultSeedPrices())
	got, outs, err := a.CatchUp(s, 0, func(int) rng.Source { return quiet() })
	if err != nil || got != s || len(outs) != 0 {
		t.Errorf("expected no-op, got %v %d %v", got.Round(), len(outs), err)
	}
}

func TestFromSnapshot_ResumesIdentically(t *testing.T) {
	a := defaultAdvancer(t)
	source := func(r int) rng.Source { return rng.ForRound(11, r) }
	s, _, _ := a.CatchUp(genesis(t, a, DefaultSeedPrices()), 6, source)

	restored, err := FromSnapshot(a.Model().Names(), s.Snapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	x, _, _ := a.Advance(s, source(7))
	y, _, _ := a.Advance(restored, source(7))
	for name, p := range x.Prices() {
		if q, _ := y.Price(name); q != p {
			t.Errorf("%s diverged after restore: %v != %v", name, p, q)
		}
	}
	if x.Bitcoin() != y.Bitcoin() {
		t.Errorf("bitcoin bookkeeping diverged")
	}
}

func TestFromSnapshot_RejectsGaps(t *testing.T) {
	a := defaultAdvancer(t)
	s, _, _ := a.CatchUp(genesis(t, a, DefaultSeedPrices()), 3, func(r int) rng.Source { return rng.ForRound(1, r) })

	snap := s.Snapshot()
	snap.History[returns.Gold] = snap.History[returns.Gold][:2]
	if _, err := FromSnapshot(a.Model().Names(), snap); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("expected ErrInconsistentState for short history, got %v", err)
	}

	snap = s.Snapshot()
	snap.Prices[returns.Gold] = 1
	if _, err := FromSnapshot(a.Model().Names(), snap); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("expected ErrInconsistentState for price mismatch, got %v", err)
	}

	snap = s.Snapshot()
	snap.CPIHistory = snap.CPIHistory[:1]
	if _, err := FromSnapshot(a.Model().Names(), snap); !errors.Is(err, ErrInconsistentState) {
		t.Errorf("expected ErrInconsistentState for cpi gap, got %v", err)
	}
}
