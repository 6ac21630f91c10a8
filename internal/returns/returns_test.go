package returns

import (
	"errors"
	"math"
	"testing"

	"github.com/econlab/odyssey/internal/rng"
)

func spec(t *testing.T, name string) AssetSpec {
	t.Helper()
	m, err := NewModel(DefaultAssets())
	if err != nil {
		t.Fatalf("default model: %v", err)
	}
	s, ok := m.Spec(name)
	if !ok {
		t.Fatalf("asset %q missing", name)
	}
	return s
}

// quiet never triggers reversion, shocks or crashes.
func quiet() *rng.Scripted {
	return &rng.Scripted{Uniforms: []float64{0.99}}
}

// --- Model construction ---

func TestNewModel_Default(t *testing.T) {
	m, err := NewModel(DefaultAssets())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(m.Names()); got != 6 {
		t.Errorf("expected 6 assets, got %d", got)
	}
	if m.Names()[5] != Bitcoin {
		t.Errorf("expected Bitcoin last, got %s", m.Names()[5])
	}
}

func TestNewModel_Errors(t *testing.T) {
	short := DefaultAssets()[:5]
	if _, err := NewModel(short); err != ErrAssetCount {
		t.Errorf("expected ErrAssetCount, got %v", err)
	}

	unknown := DefaultAssets()
	unknown[0].Name = "Tulips"
	if _, err := NewModel(unknown); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}

	dup := DefaultAssets()
	dup[1].Name = SP500
	if _, err := NewModel(dup); !errors.Is(err, ErrDuplicateAsset) {
		t.Errorf("expected ErrDuplicateAsset, got %v", err)
	}

	inverted := DefaultAssets()
	inverted[2].Min, inverted[2].Max = 0.5, 0.1
	if _, err := NewModel(inverted); !errors.Is(err, ErrInvalidBounds) {
		t.Errorf("expected ErrInvalidBounds, got %v", err)
	}
}

// --- Attenuation ---

func TestAttenuatedParams(t *testing.T) {
	btc := spec(t, Bitcoin)
	tests := []struct {
		price      float64
		mean, std  float64
	}{
		{50_000, 0.50, 1.00},
		{100_000, 0.50, 1.00},
		{149_999, 0.50, 1.00},
		{150_000, 0.40, 0.80},
		{250_000, 0.20, 0.40},
		{400_000, 0.05, 0.01},
		{900_000, 0.05, 0.01},
	}
	for _, tt := range tests {
		mean, std := AttenuatedParams(btc, tt.price)
		if math.Abs(mean-tt.mean) > 1e-9 || math.Abs(std-tt.std) > 1e-9 {
			t.Errorf("price %v: expected (%v, %v), got (%v, %v)", tt.price, tt.mean, tt.std, mean, std)
		}
	}
}

func TestDrawParams_OnlyBitcoinAttenuated(t *testing.T) {
	m, _ := NewModel(DefaultAssets())
	means, stds := m.DrawParams(250_000)
	for i, s := range m.Specs() {
		if s.IsBitcoin() {
			if means[i] >= s.Mean || stds[i] >= s.StdDev {
				t.Errorf("bitcoin params not attenuated: %v %v", means[i], stds[i])
			}
			continue
		}
		if means[i] != s.Mean || stds[i] != s.StdDev {
			t.Errorf("%s params changed", s.Name)
		}
	}
}

// --- Regime selection ---

func TestSelect(t *testing.T) {
	btc := spec(t, Bitcoin)
	fired := NewBitcoinBook()
	fired.ExtremeEventFired = true

	tests := []struct {
		name  string
		spec  AssetSpec
		price float64
		book  BitcoinBook
		want  Kind
	}{
		{"ordinary", spec(t, Gold), 5_000, NewBitcoinBook(), Ordinary},
		{"low", btc, 9_999, NewBitcoinBook(), BitcoinLow},
		{"normal", btc, 50_000, NewBitcoinBook(), BitcoinNormal},
		{"millionaire", btc, 1_000_000, NewBitcoinBook(), BitcoinMillionaire},
		{"millionaire once", btc, 2_000_000, fired, BitcoinNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Select(tt.spec, tt.price, tt.book).Kind(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

// --- Ordinary ---

func TestOrdinary_ZeroDrawZeroPrevIsZero(t *testing.T) {
	res := OrdinaryRegime{}.NextReturn(Input{Spec: AssetSpec{Name: Gold, Min: -1, Max: 1}, Src: quiet()})
	if res.Return != 0 {
		t.Errorf("expected 0, got %v", res.Return)
	}
}

func TestOrdinary_PersistenceBlend(t *testing.T) {
	s := spec(t, SP500)
	res := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: 0.10, Prev: 0.05, Src: quiet()})
	want := 0.7*0.10 + 0.3*0.05
	if math.Abs(res.Return-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, res.Return)
	}
}

func TestOrdinary_MeanReversion(t *testing.T) {
	s := spec(t, Commodities)
	// First uniform triggers reversion (< 0.3); second skips the shock.
	src := &rng.Scripted{Uniforms: []float64{0.1, 0.99}}
	res := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: 0.2, Prev: 0.3, Src: src})
	want := -(0.7*0.2 + 0.3*0.3)
	if math.Abs(res.Return-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, res.Return)
	}
}

func TestOrdinary_NoReversionBelowThreshold(t *testing.T) {
	s := spec(t, Commodities)
	// Only the shock check consumes a uniform here.
	src := &rng.Scripted{Uniforms: []float64{0.99}}
	res := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: 0.2, Prev: 0.2, Src: src})
	if res.Return <= 0 {
		t.Errorf("expected positive return, got %v", res.Return)
	}
}

func TestOrdinary_Shock(t *testing.T) {
	s := spec(t, SP500)
	// 0.01 fires the shock; 1.0 would be the top of the range, 0.75 gives +0.1.
	src := &rng.Scripted{Uniforms: []float64{0.01, 0.75}}
	res := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: 0, Prev: 0, Src: src})
	if math.Abs(res.Return-0.1) > 1e-12 {
		t.Errorf("expected shock of 0.1, got %v", res.Return)
	}
}

func TestOrdinary_Clamped(t *testing.T) {
	s := spec(t, Bonds)
	hi := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: 5, Src: quiet()})
	if hi.Return != s.Max {
		t.Errorf("expected clamp to %v, got %v", s.Max, hi.Return)
	}
	lo := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: -5, Src: quiet()})
	if lo.Return != s.Min {
		t.Errorf("expected clamp to %v, got %v", s.Min, lo.Return)
	}
}

func TestOrdinary_AlwaysWithinBounds(t *testing.T) {
	src := rng.New(11, 3)
	for _, s := range DefaultAssets()[:5] {
		for i := 0; i < 2000; i++ {
			draw := s.Mean + s.StdDev*3*src.NormFloat64()
			prev := rng.Uniform(src, s.Min, s.Max)
			r := OrdinaryRegime{}.NextReturn(Input{Spec: s, Draw: draw, Prev: prev, Src: src}).Return
			if r < s.Min || r > s.Max {
				t.Fatalf("%s return %v outside [%v, %v]", s.Name, r, s.Min, s.Max)
			}
		}
	}
}

// --- Bitcoin low ---

func TestLowPrice_ForcedRally(t *testing.T) {
	btc := spec(t, Bitcoin)
	src := rng.New(5, 5)
	for i := 0; i < 1000; i++ {
		in := Input{Spec: btc, Price: 5_000, Draw: -3, Prev: -0.7, Src: src}
		res := Select(btc, in.Price, NewBitcoinBook()).NextReturn(in)
		if res.Kind != BitcoinLow {
			t.Fatalf("expected low regime, got %s", res.Kind)
		}
		if res.Return < 2.0 || res.Return > 4.0 {
			t.Fatalf("return %v outside [2, 4]", res.Return)
		}
	}
}

// --- Bitcoin millionaire ---

func TestMillionaire_FiresOnceAndSetsFlag(t *testing.T) {
	btc := spec(t, Bitcoin)
	book := NewBitcoinBook()
	in := Input{Spec: btc, Round: 9, Price: 1_200_000, Book: book, Src: rng.New(1, 2)}

	res := Select(btc, in.Price, book).NextReturn(in)
	if res.Kind != BitcoinMillionaire {
		t.Fatalf("expected millionaire regime, got %s", res.Kind)
	}
	if res.Return < -0.30 || res.Return > -0.20 {
		t.Errorf("return %v outside [-0.30, -0.20]", res.Return)
	}
	if !res.Book.ExtremeEventFired {
		t.Error("expected sticky flag to be set")
	}
	if res.Book.LastCrashRound != book.LastCrashRound {
		t.Error("millionaire correction must not reset the crash clock")
	}

	if Select(btc, 1_500_000, res.Book).Kind() != BitcoinNormal {
		t.Error("millionaire regime must not fire twice")
	}
}

// --- Bitcoin normal ---

func TestNormal_BlendWithoutCrash(t *testing.T) {
	btc := spec(t, Bitcoin)
	book := NewBitcoinBook()
	in := Input{Spec: btc, Round: 2, Price: 50_000, Draw: 0.4, Prev: 0.2, Book: book, Src: quiet()}
	res := NormalBitcoinRegime{}.NextReturn(in)
	want := 0.7*0.4 + 0.3*0.2
	if math.Abs(res.Return-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, res.Return)
	}
	if res.Crashed || res.Boundary {
		t.Error("expected neither crash nor boundary handling")
	}
}

func TestNormal_CrashNotBeforeInterval(t *testing.T) {
	btc := spec(t, Bitcoin)
	src := &rng.Scripted{Uniforms: []float64{0.0}}
	in := Input{Spec: btc, Round: 3, Price: 50_000, Draw: 0.5, Book: NewBitcoinBook(), Src: src}
	if res := (NormalBitcoinRegime{}).NextReturn(in); res.Crashed {
		t.Error("crash must wait for CrashInterval rounds")
	}
}

func TestNormal_CrashDecaysShockRange(t *testing.T) {
	btc := spec(t, Bitcoin)
	// 0.1 fires the crash, 0.5 picks the middle of [-0.75, -0.50].
	src := &rng.Scripted{Uniforms: []float64{0.1, 0.5}}
	in := Input{Spec: btc, Round: 4, Price: 50_000, Draw: 0.5, Book: NewBitcoinBook(), Src: src}

	res := NormalBitcoinRegime{}.NextReturn(in)
	if !res.Crashed {
		t.Fatal("expected crash")
	}
	if math.Abs(res.Return-(-0.625)) > 1e-12 {
		t.Errorf("expected -0.625, got %v", res.Return)
	}
	if res.Book.LastCrashRound != 4 {
		t.Errorf("expected last crash round 4, got %d", res.Book.LastCrashRound)
	}
	want := [2]float64{-0.65, -0.40}
	for i := range want {
		if math.Abs(res.Book.ShockRange[i]-want[i]) > 1e-12 {
			t.Errorf("shock range[%d]: expected %v, got %v", i, want[i], res.Book.ShockRange[i])
		}
	}
}

func TestNormal_ShockRangeFloors(t *testing.T) {
	btc := spec(t, Bitcoin)
	book := NewBitcoinBook()
	src := &rng.Scripted{Uniforms: []float64{0.1, 0.5}}
	for round := 4; round <= 60; round += 4 {
		res := NormalBitcoinRegime{}.NextReturn(Input{Spec: btc, Round: round, Price: 50_000, Book: book, Src: src})
		book = res.Book
	}
	if book.ShockRange[0] != ShockLowFloor || book.ShockRange[1] != ShockHighFloor {
		t.Errorf("expected floors [%v, %v], got %v", ShockLowFloor, ShockHighFloor, book.ShockRange)
	}
}

func TestNormal_BoundaryNearMin(t *testing.T) {
	btc := spec(t, Bitcoin)
	src := rng.New(3, 9)
	for i := 0; i < 1000; i++ {
		in := Input{Spec: btc, Round: 1, Price: 50_000, Draw: -2, Book: NewBitcoinBook(), Src: src}
		res := NormalBitcoinRegime{}.NextReturn(in)
		if !res.Boundary {
			t.Fatal("expected boundary handling")
		}
		if res.Return >= btc.Min+BoundaryMargin {
			t.Fatalf("return %v not strictly below %v", res.Return, btc.Min+BoundaryMargin)
		}
		if res.Return < 1.05*btc.Min-1e-12 {
			t.Fatalf("return %v below %v", res.Return, 1.05*btc.Min)
		}
	}
}

func TestNormal_BoundaryNearMax(t *testing.T) {
	btc := spec(t, Bitcoin)
	src := rng.New(4, 9)
	for i := 0; i < 1000; i++ {
		in := Input{Spec: btc, Round: 1, Price: 50_000, Draw: 10, Book: NewBitcoinBook(), Src: src}
		res := NormalBitcoinRegime{}.NextReturn(in)
		if res.Return <= btc.Max-BoundaryMargin {
			t.Fatalf("return %v not strictly above %v", res.Return, btc.Max-BoundaryMargin)
		}
		if res.Return > 1.05*btc.Max+1e-12 {
			t.Fatalf("return %v above %v", res.Return, 1.05*btc.Max)
		}
	}
}

func TestNormal_ReturnsRespectBoundsOrEscapeMargin(t *testing.T) {
	btc := spec(t, Bitcoin)
	src := rng.New(77, 1)
	book := NewBitcoinBook()
	for round := 1; round <= 5000; round++ {
		in := Input{Spec: btc, Round: round, Price: 80_000, Draw: 0.5 + src.NormFloat64(), Prev: 0.3, Book: book, Src: src}
		res := NormalBitcoinRegime{}.NextReturn(in)
		book = res.Book
		r := res.Return
		inside := r >= btc.Min && r <= btc.Max
		escaped := r < btc.Min+BoundaryMargin || r > btc.Max-BoundaryMargin
		if res.Boundary && !escaped {
			t.Fatalf("boundary draw %v did not escape the margin", r)
		}
		if !res.Boundary && !inside {
			t.Fatalf("return %v outside bounds without boundary handling", r)
		}
	}
}

func TestKind_String(t *testing.T) {
	if BitcoinMillionaire.String() != "bitcoin_millionaire" || Kind(99).String() != "unknown" {
		t.Error("unexpected kind names")
	}
}
