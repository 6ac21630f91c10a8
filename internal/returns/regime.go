package returns

import (
	"math"

	"github.com/econlab/odyssey/internal/rng"
)

// Kind tags a regime variant.
type Kind int

const (
	Ordinary Kind = iota
	BitcoinLow
	BitcoinMillionaire
	BitcoinNormal
)

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "ordinary"
	case BitcoinLow:
		return "bitcoin_low"
	case BitcoinMillionaire:
		return "bitcoin_millionaire"
	case BitcoinNormal:
		return "bitcoin_normal"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name in JSON and YAML output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Input is everything a regime may read to produce one asset's return.
type Input struct {
	Spec  AssetSpec
	Round int     // round being generated
	Price float64 // price at the start of the round
	Draw  float64 // this asset's correlated draw, already scaled
	Prev  float64 // previous round's realized return, 0 in round 1
	Book  BitcoinBook
	Src   rng.Source
}

// Result is one asset's return plus the bookkeeping it leaves behind.
type Result struct {
	Return   float64
	Kind     Kind
	Book     BitcoinBook
	Crashed  bool
	Boundary bool
}

// Regime produces one round's return for one asset.
type Regime interface {
	Kind() Kind
	NextReturn(in Input) Result
}

// Select picks the regime for an asset at its current price. The one-off
// millionaire correction outranks the periodic crash check.
func Select(spec AssetSpec, price float64, book BitcoinBook) Regime {
	if !spec.IsBitcoin() {
		return OrdinaryRegime{}
	}
	switch {
	case price < LowPriceThreshold:
		return LowPriceRegime{}
	case price >= MillionaireThreshold && !book.ExtremeEventFired:
		return MillionaireRegime{}
	default:
		return NormalBitcoinRegime{}
	}
}

// OrdinaryRegime: persistence blending, mean reversion, random shock, clamp.
type OrdinaryRegime struct{}

func (OrdinaryRegime) Kind() Kind { return Ordinary }

func (OrdinaryRegime) NextReturn(in Input) Result {
	raw := blend(in.Draw, in.Prev)

	if in.Prev > ReversionThreshold && rng.Chance(in.Src, ReversionChance) {
		raw = -math.Abs(raw)
	}
	if rng.Chance(in.Src, ShockChance) {
		raw += rng.Uniform(in.Src, -ShockBound, ShockBound)
	}

	return Result{Return: in.Spec.Clamp(raw), Kind: Ordinary, Book: in.Book}
}

// LowPriceRegime forces a rally while Bitcoin trades under LowPriceThreshold.
type LowPriceRegime struct{}

func (LowPriceRegime) Kind() Kind { return BitcoinLow }

func (LowPriceRegime) NextReturn(in Input) Result {
	return Result{
		Return: rng.Uniform(in.Src, LowReturnMin, LowReturnMax),
		Kind:   BitcoinLow,
		Book:   in.Book,
	}
}

// MillionaireRegime fires once, the first time Bitcoin reaches
// MillionaireThreshold.
type MillionaireRegime struct{}

func (MillionaireRegime) Kind() Kind { return BitcoinMillionaire }

func (MillionaireRegime) NextReturn(in Input) Result {
	book := in.Book
	book.ExtremeEventFired = true
	return Result{
		Return: rng.Uniform(in.Src, MillionaireReturnMin, MillionaireReturnMax),
		Kind:   BitcoinMillionaire,
		Book:   book,
	}
}

// NormalBitcoinRegime blends like an ordinary asset, checks for a periodic
// crash, and re-randomizes returns that land on a bound.
type NormalBitcoinRegime struct{}

func (NormalBitcoinRegime) Kind() Kind { return BitcoinNormal }

func (NormalBitcoinRegime) NextReturn(in Input) Result {
	res := Result{Kind: BitcoinNormal, Book: in.Book}
	raw := blend(in.Draw, in.Prev)

	if in.Round-in.Book.LastCrashRound >= CrashInterval && rng.Chance(in.Src, CrashChance) {
		lo, hi := in.Book.ShockRange[0], in.Book.ShockRange[1]
		raw = rng.Uniform(in.Src, lo, hi)
		res.Book.LastCrashRound = in.Round
		res.Book.ShockRange = [2]float64{
			math.Min(lo+ShockRangeDecay, ShockLowFloor),
			math.Min(hi+ShockRangeDecay, ShockHighFloor),
		}
		res.Crashed = true
	}

	res.Return, res.Boundary = boundary(in.Spec, raw, in.Src)
	return res
}

func blend(draw, prev float64) float64 {
	return DrawWeight*draw + PersistenceWeight*prev
}

// boundary replaces a return within BoundaryMargin of a bound with a fresh
// draw strictly beyond the margin, reaching at most BoundarySpread past the
// bound. Anything else is clamped.
func boundary(spec AssetSpec, raw float64, src rng.Source) (float64, bool) {
	low := spec.Min + BoundaryMargin
	high := spec.Max - BoundaryMargin

	switch {
	case raw <= low:
		floor := spec.Min - BoundarySpread*math.Abs(spec.Min)
		return low - (1-src.Float64())*(low-floor), true
	case raw >= high:
		ceil := spec.Max + BoundarySpread*math.Abs(spec.Max)
		return high + (1-src.Float64())*(ceil-high), true
	default:
		return spec.Clamp(raw), false
	}
}
