// Package returns implements the per-round return model for the six game
// assets.
//
// Ordinary assets blend a correlated draw with the previous round's return,
// then may mean-revert or take a random shock before being clamped to their
// historical bounds. Bitcoin is regime-bearing: its current price selects one
// of three regimes (low-price rally, one-off millionaire correction, normal
// trading with periodic crashes). Every regime implements the same Regime
// contract so each case can be exercised on its own.
package returns

import (
	"errors"
	"fmt"
	"math"
)

// Asset names. The model is fixed to these six.
const (
	SP500       = "S&P 500"
	Bonds       = "Bonds"
	RealEstate  = "Real Estate"
	Gold        = "Gold"
	Commodities = "Commodities"
	Bitcoin     = "Bitcoin"
)

// Model constants.
const (
	DrawWeight         = 0.7
	PersistenceWeight  = 0.3
	ReversionThreshold = 0.20
	ReversionChance    = 0.30
	ShockChance        = 0.05
	ShockBound         = 0.20

	LowPriceThreshold    = 10_000.0
	LowReturnMin         = 2.0
	LowReturnMax         = 4.0
	MillionaireThreshold = 1_000_000.0
	MillionaireReturnMin = -0.30
	MillionaireReturnMax = -0.20

	AttenuationStart = 100_000.0
	AttenuationStep  = 50_000.0
	MeanDecay        = 0.10
	StdDevDecay      = 0.20
	MeanFloor        = 0.05
	StdDevFloor      = 0.01

	CrashInterval   = 4
	CrashChance     = 0.5
	ShockRangeDecay = 0.10
	ShockLowFloor   = -0.15
	ShockHighFloor  = -0.05

	BoundaryMargin = 0.01
	BoundarySpread = 0.05
)

var (
	// ErrAssetCount is returned when the asset table is not exactly six rows.
	ErrAssetCount = errors.New("returns: asset table must have exactly six assets")

	// ErrUnknownAsset is returned for a name outside the fixed asset set.
	ErrUnknownAsset = errors.New("returns: unknown asset")

	// ErrDuplicateAsset is returned when a name appears twice.
	ErrDuplicateAsset = errors.New("returns: duplicate asset")

	// ErrInvalidBounds is returned when min >= max, stdDev < 0 or min is
	// low enough to drive a price to zero.
	ErrInvalidBounds = errors.New("returns: invalid return bounds")
)

// AssetSpec holds one asset's return parameters.
type AssetSpec struct {
	Name   string  `json:"name" mapstructure:"name"`
	Mean   float64 `json:"mean" mapstructure:"mean"`
	StdDev float64 `json:"std_dev" mapstructure:"std_dev"`
	Min    float64 `json:"min" mapstructure:"min"`
	Max    float64 `json:"max" mapstructure:"max"`
}

// IsBitcoin reports whether the asset follows the Bitcoin regime machine.
func (s AssetSpec) IsBitcoin() bool {
	return s.Name == Bitcoin
}

// Clamp bounds r to [Min, Max].
func (s AssetSpec) Clamp(r float64) float64 {
	return math.Max(s.Min, math.Min(s.Max, r))
}

// DefaultAssets returns the shipped asset table, in correlation-matrix order.
func DefaultAssets() []AssetSpec {
	return []AssetSpec{
		{Name: SP500, Mean: 0.1151, StdDev: 0.1949, Min: -0.43, Max: 0.50},
		{Name: Bonds, Mean: 0.0334, StdDev: 0.0301, Min: 0.0003, Max: 0.14},
		{Name: RealEstate, Mean: 0.0439, StdDev: 0.0620, Min: -0.12, Max: 0.24},
		{Name: Gold, Mean: 0.0648, StdDev: 0.2076, Min: -0.32, Max: 1.25},
		{Name: Commodities, Mean: 0.0815, StdDev: 0.1522, Min: -0.25, Max: 2.00},
		{Name: Bitcoin, Mean: 0.50, StdDev: 1.00, Min: -0.73, Max: 4.50},
	}
}

var knownAssets = map[string]bool{
	SP500: true, Bonds: true, RealEstate: true, Gold: true, Commodities: true, Bitcoin: true,
}

// BitcoinBook is the regime bookkeeping carried from round to round.
type BitcoinBook struct {
	LastCrashRound    int        `json:"last_crash_round"`
	ShockRange        [2]float64 `json:"shock_range"` // [lo, hi], lo <= hi
	ExtremeEventFired bool       `json:"extreme_event_fired"`
}

// NewBitcoinBook returns the round-0 bookkeeping.
func NewBitcoinBook() BitcoinBook {
	return BitcoinBook{ShockRange: [2]float64{-0.75, -0.50}}
}

// Model is the validated asset table. It is immutable.
type Model struct {
	specs []AssetSpec
	index map[string]int
}

// NewModel validates the six-asset table.
func NewModel(specs []AssetSpec) (*Model, error) {
	if len(specs) != len(knownAssets) {
		return nil, ErrAssetCount
	}
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		if !knownAssets[s.Name] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, s.Name)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateAsset, s.Name)
		}
		// A return at or below -100% after boundary spread would wipe out the price.
		if s.Min >= s.Max || s.StdDev < 0 || s.Min*(1+BoundarySpread) <= -1 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidBounds, s.Name)
		}
		index[s.Name] = i
	}
	return &Model{specs: append([]AssetSpec(nil), specs...), index: index}, nil
}

// Specs returns the asset table in model order.
func (m *Model) Specs() []AssetSpec {
	return append([]AssetSpec(nil), m.specs...)
}

// Names returns asset names in model order.
func (m *Model) Names() []string {
	names := make([]string, len(m.specs))
	for i, s := range m.specs {
		names[i] = s.Name
	}
	return names
}

// Spec looks up an asset by name.
func (m *Model) Spec(name string) (AssetSpec, bool) {
	i, ok := m.index[name]
	if !ok {
		return AssetSpec{}, false
	}
	return m.specs[i], true
}

// DrawParams returns the per-asset (mean, stdDev) fed to the correlated draw.
// Bitcoin's parameters are attenuated once its price passes AttenuationStart.
func (m *Model) DrawParams(bitcoinPrice float64) (means, stdDevs []float64) {
	means = make([]float64, len(m.specs))
	stdDevs = make([]float64, len(m.specs))
	for i, s := range m.specs {
		means[i], stdDevs[i] = s.Mean, s.StdDev
		if s.IsBitcoin() {
			means[i], stdDevs[i] = AttenuatedParams(s, bitcoinPrice)
		}
	}
	return means, stdDevs
}

// AttenuatedParams lowers Bitcoin's mean and volatility by a fixed step per
// full AttenuationStep above AttenuationStart, down to their floors.
func AttenuatedParams(s AssetSpec, price float64) (mean, stdDev float64) {
	if price <= AttenuationStart {
		return s.Mean, s.StdDev
	}
	steps := math.Floor((price - AttenuationStart) / AttenuationStep)
	mean = math.Max(MeanFloor, s.Mean-steps*MeanDecay)
	stdDev = math.Max(StdDevFloor, s.StdDev-steps*StdDevDecay)
	return mean, stdDev
}
