package game

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/rng"
)

// Game defaults.
const (
	DefaultMaxRounds          = 20
	DefaultInjectionBase      = 2500.0
	DefaultInjectionVariation = 0.2
)

// injectionSalt separates the injection stream from the market streams.
const injectionSalt = 0x5bd1e9955bd1e995

// ErrInvalidConfig is returned for a game parameter set that cannot run.
var ErrInvalidConfig = errors.New("game: invalid configuration")

// Config holds the parameters fixed when a game is created.
type Config struct {
	InitialCash        decimal.Decimal
	MaxRounds          int
	InjectionBase      float64
	InjectionVariation float64
	SeedPrices         map[string]float64
	InitialCPI         float64
}

// DefaultConfig is the classroom setup: 5,000 cash, twenty rounds and
// injections of about 2,500·sqrt(round).
func DefaultConfig() Config {
	return Config{
		InitialCash:        decimal.NewFromInt(5000),
		MaxRounds:          DefaultMaxRounds,
		InjectionBase:      DefaultInjectionBase,
		InjectionVariation: DefaultInjectionVariation,
		SeedPrices:         market.DefaultSeedPrices(),
		InitialCPI:         market.InitialCPI,
	}
}

// Validate checks the parameter set.
func (c Config) Validate() error {
	switch {
	case c.InitialCash.IsNegative():
		return fmt.Errorf("%w: initial cash %s", ErrInvalidConfig, c.InitialCash)
	case c.MaxRounds < 1:
		return fmt.Errorf("%w: max rounds %d", ErrInvalidConfig, c.MaxRounds)
	case c.InjectionBase < 0:
		return fmt.Errorf("%w: injection base %v", ErrInvalidConfig, c.InjectionBase)
	case c.InjectionVariation < 0 || c.InjectionVariation >= 1:
		return fmt.Errorf("%w: injection variation %v", ErrInvalidConfig, c.InjectionVariation)
	case c.InitialCPI <= 0:
		return fmt.Errorf("%w: initial cpi %v", ErrInvalidConfig, c.InitialCPI)
	}
	return nil
}

// Injection is the cash every participant receives on reaching a round:
// base·sqrt(round)·U(1-variation, 1+variation), rounded to cents. Round 1 is
// reached by starting the game and pays nothing. The amount depends only on
// the game seed and the round, so every participant gets the same figure and
// a resumed game pays exactly what it would have.
func (c Config) Injection(seed uint64, round int) decimal.Decimal {
	if round < 2 || c.InjectionBase == 0 {
		return decimal.Zero
	}
	src := rng.New(seed^injectionSalt, uint64(round))
	factor := rng.Uniform(src, 1-c.InjectionVariation, 1+c.InjectionVariation)
	amount := c.InjectionBase * math.Sqrt(float64(round)) * factor
	return decimal.NewFromFloat(amount).Round(2)
}
