// Package config loads server and game settings from a YAML file and
// ODYSSEY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/econlab/odyssey/internal/correlation"
	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/market"
	"github.com/econlab/odyssey/internal/returns"
)

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Server      ServerConfig        `mapstructure:"server"`
	Log         LogConfig           `mapstructure:"log"`
	DB          DBConfig            `mapstructure:"db"`
	Redis       RedisConfig         `mapstructure:"redis"`
	Breaker     BreakerConfig       `mapstructure:"breaker"`
	RateLimit   RateLimitConfig     `mapstructure:"rate_limit"`
	Game        GameConfig          `mapstructure:"game"`
	CPI         market.CPIParams    `mapstructure:"cpi"`
	Leaderboard LeaderboardConfig   `mapstructure:"leaderboard"`
	Assets      []returns.AssetSpec `mapstructure:"assets"`
	Correlation [][]float64         `mapstructure:"correlation"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type BreakerConfig struct {
	Failures uint32        `mapstructure:"failures"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RateLimitConfig struct {
	TradesPerSecond float64 `mapstructure:"trades_per_second"`
	Burst           int     `mapstructure:"burst"`
}

// SeedPrice is one asset's round-0 price. Prices are a list rather than a
// map because viper lower-cases map keys.
type SeedPrice struct {
	Asset string  `mapstructure:"asset"`
	Price float64 `mapstructure:"price"`
}

type GameConfig struct {
	InitialCash        float64     `mapstructure:"initial_cash"`
	MaxRounds          int         `mapstructure:"max_rounds"`
	InjectionBase      float64     `mapstructure:"injection_base"`
	InjectionVariation float64     `mapstructure:"injection_variation"`
	InitialCPI         float64     `mapstructure:"initial_cpi"`
	SeedPrices         []SeedPrice `mapstructure:"seed_prices"`
}

type LeaderboardConfig struct {
	GlobalLimit  int `mapstructure:"global_limit"`
	SectionLimit int `mapstructure:"section_limit"`
}

// Load reads path (YAML) unless envOnly, then applies ODYSSEY_* overrides.
// Unset asset, correlation and seed price tables fall back to the built-in
// game.
func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ODYSSEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("db.url", "")
	v.SetDefault("db.migrate", true)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "10m")
	v.SetDefault("breaker.failures", 3)
	v.SetDefault("breaker.interval", "60s")
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("rate_limit.trades_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("game.initial_cash", 5000.0)
	v.SetDefault("game.max_rounds", game.DefaultMaxRounds)
	v.SetDefault("game.injection_base", game.DefaultInjectionBase)
	v.SetDefault("game.injection_variation", game.DefaultInjectionVariation)
	v.SetDefault("game.initial_cpi", market.InitialCPI)
	cpi := market.DefaultCPI()
	v.SetDefault("cpi.mean", cpi.Mean)
	v.SetDefault("cpi.std_dev", cpi.StdDev)
	v.SetDefault("cpi.min", cpi.Min)
	v.SetDefault("cpi.max", cpi.Max)
	v.SetDefault("cpi.clamp", cpi.Clamp)
	v.SetDefault("leaderboard.global_limit", 10)
	v.SetDefault("leaderboard.section_limit", 5)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.Assets) == 0 {
		cfg.Assets = returns.DefaultAssets()
	}
	if len(cfg.Correlation) == 0 {
		cfg.Correlation = correlation.DefaultMatrix()
	}
	if len(cfg.Game.SeedPrices) == 0 {
		seeds := market.DefaultSeedPrices()
		for _, a := range returns.DefaultAssets() {
			cfg.Game.SeedPrices = append(cfg.Game.SeedPrices, SeedPrice{Asset: a.Name, Price: seeds[a.Name]})
		}
	}
	return cfg, nil
}

// Validate checks every table the game will run with.
func (c Config) Validate() error {
	if _, err := c.Advancer(); err != nil {
		return err
	}
	if err := c.GameConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.CPI.Clamp && c.CPI.Min > c.CPI.Max {
		return fmt.Errorf("%w: cpi min %v above max %v", ErrInvalid, c.CPI.Min, c.CPI.Max)
	}
	if c.Leaderboard.GlobalLimit < 1 || c.Leaderboard.SectionLimit < 1 {
		return fmt.Errorf("%w: leaderboard limits must be positive", ErrInvalid)
	}
	seeds := c.GameConfig().SeedPrices
	for _, s := range c.Assets {
		if seeds[s.Name] <= 0 {
			return fmt.Errorf("%w: no positive seed price for %s", ErrInvalid, s.Name)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Advancer builds the return model and correlation engine from the asset and
// correlation tables.
func (c Config) Advancer() (*market.Advancer, error) {
	model, err := returns.NewModel(c.Assets)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	engine, err := correlation.NewEngine(correlation.Matrix(c.Correlation))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	adv, err := market.NewAdvancer(model, engine, c.CPI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return adv, nil
}

// GameConfig converts the game section into controller parameters.
func (c Config) GameConfig() game.Config {
	seeds := make(map[string]float64, len(c.Game.SeedPrices))
	for _, s := range c.Game.SeedPrices {
		seeds[s.Asset] = s.Price
	}
	return game.Config{
		InitialCash:        decimal.NewFromFloat(c.Game.InitialCash).Round(2),
		MaxRounds:          c.Game.MaxRounds,
		InjectionBase:      c.Game.InjectionBase,
		InjectionVariation: c.Game.InjectionVariation,
		SeedPrices:         seeds,
		InitialCPI:         c.Game.InitialCPI,
	}
}

// LogLevel parses log.level.
func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return lvl, fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return lvl, nil
}
