// Package asset resolves the asset references clients send (canonical names
// or short tickers) to the canonical names the return model uses.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/econlab/odyssey/internal/returns"
)

// Tickers for the six game assets.
const (
	TickerSP500       = "SPX"
	TickerBonds       = "BND"
	TickerRealEstate  = "REIT"
	TickerGold        = "GLD"
	TickerCommodities = "CMDTY"
	TickerBitcoin     = "BTC"
)

var byTicker = map[string]string{
	TickerSP500:       returns.SP500,
	TickerBonds:       returns.Bonds,
	TickerRealEstate:  returns.RealEstate,
	TickerGold:        returns.Gold,
	TickerCommodities: returns.Commodities,
	TickerBitcoin:     returns.Bitcoin,
}

var tickerOf = func() map[string]string {
	m := make(map[string]string, len(byTicker))
	for t, name := range byTicker {
		m[name] = t
	}
	return m
}()

// refRegex matches a ticker (BTC) or a display name (Real Estate, S&P 500).
var refRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9&]*( [A-Za-z0-9&]+)*$`)

var (
	ErrInvalidRef = errors.New("asset: invalid asset reference")
	ErrUnknown    = errors.New("asset: unknown asset")
)

// Resolve maps a reference to its canonical name. Matching ignores case and
// surrounding whitespace; inner whitespace runs collapse to one space.
func Resolve(ref string) (string, error) {
	norm := strings.Join(strings.Fields(ref), " ")
	if !refRegex.MatchString(norm) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	upper := strings.ToUpper(norm)
	if name, ok := byTicker[upper]; ok {
		return name, nil
	}
	for name := range tickerOf {
		if strings.ToUpper(name) == upper {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknown, norm)
}

// ResolveAll resolves every reference, dropping duplicates and keeping the
// first-seen order.
func ResolveAll(refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		name, err := Resolve(ref)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

// ParseList resolves a comma-separated list such as "BTC, gold,SPX".
func ParseList(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return ResolveAll(strings.Split(s, ","))
}

// Ticker returns the short ticker for a canonical name.
func Ticker(name string) (string, bool) {
	t, ok := tickerOf[name]
	return t, ok
}
