// Package ledger keeps one participant's cash, holdings, trade history and
// valuation history.
//
// All money and quantities use shopspring/decimal. Every operation validates
// before it mutates, so a rejected trade leaves the portfolio exactly as it
// was. Cash movements are journaled; Reconcile proves the ledger never created
// or destroyed value outside of injections and trades.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientCash     = errors.New("ledger: insufficient cash")
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
	ErrInvalidQuantity      = errors.New("ledger: quantity must be positive")
	ErrInvalidPrice         = errors.New("ledger: price must be positive")
	ErrUnknownAsset         = errors.New("ledger: unknown asset")
	ErrInvalidAction        = errors.New("ledger: action must be buy or sell")
	ErrInvalidAmount        = errors.New("ledger: amount must not be negative")
	ErrValuationRecorded    = errors.New("ledger: valuation already recorded for round")
	ErrOutOfBalance         = errors.New("ledger: ledger out of balance")
)

// QuantityPlaces is the precision of quantities bought by the distribute
// helpers.
const QuantityPlaces = 2

// Action is a trade direction.
type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
)

// Trade is an immutable record of one execution.
type Trade struct {
	ID         string          `json:"id"`
	Round      int             `json:"round"`
	Asset      string          `json:"asset"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	TotalValue decimal.Decimal `json:"total_value"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EntryKind classifies a cash journal line.
type EntryKind string

const (
	Endowment EntryKind = "endowment"
	Injection EntryKind = "injection"
	Purchase  EntryKind = "purchase"
	Sale      EntryKind = "sale"
)

// CashEntry is one signed cash movement.
type CashEntry struct {
	Round   int             `json:"round"`
	Kind    EntryKind       `json:"kind"`
	Amount  decimal.Decimal `json:"amount"`
	TradeID string          `json:"trade_id,omitempty"`
}

// Valuation is the portfolio value recorded at the end of a round.
type Valuation struct {
	Round int             `json:"round"`
	Value decimal.Decimal `json:"value"`
}

// Portfolio is one participant's ledger. It is not safe for concurrent use;
// the game controller serializes access.
type Portfolio struct {
	assets        map[string]bool
	initial       decimal.Decimal
	cash          decimal.Decimal
	holdings      map[string]decimal.Decimal
	trades        []Trade
	valuations    []Valuation
	journal       []CashEntry
	injected      decimal.Decimal
	lastInjection decimal.Decimal
	now           func() time.Time
}

// Option configures a Portfolio.
type Option func(*Portfolio)

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Portfolio) { p.now = now }
}

// New opens a portfolio over the given asset set with an initial cash
// endowment.
func New(assets []string, initialCash decimal.Decimal, opts ...Option) (*Portfolio, error) {
	if initialCash.IsNegative() {
		return nil, fmt.Errorf("%w: initial cash %s", ErrInvalidAmount, initialCash)
	}
	p := &Portfolio{
		assets:   make(map[string]bool, len(assets)),
		initial:  initialCash,
		cash:     initialCash,
		holdings: make(map[string]decimal.Decimal),
		journal:  []CashEntry{{Round: 0, Kind: Endowment, Amount: initialCash}},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, a := range assets {
		p.assets[a] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// --- Trading ---

// Trade executes one buy or sell at the given price. On error the portfolio
// is unchanged.
func (p *Portfolio) Trade(round int, asset string, action Action, qty, price decimal.Decimal) (Trade, error) {
	if !p.assets[asset] {
		return Trade{}, fmt.Errorf("%w: %q", ErrUnknownAsset, asset)
	}
	if action != Buy && action != Sell {
		return Trade{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if !qty.IsPositive() {
		return Trade{}, fmt.Errorf("%w: %s", ErrInvalidQuantity, qty)
	}
	if !price.IsPositive() {
		return Trade{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	total := price.Mul(qty)
	held := p.holdings[asset]

	switch action {
	case Buy:
		if p.cash.LessThan(total) {
			return Trade{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, total.StringFixed(2), p.cash.StringFixed(2))
		}
	case Sell:
		if held.LessThan(qty) {
			return Trade{}, fmt.Errorf("%w: %s holds %s, selling %s", ErrInsufficientHoldings, asset, held, qty)
		}
	}

	t := Trade{
		ID:         uuid.New().String(),
		Round:      round,
		Asset:      asset,
		Action:     action,
		Quantity:   qty,
		Price:      price,
		TotalValue: total,
		Timestamp:  p.now(),
	}

	if action == Buy {
		p.cash = p.cash.Sub(total)
		p.holdings[asset] = held.Add(qty)
		p.journal = append(p.journal, CashEntry{Round: round, Kind: Purchase, Amount: total.Neg(), TradeID: t.ID})
	} else {
		p.cash = p.cash.Add(total)
		if rest := held.Sub(qty); rest.IsZero() {
			delete(p.holdings, asset)
		} else {
			p.holdings[asset] = rest
		}
		p.journal = append(p.journal, CashEntry{Round: round, Kind: Sale, Amount: total, TradeID: t.ID})
	}
	p.trades = append(p.trades, t)
	return t, nil
}

// DistributeEvenly spends all available cash in equal parts across every
// asset.
func (p *Portfolio) DistributeEvenly(round int, prices map[string]decimal.Decimal) ([]Trade, error) {
	return p.DistributeAcross(round, p.Assets(), prices)
}

// DistributeAcross spends all available cash in equal parts across the chosen
// assets. Quantities are floored to QuantityPlaces; assets whose share rounds
// to zero units are skipped.
func (p *Portfolio) DistributeAcross(round int, assets []string, prices map[string]decimal.Decimal) ([]Trade, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: no assets selected", ErrUnknownAsset)
	}
	for _, a := range assets {
		if !p.assets[a] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, a)
		}
		if !prices[a].IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, a)
		}
	}

	share := p.cash.Div(decimal.NewFromInt(int64(len(assets)))).Truncate(8)
	var trades []Trade
	for _, a := range assets {
		qty := share.Div(prices[a]).Truncate(QuantityPlaces)
		if !qty.IsPositive() {
			continue
		}
		t, err := p.Trade(round, a, Buy, qty, prices[a])
		if err != nil {
			return trades, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// LiquidateAll sells every holding at the given prices.
func (p *Portfolio) LiquidateAll(round int, prices map[string]decimal.Decimal) ([]Trade, error) {
	held := p.heldAssets()
	for _, a := range held {
		if !prices[a].IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, a)
		}
	}
	trades := make([]Trade, 0, len(held))
	for _, a := range held {
		t, err := p.Trade(round, a, Sell, p.holdings[a], prices[a])
		if err != nil {
			return trades, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// --- Cash and valuation ---

// Inject credits a cash injection for a round.
func (p *Portfolio) Inject(round int, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	p.cash = p.cash.Add(amount)
	p.injected = p.injected.Add(amount)
	p.lastInjection = amount
	p.journal = append(p.journal, CashEntry{Round: round, Kind: Injection, Amount: amount})
	return nil
}

// Valuation is cash plus every holding marked at the given prices.
func (p *Portfolio) Valuation(prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	total := p.cash
	for a, qty := range p.holdings {
		price, ok := prices[a]
		if !ok || !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, a)
		}
		total = total.Add(qty.Mul(price))
	}
	return total, nil
}

// RecordValuation appends the valuation for a round. Rounds must be recorded
// in increasing order and never twice.
func (p *Portfolio) RecordValuation(round int, prices map[string]decimal.Decimal) (decimal.Decimal, error) {
	if n := len(p.valuations); n > 0 && p.valuations[n-1].Round >= round {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrValuationRecorded, round)
	}
	v, err := p.Valuation(prices)
	if err != nil {
		return decimal.Zero, err
	}
	p.valuations = append(p.valuations, Valuation{Round: round, Value: v})
	return v, nil
}

// Reconcile checks that cash equals the journal total and that every holding
// equals the net quantity traded.
func (p *Portfolio) Reconcile() error {
	sum := decimal.Zero
	for _, e := range p.journal {
		sum = sum.Add(e.Amount)
	}
	if !sum.Equal(p.cash) {
		return fmt.Errorf("%w: cash %s, journal %s", ErrOutOfBalance, p.cash, sum)
	}

	net := make(map[string]decimal.Decimal)
	for _, t := range p.trades {
		if t.Action == Buy {
			net[t.Asset] = net[t.Asset].Add(t.Quantity)
		} else {
			net[t.Asset] = net[t.Asset].Sub(t.Quantity)
		}
	}
	for a, qty := range net {
		if !qty.Equal(p.holdings[a]) {
			return fmt.Errorf("%w: %s holds %s, trades net %s", ErrOutOfBalance, a, p.holdings[a], qty)
		}
	}
	for a := range p.holdings {
		if _, ok := net[a]; !ok {
			return fmt.Errorf("%w: %s held without trades", ErrOutOfBalance, a)
		}
	}
	return nil
}

// --- Accessors ---

func (p *Portfolio) Cash() decimal.Decimal          { return p.cash }
func (p *Portfolio) InitialCash() decimal.Decimal   { return p.initial }
func (p *Portfolio) TotalInjected() decimal.Decimal { return p.injected }
func (p *Portfolio) LastInjection() decimal.Decimal { return p.lastInjection }

// Holding returns the quantity held of one asset.
func (p *Portfolio) Holding(asset string) decimal.Decimal { return p.holdings[asset] }

// Holdings returns a copy of the non-zero holdings.
func (p *Portfolio) Holdings() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(p.holdings))
	for a, q := range p.holdings {
		out[a] = q
	}
	return out
}

// Assets lists the tradable assets in a stable order.
func (p *Portfolio) Assets() []string {
	out := make([]string, 0, len(p.assets))
	for a := range p.assets {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (p *Portfolio) Trades() []Trade         { return append([]Trade(nil), p.trades...) }
func (p *Portfolio) Valuations() []Valuation { return append([]Valuation(nil), p.valuations...) }
func (p *Portfolio) Journal() []CashEntry    { return append([]CashEntry(nil), p.journal...) }

// LatestValuation is the most recently recorded valuation, if any.
func (p *Portfolio) LatestValuation() (Valuation, bool) {
	if len(p.valuations) == 0 {
		return Valuation{}, false
	}
	return p.valuations[len(p.valuations)-1], true
}

func (p *Portfolio) heldAssets() []string {
	out := make([]string, 0, len(p.holdings))
	for a := range p.holdings {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Book is the serializable form of a Portfolio.
type Book struct {
	InitialCash   decimal.Decimal            `json:"initial_cash"`
	Cash          decimal.Decimal            `json:"cash"`
	Holdings      map[string]decimal.Decimal `json:"holdings"`
	Trades        []Trade                    `json:"trades"`
	Valuations    []Valuation                `json:"valuations"`
	Journal       []CashEntry                `json:"journal"`
	TotalInjected decimal.Decimal            `json:"total_injected"`
	LastInjection decimal.Decimal            `json:"last_injection"`
}

// Book copies the portfolio out.
func (p *Portfolio) Book() Book {
	return Book{
		InitialCash:   p.initial,
		Cash:          p.cash,
		Holdings:      p.Holdings(),
		Trades:        p.Trades(),
		Valuations:    p.Valuations(),
		Journal:       p.Journal(),
		TotalInjected: p.injected,
		LastInjection: p.lastInjection,
	}
}

// Restore rebuilds a portfolio from a Book and reconciles it before handing
// it back.
func Restore(assets []string, b Book, opts ...Option) (*Portfolio, error) {
	p, err := New(assets, b.InitialCash, opts...)
	if err != nil {
		return nil, err
	}
	p.cash = b.Cash
	for a, q := range b.Holdings {
		if !p.assets[a] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, a)
		}
		if q.IsPositive() {
			p.holdings[a] = q
		}
	}
	p.trades = append([]Trade(nil), b.Trades...)
	p.valuations = append([]Valuation(nil), b.Valuations...)
	if len(b.Journal) > 0 {
		p.journal = append([]CashEntry(nil), b.Journal...)
	}
	p.injected = b.TotalInjected
	p.lastInjection = b.LastInjection
	if err := p.Reconcile(); err != nil {
		return nil, err
	}
	return p, nil
}
