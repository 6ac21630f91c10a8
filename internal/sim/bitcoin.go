package sim

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/econlab/odyssey/internal/returns"
	"github.com/econlab/odyssey/internal/rng"
)

// Study configures BitcoinStudy.
type Study struct {
	Paths      int
	Rounds     int
	Seed       uint64
	StartPrice float64
	Spec       returns.AssetSpec
	Workers    int
}

// DefaultStudy is 10,000 twenty-round paths from the shipped starting price.
func DefaultStudy() Study {
	spec := returns.DefaultAssets()[5]
	return Study{Paths: 10_000, Rounds: 20, Seed: 1, StartPrice: 50_000, Spec: spec, Workers: 4}
}

// Percentile is one point of the final price distribution.
type Percentile struct {
	P     int     `json:"p" yaml:"p"`
	Price float64 `json:"price" yaml:"price"`
}

// BitcoinReport summarizes a study.
type BitcoinReport struct {
	Paths            int            `json:"paths" yaml:"paths"`
	Rounds           int            `json:"rounds" yaml:"rounds"`
	StartPrice       float64        `json:"start_price" yaml:"start_price"`
	Mean             float64        `json:"mean_final_price" yaml:"mean_final_price"`
	Percentiles      []Percentile   `json:"percentiles" yaml:"percentiles"`
	Crashes          int            `json:"crashes" yaml:"crashes"`
	PathsWithCrash   int            `json:"paths_with_crash" yaml:"paths_with_crash"`
	MillionairePaths int            `json:"millionaire_paths" yaml:"millionaire_paths"`
	BoundaryHits     int            `json:"boundary_hits" yaml:"boundary_hits"`
	Regimes          map[string]int `json:"regimes" yaml:"regimes"`
}

var studyPercentiles = []int{5, 25, 50, 75, 95}

type pathResult struct {
	final      float64
	crashes    int
	boundaries int
	regimes    [4]int
	extreme    bool
}

// BitcoinStudy runs independent Bitcoin-only paths through the regime
// machine. Each path draws from its own stream of the seed, so the report
// does not depend on Workers.
func BitcoinStudy(ctx context.Context, st Study) (*BitcoinReport, error) {
	if st.Paths < 1 || st.Rounds < 1 || st.StartPrice <= 0 {
		return nil, fmt.Errorf("%w: paths %d, rounds %d, start %v", ErrInvalidOptions, st.Paths, st.Rounds, st.StartPrice)
	}
	if !st.Spec.IsBitcoin() {
		return nil, fmt.Errorf("%w: spec is for %q", ErrInvalidOptions, st.Spec.Name)
	}
	if st.Workers < 1 {
		st.Workers = 1
	}

	results := make([]pathResult, st.Paths)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(st.Workers)
	for i := range results {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = bitcoinPath(st, rng.New(st.Seed, uint64(i)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summarizePaths(st, results), nil
}

func bitcoinPath(st Study, src rng.Source) pathResult {
	var res pathResult
	price, prev := st.StartPrice, 0.0
	book := returns.NewBitcoinBook()
	for round := 1; round <= st.Rounds; round++ {
		mean, sd := returns.AttenuatedParams(st.Spec, price)
		out := returns.Select(st.Spec, price, book).NextReturn(returns.Input{
			Spec:  st.Spec,
			Round: round,
			Price: price,
			Draw:  mean + sd*src.NormFloat64(),
			Prev:  prev,
			Book:  book,
			Src:   src,
		})
		book, prev = out.Book, out.Return
		price *= 1 + out.Return
		res.regimes[out.Kind]++
		if out.Crashed {
			res.crashes++
		}
		if out.Boundary {
			res.boundaries++
		}
	}
	res.final = price
	res.extreme = book.ExtremeEventFired
	return res
}

func summarizePaths(st Study, results []pathResult) *BitcoinReport {
	rep := &BitcoinReport{
		Paths:      st.Paths,
		Rounds:     st.Rounds,
		StartPrice: st.StartPrice,
		Regimes:    make(map[string]int),
	}
	finals := make([]float64, len(results))
	sum := 0.0
	for i, r := range results {
		finals[i] = r.final
		sum += r.final
		rep.Crashes += r.crashes
		rep.BoundaryHits += r.boundaries
		if r.crashes > 0 {
			rep.PathsWithCrash++
		}
		if r.extreme {
			rep.MillionairePaths++
		}
		for k, n := range r.regimes {
			if n > 0 {
				rep.Regimes[returns.Kind(k).String()] += n
			}
		}
	}
	rep.Mean = sum / float64(len(finals))

	sort.Float64s(finals)
	for _, p := range studyPercentiles {
		rep.Percentiles = append(rep.Percentiles, Percentile{P: p, Price: nearestRank(finals, p)})
	}
	return rep
}

// nearestRank is the p-th percentile of sorted values.
func nearestRank(sorted []float64, p int) float64 {
	idx := int(math.Ceil(float64(p)/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
