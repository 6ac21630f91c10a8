package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/econlab/odyssey/internal/sim"
)

// table is a tab-aligned writer for human output.
type table struct {
	tw *tabwriter.Writer
}

func (t *table) row(cells ...any) {
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprint(c)
	}
	fmt.Fprintln(t.tw, strings.Join(parts, "\t"))
}

func (t *table) blank() { fmt.Fprintln(t.tw) }

// render writes v as JSON or YAML, or calls fill for the table format.
func render(w io.Writer, format string, v any, fill func(*table)) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		t := &table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
		fill(t)
		return t.tw.Flush()
	default:
		return fmt.Errorf("unsupported format %q (want table, json or yaml)", format)
	}
}

func writeGameTable(t *table, rep *sim.GameReport, assets []string) {
	t.row(append([]any{"ROUND", "CPI", "INJECTION", "BTC REGIME"}, toAny(assets)...)...)
	for _, r := range rep.Rounds {
		regime := r.Bitcoin.String()
		if r.Crashed {
			regime += " (crash)"
		}
		cells := []any{r.Round, fmt.Sprintf("%.2f", r.CPI), r.Injection.StringFixed(2), regime}
		for _, a := range assets {
			cells = append(cells, fmt.Sprintf("%.2f", r.Prices[a]))
		}
		t.row(cells...)
	}
	t.blank()
	t.row("RANK", "NAME", "STRATEGY", "FINAL VALUE", "NOMINAL %", "ADJUSTED %", "INJECTED")
	for _, s := range rep.Standings {
		t.row(s.Rank, s.Name, s.Strategy,
			s.FinalValue.StringFixed(2),
			s.NominalReturnPct.StringFixed(2),
			s.AdjustedReturnPct.StringFixed(2),
			s.TotalCashInjected.StringFixed(2))
	}
}

func writeBitcoinTable(t *table, rep *sim.BitcoinReport) {
	t.row("PATHS", "ROUNDS", "START", "MEAN FINAL")
	t.row(rep.Paths, rep.Rounds, fmt.Sprintf("%.2f", rep.StartPrice), fmt.Sprintf("%.2f", rep.Mean))
	t.blank()
	t.row("PERCENTILE", "FINAL PRICE")
	for _, p := range rep.Percentiles {
		t.row(fmt.Sprintf("p%d", p.P), fmt.Sprintf("%.2f", p.Price))
	}
	t.blank()
	t.row("CRASHES", "PATHS WITH CRASH", "MILLIONAIRE PATHS", "BOUNDARY HITS")
	t.row(rep.Crashes, rep.PathsWithCrash, rep.MillionairePaths, rep.BoundaryHits)
	t.blank()
	t.row("REGIME", "ROUNDS")
	for _, k := range []string{"bitcoin_low", "bitcoin_millionaire", "bitcoin_normal"} {
		t.row(k, rep.Regimes[k])
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
