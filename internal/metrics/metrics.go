// Package metrics provides Prometheus instrumentation for the game server.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/econlab/odyssey/internal/game"
	"github.com/econlab/odyssey/internal/returns"
)

var (
	// RoundsAdvanced counts generated rounds across all games.
	RoundsAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_rounds_advanced_total",
		Help: "Total number of market rounds generated",
	})

	// TradesTotal counts executed trades, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	// TradeValue tracks cumulative traded value per asset and action.
	TradeValue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_trade_value_total",
		Help: "Cumulative value of executed trades",
	}, []string{"asset", "action"})

	// Injections records the per-participant cash injection of each round.
	Injections = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "odyssey_cash_injection",
		Help:    "Cash injected per participant at the start of a round",
		Buckets: []float64{0, 2500, 5000, 7500, 10000, 12500, 15000},
	})

	// BitcoinRegimes counts which Bitcoin regime produced each round's return.
	BitcoinRegimes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_bitcoin_regime_total",
		Help: "Bitcoin returns by regime",
	}, []string{"regime"})

	// BitcoinCrashes counts periodic Bitcoin crashes.
	BitcoinCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_bitcoin_crashes_total",
		Help: "Total number of Bitcoin crash rounds",
	})

	// ActiveGames tracks games started and not yet ended.
	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_active_games",
		Help: "Number of games started and not yet ended",
	})

	// GamesCompleted counts games whose results were submitted.
	GamesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_games_completed_total",
		Help: "Total number of completed games",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts trade requests rejected by the per-participant limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_trade_rate_limited_total",
		Help: "Trade requests rejected by the rate limiter",
	})

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odyssey_store_breaker_state",
		Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so game IDs don't explode
// cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// BreakerChanged is a store.BreakerSettings.OnStateChange hook.
func BreakerChanged(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	BreakerState.WithLabelValues(name).Set(v)
}

// Observer feeds controller events into the game metrics.
type Observer struct{}

var _ game.Observer = Observer{}

func (Observer) OnRoundAdvanced(ev game.RoundEvent) {
	RoundsAdvanced.Inc()
	if ev.Round == 1 {
		ActiveGames.Inc()
	}
	Injections.Observe(ev.Injection.InexactFloat64())
	for _, m := range ev.Outcome.Moves {
		if m.Crashed {
			BitcoinCrashes.Inc()
		}
		if m.Regime != returns.Ordinary {
			BitcoinRegimes.WithLabelValues(m.Regime.String()).Inc()
		}
	}
}

func (Observer) OnTradeExecuted(ev game.TradeEvent) {
	action := string(ev.Trade.Action)
	TradesTotal.WithLabelValues(action).Inc()
	TradeValue.WithLabelValues(ev.Trade.Asset, action).Add(ev.Trade.TotalValue.InexactFloat64())
}

func (Observer) OnGameCompleted(game.CompletionEvent) {
	GamesCompleted.Inc()
	ActiveGames.Dec()
}
