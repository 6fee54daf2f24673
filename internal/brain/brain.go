// Package brain implements the runtime that drains the shared-memory ring
// buffer, maintains a per-symbol trailing window, and runs every candle
// through pattern detection, feature extraction and confidence scoring,
// publishing a Signal for every window that clears the configured
// threshold. It is the reader side of the feed/brain process split; it
// never writes to the ring buffer and never talks to an exchange directly.
package brain

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"aegis-core/internal/events"
	"aegis-core/internal/features"
	"aegis-core/internal/firewall"
	"aegis-core/internal/indicators"
	"aegis-core/internal/patterns"
	"aegis-core/internal/persistence"
	"aegis-core/internal/ringbuf"
	"aegis-core/internal/scorer"
	"aegis-core/internal/signal"
)

// MaxWindow caps how many trailing candles are kept per symbol; older
// candles are dropped once the window fills, per the spec's bounded-memory
// requirement for the brain process.
const MaxWindow = 100

// SteadyStateMinWindow and WarmupMinWindow are the two window-length floors
// below which Runtime won't attempt to score a symbol: a lower bar applies
// during warm-up (until the warmupDeadline that NewRuntime sets
// WarmupDuration after construction) so the system isn't silent for the
// first few minutes after every restart.
const (
	SteadyStateMinWindow = 20
	WarmupMinWindow      = 5
)

// KlineBackfiller fetches historical candles to fill a detected gap; the
// REST client in pkg/market/binance satisfies this via GetKlines.
type KlineBackfiller interface {
	Backfill(ctx context.Context, symbol string, fromMs, toMs int64) ([]ringbuf.Candle, error)
}

// Runtime is the brain process's main loop: poll, window, detect, extract,
// score, publish.
type Runtime struct {
	buf     *ringbuf.Buffer
	bus     *events.Bus
	ind     *indicators.Engine
	sc      scorer.Scorer
	exp     *persistence.NDJSONWriter
	backfix KlineBackfiller
	// fw re-validates every candle drained from shared memory before it
	// reaches a window — defence in depth against a corrupted or foreign
	// writer on the other side of the ring buffer.
	fw *firewall.Firewall

	// symbols maps a ring-buffer SymbolID to its string name, fixed at
	// startup and shared with the feed process out of band (by config).
	symbols []string

	windows      map[string][]ringbuf.Candle
	lastSeen     map[string]int64 // symbol -> last TimestampMs seen, for gap detection
	lastPatterns map[string][]patterns.Pattern

	confidenceThreshold           float64
	confidenceThresholdPermissive float64
	warmupDeadline                time.Time
	maxTradeRiskFraction          float64
	balance                       BalanceProvider

	pollInterval time.Duration
}

// BalanceProvider resolves the current account balance for sizing a
// candidate signal before the Risk Gate re-checks it against live state;
// account.State.Balance satisfies this.
type BalanceProvider func() float64

// Config bundles Runtime's construction parameters.
type Config struct {
	Symbols                       []string
	ConfidenceThreshold           float64
	ConfidenceThresholdPermissive float64
	MaxTradeRiskFraction          float64
	WarmupDuration                time.Duration
	PollInterval                  time.Duration
	Balance                       BalanceProvider
}

// DefaultConfig matches the spec's collapsed confidence-threshold values: a
// strict 0.60 bar in steady state, and a permissive 0.30 bar during the
// first five minutes after startup so the Brain isn't silent while it's
// still building its trailing window.
func DefaultConfig(symbols []string) Config {
	return Config{
		Symbols:                       symbols,
		ConfidenceThreshold:           0.60,
		ConfidenceThresholdPermissive: 0.30,
		WarmupDuration:                5 * time.Minute,
		PollInterval:                  200 * time.Millisecond,
	}
}

// NewRuntime builds a Runtime. backfill may be nil to disable gap backfill
// (used in tests and in dry-run mode where no REST credentials exist).
func NewRuntime(buf *ringbuf.Buffer, bus *events.Bus, ind *indicators.Engine, sc scorer.Scorer, exp *persistence.NDJSONWriter, backfill KlineBackfiller, cfg Config) *Runtime {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.60
	}
	if cfg.ConfidenceThresholdPermissive <= 0 {
		cfg.ConfidenceThresholdPermissive = 0.30
	}
	if cfg.WarmupDuration <= 0 {
		cfg.WarmupDuration = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxTradeRiskFraction <= 0 {
		cfg.MaxTradeRiskFraction = 0.02
	}
	if cfg.Balance == nil {
		cfg.Balance = func() float64 { return 0 }
	}
	return &Runtime{
		fw:                            firewall.New(1),
		buf:                           buf,
		bus:                           bus,
		ind:                           ind,
		sc:                            sc,
		exp:                           exp,
		backfix:                       backfill,
		symbols:                       cfg.Symbols,
		windows:                       make(map[string][]ringbuf.Candle),
		lastSeen:                      make(map[string]int64),
		lastPatterns:                  make(map[string][]patterns.Pattern),
		confidenceThreshold:           cfg.ConfidenceThreshold,
		confidenceThresholdPermissive: cfg.ConfidenceThresholdPermissive,
		warmupDeadline:                time.Now().Add(cfg.WarmupDuration),
		maxTradeRiskFraction:          cfg.MaxTradeRiskFraction,
		balance:                       cfg.Balance,
		pollInterval:                  cfg.PollInterval,
	}
}

// LatestPrice returns the close of the most recent candle seen for symbol.
// Safe to call from a SIGNAL_GENERATED subscriber invoked synchronously
// during evaluate, since that call happens on this same goroutine; a
// subscriber registered via SubscribeAsync must not call this without its
// own synchronization.
func (r *Runtime) LatestPrice(symbol string) (float64, bool) {
	w := r.windows[symbol]
	if len(w) == 0 {
		return 0, false
	}
	return w[len(w)-1].Close, true
}

// LatestPatterns returns the patterns detected the last time symbol was
// evaluated. Safe under the same same-goroutine constraints as
// LatestPrice.
func (r *Runtime) LatestPatterns(symbol string) []patterns.Pattern {
	return r.lastPatterns[symbol]
}

// Rescore reconstructs the Market Context for symbol from its current
// window and last detected patterns and re-scores it through the Scorer
// contract. It reuses the patterns evaluate last detected for symbol and
// runs only feature extraction and prediction against the live window;
// pattern detection is not run again here. The Position Monitor calls
// this to re-derive confidence rather than reasoning from price alone.
// Returns ok=false if the window hasn't reached the steady-state floor,
// matching evaluate's own warm-up gate.
func (r *Runtime) Rescore(symbol string) (features.Vector, float64, bool) {
	window := r.windows[symbol]
	if len(window) < SteadyStateMinWindow {
		return features.Vector{}, 0, false
	}
	feats := features.Extract(symbol, window, r.lastPatterns[symbol], r.ind)
	return feats, r.sc.Predict(feats), true
}

func (r *Runtime) symbolFor(id uint16) string {
	if int(id) >= len(r.symbols) {
		return ""
	}
	return r.symbols[id]
}

// Run polls the ring buffer until ctx is canceled. Each tick drains
// everything currently pending, updates windows, and scores every symbol
// whose window just grew.
func (r *Runtime) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Runtime) drain(ctx context.Context) {
	entries := r.buf.ReadNew(func(lap ringbuf.LapEvent) {
		log.Printf("brain: ring buffer lapped, skipped %d candles", lap.Skipped)
	})
	touched := make(map[string]bool, len(entries))
	for _, e := range entries {
		symbol := r.symbolFor(e.SymbolID)
		if symbol == "" {
			continue
		}
		candle, err := r.fw.Validate(firewall.CandleToTick(e.Candle), time.Now())
		if err != nil {
			continue // rejection is already logged (rate-limited) inside Validate
		}
		r.ingest(ctx, symbol, candle)
		touched[symbol] = true
	}
	for symbol := range touched {
		r.evaluate(symbol)
	}
}

// ingest appends candle to symbol's window, backfilling any detected gap
// first (bounded at 100 bars, per the spec's bounded-backfill rule) and
// trimming the window to MaxWindow.
func (r *Runtime) ingest(ctx context.Context, symbol string, c ringbuf.Candle) {
	if last, ok := r.lastSeen[symbol]; ok && r.backfix != nil {
		gap := c.TimestampMs - last
		// A gap of more than one normal step (assume 60s candles as the
		// conservative default; any embedded interval is a config detail
		// the feed side owns) triggers a bounded backfill.
		if gap > 60_000 {
			filled, err := r.backfix.Backfill(ctx, symbol, last, c.TimestampMs)
			if err != nil {
				log.Printf("brain: backfill %s failed: %v", symbol, err)
			} else {
				const maxBackfillBars = 100
				if len(filled) > maxBackfillBars {
					filled = filled[len(filled)-maxBackfillBars:]
				}
				for _, fc := range filled {
					r.appendWindow(symbol, fc)
				}
			}
		}
	}
	r.appendWindow(symbol, c)
	r.lastSeen[symbol] = c.TimestampMs
}

func (r *Runtime) appendWindow(symbol string, c ringbuf.Candle) {
	w := append(r.windows[symbol], c)
	if len(w) > MaxWindow {
		w = w[len(w)-MaxWindow:]
	}
	r.windows[symbol] = w
}

// evaluate runs pattern detection, feature extraction and scoring for
// symbol's current window and publishes a signal if confidence clears the
// active threshold.
func (r *Runtime) evaluate(symbol string) {
	window := r.windows[symbol]
	minWindow := SteadyStateMinWindow
	threshold := r.confidenceThreshold
	if time.Now().Before(r.warmupDeadline) {
		minWindow = WarmupMinWindow
		threshold = r.confidenceThresholdPermissive
	}
	if len(window) < minWindow {
		return
	}

	detectWindow := window
	const patternLookback = 20
	if len(detectWindow) > patternLookback {
		detectWindow = detectWindow[len(detectWindow)-patternLookback:]
	}

	atrValue := r.ind.ATR(symbol, detectWindow, 14).Value
	pats := patterns.Detect(detectWindow, atrValue)
	r.lastPatterns[symbol] = pats
	feats := features.Extract(symbol, window, pats, r.ind)
	confidence := r.sc.Predict(feats)

	if r.exp != nil {
		_ = r.exp.Append(experienceRecord{
			Symbol:     symbol,
			Timestamp:  time.Now().UTC(),
			Features:   feats.Slice(),
			Confidence: confidence,
		})
	}

	if confidence < threshold {
		return
	}

	sig := signal.Signal{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Confidence:   confidence,
		Patterns:     pats,
		PositionSize: confidence * r.maxTradeRiskFraction * r.balance(),
		Timestamp:    time.Now().UTC(),
	}
	r.bus.Publish(events.SignalGenerated, sig)
}

type experienceRecord struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Features   []float64 `json:"features"`
	Confidence float64   `json:"confidence"`
}
