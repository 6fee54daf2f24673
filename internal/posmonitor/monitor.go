// Package posmonitor tracks every open position against the latest price
// snapshot and decides whether to close it, purely from state already held
// in memory — it never calls the exchange directly; Tick returns a decision
// the caller turns into a reduce-only order. Adapted from the teacher's
// StopLossManager (trailing-stop high-water-mark bookkeeping) into a
// priority-ordered decision chain driven by re-scored confidence rather than
// a single stop-loss/take-profit price pair.
package posmonitor

import (
	"sync"
	"time"

	"aegis-core/internal/patterns"
)

// ExitReason names which rule in the priority chain fired.
type ExitReason string

const (
	ReasonHardKill     ExitReason = "hard_kill"
	ReasonForcedProfit ExitReason = "forced_profit_take"
	ReasonEntryExpired ExitReason = "entry_reason_expired"
	ReasonCounterTrend ExitReason = "counter_trend"
	ReasonOCOCleanup   ExitReason = "oco_fired_cleanup"
	ReasonNone         ExitReason = ""
)

// Defaults for the thresholds the priority chain evaluates against.
const (
	// DefaultRiskKillThreshold is the unconditional stop: PnL relative to a
	// position's initial risk amount at or beyond this drawdown closes it
	// regardless of any other signal, the highest-priority rule.
	DefaultRiskKillThreshold = 0.99
	// DefaultForcedProfitDropFraction is how far the re-scored confidence
	// metric must have fallen from its 5-minute-prior snapshot, while the
	// position is in profit, to take the profit outright.
	DefaultForcedProfitDropFraction = 0.20
	// DefaultForcedProfitLookback is how far back the "prior snapshot" in
	// the forced-profit check looks.
	DefaultForcedProfitLookback = 5 * time.Minute
	// DefaultSmartHoldLossFloor is the smart-hold band's entry depth: the
	// hold applies only once PnL relative to the risk amount is at or below
	// -DefaultSmartHoldLossFloor (and still above the hard-kill level).
	DefaultSmartHoldLossFloor = 0.50
	// DefaultSmartHoldReboundFloor and DefaultSmartHoldConfidenceFloor gate
	// smart hold on the re-scored rebound-probability and confidence.
	DefaultSmartHoldReboundFloor    = 0.70
	DefaultSmartHoldConfidenceFloor = 0.80
	// DefaultEntryExpiryPriceFraction and DefaultEntryExpiryDuration define
	// when the entry reason is considered stale.
	DefaultEntryExpiryPriceFraction = 0.02
	DefaultEntryExpiryDuration      = 48 * time.Hour
	// DefaultEntryExpiredConfidenceCeiling gates the entry-expired close on
	// the re-scored confidence: a still-confident position rides past its
	// nominal expiry instead of closing.
	DefaultEntryExpiredConfidenceCeiling = 0.70
	// DefaultCounterTrendConfidenceCeiling is the re-scored confidence a
	// counter-trend pattern must fall below before it's allowed to close
	// the position.
	DefaultCounterTrendConfidenceCeiling = 0.80
	// DefaultTrailingActivationFraction is the PnL-over-risk level at which
	// a trailing stop is installed.
	DefaultTrailingActivationFraction = 0.20
	// DefaultTrailingOffsetFraction is the retracement (of price, from the
	// high-water mark) that fires the trailing stop once active.
	DefaultTrailingOffsetFraction = 0.05
	// DefaultTrailingContinuationFloor and DefaultTrailingWinProbFloor gate
	// installing the trailing stop on re-scored trend-continuation and
	// win-probability.
	DefaultTrailingContinuationFloor = 0.70
	DefaultTrailingWinProbFloor      = 0.80
)

// confidenceHistoryRetention bounds how long Position keeps confidence
// samples around; only DefaultForcedProfitLookback of history is ever
// queried, but a little slack avoids pruning the exact sample needed.
const confidenceHistoryRetention = 2 * DefaultForcedProfitLookback

// Side mirrors the account's signed-quantity convention.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// confidenceSample is one re-scored-confidence observation, timestamped so
// the forced-profit check can find the sample nearest a lookback horizon.
type confidenceSample struct {
	at    time.Time
	value float64
}

// Position is the per-symbol runtime state the monitor owns, seeded once at
// fill time and updated on every Tick.
type Position struct {
	Symbol     string
	Side       Side
	EntryPrice float64
	Qty        float64
	OrderID    string
	EntryAt    time.Time

	// InitialRiskAmount is the dollar amount the opening signal was sized
	// against (the Risk Gate's risk-capped position_size, or the notional
	// at fill time when no signal context was available) — the denominator
	// for every PnL-fraction check in Tick, not the raw price return.
	InitialRiskAmount float64

	HighWaterMark     float64
	TrailingActive    bool
	TrailingStop      float64
	ClosedExternally  bool
	confidenceHistory []confidenceSample
}

// Decision is what Tick recommends the caller do.
type Decision struct {
	Symbol     string
	Close      bool
	Reason     ExitReason
	ClosePrice float64
}

// TradeRecorder resolves the order id of the trade that opened a position,
// used when a position is discovered at startup with no local Decision
// history yet; account.OrderIDLookup adapts account.State.TradeForSymbol to
// this interface.
type TradeRecorder interface {
	TradeForSymbol(symbol string) (orderID string, found bool)
}

// Assessment is the re-scored Market Context snapshot Tick gates the
// confidence-sensitive exit scenarios on.
type Assessment struct {
	// Confidence is the Scorer's current prediction for the symbol,
	// re-derived from the live window rather than the value at entry; it
	// stands in for confidence, win-probability and rebound-probability
	// alike, since the Scorer contract exposes one scalar.
	Confidence float64
	// MarketStructure mirrors features.Vector.MarketStructure: positive on
	// a bullish break of structure, negative on a bearish one, zero when no
	// break is detected. Combined with the position's side it yields
	// trend-continuation.
	MarketStructure float64
}

// Rescorer reconstructs the Market Context for symbol against the current
// window and re-scores it through the Scorer contract; brain.Runtime.Rescore
// satisfies this. Returns ok=false when there isn't yet a usable window, in
// which case Tick skips straight to normal monitoring per the spec's "signal
// absent" clause.
type Rescorer func(symbol string) (Assessment, bool)

// Monitor holds every open position's runtime state under one lock —
// Tick is called once per symbol per price update and is safe for
// concurrent calls across distinct symbols as well as the same one.
type Monitor struct {
	mu        sync.Mutex
	positions map[string]*Position
	recorder  TradeRecorder
	rescore   Rescorer

	riskKillThreshold         float64
	forcedProfitDropFraction  float64
	forcedProfitLookback      time.Duration
	smartHoldLossFloor        float64
	smartHoldReboundFloor     float64
	smartHoldConfidenceFloor  float64
	entryExpiryPriceFraction  float64
	entryExpiryDuration       time.Duration
	entryExpiredConfCeiling   float64
	counterTrendConfCeiling   float64
	trailingActivationFrac    float64
	trailingOffsetFraction    float64
	trailingContinuationFloor float64
	trailingWinProbFloor      float64
}

// NewMonitor builds a Monitor with the package's default thresholds.
// riskKillThreshold overrides DefaultRiskKillThreshold when positive,
// wired from the configured RISK_KILL_THRESHOLD.
func NewMonitor(recorder TradeRecorder, riskKillThreshold float64) *Monitor {
	if riskKillThreshold <= 0 {
		riskKillThreshold = DefaultRiskKillThreshold
	}
	return &Monitor{
		positions:                 make(map[string]*Position),
		recorder:                  recorder,
		riskKillThreshold:         riskKillThreshold,
		forcedProfitDropFraction:  DefaultForcedProfitDropFraction,
		forcedProfitLookback:      DefaultForcedProfitLookback,
		smartHoldLossFloor:        DefaultSmartHoldLossFloor,
		smartHoldReboundFloor:     DefaultSmartHoldReboundFloor,
		smartHoldConfidenceFloor:  DefaultSmartHoldConfidenceFloor,
		entryExpiryPriceFraction:  DefaultEntryExpiryPriceFraction,
		entryExpiryDuration:       DefaultEntryExpiryDuration,
		entryExpiredConfCeiling:   DefaultEntryExpiredConfidenceCeiling,
		counterTrendConfCeiling:   DefaultCounterTrendConfidenceCeiling,
		trailingActivationFrac:    DefaultTrailingActivationFraction,
		trailingOffsetFraction:    DefaultTrailingOffsetFraction,
		trailingContinuationFloor: DefaultTrailingContinuationFloor,
		trailingWinProbFloor:      DefaultTrailingWinProbFloor,
	}
}

// SetRescorer wires the Market-Context re-scoring hook; Tick runs without
// one (skipping straight to normal monitoring past the hard-kill check), so
// tests may leave it unset.
func (m *Monitor) SetRescorer(r Rescorer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescore = r
}

// Open registers a newly filled position for monitoring.
func (m *Monitor) Open(p Position) {
	p.HighWaterMark = p.EntryPrice
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.Symbol] = &p
}

// Close removes symbol from tracking, used after the caller has confirmed
// the recommended close order filled.
func (m *Monitor) Close(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, symbol)
}

// OrderIDForSymbol resolves the order id that opened symbol's currently
// tracked position, via the account's trade history, for attaching a
// reduce-only close to its originating order.
func (m *Monitor) OrderIDForSymbol(symbol string) (string, bool) {
	if m.recorder == nil {
		return "", false
	}
	return m.recorder.TradeForSymbol(symbol)
}

// Has reports whether symbol currently has a tracked position.
func (m *Monitor) Has(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[symbol]
	return ok
}

// MarkExternallyClosed flags that an exchange-side OCO/bracket order
// already closed the position, so the next Tick takes the cleanup branch
// instead of trying to submit a second close.
func (m *Monitor) MarkExternallyClosed(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[symbol]; ok {
		p.ClosedExternally = true
	}
}

// pnlAmount is the position's unrealized profit/loss in dollar terms.
func pnlAmount(p *Position, price float64) float64 {
	if p.Side == Long {
		return (price - p.EntryPrice) * p.Qty
	}
	return (p.EntryPrice - price) * p.Qty
}

// pnlFraction is PnL relative to the position's initial risk amount — the
// quantity every threshold in the priority chain is expressed against, per
// the spec's "PnL fraction relative to initial risk amount" definition.
func pnlFraction(p *Position, price float64) float64 {
	if p.InitialRiskAmount == 0 {
		return 0
	}
	return pnlAmount(p, price) / p.InitialRiskAmount
}

func priceDistanceFraction(p *Position, price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	d := (price - p.EntryPrice) / p.EntryPrice
	if d < 0 {
		return -d
	}
	return d
}

func trendContinuation(side Side, a Assessment) float64 {
	favorsLong := a.MarketStructure > 0
	favorsShort := a.MarketStructure < 0
	aligned := (side == Long && favorsLong) || (side == Short && favorsShort)
	if aligned {
		return a.Confidence
	}
	return 1 - a.Confidence
}

func (p *Position) recordConfidence(now time.Time, value float64) {
	p.confidenceHistory = append(p.confidenceHistory, confidenceSample{at: now, value: value})
	cutoff := now.Add(-confidenceHistoryRetention)
	i := 0
	for i < len(p.confidenceHistory) && p.confidenceHistory[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		p.confidenceHistory = p.confidenceHistory[i:]
	}
}

// confidenceDroppedSince reports whether the confidence sample recorded at
// or just before now-lookback fell by at least fraction, measured relative
// to that prior sample, by the time of current. Returns false until a sample that old actually exists, so a
// freshly opened position can't trigger a forced profit take on its very
// first ticks.
func (p *Position) confidenceDroppedSince(now time.Time, lookback time.Duration, fraction, current float64) bool {
	target := now.Add(-lookback)
	var prior float64
	found := false
	for _, s := range p.confidenceHistory {
		if s.at.After(target) {
			break
		}
		prior = s.value
		found = true
	}
	if !found || prior <= 0 {
		return false
	}
	return (prior-current)/prior >= fraction
}

// Tick evaluates the priority-ordered exit chain for symbol at price
// against the latest detected patterns. The first rule that matches wins.
// OCO cleanup (f) is checked before every other rule, the hard kill
// included; the remaining rules are evaluated in this fixed order:
//
//   0. hard kill            — PnL fraction vs. initial risk amount breaches
//                              the unconditional stop, overrides a-e
//   a. forced profit take   — re-scored confidence dropped >=20% from its
//                              5-minute-prior snapshot while in profit
//   b. smart hold           — deep but bounded drawdown, high rebound
//                              probability and confidence: suppress c/d
//   c. entry reason expired — price/time drift past entry, confidence faded
//   d. counter-trend        — an opposing structural pattern and confidence
//                              has faded below the counter-trend ceiling
//   e. trailing install     — profit, trend-continuation and win
//                              probability all clear their floors
//   f. OCO cleanup          — exchange already closed the position
//   g. normal monitor       — no action
//
// Steps 3-5 of the spec (retrieve the signal, reconstruct Market Context,
// re-score) are realized as a single Rescorer call: when it reports no
// usable context, Tick stops after the hard-kill check and falls through to
// normal monitoring, matching "if absent, skip to normal monitoring."
func (m *Monitor) Tick(symbol string, price float64, livePatterns []patterns.Pattern) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.positions[symbol]
	if !ok {
		return Decision{Symbol: symbol, Reason: ReasonNone}
	}

	// f. OCO cleanup takes priority over re-deriving a close decision from
	// price once the exchange has already told us the position is gone.
	if p.ClosedExternally {
		return Decision{Symbol: symbol, Close: true, Reason: ReasonOCOCleanup, ClosePrice: price}
	}

	frac := pnlFraction(p, price)

	// 0. hard kill — unconditional, checked before any other signal.
	if frac <= -m.riskKillThreshold {
		return Decision{Symbol: symbol, Close: true, Reason: ReasonHardKill, ClosePrice: price}
	}

	var assessment Assessment
	haveContext := false
	if m.rescore != nil {
		if a, ok := m.rescore(symbol); ok {
			assessment = a
			haveContext = true
		}
	}
	if !haveContext {
		return Decision{Symbol: symbol, Reason: ReasonNone}
	}

	now := time.Now()
	confidence := assessment.Confidence
	winProbability := confidence
	reboundProbability := confidence
	continuation := trendContinuation(p.Side, assessment)
	p.recordConfidence(now, confidence)

	// a. forced profit take.
	if frac > 0 && p.confidenceDroppedSince(now, m.forcedProfitLookback, m.forcedProfitDropFraction, confidence) {
		return Decision{Symbol: symbol, Close: true, Reason: ReasonForcedProfit, ClosePrice: price}
	}

	// b. smart hold — deep drawdown but still above the risk-kill band,
	// with a high rebound probability and confidence: suppress c and d.
	if frac <= -m.smartHoldLossFloor && reboundProbability > m.smartHoldReboundFloor && confidence >= m.smartHoldConfidenceFloor {
		return Decision{Symbol: symbol, Reason: ReasonNone}
	}

	// c. entry reason expired.
	entryStale := priceDistanceFraction(p, price) > m.entryExpiryPriceFraction || now.Sub(p.EntryAt) > m.entryExpiryDuration
	if entryStale && confidence < m.entryExpiredConfCeiling {
		return Decision{Symbol: symbol, Close: true, Reason: ReasonEntryExpired, ClosePrice: price}
	}

	// d. counter-trend.
	if opposingPatternPresent(p.Side, livePatterns) && confidence < m.counterTrendConfCeiling {
		return Decision{Symbol: symbol, Close: true, Reason: ReasonCounterTrend, ClosePrice: price}
	}

	// e. trailing take-profit install/update; firing the trailing stop
	// itself is reported as a forced-profit-take close at the trail level.
	if !p.TrailingActive && frac > m.trailingActivationFrac && continuation > m.trailingContinuationFloor && winProbability >= m.trailingWinProbFloor {
		m.updateTrailing(p, price)
	}
	if p.TrailingActive {
		m.updateTrailing(p, price)
		if (p.Side == Long && price <= p.TrailingStop) || (p.Side == Short && price >= p.TrailingStop) {
			return Decision{Symbol: symbol, Close: true, Reason: ReasonForcedProfit, ClosePrice: price}
		}
	}

	// g. normal monitor: nothing to do this tick.
	return Decision{Symbol: symbol, Reason: ReasonNone}
}

func (m *Monitor) updateTrailing(p *Position, price float64) {
	if p.Side == Long {
		if price > p.HighWaterMark {
			p.HighWaterMark = price
		}
		p.TrailingActive = true
		p.TrailingStop = p.HighWaterMark * (1 - m.trailingOffsetFraction)
		return
	}
	if price < p.HighWaterMark || p.HighWaterMark == 0 {
		p.HighWaterMark = price
	}
	p.TrailingActive = true
	p.TrailingStop = p.HighWaterMark * (1 + m.trailingOffsetFraction)
}

func opposingPatternPresent(posSide Side, live []patterns.Pattern) bool {
	want := patterns.Bearish
	if posSide == Short {
		want = patterns.Bullish
	}
	for _, p := range live {
		if side, ok := sideOf(p); ok && side == want {
			if _, isBreak := p.(patterns.StructureBreak); isBreak {
				return true
			}
			if _, isSweep := p.(patterns.LiquiditySweep); isSweep {
				return true
			}
		}
	}
	return false
}

func sideOf(p patterns.Pattern) (patterns.Side, bool) {
	switch v := p.(type) {
	case patterns.FVG:
		return v.Side, true
	case patterns.OrderBlock:
		return v.Side, true
	case patterns.LiquiditySweep:
		return v.Side, true
	case patterns.StructureBreak:
		return v.Side, true
	default:
		return "", false
	}
}
