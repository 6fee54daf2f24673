package risk

import (
	"log"
	"strings"

	"aegis-core/internal/account"
	"aegis-core/internal/events"
	"aegis-core/internal/signal"
	"aegis-core/pkg/exchanges/common"
)

// MaxTradeRiskFraction is the default fraction of balance a single signal's
// position_size may consume, per the spec's 2% default.
const MaxTradeRiskFraction = 0.02

// MinConfidenceForTrade is the default confidence floor the Gate enforces
// independently of the Brain's own emission threshold (the two are
// deliberately allowed to differ: the Brain may emit at a lower bar during
// warm-up than the Gate will ever allow through to an order).
const MinConfidenceForTrade = 0.55

// PriceLookup resolves a symbol's current mark price for sizing checks;
// the Brain's latest-candle cache satisfies this.
type PriceLookup func(symbol string) (float64, bool)

// Gate subscribes to SIGNAL_GENERATED and publishes ORDER_REQUEST for
// every signal that clears position-size, confidence and one-position-
// per-symbol checks, per the spec's three Risk Gate rules.
type Gate struct {
	bus     *events.Bus
	account *account.State
	prices  PriceLookup

	maxTradeRiskFraction float64
	minConfidence        float64

	// portfolio, if set, is checked before any per-signal rule — it backs
	// the portfolio-wide daily-loss/daily-trade circuit breaker in
	// Manager.QuickCheck, a layer above the per-signal checks below.
	portfolio func() (allowed bool, reason string)
}

// SetPortfolioCheck wires a portfolio-level circuit breaker — such as
// Manager.QuickCheck — that Evaluate consults before its own three checks.
func (g *Gate) SetPortfolioCheck(check func() (allowed bool, reason string)) {
	g.portfolio = check
}

// NewGate wires a Gate to bus, account and a price lookup. Zero-valued
// maxTradeRiskFraction/minConfidence fall back to the package defaults.
func NewGate(bus *events.Bus, acct *account.State, prices PriceLookup, maxTradeRiskFraction, minConfidence float64) *Gate {
	if maxTradeRiskFraction <= 0 {
		maxTradeRiskFraction = MaxTradeRiskFraction
	}
	if minConfidence <= 0 {
		minConfidence = MinConfidenceForTrade
	}
	g := &Gate{
		bus:                  bus,
		account:              acct,
		prices:               prices,
		maxTradeRiskFraction: maxTradeRiskFraction,
		minConfidence:        minConfidence,
	}
	bus.Subscribe(events.SignalGenerated, g.handle)
	return g
}

func (g *Gate) handle(payload any) {
	sig, ok := payload.(signal.Signal)
	if !ok {
		return
	}
	g.Evaluate(sig)
}

// Evaluate runs the three Risk Gate checks against sig and, on pass,
// publishes ORDER_REQUEST; on reject it logs the reason and publishes
// nothing, per the spec's reject-signal contract.
func (g *Gate) Evaluate(sig signal.Signal) {
	if g.portfolio != nil {
		if allowed, reason := g.portfolio(); !allowed {
			g.reject(sig, reason)
			return
		}
	}

	balance := g.account.Balance()
	maxSize := balance * g.maxTradeRiskFraction
	if sig.PositionSize > maxSize {
		g.reject(sig, "position_size_exceeds_risk_fraction")
		return
	}
	if sig.Confidence < g.minConfidence {
		g.reject(sig, "confidence_below_minimum")
		return
	}
	if !g.account.TryReserve(sig.Symbol) {
		g.reject(sig, "position_already_pending")
		return
	}

	price, ok := g.prices(sig.Symbol)
	if !ok || price <= 0 {
		g.account.ReleaseReservation(sig.Symbol)
		g.reject(sig, "no_mark_price_available")
		return
	}

	side := common.SideSell
	if sig.Confidence > 0.5 {
		side = common.SideBuy
	}

	qty := sig.PositionSize / price
	order := common.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       side,
		Type:       common.OrderTypeMarket,
		Qty:        qty,
		Market:     common.MarketSpot,
		RiskAmount: sig.PositionSize,
	}
	g.bus.Publish(events.OrderRequest, order)
}

func (g *Gate) reject(sig signal.Signal, reason string) {
	log.Printf("risk_gate: reject signal=%s symbol=%s confidence=%.3f reason=%s",
		sig.ID, sig.Symbol, sig.Confidence, strings.ToLower(reason))
}
