package risk

import (
	"testing"

	"aegis-core/internal/account"
	"aegis-core/internal/events"
	"aegis-core/internal/signal"
	"aegis-core/pkg/exchanges/common"
)

func fixedPrice(price float64) PriceLookup {
	return func(string) (float64, bool) { return price, true }
}

func TestEvaluatePublishesOrderOnPass(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	gate := NewGate(bus, acct, fixedPrice(100), 0.02, 0.55)

	var got common.OrderRequest
	var published bool
	bus.Subscribe(events.OrderRequest, func(payload any) {
		got = payload.(common.OrderRequest)
		published = true
	})

	gate.Evaluate(signal.Signal{
		ID:           "sig-1",
		Symbol:       "BTCUSDT",
		Confidence:   0.9,
		PositionSize: 10, // 1% of balance, under the 2% cap
	})

	if !published {
		t.Fatal("expected an order to be published")
	}
	if got.Symbol != "BTCUSDT" {
		t.Fatalf("Symbol = %q, want BTCUSDT", got.Symbol)
	}
	if got.Side != common.SideBuy {
		t.Fatalf("Side = %q, want BUY for confidence > 0.5", got.Side)
	}
	if got.Qty != 0.1 {
		t.Fatalf("Qty = %v, want 0.1 (10/100)", got.Qty)
	}
	if got.RiskAmount != 10 {
		t.Fatalf("RiskAmount = %v, want the signal's position_size (10)", got.RiskAmount)
	}
	if !acct.HasActiveOrder("BTCUSDT") {
		t.Fatal("expected BTCUSDT to be reserved after a passed evaluation")
	}
}

func TestEvaluateRejectsPositionSizeExceedsRiskFraction(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	gate := NewGate(bus, acct, fixedPrice(100), 0.02, 0.55)

	published := false
	bus.Subscribe(events.OrderRequest, func(any) { published = true })

	gate.Evaluate(signal.Signal{
		Symbol:       "BTCUSDT",
		Confidence:   0.9,
		PositionSize: 30, // 3% of balance, over the 2% cap
	})

	if published {
		t.Fatal("expected no order for a position size over the risk fraction")
	}
	if acct.HasActiveOrder("BTCUSDT") {
		t.Fatal("a rejected signal must not leave a reservation behind")
	}
}

func TestEvaluateRejectsLowConfidence(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	gate := NewGate(bus, acct, fixedPrice(100), 0.02, 0.55)

	published := false
	bus.Subscribe(events.OrderRequest, func(any) { published = true })

	gate.Evaluate(signal.Signal{
		Symbol:       "BTCUSDT",
		Confidence:   0.50,
		PositionSize: 5,
	})

	if published {
		t.Fatal("expected no order below the confidence floor")
	}
}

func TestEvaluateRejectsWhenPositionAlreadyPending(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	gate := NewGate(bus, acct, fixedPrice(100), 0.02, 0.55)

	if !acct.TryReserve("BTCUSDT") {
		t.Fatal("setup: expected the first reservation to succeed")
	}

	published := false
	bus.Subscribe(events.OrderRequest, func(any) { published = true })

	gate.Evaluate(signal.Signal{
		Symbol:       "BTCUSDT",
		Confidence:   0.9,
		PositionSize: 5,
	})

	if published {
		t.Fatal("expected no order when a position is already pending for the symbol")
	}
}

func TestEvaluateRejectsAndReleasesReservationWhenNoPrice(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	noPrice := func(string) (float64, bool) { return 0, false }
	gate := NewGate(bus, acct, noPrice, 0.02, 0.55)

	published := false
	bus.Subscribe(events.OrderRequest, func(any) { published = true })

	gate.Evaluate(signal.Signal{
		Symbol:       "BTCUSDT",
		Confidence:   0.9,
		PositionSize: 5,
	})

	if published {
		t.Fatal("expected no order when no mark price is available")
	}
	if acct.HasActiveOrder("BTCUSDT") {
		t.Fatal("a missing-price rejection must release its reservation")
	}
}

func TestEvaluateHonorsPortfolioCheckBeforeOtherRules(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	gate := NewGate(bus, acct, fixedPrice(100), 0.02, 0.55)
	gate.SetPortfolioCheck(func() (bool, string) { return false, "daily_loss_limit_hit" })

	published := false
	bus.Subscribe(events.OrderRequest, func(any) { published = true })

	gate.Evaluate(signal.Signal{
		Symbol:       "BTCUSDT",
		Confidence:   0.95,
		PositionSize: 5, // would otherwise pass every per-signal check
	})

	if published {
		t.Fatal("expected the portfolio circuit breaker to block the order")
	}
	if acct.HasActiveOrder("BTCUSDT") {
		t.Fatal("a portfolio-level rejection must not reserve the symbol")
	}
}

func TestEvaluateSellSideForLowConfidencePass(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	gate := NewGate(bus, acct, fixedPrice(100), 0.02, 0.40)

	var got common.OrderRequest
	bus.Subscribe(events.OrderRequest, func(payload any) {
		got = payload.(common.OrderRequest)
	})

	gate.Evaluate(signal.Signal{
		Symbol:       "ETHUSDT",
		Confidence:   0.45,
		PositionSize: 5,
	})

	if got.Side != common.SideSell {
		t.Fatalf("Side = %q, want SELL for confidence <= 0.5", got.Side)
	}
}

func TestNewGateSubscribesToSignalGenerated(t *testing.T) {
	bus := events.NewBus()
	acct := account.New(nil, 1000)
	NewGate(bus, acct, fixedPrice(100), 0.02, 0.55)

	published := false
	bus.Subscribe(events.OrderRequest, func(any) { published = true })

	bus.Publish(events.SignalGenerated, signal.Signal{
		Symbol:       "BTCUSDT",
		Confidence:   0.9,
		PositionSize: 5,
	})

	if !published {
		t.Fatal("expected NewGate to wire Evaluate to SIGNAL_GENERATED via the bus")
	}
}
