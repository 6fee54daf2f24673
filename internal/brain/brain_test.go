package brain

import (
	"context"
	"testing"
	"time"

	"aegis-core/internal/events"
	"aegis-core/internal/indicators"
	"aegis-core/internal/ringbuf"
	"aegis-core/internal/scorer"
	"aegis-core/internal/signal"
)

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	ind, err := indicators.NewEngine(64, time.Minute, nil)
	if err != nil {
		t.Fatalf("indicators.NewEngine: %v", err)
	}
	if cfg.Symbols == nil {
		cfg.Symbols = []string{"BTCUSDT"}
	}
	return NewRuntime(nil, events.NewBus(), ind, scorer.Heuristic{}, nil, nil, cfg)
}

func trendingCandle(i int, start float64) ringbuf.Candle {
	price := start + float64(i)
	return ringbuf.Candle{
		TimestampMs: int64(i) * 60_000,
		Open:        price - 0.5,
		High:        price + 1,
		Low:         price - 1,
		Close:       price,
		Volume:      100,
	}
}

func TestLatestPriceReturnsFalseForUnknownSymbol(t *testing.T) {
	rt := newTestRuntime(t, Config{})

	_, ok := rt.LatestPrice("BTCUSDT")

	if ok {
		t.Fatal("expected no price before any candle has been ingested")
	}
}

func TestLatestPriceReturnsMostRecentClose(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rt.ingest(ctx, "BTCUSDT", trendingCandle(i, 100))
	}

	price, ok := rt.LatestPrice("BTCUSDT")
	if !ok {
		t.Fatal("expected a price after ingesting candles")
	}
	if want := trendingCandle(9, 100).Close; price != want {
		t.Fatalf("LatestPrice() = %v, want %v", price, want)
	}
}

func TestLatestPatternsEmptyBeforeEvaluate(t *testing.T) {
	rt := newTestRuntime(t, Config{})

	if got := rt.LatestPatterns("BTCUSDT"); got != nil {
		t.Fatalf("LatestPatterns() = %v, want nil before any evaluation", got)
	}
}

func TestEvaluatePublishesSignalAboveThreshold(t *testing.T) {
	rt := newTestRuntime(t, Config{WarmupDuration: time.Hour})
	// Force every evaluation over the bar for this test; Config's
	// zero-value guards would otherwise reset an explicit 0 back to the
	// package defaults.
	rt.confidenceThreshold = 0.01
	rt.confidenceThresholdPermissive = 0.01
	ctx := context.Background()

	var got signal.Signal
	var published bool
	rt.bus.Subscribe(events.SignalGenerated, func(payload any) {
		got = payload.(signal.Signal)
		published = true
	})

	for i := 0; i < SteadyStateMinWindow+5; i++ {
		rt.ingest(ctx, "BTCUSDT", trendingCandle(i, 100))
	}
	rt.evaluate("BTCUSDT")

	if !published {
		t.Fatal("expected a signal to be published once the window clears the minimum length")
	}
	if got.Symbol != "BTCUSDT" {
		t.Fatalf("Symbol = %q, want BTCUSDT", got.Symbol)
	}
}

func TestEvaluateSkipsBelowMinWindow(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	ctx := context.Background()

	published := false
	rt.bus.Subscribe(events.SignalGenerated, func(any) { published = true })

	// Fewer candles than WarmupMinWindow, the lower of the two floors:
	// evaluate must return early regardless of warm-up state.
	for i := 0; i < WarmupMinWindow-1; i++ {
		rt.ingest(ctx, "BTCUSDT", trendingCandle(i, 100))
	}
	rt.evaluate("BTCUSDT")

	if published {
		t.Fatal("expected no signal below the minimum window length")
	}
}

func TestAppendWindowTrimsToMaxWindow(t *testing.T) {
	rt := newTestRuntime(t, Config{})

	for i := 0; i < MaxWindow+20; i++ {
		rt.appendWindow("BTCUSDT", trendingCandle(i, 100))
	}

	if got := len(rt.windows["BTCUSDT"]); got != MaxWindow {
		t.Fatalf("len(windows) = %d, want %d", got, MaxWindow)
	}
	// The oldest candles should have been dropped, keeping only the trailing
	// MaxWindow entries.
	want := trendingCandle(MaxWindow+20-1, 100).Close
	got := rt.windows["BTCUSDT"][len(rt.windows["BTCUSDT"])-1].Close
	if got != want {
		t.Fatalf("last candle Close = %v, want %v", got, want)
	}
}

// TestDrainEmitsSignalOnStronglyTrendingFeed drives the full reader path:
// candles written to a real ring buffer, drained, windowed, detected,
// extracted, scored, published. A strongly rising 25-candle series must
// leave RSI(14) overbought and clear the permissive confidence bar.
func TestDrainEmitsSignalOnStronglyTrendingFeed(t *testing.T) {
	buf, err := ringbuf.Create(t.TempDir())
	if err != nil {
		t.Fatalf("ringbuf.Create: %v", err)
	}
	defer buf.Close()

	ind, err := indicators.NewEngine(64, time.Minute, nil)
	if err != nil {
		t.Fatalf("indicators.NewEngine: %v", err)
	}
	bus := events.NewBus()
	rt := NewRuntime(buf, bus, ind, scorer.Heuristic{}, nil, nil, Config{
		Symbols:        []string{"BTCUSDT"},
		WarmupDuration: time.Hour, // keep the permissive threshold active
	})

	var got signal.Signal
	published := false
	bus.Subscribe(events.SignalGenerated, func(payload any) {
		got = payload.(signal.Signal)
		published = true
	})

	// Strong impulsive candles: large bodies, rising closes and volume, so
	// order blocks and liquidity sweeps are both detectable downstream.
	// Timestamps are recent so the reader-side firewall accepts them.
	base := time.Now().Add(-25 * time.Minute).UnixMilli()
	price := 100.0
	for i := 0; i < 25; i++ {
		open := price
		price += 5
		buf.Write(ringbuf.Candle{
			TimestampMs: base + int64(i)*60_000,
			Open:        open,
			High:        price + 1,
			Low:         open - 1,
			Close:       price,
			Volume:      1000 + 200*float64(i),
		}, 0)
	}

	rt.drain(context.Background())

	if !published {
		t.Fatal("expected a signal from a 25-candle strongly trending feed")
	}
	if got.Confidence <= 0.3 {
		t.Fatalf("Confidence = %v, want > 0.3", got.Confidence)
	}
	if len(rt.windows["BTCUSDT"]) != 25 {
		t.Fatalf("window length = %d, want 25", len(rt.windows["BTCUSDT"]))
	}
	rsi := ind.RSI("BTCUSDT", rt.windows["BTCUSDT"], 14)
	if rsi.Value <= 70 {
		t.Fatalf("RSI(14) = %v on a monotonically rising series, want > 70", rsi.Value)
	}
}

type fakeBackfiller struct {
	candles []ringbuf.Candle
	calls   int
}

func (f *fakeBackfiller) Backfill(ctx context.Context, symbol string, fromMs, toMs int64) ([]ringbuf.Candle, error) {
	f.calls++
	return f.candles, nil
}

func TestIngestBackfillsOnDetectedGap(t *testing.T) {
	ind, err := indicators.NewEngine(64, time.Minute, nil)
	if err != nil {
		t.Fatalf("indicators.NewEngine: %v", err)
	}
	fb := &fakeBackfiller{candles: []ringbuf.Candle{
		{TimestampMs: 60_000, Close: 101},
		{TimestampMs: 120_000, Close: 102},
	}}
	rt := NewRuntime(nil, events.NewBus(), ind, scorer.Heuristic{}, nil, fb, Config{Symbols: []string{"BTCUSDT"}})

	ctx := context.Background()
	rt.ingest(ctx, "BTCUSDT", ringbuf.Candle{TimestampMs: 0, Close: 100})
	rt.ingest(ctx, "BTCUSDT", ringbuf.Candle{TimestampMs: 300_000, Close: 105}) // a 5-minute gap

	if fb.calls != 1 {
		t.Fatalf("Backfill calls = %d, want 1", fb.calls)
	}
	if len(rt.windows["BTCUSDT"]) != 4 { // initial + 2 backfilled + the gap-closing candle
		t.Fatalf("len(windows) = %d, want 4", len(rt.windows["BTCUSDT"]))
	}
}

func TestIngestDoesNotBackfillSmallGaps(t *testing.T) {
	fb := &fakeBackfiller{candles: []ringbuf.Candle{{TimestampMs: 60_000, Close: 101}}}
	ind, err := indicators.NewEngine(64, time.Minute, nil)
	if err != nil {
		t.Fatalf("indicators.NewEngine: %v", err)
	}
	rt := NewRuntime(nil, events.NewBus(), ind, scorer.Heuristic{}, nil, fb, Config{Symbols: []string{"BTCUSDT"}})

	ctx := context.Background()
	rt.ingest(ctx, "BTCUSDT", ringbuf.Candle{TimestampMs: 0, Close: 100})
	rt.ingest(ctx, "BTCUSDT", ringbuf.Candle{TimestampMs: 60_000, Close: 101}) // exactly one normal step

	if fb.calls != 0 {
		t.Fatalf("Backfill calls = %d, want 0 for a one-step gap", fb.calls)
	}
}
