package features

import (
	"testing"
	"time"

	"aegis-core/internal/indicators"
	"aegis-core/internal/patterns"
	"aegis-core/internal/ringbuf"
)

func newEngine(t *testing.T) *indicators.Engine {
	t.Helper()
	eng, err := indicators.NewEngine(64, time.Minute, nil)
	if err != nil {
		t.Fatalf("indicators.NewEngine: %v", err)
	}
	return eng
}

func trendingWindow(n int, start float64) []ringbuf.Candle {
	out := make([]ringbuf.Candle, 0, n)
	price := start
	for i := 0; i < n; i++ {
		price += 1
		out = append(out, ringbuf.Candle{
			TimestampMs: int64(i) * 60_000,
			Open:        price - 0.5,
			High:        price + 1,
			Low:         price - 1,
			Close:       price,
			Volume:      100,
		})
	}
	return out
}

func TestExtractReturnsZeroVectorBelowMinWindow(t *testing.T) {
	eng := newEngine(t)
	window := trendingWindow(MinWindow-1, 100)

	got := Extract("BTCUSDT", window, nil, eng)

	if got != (Vector{}) {
		t.Fatalf("Extract() = %+v, want the zero vector for a too-short window", got)
	}
}

func TestExtractMarketStructureFollowsStructureBreak(t *testing.T) {
	eng := newEngine(t)
	window := trendingWindow(60, 100)

	bullish := Extract("BTCUSDT", window, []patterns.Pattern{
		patterns.StructureBreak{Side: patterns.Bullish, Level: 150},
	}, eng)
	bearish := Extract("BTCUSDT", window, []patterns.Pattern{
		patterns.StructureBreak{Side: patterns.Bearish, Level: 150},
	}, eng)
	none := Extract("BTCUSDT", window, nil, eng)

	if bullish.MarketStructure != 1 {
		t.Fatalf("MarketStructure = %v, want 1 for a bullish break of structure", bullish.MarketStructure)
	}
	if bearish.MarketStructure != -1 {
		t.Fatalf("MarketStructure = %v, want -1 for a bearish break of structure", bearish.MarketStructure)
	}
	if none.MarketStructure != 0 {
		t.Fatalf("MarketStructure = %v, want 0 with no break detected", none.MarketStructure)
	}
}

func TestExtractInstitutionalCandleIsBodyOverATR(t *testing.T) {
	eng := newEngine(t)
	window := trendingWindow(30, 100)

	got := Extract("BTCUSDT", window, nil, eng)

	last := window[len(window)-1]
	atr := eng.ATR("BTCUSDT", window, 14).Value
	want := (last.Close - last.Open) / atr
	if want > 1 {
		want = 1
	}
	if got.InstitutionalCandle != want {
		t.Fatalf("InstitutionalCandle = %v, want body/ATR = %v", got.InstitutionalCandle, want)
	}
}

func TestExtractCountsOrderBlocksAndClipsToOne(t *testing.T) {
	eng := newEngine(t)
	window := trendingWindow(30, 100)

	pats := make([]patterns.Pattern, 0, 10)
	for i := 0; i < 10; i++ {
		pats = append(pats, patterns.OrderBlock{Side: patterns.Bullish, ReferencePrice: 100, StrengthInATR: 1})
	}

	got := Extract("BTCUSDT", window, pats, eng)

	if got.OrderBlocksCount != 1 {
		t.Fatalf("OrderBlocksCount = %v, want 1 (clipped from 10/5)", got.OrderBlocksCount)
	}
}

func TestExtractLiquidityGrabSetFromSweepPattern(t *testing.T) {
	eng := newEngine(t)
	window := trendingWindow(30, 100)

	withSweep := Extract("BTCUSDT", window, []patterns.Pattern{
		patterns.LiquiditySweep{Side: patterns.Bearish, Level: 100, DistanceInATR: 1},
	}, eng)
	withoutSweep := Extract("BTCUSDT", window, nil, eng)

	if withSweep.LiquidityGrab != 1 {
		t.Fatalf("LiquidityGrab = %v, want 1 with a sweep present", withSweep.LiquidityGrab)
	}
	if withoutSweep.LiquidityGrab != 0 {
		t.Fatalf("LiquidityGrab = %v, want 0 with no sweep", withoutSweep.LiquidityGrab)
	}
}

func TestSliceMatchesNamesOrderAndLength(t *testing.T) {
	v := Vector{
		MarketStructure:     1,
		OrderBlocksCount:    2,
		InstitutionalCandle: 3,
		LiquidityGrab:       4,
		FVGSizeATR:          5,
		FVGProximity:        6,
		OBProximity:         7,
		ATRNormalizedVolume: 8,
		RSI14:               9,
		MomentumATR:         10,
		TimeToNextLevel:     11,
		ConfidenceEnsemble:  12,
	}

	slice := v.Slice()
	if len(slice) != len(Names) {
		t.Fatalf("len(Slice()) = %d, len(Names) = %d, want equal", len(slice), len(Names))
	}
	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	for i, w := range want {
		if slice[i] != w {
			t.Fatalf("Slice()[%d] (%s) = %v, want %v", i, Names[i], slice[i], w)
		}
	}
}

func TestProximityScoreMapsMissingPatternToZero(t *testing.T) {
	if got := proximityScore(-1); got != 0 {
		t.Fatalf("proximityScore(-1) = %v, want 0", got)
	}
	if got := proximityScore(0); got != 1 {
		t.Fatalf("proximityScore(0) = %v, want 1 (zero distance is maximal closeness)", got)
	}
}

func TestConfidenceEnsembleIsClippedToUnitInterval(t *testing.T) {
	v := Vector{
		MarketStructure: 1,
		LiquidityGrab:   1,
		FVGSizeATR:      1,
		MomentumATR:     1,
	}

	got := confidenceEnsemble(v, 2.0)

	if got < 0 || got > 1 {
		t.Fatalf("confidenceEnsemble() = %v, want within [0,1]", got)
	}
}

func TestConfidenceEnsembleNeutralBaselineAndSignedStructure(t *testing.T) {
	if got := confidenceEnsemble(Vector{}, 0); got != 0.5 {
		t.Fatalf("confidenceEnsemble(zero vector) = %v, want the neutral 0.5 baseline", got)
	}

	up := confidenceEnsemble(Vector{MarketStructure: 1}, 0)
	down := confidenceEnsemble(Vector{MarketStructure: -1}, 0)
	const eps = 1e-12
	if absf(up-0.6) > eps {
		t.Fatalf("confidenceEnsemble(bullish structure) = %v, want 0.6", up)
	}
	if absf(down-0.4) > eps {
		t.Fatalf("confidenceEnsemble(bearish structure) = %v, want 0.4", down)
	}
}
