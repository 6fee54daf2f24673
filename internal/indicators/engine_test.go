package indicators

import (
	"math"
	"testing"
	"time"

	"aegis-core/internal/ringbuf"
)

type fakeL2 struct {
	sets int
}

func (f *fakeL2) Get(string) (Result, bool)         { return Result{}, false }
func (f *fakeL2) Set(string, Result, time.Duration) { f.sets++ }

func newTestEngine(t *testing.T, l2 L2Cache) *Engine {
	t.Helper()
	eng, err := NewEngine(64, time.Minute, l2)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func TestRSIDegradesToZeroBelowUsablePeriod(t *testing.T) {
	eng := newTestEngine(t, nil)
	window := seedCandles(1)

	got := eng.RSI("BTCUSDT", window, 14)

	if got.Value != 0 || got.PeriodActuallyUsed != 0 {
		t.Fatalf("RSI() = %+v, want the zero result for a single-candle window", got)
	}
}

func TestATRDegradesToZeroBelowUsablePeriod(t *testing.T) {
	eng := newTestEngine(t, nil)
	window := seedCandles(1)

	got := eng.ATR("BTCUSDT", window, 14)

	if got.Value != 0 || got.PeriodActuallyUsed != 0 {
		t.Fatalf("ATR() = %+v, want the zero result for a single-candle window", got)
	}
}

func TestMACDDegradesToZeroBelowUsableLength(t *testing.T) {
	eng := newTestEngine(t, nil)
	window := seedCandles(5)

	got := eng.MACD("BTCUSDT", window, 12, 26, 9)

	if got.Value != 0 {
		t.Fatalf("MACD() = %+v, want a zero value below slow+signal candles", got)
	}
	if got.PeriodActuallyUsed != len(window) {
		t.Fatalf("PeriodActuallyUsed = %d, want %d", got.PeriodActuallyUsed, len(window))
	}
}

func TestBBandsWidthDegradesToZeroBelowTwoCandles(t *testing.T) {
	eng := newTestEngine(t, nil)
	window := seedCandles(1)

	got := eng.BBandsWidth("BTCUSDT", window, 20, 2)

	if got.Value != 0 {
		t.Fatalf("BBandsWidth() = %+v, want a zero value for a single-candle window", got)
	}
}

func TestADXDegradesToZeroBelowUsablePeriod(t *testing.T) {
	eng := newTestEngine(t, nil)
	window := seedCandles(1)

	got := eng.ADX("BTCUSDT", window, 14)

	if got.Value != 0 {
		t.Fatalf("ADX() = %+v, want a zero value well below 2*period+1 candles", got)
	}
}

func TestEMAEmptyWindowReturnsZeroResult(t *testing.T) {
	eng := newTestEngine(t, nil)

	got := eng.EMA("BTCUSDT", 10, nil)

	if got.Value != 0 || got.PeriodActuallyUsed != 0 {
		t.Fatalf("EMA() = %+v, want the zero result for an empty window", got)
	}
}

func TestEMAUsesIncrementalRecurrenceOnAppend(t *testing.T) {
	eng := newTestEngine(t, nil)
	const period = 10
	const symbol = "BTCUSDT"

	window := seedCandles(30)
	base := eng.EMA(symbol, period, window)

	appended := append(append([]ringbuf.Candle(nil), window...), ringbuf.Candle{
		TimestampMs: 30 * 60_000, Open: 130, High: 131, Low: 129, Close: 130, Volume: 10,
	})
	got := eng.EMA(symbol, period, appended)

	// The appended candle must be folded into the cached terminal value via
	// the recurrence, not recomputed from scratch.
	alpha := 2.0 / (float64(period) + 1)
	want := 130*alpha + base.Value*(1-alpha)
	if got.Value != want {
		t.Fatalf("EMA() = %v, want %v from the incremental recurrence", got.Value, want)
	}
	if got.PeriodActuallyUsed != period {
		t.Fatalf("PeriodActuallyUsed = %d, want %d", got.PeriodActuallyUsed, period)
	}
}

func TestEMAStaysIncrementalOnSlidingCappedWindow(t *testing.T) {
	eng := newTestEngine(t, nil)
	const period = 20
	const windowCap = 100
	const symbol = "BTCUSDT"

	candles := seedCandles(windowCap + 1)
	eng.EMA(symbol, period, candles[:windowCap])
	base := eng.EMAStats()

	// The caller's window has hit its cap: the next call drops the oldest
	// candle and appends one, so the length never changes. The terminal
	// candle of the prior call is still in the tail, so this must step the
	// recurrence once rather than recompute.
	eng.EMA(symbol, period, candles[1:])

	stats := eng.EMAStats()
	if stats.EMAIncrementalSteps != base.EMAIncrementalSteps+1 {
		t.Fatalf("EMAIncrementalSteps = %d, want %d after one slide", stats.EMAIncrementalSteps, base.EMAIncrementalSteps+1)
	}
	if stats.EMAFullRecomputes != base.EMAFullRecomputes {
		t.Fatalf("EMAFullRecomputes = %d, want unchanged %d", stats.EMAFullRecomputes, base.EMAFullRecomputes)
	}
}

func TestEMAPeriodOneTracksInputExactly(t *testing.T) {
	eng := newTestEngine(t, nil)
	window := seedCandles(30)

	got := eng.EMA("BTCUSDT", 1, window)

	// With period 1, alpha is 1 and the EMA is just the input series: the
	// terminal value must equal the last close, bit for bit.
	if want := window[len(window)-1].Close; got.Value != want {
		t.Fatalf("EMA(period=1) = %v, want the last close %v unchanged", got.Value, want)
	}
	if got.PeriodActuallyUsed != 1 {
		t.Fatalf("PeriodActuallyUsed = %d, want 1", got.PeriodActuallyUsed)
	}
}

func TestEMAAppendTakesExactlyOneIncrementalStep(t *testing.T) {
	eng := newTestEngine(t, nil)
	const period = 20
	window := seedCandles(100)

	eng.EMA("BTCUSDT", period, window)
	base := eng.EMAStats()
	if base.EMAFullRecomputes != 1 || base.EMAIncrementalSteps != 0 {
		t.Fatalf("after first call: stats = %+v, want one full recompute and no incremental steps", base)
	}

	appended := append(append([]ringbuf.Candle(nil), window...), ringbuf.Candle{
		TimestampMs: int64(100) * 60_000, Open: 200, High: 201, Low: 199, Close: 200.5, Volume: 100,
	})
	incr := eng.EMA("BTCUSDT", period, appended)

	stats := eng.EMAStats()
	if stats.EMAIncrementalSteps != 1 {
		t.Fatalf("EMAIncrementalSteps = %d, want exactly 1 after a single append", stats.EMAIncrementalSteps)
	}
	if stats.EMAFullRecomputes != 1 {
		t.Fatalf("EMAFullRecomputes = %d, want still 1 (the append must reuse the cached terminal value)", stats.EMAFullRecomputes)
	}

	// The incremental result must agree with a from-scratch recompute on a
	// fresh engine to within 1 ulp of the float ops involved.
	fresh := newTestEngine(t, nil)
	full := fresh.EMA("BTCUSDT", period, appended)
	ulp := math.Nextafter(full.Value, math.Inf(1)) - full.Value
	if diff := math.Abs(incr.Value - full.Value); diff > ulp {
		t.Fatalf("incremental EMA %v differs from full recompute %v by %v (> 1 ulp)", incr.Value, full.Value, diff)
	}
}

func TestEMASlopeZeroBelowTwoCandles(t *testing.T) {
	eng := newTestEngine(t, nil)

	if got := eng.EMASlope("BTCUSDT", 10, seedCandles(1)); got != 0 {
		t.Fatalf("EMASlope() = %v, want 0 for a window shorter than 2", got)
	}
}

func TestCacheHitAvoidsRecomputationOnIdenticalCall(t *testing.T) {
	fl2 := &fakeL2{}
	eng := newTestEngine(t, fl2)
	window := seedCandles(30)

	eng.RSI("BTCUSDT", window, 14)
	eng.RSI("BTCUSDT", window, 14)

	if fl2.sets != 1 {
		t.Fatalf("L2 Set calls = %d, want 1 (second call should be served from L1)", fl2.sets)
	}
}

func TestCacheMissForDifferentParams(t *testing.T) {
	fl2 := &fakeL2{}
	eng := newTestEngine(t, fl2)
	window := seedCandles(30)

	eng.RSI("BTCUSDT", window, 14)
	eng.RSI("BTCUSDT", window, 21)

	if fl2.sets != 2 {
		t.Fatalf("L2 Set calls = %d, want 2 for two distinct periods", fl2.sets)
	}
}
