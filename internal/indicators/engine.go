// Package indicators computes technical indicators over per-symbol OHLCV
// windows, with a two-level cache (in-memory LRU+TTL, optional pluggable L2)
// so repeated requests for the same window/parameters are free.
package indicators

import (
	"fmt"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	talib "github.com/markcheno/go-talib"

	"aegis-core/internal/ringbuf"
)

// Result wraps a computed indicator value together with the period that was
// actually usable, since a short window degrades gracefully rather than
// erroring.
type Result struct {
	Value              float64
	PeriodActuallyUsed int
}

// L2Cache is an optional second-tier cache an Engine can be given; a process
// that doesn't configure one gets noopL2, which always misses.
type L2Cache interface {
	Get(key string) (Result, bool)
	Set(key string, r Result, ttl time.Duration)
}

type noopL2 struct{}

func (noopL2) Get(string) (Result, bool)         { return Result{}, false }
func (noopL2) Set(string, Result, time.Duration) {}

type cacheKey struct {
	symbol      string
	name        string
	params      string
	fingerprint uint64
	windowLen   int
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

type emaKey struct {
	symbol string
	period int
}

// emaState remembers the terminal candle an EMA value was computed on, so a
// later call over the same series can step the recurrence forward from it
// instead of recomputing. The terminal candle is identified by timestamp and
// close together, since conflated feeds can re-emit a timestamp.
type emaState struct {
	lastValue  float64
	lastTs     int64
	lastClose  float64
	fullPeriod bool // the cached value saw at least `period` candles
}

// maxIncrementalSteps bounds how far forward the EMA recurrence is stepped
// from a cached terminal value before a full recompute is cheaper and safer.
const maxIncrementalSteps = 50

// Stats counts how the engine arrived at its results, exposed so callers
// (and tests) can verify an append was served by the incremental recurrence
// rather than a silent full recompute.
type Stats struct {
	EMAIncrementalSteps uint64
	EMAFullRecomputes   uint64
}

// Engine is safe for concurrent use; the indicator cache is the one piece of
// state shared across symbols besides Account State.
type Engine struct {
	mu sync.Mutex

	l1  *lru.Cache[cacheKey, cacheEntry]
	l2  L2Cache
	ttl time.Duration

	emaStates map[emaKey]*emaState
	stats     Stats
}

// NewEngine builds an engine with an L1 cache of the given capacity and TTL.
// Pass a nil l2 to use the no-op implementation.
func NewEngine(l1Capacity int, ttl time.Duration, l2 L2Cache) (*Engine, error) {
	if l1Capacity <= 0 {
		l1Capacity = 512
	}
	cache, err := lru.New[cacheKey, cacheEntry](l1Capacity)
	if err != nil {
		return nil, fmt.Errorf("indicators: new lru: %w", err)
	}
	if l2 == nil {
		l2 = noopL2{}
	}
	return &Engine{
		l1:        cache,
		l2:        l2,
		ttl:       ttl,
		emaStates: make(map[emaKey]*emaState),
	}, nil
}

func closesOf(window []ringbuf.Candle) []float64 {
	out := make([]float64, len(window))
	for i, c := range window {
		out[i] = c.Close
	}
	return out
}

func hlc(window []ringbuf.Candle) (high, low, close []float64) {
	high = make([]float64, len(window))
	low = make([]float64, len(window))
	close = make([]float64, len(window))
	for i, c := range window {
		high[i], low[i], close[i] = c.High, c.Low, c.Close
	}
	return
}

// lookupCache checks L1 then L2, in that order, for a non-expired entry.
func (e *Engine) lookupCache(key cacheKey, textKey string) (Result, bool) {
	if entry, ok := e.l1.Get(key); ok && time.Now().Before(entry.expiresAt) {
		return entry.result, true
	}
	if r, ok := e.l2.Get(textKey); ok {
		return r, true
	}
	return Result{}, false
}

func (e *Engine) storeCache(key cacheKey, textKey string, r Result) {
	e.l1.Add(key, cacheEntry{result: r, expiresAt: time.Now().Add(e.ttl)})
	e.l2.Set(textKey, r, e.ttl)
}

func (e *Engine) textKey(k cacheKey) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", k.symbol, k.name, k.params, k.fingerprint, k.windowLen)
}

// RSI returns the Relative Strength Index over window's closes for the given
// period, serving from cache when the fingerprint matches a prior call.
func (e *Engine) RSI(symbol string, window []ringbuf.Candle, period int) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cacheKey{symbol: symbol, name: "rsi", params: fmt.Sprintf("p=%d", period), fingerprint: Fingerprint(window), windowLen: len(window)}
	if r, ok := e.lookupCache(key, e.textKey(key)); ok {
		return r
	}

	closes := closesOf(window)
	used := period
	if len(closes) <= period {
		used = len(closes) - 1
	}
	if used < 1 {
		r := Result{Value: 0, PeriodActuallyUsed: 0}
		e.storeCache(key, e.textKey(key), r)
		return r
	}
	vals := talib.Rsi(closes, used)
	var v float64
	if len(vals) > 0 {
		v = vals[len(vals)-1]
	}
	r := Result{Value: v, PeriodActuallyUsed: used}
	e.storeCache(key, e.textKey(key), r)
	return r
}

// MACD returns the MACD line value for the given fast/slow/signal periods.
func (e *Engine) MACD(symbol string, window []ringbuf.Candle, fast, slow, signal int) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cacheKey{symbol: symbol, name: "macd", params: fmt.Sprintf("%d-%d-%d", fast, slow, signal), fingerprint: Fingerprint(window), windowLen: len(window)}
	if r, ok := e.lookupCache(key, e.textKey(key)); ok {
		return r
	}

	closes := closesOf(window)
	if len(closes) < slow+signal {
		r := Result{Value: 0, PeriodActuallyUsed: len(closes)}
		e.storeCache(key, e.textKey(key), r)
		return r
	}
	macd, _, _ := talib.Macd(closes, fast, slow, signal)
	var v float64
	if len(macd) > 0 {
		v = macd[len(macd)-1]
	}
	r := Result{Value: v, PeriodActuallyUsed: slow}
	e.storeCache(key, e.textKey(key), r)
	return r
}

// BBandsWidth returns (upper-lower)/middle, the normalized Bollinger Band
// width, for the given period and standard-deviation multiplier.
func (e *Engine) BBandsWidth(symbol string, window []ringbuf.Candle, period int, stdDev float64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cacheKey{symbol: symbol, name: "bbands_width", params: fmt.Sprintf("%d-%.2f", period, stdDev), fingerprint: Fingerprint(window), windowLen: len(window)}
	if r, ok := e.lookupCache(key, e.textKey(key)); ok {
		return r
	}

	closes := closesOf(window)
	used := period
	if len(closes) < period {
		used = len(closes)
	}
	if used < 2 {
		r := Result{Value: 0, PeriodActuallyUsed: used}
		e.storeCache(key, e.textKey(key), r)
		return r
	}
	upper, middle, lower := talib.BBands(closes, used, stdDev, stdDev, talib.SMA)
	var v float64
	if n := len(upper); n > 0 && middle[n-1] != 0 {
		v = (upper[n-1] - lower[n-1]) / middle[n-1]
	}
	r := Result{Value: v, PeriodActuallyUsed: used}
	e.storeCache(key, e.textKey(key), r)
	return r
}

// EMA computes the exponential moving average for (symbol, period). If a
// prior call for this key ended on a candle still present in the trailing
// maxIncrementalSteps of window, the recurrence is stepped forward from that
// cached value — one step per appended candle — instead of recomputing from
// scratch, which keeps the hot path cheap even once the caller's window has
// reached its cap and slides instead of growing. Any other shape (different
// series, rewind, first call, short window) triggers a full recompute
// through talib.Ema and reseeds the recurrence state.
func (e *Engine) EMA(symbol string, period int, window []ringbuf.Candle) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	closes := closesOf(window)
	used := period
	if len(closes) < period {
		used = len(closes)
	}
	if used < 1 {
		delete(e.emaStates, emaKey{symbol: symbol, period: period})
		return Result{Value: 0, PeriodActuallyUsed: 0}
	}

	k := emaKey{symbol: symbol, period: period}
	if st, ok := e.emaStates[k]; ok && st.fullPeriod && len(closes) >= period {
		for delta := 1; delta <= maxIncrementalSteps && delta < len(window); delta++ {
			i := len(window) - 1 - delta
			if window[i].TimestampMs != st.lastTs || window[i].Close != st.lastClose {
				continue
			}
			alpha := 2.0 / (float64(period) + 1)
			val := st.lastValue
			for j := i + 1; j < len(window); j++ {
				val = window[j].Close*alpha + val*(1-alpha)
			}
			st.lastValue = val
			st.lastTs = window[len(window)-1].TimestampMs
			st.lastClose = window[len(window)-1].Close
			e.stats.EMAIncrementalSteps += uint64(delta)
			return Result{Value: val, PeriodActuallyUsed: period}
		}
	}

	e.stats.EMAFullRecomputes++
	vals := talib.Ema(closes, used)
	var v float64
	if len(vals) > 0 {
		v = vals[len(vals)-1]
	}
	e.emaStates[k] = &emaState{
		lastValue:  v,
		lastTs:     window[len(window)-1].TimestampMs,
		lastClose:  window[len(window)-1].Close,
		fullPeriod: len(closes) >= period,
	}
	return Result{Value: v, PeriodActuallyUsed: used}
}

// ATR returns the Wilder-smoothed Average True Range over window for the
// given period, used throughout the pattern/feature layers to normalize
// price magnitudes so they're scale-free across symbols.
func (e *Engine) ATR(symbol string, window []ringbuf.Candle, period int) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cacheKey{symbol: symbol, name: "atr", params: fmt.Sprintf("p=%d", period), fingerprint: Fingerprint(window), windowLen: len(window)}
	if r, ok := e.lookupCache(key, e.textKey(key)); ok {
		return r
	}

	high, low, closes := hlc(window)
	used := period
	if len(closes) <= period {
		used = len(closes) - 1
	}
	if used < 1 {
		r := Result{Value: 0, PeriodActuallyUsed: 0}
		e.storeCache(key, e.textKey(key), r)
		return r
	}
	vals := talib.Atr(high, low, closes, used)
	var v float64
	if len(vals) > 0 {
		v = vals[len(vals)-1]
	}
	r := Result{Value: v, PeriodActuallyUsed: used}
	e.storeCache(key, e.textKey(key), r)
	return r
}

// ADX returns the Average Directional Index over window for the given
// period. +DM/-DM follow the canonical definitions and are Wilder-smoothed
// with alpha = 1/period, matching the spec's formula exactly rather than
// relying on a library's particular initialization convention.
func (e *Engine) ADX(symbol string, window []ringbuf.Candle, period int) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := cacheKey{symbol: symbol, name: "adx", params: fmt.Sprintf("p=%d", period), fingerprint: Fingerprint(window), windowLen: len(window)}
	if r, ok := e.lookupCache(key, e.textKey(key)); ok {
		return r
	}

	high, low, closes := hlc(window)
	used := period
	if len(closes) < 2*period+1 {
		used = (len(closes) - 1) / 2
	}
	if used < 1 {
		r := Result{Value: 0, PeriodActuallyUsed: 0}
		e.storeCache(key, e.textKey(key), r)
		return r
	}

	v := wilderADX(high, low, closes, used)
	r := Result{Value: v, PeriodActuallyUsed: used}
	e.storeCache(key, e.textKey(key), r)
	return r
}

// wilderADX computes ADX via the canonical +DM/-DM/TR Wilder recurrence:
// +DM_t = max(0, high_t-high_{t-1}) when it exceeds low_{t-1}-low_t (and
// symmetrically for -DM), smoothed with alpha=1/period, then DX=|+DI--DI|/
// (+DI+-DI) smoothed the same way to produce ADX.
func wilderADX(high, low, close []float64, period int) float64 {
	n := len(high)
	if n < period+1 {
		return 0
	}
	alpha := 1.0 / float64(period)

	var smoothTR, smoothPlusDM, smoothMinusDM float64
	for i := 1; i <= period; i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		plusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		minusDM := 0.0
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(high[i], low[i], close[i-1])
		smoothTR += tr
		smoothPlusDM += plusDM
		smoothMinusDM += minusDM
	}

	var dxSum, adx float64
	dxCount := 0
	for i := period + 1; i < n; i++ {
		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		plusDM := 0.0
		if upMove > downMove && upMove > 0 {
			plusDM = upMove
		}
		minusDM := 0.0
		if downMove > upMove && downMove > 0 {
			minusDM = downMove
		}
		tr := trueRange(high[i], low[i], close[i-1])

		smoothTR = smoothTR*(1-alpha) + tr
		smoothPlusDM = smoothPlusDM*(1-alpha) + plusDM
		smoothMinusDM = smoothMinusDM*(1-alpha) + minusDM

		if smoothTR == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM / smoothTR
		minusDI := 100 * smoothMinusDM / smoothTR
		denom := plusDI + minusDI
		if denom == 0 {
			continue
		}
		dx := 100 * math.Abs(plusDI-minusDI) / denom
		if dxCount < period {
			// Seed ADX with the mean of the first period DX values.
			dxSum += dx
			dxCount++
			adx = dxSum / float64(dxCount)
			continue
		}
		adx = adx*(1-alpha) + dx*alpha
	}
	if dxCount == 0 {
		return 0
	}
	return adx
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if v := math.Abs(high - prevClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - prevClose); v > tr {
		tr = v
	}
	return tr
}

// EMAStats returns a snapshot of the incremental/full EMA computation
// counters.
func (e *Engine) EMAStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// EMASlope reports the fractional change of the EMA over its last step,
// (ema_t-ema_{t-1})/ema_{t-1}.
func (e *Engine) EMASlope(symbol string, period int, window []ringbuf.Candle) float64 {
	if len(window) < 2 {
		return 0
	}
	curr := e.EMA(symbol, period, window)
	prev := e.EMA(symbol, period, window[:len(window)-1])
	if prev.Value == 0 {
		return 0
	}
	return (curr.Value - prev.Value) / prev.Value
}
