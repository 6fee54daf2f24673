// Package features converts an OHLCV window plus its detected patterns into
// the fixed-order 12-dimensional feature vector the Scorer expects.
// Positional order is part of the public contract: a change in field order
// breaks every downstream consumer, so Slice() must always emit the names
// in the order they're declared in Vector.
package features

import (
	"aegis-core/internal/indicators"
	"aegis-core/internal/patterns"
	"aegis-core/internal/ringbuf"
)

// MinWindow is the minimum window length the extractor needs
// to produce a non-zero vector. Below it, Extract returns the zero vector
// explicitly rather than an undefined partial one.
const MinWindow = 5

// Vector is the frozen 12-scalar feature set, in contract order.
type Vector struct {
	MarketStructure     float64
	OrderBlocksCount    float64
	InstitutionalCandle float64
	LiquidityGrab       float64
	FVGSizeATR          float64
	FVGProximity        float64
	OBProximity         float64
	ATRNormalizedVolume float64
	RSI14               float64
	MomentumATR         float64
	TimeToNextLevel     float64
	ConfidenceEnsemble  float64
}

// Slice returns the vector in the frozen positional order.
func (v Vector) Slice() []float64 {
	return []float64{
		v.MarketStructure,
		v.OrderBlocksCount,
		v.InstitutionalCandle,
		v.LiquidityGrab,
		v.FVGSizeATR,
		v.FVGProximity,
		v.OBProximity,
		v.ATRNormalizedVolume,
		v.RSI14,
		v.MomentumATR,
		v.TimeToNextLevel,
		v.ConfidenceEnsemble,
	}
}

// Names mirrors Slice's order, for logging and model-file introspection.
var Names = []string{
	"market_structure", "order_blocks_count", "institutional_candle",
	"liquidity_grab", "fvg_size_atr", "fvg_proximity", "ob_proximity",
	"atr_normalized_volume", "rsi_14", "momentum_atr", "time_to_next_level",
	"confidence_ensemble",
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Extract builds the feature vector for symbol from window and its
// detected patterns, using ind for RSI/ATR. A window shorter than
// MinWindow produces the explicit zero vector.
func Extract(symbol string, window []ringbuf.Candle, pats []patterns.Pattern, ind *indicators.Engine) Vector {
	if len(window) < MinWindow {
		return Vector{}
	}

	last := window[len(window)-1]
	atr := ind.ATR(symbol, window, 14).Value
	if atr == 0 {
		atr = 1
	}

	rsi := ind.RSI(symbol, window, 14).Value / 100.0

	lookback := 5
	if lookback >= len(window) {
		lookback = len(window) - 1
	}
	var momentum float64
	if lookback > 0 {
		prior := window[len(window)-1-lookback]
		momentum = clip((last.Close-prior.Close)/atr, -2, 2) / 2
	}

	// market_structure follows the Pattern Detector's break-of-structure
	// verdict (bullish 1, bearish -1, none 0), not a moving-average signal.
	structure := 0.0
	var obCount int
	var strongestOB float64
	var strongestFVG float64
	var nearestFVGDist = -1.0
	var nearestOBDist = -1.0
	var hasLiquidityGrab bool
	var nearestLevelDist = -1.0

	for _, p := range pats {
		switch v := p.(type) {
		case patterns.OrderBlock:
			obCount++
			if v.StrengthInATR > strongestOB {
				strongestOB = v.StrengthInATR
			}
			d := absf(last.Close-v.ReferencePrice) / atr
			if nearestOBDist < 0 || d < nearestOBDist {
				nearestOBDist = d
			}
		case patterns.FVG:
			if v.SizeInATR > strongestFVG {
				strongestFVG = v.SizeInATR
			}
			mid := (v.Start + v.End) / 2
			d := absf(last.Close-mid) / atr
			if nearestFVGDist < 0 || d < nearestFVGDist {
				nearestFVGDist = d
			}
		case patterns.LiquiditySweep:
			hasLiquidityGrab = true
		case patterns.StructureBreak:
			if v.Side == patterns.Bullish {
				structure = 1
			} else {
				structure = -1
			}
			d := absf(last.Close-v.Level) / atr
			if nearestLevelDist < 0 || d < nearestLevelDist {
				nearestLevelDist = d
			}
		}
	}

	// institutional_candle is the last candle's body in ATR units, capped at
	// 1 — a continuous strength reading, not the Order Block detector's
	// volume-gated strong-candle test.
	institutional := clip(absf(last.Close-last.Open)/atr, 0, 1)

	volMA := rollingVolumeMean(window, 20)
	atrNormVolume := 0.0
	if volMA > 0 {
		atrNormVolume = clip(last.Volume/volMA, 0, 3) / 3
	}

	liquidityGrab := 0.0
	if hasLiquidityGrab {
		liquidityGrab = 1
	}

	fvgProximity := proximityScore(nearestFVGDist)
	obProximity := proximityScore(nearestOBDist)
	timeToNextLevel := proximityScore(nearestLevelDist)

	v := Vector{
		MarketStructure:     structure,
		OrderBlocksCount:    clip(float64(obCount)/5, 0, 1),
		InstitutionalCandle: institutional,
		LiquidityGrab:       liquidityGrab,
		FVGSizeATR:          clip(strongestFVG, 0, 5) / 5,
		FVGProximity:        fvgProximity,
		OBProximity:         obProximity,
		ATRNormalizedVolume: atrNormVolume,
		RSI14:               clip(rsi, 0, 1),
		MomentumATR:         momentum,
		TimeToNextLevel:     timeToNextLevel,
	}
	v.ConfidenceEnsemble = confidenceEnsemble(v, strongestOB)
	return v
}

// proximityScore turns an ATR-normalized distance into a [0,1] closeness
// score; -1 (no pattern found) maps to 0.
func proximityScore(distInATR float64) float64 {
	if distInATR < 0 {
		return 0
	}
	return clip(1/(1+distInATR), 0, 1)
}

func rollingVolumeMean(window []ringbuf.Candle, n int) float64 {
	start := len(window) - n
	if start < 0 {
		start = 0
	}
	sum := 0.0
	count := 0
	for i := start; i < len(window); i++ {
		sum += window[i].Volume
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// confidenceEnsemble is the deterministic heuristic combination defined by
// the spec: a sensible default confidence when no learned model is
// available. It starts from a neutral 0.5 baseline and shifts by the
// signed structure direction, with flat bonuses for the stronger pattern
// signals. obStrengthATR is the strongest detected order block's body in
// ATR units, which isn't a Vector field of its own.
func confidenceEnsemble(v Vector, obStrengthATR float64) float64 {
	c := 0.5
	c += 0.10 * v.MarketStructure
	if v.LiquidityGrab > 0 {
		c += 0.15
	}
	if v.FVGSizeATR > 0.2 { // raw gap size > 1 ATR on the /5-normalized scale
		c += 0.10
	}
	if obStrengthATR > 1.5 {
		c += 0.10
	}
	if absf(v.MomentumATR) > 0.5 { // momentum already halved, so raw |momentum|>1
		c += 0.05
	}
	return clip(c, 0, 1)
}
