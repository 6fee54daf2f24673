// Package firewall implements the strict input sanitization every tick must
// pass before it becomes a Candle, applied both at feed ingestion and again
// immediately before downstream processing (defence in depth).
package firewall

import (
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"aegis-core/internal/ringbuf"
)

// RejectReason categorizes why a tick was rejected, used both for the
// rate-limited poison-pill log and for tests asserting on cause.
type RejectReason string

const (
	ReasonMissingField   RejectReason = "missing_field"
	ReasonNotFinite      RejectReason = "not_finite"
	ReasonNonPositive    RejectReason = "non_positive_price"
	ReasonNegativeVolume RejectReason = "negative_volume"
	ReasonOHLCInvalid    RejectReason = "ohlc_invalid"
	ReasonTimestampOOR   RejectReason = "timestamp_out_of_range"
)

// RejectError is returned by Validate on rejection; the category is part of
// its contract so callers can log or count by reason.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("firewall: rejected (%s): %s", e.Reason, e.Detail)
}

// aliases lists the accepted key spellings per field.
var aliases = map[string][]string{
	"t": {"t", "T", "timestamp"},
	"o": {"o", "O", "open"},
	"h": {"h", "H", "high"},
	"l": {"l", "L", "low"},
	"c": {"c", "C", "close"},
	"v": {"v", "V", "volume"},
}

const maxLookbackDays = 30
const maxLookaheadMinutes = 5

// Firewall validates raw ticks into canonical Candles and rate-limits its
// rejection logging per reason code.
type Firewall struct {
	limiters map[RejectReason]*rate.Limiter
}

// New builds a Firewall whose poison-pill log line is rate-limited to
// eventsPerSecond per rejection category.
func New(eventsPerSecond float64) *Firewall {
	if eventsPerSecond <= 0 {
		eventsPerSecond = 1
	}
	fw := &Firewall{limiters: make(map[RejectReason]*rate.Limiter)}
	for _, r := range []RejectReason{
		ReasonMissingField, ReasonNotFinite, ReasonNonPositive,
		ReasonNegativeVolume, ReasonOHLCInvalid, ReasonTimestampOOR,
	} {
		fw.limiters[r] = rate.NewLimiter(rate.Limit(eventsPerSecond), 1)
	}
	return fw
}

// Validate checks field presence, finiteness, price positivity, volume
// sign, OHLC ordering and timestamp plausibility against now as process
// wall clock, returning the canonical Candle on acceptance.
func (f *Firewall) Validate(tick map[string]any, now time.Time) (ringbuf.Candle, error) {
	values := make(map[string]float64, 6)
	for field, keys := range aliases {
		raw, ok := lookup(tick, keys)
		if !ok {
			return f.reject(ReasonMissingField, fmt.Sprintf("field %q absent under any alias", field))
		}
		v, ok := coerceFinite(raw)
		if !ok {
			return f.reject(ReasonNotFinite, fmt.Sprintf("field %q is not a finite number", field))
		}
		values[field] = v
	}

	open, high, low, close, volume := values["o"], values["h"], values["l"], values["c"], values["v"]

	if open <= 0 || high <= 0 || low <= 0 || close <= 0 {
		return f.reject(ReasonNonPositive, "prices must be strictly positive")
	}
	if volume < 0 {
		return f.reject(ReasonNegativeVolume, "volume must be non-negative")
	}
	if !(low <= open && open <= high) || !(low <= close && close <= high) || !(low <= high) {
		return f.reject(ReasonOHLCInvalid, fmt.Sprintf("low=%v open=%v high=%v close=%v violates low<=open<=high, low<=close<=high", low, open, high, close))
	}

	tsMs := int64(values["t"])
	ts := time.UnixMilli(tsMs)
	lowerBound := now.AddDate(0, 0, -maxLookbackDays)
	upperBound := now.Add(maxLookaheadMinutes * time.Minute)
	if ts.Before(lowerBound) || ts.After(upperBound) {
		return f.reject(ReasonTimestampOOR, fmt.Sprintf("timestamp %s outside [%s, %s]", ts, lowerBound, upperBound))
	}

	return ringbuf.Candle{
		TimestampMs: tsMs,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       close,
		Volume:      volume,
	}, nil
}

func (f *Firewall) reject(reason RejectReason, detail string) (ringbuf.Candle, error) {
	if lim, ok := f.limiters[reason]; ok && lim.Allow() {
		log.Printf("poison_pill: reason=%s detail=%s", reason, detail)
	}
	return ringbuf.Candle{}, &RejectError{Reason: reason, Detail: detail}
}

func lookup(tick map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := tick[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func coerceFinite(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// CandleToTick is the inverse mapping used to test canonicalization
// idempotence: validating a round-tripped candle must reproduce it exactly.
func CandleToTick(c ringbuf.Candle) map[string]any {
	return map[string]any{
		"t": float64(c.TimestampMs),
		"o": c.Open,
		"h": c.High,
		"l": c.Low,
		"c": c.Close,
		"v": c.Volume,
	}
}
