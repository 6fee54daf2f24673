package indicators

import (
	"testing"

	"aegis-core/internal/ringbuf"
)

func seedCandles(n int) []ringbuf.Candle {
	out := make([]ringbuf.Candle, n)
	for i := 0; i < n; i++ {
		p := 100 + float64(i)
		out[i] = ringbuf.Candle{TimestampMs: int64(i) * 60_000, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10}
	}
	return out
}

func TestFingerprintStableAsSeriesGrows(t *testing.T) {
	base := seedCandles(fingerprintK)
	extended := append(append([]ringbuf.Candle{}, base...), seedCandles(5)...)

	if Fingerprint(base) != Fingerprint(extended) {
		t.Fatal("Fingerprint should be unaffected by candles appended after the leading prefix")
	}
}

func TestFingerprintDiffersForDifferentLeadingCandles(t *testing.T) {
	a := seedCandles(fingerprintK)
	b := seedCandles(fingerprintK)
	b[0].Close = 999

	if Fingerprint(a) == Fingerprint(b) {
		t.Fatal("Fingerprint should differ when a leading candle differs")
	}
}

func TestFingerprintHandlesWindowShorterThanK(t *testing.T) {
	short := seedCandles(3)

	got := Fingerprint(short)

	if got != Fingerprint(short) {
		t.Fatal("Fingerprint should be deterministic for a short window")
	}
}

func TestFingerprintEmptyWindow(t *testing.T) {
	if got := Fingerprint(nil); got != Fingerprint(nil) {
		t.Fatalf("Fingerprint(nil) should be deterministic, got %d and %d", got, got)
	}
}
