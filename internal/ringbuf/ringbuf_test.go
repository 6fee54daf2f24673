package ringbuf

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(dir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Close()

	const n = 25
	for i := 0; i < n; i++ {
		b.Write(Candle{
			TimestampMs: 1700000000000 + int64(i)*60000,
			Open:        100 + float64(i),
			High:        105 + float64(i),
			Low:         95 + float64(i),
			Close:       102 + float64(i),
			Volume:      1000,
		}, 0)
	}

	if got := b.Pending(); got != n {
		t.Fatalf("Pending() = %d, want %d", got, n)
	}

	entries := b.ReadNew(func(LapEvent) { t.Fatal("unexpected lap") })
	if len(entries) != n {
		t.Fatalf("ReadNew returned %d entries, want %d", len(entries), n)
	}
	for i, e := range entries {
		want := 100 + float64(i)
		if e.Candle.Open != want {
			t.Fatalf("entry %d Open = %v, want %v (order not preserved)", i, e.Candle.Open, want)
		}
	}

	if b.Pending() != 0 {
		t.Fatalf("Pending() after full drain = %d, want 0", b.Pending())
	}
}

func TestReaderSkipsForwardWhenLapped(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(dir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer b.Close()

	// Simulate the feed writing far more than Slots candles while the reader
	// is paused.
	const total = Slots + 1234
	for i := 0; i < total; i++ {
		b.Write(Candle{TimestampMs: int64(i), Open: 1, High: 1, Low: 1, Close: 1, Volume: 0}, 0)
	}

	if pending := b.Pending(); pending <= Slots {
		t.Fatalf("Pending() = %d, want > %d for the lap to trigger", pending, Slots)
	}

	laps := 0
	entries := b.ReadNew(func(ev LapEvent) {
		laps++
		wantSkipped := uint64(total) - Slots + 1
		if ev.Skipped != wantSkipped {
			t.Fatalf("lap skipped = %d, want %d", ev.Skipped, wantSkipped)
		}
	})
	if laps != 1 {
		t.Fatalf("onLap invoked %d times, want exactly 1", laps)
	}
	if len(entries) != Slots-1 {
		t.Fatalf("entries after lap = %d, want %d (write_cursor - (write_cursor - Slots + 1))", len(entries), Slots-1)
	}
	if b.Pending() != 0 {
		t.Fatalf("Pending() after lap-drain = %d, want 0", b.Pending())
	}
}

func TestAttachMissingIsFatalCondition(t *testing.T) {
	dir := t.TempDir()
	if _, err := Attach(dir); err == nil {
		t.Fatal("Attach on empty dir should fail (attach-when-missing)")
	}
}

func TestAttachStructSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	b, err := Create(dir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b.Close()

	// Corrupt the candle region size to trigger the mismatch guard.
	if err := os.Truncate(filepath.Join(dir, CandleRegionName), Slots*candleBytes-1); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	if _, err := Attach(dir); err == nil {
		t.Fatal("Attach with mismatched region size should fail")
	}
}
