package indicators

import (
	"hash/maphash"
	"math"

	"aegis-core/internal/ringbuf"
)

// fingerprintSeed is chosen at random once per process and then reused, so
// the same prefix of candles always hashes to the same value across calls
// within a process (but not across processes).
var fingerprintSeed = maphash.MakeSeed()

// fingerprintK is the number of leading candles hashed into the fingerprint.
// Hashing a prefix rather than the whole window is what makes the
// fingerprint stable as new candles are appended to the same series.
const fingerprintK = 10

// Fingerprint identifies a window's instrument/timeframe identity for the
// L1 cache key. It hashes the first fingerprintK candles only, so appending
// candles to the same series never changes it, but a different instrument
// or timeframe (different leading candles) always does.
func Fingerprint(window []ringbuf.Candle) uint64 {
	var h maphash.Hash
	h.SetSeed(fingerprintSeed)

	n := len(window)
	if n > fingerprintK {
		n = fingerprintK
	}
	var buf [8]byte
	for i := 0; i < n; i++ {
		c := window[i]
		putFloat(&buf, float64(c.TimestampMs))
		h.Write(buf[:])
		putFloat(&buf, c.Open)
		h.Write(buf[:])
		putFloat(&buf, c.High)
		h.Write(buf[:])
		putFloat(&buf, c.Low)
		h.Write(buf[:])
		putFloat(&buf, c.Close)
		h.Write(buf[:])
		putFloat(&buf, c.Volume)
		h.Write(buf[:])
	}
	return h.Sum64()
}

func putFloat(buf *[8]byte, f float64) {
	bits := math.Float64bits(f)
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
}
