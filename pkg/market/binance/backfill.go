package market

import (
	"context"

	"aegis-core/internal/ringbuf"
)

// RestBackfiller adapts Client.GetKlines to brain.KlineBackfiller, so a gap
// detected in the live candle stream can be closed from REST history.
type RestBackfiller struct {
	Client   *Client
	Interval string
}

// Backfill fetches klines for symbol strictly between fromMs and toMs.
func (b *RestBackfiller) Backfill(ctx context.Context, symbol string, fromMs, toMs int64) ([]ringbuf.Candle, error) {
	klines, err := b.Client.GetKlines(symbol, b.Interval, 100, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	out := make([]ringbuf.Candle, 0, len(klines))
	for _, k := range klines {
		if k.OpenTime <= fromMs || k.OpenTime >= toMs {
			continue
		}
		out = append(out, ringbuf.Candle{
			TimestampMs: k.OpenTime,
			Open:        k.Open,
			High:        k.High,
			Low:         k.Low,
			Close:       k.Close,
			Volume:      k.Volume,
		})
	}
	return out, nil
}
