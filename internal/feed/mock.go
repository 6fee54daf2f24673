package feed

import (
	"context"
	"math/rand"
	"sync"
	"time"

	market "aegis-core/pkg/market/binance"
)

// MockSource generates synthetic klines via a simple random walk, for local
// development without an exchange connection. It satisfies KlineSource, so
// the Runtime drives it exactly like the real stream client and every
// generated tick still passes through the firewall.
type MockSource struct {
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

// SubscribeKlines emits one synthetic kline per Interval for symbol until
// ctx is canceled or the returned stop function is called.
func (m *MockSource) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan market.Kline, func(), error) {
	price := m.StartPrice
	if price <= 0 {
		price = 100.0
	}
	step := m.Step
	if step <= 0 {
		step = 0.5
	}
	tick := m.Interval
	if tick <= 0 {
		tick = time.Second
	}

	out := make(chan market.Kline, 8)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(stopCh) }) }

	go func() {
		defer close(out)
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-t.C:
				open := price
				price += (rand.Float64()*2 - 1) * step
				// Keep the walk strictly positive so the firewall never
				// rejects a synthetic candle on price sign.
				if price < step {
					price = step
				}
				hi, lo := open, price
				if lo > hi {
					hi, lo = lo, hi
				}
				k := market.Kline{
					Symbol:   symbol,
					OpenTime: time.Now().UnixMilli(),
					Open:     open,
					High:     hi + step/4,
					Low:      lo - step/4,
					Close:    price,
					Volume:   50 + rand.Float64()*100,
				}
				if k.Low <= 0 {
					k.Low = lo / 2
				}
				select {
				case out <- k:
				default:
				}
			}
		}
	}()

	return out, stop, nil
}
