// Package feed implements the writer-side runtime that subscribes to
// exchange kline streams, validates every tick through the firewall,
// conflates updates per symbol, and flushes the latest known candle for
// each symbol into the shared-memory ring buffer on a fixed cadence. It is
// the only process role that calls ringbuf.Create/Write.
package feed

import (
	"context"
	"log"
	"time"

	"aegis-core/internal/events"
	"aegis-core/internal/firewall"
	"aegis-core/internal/ringbuf"
	market "aegis-core/pkg/market/binance"
)

// FlushInterval is the fixed cadence at which the conflation buffer is
// drained into the ring buffer; a symbol with no new tick since the last
// flush is simply skipped that cycle.
const FlushInterval = 100 * time.Millisecond

// KlineSource abstracts the exchange stream for a single symbol;
// market.StreamClient.SubscribeKlines satisfies it.
type KlineSource interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan market.Kline, func(), error)
}

// Runtime subscribes to one kline stream per configured symbol and drives
// the shared ring buffer.
type Runtime struct {
	source   KlineSource
	fw       *firewall.Firewall
	buf      *ringbuf.Buffer
	bus      *events.Bus
	interval string

	symbolIDs map[string]uint16

	mu     chan struct{} // binary semaphore guarding latest below
	latest map[string]ringbuf.Candle
}

// NewRuntime builds a feed Runtime. symbols fixes the SymbolID assignment
// (index in the slice) shared out of band with the brain process's config.
func NewRuntime(source KlineSource, fw *firewall.Firewall, buf *ringbuf.Buffer, bus *events.Bus, interval string, symbols []string) *Runtime {
	ids := make(map[string]uint16, len(symbols))
	for i, s := range symbols {
		ids[s] = uint16(i)
	}
	r := &Runtime{
		source:    source,
		fw:        fw,
		buf:       buf,
		bus:       bus,
		interval:  interval,
		symbolIDs: ids,
		mu:        make(chan struct{}, 1),
		latest:    make(map[string]ringbuf.Candle),
	}
	r.mu <- struct{}{}
	return r
}

// Run subscribes to every configured symbol's kline stream and flushes
// conflated candles into the ring buffer until ctx is canceled.
func (r *Runtime) Run(ctx context.Context) {
	for symbol, id := range r.symbolIDs {
		go r.consume(ctx, symbol, id)
	}

	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Runtime) consume(ctx context.Context, symbol string, id uint16) {
	klines, stop, err := r.source.SubscribeKlines(ctx, symbol, r.interval)
	if err != nil {
		log.Printf("feed: subscribe %s failed: %v", symbol, err)
		return
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-klines:
			if !ok {
				return
			}
			r.ingest(symbol, k)
		}
	}
}

func (r *Runtime) ingest(symbol string, k market.Kline) {
	tick := map[string]any{
		"t": float64(k.OpenTime),
		"o": k.Open,
		"h": k.High,
		"l": k.Low,
		"c": k.Close,
		"v": k.Volume,
	}
	candle, err := r.fw.Validate(tick, time.Now())
	if err != nil {
		return // rejection is already logged (rate-limited) inside Validate
	}

	<-r.mu
	r.latest[symbol] = candle
	r.mu <- struct{}{}

	if r.bus != nil {
		r.bus.Publish(events.TickUpdate, events.SymbolCandle{Symbol: symbol, Candle: candle})
	}
}

// flush writes every symbol's most recently validated candle (if any new
// one arrived since the last flush) into the ring buffer and clears the
// conflation slot.
func (r *Runtime) flush() {
	<-r.mu
	pending := r.latest
	r.latest = make(map[string]ringbuf.Candle, len(pending))
	r.mu <- struct{}{}

	for symbol, candle := range pending {
		id, ok := r.symbolIDs[symbol]
		if !ok {
			continue
		}
		r.buf.Write(candle, id)
	}
}
