// Command feed runs the writer side of the ring buffer: it connects to the
// exchange, validates every tick through the firewall, and flushes the
// latest candle per symbol into shared memory on a fixed cadence.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"aegis-core/internal/events"
	"aegis-core/internal/feed"
	"aegis-core/internal/firewall"
	"aegis-core/internal/ringbuf"
	"aegis-core/pkg/config"
	"aegis-core/pkg/exchanges/common"
	market "aegis-core/pkg/market/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("feed: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("feed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf, err := ringbuf.Create(cfg.RingBufferDir)
	if err != nil {
		log.Fatalf("feed: create ring buffer: %v", err)
	}
	defer buf.Close()

	bus := events.NewBus()
	fw := firewall.New(1)

	var source feed.KlineSource
	if cfg.UseMockFeed {
		source = &feed.MockSource{StartPrice: 100, Step: 0.8, Interval: time.Second}
		log.Println("feed: mock feed active, no exchange connection")
	} else {
		rest := market.NewClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet)
		timeSync := common.NewTimeSync(rest.GetServerTime)
		timeSync.Start(ctx)
		source = market.NewStreamClient(cfg.BinanceTestnet)
	}
	runtime := feed.NewRuntime(source, fw, buf, bus, "1m", cfg.BinanceSymbols)

	log.Printf("feed: started, symbols=%v ring_buffer_dir=%s", cfg.BinanceSymbols, cfg.RingBufferDir)
	runtime.Run(ctx)
	log.Println("feed: shutting down")
}
