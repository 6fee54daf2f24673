// Command brain runs the reader side of the ring buffer: it drains
// candles, runs pattern detection, feature extraction and confidence
// scoring, and drives the Risk Gate, Position Monitor and Account State
// from the resulting signal/order/fill event stream.
package main

import (
	"context"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"aegis-core/internal/account"
	"aegis-core/internal/brain"
	"aegis-core/internal/events"
	"aegis-core/internal/indicators"
	"aegis-core/internal/persistence"
	"aegis-core/internal/posmonitor"
	"aegis-core/internal/ringbuf"
	"aegis-core/internal/risk"
	"aegis-core/internal/scorer"
	"aegis-core/pkg/cache"
	"aegis-core/pkg/config"
	"aegis-core/pkg/db"
	"aegis-core/pkg/exchanges/common"
	market "aegis-core/pkg/market/binance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("brain: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("brain: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buf, err := ringbuf.Attach(cfg.RingBufferDir)
	if err != nil {
		log.Fatalf("brain: attach ring buffer: %v", err)
	}
	defer buf.Close()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("brain: open db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("brain: apply migrations: %v", err)
	}

	acct := account.New(database, cfg.DryRunInitialBalance)
	if err := acct.Load(ctx); err != nil {
		log.Fatalf("brain: load account state: %v", err)
	}

	riskMgr, err := risk.NewManager(database.DB)
	if err != nil {
		log.Fatalf("brain: load risk manager: %v", err)
	}

	ind, err := indicators.NewEngine(512, time.Minute, nil)
	if err != nil {
		log.Fatalf("brain: new indicator engine: %v", err)
	}

	sc := scorer.Scorer(scorer.Heuristic{})

	rotateBytes := int64(cfg.PersistenceRotateMB) * 1024 * 1024
	exp, err := persistence.NewNDJSONWriter(cfg.ExperienceBufferDir, "experience", rotateBytes)
	if err != nil {
		log.Fatalf("brain: open experience buffer: %v", err)
	}
	defer exp.Close()

	tradeLog, err := persistence.NewNDJSONWriter(cfg.TradeRecordDir, "trades", rotateBytes)
	if err != nil {
		log.Fatalf("brain: open trade record log: %v", err)
	}
	defer tradeLog.Close()

	rt := brain.NewRuntime(buf, bus, ind, sc, exp, backfillerFor(cfg), brain.Config{
		Symbols:                       cfg.BinanceSymbols,
		ConfidenceThreshold:           cfg.ConfidenceThreshold,
		ConfidenceThresholdPermissive: cfg.ConfidenceThresholdPermissive,
		MaxTradeRiskFraction:          cfg.MaxTradeRiskFraction,
		WarmupDuration:                time.Duration(cfg.WarmupMinutes) * time.Minute,
		PollInterval:                  200 * time.Millisecond,
		Balance:                       acct.Balance,
	})

	// fillPrices backstops rt.LatestPrice for a symbol whose fill just
	// reserved a position before the next candle lands in its window.
	fillPrices := cache.NewShardedPriceCache()
	priceLookup := func(symbol string) (float64, bool) {
		if p, ok := rt.LatestPrice(symbol); ok {
			return p, true
		}
		return fillPrices.Get(symbol)
	}

	// The Risk Gate and Position Monitor read prices from the Brain
	// Runtime's own per-symbol windows; SIGNAL_GENERATED is always
	// published synchronously from within Runtime.drain's goroutine, so
	// rt.LatestPrice is safe to call from the Gate's subscriber here.
	gate := risk.NewGate(bus, acct, priceLookup, cfg.MaxTradeRiskFraction, 0)
	gate.SetPortfolioCheck(func() (bool, string) {
		qr := riskMgr.QuickCheck()
		return qr.Allowed, qr.Reason
	})

	monitor := posmonitor.NewMonitor(account.OrderIDLookup{State: acct}, cfg.RiskKillThreshold)
	monitor.SetRescorer(func(symbol string) (posmonitor.Assessment, bool) {
		feats, confidence, ok := rt.Rescore(symbol)
		if !ok {
			return posmonitor.Assessment{}, false
		}
		return posmonitor.Assessment{Confidence: confidence, MarketStructure: feats.MarketStructure}, true
	})

	// pendingRisk carries a signal's risk-capped position_size from the
	// order the Risk Gate just published to the fill that settles it, so
	// the Position Monitor can size PnL against risk instead of raw price;
	// the bus invokes subscribers in registration order within one publish
	// call, so this subscriber always records RiskAmount before any
	// executor (not modeled here) could settle the same symbol's fill.
	var riskMu sync.Mutex
	pendingRisk := make(map[string]float64)
	bus.Subscribe(events.OrderRequest, func(payload any) {
		order, ok := payload.(common.OrderRequest)
		if !ok || order.RiskAmount <= 0 {
			return
		}
		riskMu.Lock()
		pendingRisk[order.Symbol] = order.RiskAmount
		riskMu.Unlock()
	})

	bus.Subscribe(events.OrderFilled, func(payload any) {
		fill, ok := payload.(common.Fill)
		if !ok {
			return
		}
		qty := fill.Qty
		if fill.Side == common.SideSell {
			qty = -qty
		}
		trade, err := acct.ApplyFill(ctx, fill.ExchangeOrderID, fill.Symbol, string(fill.Side), fill.Qty, fill.Price)
		if err != nil {
			log.Printf("brain: apply fill failed for %s: %v", fill.Symbol, err)
			return
		}
		_ = tradeLog.Append(trade)
		fillPrices.Set(fill.Symbol, fill.Price)
		if err := riskMgr.UpdateMetrics(risk.TradeResult{
			Symbol: fill.Symbol,
			Side:   string(fill.Side),
			Size:   trade.Qty,
			Price:  trade.FillPrice,
			Fee:    trade.Commission,
		}); err != nil {
			log.Printf("brain: update risk metrics failed for %s: %v", fill.Symbol, err)
		}
		riskMu.Lock()
		riskAmount := pendingRisk[fill.Symbol]
		delete(pendingRisk, fill.Symbol)
		riskMu.Unlock()
		if riskAmount <= 0 {
			// No signal context recorded (e.g. a position discovered at
			// startup): fall back to the position's notional so hard-kill
			// still has a nonzero denominator.
			riskAmount = trade.Qty * trade.FillPrice
		}
		monitor.Open(posmonitor.Position{
			Symbol:            fill.Symbol,
			Side:              sideFor(qty),
			EntryPrice:        trade.FillPrice,
			Qty:               trade.Qty,
			OrderID:           trade.OrderID,
			EntryAt:           trade.FilledAt,
			InitialRiskAmount: riskAmount,
		})
	})

	go runPositionMonitor(ctx, cfg, priceLookup, rt, acct, monitor, bus)
	go runDailyMetricsReset(ctx, riskMgr)

	log.Printf("brain: started, symbols=%v ring_buffer_dir=%s", cfg.BinanceSymbols, cfg.RingBufferDir)
	rt.Run(ctx)
	log.Println("brain: shutting down")
}

// runPositionMonitor ticks every open position on the configured cadence
// and turns a close Decision into a reduce-only ORDER_REQUEST.
func runPositionMonitor(ctx context.Context, cfg *config.Config, prices risk.PriceLookup, rt *brain.Runtime, acct *account.State, monitor *posmonitor.Monitor, bus *events.Bus) {
	interval := time.Duration(cfg.PositionMonitorTickInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for symbol, qty := range acct.Positions() {
				if qty == 0 || !monitor.Has(symbol) {
					continue
				}
				price, ok := prices(symbol)
				if !ok {
					continue
				}
				decision := monitor.Tick(symbol, price, rt.LatestPatterns(symbol))
				if !decision.Close {
					continue
				}
				if decision.Reason == posmonitor.ReasonOCOCleanup {
					// The exchange already closed the position; only local
					// state is cleaned up, no second close order is sent.
					log.Printf("posmonitor: %s closed by exchange-side OCO, cleaning up", symbol)
					monitor.Close(symbol)
					continue
				}
				side := common.SideSell
				if qty < 0 {
					side = common.SideBuy
				}
				bus.Publish(events.OrderRequest, common.OrderRequest{
					Symbol:     symbol,
					Side:       side,
					Type:       common.OrderTypeMarket,
					Qty:        absQty(qty),
					ReduceOnly: true,
					Market:     common.MarketSpot,
				})
				log.Printf("posmonitor: closing %s reason=%s price=%.8f", symbol, decision.Reason, decision.ClosePrice)
				monitor.Close(symbol)
			}
		}
	}
}

// runDailyMetricsReset rolls the risk manager's in-memory daily counters
// over at each UTC day boundary; UpdateMetrics' own DB-side aggregation is
// already keyed by date, so only the in-memory running totals need resetting.
func runDailyMetricsReset(ctx context.Context, riskMgr *risk.Manager) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			riskMgr.ResetDailyMetrics()
		}
	}
}

func absQty(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func backfillerFor(cfg *config.Config) brain.KlineBackfiller {
	if cfg.UseMockFeed || cfg.DryRun {
		return nil
	}
	return &market.RestBackfiller{
		Client:   market.NewClient(cfg.BinanceAPIKey, cfg.BinanceAPISecret, cfg.BinanceTestnet),
		Interval: "1m",
	}
}

func sideFor(qty float64) posmonitor.Side {
	if qty < 0 {
		return posmonitor.Short
	}
	return posmonitor.Long
}
