package events

import "aegis-core/internal/ringbuf"

// SymbolCandle pairs a validated candle with the symbol it belongs to, the
// payload shape published on TickUpdate.
type SymbolCandle struct {
	Symbol string
	Candle ringbuf.Candle
}

// Topic enumerates the in-process pub/sub topics used by the core. There is
// no delivery guarantee across process boundaries — the bus is intentionally
// single-process.
type Topic string

const (
	TickUpdate      Topic = "TICK_UPDATE"
	SignalGenerated Topic = "SIGNAL_GENERATED"
	OrderRequest    Topic = "ORDER_REQUEST"
	OrderFilled     Topic = "ORDER_FILLED"

	// RiskAlert is an ambient operational topic; no component in this
	// module publishes or subscribes to it.
	RiskAlert Topic = "risk_alert"
)
