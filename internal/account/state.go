// Package account holds the single authoritative in-memory record of
// balance, positions and trades (the spec's Account State), adapted from
// the teacher's separate balance and position managers into one struct
// under one lock, since the spec requires exactly one mutation path and one
// read accessor for balance.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis-core/pkg/db"
)

// CommissionRate is deducted from balance on every fill, per the spec's
// flat 0.1% of notional.
const CommissionRate = 0.001

// Trade is an append-only record of one fill.
type Trade struct {
	ID         string
	OrderID    string
	Symbol     string
	Side       string
	Qty        float64
	FillPrice  float64
	Commission float64
	FilledAt   time.Time
}

// State is the authoritative in-memory account record. Every mutation goes
// through mu; mu is never held across network or disk I/O (the DB calls
// below happen after the critical section is released). This is the only
// mutation path; GetBalance-equivalents must use the exported accessors.
type State struct {
	mu sync.Mutex

	db *db.Database

	balance      float64
	positions    map[string]float64 // symbol -> signed quantity
	trades       []Trade
	activeOrders map[string]bool // symbols with a pending, unfilled order
}

// New creates an Account State seeded with initialBalance. database may be
// nil for a pure in-memory (dry-run) account.
func New(database *db.Database, initialBalance float64) *State {
	return &State{
		db:           database,
		balance:      initialBalance,
		positions:    make(map[string]float64),
		activeOrders: make(map[string]bool),
	}
}

// Load seeds in-memory positions from the database on startup.
func (s *State) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	pos, err := s.db.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("account: load positions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pos {
		s.positions[p.Symbol] = p.Qty
	}
	return nil
}

// Balance is the single read accessor for the balance field.
func (s *State) Balance() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// Position returns the signed quantity currently held for symbol.
func (s *State) Position(symbol string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[symbol]
}

// Positions returns a snapshot copy of every held position, suitable for
// handing to the Position Monitor (which never touches live state
// directly).
func (s *State) Positions() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// HasActiveOrder reports whether symbol already has a pending, unfilled
// order, used by the Risk Gate's "no pending position in this symbol" rule.
func (s *State) HasActiveOrder(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeOrders[symbol]
}

// TryReserve marks symbol as having an active order iff none is already
// pending, atomically with the check, so two concurrent risk-gate
// evaluations for the same symbol can't both pass.
func (s *State) TryReserve(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeOrders[symbol] {
		return false
	}
	s.activeOrders[symbol] = true
	return true
}

// ReleaseReservation clears a pending-order mark without a fill, used when
// an order is rejected or canceled upstream.
func (s *State) ReleaseReservation(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeOrders, symbol)
}

// ApplyFill is the only mutation path triggered by ORDER_FILLED: it updates
// the position, deducts commission, and appends the trade record, all
// under one critical section. A fill that would drive balance negative is
// an account-state invariant violation and is refused rather than applied.
func (s *State) ApplyFill(ctx context.Context, orderID, symbol, side string, qty, price float64) (Trade, error) {
	notional := qty * price
	commission := notional * CommissionRate

	s.mu.Lock()
	newBalance := s.balance - commission
	if newBalance < 0 {
		s.mu.Unlock()
		return Trade{}, fmt.Errorf("account: invariant violation: fill would drive balance to %.8f", newBalance)
	}

	signed := qty
	if side == "SELL" {
		signed = -qty
	}
	s.balance = newBalance
	s.positions[symbol] += signed
	position := s.positions[symbol]
	delete(s.activeOrders, symbol)

	trade := Trade{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		FillPrice:  price,
		Commission: commission,
		FilledAt:   time.Now(),
	}
	s.trades = append(s.trades, trade)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.UpsertPosition(ctx, db.Position{Symbol: symbol, Qty: position, AvgPrice: price}); err != nil {
			return trade, fmt.Errorf("account: persist position: %w", err)
		}
		if err := s.db.CreateTrade(ctx, db.Trade{
			ID: trade.ID, OrderID: orderID, Symbol: symbol, Side: side,
			Price: price, Qty: qty, Fee: commission, CreatedAt: trade.FilledAt,
		}); err != nil {
			return trade, fmt.Errorf("account: persist trade: %w", err)
		}
	}
	return trade, nil
}

// Trades returns a snapshot of the append-only trade list.
func (s *State) Trades() []Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// TradeForSymbol returns the most recent trade for symbol, if any — used by
// the Position Monitor to find the order id of an open position.
func (s *State) TradeForSymbol(symbol string) (Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].Symbol == symbol {
			return s.trades[i], true
		}
	}
	return Trade{}, false
}

// OrderIDLookup adapts State.TradeForSymbol to posmonitor.TradeRecorder,
// which only needs the order id, not the full trade record.
type OrderIDLookup struct {
	State *State
}

// TradeForSymbol implements posmonitor.TradeRecorder.
func (o OrderIDLookup) TradeForSymbol(symbol string) (string, bool) {
	t, ok := o.State.TradeForSymbol(symbol)
	if !ok {
		return "", false
	}
	return t.OrderID, true
}

// TotalExposure returns the sum of |position notional| across all symbols
// at the given mark prices, used for account-level exposure checks.
func (s *State) TotalExposure(markPrices map[string]float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0.0
	for symbol, qty := range s.positions {
		price := markPrices[symbol]
		if qty < 0 {
			total += -qty * price
		} else {
			total += qty * price
		}
	}
	return total
}
