package market

import (
	"context"
	"fmt"
	"strconv"
)

// SymbolSpec carries the tradeable-quantity constraints Binance publishes
// per symbol via exchangeInfo filters, parsed into the four fields the
// order-sizing path needs.
type SymbolSpec struct {
	Symbol      string
	MinQty      float64 // LOT_SIZE.minQty
	StepSize    float64 // LOT_SIZE.stepSize
	MinNotional float64 // MIN_NOTIONAL.notional (or NOTIONAL.minNotional on newer filter sets)
	TickSize    float64 // PRICE_FILTER.tickSize
}

// FetchSymbolSpec retrieves and parses the filter set for symbol.
func (c *MarketDataClient) FetchSymbolSpec(ctx context.Context, symbol string) (SymbolSpec, error) {
	data, err := c.ExchangeInfo(ctx, symbol)
	if err != nil {
		return SymbolSpec{}, fmt.Errorf("binance: exchange info: %w", err)
	}
	symbolsRaw, ok := data["symbols"].([]any)
	if !ok || len(symbolsRaw) == 0 {
		return SymbolSpec{}, fmt.Errorf("binance: no symbol entry for %s", symbol)
	}
	entry, ok := symbolsRaw[0].(map[string]any)
	if !ok {
		return SymbolSpec{}, fmt.Errorf("binance: malformed symbol entry for %s", symbol)
	}
	filters, ok := entry["filters"].([]any)
	if !ok {
		return SymbolSpec{}, fmt.Errorf("binance: no filters for %s", symbol)
	}

	spec := SymbolSpec{Symbol: symbol}
	for _, raw := range filters {
		f, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		switch f["filterType"] {
		case "LOT_SIZE":
			spec.MinQty = parseFilterFloat(f, "minQty")
			spec.StepSize = parseFilterFloat(f, "stepSize")
		case "MIN_NOTIONAL":
			spec.MinNotional = parseFilterFloat(f, "notional")
			if spec.MinNotional == 0 {
				spec.MinNotional = parseFilterFloat(f, "minNotional")
			}
		case "NOTIONAL":
			spec.MinNotional = parseFilterFloat(f, "minNotional")
		case "PRICE_FILTER":
			spec.TickSize = parseFilterFloat(f, "tickSize")
		}
	}
	return spec, nil
}

func parseFilterFloat(f map[string]any, key string) float64 {
	v, ok := f[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}
