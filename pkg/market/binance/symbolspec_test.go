package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestMarketDataClient(t *testing.T, body string) *MarketDataClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return &MarketDataClient{
		baseURL:    srv.URL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestFetchSymbolSpecParsesFilters(t *testing.T) {
	body := `{
		"symbols": [{
			"symbol": "BTCUSDT",
			"filters": [
				{"filterType": "LOT_SIZE", "minQty": "0.00001", "stepSize": "0.00001"},
				{"filterType": "MIN_NOTIONAL", "notional": "10"},
				{"filterType": "PRICE_FILTER", "tickSize": "0.01"}
			]
		}]
	}`
	c := newTestMarketDataClient(t, body)

	spec, err := c.FetchSymbolSpec(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchSymbolSpec returned error: %v", err)
	}

	if spec.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", spec.Symbol)
	}
	if spec.MinQty != 0.00001 {
		t.Errorf("MinQty = %v, want 0.00001", spec.MinQty)
	}
	if spec.StepSize != 0.00001 {
		t.Errorf("StepSize = %v, want 0.00001", spec.StepSize)
	}
	if spec.MinNotional != 10 {
		t.Errorf("MinNotional = %v, want 10", spec.MinNotional)
	}
	if spec.TickSize != 0.01 {
		t.Errorf("TickSize = %v, want 0.01", spec.TickSize)
	}
}

func TestFetchSymbolSpecFallsBackToMinNotionalKeyOnNewerFilterName(t *testing.T) {
	body := `{
		"symbols": [{
			"symbol": "ETHUSDT",
			"filters": [
				{"filterType": "NOTIONAL", "minNotional": "5"}
			]
		}]
	}`
	c := newTestMarketDataClient(t, body)

	spec, err := c.FetchSymbolSpec(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("FetchSymbolSpec returned error: %v", err)
	}
	if spec.MinNotional != 5 {
		t.Fatalf("MinNotional = %v, want 5", spec.MinNotional)
	}
}

func TestFetchSymbolSpecErrorsOnEmptySymbolList(t *testing.T) {
	c := newTestMarketDataClient(t, `{"symbols": []}`)

	_, err := c.FetchSymbolSpec(context.Background(), "BTCUSDT")

	if err == nil {
		t.Fatal("expected an error for an empty symbols list")
	}
}

func TestFetchSymbolSpecErrorsOnMissingFilters(t *testing.T) {
	c := newTestMarketDataClient(t, `{"symbols": [{"symbol": "BTCUSDT"}]}`)

	_, err := c.FetchSymbolSpec(context.Background(), "BTCUSDT")

	if err == nil {
		t.Fatal("expected an error when the symbol entry has no filters")
	}
}

func TestParseFilterFloatHandlesStringAndNumber(t *testing.T) {
	f := map[string]any{"a": "1.5", "b": 2.5, "c": nil}

	if got := parseFilterFloat(f, "a"); got != 1.5 {
		t.Errorf("parseFilterFloat(a) = %v, want 1.5", got)
	}
	if got := parseFilterFloat(f, "b"); got != 2.5 {
		t.Errorf("parseFilterFloat(b) = %v, want 2.5", got)
	}
	if got := parseFilterFloat(f, "missing"); got != 0 {
		t.Errorf("parseFilterFloat(missing) = %v, want 0", got)
	}
}
