// Package oracle fetches best-effort asset prices for display on raw
// event rows. A failed lookup never aborts balance accounting; callers
// store a null price instead.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource returns the current price for an asset address.
type PriceSource interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// HTTPSource reads prices from a JSON endpoint:
// GET {baseURL}/price/{asset} → {"price": "..."}.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates a price source against the given base URL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Price(ctx context.Context, asset string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/price/%s", s.baseURL, asset), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: fetch price for %s: %w", asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("oracle: price lookup for %s returned %d", asset, resp.StatusCode)
	}

	var body struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("oracle: decode price for %s: %w", asset, err)
	}
	return body.Price, nil
}

// StaticSource serves fixed prices from a map. Used in tests and when
// no oracle endpoint is configured.
type StaticSource struct {
	prices map[string]decimal.Decimal
}

// NewStaticSource creates a source over a fixed price map (may be nil).
func NewStaticSource(prices map[string]decimal.Decimal) *StaticSource {
	return &StaticSource{prices: prices}
}

func (s *StaticSource) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	p, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("oracle: no price for %s", asset)
	}
	return p, nil
}
