package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/bullion/internal/domain"
)

const (
	defaultMetalsTimeout = 10 * time.Second
	// usage limit reached, as reported in the error body of metals rate APIs
	metalsErrUsageLimit = 104
)

// gramsPerTroyOunce converts ounce quotes to per-gram prices.
var gramsPerTroyOunce = decimal.RequireFromString("31.1034768")

// MetalsFeed reads spot metal rates from a metals-api compatible endpoint.
// Rates are quoted as ounces per USD and converted to USD per gram.
type MetalsFeed struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewMetalsFeed creates a metals feed. An empty apiKey is a configuration error
// reported on first use.
func NewMetalsFeed(baseURL, apiKey string) *MetalsFeed {
	return &MetalsFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultMetalsTimeout},
	}
}

type metalsResponse struct {
	Success bool               `json:"success"`
	Rates   map[string]float64 `json:"rates"`
	Error   *struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error,omitempty"`
}

func (f *MetalsFeed) Fetch(ctx context.Context, assets []domain.Asset) (map[domain.Asset]decimal.Decimal, error) {
	if f.apiKey == "" {
		return nil, errors.Wrap(domain.ErrConfiguration, "metals feed api key is empty")
	}

	symbols := make([]string, len(assets))
	for i, a := range assets {
		symbols[i] = string(a)
	}

	q := url.Values{}
	q.Set("access_key", f.apiKey)
	q.Set("base", "USD")
	q.Set("symbols", strings.Join(symbols, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/latest?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metals request")
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "metals request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metals response")
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, errors.Wrap(ErrRateLimited, "metals feed returned 429")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metals feed returned status %d", resp.StatusCode)
	}

	var parsed metalsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(err, "failed to decode metals response")
	}
	if !parsed.Success {
		if parsed.Error != nil && parsed.Error.Code == metalsErrUsageLimit {
			return nil, errors.Wrap(ErrRateLimited, parsed.Error.Info)
		}
		if parsed.Error != nil {
			return nil, fmt.Errorf("metals feed error %d: %s", parsed.Error.Code, parsed.Error.Info)
		}
		return nil, errors.New("metals feed returned success=false")
	}

	out := make(map[domain.Asset]decimal.Decimal, len(assets))
	for _, a := range assets {
		rate, ok := parsed.Rates[string(a)]
		if !ok || rate <= 0 {
			continue
		}
		perOunce := decimal.NewFromInt(1).Div(decimal.NewFromFloat(rate))
		out[a] = perOunce.Div(gramsPerTroyOunce).Round(4)
	}

	return out, nil
}
