package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/incentix/incentix/pkg/retry"
)

// DefaultExchangeRateURL serves USD-based rates on a free tier.
const DefaultExchangeRateURL = "https://api.exchangerate-api.com/v4/latest/USD"

const userAgent = "incentix/1.0"

// HTTPFetcher pulls a JSON price sheet and the USD to EUR rate. Both
// endpoints are plain GETs, so transient failures retry with backoff.
// Each endpoint gets its own timeout: the public rate API answers in
// well under the price sheet's allowance.
type HTTPFetcher struct {
	pricesURL  string
	ratesURL   string
	client     *http.Client
	rateClient *http.Client
	retry      retry.Config
}

// priceSheet is the shape of the published price endpoint.
type priceSheet struct {
	Models map[string]USDPrices `json:"models"`
}

type rateResponse struct {
	Rates map[string]float64 `json:"rates"`
}

func NewHTTPFetcher(pricesURL, ratesURL string, fetchTimeout, rateTimeout time.Duration) *HTTPFetcher {
	if ratesURL == "" {
		ratesURL = DefaultExchangeRateURL
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 20 * time.Second
	}
	if rateTimeout <= 0 {
		rateTimeout = 10 * time.Second
	}
	return &HTTPFetcher{
		pricesURL: pricesURL,
		ratesURL:  ratesURL,
		client: &http.Client{
			Timeout: fetchTimeout,
		},
		rateClient: &http.Client{
			Timeout: rateTimeout,
		},
		retry: retry.DefaultConfig(),
	}
}

// FetchUSDPrices retrieves the published price sheet. With no endpoint
// configured it fails immediately, which sends the oracle down its
// stale-then-hardcoded chain.
func (f *HTTPFetcher) FetchUSDPrices(ctx context.Context) (map[string]USDPrices, error) {
	if f.pricesURL == "" {
		return nil, fmt.Errorf("no price sheet endpoint configured")
	}

	var sheet priceSheet
	err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
		body, err := f.get(ctx, f.client, f.pricesURL)
		if err != nil {
			return fmt.Errorf("failed to fetch price sheet: %w", err)
		}
		if err := json.Unmarshal(body, &sheet); err != nil {
			return fmt.Errorf("failed to parse price sheet: %w", err)
		}
		if len(sheet.Models) == 0 {
			return fmt.Errorf("price sheet contains no models")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sheet.Models, nil
}

// FetchEURRate retrieves EUR per 1 USD.
func (f *HTTPFetcher) FetchEURRate(ctx context.Context) (float64, error) {
	var eur float64
	err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
		body, err := f.get(ctx, f.rateClient, f.ratesURL)
		if err != nil {
			return fmt.Errorf("failed to fetch exchange rate: %w", err)
		}
		var rates rateResponse
		if err := json.Unmarshal(body, &rates); err != nil {
			return fmt.Errorf("failed to parse exchange rate response: %w", err)
		}
		got, ok := rates.Rates["EUR"]
		if !ok || got <= 0 {
			return fmt.Errorf("EUR rate not found in response")
		}
		eur = got
		return nil
	})
	if err != nil {
		return 0, err
	}
	return eur, nil
}

// get runs one GET and classifies the failure: connection errors,
// rate limits, and server errors are transient, anything else is
// permanent.
func (f *HTTPFetcher) get(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, retry.Transient(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("request failed with status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.Transient(statusErr)
		}
		return nil, statusErr
	}
	return body, nil
}
