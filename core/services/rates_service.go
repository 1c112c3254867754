// Package services hosts outbound integrations that are not part of the
// signing flow itself. The rates service supplies token exchange rates to
// the fee estimator.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/veworld-labs/wallet-engine/core/gasfee"
	"github.com/veworld-labs/wallet-engine/pkg/logger"
)

const (
	ratesCacheKey   = "exchange_rates"
	defaultRatesTTL = 5 * time.Minute
)

// RatesService fetches VET/VTHO/B3TR exchange rates and caches them with a
// TTL. A fetch failure falls back to the last cached value, then to the
// static defaults, so fee display never blocks on the rates endpoint.
type RatesService struct {
	url        string
	httpClient *resty.Client
	cache      *bigcache.BigCache
	logger     logger.Logger
}

// ratesResponse is the rates endpoint payload. Values are decimal strings.
type ratesResponse struct {
	VET  string `json:"vet"`
	VTHO string `json:"vtho"`
	B3TR string `json:"b3tr"`
}

var (
	ratesInstance *RatesService
	ratesOnce     sync.Once
)

// GetRatesService returns the process-wide rates service. TTL zero means the
// five minute default.
func GetRatesService(url string, ttl time.Duration, l logger.Logger) *RatesService {
	ratesOnce.Do(func() {
		if ttl <= 0 {
			ttl = defaultRatesTTL
		}
		cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
		if err != nil {
			// DefaultConfig with a positive TTL cannot fail
			panic(err)
		}
		ratesInstance = &RatesService{
			url: url,
			httpClient: resty.New().
				SetTimeout(10 * time.Second).
				SetHeader("Accept", "application/json"),
			cache:  cache,
			logger: logger.EnsureLogger(l),
		}
	})
	return ratesInstance
}

// newRatesService is the non-singleton constructor used by tests.
func newRatesService(url string, ttl time.Duration, l logger.Logger) *RatesService {
	if ttl <= 0 {
		ttl = defaultRatesTTL
	}
	cache, _ := bigcache.New(context.Background(), bigcache.DefaultConfig(ttl))
	return &RatesService{
		url:        url,
		httpClient: resty.New().SetTimeout(10 * time.Second).SetHeader("Accept", "application/json"),
		cache:      cache,
		logger:     logger.EnsureLogger(l),
	}
}

// GetRates returns the current exchange rates, serving from cache while the
// TTL holds.
func (rs *RatesService) GetRates(ctx context.Context) gasfee.Rates {
	if cached, err := rs.cache.Get(ratesCacheKey); err == nil {
		if rates, err := decodeRates(cached); err == nil {
			return rates
		}
	}

	rates, err := rs.fetchRates(ctx)
	if err != nil {
		rs.logger.Warn("rates fetch failed, using fallback", "error", err)
		return FallbackRates()
	}

	if encoded, err := json.Marshal(&ratesResponse{
		VET:  rates.VET.String(),
		VTHO: rates.VTHO.String(),
		B3TR: rates.B3TR.String(),
	}); err == nil {
		rs.cache.Set(ratesCacheKey, encoded)
	}
	return rates
}

func (rs *RatesService) fetchRates(ctx context.Context) (gasfee.Rates, error) {
	if rs.url == "" {
		return gasfee.Rates{}, fmt.Errorf("rates endpoint not configured")
	}

	resp, err := rs.httpClient.R().
		SetContext(ctx).
		SetResult(&ratesResponse{}).
		Get(rs.url)
	if err != nil {
		return gasfee.Rates{}, fmt.Errorf("rates request: %w", err)
	}
	if resp.StatusCode() != 200 {
		return gasfee.Rates{}, fmt.Errorf("rates endpoint returned status %d", resp.StatusCode())
	}

	result, ok := resp.Result().(*ratesResponse)
	if !ok {
		return gasfee.Rates{}, fmt.Errorf("rates response not decodable")
	}
	return parseRates(result)
}

func decodeRates(raw []byte) (gasfee.Rates, error) {
	var r ratesResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return gasfee.Rates{}, err
	}
	return parseRates(&r)
}

func parseRates(r *ratesResponse) (gasfee.Rates, error) {
	vet, err := decimal.NewFromString(r.VET)
	if err != nil {
		return gasfee.Rates{}, fmt.Errorf("bad vet rate %q: %w", r.VET, err)
	}
	vtho, err := decimal.NewFromString(r.VTHO)
	if err != nil {
		return gasfee.Rates{}, fmt.Errorf("bad vtho rate %q: %w", r.VTHO, err)
	}
	b3tr, err := decimal.NewFromString(r.B3TR)
	if err != nil {
		return gasfee.Rates{}, fmt.Errorf("bad b3tr rate %q: %w", r.B3TR, err)
	}
	if vet.Sign() <= 0 || vtho.Sign() <= 0 || b3tr.Sign() <= 0 {
		return gasfee.Rates{}, fmt.Errorf("non-positive rate in response")
	}
	return gasfee.Rates{VET: vet, VTHO: vtho, B3TR: b3tr}, nil
}

// FallbackRates are the static rates used when neither a fresh nor a cached
// value is available. VTHO is the gas token so its rate is unity.
func FallbackRates() gasfee.Rates {
	return gasfee.Rates{
		VET:  decimal.NewFromInt(1),
		VTHO: decimal.NewFromInt(1),
		B3TR: decimal.NewFromInt(1),
	}
}
