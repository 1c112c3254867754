package gasfee

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"github.com/veworld-labs/wallet-engine/core/clause"
	"github.com/veworld-labs/wallet-engine/metrics"
	"github.com/veworld-labs/wallet-engine/pkg/logger"
)

// DefaultCacheSize bounds retention of memoized gas estimates. Sessions are
// long-lived and clause sets vary per send attempt, so the cache must not
// grow without bound.
const DefaultCacheSize = 128

var (
	ErrEstimation = fmt.Errorf("gas estimation failed")

	weiPerUnit = decimal.New(1, 18)
)

// EstimateGasFn simulates the clause list on chain and returns the total gas
// units it would consume. Delegated and non-delegated simulations can differ.
type EstimateGasFn func(ctx context.Context, clauses []*clause.Clause, delegation *DelegationDetails) (uint64, error)

// Estimator owns the gas cache and fee-tier arithmetic. Safe for use from
// concurrent sessions: entries are write-once per key.
type Estimator struct {
	estimateFn   EstimateGasFn
	baseGasPrice decimal.Decimal
	serviceFee   decimal.Decimal

	mu    sync.Mutex
	cache *lru.Cache[string, CacheEntry]

	now     func() time.Time
	metrics *metrics.EngineMetrics
	logger  logger.Logger
}

// Option tweaks an Estimator at construction time.
type Option func(*Estimator)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

// WithCacheSize overrides the LRU capacity.
func WithCacheSize(n int) Option {
	return func(e *Estimator) {
		cache, err := lru.New[string, CacheEntry](n)
		if err != nil {
			panic(fmt.Errorf("invalid gas cache size %d: %w", n, err))
		}
		e.cache = cache
	}
}

// WithMetrics wires cache and failure counters.
func WithMetrics(m *metrics.EngineMetrics) Option {
	return func(e *Estimator) { e.metrics = m }
}

// WithLogger attaches a logger; absent one, logging is a no-op.
func WithLogger(l logger.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// NewEstimator builds an estimator around the injected estimation function.
// baseGasPrice is the fixed legacy-tier price in wei per gas unit; serviceFee
// is a fraction (0.1 means 10%) added on top of every computed fee.
func NewEstimator(estimateFn EstimateGasFn, baseGasPrice *big.Int, serviceFee decimal.Decimal, opts ...Option) *Estimator {
	cache, err := lru.New[string, CacheEntry](DefaultCacheSize)
	if err != nil {
		panic(err)
	}
	e := &Estimator{
		estimateFn:   estimateFn,
		baseGasPrice: decimal.NewFromBigInt(baseGasPrice, 0),
		serviceFee:   serviceFee,
		cache:        cache,
		now:          time.Now,
		logger:       logger.NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QuoteRequest describes one fee quote computation.
type QuoteRequest struct {
	Clauses    []*clause.Clause
	Owner      common.Address
	NetworkID  uint64
	GasPrices  *GasPrices
	Rates      Rates
	Delegation *DelegationDetails
}

// Quote returns the tiered fee quote for the request, reusing the memoized
// gas unit count when the content key matches. A failed estimate propagates
// without touching the cache.
func (e *Estimator) Quote(ctx context.Context, req *QuoteRequest) (*FeeQuote, error) {
	gasUnits, err := e.estimate(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.computeQuote(gasUnits, req.GasPrices, req.Rates), nil
}

// Invalidate drops the cache entry for a clause set, forcing the next quote
// to re-simulate. Used when delegation details change: the cached units were
// computed against the old details.
func (e *Estimator) Invalidate(clauses []*clause.Clause, owner common.Address, networkID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Remove(CacheKey(clauses, owner, networkID))
}

// Purge clears the whole cache.
func (e *Estimator) Purge() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Purge()
}

func (e *Estimator) estimate(ctx context.Context, req *QuoteRequest) (uint64, error) {
	key := CacheKey(req.Clauses, req.Owner, req.NetworkID)

	e.mu.Lock()
	entry, ok := e.cache.Get(key)
	e.mu.Unlock()
	if ok {
		e.metrics.IncFeeCacheHit()
		e.logger.Debug("gas cache hit", "key", key[:8], "gas_units", entry.TotalGasUnits)
		return entry.TotalGasUnits, nil
	}

	e.metrics.IncFeeCacheMiss()
	gasUnits, err := e.estimateFn(ctx, req.Clauses, req.Delegation)
	if err != nil {
		e.metrics.IncEstimationFailure()
		return 0, fmt.Errorf("%w: %s", ErrEstimation, err)
	}

	e.mu.Lock()
	// Another session may have stored the same key meanwhile; identical key
	// means identical clauses and context, so either value is valid.
	if existing, ok := e.cache.Get(key); ok {
		e.mu.Unlock()
		return existing.TotalGasUnits, nil
	}
	e.cache.Add(key, CacheEntry{TotalGasUnits: gasUnits, ComputedAt: e.now()})
	e.mu.Unlock()

	e.logger.Debug("gas estimated", "key", key[:8], "gas_units", gasUnits)
	return gasUnits, nil
}

// computeQuote derives the full tier matrix. All intermediate arithmetic
// stays in decimal; division by 1e18 happens once at the boundary.
func (e *Estimator) computeQuote(gasUnits uint64, prices *GasPrices, rates Rates) *FeeQuote {
	gas := decimal.NewFromInt(int64(gasUnits))

	regular := e.tierPrice(prices, TierRegular)
	medium := e.tierPrice(prices, TierMedium)
	high := e.tierPrice(prices, TierHigh)

	return &FeeQuote{
		GasUnits: gasUnits,
		TransactionCost: TransactionCost{
			Regular: e.tierCost(gas, regular, rates),
			Medium:  e.tierCost(gas, medium, rates),
			High:    e.tierCost(gas, high, rates),
			// Legacy always prices at the fixed base, regardless of any
			// caller-supplied dynamic tier prices.
			Legacy: e.tierCost(gas, e.baseGasPrice, rates),
		},
	}
}

func (e *Estimator) tierPrice(prices *GasPrices, tier Tier) decimal.Decimal {
	if prices == nil {
		return e.baseGasPrice
	}
	var p *big.Int
	switch tier {
	case TierRegular:
		p = prices.Regular
	case TierMedium:
		p = prices.Medium
	case TierHigh:
		p = prices.High
	}
	if p == nil {
		return e.baseGasPrice
	}
	return decimal.NewFromBigInt(p, 0)
}

func (e *Estimator) tierCost(gas, price decimal.Decimal, rates Rates) TokenAmounts {
	base := gas.Mul(price).Mul(decimal.NewFromInt(1).Add(e.serviceFee))
	return TokenAmounts{
		VET:  base.Mul(rates.VET).Div(weiPerUnit),
		VTHO: base.Mul(rates.VTHO).Div(weiPerUnit),
		B3TR: base.Mul(rates.B3TR).Div(weiPerUnit),
	}
}
