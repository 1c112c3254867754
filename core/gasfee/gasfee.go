// Package gasfee memoizes simulated gas costs and derives multi-tier,
// multi-token fee quotes from them. The cache is content-addressed: two
// requests with byte-identical clauses, owner and network share one entry and
// only the first invokes the underlying estimator.
package gasfee

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/veworld-labs/wallet-engine/core/clause"
)

// Tier is one of the gas-price presets trading cost for inclusion speed.
type Tier string

const (
	TierRegular Tier = "regular"
	TierMedium  Tier = "medium"
	TierHigh    Tier = "high"
	TierLegacy  Tier = "legacy"
)

// TokenAmounts holds one fee expressed in each settlement token, in the
// token's own decimal units.
type TokenAmounts struct {
	VET  decimal.Decimal `json:"vet"`
	VTHO decimal.Decimal `json:"vtho"`
	B3TR decimal.Decimal `json:"b3tr"`
}

// TransactionCost is the full tier matrix of a quote.
type TransactionCost struct {
	Regular TokenAmounts `json:"regular"`
	Medium  TokenAmounts `json:"medium"`
	High    TokenAmounts `json:"high"`
	Legacy  TokenAmounts `json:"legacy"`
}

// FeeQuote is the deterministic result of one gas estimation combined with
// tier prices and token exchange rates.
type FeeQuote struct {
	GasUnits        uint64          `json:"gasUnits"`
	TransactionCost TransactionCost `json:"transactionCost"`
}

// ForTier returns the token amounts of one tier.
func (q *FeeQuote) ForTier(t Tier) TokenAmounts {
	switch t {
	case TierMedium:
		return q.TransactionCost.Medium
	case TierHigh:
		return q.TransactionCost.High
	case TierLegacy:
		return q.TransactionCost.Legacy
	default:
		return q.TransactionCost.Regular
	}
}

// GasPrices are caller-supplied per-tier prices; a nil field falls back to
// the fixed base price. The legacy tier never reads from here.
type GasPrices struct {
	Regular *big.Int
	Medium  *big.Int
	High    *big.Int
}

// Rates are token exchange rates against the gas-price denomination.
type Rates struct {
	VET  decimal.Decimal
	VTHO decimal.Decimal
	B3TR decimal.Decimal
}

// DelegationDetails alters what the estimator simulates: a delegated call
// carries a gas payer distinct from the sender.
type DelegationDetails struct {
	GasPayer *common.Address
}

// CacheEntry is a memoized gas unit count. Entries are immutable once
// written; overwrites happen only through explicit invalidation.
type CacheEntry struct {
	TotalGasUnits uint64
	ComputedAt    time.Time
}

// CacheKey is a content hash over the serialized clause list, the owner
// address and the network id. A single-bit difference in any of them changes
// the key.
func CacheKey(clauses []*clause.Clause, owner common.Address, networkID uint64) string {
	h := sha256.New()
	h.Write(clause.EncodeAll(clauses))
	h.Write(owner.Bytes())

	var nw [8]byte
	binary.BigEndian.PutUint64(nw[:], networkID)
	h.Write(nw[:])

	return hex.EncodeToString(h.Sum(nil))
}
