package signflow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veworld-labs/wallet-engine/core/gasfee"
	"github.com/veworld-labs/wallet-engine/core/smartaccount"
)

// Balances is the owner's spendable balance snapshot in wei.
type Balances struct {
	VET  *big.Int
	VTHO *big.Int
	B3TR *big.Int
}

// ChainStateReader reads account state from the chain. Implementations talk
// to a node; tests stub it.
type ChainStateReader interface {
	GetSmartAccountConfig(ctx context.Context, owner common.Address) (*smartaccount.Config, error)
	GetBalances(ctx context.Context, owner common.Address) (*Balances, error)
	GetGasPrices(ctx context.Context) (*gasfee.GasPrices, error)
}

// BuildFields are the body fields only the chain can supply at build time.
type BuildFields struct {
	BlockRef   [8]byte
	Expiration uint32
	Nonce      uint64
	DependsOn  *common.Hash
}

// ChainContext supplies nonce, block reference and expiration for the final
// transaction body.
type ChainContext interface {
	BuildFields(ctx context.Context) (*BuildFields, error)
}

// RatesProvider supplies token exchange rates for fee display.
type RatesProvider interface {
	GetRates(ctx context.Context) gasfee.Rates
}

// LocalSigner signs with a wallet-held key. The secret comes from identity
// confirmation when the key store needs one to decrypt.
type LocalSigner interface {
	Sign(account common.Address, hash common.Hash, secret []byte) ([]byte, error)
}

// HardwareSigner drives the asynchronous device round trip for
// hardware-backed accounts.
type HardwareSigner interface {
	Sign(ctx context.Context, account common.Address, hash common.Hash) ([]byte, error)
}

// Identity is the outcome of an identity-confirmation prompt. Secret is nil
// for biometric confirmation.
type Identity struct {
	Confirmed bool
	Secret    []byte
}

// IdentityConfirmer gates signing behind biometric, PIN or password entry.
type IdentityConfirmer interface {
	Confirm(ctx context.Context) (Identity, error)
}

// Broadcaster submits the signed transaction and returns its id.
type Broadcaster interface {
	Send(ctx context.Context, raw []byte) (common.Hash, error)
}
