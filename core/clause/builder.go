package clause

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

// TransferKind is a closed enum over the supported transfer intents.
type TransferKind int

const (
	KindNative TransferKind = iota
	KindFungible
	KindNonFungible
	KindRawBatch
)

func (k TransferKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindFungible:
		return "fungible"
	case KindNonFungible:
		return "non-fungible"
	case KindRawBatch:
		return "raw-batch"
	default:
		return fmt.Sprintf("transferkind(%d)", int(k))
	}
}

// TransferIntent is the user-facing request captured by the UI layer.
// It is treated as immutable once handed to Build.
type TransferIntent struct {
	Kind      TransferKind
	Sender    string
	Recipient string

	// Amount is the integer chain amount for native and fungible transfers,
	// and the token id for non-fungible transfers.
	Amount *big.Int

	// TokenContract is the ERC-20 contract for fungible transfers and the
	// collection contract for non-fungible transfers.
	TokenContract string

	// RawClauses carries caller-supplied clauses for connected-dApp requests.
	RawClauses []*Clause
}

const transferABI = `[
	{"name":"transfer","type":"function","inputs":[
		{"name":"to","type":"address"},{"name":"amount","type":"uint256"}]},
	{"name":"safeTransferFrom","type":"function","inputs":[
		{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}]}
]`

var (
	tokenABI     abi.ABI
	tokenABIOnce sync.Once
)

func getTokenABI() abi.ABI {
	tokenABIOnce.Do(func() {
		var err error
		tokenABI, err = abi.JSON(strings.NewReader(transferABI))
		if err != nil {
			panic(fmt.Errorf("invalid token transfer ABI: %w", err))
		}
	})
	return tokenABI
}

// Build lowers a transfer intent into its ordered clause list. It never
// returns a partial list: any validation failure yields (nil, err).
func Build(intent *TransferIntent) ([]*Clause, error) {
	switch intent.Kind {
	case KindNative:
		return buildNative(intent)
	case KindFungible:
		return buildFungible(intent)
	case KindNonFungible:
		return buildNonFungible(intent)
	case KindRawBatch:
		return buildRawBatch(intent)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(intent.Kind))
	}
}

func buildNative(intent *TransferIntent) ([]*Clause, error) {
	recipient, err := parseAddress(intent.Recipient)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(intent.Amount); err != nil {
		return nil, err
	}
	return []*Clause{NewClause(recipient).WithValue(intent.Amount)}, nil
}

func buildFungible(intent *TransferIntent) ([]*Clause, error) {
	recipient, err := parseAddress(intent.Recipient)
	if err != nil {
		return nil, err
	}
	contract, err := parseAddress(intent.TokenContract)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(intent.Amount); err != nil {
		return nil, err
	}

	data, err := getTokenABI().Pack("transfer", recipient, intent.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer: %w", err)
	}
	return []*Clause{NewClause(contract).WithData(data)}, nil
}

func buildNonFungible(intent *TransferIntent) ([]*Clause, error) {
	sender, err := parseAddress(intent.Sender)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAddress(intent.Recipient)
	if err != nil {
		return nil, err
	}
	collection, err := parseAddress(intent.TokenContract)
	if err != nil {
		return nil, err
	}
	if err := checkAmount(intent.Amount); err != nil {
		return nil, err
	}

	data, err := getTokenABI().Pack("safeTransferFrom", sender, recipient, intent.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack safeTransferFrom: %w", err)
	}
	return []*Clause{NewClause(collection).WithData(data)}, nil
}

func buildRawBatch(intent *TransferIntent) ([]*Clause, error) {
	if len(intent.RawClauses) == 0 {
		return nil, ErrEmptyBatch
	}
	for i, c := range intent.RawClauses {
		if c.Value != nil && c.Value.Sign() < 0 {
			return nil, fmt.Errorf("%w: clause %d has negative value", ErrAmountOutOfRange, i)
		}
	}
	// Copy so later mutations by the caller cannot reach into the session.
	return lo.Map(intent.RawClauses, func(c *Clause, _ int) *Clause {
		return c.Copy()
	}), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// checkAmount enforces a non-negative amount that fits a uint256.
func checkAmount(amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: nil amount", ErrAmountOutOfRange)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrAmountOutOfRange)
	}
	if amount.BitLen() > 256 {
		return fmt.Errorf("%w: amount exceeds uint256", ErrAmountOutOfRange)
	}
	return nil
}
