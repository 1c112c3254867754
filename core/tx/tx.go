// Package tx assembles the final transaction body and computes its signing
// hashes. A sponsored transaction carries two signatures: the origin's over
// the body hash, and the gas payer's over the body hash bound to the origin
// address.
package tx

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/crypto/blake2b"

	"github.com/veworld-labs/wallet-engine/core/clause"
)

// SignatureLength is the byte length of one secp256k1 signature.
const SignatureLength = 65

var (
	ErrNoClauses        = errors.New("transaction has no clauses")
	ErrBadSignatureSize = errors.New("bad signature size")
)

// Body is the unsigned wire transaction. Nonce, BlockRef and Expiration are
// supplied by the chain-context collaborator at build time.
type Body struct {
	ChainTag   uint8
	BlockRef   [8]byte
	Expiration uint32
	Clauses    []*clause.Clause
	Gas        uint64
	GasPrice   *big.Int
	DependsOn  *common.Hash
	Nonce      uint64
	Delegated  bool
}

// rlpClause mirrors clause.Clause with the exact field order the wire
// encoding requires.
type rlpClause struct {
	To    *common.Address
	Value *big.Int
	Data  []byte
}

type rlpBody struct {
	ChainTag   uint8
	BlockRef   [8]byte
	Expiration uint32
	Clauses    []rlpClause
	Gas        uint64
	GasPrice   *big.Int
	DependsOn  *common.Hash
	Nonce      uint64
	Delegated  bool
}

func (b *Body) toRLP() (*rlpBody, error) {
	if len(b.Clauses) == 0 {
		return nil, ErrNoClauses
	}
	out := &rlpBody{
		ChainTag:   b.ChainTag,
		BlockRef:   b.BlockRef,
		Expiration: b.Expiration,
		Gas:        b.Gas,
		GasPrice:   b.GasPrice,
		DependsOn:  b.DependsOn,
		Nonce:      b.Nonce,
		Delegated:  b.Delegated,
	}
	if out.GasPrice == nil {
		out.GasPrice = big.NewInt(0)
	}
	for _, c := range b.Clauses {
		value := c.Value
		if value == nil {
			value = big.NewInt(0)
		}
		out.Clauses = append(out.Clauses, rlpClause{To: c.To, Value: value, Data: c.Data})
	}
	return out, nil
}

// Encode returns the canonical RLP encoding of the unsigned body. This is
// the exact payload submitted to a sponsor for co-signing.
func (b *Body) Encode() ([]byte, error) {
	rb, err := b.toRLP()
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(rb)
}

// SigningHash is the blake2b-256 digest of the encoded body; the origin
// signs this.
func (b *Body) SigningHash() (common.Hash, error) {
	enc, err := b.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return blake2b.Sum256(enc), nil
}

// DelegatorSigningHash binds the body hash to the origin address; the gas
// payer signs this so its signature cannot be replayed for another sender.
func (b *Body) DelegatorSigningHash(origin common.Address) (common.Hash, error) {
	sh, err := b.SigningHash()
	if err != nil {
		return common.Hash{}, err
	}
	return blake2b.Sum256(append(sh.Bytes(), origin.Bytes()...)), nil
}

// TotalValue sums the clause values; used by the pre-broadcast balance
// check.
func (b *Body) TotalValue() *big.Int {
	total := big.NewInt(0)
	for _, c := range b.Clauses {
		if c.Value != nil {
			total.Add(total, c.Value)
		}
	}
	return total
}

// Signed is a body with its signature material attached. For a delegated
// transaction Signature is origin ‖ gas payer (130 bytes); otherwise it is
// the origin signature alone.
type Signed struct {
	Body      *Body
	Signature []byte
}

// WithSignatures validates and attaches signature material to the body.
func (b *Body) WithSignatures(origin, gasPayer []byte) (*Signed, error) {
	if len(origin) != SignatureLength {
		return nil, fmt.Errorf("%w: origin signature is %d bytes", ErrBadSignatureSize, len(origin))
	}
	sig := append([]byte{}, origin...)
	if b.Delegated {
		if len(gasPayer) != SignatureLength {
			return nil, fmt.Errorf("%w: gas payer signature is %d bytes", ErrBadSignatureSize, len(gasPayer))
		}
		sig = append(sig, gasPayer...)
	} else if len(gasPayer) != 0 {
		return nil, fmt.Errorf("%w: gas payer signature on non-delegated transaction", ErrBadSignatureSize)
	}
	return &Signed{Body: b, Signature: sig}, nil
}

// Encode returns the full signed wire transaction: the body fields followed
// by the signature blob.
func (s *Signed) Encode() ([]byte, error) {
	rb, err := s.Body.toRLP()
	if err != nil {
		return nil, err
	}
	return rlp.EncodeToBytes(&struct {
		Body      *rlpBody
		Signature []byte
	}{rb, s.Signature})
}

// ID is the transaction id: blake2b over the signing hash and the origin
// recovered from the origin signature.
func (s *Signed) ID() (common.Hash, error) {
	origin, err := s.Origin()
	if err != nil {
		return common.Hash{}, err
	}
	sh, err := s.Body.SigningHash()
	if err != nil {
		return common.Hash{}, err
	}
	return blake2b.Sum256(append(sh.Bytes(), origin.Bytes()...)), nil
}

// Origin recovers the sender address from the origin signature.
func (s *Signed) Origin() (common.Address, error) {
	sh, err := s.Body.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(sh.Bytes(), s.Signature[:SignatureLength])
	if err != nil {
		return common.Address{}, fmt.Errorf("recover origin: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
