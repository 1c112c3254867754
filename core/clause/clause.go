// Package clause lowers user transfer intents into wire-level transaction
// clauses. Builders are pure: the same intent always yields the same clause
// list and a malformed intent yields no clauses at all.
package clause

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Clause is one unit of value transfer or contract call inside a
// transaction. A nil To denotes contract creation; that form only appears in
// factory-deploy clauses emitted by the smart-account layer.
type Clause struct {
	To    *common.Address `json:"to"`
	Value *big.Int        `json:"value"`
	Data  []byte          `json:"data"`
}

// NewClause returns a call clause with a zero value and empty data.
func NewClause(to common.Address) *Clause {
	return &Clause{To: &to, Value: big.NewInt(0), Data: []byte{}}
}

// WithValue sets the clause value and returns the clause for chaining.
func (c *Clause) WithValue(v *big.Int) *Clause {
	c.Value = new(big.Int).Set(v)
	return c
}

// WithData sets the clause calldata and returns the clause for chaining.
func (c *Clause) WithData(data []byte) *Clause {
	c.Data = data
	return c
}

// Copy returns a deep copy so a stored clause list cannot be mutated by the
// caller afterwards.
func (c *Clause) Copy() *Clause {
	out := &Clause{}
	if c.To != nil {
		to := *c.To
		out.To = &to
	}
	if c.Value != nil {
		out.Value = new(big.Int).Set(c.Value)
	}
	out.Data = append([]byte{}, c.Data...)
	return out
}

// Encode appends a canonical byte representation of the clause to dst.
// The encoding is length-prefixed per field so that distinct clause lists can
// never collide; it feeds the fee-cache content hash.
func (c *Clause) Encode(dst []byte) []byte {
	if c.To != nil {
		dst = append(dst, 0x01)
		dst = append(dst, c.To.Bytes()...)
	} else {
		dst = append(dst, 0x00)
	}

	var valueBytes []byte
	if c.Value != nil {
		valueBytes = c.Value.Bytes()
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(valueBytes)))
	dst = append(dst, valueBytes...)

	dst = binary.BigEndian.AppendUint32(dst, uint32(len(c.Data)))
	dst = append(dst, c.Data...)
	return dst
}

// EncodeAll canonically encodes an ordered clause list.
func EncodeAll(clauses []*Clause) []byte {
	var out []byte
	out = binary.BigEndian.AppendUint32(out, uint32(len(clauses)))
	for _, c := range clauses {
		out = c.Encode(out)
	}
	return out
}
