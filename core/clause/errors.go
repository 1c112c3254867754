package clause

import "errors"

var (
	ErrInvalidAddress   = errors.New("invalid address")
	ErrAmountOutOfRange = errors.New("amount out of range")
	ErrEmptyBatch       = errors.New("raw batch contains no clauses")
	ErrUnknownKind      = errors.New("unknown transfer kind")
)
