package signflow

import "errors"

var (
	ErrUserCancelled     = errors.New("user cancelled")
	ErrSigning           = errors.New("signing failed")
	ErrBroadcast         = errors.New("broadcast failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("operation not valid in current session state")
)
