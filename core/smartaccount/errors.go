package smartaccount

import "errors"

var (
	ErrUnsupportedVersion       = errors.New("unsupported smart account version")
	ErrMissingFactory           = errors.New("missing factory address")
	ErrNotDeployed              = errors.New("smart account not deployed")
	ErrAlreadyDeployed          = errors.New("smart account already deployed")
	ErrCreationClauseNotAllowed = errors.New("creation clause not allowed as smart account input")
)
