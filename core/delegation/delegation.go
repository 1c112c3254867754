// Package delegation negotiates who pays the gas for a transaction: the
// sender itself, a second wallet-held account (possibly on a hardware
// device), or a remote sponsor service that co-signs over HTTP.
package delegation

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrFailure         = errors.New("delegation failure")
	ErrNoActiveVariant = errors.New("no delegation variant active")
)

// Mode tags the active variant of a Selection.
type Mode int

const (
	ModeNone Mode = iota
	ModeAccount
	ModeURL
)

func (m Mode) String() string {
	switch m {
	case ModeAccount:
		return "account"
	case ModeURL:
		return "url"
	default:
		return "none"
	}
}

// PayerAccount designates a wallet-held gas payer. Hardware-backed payers
// sign through a separate asynchronous device flow.
type PayerAccount struct {
	Address    common.Address
	IsHardware bool
}

// Selection is a tagged union over the delegation variants. Exactly one
// variant is active at a time; switching variants drops any sponsor
// signature fetched under the previous one.
type Selection struct {
	mode              Mode
	account           *PayerAccount
	sponsorURL        string
	sponsorSignature  []byte
	sponsorSignedHash common.Hash
}

// None selects self-paid gas.
func None() *Selection {
	return &Selection{mode: ModeNone}
}

// Account designates a second local or hardware account as gas payer.
func Account(payer PayerAccount) *Selection {
	return &Selection{mode: ModeAccount, account: &payer}
}

// URL designates a remote sponsor endpoint as gas payer.
func URL(sponsorURL string) *Selection {
	return &Selection{mode: ModeURL, sponsorURL: sponsorURL}
}

func (s *Selection) Mode() Mode { return s.mode }

// Payer returns the designated payer account for ModeAccount selections.
func (s *Selection) Payer() *PayerAccount { return s.account }

// SponsorURL returns the sponsor endpoint for ModeURL selections.
func (s *Selection) SponsorURL() string { return s.sponsorURL }

// SetSponsorSignature stores the co-signature fetched from the sponsor,
// bound to the signing hash of the body it was fetched for.
func (s *Selection) SetSponsorSignature(bodyHash common.Hash, sig []byte) {
	s.sponsorSignedHash = bodyHash
	s.sponsorSignature = append([]byte{}, sig...)
}

// SponsorSignatureFor returns the stored co-signature when it covers the
// given signing hash. A rebuilt body has a different hash (fresh nonce or
// block reference), so a signature fetched for the old body is never reused.
func (s *Selection) SponsorSignatureFor(bodyHash common.Hash) []byte {
	if s.sponsorSignature == nil || s.sponsorSignedHash != bodyHash {
		return nil
	}
	return s.sponsorSignature
}

// Delegated reports whether someone other than the sender pays gas.
func (s *Selection) Delegated() bool { return s.mode != ModeNone }

// GasPayer resolves the effective payer address when one is known locally.
// URL-mode payers are known only to the sponsor service.
func (s *Selection) GasPayer() *common.Address {
	if s.mode == ModeAccount && s.account != nil {
		addr := s.account.Address
		return &addr
	}
	return nil
}
