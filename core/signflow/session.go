// Package signflow orchestrates one send attempt end to end: gas estimation,
// delegation and fee-tier selection, body assembly, identity confirmation,
// signing and broadcast. One Session drives one attempt and is discarded
// afterwards; it is never persisted.
package signflow

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/veworld-labs/wallet-engine/core/clause"
	"github.com/veworld-labs/wallet-engine/core/delegation"
	"github.com/veworld-labs/wallet-engine/core/gasfee"
	"github.com/veworld-labs/wallet-engine/core/smartaccount"
	"github.com/veworld-labs/wallet-engine/core/tx"
	"github.com/veworld-labs/wallet-engine/metrics"
	"github.com/veworld-labs/wallet-engine/pkg/logger"
)

// Status is the session state machine position.
type Status string

const (
	StatusEstimatingGas       Status = "ESTIMATING_GAS"
	StatusSelectingDelegation Status = "SELECTING_DELEGATION"
	StatusSelectingFeeTier    Status = "SELECTING_FEE_TIER"
	StatusBuilding            Status = "BUILDING"
	StatusAwaitingIdentity    Status = "AWAITING_IDENTITY"
	StatusSigning             Status = "SIGNING"
	StatusSending             Status = "SENDING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
)

// Deps are the session's collaborators. Reader, Chain, Estimator, Local,
// Identity and Broadcaster are required; the rest are optional depending on
// which delegation variants the app enables.
type Deps struct {
	Reader      ChainStateReader
	Chain       ChainContext
	Estimator   *gasfee.Estimator
	Rates       RatesProvider
	Sponsor     *delegation.SponsorClient
	Local       LocalSigner
	Hardware    HardwareSigner
	Identity    IdentityConfirmer
	Broadcaster Broadcaster
	Metrics     *metrics.EngineMetrics
	Logger      logger.Logger
}

// Params fix the per-session inputs at creation time.
type Params struct {
	ChainTag     uint8
	NetworkID    uint64
	BaseGasPrice *big.Int
	Owner        common.Address
	Clauses      []*clause.Clause
}

// Session holds the orchestration state of one send attempt. All state is
// guarded by mu. Start and SelectDelegation hold the lock for their full
// estimation round trip, so Status blocks until the quote settles. Submit
// runs under a single-flight guard so a double tap cannot broadcast twice,
// and releases mu across its suspension points (identity prompt, device
// round trip, broadcast) so Status stays readable during them.
type Session struct {
	id     string
	deps   Deps
	params Params
	logger logger.Logger

	mu         sync.Mutex
	status     Status
	saCfg      *smartaccount.Config
	clauses    []*clause.Clause
	quote      *gasfee.FeeQuote
	prices     *gasfee.GasPrices
	sel        *delegation.Selection
	tier       gasfee.Tier
	failure    error
	txID       common.Hash
	submitting atomic.Bool
}

// NewSession creates a session in ESTIMATING_GAS. Call Start to run the
// initial estimation.
func NewSession(deps Deps, params Params) *Session {
	l := logger.EnsureLogger(deps.Logger)
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	return &Session{
		id:     id,
		deps:   deps,
		params: params,
		logger: l.With("session", id),
		status: StatusEstimatingGas,
		sel:    delegation.None(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the failure that moved the session to FAILED, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Quote returns the current fee quote; nil before Start succeeds.
func (s *Session) Quote() *gasfee.FeeQuote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quote
}

// TxID returns the broadcast transaction id once the session succeeded.
func (s *Session) TxID() common.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txID
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.status = StatusFailed
	s.failure = err
	s.mu.Unlock()
	s.logger.Warn("session failed", "error", err)
	return err
}

// Start fetches the smart account snapshot, applies the abstraction rules
// and produces the first fee quote. On success the session waits in
// SELECTING_DELEGATION.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusEstimatingGas {
		return fmt.Errorf("%w: Start in %s", ErrInvalidTransition, s.status)
	}

	saCfg, err := s.deps.Reader.GetSmartAccountConfig(ctx, s.params.Owner)
	if err != nil {
		return s.failLocked(fmt.Errorf("%w: read smart account config: %s", gasfee.ErrEstimation, err))
	}
	wrapped, err := smartaccount.WrapClauses(s.params.Clauses, s.params.Owner, saCfg)
	if err != nil {
		// malformed input, fatal to this attempt
		return s.failLocked(err)
	}
	s.saCfg = saCfg
	s.clauses = wrapped

	if err := s.refreshQuoteLocked(ctx); err != nil {
		return s.failLocked(err)
	}

	s.status = StatusSelectingDelegation
	s.logger.Info("session started", "clauses", len(wrapped), "gas_units", s.quote.GasUnits)
	return nil
}

// SelectDelegation switches the gas payer variant. The gas estimate computed
// under the old delegation details is invalidated and re-run; any sponsor
// signature fetched under the old variant is gone with the old selection.
func (s *Session) SelectDelegation(ctx context.Context, sel *delegation.Selection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusSelectingDelegation, StatusSelectingFeeTier, StatusBuilding:
	default:
		return fmt.Errorf("%w: SelectDelegation in %s", ErrInvalidTransition, s.status)
	}

	s.sel = sel
	s.deps.Estimator.Invalidate(s.clauses, s.params.Owner, s.params.NetworkID)

	s.status = StatusEstimatingGas
	if err := s.refreshQuoteLocked(ctx); err != nil {
		// retryable: the user can pick again or refresh
		s.status = StatusSelectingDelegation
		return err
	}
	s.status = StatusSelectingFeeTier
	s.logger.Info("delegation selected", "mode", sel.Mode().String())
	return nil
}

// SelectFeeTier picks a tier out of the already-computed quote. No chain
// call happens here.
func (s *Session) SelectFeeTier(tier gasfee.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusSelectingDelegation, StatusSelectingFeeTier, StatusBuilding:
	default:
		return fmt.Errorf("%w: SelectFeeTier in %s", ErrInvalidTransition, s.status)
	}
	if s.quote == nil {
		return fmt.Errorf("%w: no fee quote", ErrInvalidTransition)
	}
	s.tier = tier
	s.status = StatusBuilding
	return nil
}

// Submit runs the back half of the flow: build, balance check, identity,
// signatures, broadcast. Re-entrant calls while one submit is in flight are
// ignored. Signing and broadcast failures roll the session back to BUILDING
// so the user can retry without a fresh estimation.
func (s *Session) Submit(ctx context.Context) error {
	if !s.submitting.CompareAndSwap(false, true) {
		return nil
	}
	defer s.submitting.Store(false)

	s.mu.Lock()
	if s.status != StatusBuilding {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w: Submit in %s", ErrInvalidTransition, st)
	}
	// snapshot under the lock; selection state is frozen for the duration of
	// the submit because every mutator rejects post-BUILDING statuses
	saCfg := s.saCfg
	sel := s.sel
	quote := s.quote
	s.mu.Unlock()

	if err := s.recheckDeployment(ctx, saCfg); err != nil {
		return s.fail(err)
	}

	body, err := s.buildBody(ctx, quote)
	if err != nil {
		return err
	}

	if err := s.checkBalance(ctx, body, sel.Delegated()); err != nil {
		return s.fail(err)
	}

	s.setStatus(StatusAwaitingIdentity)
	identity, err := s.deps.Identity.Confirm(ctx)
	if err != nil || !identity.Confirmed {
		if err == nil {
			err = ErrUserCancelled
		} else {
			err = fmt.Errorf("%w: %s", ErrUserCancelled, err)
		}
		return s.fail(err)
	}

	s.setStatus(StatusSigning)
	signed, err := s.sign(ctx, body, sel, identity.Secret)
	if err != nil {
		s.setStatus(StatusBuilding)
		return err
	}

	s.setStatus(StatusSending)
	raw, err := signed.Encode()
	if err != nil {
		s.setStatus(StatusBuilding)
		return fmt.Errorf("%w: %s", ErrBroadcast, err)
	}
	txID, err := s.deps.Broadcaster.Send(ctx, raw)
	if err != nil {
		s.deps.Metrics.IncSubmission("failed")
		s.setStatus(StatusBuilding)
		return fmt.Errorf("%w: %s", ErrBroadcast, err)
	}

	s.deps.Metrics.IncSubmission("succeeded")
	s.mu.Lock()
	s.txID = txID
	s.status = StatusSucceeded
	s.mu.Unlock()
	s.logger.Info("transaction broadcast", "tx_id", txID.Hex())
	return nil
}

func (s *Session) failLocked(err error) error {
	s.status = StatusFailed
	s.failure = err
	s.logger.Warn("session failed", "error", err)
	return err
}

// refreshQuoteLocked re-runs estimation and fee computation with the current
// delegation details.
func (s *Session) refreshQuoteLocked(ctx context.Context) error {
	prices, err := s.deps.Reader.GetGasPrices(ctx)
	if err != nil {
		// dynamic prices are optional; the estimator falls back to base
		s.logger.Warn("gas prices unavailable", "error", err)
		prices = nil
	}

	rates := gasfee.Rates{
		VET:  decimal.NewFromInt(1),
		VTHO: decimal.NewFromInt(1),
		B3TR: decimal.NewFromInt(1),
	}
	if s.deps.Rates != nil {
		rates = s.deps.Rates.GetRates(ctx)
	}

	quote, err := s.deps.Estimator.Quote(ctx, &gasfee.QuoteRequest{
		Clauses:    s.clauses,
		Owner:      s.params.Owner,
		NetworkID:  s.params.NetworkID,
		GasPrices:  prices,
		Rates:      rates,
		Delegation: &gasfee.DelegationDetails{GasPayer: s.sel.GasPayer()},
	})
	if err != nil {
		return err
	}
	s.quote = quote
	s.prices = prices
	return nil
}

// recheckDeployment guards against a smart account deployed between session
// start and submit. Broadcasting the stale deploy clause would spend gas on
// a guaranteed revert, so the race is surfaced instead.
func (s *Session) recheckDeployment(ctx context.Context, saCfg *smartaccount.Config) error {
	if saCfg == nil || saCfg.Version != smartaccount.VersionV3 || saCfg.IsDeployed {
		return nil
	}
	fresh, err := s.deps.Reader.GetSmartAccountConfig(ctx, s.params.Owner)
	if err != nil {
		// the node read failed; the simulation during estimation already
		// validated the deploy clause, proceed on the snapshot
		s.logger.Warn("deployment re-check unavailable", "error", err)
		return nil
	}
	if fresh != nil && fresh.IsDeployed {
		return smartaccount.ErrAlreadyDeployed
	}
	return nil
}

func (s *Session) buildBody(ctx context.Context, quote *gasfee.FeeQuote) (*tx.Body, error) {
	fields, err := s.deps.Chain.BuildFields(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain context: %s", ErrBroadcast, err)
	}
	nonce := fields.Nonce
	if nonce == 0 {
		nonce = rand.Uint64()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx.Body{
		ChainTag:   s.params.ChainTag,
		BlockRef:   fields.BlockRef,
		Expiration: fields.Expiration,
		Clauses:    s.clauses,
		Gas:        quote.GasUnits,
		GasPrice:   s.tierPriceWeiLocked(),
		DependsOn:  fields.DependsOn,
		Nonce:      nonce,
		Delegated:  s.sel.Delegated(),
	}, nil
}

// tierPriceWeiLocked resolves the selected tier to a wei price. Legacy and
// any tier without a dynamic price use the fixed base price.
func (s *Session) tierPriceWeiLocked() *big.Int {
	if s.tier == gasfee.TierLegacy || s.prices == nil {
		return new(big.Int).Set(s.params.BaseGasPrice)
	}
	var p *big.Int
	switch s.tier {
	case gasfee.TierRegular:
		p = s.prices.Regular
	case gasfee.TierMedium:
		p = s.prices.Medium
	case gasfee.TierHigh:
		p = s.prices.High
	}
	if p == nil {
		return new(big.Int).Set(s.params.BaseGasPrice)
	}
	return new(big.Int).Set(p)
}

// checkBalance re-validates funds right before broadcast. A delegated
// transaction only needs the clause value covered; self-paid gas also needs
// the fee in the gas token.
func (s *Session) checkBalance(ctx context.Context, body *tx.Body, delegated bool) error {
	balances, err := s.deps.Reader.GetBalances(ctx, s.params.Owner)
	if err != nil {
		return fmt.Errorf("%w: read balances: %s", ErrBroadcast, err)
	}

	value := body.TotalValue()
	if balances.VET == nil || balances.VET.Cmp(value) < 0 {
		return ErrInsufficientFunds
	}
	if delegated {
		return nil
	}

	feeWei := new(big.Int).Mul(new(big.Int).SetUint64(body.Gas), body.GasPrice)
	if balances.VTHO == nil || balances.VTHO.Cmp(feeWei) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// sign collects the origin signature and, for delegated transactions, the
// gas payer's co-signature.
func (s *Session) sign(ctx context.Context, body *tx.Body, sel *delegation.Selection, secret []byte) (*tx.Signed, error) {
	hash, err := body.SigningHash()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSigning, err)
	}
	originSig, err := s.deps.Local.Sign(s.params.Owner, hash, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %s", ErrSigning, err)
	}

	var payerSig []byte
	switch sel.Mode() {
	case delegation.ModeAccount:
		payerSig, err = s.payerSignature(ctx, body, sel, secret)
		if err != nil {
			return nil, err
		}
	case delegation.ModeURL:
		payerSig, err = s.sponsorSignature(ctx, body, sel)
		if err != nil {
			return nil, err
		}
	}

	signed, err := body.WithSignatures(originSig, payerSig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSigning, err)
	}
	return signed, nil
}

func (s *Session) payerSignature(ctx context.Context, body *tx.Body, sel *delegation.Selection, secret []byte) ([]byte, error) {
	payer := sel.Payer()
	if payer == nil {
		return nil, fmt.Errorf("%w: %s", ErrSigning, delegation.ErrNoActiveVariant)
	}
	hash, err := body.DelegatorSigningHash(s.params.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSigning, err)
	}

	if payer.IsHardware {
		if s.deps.Hardware == nil {
			return nil, fmt.Errorf("%w: no hardware signer configured", ErrSigning)
		}
		sig, err := s.deps.Hardware.Sign(ctx, payer.Address, hash)
		if err != nil {
			return nil, fmt.Errorf("%w: hardware payer: %s", ErrSigning, err)
		}
		return sig, nil
	}

	sig, err := s.deps.Local.Sign(payer.Address, hash, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: payer: %s", ErrSigning, err)
	}
	return sig, nil
}

func (s *Session) sponsorSignature(ctx context.Context, body *tx.Body, sel *delegation.Selection) ([]byte, error) {
	bodyHash, err := body.SigningHash()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", delegation.ErrFailure, err)
	}
	// a retry after a broadcast failure rebuilds the body with a fresh nonce;
	// only a signature fetched for this exact body may be reused
	if cached := sel.SponsorSignatureFor(bodyHash); cached != nil {
		return cached, nil
	}
	if s.deps.Sponsor == nil {
		return nil, fmt.Errorf("%w: no sponsor client configured", delegation.ErrFailure)
	}
	raw, err := body.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", delegation.ErrFailure, err)
	}
	sig, err := s.deps.Sponsor.FetchSignature(ctx, sel.SponsorURL(), raw, s.params.Owner.Hex())
	if err != nil {
		return nil, err
	}
	sel.SetSponsorSignature(bodyHash, sig)
	return sig, nil
}
