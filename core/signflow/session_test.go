package signflow

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veworld-labs/wallet-engine/core/clause"
	"github.com/veworld-labs/wallet-engine/core/delegation"
	"github.com/veworld-labs/wallet-engine/core/gasfee"
	"github.com/veworld-labs/wallet-engine/core/smartaccount"
	"github.com/veworld-labs/wallet-engine/core/tx"
)

var (
	testOwner = common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557")
	testDest  = common.HexToAddress("0x578B110b0a7c06e66b7B1a33C39635304aaF733c")
	testPayer = common.HexToAddress("0xC06Ad8573022e2BE416CA89DA47E8c592971679A")
)

type fakeReader struct {
	mu       sync.Mutex
	saCfg    *smartaccount.Config
	balances *Balances
	prices   *gasfee.GasPrices
}

func (r *fakeReader) GetSmartAccountConfig(context.Context, common.Address) (*smartaccount.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saCfg, nil
}

func (r *fakeReader) GetBalances(context.Context, common.Address) (*Balances, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances, nil
}

func (r *fakeReader) GetGasPrices(context.Context) (*gasfee.GasPrices, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prices, nil
}

func (r *fakeReader) setDeployed(deployed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := *r.saCfg
	cfg.IsDeployed = deployed
	r.saCfg = &cfg
}

// fakeChain supplies build fields; a zero nonce makes the session draw a
// fresh random one per build, like the production chain context.
type fakeChain struct{ nonce uint64 }

func (c fakeChain) BuildFields(context.Context) (*BuildFields, error) {
	return &BuildFields{BlockRef: [8]byte{0, 0, 0, 0, 0, 0, 0, 7}, Expiration: 720, Nonce: c.nonce}, nil
}

type fakeLocal struct{ calls atomic.Int32 }

func (l *fakeLocal) Sign(common.Address, common.Hash, []byte) ([]byte, error) {
	l.calls.Add(1)
	return make([]byte, tx.SignatureLength), nil
}

type fakeHardware struct{ calls atomic.Int32 }

func (h *fakeHardware) Sign(context.Context, common.Address, common.Hash) ([]byte, error) {
	h.calls.Add(1)
	return make([]byte, tx.SignatureLength), nil
}

type fakeIdentity struct {
	confirmed bool
	secret    []byte
}

func (i *fakeIdentity) Confirm(context.Context) (Identity, error) {
	return Identity{Confirmed: i.confirmed, Secret: i.secret}, nil
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls int
	err   error
	block chan struct{}
}

func (b *fakeBroadcaster) Send(context.Context, []byte) (common.Hash, error) {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return common.Hash{}, b.err
	}
	return common.HexToHash("0x01"), nil
}

func (b *fakeBroadcaster) sent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type fixture struct {
	reader      *fakeReader
	broadcaster *fakeBroadcaster
	identity    *fakeIdentity
	hardware    *fakeHardware
	estimateN   *atomic.Int32
	deps        Deps
	params      Params
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var estimateN atomic.Int32
	estimator := gasfee.NewEstimator(
		func(context.Context, []*clause.Clause, *gasfee.DelegationDetails) (uint64, error) {
			estimateN.Add(1)
			return 21000, nil
		},
		big.NewInt(10_000_000_000_000),
		mustDecimal("0.1"),
	)

	f := &fixture{
		reader: &fakeReader{
			balances: &Balances{
				VET:  big.NewInt(1_000_000),
				VTHO: new(big.Int).Mul(big.NewInt(21000), big.NewInt(20_000_000_000_000)),
			},
		},
		broadcaster: &fakeBroadcaster{},
		identity:    &fakeIdentity{confirmed: true},
		hardware:    &fakeHardware{},
		estimateN:   &estimateN,
	}
	f.deps = Deps{
		Reader:      f.reader,
		Chain:       fakeChain{nonce: 42},
		Estimator:   estimator,
		Local:       &fakeLocal{},
		Hardware:    f.hardware,
		Identity:    f.identity,
		Broadcaster: f.broadcaster,
	}
	f.params = Params{
		ChainTag:     0x4a,
		NetworkID:    1,
		BaseGasPrice: big.NewInt(10_000_000_000_000),
		Owner:        testOwner,
		Clauses:      []*clause.Clause{clause.NewClause(testDest).WithValue(big.NewInt(500))},
	}
	return f
}

func startedSession(t *testing.T, f *fixture) *Session {
	t.Helper()
	s := NewSession(f.deps, f.params)
	require.NoError(t, s.Start(context.Background()))
	return s
}

func TestHappyPathSelfPaid(t *testing.T) {
	f := newFixture(t)
	s := startedSession(t, f)
	assert.Equal(t, StatusSelectingDelegation, s.Status())
	require.NotNil(t, s.Quote())
	assert.Equal(t, uint64(21000), s.Quote().GasUnits)

	require.NoError(t, s.SelectFeeTier(gasfee.TierLegacy))
	assert.Equal(t, StatusBuilding, s.Status())

	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, StatusSucceeded, s.Status())
	assert.Equal(t, 1, f.broadcaster.sent())
	assert.NotEqual(t, common.Hash{}, s.TxID())
}

func TestInsufficientFundsSelfPaidBlocksBroadcast(t *testing.T) {
	f := newFixture(t)
	// enough VET for the value, not enough VTHO for the fee
	f.reader.balances = &Balances{VET: big.NewInt(1_000_000), VTHO: big.NewInt(1)}
	s := startedSession(t, f)
	require.NoError(t, s.SelectFeeTier(gasfee.TierLegacy))

	err := s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, 0, f.broadcaster.sent())
}

func TestDelegatedSkipsFeeBalanceCheck(t *testing.T) {
	f := newFixture(t)
	f.reader.balances = &Balances{VET: big.NewInt(1_000_000), VTHO: big.NewInt(0)}
	s := startedSession(t, f)

	payer := delegation.Account(delegation.PayerAccount{Address: testPayer})
	require.NoError(t, s.SelectDelegation(context.Background(), payer))
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, StatusSucceeded, s.Status())
	assert.Equal(t, 1, f.broadcaster.sent())
}

func TestHardwarePayerRoutesToDeviceFlow(t *testing.T) {
	f := newFixture(t)
	s := startedSession(t, f)

	payer := delegation.Account(delegation.PayerAccount{Address: testPayer, IsHardware: true})
	require.NoError(t, s.SelectDelegation(context.Background(), payer))
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, int32(1), f.hardware.calls.Load())
}

func TestSponsorDelegation(t *testing.T) {
	sig := make([]byte, tx.SignatureLength)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req delegation.SponsorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, testOwner.Hex(), req.Origin)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&delegation.SponsorResponse{Signature: hexutil.Encode(sig)})
	}))
	defer srv.Close()

	f := newFixture(t)
	f.deps.Sponsor = delegation.NewSponsorClient(time.Second, nil, nil)
	s := NewSession(f.deps, f.params)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.SelectDelegation(context.Background(), delegation.URL(srv.URL)))
	require.NoError(t, s.SelectFeeTier(gasfee.TierHigh))

	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, StatusSucceeded, s.Status())
}

func TestSponsorFailureRollsBackToBuilding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	f := newFixture(t)
	f.deps.Sponsor = delegation.NewSponsorClient(time.Second, nil, nil)
	s := NewSession(f.deps, f.params)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.SelectDelegation(context.Background(), delegation.URL(srv.URL)))
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	err := s.Submit(context.Background())
	assert.ErrorIs(t, err, delegation.ErrFailure)
	assert.Equal(t, StatusBuilding, s.Status())
	assert.Equal(t, 0, f.broadcaster.sent())
}

func TestSponsorSignatureRefetchedForRebuiltBody(t *testing.T) {
	var sponsorCalls atomic.Int32
	var rawBodies []string
	var rawMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sponsorCalls.Add(1)
		var req delegation.SponsorRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rawMu.Lock()
		rawBodies = append(rawBodies, req.Raw)
		rawMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&delegation.SponsorResponse{Signature: hexutil.Encode(make([]byte, tx.SignatureLength))})
	}))
	defer srv.Close()

	f := newFixture(t)
	// zero nonce from the chain context: every build draws a fresh random one
	f.deps.Chain = fakeChain{nonce: 0}
	f.deps.Sponsor = delegation.NewSponsorClient(time.Second, nil, nil)
	f.broadcaster.err = errors.New("connection reset")
	s := NewSession(f.deps, f.params)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.SelectDelegation(context.Background(), delegation.URL(srv.URL)))
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	err := s.Submit(context.Background())
	require.ErrorIs(t, err, ErrBroadcast)
	require.Equal(t, int32(1), sponsorCalls.Load())

	f.broadcaster.mu.Lock()
	f.broadcaster.err = nil
	f.broadcaster.mu.Unlock()
	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, StatusSucceeded, s.Status())

	// the retry built a different body, so the old co-signature must not be
	// reused: the sponsor co-signs the new body
	require.Equal(t, int32(2), sponsorCalls.Load())
	rawMu.Lock()
	defer rawMu.Unlock()
	assert.NotEqual(t, rawBodies[0], rawBodies[1])
}

func TestDelegationSwitchDropsFetchedSponsorSignature(t *testing.T) {
	var sponsorCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sponsorCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&delegation.SponsorResponse{Signature: hexutil.Encode(make([]byte, tx.SignatureLength))})
	}))
	defer srv.Close()

	f := newFixture(t)
	f.deps.Sponsor = delegation.NewSponsorClient(time.Second, nil, nil)
	f.broadcaster.err = errors.New("connection reset")
	s := NewSession(f.deps, f.params)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.SelectDelegation(context.Background(), delegation.URL(srv.URL)))
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	// the failed submit leaves a fetched co-signature behind
	require.ErrorIs(t, s.Submit(context.Background()), ErrBroadcast)
	require.Equal(t, int32(1), sponsorCalls.Load())

	// switching away from URL and back discards it; the nonce is fixed here,
	// so a reuse of the old selection's signature would otherwise go unnoticed
	require.NoError(t, s.SelectDelegation(context.Background(), delegation.None()))
	require.NoError(t, s.SelectDelegation(context.Background(), delegation.URL(srv.URL)))
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	f.broadcaster.mu.Lock()
	f.broadcaster.err = nil
	f.broadcaster.mu.Unlock()
	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, int32(2), sponsorCalls.Load())
}

func TestIdentityCancellation(t *testing.T) {
	f := newFixture(t)
	f.identity.confirmed = false
	s := startedSession(t, f)
	require.NoError(t, s.SelectFeeTier(gasfee.TierLegacy))

	err := s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, 0, f.broadcaster.sent())
}

func TestBroadcastFailureAllowsRetry(t *testing.T) {
	f := newFixture(t)
	f.broadcaster.err = errors.New("connection reset")
	s := startedSession(t, f)
	require.NoError(t, s.SelectFeeTier(gasfee.TierLegacy))

	err := s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrBroadcast)
	assert.Equal(t, StatusBuilding, s.Status())

	// retry without re-estimating
	before := f.estimateN.Load()
	f.broadcaster.mu.Lock()
	f.broadcaster.err = nil
	f.broadcaster.mu.Unlock()
	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, StatusSucceeded, s.Status())
	assert.Equal(t, before, f.estimateN.Load())
}

func TestReentrantSubmitIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.broadcaster.block = make(chan struct{})
	s := startedSession(t, f)
	require.NoError(t, s.SelectFeeTier(gasfee.TierLegacy))

	done := make(chan error, 1)
	go func() { done <- s.Submit(context.Background()) }()

	// wait for the first submit to reach the broadcaster
	require.Eventually(t, func() bool {
		return s.Status() == StatusSending
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Submit(context.Background()))
	assert.Equal(t, 0, f.broadcaster.sent())

	close(f.broadcaster.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.broadcaster.sent())
}

func TestDelegationChangeReEstimatesFeeTierDoesNot(t *testing.T) {
	f := newFixture(t)
	s := startedSession(t, f)
	require.Equal(t, int32(1), f.estimateN.Load())

	payer := delegation.Account(delegation.PayerAccount{Address: testPayer})
	require.NoError(t, s.SelectDelegation(context.Background(), payer))
	assert.Equal(t, int32(2), f.estimateN.Load())

	require.NoError(t, s.SelectFeeTier(gasfee.TierMedium))
	require.NoError(t, s.SelectFeeTier(gasfee.TierHigh))
	assert.Equal(t, int32(2), f.estimateN.Load())
}

func TestStaleV3ConfigSurfacesAlreadyDeployed(t *testing.T) {
	f := newFixture(t)
	f.reader.saCfg = &smartaccount.Config{
		Address:        testPayer,
		Version:        smartaccount.VersionV3,
		IsDeployed:     false,
		FactoryAddress: common.HexToAddress("0x5ef79995FE8a89e0812330E4378eB2660ceDe699"),
	}
	s := startedSession(t, f)
	require.NoError(t, s.SelectFeeTier(gasfee.TierRegular))

	// someone deploys the account between estimation and submit
	f.reader.setDeployed(true)

	err := s.Submit(context.Background())
	assert.ErrorIs(t, err, smartaccount.ErrAlreadyDeployed)
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, 0, f.broadcaster.sent())
}

func TestEstimationFailureFailsSession(t *testing.T) {
	f := newFixture(t)
	f.deps.Estimator = gasfee.NewEstimator(
		func(context.Context, []*clause.Clause, *gasfee.DelegationDetails) (uint64, error) {
			return 0, errors.New("node unreachable")
		},
		big.NewInt(10_000_000_000_000),
		mustDecimal("0.1"),
	)
	s := NewSession(f.deps, f.params)

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, gasfee.ErrEstimation)
	assert.Equal(t, StatusFailed, s.Status())
	assert.ErrorIs(t, s.Err(), gasfee.ErrEstimation)
}

func TestSubmitRequiresFeeTier(t *testing.T) {
	f := newFixture(t)
	s := startedSession(t, f)

	err := s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func mustDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
