// Package smartaccount decides how base clauses must be wrapped for the
// sending account: passed through for plain key-pair accounts, wrapped in
// per-clause execute calls for legacy V1 smart accounts, or collapsed into a
// single batched execute (with an optional factory-deploy clause) for V3.
package smartaccount

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/veworld-labs/wallet-engine/core/clause"
)

// Version enumerates the deployed smart-account contract generations.
type Version int

const (
	VersionV1 Version = 1
	VersionV3 Version = 3
)

// Config is a read-only snapshot of an account's smart-account state,
// fetched once per signing session from chain state. It must not be mutated
// mid-build; a stale snapshot is a correctness bug handled by the
// orchestrator's pre-build re-check.
type Config struct {
	Address           common.Address
	Version           Version
	IsDeployed        bool
	HasV1SmartAccount bool
	FactoryAddress    common.Address
}

const accountABI = `[
	{"name":"execute","type":"function","inputs":[
		{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]},
	{"name":"executeBatch","type":"function","inputs":[
		{"name":"to","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"data","type":"bytes[]"}]}
]`

const factoryABI = `[
	{"name":"createAccount","type":"function","inputs":[
		{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}]}
]`

var (
	abiOnce    sync.Once
	executeABI abi.ABI
	deployABI  abi.ABI

	defaultSalt = big.NewInt(0)
)

func buildABIs() {
	abiOnce.Do(func() {
		var err error
		executeABI, err = abi.JSON(strings.NewReader(accountABI))
		if err != nil {
			panic(fmt.Errorf("invalid smart account ABI: %w", err))
		}
		deployABI, err = abi.JSON(strings.NewReader(factoryABI))
		if err != nil {
			panic(fmt.Errorf("invalid factory ABI: %w", err))
		}
	})
}

// PackExecute generates calldata for the V1 single-call execute method.
func PackExecute(target common.Address, value *big.Int, calldata []byte) ([]byte, error) {
	buildABIs()
	if value == nil {
		value = big.NewInt(0)
	}
	if calldata == nil {
		calldata = make([]byte, 0)
	}
	return executeABI.Pack("execute", target, value, calldata)
}

// PackExecuteBatch generates calldata for the V3 batched execute method.
func PackExecuteBatch(targets []common.Address, values []*big.Int, calldatas [][]byte) ([]byte, error) {
	buildABIs()
	return executeABI.Pack("executeBatch", targets, values, calldatas)
}

// PackCreateAccount generates the factory calldata that deploys the smart
// account for owner.
func PackCreateAccount(owner common.Address, salt *big.Int) ([]byte, error) {
	buildABIs()
	if salt == nil {
		salt = defaultSalt
	}
	return deployABI.Pack("createAccount", owner, salt)
}

// WrapClauses applies the abstraction rules to an ordered base clause list.
// A nil config means a plain key-pair account: clauses pass through
// unchanged. The output clause count is N for V1, 1 for deployed V3, and 2
// for undeployed V3 (deploy + batch).
func WrapClauses(clauses []*clause.Clause, owner common.Address, cfg *Config) ([]*clause.Clause, error) {
	if cfg == nil {
		return clauses, nil
	}

	switch cfg.Version {
	case VersionV1:
		return wrapV1(clauses, cfg)
	case VersionV3:
		return wrapV3(clauses, owner, cfg)
	default:
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, int(cfg.Version))
	}
}

func wrapV1(clauses []*clause.Clause, cfg *Config) ([]*clause.Clause, error) {
	// V1 has no deployment step: the account must already exist on chain.
	if !cfg.HasV1SmartAccount {
		return nil, fmt.Errorf("%w: v1 account %s", ErrNotDeployed, cfg.Address.Hex())
	}

	out := make([]*clause.Clause, 0, len(clauses))
	for i, c := range clauses {
		target, err := callTarget(c)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		data, err := PackExecute(target, c.Value, c.Data)
		if err != nil {
			return nil, fmt.Errorf("pack execute for clause %d: %w", i, err)
		}
		out = append(out, clause.NewClause(cfg.Address).WithData(data))
	}
	return out, nil
}

func wrapV3(clauses []*clause.Clause, owner common.Address, cfg *Config) ([]*clause.Clause, error) {
	targets := make([]common.Address, 0, len(clauses))
	values := make([]*big.Int, 0, len(clauses))
	calldatas := make([][]byte, 0, len(clauses))
	for i, c := range clauses {
		target, err := callTarget(c)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		targets = append(targets, target)
		values = append(values, lo.Ternary(c.Value != nil, c.Value, big.NewInt(0)))
		calldatas = append(calldatas, lo.Ternary(c.Data != nil, c.Data, make([]byte, 0)))
	}

	batchData, err := PackExecuteBatch(targets, values, calldatas)
	if err != nil {
		return nil, fmt.Errorf("pack executeBatch: %w", err)
	}
	batch := clause.NewClause(cfg.Address).WithData(batchData)

	if cfg.IsDeployed {
		return []*clause.Clause{batch}, nil
	}

	// Deployment and first use ride in the same transaction, atomically.
	if cfg.FactoryAddress == (common.Address{}) {
		return nil, fmt.Errorf("%w: undeployed v3 account %s", ErrMissingFactory, cfg.Address.Hex())
	}
	deployData, err := PackCreateAccount(owner, defaultSalt)
	if err != nil {
		return nil, fmt.Errorf("pack createAccount: %w", err)
	}
	deploy := clause.NewClause(cfg.FactoryAddress).WithData(deployData)

	return []*clause.Clause{deploy, batch}, nil
}

// callTarget rejects creation clauses: user clauses always target a contract
// or an externally owned account.
func callTarget(c *clause.Clause) (common.Address, error) {
	if c.To == nil {
		return common.Address{}, ErrCreationClauseNotAllowed
	}
	return *c.To, nil
}
