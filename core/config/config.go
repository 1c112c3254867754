// Package config loads and validates the engine configuration. The raw yaml
// shape is kept separate from the resolved runtime config so parsing and
// validation stay in one place.
package config

import (
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/veworld-labs/wallet-engine/pkg/logger"
)

// Config is the resolved runtime configuration shared by the signing flow,
// the estimator and the rates service.
type Config struct {
	Environment ChainEnv
	Logger      logger.Logger `json:"-"`

	ChainTag  uint8
	NetworkID uint32
	NodeURL   string

	// BaseGasPrice is the network base price in wei, the fallback when the
	// node does not report dynamic tier prices.
	BaseGasPrice *big.Int
	// ServiceFeePercent is applied on top of the computed fee, e.g. 0.1
	// for ten percent.
	ServiceFeePercent float64

	SmartAccountFactory common.Address
	SponsorEndpoints    []string

	VTHOContract common.Address
	B3TRContract common.Address

	RatesURL      string
	RatesCacheTTL uint32
}

// ConfigRaw is the yaml file shape. Validation runs before any field is
// resolved into Config.
type ConfigRaw struct {
	Environment string `yaml:"environment" validate:"required,oneof=mainnet testnet"`
	LogLevel    string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	ChainTag  uint8  `yaml:"chain_tag"`
	NetworkID uint32 `yaml:"network_id" validate:"required"`
	NodeURL   string `yaml:"node_url" validate:"required,url"`

	BaseGasPrice      string  `yaml:"base_gas_price" validate:"required,number"`
	ServiceFeePercent float64 `yaml:"service_fee_percent" validate:"gte=0,lt=1"`

	SmartAccountFactory string   `yaml:"smart_account_factory" validate:"required,eth_addr"`
	SponsorEndpoints    []string `yaml:"sponsor_endpoints" validate:"dive,url"`

	VTHOContract string `yaml:"vtho_contract" validate:"required,eth_addr"`
	B3TRContract string `yaml:"b3tr_contract" validate:"required,eth_addr"`

	RatesURL      string `yaml:"rates_url" validate:"omitempty,url"`
	RatesCacheTTL uint32 `yaml:"rates_cache_ttl_seconds"`
}

// NewConfig reads, validates and resolves the yaml config at the given path.
func NewConfig(configFilePath string) (*Config, error) {
	raw, err := readRaw(configFilePath)
	if err != nil {
		return nil, err
	}
	return resolve(raw)
}

func readRaw(path string) (*ConfigRaw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var raw ConfigRaw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &raw, nil
}

func resolve(raw *ConfigRaw) (*Config, error) {
	if err := validator.New().Struct(raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	basePrice, ok := new(big.Int).SetString(raw.BaseGasPrice, 10)
	if !ok || basePrice.Sign() <= 0 {
		return nil, fmt.Errorf("invalid config: base_gas_price %q", raw.BaseGasPrice)
	}

	l, err := logger.NewZapLogger(parseLogLevel(raw.LogLevel))
	if err != nil {
		return nil, err
	}

	env := ChainEnv(raw.Environment)
	chainTag := raw.ChainTag
	if chainTag == 0 {
		chainTag = env.DefaultChainTag()
	}

	return &Config{
		Environment:         env,
		Logger:              l,
		ChainTag:            chainTag,
		NetworkID:           raw.NetworkID,
		NodeURL:             raw.NodeURL,
		BaseGasPrice:        basePrice,
		ServiceFeePercent:   raw.ServiceFeePercent,
		SmartAccountFactory: common.HexToAddress(raw.SmartAccountFactory),
		SponsorEndpoints:    raw.SponsorEndpoints,
		VTHOContract:        common.HexToAddress(raw.VTHOContract),
		B3TRContract:        common.HexToAddress(raw.B3TRContract),
		RatesURL:            raw.RatesURL,
		RatesCacheTTL:       raw.RatesCacheTTL,
	}, nil
}
