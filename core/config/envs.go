package config

type ChainEnv string

const (
	MainnetEnv = ChainEnv("mainnet")
	TestnetEnv = ChainEnv("testnet")
)

// Genesis-derived chain tags for the supported networks.
const (
	MainnetChainTag uint8 = 0x4a
	TestnetChainTag uint8 = 0x27
)

func (e ChainEnv) IsMainnet() bool {
	return e == MainnetEnv
}

// DefaultChainTag is the genesis chain tag used when the config file does
// not override it.
func (e ChainEnv) DefaultChainTag() uint8 {
	if e.IsMainnet() {
		return MainnetChainTag
	}
	return TestnetChainTag
}
