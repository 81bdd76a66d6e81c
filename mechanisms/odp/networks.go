package odp

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultDecimals is the decimal count of the default settlement assets.
const DefaultDecimals = 6

// AssetInfo describes an ERC-20 asset accepted for deferred payments.
type AssetInfo struct {
	Address  string
	Name     string
	Decimals int
}

// NetworkConfig carries per-network defaults for the deferred scheme.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

var (
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// NetworkConfigs lists the networks with a known default asset. The
	// scheme itself serves any eip155 network; money prices need a default
	// asset and therefore one of these.
	NetworkConfigs = map[string]NetworkConfig{
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Decimals: DefaultDecimals,
			},
		},
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
	}
)

// GetNetworkConfig returns the configuration for a network with a known
// default asset.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	config, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("no default asset configured for network %s", network)
	}
	return config, nil
}

// ParseAmount converts a money amount such as "$0.015" into base units with
// the given decimals, truncating toward zero.
func ParseAmount(amount string, decimals int) (string, error) {
	cleaned := strings.TrimSpace(strings.TrimPrefix(amount, "$"))

	amountFloat, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return "", fmt.Errorf("invalid amount: %w", err)
	}
	if amountFloat < 0 {
		return "", fmt.Errorf("amount cannot be negative: %s", amount)
	}

	amountInt := int64(math.Floor(amountFloat * math.Pow10(decimals)))
	return strconv.FormatInt(amountInt, 10), nil
}

// NewSessionID returns a fresh random 32-byte session identifier in 0x hex.
func NewSessionID() (string, error) {
	id := make([]byte, 32)
	if _, err := rand.Read(id); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hexutil.Encode(id), nil
}
