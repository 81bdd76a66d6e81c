package odp

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ZeroHash is the empty bytes32, used for requestHash when no request binding
// is wanted and for authorizedProcessorsHash when the processor set is open.
const ZeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// ParseBytes32 decodes a 0x-prefixed hex string into exactly 32 bytes.
func ParseBytes32(s string) ([]byte, error) {
	decoded, err := hexutil.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	return decoded, nil
}

// ParseSignature decodes a 0x-prefixed 65-byte signature.
func ParseSignature(s string) ([]byte, error) {
	decoded, err := hexutil.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 65 {
		return nil, fmt.Errorf("expected 65-byte signature, got %d", len(decoded))
	}
	return decoded, nil
}

// SameAddress compares two addresses case-insensitively after hex validation.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// AuthorizedProcessorsHash computes the bytes32 commitment to a processor
// allowlist: keccak256 over the sorted lowercase addresses packed back to
// back. An empty list hashes to ZeroHash, meaning any processor may settle.
func AuthorizedProcessorsHash(processors []string) (string, error) {
	if len(processors) == 0 {
		return ZeroHash, nil
	}
	lowered := make([]string, len(processors))
	for i, p := range processors {
		if !common.IsHexAddress(p) {
			return "", fmt.Errorf("invalid processor address: %s", p)
		}
		lowered[i] = strings.ToLower(common.HexToAddress(p).Hex())
	}
	sort.Strings(lowered)

	packed := make([]byte, 0, len(lowered)*common.AddressLength)
	for _, p := range lowered {
		packed = append(packed, common.HexToAddress(p).Bytes()...)
	}
	return hexutil.Encode(crypto.Keccak256(packed)), nil
}

// SyntheticSettlementHash derives a deterministic transaction id for a batch
// settled off chain: keccak256 over the session id and the left-padded
// startNonce, endNonce, and total amount.
func SyntheticSettlementHash(sessionID string, startNonce, endNonce, total *big.Int) (string, error) {
	sessionBytes, err := ParseBytes32(sessionID)
	if err != nil {
		return "", fmt.Errorf("invalid sessionId: %w", err)
	}
	packed := make([]byte, 0, 128)
	packed = append(packed, sessionBytes...)
	packed = append(packed, common.LeftPadBytes(startNonce.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(endNonce.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(total.Bytes(), 32)...)
	return hexutil.Encode(crypto.Keccak256(packed)), nil
}

// ParseChainID extracts the numeric chain id from a CAIP-2 EVM network
// identifier such as "eip155:84532".
func ParseChainID(network string) (*big.Int, error) {
	reference, ok := strings.CutPrefix(network, "eip155:")
	if !ok {
		return nil, fmt.Errorf("network %q is not an eip155 network", network)
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok || chainID.Sign() < 0 {
		return nil, fmt.Errorf("invalid chain id %q", reference)
	}
	return chainID, nil
}
