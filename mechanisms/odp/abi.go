package odp

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/FluxA-Agent-Payment/x402/encoding"
)

var (
	// DebitWalletABI covers the two read calls the facilitator makes against
	// the payer's locked debit wallet.
	DebitWalletABI = []byte(`[
		{
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "asset", "type": "address"}
			],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "withdrawDelaySeconds",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	// SettlementABI is the settlement contract entry point for onchain batch
	// settlement.
	SettlementABI = []byte(`[
		{
			"inputs": [
				{
					"name": "approval",
					"type": "tuple",
					"components": [
						{"name": "payer", "type": "address"},
						{"name": "payee", "type": "address"},
						{"name": "asset", "type": "address"},
						{"name": "maxSpend", "type": "uint256"},
						{"name": "expiry", "type": "uint256"},
						{"name": "sessionId", "type": "bytes32"},
						{"name": "startNonce", "type": "uint256"},
						{"name": "authorizedProcessorsHash", "type": "bytes32"}
					]
				},
				{"name": "sessionSignature", "type": "bytes"},
				{"name": "startNonce", "type": "uint256"},
				{"name": "endNonce", "type": "uint256"},
				{"name": "totalAmount", "type": "uint256"}
			],
			"name": "settleSession",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)

// SolidityApproval mirrors the settlement contract's approval tuple. Field
// names line up with the ABI component names for argument packing.
type SolidityApproval struct {
	Payer                    common.Address
	Payee                    common.Address
	Asset                    common.Address
	MaxSpend                 *big.Int
	Expiry                   *big.Int
	SessionId                [32]byte
	StartNonce               *big.Int
	AuthorizedProcessorsHash [32]byte
}

// Solidity converts the wire approval into the ABI tuple form.
func (a SessionApproval) Solidity() (SolidityApproval, error) {
	var out SolidityApproval
	if !common.IsHexAddress(a.Payer) || !common.IsHexAddress(a.Payee) || !common.IsHexAddress(a.Asset) {
		return out, fmt.Errorf("approval contains an invalid address")
	}
	maxSpend, err := encoding.ParseUint256(a.MaxSpend)
	if err != nil {
		return out, fmt.Errorf("invalid maxSpend: %w", err)
	}
	expiry, err := encoding.ParseUint256(a.Expiry)
	if err != nil {
		return out, fmt.Errorf("invalid expiry: %w", err)
	}
	startNonce, err := encoding.ParseUint256(a.StartNonce)
	if err != nil {
		return out, fmt.Errorf("invalid startNonce: %w", err)
	}
	sessionID, err := ParseBytes32(a.SessionID)
	if err != nil {
		return out, fmt.Errorf("invalid sessionId: %w", err)
	}
	processorsHash, err := ParseBytes32(a.AuthorizedProcessorsHash)
	if err != nil {
		return out, fmt.Errorf("invalid authorizedProcessorsHash: %w", err)
	}

	out.Payer = common.HexToAddress(a.Payer)
	out.Payee = common.HexToAddress(a.Payee)
	out.Asset = common.HexToAddress(a.Asset)
	out.MaxSpend = maxSpend
	out.Expiry = expiry
	copy(out.SessionId[:], sessionID)
	out.StartNonce = startNonce
	copy(out.AuthorizedProcessorsHash[:], processorsHash)
	return out, nil
}
