package odp

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/FluxA-Agent-Payment/x402/encoding"
)

// EIP-712 domain constants shared by session approvals and receipts.
const (
	DomainName    = "x402-odp-deferred"
	DomainVersion = "1"
)

// ClientEvmSigner defines the interface for client-side EVM signing operations
type ClientEvmSigner interface {
	// Address returns the signer's Ethereum address
	Address() string

	// SignTypedData signs EIP-712 typed data
	SignTypedData(ctx context.Context, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}) ([]byte, error)
}

// FacilitatorEvmSigner defines the interface for facilitator EVM operations
// Supports multiple addresses for load balancing, key rotation, and high availability
type FacilitatorEvmSigner interface {
	// GetAddresses returns all addresses this facilitator can use for signing
	GetAddresses() []string

	// ReadContract reads data from a smart contract
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// VerifyTypedData verifies an EIP-712 signature
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)

	// WriteContract executes a smart contract transaction
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt waits for a transaction to be mined
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// TypedDataDomain represents the EIP-712 domain separator
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField represents a field in EIP-712 typed data
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt represents the receipt of a mined transaction
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// Transaction receipt status values.
const (
	TxStatusFailed  uint64 = 0
	TxStatusSuccess uint64 = 1
)

// Domain builds the scheme's EIP-712 domain for the given chain and
// settlement contract.
func Domain(chainID *big.Int, settlementContract string) TypedDataDomain {
	return TypedDataDomain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(settlementContract).Hex(),
	}
}

// SessionApprovalTypes returns the EIP-712 type definitions for a session
// approval.
func SessionApprovalTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"SessionApproval": {
			{Name: "payer", Type: "address"},
			{Name: "payee", Type: "address"},
			{Name: "asset", Type: "address"},
			{Name: "maxSpend", Type: "uint256"},
			{Name: "expiry", Type: "uint256"},
			{Name: "sessionId", Type: "bytes32"},
			{Name: "startNonce", Type: "uint256"},
			{Name: "authorizedProcessorsHash", Type: "bytes32"},
		},
	}
}

// ReceiptTypes returns the EIP-712 type definitions for a receipt.
func ReceiptTypes() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"Receipt": {
			{Name: "sessionId", Type: "bytes32"},
			{Name: "nonce", Type: "uint256"},
			{Name: "amount", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "requestHash", Type: "bytes32"},
		},
	}
}

// ApprovalMessage converts a session approval into an EIP-712 message map.
func ApprovalMessage(approval SessionApproval) (map[string]interface{}, error) {
	maxSpend, err := encoding.ParseUint256(approval.MaxSpend)
	if err != nil {
		return nil, fmt.Errorf("invalid maxSpend: %w", err)
	}
	expiry, err := encoding.ParseUint256(approval.Expiry)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry: %w", err)
	}
	startNonce, err := encoding.ParseUint256(approval.StartNonce)
	if err != nil {
		return nil, fmt.Errorf("invalid startNonce: %w", err)
	}
	sessionID, err := ParseBytes32(approval.SessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid sessionId: %w", err)
	}
	processorsHash, err := ParseBytes32(approval.AuthorizedProcessorsHash)
	if err != nil {
		return nil, fmt.Errorf("invalid authorizedProcessorsHash: %w", err)
	}

	return map[string]interface{}{
		"payer":                    common.HexToAddress(approval.Payer).Hex(),
		"payee":                    common.HexToAddress(approval.Payee).Hex(),
		"asset":                    common.HexToAddress(approval.Asset).Hex(),
		"maxSpend":                 maxSpend,
		"expiry":                   expiry,
		"sessionId":                sessionID,
		"startNonce":               startNonce,
		"authorizedProcessorsHash": processorsHash,
	}, nil
}

// ReceiptMessage converts a receipt into an EIP-712 message map.
func ReceiptMessage(receipt Receipt) (map[string]interface{}, error) {
	sessionID, err := ParseBytes32(receipt.SessionID)
	if err != nil {
		return nil, fmt.Errorf("invalid sessionId: %w", err)
	}
	nonce, err := encoding.ParseUint256(receipt.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %w", err)
	}
	amount, err := encoding.ParseUint256(receipt.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	deadline, err := encoding.ParseUint256(receipt.Deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid deadline: %w", err)
	}
	requestHash, err := ParseBytes32(receipt.RequestHash)
	if err != nil {
		return nil, fmt.Errorf("invalid requestHash: %w", err)
	}

	return map[string]interface{}{
		"sessionId":   sessionID,
		"nonce":       nonce,
		"amount":      amount,
		"deadline":    deadline,
		"requestHash": requestHash,
	}, nil
}

// HashTypedData hashes EIP-712 typed data.
//
// The hash is computed as keccak256("\x19\x01" + domainSeparator + structHash)
// and is the digest the payer signs for both approvals and receipts.
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		typedFields := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			typedFields[i] = apitypes.Type{
				Name: field.Name,
				Type: field.Type,
			}
		}
		typedData.Types[typeName] = typedFields
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	dataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, dataHash...)
	return crypto.Keccak256(rawData), nil
}

// HashSessionApproval computes the EIP-712 digest a payer signs to open a
// session.
func HashSessionApproval(approval SessionApproval, chainID *big.Int, settlementContract string) ([]byte, error) {
	message, err := ApprovalMessage(approval)
	if err != nil {
		return nil, err
	}
	return HashTypedData(Domain(chainID, settlementContract), SessionApprovalTypes(), "SessionApproval", message)
}

// HashReceipt computes the EIP-712 digest a payer signs for one request.
func HashReceipt(receipt Receipt, chainID *big.Int, settlementContract string) ([]byte, error) {
	message, err := ReceiptMessage(receipt)
	if err != nil {
		return nil, err
	}
	return HashTypedData(Domain(chainID, settlementContract), ReceiptTypes(), "Receipt", message)
}
