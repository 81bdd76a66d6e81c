package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/FluxA-Agent-Payment/x402/mechanisms/odp"
)

// receiptPollInterval is how often WaitForTransactionReceipt polls the chain.
const receiptPollInterval = time.Second

// RPCSigner implements odp.FacilitatorEvmSigner against a JSON-RPC endpoint.
// It verifies EIP-712 signatures locally by ECDSA recovery and uses an
// ethclient for contract reads and settlement transactions.
type RPCSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	client     *ethclient.Client
}

var _ odp.FacilitatorEvmSigner = (*RPCSigner)(nil)

// NewRPCSigner dials the given JSON-RPC endpoint and creates a facilitator
// signer from a hex-encoded private key. The chain ID is fetched from the
// node once at construction.
//
// Example:
//
//	signer, err := evm.NewRPCSigner(ctx, "https://sepolia.base.org", os.Getenv("FACILITATOR_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	f, err := facilitator.NewOdpFacilitator(signer, cfg)
func NewRPCSigner(ctx context.Context, rpcURL string, privateKeyHex string) (*RPCSigner, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	signer, err := NewRPCSignerWithClient(privateKeyHex, chainID, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return signer, nil
}

// NewRPCSignerWithClient creates a facilitator signer from a private key and
// an existing ethclient. The caller keeps ownership of the client.
func NewRPCSignerWithClient(privateKeyHex string, chainID *big.Int, client *ethclient.Client) (*RPCSigner, error) {
	privateKey, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	if chainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}

	return &RPCSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    chainID,
		client:     client,
	}, nil
}

// GetAddresses returns the addresses this facilitator signs settlement
// transactions with.
func (s *RPCSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

// ChainID returns the chain ID the signer was constructed for.
func (s *RPCSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

// ReadContract executes a read-only contract call and unpacks the result.
// A single return value is unwrapped; multiple values come back as a slice.
func (s *RPCSigner) ReadContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (interface{}, error) {
	if s.client == nil {
		return nil, fmt.Errorf("ReadContract requires an ethclient")
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	addr := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}

	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// VerifyTypedData verifies an EIP-712 signature by recovering the signing
// address from the digest and comparing it to the expected address.
func (s *RPCSigner) VerifyTypedData(
	ctx context.Context,
	address string,
	domain odp.TypedDataDomain,
	dataTypes map[string][]odp.TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, error) {
	digest, err := odp.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return false, err
	}
	if len(signature) != 65 {
		return false, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Normalize v back to a recovery ID (27/28 -> 0/1)
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false, fmt.Errorf("failed to recover signer: %w", err)
	}

	return odp.SameAddress(address, crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// WriteContract packs, signs, and broadcasts a contract transaction,
// returning the transaction hash without waiting for it to be mined.
func (s *RPCSigner) WriteContract(
	ctx context.Context,
	contractAddress string,
	abiBytes []byte,
	functionName string,
	args ...interface{},
) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("WriteContract requires an ethclient")
	}

	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(functionName, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch nonce: %w", err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.address,
		To:   &to,
		Data: data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx, err := s.buildTransaction(ctx, &to, nonce, gasLimit, data)
	if err != nil {
		return "", err
	}

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// buildTransaction creates a dynamic-fee transaction on EIP-1559 chains and
// falls back to a legacy transaction elsewhere.
func (s *RPCSigner) buildTransaction(
	ctx context.Context,
	to *common.Address,
	nonce uint64,
	gasLimit uint64,
	data []byte,
) (*types.Transaction, error) {
	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain head: %w", err)
	}

	if head.BaseFee == nil {
		gasPrice, err := s.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to suggest gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       to,
			Data:     data,
		}), nil
	}

	tipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}
	// Allow the base fee to double before the transaction is priced out
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        to,
		Data:      data,
	}), nil
}

// WaitForTransactionReceipt polls the chain until the transaction is mined
// or the context is cancelled.
func (s *RPCSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*odp.TransactionReceipt, error) {
	if s.client == nil {
		return nil, fmt.Errorf("WaitForTransactionReceipt requires an ethclient")
	}

	hash := common.HexToHash(txHash)
	queryTicker := time.NewTicker(receiptPollInterval)
	defer queryTicker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			out := &odp.TransactionReceipt{
				Status: receipt.Status,
				TxHash: receipt.TxHash.Hex(),
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return out, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to fetch receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-queryTicker.C:
		}
	}
}
