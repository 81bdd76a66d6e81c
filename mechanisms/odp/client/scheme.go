// Package client implements the payer side of the deferred payment scheme:
// one EIP-712 session approval per session, then one signed receipt per
// request with a locally advanced nonce.
package client

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/odp"
)

// Ensure OdpClient implements SchemeNetworkClient
var _ x402.SchemeNetworkClient = (*OdpClient)(nil)

// sessionState is the client's view of one session: the signed approval and
// the next receipt nonce to issue.
type sessionState struct {
	approval  odp.SessionApproval
	signature string
	nextNonce *big.Int
}

// OdpClient signs session approvals and per-request receipts. The session
// cache keys on sessionId, so receipts for one session carry strictly
// increasing nonces even under concurrent requests.
type OdpClient struct {
	signer odp.ClientEvmSigner
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// NewOdpClient creates a client around an EVM signing capability.
func NewOdpClient(signer odp.ClientEvmSigner) (*OdpClient, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if !common.IsHexAddress(signer.Address()) {
		return nil, fmt.Errorf("signer address is not a valid EVM address: %s", signer.Address())
	}
	return &OdpClient{
		signer:   signer,
		now:      time.Now,
		sessions: make(map[string]*sessionState),
	}, nil
}

func (c *OdpClient) Scheme() string {
	return odp.Scheme
}

// CreatePaymentPayload builds the next receipt for the session named in the
// requirements, creating and signing the session approval on first use. The
// approval rides on every payment so a facilitator that lost session state
// can rebuild it.
func (c *OdpClient) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (x402.PartialPaymentPayload, error) {
	extras, err := odp.ParseExtra(requirements.Extra)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid requirements extra: %w", err)
	}
	chainID, err := odp.ParseChainID(string(requirements.Network))
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}
	if _, err := encoding.ParseUint256(requirements.Amount); err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid amount: %w", err)
	}

	expiry, err := encoding.ParseUint256(extras.Expiry)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("invalid expiry: %w", err)
	}
	now := big.NewInt(c.now().Unix())
	if expiry.Cmp(now) < 0 {
		return x402.PartialPaymentPayload{}, fmt.Errorf("session %s expired at %s", extras.SessionID, extras.Expiry)
	}
	deadline := new(big.Int).Add(now, big.NewInt(int64(requirements.MaxTimeoutSeconds)))
	if deadline.Cmp(expiry) > 0 {
		deadline = expiry
	}
	requestHash := extras.RequestHash
	if requestHash == "" {
		requestHash = odp.ZeroHash
	}

	domain := odp.Domain(chainID, extras.SettlementContract)

	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.sessionLocked(ctx, domain, extras, requirements)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}

	receipt := odp.Receipt{
		SessionID:   extras.SessionID,
		Nonce:       state.nextNonce.String(),
		Amount:      requirements.Amount,
		Deadline:    deadline.String(),
		RequestHash: requestHash,
	}
	message, err := odp.ReceiptMessage(receipt)
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}
	receiptSignature, err := c.signer.SignTypedData(ctx, domain, odp.ReceiptTypes(), "Receipt", message)
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("signing receipt: %w", err)
	}

	// The nonce advances on issuance, not on acceptance. A rejected payment
	// leaves a gap the facilitator will report as receipt_nonce_mismatch;
	// ForgetSession resynchronizes from startNonce.
	state.nextNonce = new(big.Int).Add(state.nextNonce, big.NewInt(1))

	approval := state.approval
	payload := &odp.Payload{
		SessionApproval:  &approval,
		SessionSignature: state.signature,
		Receipt:          &receipt,
		ReceiptSignature: hexutil.Encode(receiptSignature),
	}
	raw, err := payload.ToMap()
	if err != nil {
		return x402.PartialPaymentPayload{}, err
	}
	return x402.PartialPaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload:     raw,
	}, nil
}

// sessionLocked returns the cached session for the requirements, signing a
// fresh approval when the session is new. Callers hold c.mu.
func (c *OdpClient) sessionLocked(
	ctx context.Context,
	domain odp.TypedDataDomain,
	extras *odp.Extra,
	requirements x402.PaymentRequirements,
) (*sessionState, error) {
	if state, ok := c.sessions[extras.SessionID]; ok {
		// The approval is immutable once signed. If the server reissued the
		// same sessionId with different terms, receipts signed against the
		// cached approval would be rejected downstream anyway.
		if state.approval.MaxSpend != extras.MaxSpend ||
			state.approval.Expiry != extras.Expiry ||
			state.approval.StartNonce != extras.StartNonce ||
			!odp.SameAddress(state.approval.Payee, requirements.PayTo) ||
			!odp.SameAddress(state.approval.Asset, requirements.Asset) {
			return nil, fmt.Errorf("requirements diverge from cached session %s", extras.SessionID)
		}
		return state, nil
	}

	processorsHash, err := odp.AuthorizedProcessorsHash(extras.AuthorizedProcessors)
	if err != nil {
		return nil, err
	}
	approval := odp.SessionApproval{
		Payer:                    c.signer.Address(),
		Payee:                    requirements.PayTo,
		Asset:                    requirements.Asset,
		MaxSpend:                 extras.MaxSpend,
		Expiry:                   extras.Expiry,
		SessionID:                extras.SessionID,
		StartNonce:               extras.StartNonce,
		AuthorizedProcessorsHash: processorsHash,
	}
	message, err := odp.ApprovalMessage(approval)
	if err != nil {
		return nil, err
	}
	signature, err := c.signer.SignTypedData(ctx, domain, odp.SessionApprovalTypes(), "SessionApproval", message)
	if err != nil {
		return nil, fmt.Errorf("signing session approval: %w", err)
	}

	startNonce, err := encoding.ParseUint256(extras.StartNonce)
	if err != nil {
		return nil, fmt.Errorf("invalid startNonce: %w", err)
	}
	state := &sessionState{
		approval:  approval,
		signature: hexutil.Encode(signature),
		nextNonce: startNonce,
	}
	c.sessions[extras.SessionID] = state
	return state, nil
}

// ForgetSession drops the cached state for a session. The next payment for
// that sessionId signs a fresh approval and restarts at startNonce.
func (c *OdpClient) ForgetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}
