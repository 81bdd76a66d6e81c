// Package odp implements the session-based deferred EVM scheme: a payer
// signs a session approval capping total spend, then one EIP-712 receipt
// per request. Receipts verify inline and settle later in contiguous-nonce
// batches against a locked debit wallet.
package odp

import (
	"encoding/json"
	"fmt"
)

const (
	Scheme = "odp-deferred"

	// NetworkFamily is the registry wildcard covering all EVM networks.
	NetworkFamily = "eip155:*"
)

// Settlement modes.
type SettlementMode string

const (
	// SettlementSynthetic derives the transaction id locally from the batch,
	// with no chain I/O.
	SettlementSynthetic SettlementMode = "synthetic"
	// SettlementOnchain submits settleSession to the settlement contract.
	SettlementOnchain SettlementMode = "onchain"
)

// SessionApproval is the payer's session-level authorization. All numeric
// fields are decimal strings; sessionId and authorizedProcessorsHash are
// 0x-prefixed 32-byte hex.
type SessionApproval struct {
	Payer                    string `json:"payer"`
	Payee                    string `json:"payee"`
	Asset                    string `json:"asset"`
	MaxSpend                 string `json:"maxSpend"`
	Expiry                   string `json:"expiry"`
	SessionID                string `json:"sessionId"`
	StartNonce               string `json:"startNonce"`
	AuthorizedProcessorsHash string `json:"authorizedProcessorsHash"`
}

// Receipt is one request's micropayment under a session.
type Receipt struct {
	SessionID   string `json:"sessionId"`
	Nonce       string `json:"nonce"`
	Amount      string `json:"amount"`
	Deadline    string `json:"deadline"`
	RequestHash string `json:"requestHash"`
}

// Payload is the scheme-specific part of a PaymentPayload. The session
// approval travels with the first payment of a session and may repeat on
// later ones; the facilitator reconciles repeats field by field.
type Payload struct {
	SessionApproval  *SessionApproval `json:"sessionApproval,omitempty"`
	SessionSignature string           `json:"sessionSignature,omitempty"`
	Receipt          *Receipt         `json:"receipt"`
	ReceiptSignature string           `json:"receiptSignature"`
}

// ParsePayload decodes the open payload map into the typed scheme payload.
func ParsePayload(raw map[string]interface{}) (*Payload, error) {
	if raw == nil {
		return nil, fmt.Errorf("payload is empty")
	}
	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	var payload Payload
	if err := json.Unmarshal(rawBytes, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return &payload, nil
}

// ToMap renders the payload for embedding in a PaymentPayload.
func (p *Payload) ToMap() (map[string]interface{}, error) {
	rawBytes, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(rawBytes, &m); err != nil {
		return nil, err
	}
	return m, nil
}
