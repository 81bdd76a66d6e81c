// Package fluxacredit defines the exact-price credit scheme: one
// non-negotiable charge per request, authenticated by a web-bot-auth HTTP
// message signature and settled against a credit ledger.
package fluxacredit

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

const (
	Scheme = "fluxacredit"

	// NetworkMonetize is the logical credit network; NetworkFamily is the
	// registry wildcard covering all fluxa networks.
	NetworkMonetize = "fluxa:monetize"
	NetworkFamily   = "fluxa:*"

	// AssetCredit is the only asset the scheme charges in.
	AssetCredit = "FLUXA_CREDIT"

	// TransactionPrefix starts every synthetic ledger transaction id. The
	// remainder is the charge id from requirements.extra.
	TransactionPrefix = "credit-ledger:"

	// AgentIDPayloadKey is the payload field a client may set to identify
	// itself when signature verification cannot produce a thumbprint.
	AgentIDPayloadKey = "signature-fluxa-ai-agent-id"
)

// CreditLedger debits a payer. Debit must be idempotent on chargeID:
// repeating a charge returns the original transaction without charging
// again.
type CreditLedger interface {
	Debit(ctx context.Context, payer, chargeID string, amount *big.Int) (transaction string, err error)
}

type charge struct {
	transaction string
	payer       string
	amount      *big.Int
}

// MemoryLedger is the reference CreditLedger. It keeps every charge keyed
// by charge id and a running total per payer.
type MemoryLedger struct {
	mu      sync.Mutex
	charges map[string]charge
	totals  map[string]*big.Int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		charges: make(map[string]charge),
		totals:  make(map[string]*big.Int),
	}
}

func (l *MemoryLedger) Debit(ctx context.Context, payer, chargeID string, amount *big.Int) (string, error) {
	if chargeID == "" {
		return "", fmt.Errorf("charge id is required")
	}
	if amount == nil || amount.Sign() < 0 {
		return "", fmt.Errorf("charge amount must be a non-negative integer")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.charges[chargeID]; ok {
		return existing.transaction, nil
	}

	transaction := TransactionPrefix + chargeID
	l.charges[chargeID] = charge{
		transaction: transaction,
		payer:       payer,
		amount:      new(big.Int).Set(amount),
	}

	total, ok := l.totals[payer]
	if !ok {
		total = new(big.Int)
		l.totals[payer] = total
	}
	total.Add(total, amount)

	return transaction, nil
}

// Charged returns the total amount debited from a payer so far.
func (l *MemoryLedger) Charged(payer string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if total, ok := l.totals[payer]; ok {
		return new(big.Int).Set(total)
	}
	return new(big.Int)
}

// AgentIDFromPayload reads the fallback agent identity claim from a
// scheme payload map.
func AgentIDFromPayload(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if id, ok := payload[AgentIDPayloadKey].(string); ok {
		return id
	}
	return ""
}
