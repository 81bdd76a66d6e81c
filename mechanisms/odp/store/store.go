// Package store persists session state for the deferred payment scheme. A
// session lives from the first verified receipt until its receipts are
// settled and its approval has expired.
package store

import (
	"context"

	"github.com/FluxA-Agent-Payment/x402/mechanisms/odp"
)

// SessionRecord is the stored state of one payment session.
type SessionRecord struct {
	// Approval is the payer-signed session authorization.
	Approval odp.SessionApproval `json:"approval"`

	// SessionSignature is the payer's EIP-712 signature over the approval,
	// kept for onchain settlement.
	SessionSignature string `json:"sessionSignature"`

	// Network is the CAIP-2 network the session was opened on.
	Network string `json:"network"`

	// SettlementContract pins the EIP-712 verifying contract the approval
	// was signed against.
	SettlementContract string `json:"settlementContract"`

	// NextNonce is the decimal nonce the next receipt must carry.
	NextNonce string `json:"nextNonce"`

	// Spent is the decimal running total across all accepted receipts,
	// settled or not. It never decreases.
	Spent string `json:"spent"`

	// Receipts holds accepted but unsettled receipts in nonce order.
	Receipts []odp.Receipt `json:"receipts"`

	// Settling marks an in-progress settlement so concurrent settle calls
	// across processes back off.
	Settling bool `json:"settling"`
}

// Clone returns a deep copy safe to mutate without touching stored state.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Receipts = make([]odp.Receipt, len(r.Receipts))
	copy(out.Receipts, r.Receipts)
	return &out
}

// SessionStore defines the interface for session persistence.
// Implementations must be safe for concurrent use.
//
// The interface is designed to support both in-memory and distributed
// backends (Redis, database, etc.) for different deployment scenarios.
type SessionStore interface {
	// Get returns the record for a session id, or nil with no error when
	// the session is unknown.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Put stores or replaces the record for a session id.
	Put(ctx context.Context, sessionID string, record *SessionRecord) error

	// Delete removes a session. Deleting an unknown session is not an error.
	Delete(ctx context.Context, sessionID string) error
}
