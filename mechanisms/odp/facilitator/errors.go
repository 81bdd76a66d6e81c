package facilitator

// Verification failure reasons, returned as VerifyResponse.InvalidReason.
// Stable wire names; checks run in a fixed order and the first failure wins.
const (
	ErrUnsupportedScheme           = "unsupported_scheme"
	ErrNetworkMismatch             = "network_mismatch"
	ErrInvalidRequirementsExtra    = "invalid_requirements_extra"
	ErrMissingReceipt              = "invalid_odp_payload_missing_receipt"
	ErrMissingReceiptSignature     = "missing_receipt_signature"
	ErrSessionIDMismatch           = "session_id_mismatch"
	ErrSettlementContractMismatch  = "settlement_contract_mismatch"
	ErrDebitWalletMismatch         = "debit_wallet_mismatch"
	ErrWithdrawDelayMismatch       = "withdraw_delay_mismatch"
	ErrMissingSessionSignature     = "missing_session_signature"
	ErrInvalidSessionSignature     = "invalid_session_signature"
	ErrSessionApprovalMismatch     = "session_approval_mismatch"
	ErrMissingSessionApproval      = "missing_session_approval"
	ErrRequirementsSessionMismatch = "requirements_session_mismatch"
	ErrProcessorsHashMismatch      = "authorized_processors_hash_mismatch"
	ErrUnauthorizedProcessor       = "unauthorized_processor"
	ErrDebitWalletWithdrawDelay    = "debit_wallet_withdraw_delay_mismatch"
	ErrInvalidReceiptSignature     = "invalid_receipt_signature"
	ErrReceiptNonceMismatch        = "receipt_nonce_mismatch"
	ErrReceiptAmountMismatch       = "receipt_amount_mismatch"
	ErrReceiptAmountExceedsMax     = "receipt_amount_exceeds_max"
	ErrSessionExpired              = "session_expired"
	ErrReceiptDeadlineInvalid      = "receipt_deadline_invalid"
	ErrRequestHashMismatch         = "request_hash_mismatch"
	ErrMaxSpendExceeded            = "session_max_spend_exceeded"
	ErrInsufficientBalance         = "insufficient_debit_wallet_balance"
)

// Settlement failure reasons, returned as SettleResponse.ErrorReason.
const (
	ErrSessionNotFound             = "session_not_found"
	ErrSettlementInProgress        = "settlement_in_progress"
	ErrNoReceipts                  = "no_receipts"
	ErrReceiptNonceGap             = "receipt_nonce_gap"
	ErrSettlementTransactionFailed = "settlement_transaction_failed"
)
