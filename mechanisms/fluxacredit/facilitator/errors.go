package facilitator

// Stable invalid/error reason codes for the credit scheme. Web-bot-auth
// verification failures reuse the codes from the httpsig package.
const (
	ErrUnsupportedScheme        = "unsupported_scheme"
	ErrNetworkMismatch          = "network_mismatch"
	ErrAcceptedMismatch         = "accepted_requirements_mismatch"
	ErrInvalidRequirementsExtra = "invalid_requirements_extra"
	ErrInvalidAmountFormat      = "invalid_amount_format"
	ErrSettlementFailed         = "settlement_failed"
)
