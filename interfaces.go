package x402

import (
	"context"
)

// MoneyParser is a function that converts a decimal amount to an AssetAmount
// If the parser cannot handle the conversion, it should return nil
// Multiple parsers can be registered and will be tried in order
// The default parser is always used as a fallback
//
// Args:
//
//	amount: Decimal amount (e.g., 1.50 for $1.50)
//	network: Network identifier
//
// Returns:
//
//	AssetAmount or nil if this parser cannot handle the conversion
type MoneyParser func(amount float64, network Network) (*AssetAmount, error)

// SchemeNetworkClient is implemented by client-side payment mechanisms
type SchemeNetworkClient interface {
	Scheme() string
	CreatePaymentPayload(ctx context.Context, requirements PaymentRequirements) (PartialPaymentPayload, error)
}

// HeaderSigningClient is an optional interface for schemes that authenticate
// the encoded payment header itself with a detached HTTP message signature.
// The HTTP layer calls SignPaymentHeader with the exact PAYMENT-SIGNATURE
// header value after encoding; the returned map holds the auxiliary headers
// (Signature-Agent, Signature-Input, Signature) to set on the retried request.
type HeaderSigningClient interface {
	SchemeNetworkClient
	SignPaymentHeader(ctx context.Context, paymentHeader string, method string, resourceURL string) (map[string]string, error)
}

// SchemeNetworkServer is implemented by server-side payment mechanisms
type SchemeNetworkServer interface {
	Scheme() string
	ParsePrice(price Price, network Network) (AssetAmount, error)
	EnhancePaymentRequirements(
		ctx context.Context,
		requirements PaymentRequirements,
		supportedKind SupportedKind,
		extensions []string,
	) (PaymentRequirements, error)
}

// DeferredSettlementServer is an optional interface for scheme servers whose
// payments settle out of band (batched by the facilitator) instead of inline
// after each request. The resource server skips the settle call for these.
type DeferredSettlementServer interface {
	SchemeNetworkServer
	SettlesDeferred() bool
}

// SchemeNetworkFacilitator is implemented by facilitator-side payment mechanisms
type SchemeNetworkFacilitator interface {
	Scheme() string

	// CaipFamily returns the CAIP family pattern this facilitator supports,
	// e.g. "eip155:*" for EVM schemes or "fluxa:*" for the credit scheme.
	// Used to group signers in the supported response.
	CaipFamily() string

	// GetExtra returns mechanism-specific extra data for the supported kinds
	// endpoint, or nil when the mechanism has none.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the signer addresses this facilitator settles with on
	// the given network. Resource servers surface these so clients can bind
	// authorized processors into session approvals. Multiple addresses support
	// key rotation and load balancing.
	GetSigners(network Network) []string

	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
}

// ResourceServerExtension enriches declared extensions with transport context
// before a PaymentRequired response is issued.
type ResourceServerExtension interface {
	// Key returns the unique extension identifier, matching the key used in
	// PaymentRequired.Extensions.
	Key() string

	// EnrichDeclaration receives the declared extension value and an opaque
	// transport context (for HTTP, the request) and returns the enriched value.
	EnrichDeclaration(declaration interface{}, transportContext interface{}) interface{}
}

// FacilitatorClient is the resource server's view of a facilitator, local or
// remote. Remote implementations speak the /verify, /settle and /supported
// HTTP surface.
type FacilitatorClient interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error)
	GetSupported(ctx context.Context) (SupportedResponse, error)
}
