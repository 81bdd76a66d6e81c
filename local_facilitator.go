package x402

import "context"

// LocalFacilitatorClient adapts an in-process X402Facilitator to the
// FacilitatorClient interface, so a resource server can verify and settle
// without a facilitator service on the wire.
type LocalFacilitatorClient struct {
	facilitator *X402Facilitator
	identifier  string
}

var _ FacilitatorClient = (*LocalFacilitatorClient)(nil)

// NewLocalFacilitatorClient creates a client backed by a local facilitator
func NewLocalFacilitatorClient(facilitator *X402Facilitator) *LocalFacilitatorClient {
	return &LocalFacilitatorClient{
		facilitator: facilitator,
		identifier:  "local",
	}
}

// Identifier returns the client identifier
func (c *LocalFacilitatorClient) Identifier() string {
	return c.identifier
}

// Verify verifies a payment against the local facilitator
func (c *LocalFacilitatorClient) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	return c.facilitator.Verify(ctx, payload, requirements)
}

// Settle settles a payment through the local facilitator
func (c *LocalFacilitatorClient) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	return c.facilitator.Settle(ctx, payload, requirements)
}

// GetSupported returns the local facilitator's supported payment kinds
func (c *LocalFacilitatorClient) GetSupported(ctx context.Context) (SupportedResponse, error) {
	return c.facilitator.GetSupported(), nil
}
