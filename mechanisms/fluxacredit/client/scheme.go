package client

import (
	"context"
	"fmt"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/httpsig"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/fluxacredit"
)

// Ensure CreditClient implements the header-signing client surface.
var _ x402.HeaderSigningClient = (*CreditClient)(nil)

// CreditClient produces credit-scheme payment payloads and signs the encoded
// payment header with the web-bot-auth profile.
type CreditClient struct {
	signer *httpsig.Signer
}

// NewCreditClient wraps an httpsig.Signer whose agent URL serves the
// client's JWK directory.
func NewCreditClient(signer *httpsig.Signer) (*CreditClient, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	return &CreditClient{signer: signer}, nil
}

func (c *CreditClient) Scheme() string {
	return fluxacredit.Scheme
}

// CreatePaymentPayload carries no transfer authorization of its own; the
// charge is authorized by the HTTP message signature over the encoded
// header. The payload only claims the agent identity as a fallback payer.
func (c *CreditClient) CreatePaymentPayload(
	ctx context.Context,
	requirements x402.PaymentRequirements,
) (x402.PartialPaymentPayload, error) {
	thumbprint, err := c.signer.Thumbprint()
	if err != nil {
		return x402.PartialPaymentPayload{}, fmt.Errorf("computing key thumbprint: %w", err)
	}

	return x402.PartialPaymentPayload{
		X402Version: x402.ProtocolVersion,
		Payload: map[string]interface{}{
			fluxacredit.AgentIDPayloadKey: thumbprint,
		},
	}, nil
}

// SignPaymentHeader signs the exact PAYMENT-SIGNATURE header value and
// returns the Signature-Agent, Signature-Input and Signature headers for
// the retried request.
func (c *CreditClient) SignPaymentHeader(
	ctx context.Context,
	paymentHeader string,
	method string,
	resourceURL string,
) (map[string]string, error) {
	return c.signer.SignHeaders(paymentHeader, resourceURL)
}
