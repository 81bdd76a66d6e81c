package facilitator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/extensions/webbotauth"
	"github.com/FluxA-Agent-Payment/x402/httpsig"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/fluxacredit"
)

// Ensure CreditFacilitator implements SchemeNetworkFacilitator
var _ x402.SchemeNetworkFacilitator = (*CreditFacilitator)(nil)

// CreditFacilitator verifies web-bot-auth signed credit payments and
// settles them against a credit ledger.
type CreditFacilitator struct {
	verifier *httpsig.Verifier
	ledger   fluxacredit.CreditLedger
	logger   *slog.Logger
}

// Option configures a CreditFacilitator.
type Option func(*CreditFacilitator)

// WithVerifier replaces the signature verifier, e.g. to allow loopback
// directories in tests.
func WithVerifier(verifier *httpsig.Verifier) Option {
	return func(f *CreditFacilitator) { f.verifier = verifier }
}

// WithLedger replaces the default in-memory credit ledger.
func WithLedger(ledger fluxacredit.CreditLedger) Option {
	return func(f *CreditFacilitator) { f.ledger = ledger }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *CreditFacilitator) { f.logger = logger }
}

func NewCreditFacilitator(opts ...Option) *CreditFacilitator {
	f := &CreditFacilitator{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.verifier == nil {
		f.verifier = httpsig.NewVerifier()
	}
	if f.ledger == nil {
		f.ledger = fluxacredit.NewMemoryLedger()
	}
	return f
}

func (f *CreditFacilitator) Scheme() string {
	return fluxacredit.Scheme
}

func (f *CreditFacilitator) CaipFamily() string {
	return fluxacredit.NetworkFamily
}

func (f *CreditFacilitator) GetExtra(network x402.Network) map[string]interface{} {
	return nil
}

func (f *CreditFacilitator) GetSigners(network x402.Network) []string {
	return []string{}
}

// Verify binds the payload to the requirements and checks the web-bot-auth
// signature over the exact payment header bytes. The payer is the signer's
// JWK thumbprint; when signature verification fails, the response still
// carries the payload's agent identity claim as a best-effort payer.
func (f *CreditFacilitator) Verify(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.VerifyResponse, error) {
	fallbackPayer := fluxacredit.AgentIDFromPayload(payload.Payload)

	if requirements.Scheme != fluxacredit.Scheme {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: ErrUnsupportedScheme,
			Payer:         fallbackPayer,
		}, nil
	}
	if !strings.HasPrefix(string(requirements.Network), "fluxa:") {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: ErrNetworkMismatch,
			Payer:         fallbackPayer,
		}, nil
	}

	if !x402.DeepEqual(payload.Accepted, requirements) {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: ErrAcceptedMismatch,
			Payer:         fallbackPayer,
		}, nil
	}

	envelope, err := webbotauth.FromPayload(payload)
	if err != nil || !envelope.Complete() {
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: httpsig.CodeInvalidWebBotAuth,
			Payer:         fallbackPayer,
		}, nil
	}

	resourceURL := ""
	if payload.Resource != nil {
		resourceURL = payload.Resource.URL
	}

	thumbprint, err := f.verifier.Verify(ctx, httpsig.VerifyInput{
		PaymentSignature: envelope.PaymentSignatureHeader,
		SignatureAgent:   envelope.SignatureAgent,
		SignatureInput:   envelope.SignatureInput,
		Signature:        envelope.Signature,
		Method:           http.MethodGet,
		URL:              resourceURL,
	})
	if err != nil {
		reason := httpsig.CodeInvalidWebBotAuth
		var verr *httpsig.VerificationError
		if errors.As(err, &verr) {
			reason = verr.Code
		}
		f.logger.DebugContext(ctx, "credit payment rejected",
			slog.String("reason", reason),
			slog.String("network", string(requirements.Network)),
		)
		return &x402.VerifyResponse{
			IsValid:       false,
			InvalidReason: reason,
			Payer:         fallbackPayer,
		}, nil
	}

	return &x402.VerifyResponse{
		IsValid: true,
		Payer:   thumbprint,
	}, nil
}

// Settle re-verifies the payment and debits the ledger. The debit is
// idempotent on requirements.extra.id: repeating a settle returns the
// original transaction without charging twice.
func (f *CreditFacilitator) Settle(
	ctx context.Context,
	payload x402.PaymentPayload,
	requirements x402.PaymentRequirements,
) (*x402.SettleResponse, error) {
	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return &x402.SettleResponse{}, err
	}
	if !verifyResp.IsValid {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Payer:       verifyResp.Payer,
			Network:     requirements.Network,
		}, nil
	}

	chargeID, _ := requirements.Extra["id"].(string)
	if chargeID == "" {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ErrInvalidRequirementsExtra,
			Payer:       verifyResp.Payer,
			Network:     requirements.Network,
		}, nil
	}

	amount, err := encoding.ParseUint256(requirements.Amount)
	if err != nil {
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ErrInvalidAmountFormat,
			Payer:       verifyResp.Payer,
			Network:     requirements.Network,
		}, nil
	}

	transaction, err := f.ledger.Debit(ctx, verifyResp.Payer, chargeID, amount)
	if err != nil {
		f.logger.ErrorContext(ctx, "credit ledger debit failed",
			slog.String("charge_id", chargeID),
			slog.String("error", err.Error()),
		)
		return &x402.SettleResponse{
			Success:     false,
			ErrorReason: ErrSettlementFailed,
			Payer:       verifyResp.Payer,
			Network:     requirements.Network,
		}, nil
	}

	f.logger.InfoContext(ctx, "credit payment settled",
		slog.String("transaction", transaction),
		slog.String("payer", verifyResp.Payer),
		slog.String("amount", requirements.Amount),
	)

	return &x402.SettleResponse{
		Success:     true,
		Transaction: transaction,
		Network:     requirements.Network,
		Payer:       verifyResp.Payer,
	}, nil
}
