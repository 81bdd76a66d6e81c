package facilitator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/extensions/webbotauth"
	"github.com/FluxA-Agent-Payment/x402/httpsig"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/fluxacredit"
)

const testResourceURL = "https://api.example.com/reports/quarterly"

type fixture struct {
	facilitator  *CreditFacilitator
	ledger       *fluxacredit.MemoryLedger
	requirements x402.PaymentRequirements
	payload      x402.PaymentPayload
	envelope     webbotauth.Envelope
	thumbprint   string
}

// newFixture wires a signed credit payment the way a client and resource
// server would: encode the payload, sign the exact header bytes, then attach
// the received headers as the web-bot-auth extension.
func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, mutate func(*x402.PaymentRequirements)) *fixture {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", httpsig.DirectoryContentType)
		json.NewEncoder(w).Encode(httpsig.DirectoryDocument{Keys: []httpsig.JWK{httpsig.PublicKeyJWK(pub)}})
	}))
	t.Cleanup(directory.Close)

	signer, err := httpsig.NewSigner(priv, directory.URL)
	if err != nil {
		t.Fatal(err)
	}
	thumbprint, err := signer.Thumbprint()
	if err != nil {
		t.Fatal(err)
	}

	requirements := x402.PaymentRequirements{
		Scheme:            fluxacredit.Scheme,
		Network:           fluxacredit.NetworkMonetize,
		Asset:             fluxacredit.AssetCredit,
		Amount:            "25",
		PayTo:             "fluxa:facilitator:us-east-1",
		MaxTimeoutSeconds: 300,
		Extra:             map[string]interface{}{"id": "abc123"},
	}
	if mutate != nil {
		mutate(&requirements)
	}

	payload := x402.PaymentPayload{
		X402Version: x402.ProtocolVersion,
		Resource:    &x402.ResourceInfo{URL: testResourceURL},
		Accepted:    requirements,
		Payload: map[string]interface{}{
			fluxacredit.AgentIDPayloadKey: thumbprint,
		},
	}

	header, err := encoding.EncodePaymentPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	headers, err := signer.SignHeaders(header, testResourceURL)
	if err != nil {
		t.Fatal(err)
	}
	envelope := webbotauth.Envelope{
		SignatureAgent:         headers["Signature-Agent"],
		SignatureInput:         headers["Signature-Input"],
		Signature:              headers["Signature"],
		PaymentSignatureHeader: header,
	}
	webbotauth.Attach(&payload, envelope)

	ledger := fluxacredit.NewMemoryLedger()
	fac := NewCreditFacilitator(
		WithVerifier(httpsig.NewVerifier(httpsig.WithAllowLoopbackHTTP())),
		WithLedger(ledger),
	)

	return &fixture{
		facilitator:  fac,
		ledger:       ledger,
		requirements: requirements,
		payload:      payload,
		envelope:     envelope,
		thumbprint:   thumbprint,
	}
}

func TestCreditFacilitatorVerifyHappyPath(t *testing.T) {
	fx := newFixture(t)

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !resp.IsValid {
		t.Fatalf("Verify() invalid: %s", resp.InvalidReason)
	}
	if resp.Payer != fx.thumbprint {
		t.Errorf("payer = %q, want thumbprint %q", resp.Payer, fx.thumbprint)
	}
}

func TestCreditFacilitatorSettleIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.facilitator.Settle(ctx, fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if !first.Success {
		t.Fatalf("Settle() failed: %s", first.ErrorReason)
	}
	if want := "credit-ledger:abc123"; first.Transaction != want {
		t.Errorf("transaction = %q, want %q", first.Transaction, want)
	}
	if first.Network != fx.requirements.Network {
		t.Errorf("network = %q, want %q", first.Network, fx.requirements.Network)
	}

	second, err := fx.facilitator.Settle(ctx, fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("repeated Settle() error = %v", err)
	}
	if !second.Success || second.Transaction != first.Transaction {
		t.Errorf("repeated Settle() = %+v, want same transaction %q", second, first.Transaction)
	}

	charged := fx.ledger.Charged(fx.thumbprint)
	if charged.String() != "25" {
		t.Errorf("ledger charged %s after two settles, want 25", charged)
	}
}

func TestCreditFacilitatorVerifyMissingComponent(t *testing.T) {
	fx := newFixture(t)

	// Re-issue the Signature-Input without the payment-signature component.
	// The structural check fires before any signature math, so the stale
	// signature bytes are never inspected.
	now := time.Now().Unix()
	fx.envelope.SignatureInput = fmt.Sprintf(
		`sig1=("signature-agent" "@authority");created=%d;expires=%d;keyid="%s";tag="web-bot-auth"`,
		now-1, now+29, fx.thumbprint)
	webbotauth.Attach(&fx.payload, fx.envelope)

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.IsValid {
		t.Fatal("Verify() accepted a signature without the payment-signature component")
	}
	if want := httpsig.CodeMissingComponentPaymentSignature; resp.InvalidReason != want {
		t.Errorf("invalidReason = %q, want %q", resp.InvalidReason, want)
	}
	if resp.Payer != fx.thumbprint {
		t.Errorf("fallback payer = %q, want agent claim %q", resp.Payer, fx.thumbprint)
	}
}

func TestCreditFacilitatorVerifyTamperedHeader(t *testing.T) {
	fx := newFixture(t)

	fx.envelope.PaymentSignatureHeader = fx.envelope.PaymentSignatureHeader + "x"
	webbotauth.Attach(&fx.payload, fx.envelope)

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.IsValid {
		t.Fatal("Verify() accepted a tampered payment header")
	}
	if want := httpsig.CodeSignatureVerifyFailed; resp.InvalidReason != want {
		t.Errorf("invalidReason = %q, want %q", resp.InvalidReason, want)
	}
}

func TestCreditFacilitatorVerifyBindingMismatch(t *testing.T) {
	fx := newFixture(t)

	tampered := fx.requirements
	tampered.Amount = "26"

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, tampered)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.IsValid {
		t.Fatal("Verify() accepted a payload bound to different requirements")
	}
	if resp.InvalidReason != ErrAcceptedMismatch {
		t.Errorf("invalidReason = %q, want %q", resp.InvalidReason, ErrAcceptedMismatch)
	}
}

func TestCreditFacilitatorVerifyMissingEnvelope(t *testing.T) {
	fx := newFixture(t)
	fx.payload.Extensions = nil

	resp, err := fx.facilitator.Verify(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if resp.IsValid {
		t.Fatal("Verify() accepted a payload without the web-bot-auth extension")
	}
	if resp.InvalidReason != httpsig.CodeInvalidWebBotAuth {
		t.Errorf("invalidReason = %q, want %q", resp.InvalidReason, httpsig.CodeInvalidWebBotAuth)
	}
}

func TestCreditFacilitatorSettleWithoutChargeID(t *testing.T) {
	fx := newFixtureWith(t, func(r *x402.PaymentRequirements) {
		r.Extra = nil
	})

	resp, err := fx.facilitator.Settle(context.Background(), fx.payload, fx.requirements)
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if resp.Success {
		t.Fatal("Settle() succeeded without a charge id")
	}
	if resp.ErrorReason != ErrInvalidRequirementsExtra {
		t.Errorf("errorReason = %q, want %q", resp.ErrorReason, ErrInvalidRequirementsExtra)
	}
}
