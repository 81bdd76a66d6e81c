package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/extensions/webbotauth"
)

// stubSchemeFacilitator records calls and answers with canned responses.
type stubSchemeFacilitator struct {
	scheme         string
	verifyResponse *x402.VerifyResponse
	settleResponse *x402.SettleResponse

	verifyCalls       int
	settleCalls       int
	lastVerifyPayload x402.PaymentPayload
}

func (s *stubSchemeFacilitator) Scheme() string { return s.scheme }

func (s *stubSchemeFacilitator) CaipFamily() string { return "fluxa:*" }

func (s *stubSchemeFacilitator) GetExtra(network x402.Network) map[string]interface{} { return nil }

func (s *stubSchemeFacilitator) GetSigners(network x402.Network) []string { return nil }

func (s *stubSchemeFacilitator) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	s.verifyCalls++
	s.lastVerifyPayload = payload
	if s.verifyResponse != nil {
		return s.verifyResponse, nil
	}
	return &x402.VerifyResponse{IsValid: true, Payer: "test-payer"}, nil
}

func (s *stubSchemeFacilitator) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	s.settleCalls++
	if s.settleResponse != nil {
		return s.settleResponse, nil
	}
	return &x402.SettleResponse{
		Success:     true,
		Transaction: fmt.Sprintf("credit-ledger:settle-%d", s.settleCalls),
		Payer:       "test-payer",
		Network:     requirements.Network,
	}, nil
}

func newServiceFixture(t *testing.T, opts ...FacilitatorServiceOption) (*FacilitatorService, *stubSchemeFacilitator, *httptest.Server) {
	t.Helper()

	stub := &stubSchemeFacilitator{scheme: "fluxacredit"}
	facilitator := x402.Newx402Facilitator()
	facilitator.Register("fluxa:monetize", stub)
	facilitator.RegisterExtension("web-bot-auth")

	service := NewFacilitatorService(facilitator, opts...)
	server := httptest.NewServer(service.Handler())
	t.Cleanup(server.Close)

	return service, stub, server
}

func postJSON(t *testing.T, url string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest("POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, buf.Bytes()
}

func serviceVerifyRequest() x402.VerifyRequest {
	return x402.VerifyRequest{
		PaymentPayload:      creditPayload(),
		PaymentRequirements: creditRequirements(),
	}
}

func serviceSettleRequest() x402.SettleRequest {
	return x402.SettleRequest{
		PaymentPayload:      creditPayload(),
		PaymentRequirements: creditRequirements(),
	}
}

func TestFacilitatorServiceVerify(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	resp, body := postJSON(t, server.URL+"/verify", serviceVerifyRequest(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !verifyResponse.IsValid {
		t.Errorf("expected valid, got reason %q", verifyResponse.InvalidReason)
	}
	if verifyResponse.Payer != "test-payer" {
		t.Errorf("expected payer test-payer, got %q", verifyResponse.Payer)
	}
	if stub.verifyCalls != 1 {
		t.Errorf("expected 1 verify call, got %d", stub.verifyCalls)
	}
}

func TestFacilitatorServiceVerifySemanticFailureIs200(t *testing.T) {
	_, stub, server := newServiceFixture(t)
	stub.verifyResponse = &x402.VerifyResponse{IsValid: false, InvalidReason: "insufficient_credit"}

	resp, body := postJSON(t, server.URL+"/verify", serviceVerifyRequest(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("semantic failures ride in 200 bodies, got %d", resp.StatusCode)
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if verifyResponse.IsValid {
		t.Error("expected invalid")
	}
	if verifyResponse.InvalidReason != "insufficient_credit" {
		t.Errorf("expected insufficient_credit, got %q", verifyResponse.InvalidReason)
	}
}

func TestFacilitatorServiceVerifyUnknownScheme(t *testing.T) {
	_, _, server := newServiceFixture(t)

	request := serviceVerifyRequest()
	request.PaymentRequirements.Scheme = "barter"
	request.PaymentPayload.Accepted.Scheme = "barter"

	resp, body := postJSON(t, server.URL+"/verify", request, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(body, &verifyResponse); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if verifyResponse.IsValid {
		t.Error("expected invalid for unknown scheme")
	}
	if verifyResponse.InvalidReason != x402.ErrCodeUnsupportedScheme {
		t.Errorf("expected %s, got %q", x402.ErrCodeUnsupportedScheme, verifyResponse.InvalidReason)
	}
}

func TestFacilitatorServiceVerifyMalformedBody(t *testing.T) {
	_, _, server := newServiceFixture(t)

	resp, err := http.Post(server.URL+"/verify", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed JSON should be 400, got %d", resp.StatusCode)
	}
}

func TestFacilitatorServiceSettle(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	resp, body := postJSON(t, server.URL+"/settle", serviceSettleRequest(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !settleResponse.Success {
		t.Fatalf("expected success, got reason %q", settleResponse.ErrorReason)
	}
	if settleResponse.Transaction != "credit-ledger:settle-1" {
		t.Errorf("unexpected transaction %q", settleResponse.Transaction)
	}
	if stub.settleCalls != 1 {
		t.Errorf("expected 1 settle call, got %d", stub.settleCalls)
	}
}

func TestFacilitatorServiceSettleRetryHitsCache(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	// Same issuance settled twice: one ledger call, identical responses.
	_, body1 := postJSON(t, server.URL+"/settle", serviceSettleRequest(), nil)
	_, body2 := postJSON(t, server.URL+"/settle", serviceSettleRequest(), nil)

	if stub.settleCalls != 1 {
		t.Fatalf("expected retry to be served from cache, got %d settle calls", stub.settleCalls)
	}

	var first, second x402.SettleResponse
	if err := json.Unmarshal(body1, &first); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if err := json.Unmarshal(body2, &second); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if first.Transaction != second.Transaction {
		t.Errorf("cached retry returned different transaction: %q vs %q", first.Transaction, second.Transaction)
	}
}

func TestFacilitatorServiceSettleFailureNotCached(t *testing.T) {
	_, stub, server := newServiceFixture(t)
	stub.settleResponse = &x402.SettleResponse{
		Success:     false,
		ErrorReason: "insufficient_credit",
		Network:     "fluxa:monetize",
	}

	resp, body := postJSON(t, server.URL+"/settle", serviceSettleRequest(), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if settleResponse.Success {
		t.Fatal("expected failure")
	}

	// The failure must not answer the retry; the next attempt reaches the
	// scheme again and succeeds.
	stub.settleResponse = nil
	_, body = postJSON(t, server.URL+"/settle", serviceSettleRequest(), nil)
	if err := json.Unmarshal(body, &settleResponse); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !settleResponse.Success {
		t.Fatalf("expected retry to succeed, got %q", settleResponse.ErrorReason)
	}
	if stub.settleCalls != 2 {
		t.Errorf("expected 2 settle calls, got %d", stub.settleCalls)
	}
}

func TestFacilitatorServiceSupported(t *testing.T) {
	_, _, server := newServiceFixture(t)

	resp, err := http.Get(server.URL + "/supported")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var supported x402.SupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supported); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(supported.Kinds) != 1 {
		t.Fatalf("expected 1 kind, got %d", len(supported.Kinds))
	}
	kind := supported.Kinds[0]
	if kind.X402Version != 2 || kind.Scheme != "fluxacredit" || kind.Network != "fluxa:monetize" {
		t.Errorf("unexpected kind: %+v", kind)
	}
	if len(supported.Extensions) != 1 || supported.Extensions[0] != "web-bot-auth" {
		t.Errorf("unexpected extensions: %v", supported.Extensions)
	}
}

func TestFacilitatorServiceMetrics(t *testing.T) {
	_, _, server := newServiceFixture(t)

	postJSON(t, server.URL+"/verify", serviceVerifyRequest(), nil)
	postJSON(t, server.URL+"/settle", serviceSettleRequest(), nil)

	resp, err := http.Get(server.URL + "/benchmark/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var metrics BenchmarkMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if metrics.ReceiptsVerified != 1 {
		t.Errorf("expected 1 verified receipt, got %d", metrics.ReceiptsVerified)
	}
	if metrics.ReceiptsSettled != 1 {
		t.Errorf("expected 1 settled receipt, got %d", metrics.ReceiptsSettled)
	}
	if metrics.SettlementTransactions != 1 {
		t.Errorf("expected 1 settlement transaction, got %d", metrics.SettlementTransactions)
	}
}

func TestFacilitatorServiceMetricsOverride(t *testing.T) {
	_, _, server := newServiceFixture(t, WithMetricsFunc(func() BenchmarkMetrics {
		return BenchmarkMetrics{
			ReceiptsVerified:       42,
			ReceiptsSettled:        40,
			SettlementTransactions: 10,
			PendingSessions:        2,
		}
	}))

	resp, err := http.Get(server.URL + "/benchmark/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	var metrics BenchmarkMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if metrics.ReceiptsVerified != 42 || metrics.PendingSessions != 2 {
		t.Errorf("expected override metrics, got %+v", metrics)
	}
}

func TestFacilitatorServiceOversizedHeader(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	headers := map[string]string{
		HeaderPaymentSignature: strings.Repeat("A", MaxPaymentHeaderBytes+1),
	}
	resp, _ := postJSON(t, server.URL+"/verify", serviceVerifyRequest(), headers)
	if resp.StatusCode != http.StatusRequestHeaderFieldsTooLarge {
		t.Errorf("expected 431, got %d", resp.StatusCode)
	}
	if stub.verifyCalls != 0 {
		t.Errorf("oversized header must be rejected before verification, got %d calls", stub.verifyCalls)
	}
}

func TestFacilitatorServiceRawSignatureHeaderFallback(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	paymentHeader := "eyJ4NDAyVmVyc2lvbiI6Mn0"
	headers := map[string]string{
		HeaderSignatureAgent:   `"https://agent.example.com"`,
		HeaderSignatureInput:   `sig1=("signature-agent" "@authority");created=1740672000;keyid="thumb";tag="web-bot-auth"`,
		HeaderSignature:        "sig1=:c2lnbmF0dXJl:",
		HeaderPaymentSignature: paymentHeader,
	}

	resp, _ := postJSON(t, server.URL+"/verify", serviceVerifyRequest(), headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	env, err := webbotauth.FromPayload(stub.lastVerifyPayload)
	if err != nil {
		t.Fatalf("expected envelope reconstructed from raw headers: %v", err)
	}
	if env.SignatureAgent != `"https://agent.example.com"` {
		t.Errorf("unexpected signature agent %q", env.SignatureAgent)
	}
	if env.PaymentSignatureHeader != paymentHeader {
		t.Errorf("envelope must carry the raw header bytes, got %q", env.PaymentSignatureHeader)
	}
}

func TestFacilitatorServiceExplicitExtensionWins(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	request := serviceVerifyRequest()
	request.PaymentPayload.Extensions = map[string]interface{}{
		webbotauth.ExtensionKey: map[string]interface{}{
			"signatureAgent":         `"https://embedded.example.com"`,
			"signatureInput":         "sig1=(...)",
			"signature":              "sig1=:ZW1iZWRkZWQ=:",
			"paymentSignatureHeader": "ZW1iZWRkZWQ",
		},
	}

	headers := map[string]string{
		HeaderSignatureAgent:   `"https://raw.example.com"`,
		HeaderSignatureInput:   "sig1=(...)",
		HeaderSignature:        "sig1=:cmF3:",
		HeaderPaymentSignature: "cmF3",
	}

	resp, _ := postJSON(t, server.URL+"/verify", request, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	env, err := webbotauth.FromPayload(stub.lastVerifyPayload)
	if err != nil {
		t.Fatalf("expected embedded envelope: %v", err)
	}
	if env.SignatureAgent != `"https://embedded.example.com"` {
		t.Errorf("raw headers must not override the embedded extension, got agent %q", env.SignatureAgent)
	}
}

func TestFacilitatorServiceIncompleteRawHeadersIgnored(t *testing.T) {
	_, stub, server := newServiceFixture(t)

	// Missing Signature-Input: no envelope can be built.
	headers := map[string]string{
		HeaderSignatureAgent:   `"https://agent.example.com"`,
		HeaderSignature:        "sig1=:c2ln:",
		HeaderPaymentSignature: "eyJ4NDAyVmVyc2lvbiI6Mn0",
	}

	resp, _ := postJSON(t, server.URL+"/verify", serviceVerifyRequest(), headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if _, err := webbotauth.FromPayload(stub.lastVerifyPayload); err == nil {
		t.Error("incomplete raw headers must not produce an envelope")
	}
}
