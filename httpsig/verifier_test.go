package httpsig

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testResourceURL = "https://api.example.com/reports/quarterly"

func assertCode(t *testing.T, err error, want string) {
	t.Helper()
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *VerificationError, got %v", err)
	}
	if verr.Code != want {
		t.Errorf("code = %q, want %q", verr.Code, want)
	}
}

func serveDirectory(t *testing.T, doc DirectoryDocument) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var fetches atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", DirectoryContentType)
		json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(ts.Close)
	return ts, &fetches
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	ts, _ := serveDirectory(t, DirectoryDocument{Keys: []JWK{PublicKeyJWK(pub)}})

	signer, err := NewSigner(priv, ts.URL)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	paymentHeader := "eyJ4NDAyVmVyc2lvbiI6Mn0"
	headers, err := signer.SignHeaders(paymentHeader, testResourceURL)
	if err != nil {
		t.Fatalf("SignHeaders() error = %v", err)
	}
	for _, name := range []string{"Signature-Agent", "Signature-Input", "Signature"} {
		if headers[name] == "" {
			t.Fatalf("SignHeaders() missing %s", name)
		}
	}
	if want := `"` + ts.URL + `"`; headers["Signature-Agent"] != want {
		t.Errorf("Signature-Agent = %q, want %q", headers["Signature-Agent"], want)
	}

	verifier := NewVerifier(WithAllowLoopbackHTTP())
	thumb, err := verifier.Verify(context.Background(), VerifyInput{
		PaymentSignature: paymentHeader,
		SignatureAgent:   headers["Signature-Agent"],
		SignatureInput:   headers["Signature-Input"],
		Signature:        headers["Signature"],
		Method:           http.MethodGet,
		URL:              testResourceURL,
	})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	want, err := signer.Thumbprint()
	if err != nil {
		t.Fatal(err)
	}
	if thumb != want {
		t.Errorf("Verify() payer = %q, want %q", thumb, want)
	}
}

func TestVerifyTamperedPaymentHeader(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	ts, _ := serveDirectory(t, DirectoryDocument{Keys: []JWK{PublicKeyJWK(pub)}})

	signer, _ := NewSigner(priv, ts.URL)
	headers, err := signer.SignHeaders("original-header", testResourceURL)
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(WithAllowLoopbackHTTP())
	_, err = verifier.Verify(context.Background(), VerifyInput{
		PaymentSignature: "tampered-header",
		SignatureAgent:   headers["Signature-Agent"],
		SignatureInput:   headers["Signature-Input"],
		Signature:        headers["Signature"],
		Method:           http.MethodGet,
		URL:              testResourceURL,
	})
	assertCode(t, err, CodeSignatureVerifyFailed)
}

func TestVerifyWindowEdges(t *testing.T) {
	now := time.Unix(1740672600, 0)
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	ts, _ := serveDirectory(t, DirectoryDocument{Keys: []JWK{PublicKeyJWK(pub)}})

	sign := func(createdOffset, window int64) map[string]string {
		t.Helper()
		signer, err := NewSigner(priv, ts.URL,
			WithSignerClock(func() time.Time { return now.Add(time.Duration(createdOffset) * time.Second) }),
			WithValidityWindow(window),
		)
		if err != nil {
			t.Fatal(err)
		}
		headers, err := signer.SignHeaders("payment-header", testResourceURL)
		if err != nil {
			t.Fatal(err)
		}
		return headers
	}
	verify := func(headers map[string]string) error {
		verifier := NewVerifier(WithAllowLoopbackHTTP(), WithClock(func() time.Time { return now }))
		_, err := verifier.Verify(context.Background(), VerifyInput{
			PaymentSignature: "payment-header",
			SignatureAgent:   headers["Signature-Agent"],
			SignatureInput:   headers["Signature-Input"],
			Signature:        headers["Signature"],
			Method:           http.MethodGet,
			URL:              testResourceURL,
		})
		return err
	}

	t.Run("created 60s ago accepted", func(t *testing.T) {
		if err := verify(sign(-60, 0)); err != nil {
			t.Errorf("Verify() error = %v", err)
		}
	})
	t.Run("created 61s ago rejected", func(t *testing.T) {
		assertCode(t, verify(sign(-61, 0)), CodeExpiredOrNotYetValid)
	})
	t.Run("created 61s in the future rejected", func(t *testing.T) {
		assertCode(t, verify(sign(61, 0)), CodeExpiredOrNotYetValid)
	})
	t.Run("61s validity window rejected", func(t *testing.T) {
		assertCode(t, verify(sign(0, 61)), CodeWindowTooLong)
	})
}

func TestVerifyStructuralFailures(t *testing.T) {
	now := time.Unix(1740672600, 0)
	created := now.Unix() - 1
	expires := now.Unix() + 29

	fullParams := func(components, tag string) string {
		return fmt.Sprintf(`sig1=(%s);created=%d;expires=%d;keyid="k";tag="%s"`, components, created, expires, tag)
	}

	tests := []struct {
		name           string
		signatureInput string
		signature      string
		wantCode       string
	}{
		{
			name:           "missing payment-signature component",
			signatureInput: fullParams(`"signature-agent" "@authority"`, TagWebBotAuth),
			signature:      "sig1=:AAAA:",
			wantCode:       CodeMissingComponentPaymentSignature,
		},
		{
			name:           "missing signature-agent component",
			signatureInput: fullParams(`"payment-signature" "@authority"`, TagWebBotAuth),
			signature:      "sig1=:AAAA:",
			wantCode:       CodeMissingComponentSignatureAgent,
		},
		{
			name:           "missing authority component",
			signatureInput: fullParams(`"payment-signature" "signature-agent"`, TagWebBotAuth),
			signature:      "sig1=:AAAA:",
			wantCode:       CodeMissingComponentAuthority,
		},
		{
			name:           "label mismatch",
			signatureInput: fullParams(`"payment-signature" "signature-agent" "@authority"`, TagWebBotAuth),
			signature:      "sig2=:AAAA:",
			wantCode:       CodeLabelMismatch,
		},
		{
			name:           "wrong tag",
			signatureInput: fullParams(`"payment-signature" "signature-agent" "@authority"`, "message-auth"),
			signature:      "sig1=:AAAA:",
			wantCode:       CodeInvalidWebBotAuth,
		},
		{
			name:           "unparseable signature input",
			signatureInput: "???",
			signature:      "sig1=:AAAA:",
			wantCode:       CodeInvalidWebBotAuth,
		},
		{
			name:           "missing keyid",
			signatureInput: fmt.Sprintf(`sig1=("payment-signature" "signature-agent" "@authority");created=%d;expires=%d;tag="web-bot-auth"`, created, expires),
			signature:      "sig1=:AAAA:",
			wantCode:       CodeInvalidWebBotAuth,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier := NewVerifier(WithClock(func() time.Time { return now }))
			_, err := verifier.Verify(context.Background(), VerifyInput{
				PaymentSignature: "payment-header",
				SignatureAgent:   `"https://agent.example.com/jwks"`,
				SignatureInput:   tt.signatureInput,
				Signature:        tt.signature,
				Method:           http.MethodGet,
				URL:              testResourceURL,
			})
			assertCode(t, err, tt.wantCode)
		})
	}
}

func TestVerifyKeyNotFound(t *testing.T) {
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	ts, _ := serveDirectory(t, DirectoryDocument{Keys: []JWK{PublicKeyJWK(otherPub)}})

	signer, _ := NewSigner(priv, ts.URL)
	headers, err := signer.SignHeaders("payment-header", testResourceURL)
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(WithAllowLoopbackHTTP())
	_, err = verifier.Verify(context.Background(), VerifyInput{
		PaymentSignature: "payment-header",
		SignatureAgent:   headers["Signature-Agent"],
		SignatureInput:   headers["Signature-Input"],
		Signature:        headers["Signature"],
		Method:           http.MethodGet,
		URL:              testResourceURL,
	})
	assertCode(t, err, CodeKeyNotFound)
}

func TestVerifyRequiresHTTPSAgent(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	ts, _ := serveDirectory(t, DirectoryDocument{Keys: []JWK{PublicKeyJWK(pub)}})

	signer, _ := NewSigner(priv, ts.URL)
	headers, err := signer.SignHeaders("payment-header", testResourceURL)
	if err != nil {
		t.Fatal(err)
	}

	// No loopback exemption: the plain http agent URL must be refused.
	verifier := NewVerifier()
	_, err = verifier.Verify(context.Background(), VerifyInput{
		PaymentSignature: "payment-header",
		SignatureAgent:   headers["Signature-Agent"],
		SignatureInput:   headers["Signature-Input"],
		Signature:        headers["Signature"],
		Method:           http.MethodGet,
		URL:              testResourceURL,
	})
	assertCode(t, err, CodeInvalidWebBotAuth)
	if !strings.Contains(err.Error(), "https") {
		t.Errorf("error should mention https requirement, got %v", err)
	}
}

func TestDirectoryCacheReuseAndInvalidation(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	ts, fetches := serveDirectory(t, DirectoryDocument{Keys: []JWK{PublicKeyJWK(pub)}})

	signer, _ := NewSigner(priv, ts.URL)
	verifier := NewVerifier(WithAllowLoopbackHTTP())

	verifyWith := func(s *Signer) error {
		headers, err := s.SignHeaders("payment-header", testResourceURL)
		if err != nil {
			t.Fatal(err)
		}
		_, err = verifier.Verify(context.Background(), VerifyInput{
			PaymentSignature: "payment-header",
			SignatureAgent:   headers["Signature-Agent"],
			SignatureInput:   headers["Signature-Input"],
			Signature:        headers["Signature"],
			Method:           http.MethodGet,
			URL:              testResourceURL,
		})
		return err
	}

	if err := verifyWith(signer); err != nil {
		t.Fatalf("first Verify() error = %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("fetches after first verify = %d, want 1", got)
	}

	if err := verifyWith(signer); err != nil {
		t.Fatalf("second Verify() error = %v", err)
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches after cached verify = %d, want 1", got)
	}

	// A keyid the directory does not serve invalidates the cached entry and
	// forces one refetch before failing.
	_, intruderPriv, _ := ed25519.GenerateKey(rand.Reader)
	intruder, _ := NewSigner(intruderPriv, ts.URL)
	assertCode(t, verifyWith(intruder), CodeKeyNotFound)
	if got := fetches.Load(); got != 2 {
		t.Errorf("fetches after lookup miss = %d, want 2", got)
	}

	// The miss dropped the entry, so the next verify refetches.
	if err := verifyWith(signer); err != nil {
		t.Fatalf("post-invalidation Verify() error = %v", err)
	}
	if got := fetches.Load(); got != 3 {
		t.Errorf("fetches after post-invalidation verify = %d, want 3", got)
	}
}

func TestVerifyRejectsWrongDirectoryContentType(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	doc, _ := json.Marshal(DirectoryDocument{Keys: []JWK{PublicKeyJWK(pub)}})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))
	t.Cleanup(ts.Close)

	signer, _ := NewSigner(priv, ts.URL)
	headers, err := signer.SignHeaders("payment-header", testResourceURL)
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(WithAllowLoopbackHTTP())
	_, err = verifier.Verify(context.Background(), VerifyInput{
		PaymentSignature: "payment-header",
		SignatureAgent:   headers["Signature-Agent"],
		SignatureInput:   headers["Signature-Input"],
		Signature:        headers["Signature"],
		Method:           http.MethodGet,
		URL:              testResourceURL,
	})
	assertCode(t, err, CodeInvalidWebBotAuth)
}

func TestVerifyRejectsOversizedDirectory(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", DirectoryContentType)
		fmt.Fprintf(w, `{"keys":[],"padding":%q}`, strings.Repeat("a", directoryFetchLimit))
	}))
	t.Cleanup(ts.Close)

	signer, _ := NewSigner(priv, ts.URL)
	headers, err := signer.SignHeaders("payment-header", testResourceURL)
	if err != nil {
		t.Fatal(err)
	}

	verifier := NewVerifier(WithAllowLoopbackHTTP())
	_, err = verifier.Verify(context.Background(), VerifyInput{
		PaymentSignature: "payment-header",
		SignatureAgent:   headers["Signature-Agent"],
		SignatureInput:   headers["Signature-Input"],
		Signature:        headers["Signature"],
		Method:           http.MethodGet,
		URL:              testResourceURL,
	})
	assertCode(t, err, CodeInvalidWebBotAuth)
}
