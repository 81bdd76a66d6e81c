package httpsig

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Stable failure codes surfaced to callers. They are wire-level names and
// must not change.
const (
	CodeInvalidWebBotAuth                = "invalid_web_bot_auth"
	CodeMissingComponentPaymentSignature = "missing_component_payment-signature"
	CodeMissingComponentSignatureAgent   = "missing_component_signature-agent"
	CodeMissingComponentAuthority        = "missing_component_@authority"
	CodeLabelMismatch                    = "label_mismatch"
	CodeWindowTooLong                    = "window_too_long"
	CodeExpiredOrNotYetValid             = "expired_or_not_yet_valid"
	CodeKeyNotFound                      = "key_not_found"
	CodeSignatureVerifyFailed            = "signature_verify_failed"
)

// maxWindowSeconds bounds expires - created. Clock skew tolerance on both
// edges is the same 60 seconds.
const maxWindowSeconds = 60

// VerificationError carries the stable failure code alongside the
// underlying cause.
type VerificationError struct {
	Code string
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *VerificationError) Unwrap() error { return e.Err }

func verificationErr(code string, err error) *VerificationError {
	return &VerificationError{Code: code, Err: err}
}

// VerifyInput carries the exact header bytes a verifier received. The
// payment signature and signature agent values must be passed through
// unmodified, since they are spliced verbatim into the signature base.
type VerifyInput struct {
	PaymentSignature string
	SignatureAgent   string
	SignatureInput   string
	Signature        string
	Method           string
	URL              string
}

// Verifier checks web-bot-auth signatures against the signer's published
// JWK directory.
type Verifier struct {
	directories *directoryCache
	now         func() time.Time
	logger      *slog.Logger

	httpClient    *http.Client
	allowLoopback bool
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithHTTPClient replaces the directory fetch client.
func WithHTTPClient(client *http.Client) VerifierOption {
	return func(v *Verifier) { v.httpClient = client }
}

// WithAllowLoopbackHTTP permits plain http directory URLs on loopback
// hosts. Intended for tests and local development only.
func WithAllowLoopbackHTTP() VerifierOption {
	return func(v *Verifier) { v.allowLoopback = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithLogger sets the logger used for verification failures.
func WithLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier constructs a Verifier with a shared 60 second directory
// cache.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.directories = newDirectoryCache(v.httpClient, v.allowLoopback, v.now)
	return v
}

// Verify checks the signature over the request's payment header and returns
// the RFC 7638 thumbprint of the key that produced it. Failures return a
// *VerificationError with a stable code.
func (v *Verifier) Verify(ctx context.Context, in VerifyInput) (string, error) {
	thumb, err := v.verify(ctx, in)
	if err != nil {
		v.logger.DebugContext(ctx, "web-bot-auth verification failed",
			slog.String("url", in.URL),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	return thumb, nil
}

func (v *Verifier) verify(ctx context.Context, in VerifyInput) (string, error) {
	if in.PaymentSignature == "" || in.SignatureAgent == "" || in.SignatureInput == "" || in.Signature == "" {
		return "", verificationErr(CodeInvalidWebBotAuth, errors.New("missing signature headers"))
	}

	si, err := ParseSignatureInput(in.SignatureInput)
	if err != nil {
		return "", verificationErr(CodeInvalidWebBotAuth, err)
	}
	sigLabel, signature, err := ParseSignature(in.Signature)
	if err != nil {
		return "", verificationErr(CodeInvalidWebBotAuth, err)
	}

	if sigLabel != si.Label {
		return "", verificationErr(CodeLabelMismatch,
			fmt.Errorf("signature label %q does not match signature-input label %q", sigLabel, si.Label))
	}
	if si.Tag != TagWebBotAuth {
		return "", verificationErr(CodeInvalidWebBotAuth, fmt.Errorf("unexpected tag %q", si.Tag))
	}
	if si.KeyID == "" {
		return "", verificationErr(CodeInvalidWebBotAuth, errors.New("missing keyid param"))
	}

	if !si.HasComponent(ComponentPaymentSignature) {
		return "", verificationErr(CodeMissingComponentPaymentSignature,
			fmt.Errorf("covered components must include %q", ComponentPaymentSignature))
	}
	if !si.HasComponent(ComponentSignatureAgent) {
		return "", verificationErr(CodeMissingComponentSignatureAgent,
			fmt.Errorf("covered components must include %q", ComponentSignatureAgent))
	}
	if !si.HasComponent(ComponentAuthority) {
		return "", verificationErr(CodeMissingComponentAuthority,
			fmt.Errorf("covered components must include %q", ComponentAuthority))
	}

	if si.Expires-si.Created > maxWindowSeconds {
		return "", verificationErr(CodeWindowTooLong,
			fmt.Errorf("validity window of %d seconds exceeds %d", si.Expires-si.Created, maxWindowSeconds))
	}
	now := v.now().Unix()
	if now < si.Created-maxWindowSeconds || now > si.Expires+maxWindowSeconds {
		return "", verificationErr(CodeExpiredOrNotYetValid,
			fmt.Errorf("now=%d outside [%d, %d]", now, si.Created-maxWindowSeconds, si.Expires+maxWindowSeconds))
	}

	authority, err := Authority(in.URL)
	if err != nil {
		return "", verificationErr(CodeInvalidWebBotAuth, err)
	}
	base := BuildSignatureBase(in.PaymentSignature, in.SignatureAgent, authority, si.ParamsRaw)

	agentURL := unquote(in.SignatureAgent)
	pub, err := v.directories.lookupKey(ctx, agentURL, si.KeyID)
	if err != nil {
		if errors.Is(err, errKeyNotInDirectory) {
			return "", verificationErr(CodeKeyNotFound, err)
		}
		return "", verificationErr(CodeInvalidWebBotAuth, err)
	}

	if !ed25519.Verify(pub, base, signature) {
		return "", verificationErr(CodeSignatureVerifyFailed, errors.New("ed25519 signature does not verify"))
	}
	return si.KeyID, nil
}

// unquote strips one pair of surrounding double quotes when present.
func unquote(s string) string {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return s[1 : len(s)-1]
	}
	return s
}
