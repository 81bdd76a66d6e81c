package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"
)

// Signer produces web-bot-auth signatures over a payment header. The agent
// URL must serve the signer's public key as a JWK directory.
type Signer struct {
	priv     ed25519.PrivateKey
	agentURL string
	label    string
	window   int64
	now      func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithLabel overrides the signature label. The default is "sig1".
func WithLabel(label string) SignerOption {
	return func(s *Signer) { s.label = label }
}

// WithValidityWindow sets expires - created in seconds. Values above the
// verifier maximum of 60 are rejected at verification time.
func WithValidityWindow(seconds int64) SignerOption {
	return func(s *Signer) { s.window = seconds }
}

// WithSignerClock overrides the time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner constructs a Signer for the given key and signature agent URL.
func NewSigner(priv ed25519.PrivateKey, agentURL string, opts ...SignerOption) (*Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is %d bytes, want %d", len(priv), ed25519.PrivateKeySize)
	}
	if agentURL == "" {
		return nil, fmt.Errorf("signature agent url is required")
	}
	s := &Signer{
		priv:     priv,
		agentURL: agentURL,
		label:    "sig1",
		window:   maxWindowSeconds,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Thumbprint returns the RFC 7638 thumbprint of the signer's public key,
// which verifiers use as the keyid.
func (s *Signer) Thumbprint() (string, error) {
	return Thumbprint(PublicKeyJWK(s.priv.Public().(ed25519.PublicKey)))
}

// JWK returns the signer's public key for publication in a directory.
func (s *Signer) JWK() JWK {
	return PublicKeyJWK(s.priv.Public().(ed25519.PublicKey))
}

// SignHeaders signs the payment header for a request to resourceURL and
// returns the Signature-Agent, Signature-Input and Signature header values.
func (s *Signer) SignHeaders(paymentHeader, resourceURL string) (map[string]string, error) {
	authority, err := Authority(resourceURL)
	if err != nil {
		return nil, err
	}
	keyid, err := s.Thumbprint()
	if err != nil {
		return nil, err
	}

	created := s.now().Unix()
	expires := created + s.window

	agentHeader := `"` + s.agentURL + `"`
	params := fmt.Sprintf(`("%s" "%s" "%s");created=%d;expires=%d;keyid="%s";tag="%s"`,
		ComponentPaymentSignature, ComponentSignatureAgent, ComponentAuthority,
		created, expires, keyid, TagWebBotAuth)

	base := BuildSignatureBase(paymentHeader, agentHeader, authority, params)
	signature := ed25519.Sign(s.priv, base)

	return map[string]string{
		"Signature-Agent": agentHeader,
		"Signature-Input": s.label + "=" + params,
		"Signature":       s.label + "=:" + base64.StdEncoding.EncodeToString(signature) + ":",
	}, nil
}
