package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// JWK is a JSON Web Key. Only OKP / Ed25519 keys participate in
// verification; other key types in a directory are skipped.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
}

// DirectoryDocument is the body served at a signature agent URL.
type DirectoryDocument struct {
	Keys []JWK `json:"keys"`
}

// PublicKeyJWK wraps an Ed25519 public key as a JWK.
func PublicKeyJWK(pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// Thumbprint computes the RFC 7638 thumbprint of an Ed25519 JWK: SHA-256
// over the canonical JSON of the required members ("crv", "kty", "x" in
// lexicographic order, no whitespace), base64url-encoded without padding.
func Thumbprint(key JWK) (string, error) {
	if key.Kty != "OKP" || key.Crv != "Ed25519" {
		return "", fmt.Errorf("thumbprint requires an OKP/Ed25519 key, got kty=%q crv=%q", key.Kty, key.Crv)
	}
	if key.X == "" {
		return "", fmt.Errorf("jwk is missing the x coordinate")
	}
	canonical := fmt.Sprintf(`{"crv":%q,"kty":%q,"x":%q}`, key.Crv, key.Kty, key.X)
	sum := sha256.Sum256([]byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// PublicKey decodes the JWK x coordinate into an Ed25519 public key.
func (k JWK) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("jwk x coordinate is not base64url: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jwk x coordinate is %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}
