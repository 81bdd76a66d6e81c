// Package encoding implements the x402 wire codecs: canonical JSON bodies
// carried in PAYMENT-REQUIRED, PAYMENT-SIGNATURE and PAYMENT-RESPONSE headers
// as base64url without padding.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	x402 "github.com/FluxA-Agent-Payment/x402"
)

// Canonical marshals v into canonical JSON: object keys sorted
// lexicographically, arrays in order, no insignificant whitespace. Numbers
// pass through undisturbed, so values that already ride as decimal strings
// keep their exact digits.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	out, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("remarshal: %w", err)
	}
	return out, nil
}

// EncodeHeader encodes v as a payment header value:
// base64url(canonical JSON), no padding.
func EncodeHeader(v interface{}) (string, error) {
	data, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeHeader decodes a payment header value into out. Padding characters
// and the standard (non-URL-safe) base64 alphabet are rejected.
func DecodeHeader(header string, out interface{}) error {
	if header == "" {
		return fmt.Errorf("empty header")
	}
	if strings.ContainsRune(header, '=') {
		return fmt.Errorf("padded base64 not allowed in payment headers")
	}
	if strings.ContainsAny(header, "+/") {
		return fmt.Errorf("non-URL-safe base64 alphabet in payment header")
	}

	data, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("invalid base64url encoding: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid header JSON: %w", err)
	}
	return nil
}

// EncodePaymentRequired encodes the PAYMENT-REQUIRED header value.
func EncodePaymentRequired(required x402.PaymentRequired) (string, error) {
	return EncodeHeader(required)
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header value.
func DecodePaymentRequired(header string) (x402.PaymentRequired, error) {
	var required x402.PaymentRequired
	if err := DecodeHeader(header, &required); err != nil {
		return x402.PaymentRequired{}, err
	}
	return required, nil
}

// EncodePaymentPayload encodes the PAYMENT-SIGNATURE header value.
func EncodePaymentPayload(payload x402.PaymentPayload) (string, error) {
	return EncodeHeader(payload)
}

// DecodePaymentPayload decodes a PAYMENT-SIGNATURE header value.
func DecodePaymentPayload(header string) (x402.PaymentPayload, error) {
	var payload x402.PaymentPayload
	if err := DecodeHeader(header, &payload); err != nil {
		return x402.PaymentPayload{}, err
	}
	return payload, nil
}

// EncodePaymentResponse encodes the PAYMENT-RESPONSE header value.
func EncodePaymentResponse(response x402.PaymentResponse) (string, error) {
	return EncodeHeader(response)
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE header value.
func DecodePaymentResponse(header string) (x402.PaymentResponse, error) {
	var response x402.PaymentResponse
	if err := DecodeHeader(header, &response); err != nil {
		return x402.PaymentResponse{}, err
	}
	return response, nil
}
