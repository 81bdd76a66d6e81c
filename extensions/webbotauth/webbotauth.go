// Package webbotauth carries the web-bot-auth identity extension: the
// resource server copies the signature headers it received into the payment
// payload so the facilitator can verify them without seeing the original
// HTTP request.
package webbotauth

import (
	"encoding/json"
	"fmt"

	x402 "github.com/FluxA-Agent-Payment/x402"
)

// ExtensionKey is the payload extensions entry holding the envelope.
const ExtensionKey = "web-bot-auth"

// Envelope is the wire shape of the extension. PaymentSignatureHeader holds
// the exact bytes of the PAYMENT-SIGNATURE header as received; re-encoding
// the payload would break the signature.
type Envelope struct {
	SignatureAgent         string `json:"signatureAgent"`
	SignatureInput         string `json:"signatureInput"`
	Signature              string `json:"signature"`
	PaymentSignatureHeader string `json:"paymentSignatureHeader"`
}

// Complete reports whether every field a verifier needs is present.
func (e Envelope) Complete() bool {
	return e.SignatureAgent != "" && e.SignatureInput != "" && e.Signature != "" && e.PaymentSignatureHeader != ""
}

// Attach stores the envelope on the payload, allocating the extensions map
// when needed.
func Attach(payload *x402.PaymentPayload, env Envelope) {
	if payload.Extensions == nil {
		payload.Extensions = make(map[string]interface{})
	}
	payload.Extensions[ExtensionKey] = env
}

// FromPayload extracts the envelope from a payload's extensions. It returns
// an error when the extension is absent or structurally wrong.
func FromPayload(payload x402.PaymentPayload) (*Envelope, error) {
	raw, ok := payload.Extensions[ExtensionKey]
	if !ok || raw == nil {
		return nil, fmt.Errorf("payload has no %q extension", ExtensionKey)
	}

	if env, ok := raw.(Envelope); ok {
		return &env, nil
	}

	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling %q extension: %w", ExtensionKey, err)
	}
	var env Envelope
	if err := json.Unmarshal(rawBytes, &env); err != nil {
		return nil, fmt.Errorf("decoding %q extension: %w", ExtensionKey, err)
	}
	return &env, nil
}
