package http

import (
	"errors"
	"fmt"
	"regexp"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
)

// ErrHeaderTooLarge marks a payment-bearing header over MaxPaymentHeaderBytes.
// Transports map it to 431 Request Header Fields Too Large.
var ErrHeaderTooLarge = errors.New("payment header exceeds size limit")

// Base64url (unpadded) pattern - requires at least one character
var base64urlRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateAndDecodePaymentHeader validates and decodes a PAYMENT-SIGNATURE
// header. It performs comprehensive validation of:
// - Header size against MaxPaymentHeaderBytes
// - Base64url format (unpadded)
// - JSON structure
// - Required fields and their types
//
// Returns the decoded PaymentPayload if valid, or an error with a descriptive message.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*x402.PaymentPayload, error) {
	// Validate header is not empty
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	if len(paymentHeader) > MaxPaymentHeaderBytes {
		return nil, ErrHeaderTooLarge
	}

	// Validate base64url format before decoding so padded or standard-alphabet
	// input fails with a format error rather than a JSON one
	if !base64urlRegex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid unpadded base64url")
	}

	// Decode into a map first for field-by-field validation
	var rawPayload map[string]interface{}
	if err := encoding.DecodeHeader(paymentHeader, &rawPayload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: %v", err)
	}

	// Validate required top-level fields
	if _, exists := rawPayload["x402Version"]; !exists {
		return nil, fmt.Errorf("missing required field: x402Version")
	}
	version, ok := rawPayload["x402Version"].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid field type: x402Version must be a number")
	}
	if int(version) != x402.ProtocolVersion {
		return nil, fmt.Errorf("invalid value: x402Version must be %d", x402.ProtocolVersion)
	}

	if _, exists := rawPayload["accepted"]; !exists {
		return nil, fmt.Errorf("missing required field: accepted")
	}
	if _, ok := rawPayload["accepted"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: accepted must be an object")
	}

	if _, exists := rawPayload["payload"]; !exists {
		return nil, fmt.Errorf("missing required field: payload")
	}
	if _, ok := rawPayload["payload"].(map[string]interface{}); !ok {
		return nil, fmt.Errorf("invalid field type: payload must be an object")
	}

	// Resource is optional in the payload; when present it must be well formed
	if raw, exists := rawPayload["resource"]; exists && raw != nil {
		resourceMap, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("invalid field type: resource must be an object")
		}
		if url, exists := resourceMap["url"]; exists {
			if _, ok := url.(string); !ok {
				return nil, fmt.Errorf("invalid field type: resource.url must be a string")
			}
		}
	}

	if raw, exists := rawPayload["extensions"]; exists && raw != nil {
		if _, ok := raw.(map[string]interface{}); !ok {
			return nil, fmt.Errorf("invalid field type: extensions must be an object")
		}
	}

	// If all validations pass, unmarshal into the PaymentPayload struct
	payload, err := encoding.DecodePaymentPayload(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to parse payment payload: %v", err)
	}

	return &payload, nil
}
