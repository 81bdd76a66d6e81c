// Package httpsig implements the subset of RFC 9421 HTTP Message Signatures
// used by the web-bot-auth profile: Signature-Input / Signature parsing,
// byte-exact signature base reconstruction, JWK directory lookup with RFC
// 7638 thumbprints, and detached Ed25519 verification.
package httpsig

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Covered component names and the profile tag.
const (
	ComponentPaymentSignature = "payment-signature"
	ComponentSignatureAgent   = "signature-agent"
	ComponentAuthority        = "@authority"

	TagWebBotAuth = "web-bot-auth"
)

// SignatureInput is one parsed Signature-Input entry.
type SignatureInput struct {
	Label      string
	Components []string
	Params     map[string]string

	// ParamsRaw is the exact substring from the opening parenthesis through
	// the end of the header value. It becomes the "@signature-params" line of
	// the signature base and must not be re-serialized.
	ParamsRaw string

	Created int64
	Expires int64
	KeyID   string
	Tag     string
}

// HasComponent reports whether the covered components include name.
func (si *SignatureInput) HasComponent(name string) bool {
	for _, c := range si.Components {
		if c == name {
			return true
		}
	}
	return false
}

// ParseSignatureInput parses a Signature-Input header value of the shape
// label=(comp1 comp2 ...);param=value;... Quoted component names unquote;
// derived names keep their @ prefix.
func ParseSignatureInput(value string) (*SignatureInput, error) {
	value = strings.TrimSpace(value)

	eq := strings.Index(value, "=")
	if eq <= 0 {
		return nil, fmt.Errorf("signature-input: missing label")
	}
	label := value[:eq]
	rest := value[eq+1:]

	if !strings.HasPrefix(rest, "(") {
		return nil, fmt.Errorf("signature-input: expected component list after label")
	}
	closing := strings.Index(rest, ")")
	if closing < 0 {
		return nil, fmt.Errorf("signature-input: unterminated component list")
	}

	components, err := parseComponents(rest[1:closing])
	if err != nil {
		return nil, err
	}

	params, err := parseParams(rest[closing+1:])
	if err != nil {
		return nil, err
	}

	si := &SignatureInput{
		Label:      label,
		Components: components,
		Params:     params,
		ParamsRaw:  rest,
		KeyID:      params["keyid"],
		Tag:        params["tag"],
	}

	if raw, ok := params["created"]; ok {
		created, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("signature-input: invalid created param %q", raw)
		}
		si.Created = created
	} else {
		return nil, fmt.Errorf("signature-input: missing created param")
	}

	if raw, ok := params["expires"]; ok {
		expires, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("signature-input: invalid expires param %q", raw)
		}
		si.Expires = expires
	} else {
		return nil, fmt.Errorf("signature-input: missing expires param")
	}

	return si, nil
}

func parseComponents(inner string) ([]string, error) {
	var components []string
	for _, token := range strings.Fields(inner) {
		switch {
		case strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) && len(token) >= 2:
			name := token[1 : len(token)-1]
			if name == "" {
				return nil, fmt.Errorf("signature-input: empty component name")
			}
			components = append(components, name)
		case strings.HasPrefix(token, "@"):
			components = append(components, token)
		default:
			return nil, fmt.Errorf("signature-input: malformed component %q", token)
		}
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("signature-input: empty component list")
	}
	return components, nil
}

func parseParams(rest string) (map[string]string, error) {
	params := make(map[string]string)
	for len(rest) > 0 {
		if rest[0] != ';' {
			return nil, fmt.Errorf("signature-input: expected parameter separator, got %q", rest)
		}
		rest = rest[1:]

		var pair string
		if next := indexOutsideQuotes(rest, ';'); next >= 0 {
			pair, rest = rest[:next], rest[next:]
		} else {
			pair, rest = rest, ""
		}

		pair = strings.TrimSpace(pair)
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("signature-input: malformed parameter %q", pair)
		}
		key := pair[:eq]
		val := pair[eq+1:]
		if strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) && len(val) >= 2 {
			val = val[1 : len(val)-1]
		}
		params[key] = val
	}
	return params, nil
}

// indexOutsideQuotes finds the first occurrence of sep not inside a
// double-quoted string, or -1.
func indexOutsideQuotes(s string, sep byte) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				return i
			}
		}
	}
	return -1
}

// ParseSignature parses a Signature header value of the shape
// label=:base64:. The enclosed bytes use standard base64, not base64url.
func ParseSignature(value string) (label string, signature []byte, err error) {
	value = strings.TrimSpace(value)

	eq := strings.Index(value, "=")
	if eq <= 0 {
		return "", nil, fmt.Errorf("signature: missing label")
	}
	label = value[:eq]
	rest := value[eq+1:]

	if len(rest) < 2 || rest[0] != ':' || rest[len(rest)-1] != ':' {
		return "", nil, fmt.Errorf("signature: value must be wrapped in colons")
	}

	signature, err = base64.StdEncoding.DecodeString(rest[1 : len(rest)-1])
	if err != nil {
		return "", nil, fmt.Errorf("signature: invalid base64: %w", err)
	}
	return label, signature, nil
}
