package httpsig

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildSignatureBase assembles the byte string both sides sign. Header values
// are passed through verbatim (signatureAgent keeps its surrounding quotes),
// paramsRaw is the exact Signature-Input substring from the opening
// parenthesis through the end. Lines are joined with \n and there is no
// trailing newline.
func BuildSignatureBase(paymentSignature, signatureAgent, authority, paramsRaw string) []byte {
	var b strings.Builder
	b.WriteString(`"payment-signature": `)
	b.WriteString(paymentSignature)
	b.WriteString("\n")
	b.WriteString(`"signature-agent": `)
	b.WriteString(signatureAgent)
	b.WriteString("\n")
	b.WriteString(`"@authority": `)
	b.WriteString(authority)
	b.WriteString("\n")
	b.WriteString(`"@signature-params": `)
	b.WriteString(paramsRaw)
	return []byte(b.String())
}

// Authority derives the @authority component from a resource URL: the host
// with its port when one is present, lowercased.
func Authority(resourceURL string) (string, error) {
	u, err := url.Parse(resourceURL)
	if err != nil {
		return "", fmt.Errorf("invalid resource url %q: %w", resourceURL, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("resource url %q has no host", resourceURL)
	}
	return strings.ToLower(u.Host), nil
}
