// Package http carries the HTTP transport for the x402 protocol: the
// payment-aware client transport, the remote facilitator client, the gin
// facilitator service, and the gin/echo resource-server middleware.
package http

import (
	"context"
	"io"
	"net/http"

	x402 "github.com/FluxA-Agent-Payment/x402"
)

// Protocol header names. Payment material always travels in headers; bodies
// stay free for the resource itself.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"

	HeaderSignatureAgent = "Signature-Agent"
	HeaderSignatureInput = "Signature-Input"
	HeaderSignature      = "Signature"
)

// MaxPaymentHeaderBytes caps each payment-bearing header. Requests above the
// cap are answered with 431 before any decoding happens.
const MaxPaymentHeaderBytes = 16 * 1024

// HTTPClient is an alias for x402HTTPClient
type HTTPClient = x402HTTPClient

// NewClient creates a new HTTP-aware x402 client
func NewClient(client *x402.X402Client) *x402HTTPClient {
	return Newx402HTTPClient(client)
}

// NewFacilitatorClient creates a new HTTP facilitator client
func NewFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	return NewHTTPFacilitatorClient(config)
}

// WrapClient wraps a standard HTTP client with x402 payment handling
func WrapClient(client *http.Client, x402Client *x402HTTPClient) *http.Client {
	return WrapHTTPClientWithPayment(client, x402Client)
}

// Get performs a GET request with automatic payment handling
func Get(ctx context.Context, url string, x402Client *x402HTTPClient) (*http.Response, error) {
	return x402Client.GetWithPayment(ctx, url)
}

// Post performs a POST request with automatic payment handling
func Post(ctx context.Context, url string, body io.Reader, x402Client *x402HTTPClient) (*http.Response, error) {
	return x402Client.PostWithPayment(ctx, url, body)
}

// Do performs an HTTP request with automatic payment handling
func Do(ctx context.Context, req *http.Request, x402Client *x402HTTPClient) (*http.Response, error) {
	return x402Client.DoWithPayment(ctx, req)
}
