package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
)

// ============================================================================
// x402HTTPClient - HTTP-aware payment client
// ============================================================================

// x402HTTPClient wraps X402Client with HTTP-specific payment handling
type x402HTTPClient struct {
	client *x402.X402Client
}

// Newx402HTTPClient creates a new HTTP-aware x402 client
func Newx402HTTPClient(client *x402.X402Client) *x402HTTPClient {
	return &x402HTTPClient{
		client: client,
	}
}

// ============================================================================
// Header Encoding/Decoding
// ============================================================================

// EncodePaymentSignatureHeaders encodes a payment payload into the headers a
// retried request must carry: the PAYMENT-SIGNATURE header itself plus any
// auxiliary signature headers the scheme client produces over those exact
// header bytes.
func (c *x402HTTPClient) EncodePaymentSignatureHeaders(ctx context.Context, payload x402.PaymentPayload, method, resourceURL string) (map[string]string, error) {
	paymentHeader, err := encoding.EncodePaymentPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payment header: %w", err)
	}

	headers := map[string]string{
		HeaderPaymentSignature: paymentHeader,
	}

	auxHeaders, err := c.client.SignPaymentHeader(ctx, payload.Accepted, paymentHeader, method, resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment header: %w", err)
	}
	for k, v := range auxHeaders {
		headers[k] = v
	}

	return headers, nil
}

// GetPaymentRequiredResponse extracts payment requirements from a 402
// response's PAYMENT-REQUIRED header.
func (c *x402HTTPClient) GetPaymentRequiredResponse(headers map[string]string) (x402.PaymentRequired, error) {
	// Normalize headers to uppercase
	normalizedHeaders := make(map[string]string)
	for k, v := range headers {
		normalizedHeaders[strings.ToUpper(k)] = v
	}

	header, exists := normalizedHeaders[HeaderPaymentRequired]
	if !exists {
		return x402.PaymentRequired{}, fmt.Errorf("no payment required information found in response")
	}

	required, err := encoding.DecodePaymentRequired(header)
	if err != nil {
		return x402.PaymentRequired{}, fmt.Errorf("invalid %s header: %w", HeaderPaymentRequired, err)
	}
	if required.X402Version != x402.ProtocolVersion {
		return x402.PaymentRequired{}, &x402.PaymentError{
			Code:    x402.ErrCodeUnsupportedVersion,
			Message: fmt.Sprintf("unsupported x402 version: %d", required.X402Version),
		}
	}

	return required, nil
}

// GetPaymentSettleResponse extracts the settlement receipt from a paid
// response's PAYMENT-RESPONSE header.
func (c *x402HTTPClient) GetPaymentSettleResponse(headers map[string]string) (x402.PaymentResponse, error) {
	// Normalize headers to uppercase
	normalizedHeaders := make(map[string]string)
	for k, v := range headers {
		normalizedHeaders[strings.ToUpper(k)] = v
	}

	header, exists := normalizedHeaders[HeaderPaymentResponse]
	if !exists {
		return x402.PaymentResponse{}, fmt.Errorf("payment response header not found")
	}

	return encoding.DecodePaymentResponse(header)
}

// ============================================================================
// HTTP Client Wrapper
// ============================================================================

// WrapHTTPClientWithPayment wraps a standard HTTP client with x402 payment handling
// This allows transparent payment handling for HTTP requests
func WrapHTTPClientWithPayment(client *http.Client, x402Client *x402HTTPClient) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}

	// Wrap the transport with payment handling
	originalTransport := client.Transport
	if originalTransport == nil {
		originalTransport = http.DefaultTransport
	}

	client.Transport = &PaymentRoundTripper{
		Transport:  originalTransport,
		x402Client: x402Client,
		retryCount: &sync.Map{},
	}

	return client
}

// PaymentRoundTripper implements http.RoundTripper with x402 payment handling
type PaymentRoundTripper struct {
	Transport  http.RoundTripper
	x402Client *x402HTTPClient
	retryCount *sync.Map // Track retry count per request to prevent infinite loops
}

// RoundTrip implements http.RoundTripper. A 402 response is answered exactly
// once with a payment-bearing retry; a second 402 is passed through.
func (t *PaymentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Get or initialize retry count for this request
	requestID := fmt.Sprintf("%p", req)
	count, _ := t.retryCount.LoadOrStore(requestID, 0)
	retries := count.(int)

	// Prevent infinite retry loops
	if retries > 1 {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("payment retry limit exceeded")
	}

	// Make initial request
	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, err
	}

	// If not 402, return as-is
	if resp.StatusCode != http.StatusPaymentRequired {
		t.retryCount.Delete(requestID)
		return resp, nil
	}

	// Increment retry count
	t.retryCount.Store(requestID, retries+1)

	// Extract payment requirements
	headers := make(map[string]string)
	for k, v := range resp.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}

	// The 402 body carries no protocol data; drain it so the connection can
	// be reused.
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// Parse payment requirements
	paymentRequired, err := t.x402Client.GetPaymentRequiredResponse(headers)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	ctx := req.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := t.x402Client.client.CreatePaymentForRequired(ctx, paymentRequired)
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	// Create new request with payment headers
	paymentReq := req.Clone(ctx)
	paymentHeaders, err := t.x402Client.EncodePaymentSignatureHeaders(ctx, payload, req.Method, req.URL.String())
	if err != nil {
		t.retryCount.Delete(requestID)
		return nil, err
	}
	for k, v := range paymentHeaders {
		paymentReq.Header.Set(k, v)
	}

	// Retry with payment
	newResp, err := t.Transport.RoundTrip(paymentReq)
	t.retryCount.Delete(requestID)
	return newResp, err
}

// ============================================================================
// Convenience Methods
// ============================================================================

// DoWithPayment performs an HTTP request with automatic payment handling
func (c *x402HTTPClient) DoWithPayment(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Create a client with our transport
	client := &http.Client{
		Transport: &PaymentRoundTripper{
			Transport:  http.DefaultTransport,
			x402Client: c,
			retryCount: &sync.Map{},
		},
	}

	return client.Do(req.WithContext(ctx))
}

// GetWithPayment performs a GET request with automatic payment handling
func (c *x402HTTPClient) GetWithPayment(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}

// PostWithPayment performs a POST request with automatic payment handling
func (c *x402HTTPClient) PostWithPayment(ctx context.Context, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, body)
	if err != nil {
		return nil, err
	}
	return c.DoWithPayment(ctx, req)
}
