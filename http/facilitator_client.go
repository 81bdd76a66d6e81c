package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	x402 "github.com/FluxA-Agent-Payment/x402"
)

// ============================================================================
// HTTP Facilitator Client
// ============================================================================

// HTTPFacilitatorClient communicates with remote facilitator services over HTTP.
// Implements the FacilitatorClient interface.
type HTTPFacilitatorClient struct {
	url          string
	httpClient   *http.Client
	authProvider AuthProvider
	identifier   string
}

var _ x402.FacilitatorClient = (*HTTPFacilitatorClient)(nil)

// AuthProvider generates authentication headers for facilitator requests
type AuthProvider interface {
	// GetAuthHeaders returns authentication headers for each endpoint
	GetAuthHeaders(ctx context.Context) (AuthHeaders, error)
}

// AuthHeaders contains authentication headers for facilitator endpoints
type AuthHeaders struct {
	Verify    map[string]string
	Settle    map[string]string
	Supported map[string]string
}

// FacilitatorConfig configures the HTTP facilitator client
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service
	URL string

	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// AuthProvider provides authentication headers (optional)
	AuthProvider AuthProvider

	// Timeout for requests (optional, defaults to 30s)
	Timeout time.Duration

	// Identifier for this facilitator (optional)
	Identifier string
}

// DefaultFacilitatorURL is the default public facilitator
const DefaultFacilitatorURL = "https://facilitator.fluxa.ai"

// getSupportedRetries is the number of retry attempts for GetSupported on 429 rate limit errors
const getSupportedRetries = 3

// getSupportedRetryBaseDelay is the base delay for exponential backoff on retries
const getSupportedRetryBaseDelay = 1 * time.Second

// NewHTTPFacilitatorClient creates a new HTTP facilitator client
func NewHTTPFacilitatorClient(config *FacilitatorConfig) *HTTPFacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	identifier := config.Identifier
	if identifier == "" {
		identifier = url
	}

	return &HTTPFacilitatorClient{
		url:          url,
		httpClient:   httpClient,
		authProvider: config.AuthProvider,
		identifier:   identifier,
	}
}

// Identifier returns the configured name of this facilitator, defaulting to
// its URL.
func (c *HTTPFacilitatorClient) Identifier() string {
	return c.identifier
}

// ============================================================================
// FacilitatorClient Implementation
// ============================================================================

// Verify checks if a payment is valid. Semantic rejections ride in the 200
// body as invalidReason; only transport and server failures return an error.
func (c *HTTPFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	body, err := json.Marshal(x402.VerifyRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	responseBody, status, err := c.post(ctx, "/verify", body, func(h AuthHeaders) map[string]string { return h.Verify })
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", status, string(responseBody))
	}

	var verifyResponse x402.VerifyResponse
	if err := json.Unmarshal(responseBody, &verifyResponse); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}

	return &verifyResponse, nil
}

// Settle executes a payment. Semantic failures ride in the 200 body as
// errorReason; only transport and server failures return an error.
func (c *HTTPFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	body, err := json.Marshal(x402.SettleRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settle request: %w", err)
	}

	responseBody, status, err := c.post(ctx, "/settle", body, func(h AuthHeaders) map[string]string { return h.Settle })
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		return nil, fmt.Errorf("facilitator settle failed (%d): %s", status, string(responseBody))
	}

	var settleResponse x402.SettleResponse
	if err := json.Unmarshal(responseBody, &settleResponse); err != nil {
		return nil, fmt.Errorf("failed to decode settle response: %w", err)
	}

	return &settleResponse, nil
}

// GetSupported gets supported payment kinds.
// Retries up to 3 times with exponential backoff on 429 rate limit errors.
func (c *HTTPFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	var lastErr error

	for attempt := range getSupportedRetries {
		// Create request
		req, err := http.NewRequestWithContext(ctx, "GET", c.url+"/supported", nil)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to create supported request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")

		// Add auth headers if available
		if c.authProvider != nil {
			authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
			if err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to get auth headers: %w", err)
			}
			for k, v := range authHeaders.Supported {
				req.Header.Set(k, v)
			}
		}

		// Make request
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("supported request failed: %w", err)
		}

		// Read response body
		responseBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return x402.SupportedResponse{}, fmt.Errorf("failed to read response body: %w", err)
		}

		// Success
		if resp.StatusCode == http.StatusOK {
			var supportedResponse x402.SupportedResponse
			if err := json.Unmarshal(responseBody, &supportedResponse); err != nil {
				return x402.SupportedResponse{}, fmt.Errorf("failed to decode supported response: %w", err)
			}
			return supportedResponse, nil
		}

		lastErr = fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(responseBody))

		// Retry on 429 with exponential backoff, except on the last attempt
		if resp.StatusCode == http.StatusTooManyRequests && attempt < getSupportedRetries-1 {
			delay := getSupportedRetryBaseDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return x402.SupportedResponse{}, ctx.Err()
			}
		}

		// Non-429 errors or last attempt: return immediately
		return x402.SupportedResponse{}, lastErr
	}

	return x402.SupportedResponse{}, lastErr
}

// post sends one JSON request to the facilitator and returns the raw response
// body with its status code.
func (c *HTTPFacilitatorClient) post(ctx context.Context, path string, body []byte, pick func(AuthHeaders) map[string]string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.url+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create %s request: %w", path, err)
	}

	req.Header.Set("Content-Type", "application/json")

	if c.authProvider != nil {
		authHeaders, err := c.authProvider.GetAuthHeaders(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get auth headers: %w", err)
		}
		for k, v := range pick(authHeaders) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}

	return responseBody, resp.StatusCode, nil
}

// ============================================================================
// Auth Providers
// ============================================================================

// StaticAuthProvider sends the same bearer token to every endpoint.
type StaticAuthProvider struct {
	token string
}

// NewStaticAuthProvider creates an auth provider from a fixed API key.
func NewStaticAuthProvider(token string) *StaticAuthProvider {
	return &StaticAuthProvider{token: token}
}

// GetAuthHeaders returns the bearer token for all endpoints.
func (p *StaticAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	headers := map[string]string{"Authorization": "Bearer " + p.token}
	return AuthHeaders{
		Verify:    headers,
		Settle:    headers,
		Supported: headers,
	}, nil
}

// FuncAuthProvider adapts a function to the AuthProvider interface, for
// tokens that rotate or are minted per request.
type FuncAuthProvider struct {
	fn func(ctx context.Context) (AuthHeaders, error)
}

// NewFuncAuthProvider creates an auth provider from a function.
func NewFuncAuthProvider(fn func(ctx context.Context) (AuthHeaders, error)) *FuncAuthProvider {
	return &FuncAuthProvider{fn: fn}
}

// GetAuthHeaders invokes the wrapped function.
func (p *FuncAuthProvider) GetAuthHeaders(ctx context.Context) (AuthHeaders, error) {
	return p.fn(ctx)
}

// ============================================================================
// Multi Facilitator Client
// ============================================================================

// MultiFacilitatorClient routes each payment to the first facilitator whose
// supported kinds cover its scheme and network. Deployments that split
// schemes across facilitators, say a credit issuer and an onchain settler,
// present them to the resource server as a single client.
type MultiFacilitatorClient struct {
	clients []x402.FacilitatorClient

	mu        sync.Mutex
	supported map[int]x402.SupportedResponse
}

var _ x402.FacilitatorClient = (*MultiFacilitatorClient)(nil)

// NewMultiFacilitatorClient creates a routing client over the given
// facilitators. Order matters: the first supporting facilitator wins.
func NewMultiFacilitatorClient(clients ...x402.FacilitatorClient) *MultiFacilitatorClient {
	return &MultiFacilitatorClient{
		clients:   clients,
		supported: make(map[int]x402.SupportedResponse),
	}
}

// Verify routes the verification to the facilitator supporting the payload's
// scheme and network.
func (m *MultiFacilitatorClient) Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	client, err := m.clientFor(ctx, payload.Accepted.Scheme, payload.Accepted.Network)
	if err != nil {
		return nil, err
	}
	return client.Verify(ctx, payload, requirements)
}

// Settle routes the settlement to the facilitator supporting the payload's
// scheme and network.
func (m *MultiFacilitatorClient) Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (*x402.SettleResponse, error) {
	client, err := m.clientFor(ctx, payload.Accepted.Scheme, payload.Accepted.Network)
	if err != nil {
		return nil, err
	}
	return client.Settle(ctx, payload, requirements)
}

// GetSupported merges the supported kinds and extensions of all facilitators,
// deduplicated, preserving client order.
func (m *MultiFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	type kindKey struct {
		version int
		scheme  string
		network x402.Network
	}

	var merged x402.SupportedResponse
	seenKinds := make(map[kindKey]bool)
	seenExtensions := make(map[string]bool)

	var lastErr error
	responded := false
	for i := range m.clients {
		supported, err := m.supportedFor(ctx, i)
		if err != nil {
			lastErr = err
			continue
		}
		responded = true
		for _, kind := range supported.Kinds {
			key := kindKey{kind.X402Version, kind.Scheme, kind.Network}
			if seenKinds[key] {
				continue
			}
			seenKinds[key] = true
			merged.Kinds = append(merged.Kinds, kind)
		}
		for _, extension := range supported.Extensions {
			if seenExtensions[extension] {
				continue
			}
			seenExtensions[extension] = true
			merged.Extensions = append(merged.Extensions, extension)
		}
	}

	if !responded && lastErr != nil {
		return x402.SupportedResponse{}, lastErr
	}
	return merged, nil
}

func (m *MultiFacilitatorClient) clientFor(ctx context.Context, scheme string, network x402.Network) (x402.FacilitatorClient, error) {
	for i, client := range m.clients {
		supported, err := m.supportedFor(ctx, i)
		if err != nil {
			continue
		}
		for _, kind := range supported.Kinds {
			if kind.Scheme == scheme && network.Match(kind.Network) {
				return client, nil
			}
		}
	}
	return nil, x402.NewPaymentError(
		x402.ErrCodeUnsupportedScheme,
		fmt.Sprintf("no facilitator supports scheme %s on network %s", scheme, network),
		nil,
	)
}

// supportedFor returns the cached supported response for a client, fetching
// it on first use. Failures are not cached so a flaky facilitator is retried
// on the next request.
func (m *MultiFacilitatorClient) supportedFor(ctx context.Context, i int) (x402.SupportedResponse, error) {
	m.mu.Lock()
	cached, ok := m.supported[i]
	m.mu.Unlock()
	if ok {
		return cached, nil
	}

	supported, err := m.clients[i].GetSupported(ctx)
	if err != nil {
		return x402.SupportedResponse{}, err
	}

	m.mu.Lock()
	m.supported[i] = supported
	m.mu.Unlock()
	return supported, nil
}
