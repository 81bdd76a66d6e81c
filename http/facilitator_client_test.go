package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	x402 "github.com/FluxA-Agent-Payment/x402"
)

func TestNewHTTPFacilitatorClient(t *testing.T) {
	// Test with default config
	client := NewHTTPFacilitatorClient(nil)
	if client == nil {
		t.Fatal("Expected client to be created")
	}
	if client.url != DefaultFacilitatorURL {
		t.Errorf("Expected default URL %s, got %s", DefaultFacilitatorURL, client.url)
	}
	if client.identifier != DefaultFacilitatorURL {
		t.Errorf("Expected default identifier %s, got %s", DefaultFacilitatorURL, client.identifier)
	}

	// Test with custom config
	config := &FacilitatorConfig{
		URL:        "https://custom.facilitator.com",
		Identifier: "custom",
	}

	client = NewHTTPFacilitatorClient(config)
	if client.url != config.URL {
		t.Errorf("Expected URL %s, got %s", config.URL, client.url)
	}
	if client.identifier != "custom" {
		t.Errorf("Expected identifier 'custom', got %s", client.identifier)
	}
}

func creditRequirements() x402.PaymentRequirements {
	return x402.PaymentRequirements{
		Scheme:            "fluxacredit",
		Network:           "fluxa:monetize",
		Asset:             "FLUXA_CREDIT",
		Amount:            "25",
		PayTo:             "fluxa-merchant-7",
		MaxTimeoutSeconds: 60,
		Extra:             map[string]interface{}{"id": "abc123"},
	}
}

func creditPayload() x402.PaymentPayload {
	return x402.PaymentPayload{
		X402Version: 2,
		Accepted:    creditRequirements(),
		Payload:     map[string]interface{}{},
	}
}

func TestHTTPFacilitatorClientVerify(t *testing.T) {
	ctx := context.Background()

	// Create test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verify" {
			t.Errorf("Expected path /verify, got %s", r.URL.Path)
		}
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}

		// Check request body
		var requestBody x402.VerifyRequest
		if err := json.NewDecoder(r.Body).Decode(&requestBody); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}

		if requestBody.PaymentPayload.X402Version != 2 {
			t.Error("Expected version 2 in request payload")
		}
		if requestBody.PaymentRequirements.Scheme != "fluxacredit" {
			t.Errorf("Expected requirements scheme fluxacredit, got %s", requestBody.PaymentRequirements.Scheme)
		}

		// Return success response
		response := x402.VerifyResponse{
			IsValid: true,
			Payer:   "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs",
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL: server.URL,
	})

	response, err := client.Verify(ctx, creditPayload(), creditRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !response.IsValid {
		t.Error("Expected valid response")
	}
	if response.Payer != "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs" {
		t.Errorf("Unexpected payer %s", response.Payer)
	}
}

func TestHTTPFacilitatorClientSettle(t *testing.T) {
	ctx := context.Background()

	// Create test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/settle" {
			t.Errorf("Expected path /settle, got %s", r.URL.Path)
		}

		var requestBody x402.SettleRequest
		if err := json.NewDecoder(r.Body).Decode(&requestBody); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if requestBody.PaymentPayload.Accepted.Scheme != "fluxacredit" {
			t.Errorf("Expected accepted scheme fluxacredit, got %s", requestBody.PaymentPayload.Accepted.Scheme)
		}

		// Return success response
		response := x402.SettleResponse{
			Success:     true,
			Transaction: "credit-ledger:abc123",
			Payer:       "NzbLsXh8uDCcd-6MNwXF4W_7noWXFZAfHkxZsRGC9Xs",
			Network:     "fluxa:monetize",
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL: server.URL,
	})

	response, err := client.Settle(ctx, creditPayload(), creditRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !response.Success {
		t.Error("Expected successful settlement")
	}
	if response.Transaction != "credit-ledger:abc123" {
		t.Errorf("Expected transaction credit-ledger:abc123, got %s", response.Transaction)
	}
}

func TestHTTPFacilitatorClientGetSupported(t *testing.T) {
	ctx := context.Background()

	// Create test server
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/supported" {
			t.Errorf("Expected path /supported, got %s", r.URL.Path)
		}
		if r.Method != "GET" {
			t.Errorf("Expected GET, got %s", r.Method)
		}

		// Return supported response
		response := x402.SupportedResponse{
			Kinds: []x402.SupportedKind{
				{
					X402Version: 2,
					Scheme:      "fluxacredit",
					Network:     "fluxa:monetize",
				},
				{
					X402Version: 2,
					Scheme:      "odp-deferred",
					Network:     "eip155:84532",
				},
			},
			Extensions: []string{"web-bot-auth"},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL: server.URL,
	})

	response, err := client.GetSupported(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(response.Kinds) != 2 {
		t.Errorf("Expected 2 kinds, got %d", len(response.Kinds))
	}
	if len(response.Extensions) != 1 {
		t.Errorf("Expected 1 extension, got %d", len(response.Extensions))
	}
	if response.Extensions[0] != "web-bot-auth" {
		t.Errorf("Expected 'web-bot-auth' extension, got %s", response.Extensions[0])
	}
}

func TestHTTPFacilitatorClientGetSupportedRetriesRateLimit(t *testing.T) {
	ctx := context.Background()

	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(x402.SupportedResponse{
			Kinds: []x402.SupportedKind{
				{X402Version: 2, Scheme: "fluxacredit", Network: "fluxa:monetize"},
			},
		})
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL: server.URL,
	})

	response, err := client.GetSupported(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if len(response.Kinds) != 1 {
		t.Errorf("Expected 1 kind, got %d", len(response.Kinds))
	}
}

func TestHTTPFacilitatorClientWithAuth(t *testing.T) {
	ctx := context.Background()

	// Create test server that checks auth headers
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer test-key" {
			t.Errorf("Expected 'Bearer test-key', got %s", auth)
		}

		// Return minimal response
		if r.URL.Path == "/verify" {
			json.NewEncoder(w).Encode(x402.VerifyResponse{IsValid: true})
		} else if r.URL.Path == "/settle" {
			json.NewEncoder(w).Encode(x402.SettleResponse{Success: true})
		} else if r.URL.Path == "/supported" {
			json.NewEncoder(w).Encode(x402.SupportedResponse{})
		}
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL:          server.URL,
		AuthProvider: NewStaticAuthProvider("test-key"),
	})

	// Verify
	_, err := client.Verify(ctx, creditPayload(), creditRequirements())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	// Settle
	_, err = client.Settle(ctx, creditPayload(), creditRequirements())
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	// GetSupported
	_, err = client.GetSupported(ctx)
	if err != nil {
		t.Fatalf("GetSupported failed: %v", err)
	}
}

func TestHTTPFacilitatorClientErrorHandling(t *testing.T) {
	ctx := context.Background()

	// Create test server that returns errors
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Bad request"))
	}))
	defer server.Close()

	client := NewHTTPFacilitatorClient(&FacilitatorConfig{
		URL: server.URL,
	})

	// Test Verify error
	_, err := client.Verify(ctx, creditPayload(), creditRequirements())
	if err == nil {
		t.Error("Expected error for verify")
	}

	// Test Settle error
	_, err = client.Settle(ctx, creditPayload(), creditRequirements())
	if err == nil {
		t.Error("Expected error for settle")
	}

	// Test GetSupported error
	_, err = client.GetSupported(ctx)
	if err == nil {
		t.Error("Expected error for getSupported")
	}
}

func TestStaticAuthProvider(t *testing.T) {
	provider := NewStaticAuthProvider("api-key-123")

	ctx := context.Background()
	headers, err := provider.GetAuthHeaders(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expectedAuth := "Bearer api-key-123"
	if headers.Verify["Authorization"] != expectedAuth {
		t.Errorf("Expected verify auth %s, got %s", expectedAuth, headers.Verify["Authorization"])
	}
	if headers.Settle["Authorization"] != expectedAuth {
		t.Errorf("Expected settle auth %s, got %s", expectedAuth, headers.Settle["Authorization"])
	}
	if headers.Supported["Authorization"] != expectedAuth {
		t.Errorf("Expected supported auth %s, got %s", expectedAuth, headers.Supported["Authorization"])
	}
}

func TestFuncAuthProvider(t *testing.T) {
	provider := NewFuncAuthProvider(func(ctx context.Context) (AuthHeaders, error) {
		return AuthHeaders{
			Verify:    map[string]string{"X-API-Key": "verify-key"},
			Settle:    map[string]string{"X-API-Key": "settle-key"},
			Supported: map[string]string{"X-API-Key": "supported-key"},
		}, nil
	})

	ctx := context.Background()
	headers, err := provider.GetAuthHeaders(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if headers.Verify["X-API-Key"] != "verify-key" {
		t.Errorf("Expected verify key 'verify-key', got %s", headers.Verify["X-API-Key"])
	}
	if headers.Settle["X-API-Key"] != "settle-key" {
		t.Errorf("Expected settle key 'settle-key', got %s", headers.Settle["X-API-Key"])
	}
	if headers.Supported["X-API-Key"] != "supported-key" {
		t.Errorf("Expected supported key 'supported-key', got %s", headers.Supported["X-API-Key"])
	}
}

func TestMultiFacilitatorClient(t *testing.T) {
	ctx := context.Background()

	// Create mock facilitator clients
	client1 := &mockMultiFacilitatorClient{
		verifyFunc: func(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
			if p.Accepted.Scheme == "fluxacredit" {
				return &x402.VerifyResponse{IsValid: true, Payer: "credit-facilitator"}, nil
			}
			return nil, &x402.PaymentError{Message: "unsupported"}
		},
		supportedFunc: func(ctx context.Context) (x402.SupportedResponse, error) {
			return x402.SupportedResponse{
				Kinds: []x402.SupportedKind{
					{X402Version: 2, Scheme: "fluxacredit", Network: "fluxa:monetize"},
				},
				Extensions: []string{"web-bot-auth"},
			}, nil
		},
	}

	client2 := &mockMultiFacilitatorClient{
		verifyFunc: func(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
			if p.Accepted.Scheme == "odp-deferred" {
				return &x402.VerifyResponse{IsValid: true, Payer: "odp-facilitator"}, nil
			}
			return nil, &x402.PaymentError{Message: "unsupported"}
		},
		supportedFunc: func(ctx context.Context) (x402.SupportedResponse, error) {
			return x402.SupportedResponse{
				Kinds: []x402.SupportedKind{
					{X402Version: 2, Scheme: "odp-deferred", Network: "eip155:*"},
				},
				Extensions: []string{"sessions"},
			}, nil
		},
	}

	multiClient := NewMultiFacilitatorClient(client1, client2)

	// Verify routes to client1 for fluxacredit
	response, err := multiClient.Verify(ctx, creditPayload(), creditRequirements())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if response.Payer != "credit-facilitator" {
		t.Errorf("Expected payer 'credit-facilitator', got %s", response.Payer)
	}

	// Verify routes to client2 for odp-deferred, matching the eip155:*
	// family kind against a concrete chain
	odpRequirements := x402.PaymentRequirements{
		Scheme:  "odp-deferred",
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "15000",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
	odpPayload := x402.PaymentPayload{
		X402Version: 2,
		Accepted:    odpRequirements,
		Payload:     map[string]interface{}{},
	}

	response, err = multiClient.Verify(ctx, odpPayload, odpRequirements)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if response.Payer != "odp-facilitator" {
		t.Errorf("Expected payer 'odp-facilitator', got %s", response.Payer)
	}

	// Unsupported scheme is rejected without reaching any client
	barterPayload := creditPayload()
	barterPayload.Accepted.Scheme = "barter"

	_, err = multiClient.Verify(ctx, barterPayload, creditRequirements())
	if err == nil {
		t.Error("Expected error for unsupported scheme")
	}

	// GetSupported combines kinds and extensions from both
	supported, err := multiClient.GetSupported(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(supported.Kinds) != 2 {
		t.Errorf("Expected 2 kinds, got %d", len(supported.Kinds))
	}
	if len(supported.Extensions) != 2 {
		t.Errorf("Expected 2 extensions, got %d", len(supported.Extensions))
	}
}

// Mock facilitator client for multi-client testing
type mockMultiFacilitatorClient struct {
	verifyFunc    func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.VerifyResponse, error)
	settleFunc    func(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (*x402.SettleResponse, error)
	supportedFunc func(context.Context) (x402.SupportedResponse, error)
}

func (m *mockMultiFacilitatorClient) Verify(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.VerifyResponse, error) {
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, p, r)
	}
	return &x402.VerifyResponse{}, nil
}

func (m *mockMultiFacilitatorClient) Settle(ctx context.Context, p x402.PaymentPayload, r x402.PaymentRequirements) (*x402.SettleResponse, error) {
	if m.settleFunc != nil {
		return m.settleFunc(ctx, p, r)
	}
	return &x402.SettleResponse{}, nil
}

func (m *mockMultiFacilitatorClient) GetSupported(ctx context.Context) (x402.SupportedResponse, error) {
	if m.supportedFunc != nil {
		return m.supportedFunc(ctx)
	}
	return x402.SupportedResponse{}, nil
}
