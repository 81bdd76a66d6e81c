package x402

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// X402ResourceServer manages payment requirements and verification for protected resources
// This is used by servers/APIs that want to charge for access
type X402ResourceServer struct {
	mu                    sync.RWMutex
	schemes               map[Network]map[string]SchemeNetworkServer
	facilitatorClients    []FacilitatorClient
	registeredExtensions  map[string]ResourceServerExtension
	supportedCache        *SupportedCache
	facilitatorClientsMap map[Network]map[string]FacilitatorClient

	// Lifecycle hooks
	beforeVerifyHooks    []BeforeVerifyHook
	afterVerifyHooks     []AfterVerifyHook
	onVerifyFailureHooks []OnVerifyFailureHook
	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook
}

// SupportedCache caches facilitator capabilities
type SupportedCache struct {
	mu     sync.RWMutex
	data   map[string]SupportedResponse // key is facilitator identifier
	expiry map[string]time.Time
	ttl    time.Duration
}

// ResourceServerOption configures the server
type ResourceServerOption func(*X402ResourceServer)

// WithFacilitatorClient adds a facilitator client
func WithFacilitatorClient(client FacilitatorClient) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.facilitatorClients = append(s.facilitatorClients, client)
	}
}

// WithSchemeServer registers a scheme server implementation
func WithSchemeServer(network Network, schemeServer SchemeNetworkServer) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.registerScheme(network, schemeServer)
	}
}

// WithCacheTTL sets the cache TTL for supported kinds
func WithCacheTTL(ttl time.Duration) ResourceServerOption {
	return func(s *X402ResourceServer) {
		s.supportedCache.ttl = ttl
	}
}

func Newx402ResourceServer(opts ...ResourceServerOption) *X402ResourceServer {
	s := &X402ResourceServer{
		schemes:              make(map[Network]map[string]SchemeNetworkServer),
		facilitatorClients:   []FacilitatorClient{},
		registeredExtensions: make(map[string]ResourceServerExtension),
		supportedCache: &SupportedCache{
			data:   make(map[string]SupportedResponse),
			expiry: make(map[string]time.Time),
			ttl:    5 * time.Minute,
		},
		facilitatorClientsMap: make(map[Network]map[string]FacilitatorClient),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Initialize fetches supported payment kinds from all facilitators
// Should be called on startup to populate cache and build facilitator mapping
func (s *X402ResourceServer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Clear existing mappings
	s.facilitatorClientsMap = make(map[Network]map[string]FacilitatorClient)

	var lastErr error
	successCount := 0

	// Process facilitators in order (earlier ones get precedence)
	for i, client := range s.facilitatorClients {
		supported, err := client.GetSupported(ctx)
		if err != nil {
			lastErr = fmt.Errorf("facilitator %d: %w", i, err)
			continue
		}

		key := fmt.Sprintf("facilitator_%d", i)
		s.supportedCache.Set(key, supported)
		successCount++

		for _, kind := range supported.Kinds {
			if kind.X402Version != ProtocolVersion {
				continue
			}
			if s.facilitatorClientsMap[kind.Network] == nil {
				s.facilitatorClientsMap[kind.Network] = make(map[string]FacilitatorClient)
			}
			networkMap := s.facilitatorClientsMap[kind.Network]

			// Only store if not already present (gives precedence to earlier facilitators)
			if _, exists := networkMap[kind.Scheme]; !exists {
				networkMap[kind.Scheme] = client
			}
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("failed to initialize any facilitators: %w", lastErr)
	}

	return nil
}

// Register registers a scheme server. Registering the same (network, scheme)
// pair twice is a configuration error and panics.
func (s *X402ResourceServer) Register(network Network, schemeServer SchemeNetworkServer) *X402ResourceServer {
	return s.registerScheme(network, schemeServer)
}

func (s *X402ResourceServer) registerScheme(network Network, schemeServer SchemeNetworkServer) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schemes[network] == nil {
		s.schemes[network] = make(map[string]SchemeNetworkServer)
	}
	if _, exists := s.schemes[network][schemeServer.Scheme()]; exists {
		panic(fmt.Sprintf("x402: server scheme %s already registered for network %s", schemeServer.Scheme(), network))
	}

	s.schemes[network][schemeServer.Scheme()] = schemeServer

	return s
}

// RegisterExtension registers a resource server extension
func (s *X402ResourceServer) RegisterExtension(extension ResourceServerExtension) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registeredExtensions[extension.Key()] = extension
	return s
}

// ============================================================================
// Hook Registration Methods (Chainable)
// ============================================================================

// OnBeforeVerify registers a hook to execute before payment verification
// Can abort verification by returning a result with Abort=true
func (s *X402ResourceServer) OnBeforeVerify(hook BeforeVerifyHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeVerifyHooks = append(s.beforeVerifyHooks, hook)
	return s
}

// OnAfterVerify registers a hook to execute after successful payment verification
func (s *X402ResourceServer) OnAfterVerify(hook AfterVerifyHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterVerifyHooks = append(s.afterVerifyHooks, hook)
	return s
}

// OnVerifyFailure registers a hook to execute when payment verification fails
// Can recover from failure by returning a result with Recovered=true
func (s *X402ResourceServer) OnVerifyFailure(hook OnVerifyFailureHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onVerifyFailureHooks = append(s.onVerifyFailureHooks, hook)
	return s
}

// OnBeforeSettle registers a hook to execute before payment settlement
// Can abort settlement by returning a result with Abort=true
func (s *X402ResourceServer) OnBeforeSettle(hook BeforeSettleHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeSettleHooks = append(s.beforeSettleHooks, hook)
	return s
}

// OnAfterSettle registers a hook to execute after successful payment settlement
func (s *X402ResourceServer) OnAfterSettle(hook AfterSettleHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterSettleHooks = append(s.afterSettleHooks, hook)
	return s
}

// OnSettleFailure registers a hook to execute when payment settlement fails
// Can recover from failure by returning a result with Recovered=true
func (s *X402ResourceServer) OnSettleFailure(hook OnSettleFailureHook) *X402ResourceServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSettleFailureHooks = append(s.onSettleFailureHooks, hook)
	return s
}

// EnrichExtensions runs declared extensions through their registered enrichers,
// passing the transport context (for HTTP, the request). Unregistered keys
// pass through unchanged.
func (s *X402ResourceServer) EnrichExtensions(
	declaredExtensions map[string]interface{},
	transportContext interface{},
) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if declaredExtensions == nil {
		return nil
	}

	enriched := make(map[string]interface{})

	for key, declaration := range declaredExtensions {
		if extension, ok := s.registeredExtensions[key]; ok {
			enriched[key] = extension.EnrichDeclaration(declaration, transportContext)
		} else {
			enriched[key] = declaration
		}
	}

	return enriched
}

// SettlesDeferred reports whether the scheme server registered for the given
// requirements settles out of band. The resource server skips the inline
// settle call for such schemes.
func (s *X402ResourceServer) SettlesDeferred(requirements PaymentRequirements) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schemeServer := findByNetworkAndScheme(s.schemes, requirements.Scheme, requirements.Network)
	if schemeServer == nil {
		return false
	}
	if deferred, ok := schemeServer.(DeferredSettlementServer); ok {
		return deferred.SettlesDeferred()
	}
	return false
}

// BuildPaymentRequirements creates payment requirements for a resource
func (s *X402ResourceServer) BuildPaymentRequirements(ctx context.Context, config ResourceConfig) ([]PaymentRequirements, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Find the scheme server
	schemeServer := findByNetworkAndScheme(s.schemes, config.Scheme, config.Network)
	if schemeServer == nil {
		return nil, &PaymentError{
			Code:    ErrCodeUnsupportedScheme,
			Message: fmt.Sprintf("no server registered for scheme %s on network %s", config.Scheme, config.Network),
		}
	}

	// Get supported kinds from facilitators
	supportedKind := s.findSupportedKind(config.Network, config.Scheme)
	if supportedKind == nil {
		return nil, &PaymentError{
			Code:    ErrCodeUnsupportedNetwork,
			Message: fmt.Sprintf("facilitator does not support %s on %s", config.Scheme, config.Network),
			Details: map[string]interface{}{
				"hint": "call Initialize() to fetch supported kinds from facilitators",
			},
		}
	}

	// Parse the price using the scheme's parser
	assetAmount, err := schemeServer.ParsePrice(config.Price, config.Network)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price: %w", err)
	}

	// Build base requirements
	baseRequirements := PaymentRequirements{
		Scheme:            config.Scheme,
		Network:           config.Network,
		Asset:             assetAmount.Asset,
		Amount:            assetAmount.Amount,
		PayTo:             config.PayTo,
		MaxTimeoutSeconds: config.MaxTimeoutSeconds,
		Extra:             assetAmount.Extra,
	}

	if baseRequirements.MaxTimeoutSeconds == 0 {
		baseRequirements.MaxTimeoutSeconds = 300
	}

	// Get facilitator extensions
	extensions := s.getFacilitatorExtensions(config.Network, config.Scheme)

	// Enhance with scheme-specific details
	enhanced, err := schemeServer.EnhancePaymentRequirements(ctx, baseRequirements, *supportedKind, extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to enhance payment requirements: %w", err)
	}

	return []PaymentRequirements{enhanced}, nil
}

// CreatePaymentRequiredResponse creates a 402 response
func (s *X402ResourceServer) CreatePaymentRequiredResponse(
	requirements []PaymentRequirements,
	info ResourceInfo,
	errorMsg string,
	extensions map[string]interface{},
) PaymentRequired {
	response := PaymentRequired{
		X402Version: ProtocolVersion,
		Error:       errorMsg,
		Resource:    &info,
		Accepts:     requirements,
		Extensions:  extensions,
	}

	if errorMsg == "" {
		response.Error = "Payment required"
	}

	return response
}

// VerifyPayment verifies a payment against requirements by routing to the
// facilitator that advertised support for its (scheme, network) pair.
func (s *X402ResourceServer) VerifyPayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	hookCtx := VerifyContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    time.Now(),
	}

	s.mu.RLock()
	beforeHooks := s.beforeVerifyHooks
	s.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			continue // hook errors do not abort
		}
		if result != nil && result.Abort {
			return &VerifyResponse{
				IsValid:       false,
				InvalidReason: result.Reason,
			}, nil
		}
	}

	start := time.Now()
	verifyResult, verifyErr := s.routeVerify(ctx, payload, requirements)
	elapsed := time.Since(start)

	if verifyErr == nil {
		s.mu.RLock()
		afterHooks := s.afterVerifyHooks
		s.mu.RUnlock()

		resultCtx := VerifyResultContext{
			VerifyContext: hookCtx,
			Result:        *verifyResult,
			Duration:      elapsed,
		}
		for _, hook := range afterHooks {
			_ = hook(resultCtx) // hook errors do not affect the result
		}

		return verifyResult, nil
	}

	s.mu.RLock()
	failureHooks := s.onVerifyFailureHooks
	s.mu.RUnlock()

	failureCtx := VerifyFailureContext{
		VerifyContext: hookCtx,
		Error:         verifyErr,
		Duration:      elapsed,
	}
	for _, hook := range failureHooks {
		result, _ := hook(failureCtx)
		if result != nil && result.Recovered {
			return &result.Result, nil
		}
	}

	return verifyResult, verifyErr
}

func (s *X402ResourceServer) routeVerify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	facilitator := s.findFacilitatorForPayment(requirements.Network, requirements.Scheme)
	if facilitator != nil {
		return facilitator.Verify(ctx, payload, requirements)
	}

	// No advertised support; try all facilitators in order
	var lastErr error
	for _, client := range s.facilitatorClients {
		resp, err := client.Verify(ctx, payload, requirements)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return &VerifyResponse{
			IsValid:       false,
			InvalidReason: "no facilitator available for verification",
		}, lastErr
	}

	return &VerifyResponse{
		IsValid:       false,
		InvalidReason: ErrCodeUnsupportedScheme,
	}, &PaymentError{
		Code:    ErrCodeUnsupportedNetwork,
		Message: "no facilitator supports this payment type",
	}
}

// SettlePayment settles a verified payment through the routed facilitator.
func (s *X402ResourceServer) SettlePayment(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	hookCtx := SettleContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    time.Now(),
	}

	s.mu.RLock()
	beforeHooks := s.beforeSettleHooks
	s.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			continue // hook errors do not abort
		}
		if result != nil && result.Abort {
			return &SettleResponse{
				Success:     false,
				ErrorReason: result.Reason,
				Network:     requirements.Network,
			}, fmt.Errorf("settlement aborted: %s", result.Reason)
		}
	}

	start := time.Now()
	settleResult, settleErr := s.routeSettle(ctx, payload, requirements)
	elapsed := time.Since(start)

	if settleErr == nil && settleResult.Success {
		s.mu.RLock()
		afterHooks := s.afterSettleHooks
		s.mu.RUnlock()

		resultCtx := SettleResultContext{
			SettleContext: hookCtx,
			Result:        *settleResult,
			Duration:      elapsed,
		}
		for _, hook := range afterHooks {
			_ = hook(resultCtx) // hook errors do not affect the result
		}

		return settleResult, nil
	}

	s.mu.RLock()
	failureHooks := s.onSettleFailureHooks
	s.mu.RUnlock()

	failureCtx := SettleFailureContext{
		SettleContext: hookCtx,
		Error:         settleErr,
		Duration:      elapsed,
	}
	for _, hook := range failureHooks {
		result, _ := hook(failureCtx)
		if result != nil && result.Recovered {
			return &result.Result, nil
		}
	}

	return settleResult, settleErr
}

func (s *X402ResourceServer) routeSettle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	facilitator := s.findFacilitatorForPayment(requirements.Network, requirements.Scheme)
	if facilitator != nil {
		return facilitator.Settle(ctx, payload, requirements)
	}

	var lastErr error
	for _, client := range s.facilitatorClients {
		resp, err := client.Settle(ctx, payload, requirements)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return &SettleResponse{
			Success:     false,
			ErrorReason: "no facilitator available for settlement",
			Network:     requirements.Network,
		}, lastErr
	}

	return &SettleResponse{
		Success:     false,
		ErrorReason: ErrCodeUnsupportedScheme,
		Network:     requirements.Network,
	}, &PaymentError{
		Code:    ErrCodeSettlementFailed,
		Message: "no facilitator supports this payment type",
	}
}

// FindMatchingRequirements maps the payload onto the requirements it paid
// against. An offer matches when the price-binding fields (scheme, network,
// asset, amount, payTo, maxTimeoutSeconds) all agree; the returned
// requirements are the client's echoed copy, so per-issuance extras like
// charge ids and session terms survive offer regeneration. The payer's
// signature covers that copy and the scheme facilitator revalidates it.
func (s *X402ResourceServer) FindMatchingRequirements(available []PaymentRequirements, payload PaymentPayload) *PaymentRequirements {
	for i := range available {
		if available[i].Scheme != payload.Accepted.Scheme || available[i].Network != payload.Accepted.Network {
			continue
		}
		if available[i].Asset != payload.Accepted.Asset ||
			available[i].Amount != payload.Accepted.Amount ||
			available[i].PayTo != payload.Accepted.PayTo ||
			available[i].MaxTimeoutSeconds != payload.Accepted.MaxTimeoutSeconds {
			continue
		}
		accepted := payload.Accepted
		return &accepted
	}
	return nil
}

// ProcessPaymentRequest processes a payment request end-to-end: build the
// offer, match the payload against it, and verify. Settlement is left to the
// caller so transports can serve the resource first.
func (s *X402ResourceServer) ProcessPaymentRequest(
	ctx context.Context,
	paymentPayload *PaymentPayload,
	resourceConfig ResourceConfig,
	resourceInfo ResourceInfo,
	extensions map[string]interface{},
) (*ProcessResult, error) {
	requirements, err := s.BuildPaymentRequirements(ctx, resourceConfig)
	if err != nil {
		return nil, err
	}

	if paymentPayload == nil {
		required := s.CreatePaymentRequiredResponse(requirements, resourceInfo, "", extensions)
		return &ProcessResult{
			Success:         false,
			RequiresPayment: &required,
		}, nil
	}

	matching := s.FindMatchingRequirements(requirements, *paymentPayload)
	if matching == nil {
		required := s.CreatePaymentRequiredResponse(requirements, resourceInfo, "No matching payment requirements found", extensions)
		return &ProcessResult{
			Success:         false,
			RequiresPayment: &required,
		}, nil
	}

	verification, err := s.VerifyPayment(ctx, *paymentPayload, *matching)
	if err != nil {
		return nil, err
	}

	if !verification.IsValid {
		return &ProcessResult{
			Success:            false,
			Error:              verification.InvalidReason,
			VerificationResult: verification,
		}, nil
	}

	return &ProcessResult{
		Success:            true,
		Requirements:       matching,
		VerificationResult: verification,
	}, nil
}

// ProcessResult contains the result of processing a payment request
type ProcessResult struct {
	Success            bool
	RequiresPayment    *PaymentRequired
	Requirements       *PaymentRequirements
	VerificationResult *VerifyResponse
	SettlementResult   *SettleResponse
	Error              string
}

// Helper methods

// findSupportedKind finds a supported kind from cache
func (s *X402ResourceServer) findSupportedKind(network Network, scheme string) *SupportedKind {
	s.supportedCache.mu.RLock()
	defer s.supportedCache.mu.RUnlock()

	for key, supported := range s.supportedCache.data {
		// Check if cache entry is still valid
		if expiry, exists := s.supportedCache.expiry[key]; exists {
			if time.Now().After(expiry) {
				continue // Skip expired entries
			}
		}

		// Look for matching kind
		for _, kind := range supported.Kinds {
			if kind.X402Version == ProtocolVersion &&
				kind.Scheme == scheme &&
				kind.Network.Match(network) {
				return &SupportedKind{
					X402Version: kind.X402Version,
					Scheme:      kind.Scheme,
					Network:     kind.Network,
					Extra:       kind.Extra,
					Signers:     kind.Signers,
				}
			}
		}
	}

	return nil
}

// getFacilitatorExtensions gets extensions for a payment type
func (s *X402ResourceServer) getFacilitatorExtensions(network Network, scheme string) []string {
	s.supportedCache.mu.RLock()
	defer s.supportedCache.mu.RUnlock()

	for _, supported := range s.supportedCache.data {
		for _, kind := range supported.Kinds {
			if kind.X402Version == ProtocolVersion &&
				kind.Scheme == scheme &&
				kind.Network.Match(network) {
				return supported.Extensions
			}
		}
	}

	return []string{}
}

// findFacilitatorForPayment finds the facilitator that supports a payment type
// Uses the facilitatorClientsMap built during Initialize() for quick lookup
func (s *X402ResourceServer) findFacilitatorForPayment(network Network, scheme string) FacilitatorClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findByNetworkAndScheme(s.facilitatorClientsMap, scheme, network)
}

// Set adds an item to the cache
func (c *SupportedCache) Set(key string, value SupportedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = value
	c.expiry[key] = time.Now().Add(c.ttl)
}

// Clear clears the cache
func (c *SupportedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[string]SupportedResponse)
	c.expiry = make(map[string]time.Time)
}
