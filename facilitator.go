package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// X402Facilitator manages payment verification and settlement across the
// registered scheme mechanisms. Scheme lookup is keyed by (scheme, network)
// where the network key may be a concrete CAIP-2 identifier or a family
// pattern; exact entries win over family entries.
type X402Facilitator struct {
	mu sync.RWMutex

	schemes map[Network]map[string]SchemeNetworkFacilitator
	extras  map[Network]map[string]interface{}

	extensions []string

	// Lifecycle hooks
	beforeVerifyHooks    []FacilitatorBeforeVerifyHook
	afterVerifyHooks     []FacilitatorAfterVerifyHook
	onVerifyFailureHooks []FacilitatorOnVerifyFailureHook
	beforeSettleHooks    []FacilitatorBeforeSettleHook
	afterSettleHooks     []FacilitatorAfterSettleHook
	onSettleFailureHooks []FacilitatorOnSettleFailureHook
}

func Newx402Facilitator() *X402Facilitator {
	return &X402Facilitator{
		schemes:    make(map[Network]map[string]SchemeNetworkFacilitator),
		extras:     make(map[Network]map[string]interface{}),
		extensions: []string{},
	}
}

// Register registers a facilitator mechanism for a network or network family.
// Registering the same (network, scheme) pair twice is a configuration error
// and panics.
func (f *X402Facilitator) Register(network Network, facilitator SchemeNetworkFacilitator, extra ...interface{}) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.schemes[network] == nil {
		f.schemes[network] = make(map[string]SchemeNetworkFacilitator)
	}
	if _, exists := f.schemes[network][facilitator.Scheme()]; exists {
		panic(fmt.Sprintf("x402: facilitator scheme %s already registered for network %s", facilitator.Scheme(), network))
	}
	f.schemes[network][facilitator.Scheme()] = facilitator

	if len(extra) > 0 {
		if f.extras[network] == nil {
			f.extras[network] = make(map[string]interface{})
		}
		f.extras[network][facilitator.Scheme()] = extra[0]
	}
	return f
}

// RegisterExtension registers a protocol extension
func (f *X402Facilitator) RegisterExtension(extension string) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ext := range f.extensions {
		if ext == extension {
			return f
		}
	}

	f.extensions = append(f.extensions, extension)
	return f
}

// ============================================================================
// Hook Registration Methods
// ============================================================================

func (f *X402Facilitator) OnBeforeVerify(hook FacilitatorBeforeVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeVerifyHooks = append(f.beforeVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterVerify(hook FacilitatorAfterVerifyHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterVerifyHooks = append(f.afterVerifyHooks, hook)
	return f
}

func (f *X402Facilitator) OnVerifyFailure(hook FacilitatorOnVerifyFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onVerifyFailureHooks = append(f.onVerifyFailureHooks, hook)
	return f
}

func (f *X402Facilitator) OnBeforeSettle(hook FacilitatorBeforeSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeSettleHooks = append(f.beforeSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnAfterSettle(hook FacilitatorAfterSettleHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterSettleHooks = append(f.afterSettleHooks, hook)
	return f
}

func (f *X402Facilitator) OnSettleFailure(hook FacilitatorOnSettleFailureHook) *X402Facilitator {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSettleFailureHooks = append(f.onSettleFailureHooks, hook)
	return f
}

// ============================================================================
// Core Payment Methods
// ============================================================================

// Verify verifies a payment by routing to the registered scheme mechanism.
// Registry misses are semantic failures carried in the response body, not
// transport errors.
func (f *X402Facilitator) Verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	if payload.X402Version != ProtocolVersion {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeUnsupportedVersion}, nil
	}
	if payload.Accepted.Scheme != requirements.Scheme {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeSchemeMismatch}, nil
	}
	if payload.Accepted.Network != requirements.Network {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeNetworkMismatch}, nil
	}

	hookCtx := FacilitatorVerifyContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    time.Now(),
	}

	f.mu.RLock()
	beforeHooks := f.beforeVerifyHooks
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return &VerifyResponse{IsValid: false, InvalidReason: err.Error()}, err
		}
		if result != nil && result.Abort {
			return &VerifyResponse{IsValid: false, InvalidReason: result.Reason}, nil
		}
	}

	start := time.Now()
	verifyResult, verifyErr := f.verify(ctx, payload, requirements)
	elapsed := time.Since(start)

	if verifyErr != nil {
		failureCtx := FacilitatorVerifyFailureContext{FacilitatorVerifyContext: hookCtx, Error: verifyErr, Duration: elapsed}
		f.mu.RLock()
		failureHooks := f.onVerifyFailureHooks
		f.mu.RUnlock()
		for _, hook := range failureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return verifyResult, verifyErr
	}

	resultCtx := FacilitatorVerifyResultContext{FacilitatorVerifyContext: hookCtx, Result: *verifyResult, Duration: elapsed}
	f.mu.RLock()
	afterHooks := f.afterVerifyHooks
	f.mu.RUnlock()
	for _, hook := range afterHooks {
		_ = hook(resultCtx) // hook errors do not affect the result
	}

	return verifyResult, nil
}

// Settle settles a payment by routing to the registered scheme mechanism.
func (f *X402Facilitator) Settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	if payload.X402Version != ProtocolVersion {
		return &SettleResponse{Success: false, ErrorReason: ErrCodeUnsupportedVersion, Network: requirements.Network}, nil
	}
	if payload.Accepted.Scheme != requirements.Scheme {
		return &SettleResponse{Success: false, ErrorReason: ErrCodeSchemeMismatch, Network: requirements.Network}, nil
	}
	if payload.Accepted.Network != requirements.Network {
		return &SettleResponse{Success: false, ErrorReason: ErrCodeNetworkMismatch, Network: requirements.Network}, nil
	}

	hookCtx := FacilitatorSettleContext{
		Ctx:          ctx,
		Payload:      payload,
		Requirements: requirements,
		Timestamp:    time.Now(),
	}

	f.mu.RLock()
	beforeHooks := f.beforeSettleHooks
	f.mu.RUnlock()

	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return &SettleResponse{Success: false, ErrorReason: err.Error(), Network: requirements.Network}, err
		}
		if result != nil && result.Abort {
			return &SettleResponse{Success: false, ErrorReason: result.Reason, Network: requirements.Network}, nil
		}
	}

	start := time.Now()
	settleResult, settleErr := f.settle(ctx, payload, requirements)
	elapsed := time.Since(start)

	if settleErr != nil {
		failureCtx := FacilitatorSettleFailureContext{FacilitatorSettleContext: hookCtx, Error: settleErr, Duration: elapsed}
		f.mu.RLock()
		failureHooks := f.onSettleFailureHooks
		f.mu.RUnlock()
		for _, hook := range failureHooks {
			result, _ := hook(failureCtx)
			if result != nil && result.Recovered {
				return &result.Result, nil
			}
		}
		return settleResult, settleErr
	}

	resultCtx := FacilitatorSettleResultContext{FacilitatorSettleContext: hookCtx, Result: *settleResult, Duration: elapsed}
	f.mu.RLock()
	afterHooks := f.afterSettleHooks
	f.mu.RUnlock()
	for _, hook := range afterHooks {
		_ = hook(resultCtx) // hook errors do not affect the result
	}

	return settleResult, nil
}

func (f *X402Facilitator) verify(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*VerifyResponse, error) {
	f.mu.RLock()
	facilitator := findByNetworkAndScheme(f.schemes, requirements.Scheme, requirements.Network)
	f.mu.RUnlock()

	if facilitator == nil {
		return &VerifyResponse{IsValid: false, InvalidReason: ErrCodeUnsupportedScheme}, nil
	}

	return facilitator.Verify(ctx, payload, requirements)
}

func (f *X402Facilitator) settle(ctx context.Context, payload PaymentPayload, requirements PaymentRequirements) (*SettleResponse, error) {
	f.mu.RLock()
	facilitator := findByNetworkAndScheme(f.schemes, requirements.Scheme, requirements.Network)
	f.mu.RUnlock()

	if facilitator == nil {
		return &SettleResponse{Success: false, ErrorReason: ErrCodeUnsupportedScheme, Network: requirements.Network}, nil
	}

	return facilitator.Settle(ctx, payload, requirements)
}

// GetSupported returns supported payment kinds ordered by network then scheme
func (f *X402Facilitator) GetSupported() SupportedResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var kinds []SupportedKind

	for network, schemeMap := range f.schemes {
		for scheme, impl := range schemeMap {
			kind := SupportedKind{
				X402Version: ProtocolVersion,
				Scheme:      scheme,
				Network:     network,
				Signers:     impl.GetSigners(network),
			}
			if extra := impl.GetExtra(network); extra != nil {
				kind.Extra = extra
			}
			if override := f.extras[network][scheme]; override != nil {
				if extraMap, ok := override.(map[string]interface{}); ok {
					kind.Extra = extraMap
				}
			}
			kinds = append(kinds, kind)
		}
	}

	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Network != kinds[j].Network {
			return kinds[i].Network < kinds[j].Network
		}
		return kinds[i].Scheme < kinds[j].Scheme
	})

	return SupportedResponse{
		Kinds:      kinds,
		Extensions: f.extensions,
	}
}
