// Package server builds deferred-scheme payment requirements for resource
// servers: price parsing into ERC-20 base units and session issuance with
// the facilitator's published chain parity fields.
package server

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/encoding"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/odp"
)

const (
	// DefaultSessionTTL is how far a fresh session's expiry lies in the
	// future.
	DefaultSessionTTL = time.Hour

	// DefaultSessionReceipts sizes the default maxSpend as a multiple of the
	// per-request amount.
	DefaultSessionReceipts = 100
)

// parityKeys are the extras the facilitator publishes via GetExtra and the
// resource server must echo into requirements.
var parityKeys = []string{"settlementContract", "debitWallet", "withdrawDelaySeconds", "authorizedProcessors"}

// Config holds the resource server's session issuance policy.
type Config struct {
	// SessionMaxSpend fixes maxSpend for every issued session, as a decimal
	// string in base units. Empty derives it from the per-request amount
	// times DefaultSessionReceipts.
	SessionMaxSpend string

	// SessionTTL is the expiry horizon for fresh sessions. Zero means
	// DefaultSessionTTL.
	SessionTTL time.Duration
}

// Ensure OdpServer implements the deferred-settlement server surface.
var _ x402.DeferredSettlementServer = (*OdpServer)(nil)

// OdpServer issues deferred-scheme payment requirements. Each enhanced
// requirements carries a fresh random sessionId, the spend policy, and the
// facilitator's chain parity fields.
type OdpServer struct {
	config       Config
	moneyParsers []x402.MoneyParser
	now          func() time.Time
	newSessionID func() (string, error)
}

// NewOdpServer creates a server with the given session policy.
func NewOdpServer(config Config) (*OdpServer, error) {
	if config.SessionMaxSpend != "" {
		if _, err := encoding.ParseUint256(config.SessionMaxSpend); err != nil {
			return nil, fmt.Errorf("invalid sessionMaxSpend: %w", err)
		}
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	return &OdpServer{
		config:       config,
		moneyParsers: []x402.MoneyParser{},
		now:          time.Now,
		newSessionID: odp.NewSessionID,
	}, nil
}

// RegisterMoneyParser adds a custom money parser, tried before the default
// conversion.
func (s *OdpServer) RegisterMoneyParser(parser x402.MoneyParser) *OdpServer {
	s.moneyParsers = append(s.moneyParsers, parser)
	return s
}

func (s *OdpServer) Scheme() string {
	return odp.Scheme
}

// SettlesDeferred reports that receipts settle out of band in batches; the
// resource server must not call settle inline after each request.
func (s *OdpServer) SettlesDeferred() bool {
	return true
}

// ParsePrice accepts an AssetAmount (asset must be an ERC-20 address) or a
// money price, which converts into the network's default asset at its
// decimals, truncating toward zero.
func (s *OdpServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	if assetAmount, ok := price.(x402.AssetAmount); ok {
		if !common.IsHexAddress(assetAmount.Asset) {
			return x402.AssetAmount{}, fmt.Errorf("asset must be an ERC-20 address on %s, got %q",
				network, assetAmount.Asset)
		}
		if _, err := encoding.ParseUint256(assetAmount.Amount); err != nil {
			return x402.AssetAmount{}, fmt.Errorf("invalid amount: %w", err)
		}
		return assetAmount, nil
	}

	priceStr := strings.TrimSpace(strings.TrimPrefix(fmt.Sprintf("%v", price), "$"))
	decimalAmount, err := strconv.ParseFloat(priceStr, 64)
	if err != nil || decimalAmount < 0 {
		return x402.AssetAmount{}, fmt.Errorf("invalid price format: %v", price)
	}

	for _, parser := range s.moneyParsers {
		result, err := parser(decimalAmount, network)
		if err == nil && result != nil {
			return *result, nil
		}
	}

	config, err := odp.GetNetworkConfig(string(network))
	if err != nil {
		return x402.AssetAmount{}, err
	}
	amount, err := odp.ParseAmount(priceStr, config.DefaultAsset.Decimals)
	if err != nil {
		return x402.AssetAmount{}, err
	}
	return x402.AssetAmount{
		Amount: amount,
		Asset:  config.DefaultAsset.Address,
	}, nil
}

// EnhancePaymentRequirements copies the facilitator's chain parity fields
// from the supported kind and issues the session: fresh sessionId, zero
// startNonce, spend cap and expiry per the configured policy. Caller-set
// extras win over generated values.
func (s *OdpServer) EnhancePaymentRequirements(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	supportedKind x402.SupportedKind,
	facilitatorExtensions []string,
) (x402.PaymentRequirements, error) {
	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}

	for _, key := range parityKeys {
		if _, ok := requirements.Extra[key]; ok {
			continue
		}
		if value, ok := supportedKind.Extra[key]; ok {
			requirements.Extra[key] = value
		}
	}
	for _, key := range parityKeys[:3] {
		if _, ok := requirements.Extra[key]; !ok {
			return x402.PaymentRequirements{}, fmt.Errorf(
				"facilitator did not publish %s for %s", key, requirements.Network)
		}
	}

	if _, ok := requirements.Extra["sessionId"].(string); !ok {
		sessionID, err := s.newSessionID()
		if err != nil {
			return x402.PaymentRequirements{}, err
		}
		requirements.Extra["sessionId"] = sessionID
	}
	if _, ok := requirements.Extra["startNonce"].(string); !ok {
		requirements.Extra["startNonce"] = "0"
	}
	if _, ok := requirements.Extra["maxSpend"].(string); !ok {
		maxSpend, err := s.sessionMaxSpend(requirements.Amount)
		if err != nil {
			return x402.PaymentRequirements{}, err
		}
		requirements.Extra["maxSpend"] = maxSpend
	}
	if _, ok := requirements.Extra["expiry"].(string); !ok {
		expiry := s.now().Add(s.config.SessionTTL).Unix()
		requirements.Extra["expiry"] = strconv.FormatInt(expiry, 10)
	}

	// The assembled extras must parse; a bad facilitator publication or
	// caller override surfaces here instead of as a verify failure later.
	if _, err := odp.ParseExtra(requirements.Extra); err != nil {
		return x402.PaymentRequirements{}, fmt.Errorf("assembled requirements extra: %w", err)
	}
	return requirements, nil
}

func (s *OdpServer) sessionMaxSpend(amount string) (string, error) {
	if s.config.SessionMaxSpend != "" {
		return s.config.SessionMaxSpend, nil
	}
	value, err := encoding.ParseUint256(amount)
	if err != nil {
		return "", fmt.Errorf("invalid amount: %w", err)
	}
	return new(big.Int).Mul(value, big.NewInt(DefaultSessionReceipts)).String(), nil
}
