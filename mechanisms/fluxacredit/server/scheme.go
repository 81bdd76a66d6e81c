package server

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/fluxacredit"
)

// Ensure CreditServer implements SchemeNetworkServer
var _ x402.SchemeNetworkServer = (*CreditServer)(nil)

// CreditServer builds credit-scheme payment requirements for resource
// servers: price parsing into whole credits and per-issuance charge ids.
type CreditServer struct {
	moneyParsers []x402.MoneyParser
}

func NewCreditServer() *CreditServer {
	return &CreditServer{
		moneyParsers: []x402.MoneyParser{},
	}
}

// RegisterMoneyParser adds a custom money parser, tried before the default
// conversion.
func (s *CreditServer) RegisterMoneyParser(parser x402.MoneyParser) *CreditServer {
	s.moneyParsers = append(s.moneyParsers, parser)
	return s
}

func (s *CreditServer) Scheme() string {
	return fluxacredit.Scheme
}

// ParsePrice accepts an AssetAmount (asset must be FLUXA_CREDIT) or a
// numeric/string price, which truncates toward zero into whole credits.
func (s *CreditServer) ParsePrice(price x402.Price, network x402.Network) (x402.AssetAmount, error) {
	if assetAmount, ok := price.(x402.AssetAmount); ok {
		if assetAmount.Asset != fluxacredit.AssetCredit {
			return x402.AssetAmount{}, fmt.Errorf("asset must be %s on %s, got %q",
				fluxacredit.AssetCredit, network, assetAmount.Asset)
		}
		return assetAmount, nil
	}

	decimalAmount, err := s.parseMoneyToDecimal(price)
	if err != nil {
		return x402.AssetAmount{}, err
	}

	for _, parser := range s.moneyParsers {
		result, err := parser(decimalAmount, network)
		if err == nil && result != nil {
			return *result, nil
		}
	}

	// Credits have no subunits; fractions truncate toward zero.
	return x402.AssetAmount{
		Amount: strconv.FormatInt(int64(decimalAmount), 10),
		Asset:  fluxacredit.AssetCredit,
	}, nil
}

func (s *CreditServer) parseMoneyToDecimal(price x402.Price) (float64, error) {
	priceStr := fmt.Sprintf("%v", price)
	re := regexp.MustCompile(`[\d.]+`)
	matches := re.FindString(priceStr)
	if matches == "" || strings.Contains(priceStr, "-") {
		return 0, fmt.Errorf("invalid price format: %s", priceStr)
	}
	return strconv.ParseFloat(matches, 64)
}

// EnhancePaymentRequirements injects a fresh charge id when the caller did
// not supply one. The id keys settlement idempotency, so it must be unique
// per issuance.
func (s *CreditServer) EnhancePaymentRequirements(
	ctx context.Context,
	requirements x402.PaymentRequirements,
	supportedKind x402.SupportedKind,
	facilitatorExtensions []string,
) (x402.PaymentRequirements, error) {
	if requirements.Extra == nil {
		requirements.Extra = make(map[string]interface{})
	}
	if _, ok := requirements.Extra["id"].(string); !ok {
		requirements.Extra["id"] = uuid.NewString()
	}
	return requirements, nil
}
