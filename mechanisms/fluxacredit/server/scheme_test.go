package server

import (
	"context"
	"testing"

	x402 "github.com/FluxA-Agent-Payment/x402"
	"github.com/FluxA-Agent-Payment/x402/mechanisms/fluxacredit"
)

func TestCreditServerParsePrice(t *testing.T) {
	s := NewCreditServer()

	tests := []struct {
		name       string
		price      x402.Price
		wantAmount string
		wantAsset  string
		wantErr    bool
	}{
		{
			name:       "asset amount passthrough",
			price:      x402.AssetAmount{Asset: fluxacredit.AssetCredit, Amount: "25"},
			wantAmount: "25",
			wantAsset:  fluxacredit.AssetCredit,
		},
		{
			name:    "asset amount with foreign asset",
			price:   x402.AssetAmount{Asset: "USDC", Amount: "25"},
			wantErr: true,
		},
		{
			name:       "string price",
			price:      "25",
			wantAmount: "25",
			wantAsset:  fluxacredit.AssetCredit,
		},
		{
			name:       "integer price",
			price:      25,
			wantAmount: "25",
			wantAsset:  fluxacredit.AssetCredit,
		},
		{
			name:       "fractional price truncates toward zero",
			price:      25.7,
			wantAmount: "25",
			wantAsset:  fluxacredit.AssetCredit,
		},
		{
			name:       "currency-decorated string",
			price:      "$1.50",
			wantAmount: "1",
			wantAsset:  fluxacredit.AssetCredit,
		},
		{
			name:    "negative price",
			price:   "-5",
			wantErr: true,
		},
		{
			name:    "no digits",
			price:   "free",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ParsePrice(tt.price, fluxacredit.NetworkMonetize)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrice() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Amount != tt.wantAmount {
				t.Errorf("amount = %q, want %q", got.Amount, tt.wantAmount)
			}
			if got.Asset != tt.wantAsset {
				t.Errorf("asset = %q, want %q", got.Asset, tt.wantAsset)
			}
		})
	}
}

func TestCreditServerCustomMoneyParser(t *testing.T) {
	s := NewCreditServer().RegisterMoneyParser(func(amount float64, network x402.Network) (*x402.AssetAmount, error) {
		// Promotional pricing: everything costs one credit.
		return &x402.AssetAmount{Asset: fluxacredit.AssetCredit, Amount: "1"}, nil
	})

	got, err := s.ParsePrice("100", fluxacredit.NetworkMonetize)
	if err != nil {
		t.Fatalf("ParsePrice() error = %v", err)
	}
	if got.Amount != "1" {
		t.Errorf("amount = %q, want custom parser result 1", got.Amount)
	}
}

func TestCreditServerEnhanceInjectsChargeID(t *testing.T) {
	s := NewCreditServer()
	ctx := context.Background()
	kind := x402.SupportedKind{
		X402Version: x402.ProtocolVersion,
		Scheme:      fluxacredit.Scheme,
		Network:     fluxacredit.NetworkMonetize,
	}

	enhanced, err := s.EnhancePaymentRequirements(ctx, x402.PaymentRequirements{
		Scheme:  fluxacredit.Scheme,
		Network: fluxacredit.NetworkMonetize,
	}, kind, nil)
	if err != nil {
		t.Fatalf("EnhancePaymentRequirements() error = %v", err)
	}
	id, ok := enhanced.Extra["id"].(string)
	if !ok || id == "" {
		t.Fatalf("expected a generated charge id, got %v", enhanced.Extra["id"])
	}

	again, err := s.EnhancePaymentRequirements(ctx, x402.PaymentRequirements{
		Scheme:  fluxacredit.Scheme,
		Network: fluxacredit.NetworkMonetize,
	}, kind, nil)
	if err != nil {
		t.Fatal(err)
	}
	if again.Extra["id"] == id {
		t.Error("charge ids must be unique per issuance")
	}
}

func TestCreditServerEnhanceKeepsExistingChargeID(t *testing.T) {
	s := NewCreditServer()

	enhanced, err := s.EnhancePaymentRequirements(context.Background(), x402.PaymentRequirements{
		Scheme:  fluxacredit.Scheme,
		Network: fluxacredit.NetworkMonetize,
		Extra:   map[string]interface{}{"id": "abc123"},
	}, x402.SupportedKind{}, nil)
	if err != nil {
		t.Fatalf("EnhancePaymentRequirements() error = %v", err)
	}
	if enhanced.Extra["id"] != "abc123" {
		t.Errorf("existing charge id was replaced: %v", enhanced.Extra["id"])
	}
}
