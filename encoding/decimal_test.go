package encoding

import (
	"math/big"
	"strings"
	"testing"
)

func TestValidateDecimalString(t *testing.T) {
	maxUint256Str := "115792089237316195423570985008687907853269984665640564039457584007913129639935"

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"zero", "0", false},
		{"single digit", "7", false},
		{"plain amount", "15000", false},
		{"max uint256", maxUint256Str, false},
		{"empty", "", true},
		{"leading zero", "015000", true},
		{"double zero", "00", true},
		{"negative", "-1", true},
		{"plus sign", "+1", true},
		{"decimal point", "1.5", true},
		{"hex digits", "0x1f", true},
		{"whitespace", " 42", true},
		{"underscore", "1_000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDecimalString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDecimalString(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestParseUint256(t *testing.T) {
	v, err := ParseUint256("15000")
	if err != nil {
		t.Fatalf("ParseUint256: %v", err)
	}
	if v.Cmp(big.NewInt(15000)) != 0 {
		t.Errorf("ParseUint256(15000) = %s", v)
	}

	max := MaxUint256()
	v, err = ParseUint256(max.String())
	if err != nil {
		t.Fatalf("ParseUint256(max): %v", err)
	}
	if v.Cmp(max) != 0 {
		t.Errorf("max round trip = %s", v)
	}

	over := new(big.Int).Add(max, big.NewInt(1))
	_, err = ParseUint256(over.String())
	if err == nil {
		t.Fatal("ParseUint256 accepted a value over uint256 range")
	}
	if !strings.Contains(err.Error(), "uint256") {
		t.Errorf("unexpected overflow error: %v", err)
	}
}
