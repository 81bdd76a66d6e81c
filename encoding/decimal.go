package encoding

import (
	"fmt"
	"math/big"
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ValidateDecimalString checks a wire-format amount or timestamp: decimal
// digits only, no sign, and no leading zeros other than "0" itself.
func ValidateDecimalString(s string) error {
	if s == "" {
		return fmt.Errorf("empty decimal string")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return fmt.Errorf("invalid character %q in decimal string", s[i])
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return fmt.Errorf("leading zeros not allowed in decimal string")
	}
	return nil
}

// ParseUint256 parses a wire-format decimal string into a big integer bounded
// to the uint256 range.
func ParseUint256(s string) (*big.Int, error) {
	if err := ValidateDecimalString(s); err != nil {
		return nil, err
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable decimal string %q", s)
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("decimal string %q exceeds uint256 range", s)
	}
	return v, nil
}

// MaxUint256 returns the largest value a wire amount may take.
func MaxUint256() *big.Int {
	return new(big.Int).Set(maxUint256)
}
