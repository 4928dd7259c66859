package gasoracle

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Multiplier is an exact rational priority factor applied to gas prices.
// Gas prices exceed 2^53 on several chains, so the factor is kept as an
// integer numerator/denominator pair instead of a float.
type Multiplier struct {
	num *big.Int
	den *big.Int
}

// ParseMultiplier converts a decimal string such as "1.5" into an exact
// rational factor. Factors below 1 are rejected; underpricing a sweep only
// strands it in the mempool.
func ParseMultiplier(s string) (Multiplier, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Multiplier{}, fmt.Errorf("gasoracle: parse multiplier %q: %w", s, err)
	}
	return MultiplierFromDecimal(d)
}

// MultiplierFromDecimal builds the rational factor from a decimal value.
func MultiplierFromDecimal(d decimal.Decimal) (Multiplier, error) {
	if d.Cmp(decimal.New(1, 0)) < 0 {
		return Multiplier{}, fmt.Errorf("gasoracle: multiplier %s below 1", d)
	}
	exp := int64(d.Exponent())
	num := new(big.Int).Set(d.Coefficient())
	den := big.NewInt(1)
	if exp < 0 {
		den.Exp(big.NewInt(10), big.NewInt(-exp), nil)
	} else if exp > 0 {
		num.Mul(num, new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil))
	}
	return Multiplier{num: num, den: den}, nil
}

// IsZero reports whether the multiplier is unset.
func (m Multiplier) IsZero() bool { return m.num == nil }

// Apply returns price * num / den, truncating toward zero.
func (m Multiplier) Apply(price *big.Int) *big.Int {
	if price == nil {
		return nil
	}
	if m.num == nil || m.den == nil {
		return new(big.Int).Set(price)
	}
	out := new(big.Int).Mul(price, m.num)
	return out.Quo(out, m.den)
}

// String renders the factor as num/den.
func (m Multiplier) String() string {
	if m.num == nil {
		return "1"
	}
	return m.num.String() + "/" + m.den.String()
}
