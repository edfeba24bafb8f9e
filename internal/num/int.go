// Package num provides the fixed-point integer arithmetic used by the vAMM
// core: a signed integer value type backed by a 256-bit magnitude, a
// checked calculator that records the first arithmetic fault, and the
// precision constants every quantity is scaled by.
package num

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Int is an immutable signed integer. The zero value is 0.
type Int struct {
	neg bool
	u   uint256.Int
}

// NewInt creates an Int from an int64.
func NewInt(v int64) Int {
	if v < 0 {
		var i Int
		i.neg = true
		// two's complement safe for math.MinInt64
		i.u.SetUint64(uint64(-(v + 1)) + 1)
		return i
	}
	return NewUint(uint64(v))
}

// NewUint creates an Int from a uint64.
func NewUint(v uint64) Int {
	var i Int
	i.u.SetUint64(v)
	return i
}

// Pow10 returns 10^n.
func Pow10(n uint) Int {
	var i Int
	i.u.Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
	return i
}

// FromBig converts a big.Int. The second value is true when the
// magnitude does not fit in 256 bits.
func FromBig(b *big.Int) (Int, bool) {
	var abs big.Int
	abs.Abs(b)
	u, overflow := uint256.FromBig(&abs)
	if overflow {
		return Int{}, true
	}
	return Int{neg: b.Sign() < 0, u: *u}, false
}

// FromString parses a base-10 integer.
func FromString(s string) (Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int{}, fmt.Errorf("num: invalid integer %q", s)
	}
	i, overflow := FromBig(b)
	if overflow {
		return Int{}, fmt.Errorf("num: integer %q overflows 256 bits", s)
	}
	return i, nil
}

// MustFromString parses s and panics on failure. Meant for constants.
func MustFromString(s string) Int {
	i, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return i
}

// FromDecimal truncates d * 10^exp into an Int.
func FromDecimal(d decimal.Decimal, exp int32) (Int, bool) {
	return FromBig(d.Shift(exp).BigInt())
}

func (i Int) Sign() int {
	switch {
	case i.u.IsZero():
		return 0
	case i.neg:
		return -1
	default:
		return 1
	}
}

func (i Int) IsZero() bool     { return i.u.IsZero() }
func (i Int) IsNegative() bool { return i.Sign() < 0 }
func (i Int) IsPositive() bool { return i.Sign() > 0 }

// Signum returns -1, 0 or 1 as an Int.
func (i Int) Signum() Int { return NewInt(int64(i.Sign())) }

// Neg returns -i.
func (i Int) Neg() Int {
	if i.IsZero() {
		return i
	}
	i.neg = !i.neg
	return i
}

// Abs returns |i|.
func (i Int) Abs() Int {
	i.neg = false
	return i
}

// Cmp compares i and o and returns -1, 0 or +1.
func (i Int) Cmp(o Int) int {
	si, so := i.Sign(), o.Sign()
	if si != so {
		if si < so {
			return -1
		}
		return 1
	}
	c := i.u.Cmp(&o.u)
	if si < 0 {
		return -c
	}
	return c
}

func (i Int) EQ(o Int) bool  { return i.Cmp(o) == 0 }
func (i Int) LT(o Int) bool  { return i.Cmp(o) < 0 }
func (i Int) LTE(o Int) bool { return i.Cmp(o) <= 0 }
func (i Int) GT(o Int) bool  { return i.Cmp(o) > 0 }
func (i Int) GTE(o Int) bool { return i.Cmp(o) >= 0 }

// BitLen returns the bit length of |i|.
func (i Int) BitLen() int { return i.u.BitLen() }

// Int64 returns the low 63 bits of |i| with the sign applied. Callers are
// expected to know the value fits.
func (i Int) Int64() int64 {
	v := int64(i.u.Uint64() & (1<<63 - 1))
	if i.neg {
		return -v
	}
	return v
}

// BigInt returns a new big.Int holding i.
func (i Int) BigInt() *big.Int {
	b := i.u.ToBig()
	if i.neg {
		b.Neg(b)
	}
	return b
}

func (i Int) String() string {
	return i.BigInt().String()
}

// ToDecimal returns i / 10^exp as a decimal.
func (i Int) ToDecimal(exp int32) decimal.Decimal {
	return decimal.NewFromBigInt(i.BigInt(), -exp)
}

// MarshalJSON encodes i as a quoted base-10 string so values above 2^53
// survive JavaScript clients.
func (i Int) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (i *Int) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}
	if s == "" || s == "null" {
		*i = Int{}
		return nil
	}
	v, err := FromString(s)
	if err != nil {
		return err
	}
	*i = v
	return nil
}

// Min returns the smaller of a and b.
func Min(a, b Int) Int {
	if a.LT(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b Int) Int {
	if a.GT(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi Int) Int {
	return Min(Max(v, lo), hi)
}
