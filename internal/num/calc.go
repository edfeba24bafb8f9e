package num

import (
	"github.com/holiman/uint256"

	"github.com/atmx/perp-engine/internal/fault"
)

// MaxBits bounds every intermediate magnitude. Stored quantities are at
// most 128 bits wide and products of two of them are at most 192.
const MaxBits = 192

// Calc performs checked arithmetic and remembers the first failure.
// Once a step fails every later step returns zero, so a formula can be
// written in one pass and checked once:
//
//	c := num.NewCalc("calculate_price")
//	p := c.Quo(c.Mul(quote, peg), base)
//	if err := c.Err(); err != nil { ... }
type Calc struct {
	op  string
	err error
}

// NewCalc returns a calculator whose faults are attributed to op.
func NewCalc(op string) *Calc {
	return &Calc{op: op}
}

// Err returns the first arithmetic fault, if any.
func (c *Calc) Err() error { return c.err }

// Failed reports whether a step has failed.
func (c *Calc) Failed() bool { return c.err != nil }

// Fail records a fault unless one is already recorded.
func (c *Calc) Fail() Int {
	if c.err == nil {
		c.err = fault.Arithmetic(c.op)
	}
	return Int{}
}

func (c *Calc) check(i Int, overflow bool) Int {
	if c.err != nil {
		return Int{}
	}
	if overflow || i.u.BitLen() > MaxBits {
		return c.Fail()
	}
	if i.u.IsZero() {
		i.neg = false
	}
	return i
}

// Add returns a + b.
func (c *Calc) Add(a, b Int) Int {
	if c.err != nil {
		return Int{}
	}
	var r Int
	if a.neg == b.neg {
		_, overflow := r.u.AddOverflow(&a.u, &b.u)
		r.neg = a.neg
		return c.check(r, overflow)
	}
	// opposite signs: subtract the smaller magnitude from the larger
	if a.u.Cmp(&b.u) >= 0 {
		r.u.Sub(&a.u, &b.u)
		r.neg = a.neg
	} else {
		r.u.Sub(&b.u, &a.u)
		r.neg = b.neg
	}
	return c.check(r, false)
}

// Sub returns a - b.
func (c *Calc) Sub(a, b Int) Int {
	return c.Add(a, b.Neg())
}

// SubU returns a - b and fails when the result is negative, matching an
// unsigned subtraction.
func (c *Calc) SubU(a, b Int) Int {
	r := c.Sub(a, b)
	if r.IsNegative() {
		return c.Fail()
	}
	return r
}

// Mul returns a * b.
func (c *Calc) Mul(a, b Int) Int {
	if c.err != nil {
		return Int{}
	}
	var r Int
	_, overflow := r.u.MulOverflow(&a.u, &b.u)
	r.neg = a.neg != b.neg
	return c.check(r, overflow)
}

// Quo returns a / b truncated toward zero.
func (c *Calc) Quo(a, b Int) Int {
	if c.err != nil {
		return Int{}
	}
	if b.IsZero() {
		return c.Fail()
	}
	var r Int
	r.u.Div(&a.u, &b.u)
	r.neg = a.neg != b.neg
	return c.check(r, false)
}

// QuoCeil returns a / b rounded toward positive infinity.
func (c *Calc) QuoCeil(a, b Int) Int {
	if c.err != nil {
		return Int{}
	}
	if b.IsZero() {
		return c.Fail()
	}
	var q, m uint256.Int
	q.DivMod(&a.u, &b.u, &m)
	r := Int{u: q, neg: a.neg != b.neg}
	if !m.IsZero() && a.neg == b.neg {
		return c.Add(r, NewInt(1))
	}
	return c.check(r, false)
}

// Rem returns the remainder of a / b with the sign of a.
func (c *Calc) Rem(a, b Int) Int {
	if c.err != nil {
		return Int{}
	}
	if b.IsZero() {
		return c.Fail()
	}
	var r Int
	r.u.Mod(&a.u, &b.u)
	r.neg = a.neg
	return c.check(r, false)
}

// MulDiv returns a * b / d truncated toward zero.
func (c *Calc) MulDiv(a, b, d Int) Int {
	return c.Quo(c.Mul(a, b), d)
}

// Sqrt returns floor(sqrt(a)) for a >= 0.
func (c *Calc) Sqrt(a Int) Int {
	if c.err != nil {
		return Int{}
	}
	if a.IsNegative() {
		return c.Fail()
	}
	var r Int
	r.u.Sqrt(&a.u)
	return r
}

// Unsigned fails when a is negative and returns a otherwise.
func (c *Calc) Unsigned(a Int) Int {
	if c.err != nil {
		return Int{}
	}
	if a.IsNegative() {
		return c.Fail()
	}
	return a
}

// Bound fails when |a| needs more than bits bits. It models casting a
// result into a narrower stored field.
func (c *Calc) Bound(a Int, bits int) Int {
	if c.err != nil {
		return Int{}
	}
	if a.BitLen() > bits {
		return c.Fail()
	}
	return a
}
