package num

// Precision constants. Every stored quantity is an integer scaled by one
// of these.
var (
	PricePrecision          = Pow10(6)
	PegPrecision            = Pow10(6)
	QuotePrecision          = Pow10(6)
	AMMReservePrecision     = Pow10(9)
	BaseAssetPrecision      = Pow10(9)
	BidAskSpreadPrecision   = Pow10(6)
	PercentagePrecision     = Pow10(6)
	ConcentrationPrecision  = Pow10(6)
	SpotBalancePrecision    = Pow10(9)
	SpotInterestPrecision   = Pow10(10)
	FundingRateBuffer       = Pow10(3)
	FundingRatePrecision    = Pow10(9)
	MarginPrecision         = Pow10(4)
	KBpsUpdateScale         = Pow10(6)
	AMMTimesPegToQuoteRatio = Pow10(9)
	AMMToQuoteRatio         = Pow10(3)
	PriceToPegRatio         = Pow10(0)
)

// Scale names a precision domain.
type Scale struct {
	Name string
	One  Int
}

var (
	PriceScale      = Scale{Name: "price", One: PricePrecision}
	PegScale        = Scale{Name: "peg", One: PegPrecision}
	QuoteScale      = Scale{Name: "quote", One: QuotePrecision}
	ReserveScale    = Scale{Name: "reserve", One: AMMReservePrecision}
	SpreadScale     = Scale{Name: "spread", One: BidAskSpreadPrecision}
	PercentScale    = Scale{Name: "percentage", One: PercentagePrecision}
	BalanceScale    = Scale{Name: "spot_balance", One: SpotBalancePrecision}
	FundingScale    = Scale{Name: "funding_rate", One: FundingRatePrecision}
	MarginScale     = Scale{Name: "margin", One: MarginPrecision}
	ConcentrationSc = Scale{Name: "concentration", One: ConcentrationPrecision}
)

// Exp returns the base-10 exponent of the scale, for presentation.
func (s Scale) Exp() int32 {
	return int32(len(s.One.String()) - 1)
}

// Rescale converts x from one precision domain to another, truncating.
func Rescale(c *Calc, x Int, from, to Scale) Int {
	return c.MulDiv(x, to.One, from.One)
}

// ReserveToQuote converts a quote reserve delta into a quote amount at
// the given peg.
func ReserveToQuote(c *Calc, reserve, peg Int) Int {
	return c.MulDiv(reserve, peg, AMMTimesPegToQuoteRatio)
}

// QuoteToReserve converts a quote amount into quote reserve units at the
// given peg.
func QuoteToReserve(c *Calc, quote, peg Int) Int {
	return c.MulDiv(quote, AMMTimesPegToQuoteRatio, peg)
}
