package pacing

import "github.com/shopspring/decimal"

var (
	fifty = decimal.NewFromInt(50)
	ten   = decimal.NewFromInt(10)
	one   = decimal.NewFromInt(1)
	cent  = decimal.New(1, -2)
)

// HumanRound округляет сумму «как человек»:
// ≥1000 до 50, ≥100 до 10, ≥10 до целого, иначе до центов. Знак сохраняется.
func HumanRound(x float64) float64 {
	return human(x, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// HumanRoundDown - те же шаги, но только вниз по модулю. Для сумм, которые
// нельзя превысить (свободный баланс).
func HumanRoundDown(x float64) float64 {
	return human(x, func(d decimal.Decimal) decimal.Decimal { return d.Floor() })
}

func human(x float64, round func(decimal.Decimal) decimal.Decimal) float64 {
	d := decimal.NewFromFloat(x)
	abs := d.Abs()

	var step decimal.Decimal
	switch {
	case abs.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		step = fifty
	case abs.GreaterThanOrEqual(decimal.NewFromInt(100)):
		step = ten
	case abs.GreaterThanOrEqual(ten):
		step = one
	default:
		step = cent
	}
	r := round(abs.Div(step)).Mul(step)
	if d.IsNegative() {
		r = r.Neg()
	}
	f, _ := r.Float64()
	return f
}
