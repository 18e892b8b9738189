package strategy

type emaState struct {
	period int
	alpha  float64
	value  float64
	warmup int
}

func newEMA(period int) emaState {
	if period <= 1 {
		period = 1
	}
	return emaState{
		period: period,
		alpha:  2.0 / (float64(period) + 1),
	}
}

func (e *emaState) Update(price float64) {
	if e.warmup == 0 {
		e.value = price
		e.warmup = 1
		return
	}
	e.value = e.alpha*price + (1-e.alpha)*e.value
	if e.warmup < e.period {
		e.warmup++
	}
}

func (e *emaState) Ready() bool {
	return e.warmup >= e.period
}

func (e *emaState) Value() float64 { return e.value }

// emaOf - EMA по всему ряду; ok=false, если ряд короче периода.
func emaOf(xs []float64, period int) (float64, bool) {
	e := newEMA(period)
	for _, x := range xs {
		e.Update(x)
	}
	return e.Value(), e.Ready()
}

// rsiOf - RSI со сглаживанием Уайлдера. Нужно минимум period+1 точек.
func rsiOf(xs []float64, period int) (float64, bool) {
	if period <= 0 || len(xs) < period+1 {
		return 0, false
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		gain, loss := change(xs[i] - xs[i-1])
		avgGain += gain
		avgLoss += loss
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(xs); i++ {
		gain, loss := change(xs[i] - xs[i-1])
		avgGain = (1-alpha)*avgGain + alpha*gain
		avgLoss = (1-alpha)*avgLoss + alpha*loss
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

func change(d float64) (gain, loss float64) {
	if d > 0 {
		return d, 0
	}
	return 0, -d
}
