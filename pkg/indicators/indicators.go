// Package indicators implements rolling-window technical indicator math over
// ordered price series. Every function returns a series aligned with its
// input; positions without enough history hold math.NaN() rather than a
// fabricated zero.
package indicators

import "math"

// TradingDaysPerYear scales daily volatility to an annualized figure.
const TradingDaysPerYear = 252

// SMA produces the simple moving average for the supplied prices.
func SMA(prices []float64, period int) []float64 {
	result := nanSeries(len(prices))
	if period <= 0 || len(prices) < period {
		return result
	}
	var sum float64
	for i, price := range prices {
		sum += price
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			result[i] = sum / float64(period)
		}
	}
	return result
}

// EMA produces the exponential moving average for the supplied prices,
// seeded with the SMA of the first full window.
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	result := nanSeries(len(prices))
	if len(prices) < period {
		return result
	}
	multiplier := 2.0 / float64(period+1)

	start := -1
	var seed float64
	for i := period - 1; i < len(prices); i++ {
		windowValid := true
		sum := 0.0
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(prices[j]) {
				windowValid = false
				break
			}
			sum += prices[j]
		}
		if windowValid {
			start = i
			seed = sum / float64(period)
			break
		}
	}
	if start == -1 {
		return result
	}
	result[start] = seed

	for i := start + 1; i < len(prices); i++ {
		if math.IsNaN(prices[i]) {
			result[i] = result[i-1]
			continue
		}
		prev := result[i-1]
		if math.IsNaN(prev) {
			prev = seed
		}
		result[i] = (prices[i]-prev)*multiplier + prev
	}
	return result
}

// MACD returns MACD(12,26), signal EMA9 and histogram series.
func MACD(prices []float64) ([]float64, []float64, []float64) {
	if len(prices) == 0 {
		return []float64{}, []float64{}, []float64{}
	}
	ema12 := EMA(prices, 12)
	ema26 := EMA(prices, 26)

	macd := make([]float64, len(prices))
	for i := range prices {
		if math.IsNaN(ema12[i]) || math.IsNaN(ema26[i]) {
			macd[i] = math.NaN()
		} else {
			macd[i] = ema12[i] - ema26[i]
		}
	}

	signal := EMA(macd, 9)
	hist := make([]float64, len(prices))
	for i := range hist {
		if math.IsNaN(macd[i]) || math.IsNaN(signal[i]) {
			hist[i] = math.NaN()
		} else {
			hist[i] = macd[i] - signal[i]
		}
	}
	return macd, signal, hist
}

// RSI computes the Relative Strength Index with Wilder smoothing: the first
// average gain/loss is the simple mean of the first period deltas, subsequent
// averages use avg = (avg*(period-1) + delta) / period.
func RSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) == 0 {
		return []float64{}
	}
	rsi := nanSeries(len(prices))
	if len(prices) <= period {
		return rsi
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gainSum += change
		} else {
			lossSum -= change
		}
	}

	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	rsi[period] = computeRSI(avgGain, avgLoss)

	for i := period + 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		gain := math.Max(change, 0)
		loss := math.Max(-change, 0)

		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)

		rsi[i] = computeRSI(avgGain, avgLoss)
	}
	return rsi
}

// Bollinger returns the upper, middle and lower band series for a
// period-length window at width standard deviations.
func Bollinger(prices []float64, period int, width float64) ([]float64, []float64, []float64) {
	upper := nanSeries(len(prices))
	middle := SMA(prices, period)
	lower := nanSeries(len(prices))
	if period <= 0 || len(prices) < period {
		return upper, middle, lower
	}
	for i := period - 1; i < len(prices); i++ {
		sd := stddev(prices[i-period+1:i+1], middle[i])
		upper[i] = middle[i] + width*sd
		lower[i] = middle[i] - width*sd
	}
	return upper, middle, lower
}

// Volatility computes the annualized standard deviation of the log returns
// inside the last period sessions (period-1 returns), scaled by
// sqrt(TradingDaysPerYear). Defined once period prices exist.
func Volatility(prices []float64, period int) []float64 {
	result := nanSeries(len(prices))
	if period <= 1 || len(prices) < period {
		return result
	}
	returns := make([]float64, len(prices))
	returns[0] = math.NaN()
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			returns[i] = math.NaN()
			continue
		}
		returns[i] = math.Log(prices[i] / prices[i-1])
	}
	for i := period - 1; i < len(prices); i++ {
		window := returns[i-period+2 : i+1]
		mean, valid := 0.0, true
		for _, r := range window {
			if math.IsNaN(r) {
				valid = false
				break
			}
			mean += r
		}
		if !valid {
			continue
		}
		mean /= float64(period - 1)
		result[i] = stddev(window, mean) * math.Sqrt(TradingDaysPerYear)
	}
	return result
}

// Change computes the k-period fractional price change series:
// (price[t] - price[t-k]) / price[t-k].
func Change(prices []float64, k int) []float64 {
	result := nanSeries(len(prices))
	if k <= 0 {
		return result
	}
	for i := k; i < len(prices); i++ {
		if prices[i-k] == 0 {
			continue
		}
		result[i] = (prices[i] - prices[i-k]) / prices[i-k]
	}
	return result
}

// Last returns the final value of a series, or NaN for an empty series.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func computeRSI(avgGain, avgLoss float64) float64 {
	// avgLoss == 0 means no down moves in the window; by convention RSI
	// pins to 100 rather than dividing by zero.
	switch {
	case avgLoss == 0:
		return 100.0
	case avgGain == 0:
		return 0.0
	default:
		rs := avgGain / avgLoss
		return 100.0 - (100.0 / (1.0 + rs))
	}
}

func stddev(window []float64, mean float64) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range window {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(window)))
}

func nanSeries(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}
