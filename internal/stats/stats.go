// Package stats is the shared numeric kernel used by the aggregation,
// insight, and prediction layers.
package stats

import (
	"math"
	"sort"
)

// Summary is the five-number description of a sample.
type Summary struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64
}

// Summarize computes the five-number summary of values.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	s := Summary{Count: len(values), Min: values[0], Max: values[0]}
	for _, v := range values {
		s.Sum += v
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	s.Avg = s.Sum / float64(s.Count)
	return s
}

// Mean returns the arithmetic mean, zero for an empty sample.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}

// CoefficientOfVariation returns stddev/|mean|, or zero when the mean is zero.
func CoefficientOfVariation(values []float64) float64 {
	mean := Mean(values)
	if mean == 0 {
		return 0
	}
	return StdDev(values) / math.Abs(mean)
}

// Percentile returns the p-th percentile (0-100) using nearest-rank on a
// sorted copy of the sample.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	index := int((p / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// LinearFit is an ordinary least-squares line fit.
type LinearFit struct {
	Slope       float64
	Intercept   float64
	ResidualStd float64
}

// FitLine fits y = intercept + slope*x by ordinary least squares against the
// implicit x values 0..n-1. Requires at least two points.
func FitLine(values []float64) (LinearFit, bool) {
	n := len(values)
	if n < 2 {
		return LinearFit{}, false
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return LinearFit{}, false
	}

	fit := LinearFit{}
	fit.Slope = (fn*sumXY - sumX*sumY) / denom
	fit.Intercept = (sumY - fit.Slope*sumX) / fn

	var residualSq float64
	for i, y := range values {
		r := y - fit.At(float64(i))
		residualSq += r * r
	}
	fit.ResidualStd = math.Sqrt(residualSq / fn)
	return fit, true
}

// At evaluates the fitted line at x.
func (f LinearFit) At(x float64) float64 {
	return f.Intercept + f.Slope*x
}

// FitPolynomial fits y = c0 + c1*x + c2*x^2 by solving the degree-2 normal
// equations against the implicit x values 0..n-1. Requires at least three
// points. Returns coefficients in ascending degree order plus the residual
// standard deviation.
func FitPolynomial(values []float64) ([]float64, float64, bool) {
	n := len(values)
	if n < 3 {
		return nil, 0, false
	}

	// Power sums up to x^4 and moment sums for the right-hand side.
	var s [5]float64
	var t [3]float64
	for i, y := range values {
		x := float64(i)
		xp := 1.0
		for k := 0; k <= 4; k++ {
			s[k] += xp
			if k <= 2 {
				t[k] += y * xp
			}
			xp *= x
		}
	}

	m := [3][4]float64{
		{s[0], s[1], s[2], t[0]},
		{s[1], s[2], s[3], t[1]},
		{s[2], s[3], s[4], t[2]},
	}

	// Gaussian elimination with partial pivoting.
	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(m[row][col]) > math.Abs(m[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, 0, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		for row := 0; row < 3; row++ {
			if row == col {
				continue
			}
			factor := m[row][col] / m[col][col]
			for k := col; k < 4; k++ {
				m[row][k] -= factor * m[col][k]
			}
		}
	}

	coeffs := []float64{m[0][3] / m[0][0], m[1][3] / m[1][1], m[2][3] / m[2][2]}

	var residualSq float64
	for i, y := range values {
		x := float64(i)
		fitted := coeffs[0] + coeffs[1]*x + coeffs[2]*x*x
		r := y - fitted
		residualSq += r * r
	}
	return coeffs, math.Sqrt(residualSq / float64(n)), true
}

// Pearson computes the Pearson correlation coefficient of two equal-length
// samples. Returns false when either sample has no variance or the lengths
// differ or are below two.
func Pearson(a, b []float64) (float64, bool) {
	if len(a) != len(b) || len(a) < 2 {
		return 0, false
	}

	meanA := Mean(a)
	meanB := Mean(b)

	var cov, varA, varB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

// NormalizedMSE returns the mean squared error of fitted against actual,
// normalized by the variance of actual. A perfect fit yields 0; a fit no
// better than the mean yields 1.
func NormalizedMSE(actual, fitted []float64) float64 {
	if len(actual) == 0 || len(actual) != len(fitted) {
		return 1
	}
	var mse float64
	for i := range actual {
		d := actual[i] - fitted[i]
		mse += d * d
	}
	mse /= float64(len(actual))

	std := StdDev(actual)
	variance := std * std
	if variance == 0 {
		if mse == 0 {
			return 0
		}
		return 1
	}
	return mse / variance
}

// Clamp bounds value to [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
