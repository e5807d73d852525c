package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{10, 12, 11, 13, 14})
	assert.Equal(t, 5, s.Count)
	assert.InDelta(t, 60, s.Sum, 1e-9)
	assert.InDelta(t, 10, s.Min, 1e-9)
	assert.InDelta(t, 14, s.Max, 1e-9)
	assert.InDelta(t, 12, s.Avg, 1e-9)
}

func TestSummarizeEmpty(t *testing.T) {
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestFitLineIncreasing(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	fit, ok := FitLine(values)
	require.True(t, ok)
	assert.InDelta(t, 1.0, fit.Slope, 1e-9)
	assert.InDelta(t, 1.0, fit.Intercept, 1e-9)
	assert.InDelta(t, 0.0, fit.ResidualStd, 1e-9)
	assert.InDelta(t, 6.0, fit.At(5), 1e-9)
}

func TestFitLineTooFewPoints(t *testing.T) {
	_, ok := FitLine([]float64{42})
	assert.False(t, ok)
}

func TestFitPolynomialQuadratic(t *testing.T) {
	// y = 2 + 3x + 0.5x^2
	values := make([]float64, 10)
	for i := range values {
		x := float64(i)
		values[i] = 2 + 3*x + 0.5*x*x
	}
	coeffs, residual, ok := FitPolynomial(values)
	require.True(t, ok)
	require.Len(t, coeffs, 3)
	assert.InDelta(t, 2.0, coeffs[0], 1e-6)
	assert.InDelta(t, 3.0, coeffs[1], 1e-6)
	assert.InDelta(t, 0.5, coeffs[2], 1e-6)
	assert.InDelta(t, 0.0, residual, 1e-6)
}

func TestPearsonPerfectCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	r, ok := Pearson(a, b)
	require.True(t, ok)
	assert.InDelta(t, 1.0, r, 1e-9)

	inverse := []float64{10, 8, 6, 4, 2}
	r, ok = Pearson(a, inverse)
	require.True(t, ok)
	assert.InDelta(t, -1.0, r, 1e-9)
}

func TestPearsonSymmetry(t *testing.T) {
	a := []float64{1, 3, 2, 5, 4, 7}
	b := []float64{2, 5, 3, 9, 8, 11}
	ab, ok := Pearson(a, b)
	require.True(t, ok)
	ba, ok := Pearson(b, a)
	require.True(t, ok)
	assert.InDelta(t, math.Abs(ab), math.Abs(ba), 1e-12)
}

func TestPearsonNoVariance(t *testing.T) {
	_, ok := Pearson([]float64{1, 1, 1}, []float64{1, 2, 3})
	assert.False(t, ok)
}

func TestPercentile(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3}
	assert.InDelta(t, 1, Percentile(values, 0), 1e-9)
	assert.InDelta(t, 5, Percentile(values, 100), 1e-9)
	assert.InDelta(t, 3, Percentile(values, 50), 1e-9)
}

func TestCoefficientOfVariation(t *testing.T) {
	flat := []float64{10, 10, 10, 10}
	assert.InDelta(t, 0, CoefficientOfVariation(flat), 1e-9)

	noisy := []float64{1, 20, 2, 30, 1, 25}
	assert.Greater(t, CoefficientOfVariation(noisy), 0.3)
}

func TestNormalizedMSE(t *testing.T) {
	actual := []float64{1, 2, 3, 4}
	assert.InDelta(t, 0, NormalizedMSE(actual, actual), 1e-9)

	mean := Mean(actual)
	flat := []float64{mean, mean, mean, mean}
	assert.InDelta(t, 1, NormalizedMSE(actual, flat), 1e-9)
}
