// Package forecast projects numeric columns forward with linear regression.
// Columns with too little data or a weak fit are skipped rather than
// producing noise.
package forecast

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

const (
	// DefaultPeriods is how many future points a forecast projects.
	DefaultPeriods = 6
	// minSamples is the smallest series worth fitting.
	minSamples = 10
	// minRSquared rejects fits too weak to be useful.
	minRSquared = 0.5
)

var (
	ErrTooFewSamples = errors.New("not enough numeric samples to forecast")
	ErrWeakFit       = errors.New("regression fit below confidence threshold")
)

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Result is one column's projection.
type Result struct {
	Column        string    `json:"column"`
	OriginalData  []float64 `json:"original_data"`
	Predictions   []float64 `json:"predictions"`
	Confidence    float64   `json:"confidence"`
	Trend         Trend     `json:"trend"`
	PercentChange float64   `json:"percent_change"`
	Method        string    `json:"method"`
}

// Regression holds an ordinary least squares fit.
type Regression struct {
	Slope     float64
	Intercept float64
	RSquared  float64
}

// LinearRegression fits y = slope*x + intercept over paired samples.
func LinearRegression(x, y []float64) Regression {
	n := float64(len(x))
	var xMean, yMean float64
	for i := range x {
		xMean += x[i]
		yMean += y[i]
	}
	xMean /= n
	yMean /= n

	var numerator, denominator float64
	for i := range x {
		numerator += (x[i] - xMean) * (y[i] - yMean)
		denominator += (x[i] - xMean) * (x[i] - xMean)
	}
	slope := numerator / denominator
	intercept := yMean - slope*xMean

	var ssRes, ssTot float64
	for i := range x {
		prediction := slope*x[i] + intercept
		ssRes += (y[i] - prediction) * (y[i] - prediction)
		ssTot += (y[i] - yMean) * (y[i] - yMean)
	}
	return Regression{
		Slope:     slope,
		Intercept: intercept,
		RSquared:  1 - ssRes/ssTot,
	}
}

// MovingAverage smooths a series with a trailing window; positions before the
// window fills pass through unchanged.
func MovingAverage(data []float64, window int) []float64 {
	result := make([]float64, 0, len(data))
	for i := range data {
		if i < window-1 {
			result = append(result, data[i])
			continue
		}
		var sum float64
		for j := 0; j < window; j++ {
			sum += data[i-j]
		}
		result = append(result, sum/float64(window))
	}
	return result
}

// ExponentialSmoothing forecasts a flat continuation of the smoothed series.
func ExponentialSmoothing(data []float64, alpha float64, periods int) []float64 {
	if len(data) == 0 {
		return nil
	}
	smoothed := data[0]
	for _, value := range data[1:] {
		smoothed = alpha*value + (1-alpha)*smoothed
	}
	forecast := make([]float64, periods)
	for i := range forecast {
		forecast[i] = smoothed
	}
	return forecast
}

// Column fits a regression over the numeric values of a column and projects
// it periods steps forward. Non-numeric cells are dropped before fitting.
func Column(name string, cells []string, periods int) (Result, error) {
	if periods <= 0 {
		periods = DefaultPeriods
	}
	values := numericValues(cells)
	if len(values) < minSamples {
		return Result{}, ErrTooFewSamples
	}
	x := make([]float64, len(values))
	for i := range x {
		x[i] = float64(i)
	}
	regression := LinearRegression(x, values)
	if math.IsNaN(regression.RSquared) || regression.RSquared < minRSquared {
		return Result{}, ErrWeakFit
	}

	predictions := make([]float64, periods)
	lastX := x[len(x)-1]
	for i := range predictions {
		predictions[i] = regression.Slope*(lastX+float64(i+1)) + regression.Intercept
	}

	// A series ending at zero has no base for a relative change; classify the
	// trend from the fitted slope instead and keep the result marshalable.
	last := values[len(values)-1]
	var percentChange float64
	if last != 0 {
		percentChange = (predictions[len(predictions)-1] - last) / last * 100
	}
	trend := TrendStable
	switch {
	case percentChange > 5:
		trend = TrendIncreasing
	case percentChange < -5:
		trend = TrendDecreasing
	case last == 0 && regression.Slope > 0:
		trend = TrendIncreasing
	case last == 0 && regression.Slope < 0:
		trend = TrendDecreasing
	}
	return Result{
		Column:        name,
		OriginalData:  values,
		Predictions:   predictions,
		Confidence:    regression.RSquared * 100,
		Trend:         trend,
		PercentChange: percentChange,
		Method:        "Linear Regression",
	}, nil
}

func numericValues(cells []string) []float64 {
	values := make([]float64, 0, len(cells))
	for _, cell := range cells {
		trimmed := strings.TrimSpace(strings.ReplaceAll(cell, ",", ""))
		if trimmed == "" {
			continue
		}
		value, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			continue
		}
		values = append(values, value)
	}
	return values
}
