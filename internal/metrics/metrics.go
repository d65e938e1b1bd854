// Package metrics reduces aligned (prediction, actual) pairs to accuracy
// statistics. Evaluate is a pure function with no shared state.
package metrics

import "math"

// IntervalReport carries coverage statistics for interval predictions. It is
// only produced when both bounds are supplied and match the actuals in
// length; it is omitted, not zeroed, otherwise.
type IntervalReport struct {
	Coverage     float64 `json:"coverage"`
	MeanWidth    float64 `json:"avg_interval_width"`
	MeanWidthPct float64 `json:"avg_interval_width_pct"`
}

// Report holds point-accuracy statistics over the evaluated pairs. A zero N
// means the input was empty and no other field is meaningful.
type Report struct {
	N       int     `json:"n_predictions"`
	MAPE    float64 `json:"mape"`
	MAE     float64 `json:"mae"`
	RMSE    float64 `json:"rmse"`
	Bias    float64 `json:"bias"`
	BiasPct float64 `json:"bias_pct"`

	Interval *IntervalReport `json:"interval,omitempty"`

	// Truncated is set when predictions and actuals had mismatched lengths
	// and were cut to the shorter; the caller is expected to log a warning.
	Truncated bool `json:"-"`
}

// Empty reports whether the evaluation produced no metrics.
func (r Report) Empty() bool { return r.N == 0 }

// Evaluate computes point-accuracy metrics over predictions and actuals,
// plus interval coverage when lower and upper bounds are supplied. Inputs of
// mismatched length are truncated to the shorter, never rejected; empty
// input yields an empty report.
func Evaluate(predictions, actuals, lower, upper []float64) Report {
	var report Report

	if len(predictions) == 0 || len(actuals) == 0 {
		return report
	}

	if len(predictions) != len(actuals) {
		n := min(len(predictions), len(actuals))
		predictions = predictions[:n]
		actuals = actuals[:n]
		report.Truncated = true
	}

	n := len(predictions)
	var sumAbsPct, sumAbs, sumSq, sumErr, sumActual float64
	for i := 0; i < n; i++ {
		err := actuals[i] - predictions[i]
		sumErr += err
		sumAbs += math.Abs(err)
		sumSq += err * err
		sumActual += actuals[i]
		if actuals[i] != 0 {
			sumAbsPct += math.Abs(err) / actuals[i] * 100
		}
	}

	fn := float64(n)
	meanActual := sumActual / fn

	report.N = n
	report.MAPE = sumAbsPct / fn
	report.MAE = sumAbs / fn
	report.RMSE = math.Sqrt(sumSq / fn)
	report.Bias = sumErr / fn
	if meanActual != 0 {
		report.BiasPct = report.Bias / meanActual * 100
	}

	if len(lower) == n && len(upper) == n && n > 0 {
		covered := 0
		var sumWidth float64
		for i := 0; i < n; i++ {
			if actuals[i] >= lower[i] && actuals[i] <= upper[i] {
				covered++
			}
			sumWidth += upper[i] - lower[i]
		}
		interval := IntervalReport{
			Coverage:  float64(covered) / fn * 100,
			MeanWidth: sumWidth / fn,
		}
		if meanActual != 0 {
			interval.MeanWidthPct = interval.MeanWidth / meanActual * 100
		}
		report.Interval = &interval
	}

	return report
}
