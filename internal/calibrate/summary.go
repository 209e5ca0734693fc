package calibrate

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ScoreSummary describes the score distribution of a sweep's successful runs.
type ScoreSummary struct {
	Runs      int     `json:"runs"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Mean      float64 `json:"mean"`
	StdDev    float64 `json:"stddev"`
	Median    float64 `json:"median"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
}

// SummariseScores computes a ScoreSummary over records. Statistics are zero
// when no run succeeded; StdDev is zero for a single successful run.
func SummariseScores(records []RunRecord) ScoreSummary {
	sum := ScoreSummary{Runs: len(records)}
	var scores []float64
	for _, rec := range records {
		switch {
		case rec.Score != nil:
			scores = append(scores, *rec.Score)
		case rec.Status == RunFailed:
			sum.Failed++
		}
	}
	sum.Succeeded = len(scores)
	if len(scores) == 0 {
		return sum
	}

	sort.Float64s(scores)
	sum.Min = floats.Min(scores)
	sum.Max = floats.Max(scores)
	sum.Median = stat.Quantile(0.5, stat.Empirical, scores, nil)
	if len(scores) == 1 {
		sum.Mean = scores[0]
		return sum
	}
	sum.Mean, sum.StdDev = stat.MeanStdDev(scores, nil)
	return sum
}
