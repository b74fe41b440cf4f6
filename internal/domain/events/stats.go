package events

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// StageStats summarizes completed attempts of one stage across runs.
// Durations are in seconds.
type StageStats struct {
	Stage     Stage   `json:"stage"`
	Count     int     `json:"count"`
	Succeeded int     `json:"succeeded"`
	Failed    int     `json:"failed"`
	Mean      float64 `json:"mean_seconds"`
	Stddev    float64 `json:"stddev_seconds"`
	P50       float64 `json:"p50_seconds"`
	P95       float64 `json:"p95_seconds"`
	Min       float64 `json:"min_seconds"`
	Max       float64 `json:"max_seconds"`
}

var statsOrder = []Stage{StageTranslator, StageAnalyzer, StageMerger}

// ComputeStageStats aggregates the closed stage attempts in runs. Attempts
// still running are ignored. Diagnostic runs are included only when
// withDiagnostic is set.
func ComputeStageStats(runs []RunSummary, withDiagnostic bool) []StageStats {
	durations := make(map[Stage][]float64)
	acc := make(map[Stage]*StageStats)

	for _, run := range runs {
		if run.Diagnostic && !withDiagnostic {
			continue
		}
		for _, s := range run.Stages {
			if s.EndedAt == nil {
				continue
			}
			st, ok := acc[s.Stage]
			if !ok {
				st = &StageStats{Stage: s.Stage}
				acc[s.Stage] = st
			}
			st.Count++
			if s.Outcome == OutcomeSucceeded {
				st.Succeeded++
			} else {
				st.Failed++
			}
			durations[s.Stage] = append(durations[s.Stage], s.Duration.Seconds())
		}
	}

	out := make([]StageStats, 0, len(acc))
	for _, name := range statsOrder {
		st, ok := acc[name]
		if !ok {
			continue
		}
		fillDistribution(st, durations[name])
		out = append(out, *st)
	}
	return out
}

func fillDistribution(st *StageStats, xs []float64) {
	if len(xs) == 0 {
		return
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	st.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		st.Stddev = stat.StdDev(sorted, nil)
	}
	st.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	st.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	st.Min = sorted[0]
	st.Max = sorted[len(sorted)-1]
}

// Seconds converts a stats value back to a duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
