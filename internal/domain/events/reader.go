package events

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/GriffinCanCode/governor/internal/shared/id"
)

// Anomaly is an audit line that could not be decoded. It is reported, never
// repaired.
type Anomaly struct {
	Line int    `json:"line"`
	Err  string `json:"error"`
}

// Reader reads the audit log. It never writes.
type Reader struct {
	path string
}

// NewReader creates a reader for the audit log at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Scan calls fn for every decodable record in file order. Malformed lines are
// collected as anomalies and skipped. A missing file is an empty log.
// Compressed exports are read transparently.
func (r *Reader) Scan(fn func(line int, e Event) bool) ([]Anomaly, error) {
	f, err := OpenArchive(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	return ScanFrom(f, fn)
}

// ScanFrom is Scan over an arbitrary stream.
func ScanFrom(src io.Reader, fn func(line int, e Event) bool) ([]Anomaly, error) {
	var anomalies []Anomaly
	br := bufio.NewReaderSize(src, 64*1024)

	for n := 1; ; n++ {
		raw, err := br.ReadBytes('\n')
		if len(raw) > 0 {
			if e, derr := DecodeLine(raw); derr != nil {
				if !blank(raw) {
					anomalies = append(anomalies, Anomaly{Line: n, Err: derr.Error()})
				}
			} else if !fn(n, e) {
				return anomalies, nil
			}
		}
		if err == io.EOF {
			return anomalies, nil
		}
		if err != nil {
			return anomalies, fmt.Errorf("read audit log: %w", err)
		}
	}
}

func blank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}

// ReadAll returns every decodable event.
func (r *Reader) ReadAll() ([]Event, []Anomaly, error) {
	var out []Event
	anomalies, err := r.Scan(func(_ int, e Event) bool {
		out = append(out, e)
		return true
	})
	return out, anomalies, err
}

// ByRun returns the events whose run_id equals runID, in file order.
func (r *Reader) ByRun(runID id.RunID) ([]Event, []Anomaly, error) {
	var out []Event
	anomalies, err := r.Scan(func(_ int, e Event) bool {
		if e.RunID == runID {
			out = append(out, e)
		}
		return true
	})
	return out, anomalies, err
}

// Tail returns the last n decodable events.
func (r *Reader) Tail(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Event, 0, n)
	start := 0
	_, err := r.Scan(func(_ int, e Event) bool {
		if len(ring) < n {
			ring = append(ring, e)
		} else {
			ring[start] = e
			start = (start + 1) % n
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}

// Outcome of a run as recorded in the audit log.
const (
	OutcomeRunning   = "running"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// StageSummary is one stage attempt within a run.
type StageSummary struct {
	Stage     Stage         `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Outcome   string        `json:"outcome"`
	Reason    string        `json:"reason,omitempty"`
}

// RunSummary is a PipelineRun derived from the audit log. Nothing about a run
// is inferred beyond what its events record.
type RunSummary struct {
	RunID       id.RunID       `json:"run_id"`
	Diagnostic  bool           `json:"diagnostic"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	Outcome     string         `json:"outcome"`
	FailedStage Stage          `json:"failed_stage,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Events      int            `json:"events"`
	Stages      []StageSummary `json:"stages"`
}

// Runs groups run-tier events into summaries ordered by first appearance.
func (r *Reader) Runs() ([]RunSummary, []Anomaly, error) {
	all, anomalies, err := r.ReadAll()
	if err != nil {
		return nil, anomalies, err
	}
	return Summarize(all), anomalies, nil
}

// Summarize builds run summaries from events in audit order.
func Summarize(all []Event) []RunSummary {
	index := make(map[id.RunID]int)
	var runs []RunSummary

	for _, e := range all {
		if e.Tier != TierRun {
			continue
		}
		i, ok := index[e.RunID]
		if !ok {
			i = len(runs)
			index[e.RunID] = i
			runs = append(runs, RunSummary{
				RunID:      e.RunID,
				Diagnostic: e.RunID.IsDiagnostic(),
				Outcome:    OutcomeRunning,
			})
		}
		run := &runs[i]
		run.Events++
		ts := e.Timestamp

		switch e.EventType {
		case TypeRunStarted:
			if run.StartedAt == nil {
				run.StartedAt = &ts
			}
		case TypeStageStarted:
			if run.StartedAt == nil {
				run.StartedAt = &ts
			}
			run.Stages = append(run.Stages, StageSummary{Stage: e.Stage, StartedAt: ts, Outcome: OutcomeRunning})
		case TypeStageSucceeded, TypeStageFailed:
			closeStage(run, e)
		case TypeRunSucceeded:
			run.EndedAt = &ts
			run.Outcome = OutcomeSucceeded
		case TypeRunFailed:
			run.EndedAt = &ts
			run.Outcome = OutcomeFailed
			run.Reason = dataString(e.Data, "reason")
			if s := Stage(dataString(e.Data, "stage")); s != StageNone && s.Known() {
				run.FailedStage = s
			}
		}
	}
	return runs
}

func closeStage(run *RunSummary, e Event) {
	outcome := OutcomeSucceeded
	if e.EventType == TypeStageFailed {
		outcome = OutcomeFailed
		if run.FailedStage == StageNone {
			run.FailedStage = e.Stage
		}
	}
	for i := len(run.Stages) - 1; i >= 0; i-- {
		s := &run.Stages[i]
		if s.Stage != e.Stage || s.EndedAt != nil {
			continue
		}
		ts := e.Timestamp
		s.EndedAt = &ts
		s.Duration = ts.Sub(s.StartedAt)
		s.Outcome = outcome
		s.Reason = dataString(e.Data, "reason")
		return
	}
}

func dataString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if s, ok := data[key].(string); ok {
		return s
	}
	return ""
}

// VerifyReport describes the structural health of an audit log.
type VerifyReport struct {
	Path          string         `json:"path"`
	Records       int            `json:"records"`
	SystemEvents  int            `json:"system_events"`
	RunEvents     int            `json:"run_events"`
	Runs          int            `json:"runs"`
	OpenRuns      []id.RunID     `json:"open_runs,omitempty"`
	Anomalies     []Anomaly      `json:"anomalies,omitempty"`
	OutOfOrder    []int          `json:"out_of_order,omitempty"`
	EventTypes    map[string]int `json:"event_types"`
	FirstRecordAt *time.Time     `json:"first_record_at,omitempty"`
	LastRecordAt  *time.Time     `json:"last_record_at,omitempty"`
}

// OK reports whether the log has no anomalies and no timestamp regressions.
func (v VerifyReport) OK() bool {
	return len(v.Anomalies) == 0 && len(v.OutOfOrder) == 0
}

// Verify reads the whole log and reports anomalies, timestamp regressions and
// runs that never reached a terminal event.
func (r *Reader) Verify() (VerifyReport, error) {
	report := VerifyReport{Path: r.path, EventTypes: make(map[string]int)}
	var all []Event
	var last time.Time

	anomalies, err := r.Scan(func(line int, e Event) bool {
		report.Records++
		report.EventTypes[e.EventType]++
		if e.Tier == TierSystem {
			report.SystemEvents++
		} else {
			report.RunEvents++
		}
		if !last.IsZero() && e.Timestamp.Before(last) {
			report.OutOfOrder = append(report.OutOfOrder, line)
		}
		last = e.Timestamp
		if report.FirstRecordAt == nil {
			ts := e.Timestamp
			report.FirstRecordAt = &ts
		}
		all = append(all, e)
		return true
	})
	if err != nil {
		return report, err
	}
	report.Anomalies = anomalies
	if !last.IsZero() {
		report.LastRecordAt = &last
	}

	runs := Summarize(all)
	report.Runs = len(runs)
	for _, run := range runs {
		if run.Outcome == OutcomeRunning {
			report.OpenRuns = append(report.OpenRuns, run.RunID)
		}
	}
	sort.Slice(report.OpenRuns, func(i, j int) bool { return report.OpenRuns[i] < report.OpenRuns[j] })
	return report, nil
}
