package events

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/governor/internal/shared/id"
)

type logBuilder struct {
	t    *testing.T
	path string
	log  *AuditLog
	at   time.Time
}

func newLogBuilder(t *testing.T) *logBuilder {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := OpenAuditLog(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return &logBuilder{t: t, path: path, log: log, at: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (b *logBuilder) add(runID id.RunID, stage Stage, eventType string, advance time.Duration, data map[string]interface{}) {
	b.t.Helper()
	b.at = b.at.Add(advance)
	tier := TierRun
	if runID.IsSystem() {
		tier = TierSystem
	}
	require.NoError(b.t, b.log.Append(Event{
		Timestamp: b.at,
		Tier:      tier,
		RunID:     runID,
		Stage:     stage,
		EventType: eventType,
		Message:   eventType,
		Data:      data,
	}))
}

func (b *logBuilder) raw(line string) {
	b.t.Helper()
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(b.t, err)
	_, err = f.WriteString(line)
	require.NoError(b.t, err)
	require.NoError(b.t, f.Close())
}

func (b *logBuilder) successfulRun(translate, analyze, merge time.Duration) id.RunID {
	run := id.NewRunID()
	b.add(run, StageOrchestrator, TypeRunStarted, time.Second, nil)
	b.add(run, StageTranslator, TypeStageStarted, 0, nil)
	b.add(run, StageTranslator, TypeStageSucceeded, translate, nil)
	b.add(run, StageAnalyzer, TypeStageStarted, 0, nil)
	b.add(run, StageAnalyzer, TypeStageSucceeded, analyze, nil)
	b.add(run, StageMerger, TypeStageStarted, 0, nil)
	b.add(run, StageMerger, TypeStageSucceeded, merge, nil)
	b.add(run, StageOrchestrator, TypeRunSucceeded, 0, nil)
	return run
}

func TestReaderToleratesMalformedLines(t *testing.T) {
	b := newLogBuilder(t)
	run := id.NewRunID()
	b.add(id.SystemRunID, StageOrchestrator, TypeOrchestratorStarted, 0, nil)
	b.raw("{\"torn\": tr\n")
	b.add(run, StageOrchestrator, TypeRunStarted, time.Second, nil)
	b.raw("\n")
	b.raw("garbage\n")

	r := NewReader(b.path)
	all, anomalies, err := r.ReadAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	require.Len(t, anomalies, 2)
	assert.Equal(t, 2, anomalies[0].Line)
	assert.Equal(t, 5, anomalies[1].Line)

	byRun, _, err := r.ByRun(run)
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, TypeRunStarted, byRun[0].EventType)
}

func TestReaderMissingFile(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "absent.log"))
	all, anomalies, err := r.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, anomalies)
}

func TestReaderTail(t *testing.T) {
	b := newLogBuilder(t)
	run := id.NewRunID()
	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		b.add(run, StageTranslator, typ, time.Second, nil)
	}

	r := NewReader(b.path)
	tail, err := r.Tail(3)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, "c", tail[0].EventType)
	assert.Equal(t, "e", tail[2].EventType)

	all, err := r.Tail(100)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRunsSummaries(t *testing.T) {
	b := newLogBuilder(t)
	ok := b.successfulRun(2*time.Second, 3*time.Second, time.Second)

	failed := id.NewRunID()
	b.add(failed, StageOrchestrator, TypeRunStarted, time.Second, nil)
	b.add(failed, StageTranslator, TypeStageStarted, 0, nil)
	b.add(failed, StageTranslator, TypeStageFailed, 4*time.Second, map[string]interface{}{"reason": "bad input"})
	b.add(failed, StageOrchestrator, TypeRunFailed, 0, map[string]interface{}{"reason": "bad input", "stage": "translator"})

	open := id.NewRunID()
	b.add(open, StageOrchestrator, TypeRunStarted, time.Second, nil)
	b.add(id.SystemRunID, StageOrchestrator, TypeReset, 0, nil)

	runs, anomalies, err := NewReader(b.path).Runs()
	require.NoError(t, err)
	assert.Empty(t, anomalies)
	require.Len(t, runs, 3)

	assert.Equal(t, ok, runs[0].RunID)
	assert.Equal(t, OutcomeSucceeded, runs[0].Outcome)
	assert.Len(t, runs[0].Stages, 3)
	assert.Equal(t, 3*time.Second, runs[0].Stages[1].Duration)
	assert.Equal(t, 8, runs[0].Events)

	assert.Equal(t, OutcomeFailed, runs[1].Outcome)
	assert.Equal(t, StageTranslator, runs[1].FailedStage)
	assert.Equal(t, "bad input", runs[1].Reason)
	assert.Equal(t, "bad input", runs[1].Stages[0].Reason)

	assert.Equal(t, OutcomeRunning, runs[2].Outcome)
	assert.Nil(t, runs[2].EndedAt)
}

func TestDiagnosticRunsAreFlagged(t *testing.T) {
	b := newLogBuilder(t)
	diag := id.NewDiagRunID()
	b.add(diag, StageAnalyzer, TypeStageStarted, 0, nil)
	b.add(diag, StageAnalyzer, TypeStageSucceeded, time.Second, nil)
	b.add(diag, StageOrchestrator, TypeRunSucceeded, 0, nil)

	runs, _, err := NewReader(b.path).Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Diagnostic)

	assert.Empty(t, ComputeStageStats(runs, false))
	assert.Len(t, ComputeStageStats(runs, true), 1)
}

func TestComputeStageStats(t *testing.T) {
	b := newLogBuilder(t)
	for _, d := range []time.Duration{1, 2, 3, 4, 10} {
		b.successfulRun(d*time.Second, time.Second, time.Second)
	}

	runs, _, err := NewReader(b.path).Runs()
	require.NoError(t, err)

	stats := ComputeStageStats(runs, false)
	require.Len(t, stats, 3)
	tr := stats[0]
	assert.Equal(t, StageTranslator, tr.Stage)
	assert.Equal(t, 5, tr.Count)
	assert.Equal(t, 5, tr.Succeeded)
	assert.InDelta(t, 4.0, tr.Mean, 1e-9)
	assert.InDelta(t, 3.0, tr.P50, 1e-9)
	assert.InDelta(t, 10.0, tr.P95, 1e-9)
	assert.InDelta(t, 1.0, tr.Min, 1e-9)
	assert.InDelta(t, 10.0, tr.Max, 1e-9)
	assert.Greater(t, tr.Stddev, 0.0)

	assert.Equal(t, StageAnalyzer, stats[1].Stage)
	assert.InDelta(t, 0.0, stats[1].Stddev, 1e-9)
	assert.Equal(t, 4*time.Second, Seconds(tr.Mean))
}

func TestVerify(t *testing.T) {
	b := newLogBuilder(t)
	b.successfulRun(time.Second, time.Second, time.Second)
	open := id.NewRunID()
	b.add(open, StageOrchestrator, TypeRunStarted, time.Second, nil)

	report, err := NewReader(b.path).Verify()
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 9, report.Records)
	assert.Equal(t, 2, report.Runs)
	assert.Equal(t, []id.RunID{open}, report.OpenRuns)
	assert.Equal(t, 2, report.EventTypes[TypeRunStarted])

	// A record stamped before its predecessor is reported.
	b.add(open, StageTranslator, TypeStageStarted, -time.Hour, nil)
	b.raw("oops\n")
	report, err = NewReader(b.path).Verify()
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []int{10}, report.OutOfOrder)
	require.Len(t, report.Anomalies, 1)
	assert.Equal(t, 11, report.Anomalies[0].Line)
}

func TestExportGzipRoundTrip(t *testing.T) {
	b := newLogBuilder(t)
	b.successfulRun(time.Second, time.Second, time.Second)
	b.raw("torn line kept verbatim\n")

	original, err := os.ReadFile(b.path)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := NewReader(b.path).Export(&buf, EncodingGzip)
	require.NoError(t, err)
	assert.Equal(t, int64(len(original)), n)

	zr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	var out bytes.Buffer
	_, err = out.ReadFrom(zr)
	require.NoError(t, err)
	assert.Equal(t, original, out.Bytes())
}

func TestExportArchivesAreReadable(t *testing.T) {
	b := newLogBuilder(t)
	b.successfulRun(time.Second, time.Second, time.Second)
	dir := t.TempDir()

	for _, tc := range []struct{ encoding, name string }{
		{EncodingGzip, "audit.log.gz"},
		{EncodingZstd, "audit.log.zst"},
	} {
		t.Run(tc.encoding, func(t *testing.T) {
			path := filepath.Join(dir, tc.name)
			f, err := os.Create(path)
			require.NoError(t, err)
			_, err = NewReader(b.path).Export(f, tc.encoding)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			report, err := NewReader(path).Verify()
			require.NoError(t, err)
			assert.True(t, report.OK())
			assert.Equal(t, 8, report.Records)
		})
	}

	_, err := NewReader(b.path).Export(&bytes.Buffer{}, "brotli")
	assert.Error(t, err)
}

func TestExportMissingLog(t *testing.T) {
	var buf bytes.Buffer
	n, err := NewReader(filepath.Join(t.TempDir(), "none.log")).Export(&buf, EncodingGzip)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotZero(t, buf.Len(), "an empty gzip stream still has a header")
}
