package metrics

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/resync/pkg/core"
)

func sampleOutcome(id string, status core.Status) core.TaskOutcome {
	start := time.Date(2026, 2, 25, 10, 0, 0, 0, time.UTC)
	return core.TaskOutcome{
		TaskID:       id,
		Status:       status,
		SourceCount:  10,
		TargetCount:  9,
		DiffCount:    3,
		Mismatched:   1,
		SourceOnly:   2,
		MatchingRate: 0.7,
		StartTime:    start,
		EndTime:      start.Add(90 * time.Second),
		CostMinutes:  1.5,
		RepairStatus: "partial_fail",
		RepairUnits:  3,
		FailedUnits:  1,
	}
}

// TestCollector counts outcomes by status, class and unit result.
func TestCollector(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()
	require.NoError(t, c.SaveOutcome(ctx, sampleOutcome("1", core.StatusPartialFail)))
	require.NoError(t, c.SaveOutcome(ctx, sampleOutcome("2", core.StatusSuccess)))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("partial_fail")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.discrepancies.WithLabelValues("source_only")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.discrepancies.WithLabelValues("target_only")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.repairUnits.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.repairUnits.WithLabelValues("fail")))
	assert.Equal(t, 0.7, testutil.ToFloat64(c.matchingRate.WithLabelValues("1")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.duration))
}

// TestHandler serves the exposition format.
func TestHandler(t *testing.T) {
	c := NewCollector()
	require.NoError(t, c.SaveOutcome(context.Background(), sampleOutcome("1", core.StatusSuccess)))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `resync_tasks_total{status="success"} 1`), body)
	assert.Contains(t, body, "resync_task_duration_seconds_bucket")
}

// TestJSONOutcomeStore appends one line per outcome and reads them back.
func TestJSONOutcomeStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.jsonl")
	store := &JSONOutcomeStore{FilePath: path}

	require.NoError(t, store.SaveOutcome(context.Background(), sampleOutcome("1", core.StatusSuccess)))
	require.NoError(t, store.SaveOutcome(context.Background(), sampleOutcome("2", core.StatusFail)))

	outcomes, err := ReadOutcomes(path)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "2", outcomes[1].TaskID)
	assert.Equal(t, core.StatusFail, outcomes[1].Status)
	assert.Equal(t, 90*time.Second, outcomes[0].Duration())
}

// TestSaveWithContext ensures that context cancellation is respected when saving an outcome.
func TestSaveWithContext(t *testing.T) {
	store := &JSONOutcomeStore{FilePath: filepath.Join(t.TempDir(), "outcomes.jsonl")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.SaveOutcome(ctx, sampleOutcome("1", core.StatusSuccess))
	assert.ErrorIs(t, err, context.Canceled)
}
