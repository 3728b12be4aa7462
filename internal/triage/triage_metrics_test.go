package triage

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	h.OnClassify(ResultFlagged, 0.2)
	h.OnClassify(ResultClear, 0.1)
	h.OnClassify(ResultClear, 0.1)
	h.OnJudgeError()
	h.OnBatch(3, 1.5, nil)
	h.OnBatch(0, 0.5, errors.New("db down"))

	if got := testutil.ToFloat64(m.ClassificationsTotal.WithLabelValues(ResultClear)); got != 2 {
		t.Errorf("classifications{clear} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.JudgeFailuresTotal); got != 1 {
		t.Errorf("judge failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BatchRunsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("batch runs{error} = %v, want 1", got)
	}
}
