package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus()

	p.Admission("upscale", "charged")
	p.Admission("upscale", "charged")
	p.Admission("upscale", "free")
	p.Settlement("upscale", "completed", 66)
	p.Settlement("upscale", "failed", 0)
	p.Refund("automatic", 66)
	p.ConflictRetry("settle")
	p.DeadLettered()

	assert.Equal(t, float64(2), testutil.ToFloat64(p.admissions.WithLabelValues("upscale", "charged")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.admissions.WithLabelValues("upscale", "free")))
	assert.Equal(t, float64(66), testutil.ToFloat64(p.creditsCharged.WithLabelValues("upscale")))
	assert.Equal(t, float64(66), testutil.ToFloat64(p.creditsRefunded.WithLabelValues("automatic")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.conflictRetries.WithLabelValues("settle")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.deadLettered))
}

func TestPrometheus_ReconcileRunSkipsHistogramWhenSkipped(t *testing.T) {
	p := NewPrometheus()

	p.ReconcileRun("skipped", time.Second)
	p.ReconcileRun("completed", 200*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(p.reconcileRuns.WithLabelValues("skipped")))

	families, err := p.Registry().Gather()
	require.NoError(t, err)
	var samples uint64
	for _, mf := range families {
		if mf.GetName() == "usage_ledger_reconcile_run_duration_seconds" {
			samples = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(1), samples)
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus()
	p.Admission("upscale", "free")
	p.StatusQuery("succeeded", 10*time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `usage_ledger_admissions_total{capability="upscale",outcome="free"} 1`))
	assert.True(t, strings.Contains(body, "usage_ledger_status_query_duration_seconds"))
}

func TestNoopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Noop{}
	r.Admission("x", "free")
	r.ReconcileRun("completed", time.Second)
}
