package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
)

func TestMetrics_RecordsOutcomes(t *testing.T) {
	m := New("test")

	m.StepFinished("reg", "create_user", sagalog.StepCompleted, 20*time.Millisecond)
	m.StepFinished("reg", "create_auth", sagalog.StepFailed, 5*time.Millisecond)
	m.StepRetried("reg", "create_auth")
	m.CompensationFinished("reg", "delete_user", nil)
	m.CompensationFinished("reg", "delete_auth", errors.New("x"))
	m.SagaFinished("reg", sagalog.StatusCompensated)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("reg", "create_user", "COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepsTotal.WithLabelValues("reg", "create_auth", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StepRetriesTotal.WithLabelValues("reg", "create_auth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompensationsTotal.WithLabelValues("reg", "delete_user", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompensationsTotal.WithLabelValues("reg", "delete_auth", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagasTotal.WithLabelValues("reg", "COMPENSATED")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.StepDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := New("test")
	m.SagaFinished("reg", sagalog.StatusCompleted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `saga_runs_total{saga="reg",service="test",status="COMPLETED"} 1`)
}
