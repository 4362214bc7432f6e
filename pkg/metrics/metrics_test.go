package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSessionLifecycle(t *testing.T) {
	before := testutil.ToFloat64(sessionsActive)
	finalizedBefore := testutil.ToFloat64(sessionsFinalizedTotal.WithLabelValues("complete", "closed"))

	RecordSessionStart()
	assert.Equal(t, before+1, testutil.ToFloat64(sessionsActive))

	RecordSessionEnd("complete", "closed", 12.5)
	assert.Equal(t, before, testutil.ToFloat64(sessionsActive))
	assert.Equal(t, finalizedBefore+1, testutil.ToFloat64(sessionsFinalizedTotal.WithLabelValues("complete", "closed")))
}

func TestRecordDropped_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(droppedTotal.WithLabelValues("partial"))
	RecordDropped("partial", 0)
	RecordDropped("partial", 3)
	assert.Equal(t, before+3, testutil.ToFloat64(droppedTotal.WithLabelValues("partial")))
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("boom")))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	RecordSTTConnect("assemblyai", "success")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "oto_stt_connects_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
