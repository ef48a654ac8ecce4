package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.EvidenceWritten("sec_edgar", true)
	m.EvidenceWritten("sec_edgar", false)
	m.EvidenceWritten("sec_edgar", false)
	m.WriteRejected("license_violation")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.evidence.WithLabelValues("sec_edgar", "created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evidence.WithLabelValues("sec_edgar", "existing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("license_violation")))
}

func TestMaterialized(t *testing.T) {
	m := New()
	m.Materialized("iss-1", 3, 10*time.Millisecond, nil)
	m.Materialized("iss-2", 0, time.Millisecond, errors.New("boom"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.explanations.WithLabelValues("iss-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.materializeRuns.WithLabelValues("failed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.AssertionWritten("develops", true)
	m.QueueDepth(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "biograph_assertion_writes_total"))
	assert.True(t, strings.Contains(string(body), "biograph_refresh_queue_depth 2"))
}
