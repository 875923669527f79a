package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	assert.NotNil(t, RequestsRejected)
	assert.NotNil(t, RequestDuration)
	assert.NotNil(t, CSRFTokensIssued)
	assert.NotNil(t, CSRFTokensSwept)
	assert.NotNil(t, CSRFStoreSize)
	assert.NotNil(t, RateLimitBackendFallbacks)
	assert.NotNil(t, ProctoringDecisions)
	assert.NotNil(t, AuditRecordsEmitted)
	assert.NotNil(t, AuditRecordsDropped)
	assert.NotNil(t, CacheErrors)
	assert.NotNil(t, GoroutinePanics)
}

func TestRequestsRejected_LabelsAreIndependent(t *testing.T) {
	before := testutil.ToFloat64(RequestsRejected.WithLabelValues("csrf", "missing"))
	other := testutil.ToFloat64(RequestsRejected.WithLabelValues("csrf", "invalid"))

	RequestsRejected.WithLabelValues("csrf", "missing").Inc()

	assert.Equal(t, before+1, testutil.ToFloat64(RequestsRejected.WithLabelValues("csrf", "missing")))
	assert.Equal(t, other, testutil.ToFloat64(RequestsRejected.WithLabelValues("csrf", "invalid")))
}
