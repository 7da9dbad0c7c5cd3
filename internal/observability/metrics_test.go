package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitMetrics(t *testing.T) {
	handler, shutdown, err := InitMetrics()
	require.NoError(t, err)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = shutdown(shutdownCtx)
	}()

	m, err := NewMetrics(otel.Meter("test-meter"))
	require.NoError(t, err)
	m.JobSubmitted(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "pipeline_jobs_submitted")
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestMetrics_Record(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	m.JobSubmitted(ctx)
	m.ClaimAttempted(ctx, "won")
	m.ClaimAttempted(ctx, "lost")
	m.JobsRecovered(ctx, 3)
	m.JobFinished(ctx, "DONE", 2*time.Second)
	m.ObjectCopied(ctx, "copied", 128)
	m.ObjectCopied(ctx, "skipped", 0)

	sums := collect(t, reader)
	assert.Equal(t, int64(1), sums["pipeline_jobs_submitted"])
	assert.Equal(t, int64(2), sums["pipeline_job_claims"])
	assert.Equal(t, int64(3), sums["pipeline_jobs_recovered"])
	assert.Equal(t, int64(1), sums["pipeline_jobs_finished"])
	assert.Equal(t, int64(2), sums["pipeline_copy_objects"])
	assert.Equal(t, int64(128), sums["pipeline_copy_bytes"])
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.JobSubmitted(ctx)
		m.ClaimAttempted(ctx, "won")
		m.JobsRecovered(ctx, 1)
		m.JobFinished(ctx, "FAILED", time.Second)
		m.ObjectCopied(ctx, "failed", 0)
	})
}
