// Package observability provides OpenTelemetry metrics exported in
// Prometheus format.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MeterName is the instrumentation scope of every pipeline instrument.
const MeterName = "github.com/cuongbtq/spot-pipeline"

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// Metrics holds the pipeline instruments. A nil *Metrics records nothing.
type Metrics struct {
	jobsSubmitted metric.Int64Counter
	claims        metric.Int64Counter
	jobsRecovered metric.Int64Counter
	jobsFinished  metric.Int64Counter
	jobDuration   metric.Float64Histogram
	copyObjects   metric.Int64Counter
	copyBytes     metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.jobsSubmitted, err = meter.Int64Counter("pipeline_jobs_submitted",
		metric.WithDescription("Jobs accepted by the producer")); err != nil {
		return nil, err
	}
	if m.claims, err = meter.Int64Counter("pipeline_job_claims",
		metric.WithDescription("Claim attempts by outcome")); err != nil {
		return nil, err
	}
	if m.jobsRecovered, err = meter.Int64Counter("pipeline_jobs_recovered",
		metric.WithDescription("Stale claims reset to PENDING")); err != nil {
		return nil, err
	}
	if m.jobsFinished, err = meter.Int64Counter("pipeline_jobs_finished",
		metric.WithDescription("Processing outcomes by resulting state")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("pipeline_job_duration_seconds",
		metric.WithDescription("Time from claim to completion or failure"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.copyObjects, err = meter.Int64Counter("pipeline_copy_objects",
		metric.WithDescription("Objects visited by the copy protocol by result")); err != nil {
		return nil, err
	}
	if m.copyBytes, err = meter.Int64Counter("pipeline_copy_bytes",
		metric.WithDescription("Bytes written to the destination store"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}

	return m, nil
}

// NewGlobalMetrics creates the instruments on the global meter provider.
func NewGlobalMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(MeterName))
}

func (m *Metrics) JobSubmitted(ctx context.Context) {
	if m == nil {
		return
	}
	m.jobsSubmitted.Add(ctx, 1)
}

// ClaimAttempted records a claim outcome: won, lost or error.
func (m *Metrics) ClaimAttempted(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) JobsRecovered(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.jobsRecovered.Add(ctx, int64(n))
}

// JobFinished records the state a processing attempt left the job in.
func (m *Metrics) JobFinished(ctx context.Context, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// ObjectCopied records one copy protocol result: copied, skipped or failed.
func (m *Metrics) ObjectCopied(ctx context.Context, result string, bytes int64) {
	if m == nil {
		return
	}
	m.copyObjects.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if bytes > 0 {
		m.copyBytes.Add(ctx, bytes)
	}
}
