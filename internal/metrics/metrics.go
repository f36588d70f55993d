// Package metrics exposes OpenTelemetry counters and histograms for
// session lifecycle events on a Prometheus /metrics endpoint, grounded
// on the teacher's own "global OTel MeterProvider + promhttp.Handler"
// wiring for its operational endpoints.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/hpcide/orchestrator/internal/core"
)

// Metrics owns every counter/histogram this system reports and
// implements core.AnalyticsRecorder, so the state machine can drive it
// exactly like internal/analytics.Recorder — the two are meant to run
// side by side via a fan-out recorder in the composition root.
type Metrics struct {
	launches       metric.Int64Counter
	reconnects     metric.Int64Counter
	pendingWaits   metric.Int64Counter
	stops          metric.Int64Counter
	errors         metric.Int64Counter
	tunnelStarts   metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
}

// New sets the process-global OTel MeterProvider the same way the
// teacher's registerOpsHandlers does, registers every instrument, and
// returns a Metrics ready to record events. Call Handler to mount the
// scrape endpoint.
func New() (*Metrics, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: creating prometheus exporter: %w", err)
	}
	// NOTE: sets the global MeterProvider so any library reaching for
	// otel.Meter() elsewhere in the process shares this registry,
	// mirroring the teacher's own comment on why it does the same.
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)))

	meter := otel.Meter("github.com/hpcide/orchestrator")

	m := &Metrics{}
	var errs [8]error
	m.launches, errs[0] = meter.Int64Counter("hpcide_launches_total", metric.WithDescription("Total session launch attempts"))
	m.reconnects, errs[1] = meter.Int64Counter("hpcide_reconnects_total", metric.WithDescription("Total session reconnects"))
	m.pendingWaits, errs[2] = meter.Int64Counter("hpcide_pending_total", metric.WithDescription("Total launches that ended pending"))
	m.stops, errs[3] = meter.Int64Counter("hpcide_stops_total", metric.WithDescription("Total session stops"))
	m.errors, errs[4] = meter.Int64Counter("hpcide_errors_total", metric.WithDescription("Total domain errors by code"))
	m.tunnelStarts, errs[5] = meter.Int64Counter("hpcide_tunnel_starts_total", metric.WithDescription("Total SSH tunnels started"))
	m.cacheHits, errs[6] = meter.Int64Counter("hpcide_cluster_status_cache_hits_total", metric.WithDescription("Cluster status cache hits"))
	m.cacheMisses, errs[7] = meter.Int64Counter("hpcide_cluster_status_cache_misses_total", metric.WithDescription("Cluster status cache misses"))
	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("metrics: registering instrument: %w", err)
		}
	}
	return m, nil
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }

var _ core.AnalyticsRecorder = (*Metrics)(nil)

func (m *Metrics) RecordLaunch(key core.Key, jobID string) {
	m.launches.Add(context.Background(), 1, metric.WithAttributes(clusterIDEAttrs(key)...))
}

func (m *Metrics) RecordReconnect(key core.Key, jobID string) {
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(clusterIDEAttrs(key)...))
}

func (m *Metrics) RecordPending(key core.Key, jobID string) {
	m.pendingWaits.Add(context.Background(), 1, metric.WithAttributes(clusterIDEAttrs(key)...))
}

func (m *Metrics) RecordStop(key core.Key, endReason string) {
	m.stops.Add(context.Background(), 1, metric.WithAttributes(clusterIDEAttrs(key)...))
}

func (m *Metrics) RecordError(key core.Key, code core.ErrorCode, message string) {
	attrs := append(clusterIDEAttrs(key), attrString("code", string(code)))
	m.errors.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// RecordTunnelStart is called directly by internal/tunnel's caller
// (outside the AnalyticsRecorder interface, since tunnel starts happen
// both on fresh launches and on reconnects/switches).
func (m *Metrics) RecordTunnelStart(key core.Key) {
	m.tunnelStarts.Add(context.Background(), 1, metric.WithAttributes(clusterIDEAttrs(key)...))
}

// RecordCacheHit/RecordCacheMiss are called by InstrumentedCache (see
// WrapCache) on every Get of the wrapped status cache.
func (m *Metrics) RecordCacheHit(cluster string) {
	m.cacheHits.Add(context.Background(), 1, metric.WithAttributes(attrString("cluster", cluster)))
}

func (m *Metrics) RecordCacheMiss(cluster string) {
	m.cacheMisses.Add(context.Background(), 1, metric.WithAttributes(attrString("cluster", cluster)))
}

func attrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

func clusterIDEAttrs(key core.Key) []attribute.KeyValue {
	return []attribute.KeyValue{
		attrString("cluster", key.Cluster),
		attrString("ide", string(key.IDE)),
	}
}
