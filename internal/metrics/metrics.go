// Package metrics records cascade batch metrics with Prometheus collectors.
// The engine runs as a batch job, so metrics are exported by writing the
// registry to a node_exporter textfile at the end of a run rather than by
// serving an HTTP endpoint.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/johnayoung/go-corpaction-engine/internal/models"
)

// Recorder holds the engine's collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	candidates     *prometheus.CounterVec
	events         *prometheus.CounterVec
	gaps           prometheus.Counter
	corrections    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	batchDuration  *prometheus.GaugeVec
	latestVersion  prometheus.Gauge
	lastRunSuccess *prometheus.GaugeVec
}

// New creates a recorder whose collectors live in a private registry under
// namespace.
func New(namespace string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		candidates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spike_candidates_total",
				Help:      "Spike candidates produced by the detector",
			},
			[]string{"method"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_classified_total",
				Help:      "Corporate action events by inferred type and review status",
			},
			[]string{"event_type", "status"},
		),
		gaps: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "data_gaps_total",
				Help:      "Bars skipped because no baseline return was available",
			},
		),
		corrections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "corrections_total",
				Help:      "Correction attempts by outcome",
			},
			[]string{"outcome"},
		),
		failures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cascade_failures_total",
				Help:      "Instrument pipelines that stopped short of commit, by stage",
			},
			[]string{"stage"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of cascade stages in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		batchDuration: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of the last batch in seconds",
			},
			[]string{"operation"},
		),
		latestVersion: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consistency_version",
				Help:      "Latest committed consistency version",
			},
		),
		lastRunSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_success",
				Help:      "1 when the last batch of an operation had no failures",
			},
			[]string{"operation"},
		),
	}
}

// Registry returns the gatherer holding every collector.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RecordCandidate counts one spike candidate.
func (r *Recorder) RecordCandidate(method models.DetectionMethod) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues(string(method)).Inc()
}

// RecordEvent counts one classified event.
func (r *Recorder) RecordEvent(eventType models.EventType, status models.EventStatus) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(string(eventType), string(status)).Inc()
}

// RecordGaps adds n skipped bars.
func (r *Recorder) RecordGaps(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.gaps.Add(float64(n))
}

// RecordCorrection counts a correction as "applied", "resumed" or "duplicate".
func (r *Recorder) RecordCorrection(outcome string) {
	if r == nil {
		return
	}
	r.corrections.WithLabelValues(outcome).Inc()
}

// RecordFailure counts an instrument that failed at stage.
func (r *Recorder) RecordFailure(stage string) {
	if r == nil {
		return
	}
	r.failures.WithLabelValues(stage).Inc()
}

// ObserveStage records how long a stage took.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveBatch records the outcome of a finished batch.
func (r *Recorder) ObserveBatch(operation string, d time.Duration, failed bool) {
	if r == nil {
		return
	}
	r.batchDuration.WithLabelValues(operation).Set(d.Seconds())
	success := 1.0
	if failed {
		success = 0
	}
	r.lastRunSuccess.WithLabelValues(operation).Set(success)
}

// SetVersion records the latest committed version.
func (r *Recorder) SetVersion(v models.Version) {
	if r == nil {
		return
	}
	r.latestVersion.Set(float64(v))
}

// WriteTextfile writes every collector to path in the text exposition
// format. The file is replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
