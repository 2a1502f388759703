// Package metrics exposes pipeline state as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	pipeline "github.com/koscakluka/vox-core/core"
	"github.com/koscakluka/vox-core/core/breaker"
)

const namespace = "vox"

// Source is the view of a running engine the collector reads. It is
// satisfied by *pipeline.Engine.
type Source interface {
	StageStates() map[string]pipeline.ComponentState
	StageMetrics() map[string]pipeline.ComponentMetrics
	BreakerState() breaker.State
	IsSpeaking() bool
	IsProcessing() bool
}

var _ Source = (*pipeline.Engine)(nil)

// EngineCollector reads engine and stage state on every scrape. Stage
// counters are copied out of the components, so scraping never contends with
// the pipeline beyond each component's own mutex.
type EngineCollector struct {
	source Source

	stageUp        *prometheus.Desc
	stageProcessed *prometheus.Desc
	stageErrors    *prometheus.Desc
	speaking       *prometheus.Desc
	processing     *prometheus.Desc
	breakerState   *prometheus.Desc
}

func NewEngineCollector(source Source) *EngineCollector {
	return &EngineCollector{
		source: source,
		stageUp: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "stage_up"),
			"Whether the stage is running or paused (1) or terminated (0)",
			[]string{"stage"}, nil,
		),
		stageProcessed: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "stage_processed_total"),
			"Total items processed by the stage",
			[]string{"stage"}, nil,
		),
		stageErrors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "stage_errors_total"),
			"Total errors recorded by the stage",
			[]string{"stage"}, nil,
		),
		speaking: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "speaking"),
			"Whether the assistant is currently audible",
			nil, nil,
		),
		processing: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "processing"),
			"Whether a conversational turn is in flight",
			nil, nil,
		),
		breakerState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "breaker_state"),
			"Circuit breaker state guarding the model endpoint (0 closed, 1 open, 2 half-open)",
			nil, nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stageUp
	ch <- c.stageProcessed
	ch <- c.stageErrors
	ch <- c.speaking
	ch <- c.processing
	ch <- c.breakerState
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	states := c.source.StageStates()
	for stage, state := range states {
		up := 0.0
		if state == pipeline.StateRunning || state == pipeline.StatePaused {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.stageUp, prometheus.GaugeValue, up, stage)
	}
	for stage, metrics := range c.source.StageMetrics() {
		ch <- prometheus.MustNewConstMetric(c.stageProcessed, prometheus.CounterValue, float64(metrics.ProcessedCount), stage)
		ch <- prometheus.MustNewConstMetric(c.stageErrors, prometheus.CounterValue, float64(metrics.ErrorCount), stage)
	}

	ch <- prometheus.MustNewConstMetric(c.speaking, prometheus.GaugeValue, boolValue(c.source.IsSpeaking()))
	ch <- prometheus.MustNewConstMetric(c.processing, prometheus.GaugeValue, boolValue(c.source.IsProcessing()))
	ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, float64(c.source.BreakerState()))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
