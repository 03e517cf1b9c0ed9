// Package metrics exports the chain registers and per-block step results to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/luukkk/subtensor/core"
)

const namespace = "yuma"

type Metrics struct {
	Difficulty          prometheus.Gauge
	TotalStake          prometheus.Gauge
	TotalIssuance       prometheus.Gauge
	TotalEmission       prometheus.Gauge
	TotalBondsPurchased prometheus.Gauge
	Neurons             prometheus.Gauge
	ActiveNeurons       prometheus.Gauge
	LastBlock           prometheus.Gauge

	Blocks       prometheus.Counter
	Retargets    prometheus.Counter
	StepFailures prometheus.Counter
	// DigestMismatches counts peer state digests that disagreed with ours.
	DigestMismatches prometheus.Counter
	StepDuration     prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Metrics{
		Difficulty:          gauge("difficulty", "Current registration difficulty."),
		TotalStake:          gauge("total_stake", "Sum of all stake."),
		TotalIssuance:       gauge("total_issuance", "Tokens issued so far."),
		TotalEmission:       gauge("block_emission", "Tokens emitted by the last step."),
		TotalBondsPurchased: gauge("bonds_purchased", "Bond delta of the last edge of the last step."),
		Neurons:             gauge("neurons", "Registered participants."),
		ActiveNeurons:       gauge("active_neurons", "Participants active in the last step."),
		LastBlock:           gauge("last_block", "Last processed block."),
		Blocks:              counter("blocks_total", "Blocks processed."),
		Retargets:           counter("retargets_total", "Difficulty retargets."),
		StepFailures:        counter("step_failures_total", "Blocks whose step failed and committed nothing."),
		DigestMismatches:    counter("digest_mismatches_total", "Peer state digests that differed from the local one."),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time to run and commit one block.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}

// Observe records a committed block.
func (m *Metrics) Observe(r *core.BlockReport) {
	m.Difficulty.Set(float64(r.Difficulty))
	m.TotalStake.Set(float64(r.TotalStake))
	m.TotalIssuance.Set(float64(r.TotalIssuance))
	m.TotalEmission.Set(float64(r.TotalEmission))
	m.TotalBondsPurchased.Set(float64(r.TotalBondsPurchased))
	m.Neurons.Set(float64(r.Neurons))
	m.ActiveNeurons.Set(float64(r.Active))
	m.LastBlock.Set(float64(r.Block))
	m.Blocks.Inc()
	if r.Retargeted {
		m.Retargets.Inc()
	}
	m.StepDuration.Observe(r.Duration.Seconds())
}

func (m *Metrics) StepFailed() { m.StepFailures.Inc() }
