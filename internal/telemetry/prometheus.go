package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog/log"
)

// PrometheusOptions configures NewPrometheus
type PrometheusOptions struct {
	Registry *prometheus.Registry
	// PushgatewayURL enables pushing the registry after every run
	PushgatewayURL string
	InstanceID     string
}

// Prometheus records runs into a Prometheus registry
type Prometheus struct {
	registry *prometheus.Registry
	pusher   *push.Pusher

	latency    *prometheus.GaugeVec
	bandwidth  *prometheus.GaugeVec
	mismatches *prometheus.CounterVec
	runs       *prometheus.CounterVec
}

var runLabelKeys = []string{"role", "backend", "qp_location"}

// NewPrometheus registers the run collectors
func NewPrometheus(opts PrometheusOptions) (*Prometheus, error) {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	p := &Prometheus{
		registry: reg,
		latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rnread_read_latency_seconds",
			Help: "Latency of the last RDMA READ",
		}, runLabelKeys),
		bandwidth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rnread_read_bandwidth_gbps",
			Help: "Bandwidth of the last RDMA READ in gigabits per second",
		}, runLabelKeys),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rnread_verify_mismatches_total",
			Help: "Words that differed from the golden pattern",
		}, runLabelKeys),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rnread_runs_total",
			Help: "Completed runs by outcome",
		}, append(append([]string{}, runLabelKeys...), "outcome")),
	}
	for _, c := range []prometheus.Collector{p.latency, p.bandwidth, p.mismatches, p.runs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	if opts.PushgatewayURL != "" {
		p.pusher = push.New(opts.PushgatewayURL, "rnread").Gatherer(reg)
		if opts.InstanceID != "" {
			p.pusher = p.pusher.Grouping("instance", opts.InstanceID)
		}
	}
	return p, nil
}

// Registry returns the registry the collectors live in
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// RecordRun records one run and pushes it when a Pushgateway is configured
func (p *Prometheus) RecordRun(ctx context.Context, r RunRecord) {
	labels := prometheus.Labels{"role": r.Role, "backend": r.Backend, "qp_location": r.Location}
	if r.Latency > 0 {
		p.latency.With(labels).Set(r.Latency.Seconds())
		p.bandwidth.With(labels).Set(r.Gbps)
	}
	p.mismatches.With(labels).Add(float64(r.Mismatches))

	outcome := prometheus.Labels{"outcome": r.Outcome}
	for k, v := range labels {
		outcome[k] = v
	}
	p.runs.With(outcome).Inc()

	if p.pusher != nil {
		if err := p.pusher.PushContext(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to push metrics to Pushgateway")
		}
	}
}

// Shutdown is a no-op; runs are pushed as they are recorded
func (p *Prometheus) Shutdown(context.Context) error {
	return nil
}
