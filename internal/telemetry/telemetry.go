package telemetry

import (
	"context"
	"errors"
	"time"
)

// Outcome labels of a run
const (
	OutcomePassed   = "passed"
	OutcomeMismatch = "mismatch"
	OutcomeFailed   = "failed"
	// OutcomeUnknown is a server run whose client never reported back
	OutcomeUnknown = "unknown"
)

// RunRecord describes one finished READ run
type RunRecord struct {
	RunID       string
	Role        string
	Backend     string
	Location    string
	PayloadSize int
	Latency     time.Duration
	Gbps        float64
	MBps        float64
	Words       int
	Mismatches  int
	Outcome     string
}

// Recorder receives run results
type Recorder interface {
	RecordRun(ctx context.Context, r RunRecord)
	Shutdown(ctx context.Context) error
}

// Nop discards every record
type Nop struct{}

func (Nop) RecordRun(context.Context, RunRecord) {}

func (Nop) Shutdown(context.Context) error { return nil }

// Multi fans a record out to several recorders
type Multi []Recorder

func (m Multi) RecordRun(ctx context.Context, r RunRecord) {
	for _, rec := range m {
		rec.RecordRun(ctx, r)
	}
}

// Shutdown shuts every recorder down and joins their errors
func (m Multi) Shutdown(ctx context.Context) error {
	var errs []error
	for _, rec := range m {
		if err := rec.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options selects the recorders New builds
type Options struct {
	Enabled           bool
	InstanceID        string
	Version           string
	OtelCollectorAddr string
	PushgatewayURL    string
}

// New builds the recorders named by opts, or Nop when metrics are disabled
func New(ctx context.Context, opts Options) (Recorder, error) {
	if !opts.Enabled {
		return Nop{}, nil
	}
	var m Multi
	if opts.OtelCollectorAddr != "" {
		o, err := NewOTel(ctx, opts.InstanceID, opts.Version, opts.OtelCollectorAddr)
		if err != nil {
			return nil, err
		}
		m = append(m, o)
	}
	if opts.PushgatewayURL != "" {
		p, err := NewPrometheus(PrometheusOptions{PushgatewayURL: opts.PushgatewayURL, InstanceID: opts.InstanceID})
		if err != nil {
			m.Shutdown(ctx)
			return nil, err
		}
		m = append(m, p)
	}
	if len(m) == 0 {
		return Nop{}, nil
	}
	return m, nil
}
