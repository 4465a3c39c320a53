package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/yuuki/rnread"

// OTel records runs as OpenTelemetry instruments
type OTel struct {
	provider *sdkmetric.MeterProvider

	latencyHistogram   metric.Float64Histogram
	bandwidthHistogram metric.Float64Histogram
	mismatchCounter    metric.Int64Counter
	runCounter         metric.Int64Counter
}

// parseCollectorAddr splits a collector address into scheme and host:port.
// A schemeless address defaults to grpc.
func parseCollectorAddr(collectorAddr string) (string, string, error) {
	if !strings.Contains(collectorAddr, "://") {
		if collectorAddr == "" || strings.Contains(collectorAddr, "/") || !strings.Contains(collectorAddr, ":") {
			return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
		return "grpc", collectorAddr, nil
	}

	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}
	if parsedURL.Host == "" {
		return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host", collectorAddr)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	switch scheme {
	case "grpc", "grpcs", "http", "https":
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	return scheme, parsedURL.Host, nil
}

func newExporter(ctx context.Context, collectorAddr string) (sdkmetric.Exporter, error) {
	scheme, endpoint, err := parseCollectorAddr(collectorAddr)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch scheme {
	case "grpc":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	case "grpcs":
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	case "https":
		exporter, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	return exporter, nil
}

// NewOTel creates a recorder exporting to an OTLP collector
func NewOTel(ctx context.Context, instanceID, version, collectorAddr string) (*OTel, error) {
	exporter, err := newExporter(ctx, collectorAddr)
	if err != nil {
		return nil, err
	}
	return newOTelWithReader(instanceID, version, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)))
}

func newOTelWithReader(instanceID, version string, reader sdkmetric.Reader) (*OTel, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("rnread"),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	meter := provider.Meter(meterName)

	o := &OTel{provider: provider}
	if o.latencyHistogram, err = meter.Float64Histogram(
		"rnread.read.latency",
		metric.WithDescription("RDMA READ completion latency in microseconds"),
		metric.WithUnit("us"),
	); err != nil {
		return nil, err
	}
	if o.bandwidthHistogram, err = meter.Float64Histogram(
		"rnread.read.bandwidth",
		metric.WithDescription("RDMA READ bandwidth in gigabits per second"),
		metric.WithUnit("Gbit/s"),
	); err != nil {
		return nil, err
	}
	if o.mismatchCounter, err = meter.Int64Counter(
		"rnread.verify.mismatches",
		metric.WithDescription("Words that differed from the golden pattern"),
		metric.WithUnit("{word}"),
	); err != nil {
		return nil, err
	}
	if o.runCounter, err = meter.Int64Counter(
		"rnread.runs",
		metric.WithDescription("Completed runs by outcome"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}
	return o, nil
}

// RecordRun records one run
func (o *OTel) RecordRun(ctx context.Context, r RunRecord) {
	attrs := metric.WithAttributes(
		attribute.String("role", r.Role),
		attribute.String("backend", r.Backend),
		attribute.String("qp_location", r.Location),
		attribute.Int("payload_size", r.PayloadSize),
	)
	o.runCounter.Add(ctx, 1, attrs, metric.WithAttributes(attribute.String("outcome", r.Outcome)))
	if r.Latency > 0 {
		o.latencyHistogram.Record(ctx, float64(r.Latency.Nanoseconds())/1e3, attrs)
		o.bandwidthHistogram.Record(ctx, r.Gbps, attrs)
	}
	if r.Mismatches > 0 {
		o.mismatchCounter.Add(ctx, int64(r.Mismatches), attrs)
	}
}

// Shutdown flushes and stops the meter provider
func (o *OTel) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}
